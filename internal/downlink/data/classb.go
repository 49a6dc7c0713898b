package data

import (
	"crypto/aes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// Class-B timing constants.
const (
	beaconPeriod   = 128 * time.Second
	pingPeriodBase = 1 << 12
	slotLen        = 30 * time.Millisecond
)

// getPingOffset computes the ping-slot offset within the beacon period
// for the given beacon time and DevAddr.
func getPingOffset(beaconTime time.Duration, devAddr lorawan.DevAddr, pingNb int) (int, error) {
	if pingNb == 0 {
		return 0, errors.New("pingNb must not be 0")
	}
	pingPeriod := pingPeriodBase / pingNb

	key := lorawan.AES128Key{} // all-zero, per the Class-B spec
	cipher, err := aes.NewCipher(key[:])
	if err != nil {
		return 0, errors.Wrap(err, "new cipher error")
	}

	beaconTimeSecs := uint32(beaconTime / time.Second)

	var b, rand [16]byte
	binary.LittleEndian.PutUint32(b[0:4], beaconTimeSecs)
	devAddrB, err := devAddr.MarshalBinary()
	if err != nil {
		return 0, errors.Wrap(err, "marshal devaddr error")
	}
	copy(b[4:8], devAddrB)

	cipher.Encrypt(rand[:], b[:])

	return (int(rand[0]) + int(rand[1])*256) % pingPeriod, nil
}

// GetNextPingSlotAfter returns the time (since GPS epoch) of the first
// ping slot of the device after the given gap.
func GetNextPingSlotAfter(afterGPSEpochTS time.Duration, devAddr lorawan.DevAddr, pingNb int) (time.Duration, error) {
	if pingNb == 0 {
		return 0, errors.New("pingNb must not be 0")
	}
	pingPeriod := pingPeriodBase / pingNb

	for beaconStart := afterGPSEpochTS - (afterGPSEpochTS % beaconPeriod); ; beaconStart += beaconPeriod {
		pingOffset, err := getPingOffset(beaconStart, devAddr, pingNb)
		if err != nil {
			return 0, err
		}

		for n := 0; n < pingNb; n++ {
			gpsEpochTime := beaconStart + beaconReserved + (time.Duration(pingOffset+n*pingPeriod) * slotLen)
			if gpsEpochTime > afterGPSEpochTS {
				return gpsEpochTime, nil
			}
		}
	}
}

// beaconReserved is the guard time at the start of each beacon period
// reserved for the beacon itself.
const beaconReserved = 2120 * time.Millisecond
