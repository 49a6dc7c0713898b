package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/logging"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

const (
	devAddrKeyTempl                = "devaddr:%s"     // set of DevEUIs using this DevAddr
	deviceSessionKeyTempl          = "device:%s"      // device-session of a DevEUI
	deviceGatewayRXInfoSetKeyTempl = "device:gateway:rx-info:%s" // gateway meta-data of the last uplink
)

// UplinkHistorySize contains the number of frames to keep for ADR.
const UplinkHistorySize = 20

// UplinkHistory contains the meta-data of one uplink transmission, used
// by the ADR engine.
type UplinkHistory struct {
	FCnt         uint32
	MaxSNR       float64
	TXPowerIndex int
	GatewayCount int
}

// KeyEnvelope defines a (possibly KEK-wrapped) session-key.
type KeyEnvelope struct {
	KEKLabel string
	AESKey   []byte
}

// MACCommandBlock groups the mac-commands of one CID scheduled for, or
// pending from, a downlink.
type MACCommandBlock struct {
	CID         lorawan.CID
	External    bool
	MACCommands []lorawan.MACCommand
}

// gob can not encode the mac-command payload interface, the commands are
// stored in their binary form.
type macCommandBlockGob struct {
	CID      lorawan.CID
	External bool
	Commands [][]byte
}

// GobEncode implements gob.GobEncoder.
func (m MACCommandBlock) GobEncode() ([]byte, error) {
	w := macCommandBlockGob{CID: m.CID, External: m.External}
	for _, mc := range m.MACCommands {
		b, err := mc.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "marshal mac-command error")
		}
		w.Commands = append(w.Commands, b)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, errors.Wrap(err, "gob encode error")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder. Pending blocks always hold
// downlink (server to device) commands.
func (m *MACCommandBlock) GobDecode(b []byte) error {
	var w macCommandBlockGob
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return errors.Wrap(err, "gob decode error")
	}

	m.CID = w.CID
	m.External = w.External
	m.MACCommands = nil
	for _, cb := range w.Commands {
		var mc lorawan.MACCommand
		if err := mc.UnmarshalBinary(false, cb); err != nil {
			return errors.Wrap(err, "unmarshal mac-command error")
		}
		m.MACCommands = append(m.MACCommands, mc)
	}
	return nil
}

// Size returns the marshaled size of the block in bytes.
func (m MACCommandBlock) Size() (int, error) {
	var count int
	for _, mc := range m.MACCommands {
		b, err := mc.MarshalBinary()
		if err != nil {
			return 0, errors.Wrap(err, "marshal mac-command error")
		}
		count += len(b)
	}
	return count, nil
}

// DeviceSession is the post-activation MAC state of one device.
type DeviceSession struct {
	MACVersion string

	DeviceProfileID string

	DevAddr         lorawan.DevAddr
	DevEUI          lorawan.EUI64
	JoinEUI         lorawan.EUI64
	FNwkSIntKey     lorawan.AES128Key
	SNwkSIntKey     lorawan.AES128Key
	NwkSEncKey      lorawan.AES128Key
	AppSKeyEnvelope *KeyEnvelope

	FCntUp    uint32
	NFCntDown uint32
	AFCntDown uint32
	ConfFCnt  uint32

	SkipFCntValidation bool

	RXDelay      uint8
	RX1DROffset  uint8
	RX2DR        uint8
	RX2Frequency int

	// TXPowerIndex, DR and NbTrans are controlled by the ADR engine.
	TXPowerIndex             int
	DR                       int
	ADR                      bool
	MinSupportedTXPowerIndex int
	MaxSupportedTXPowerIndex int
	NbTrans                  uint8

	EnabledUplinkChannels []int
	ExtraUplinkChannels   map[int]loraband.Channel
	ChannelFrequencies    []int
	UplinkHistory         []UplinkHistory

	// Pending mac-command blocks, stored when a downlink flushes them
	// and matched against the answers in the next uplink.
	PendingMACCommands []MACCommandBlock

	// MACCommandErrorCount tracks per-CID failed request/answer cycles.
	MACCommandErrorCount map[lorawan.CID]int

	LastDevStatusRequested time.Time
	LastDownlinkTX         time.Time

	// Class-B.
	BeaconLocked      bool
	PingSlotNb        int
	PingSlotDR        int
	PingSlotFrequency int

	RejoinRequestEnabled   bool
	RejoinRequestMaxCountN int
	RejoinRequestMaxTimeN  int

	RejoinCount0               uint16
	PendingRejoinDeviceSession *DeviceSession

	UplinkDwellTime400ms   bool
	DownlinkDwellTime400ms bool
	UplinkMaxEIRPIndex     uint8
}

// AppendUplinkHistory appends an UplinkHistory item and makes sure the
// list never exceeds UplinkHistorySize records. In case of a
// re-transmission the entry is ignored, we don't know its source (it
// might be a replay-attack).
func (s *DeviceSession) AppendUplinkHistory(up UplinkHistory) {
	if count := len(s.UplinkHistory); count > 0 {
		if s.UplinkHistory[count-1].FCnt == up.FCnt {
			return
		}
	}

	s.UplinkHistory = append(s.UplinkHistory, up)
	if count := len(s.UplinkHistory); count > UplinkHistorySize {
		s.UplinkHistory = s.UplinkHistory[count-UplinkHistorySize : count]
	}
}

// GetPacketLossPercentage returns the percentage of packet-loss over the
// uplink history. It returns 0 when the history hasn't been filled yet,
// to avoid reporting 33% when one of the first three uplinks was lost.
func (s DeviceSession) GetPacketLossPercentage() float64 {
	if len(s.UplinkHistory) < UplinkHistorySize {
		return 0
	}

	var lostPackets uint32
	var previousFCnt uint32

	for i, uh := range s.UplinkHistory {
		if i == 0 {
			previousFCnt = uh.FCnt
			continue
		}
		lostPackets += uh.FCnt - previousFCnt - 1 // expected difference is 1
		previousFCnt = uh.FCnt
	}

	return float64(lostPackets) / float64(len(s.UplinkHistory)) * 100
}

// GetMACVersion returns the LoRaWAN mac version.
func (s DeviceSession) GetMACVersion() lorawan.MACVersion {
	if len(s.MACVersion) >= 3 && s.MACVersion[:3] == "1.1" {
		return lorawan.LoRaWAN1_1
	}
	return lorawan.LoRaWAN1_0
}

// GetFCntDown returns the next downlink frame-counter: NFCntDown for
// LoRaWAN 1.0, AFCntDown for 1.1 application downlinks.
func (s DeviceSession) GetFCntDown(appPayload bool) uint32 {
	if s.GetMACVersion() == lorawan.LoRaWAN1_1 && appPayload {
		return s.AFCntDown
	}
	return s.NFCntDown
}

// SetPendingMACCommandBlock stores the given block as pending, replacing
// a previous block with the same CID.
func (s *DeviceSession) SetPendingMACCommandBlock(block MACCommandBlock) {
	s.DeletePendingMACCommandBlock(block.CID)
	s.PendingMACCommands = append(s.PendingMACCommands, block)
}

// GetPendingMACCommandBlock returns the pending block for the given CID,
// or nil.
func (s *DeviceSession) GetPendingMACCommandBlock(cid lorawan.CID) *MACCommandBlock {
	for i := range s.PendingMACCommands {
		if s.PendingMACCommands[i].CID == cid {
			return &s.PendingMACCommands[i]
		}
	}
	return nil
}

// DeletePendingMACCommandBlock deletes the pending block for the CID.
func (s *DeviceSession) DeletePendingMACCommandBlock(cid lorawan.CID) {
	for i := range s.PendingMACCommands {
		if s.PendingMACCommands[i].CID == cid {
			s.PendingMACCommands = append(s.PendingMACCommands[:i], s.PendingMACCommands[i+1:]...)
			return
		}
	}
}

// GetRandomDevAddr returns a random DevAddr, prefixed with the NwkID of
// the given NetID.
func GetRandomDevAddr(netID lorawan.NetID) (lorawan.DevAddr, error) {
	var d lorawan.DevAddr
	b := make([]byte, len(d))
	if _, err := rand.Read(b); err != nil {
		return d, errors.Wrap(err, "read random bytes error")
	}
	copy(d[:], b)
	d.SetAddrPrefix(netID)

	return d, nil
}

// ValidateAndGetFullFCntUp validates the given fCntUp against the session
// state and returns the full 32 bit frame-counter. The LoRaWAN frame only
// carries the 16 LSB.
func ValidateAndGetFullFCntUp(s DeviceSession, fCntUp uint32, maxFCntGap uint32) (uint32, bool) {
	gap := uint32(uint16(fCntUp) - uint16(s.FCntUp%(1<<16)))
	if gap < maxFCntGap {
		return s.FCntUp + gap, true
	}
	return 0, false
}

// SaveDeviceSession saves the device-session, creating it when it doesn't
// exist yet. The DevAddr set is updated so that the session can be found
// back by address.
func SaveDeviceSession(ctx context.Context, s DeviceSession) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	pipe := RedisClient().TxPipeline()
	pipe.Set(ctx, GetRedisKey(deviceSessionKeyTempl, s.DevEUI), buf.Bytes(), deviceSessionTTL)
	pipe.SAdd(ctx, GetRedisKey(devAddrKeyTempl, s.DevAddr), s.DevEUI[:])
	pipe.PExpire(ctx, GetRedisKey(devAddrKeyTempl, s.DevAddr), deviceSessionTTL)
	if s.PendingRejoinDeviceSession != nil {
		pipe.SAdd(ctx, GetRedisKey(devAddrKeyTempl, s.PendingRejoinDeviceSession.DevAddr), s.DevEUI[:])
		pipe.PExpire(ctx, GetRedisKey(devAddrKeyTempl, s.PendingRejoinDeviceSession.DevAddr), deviceSessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	slog.Debug("device-session saved", "component", "storage", "dev_eui", s.DevEUI.String(), "dev_addr", s.DevAddr.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetDeviceSession returns the device-session for the given DevEUI.
func GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (DeviceSession, error) {
	val, err := RedisClient().Get(ctx, GetRedisKey(deviceSessionKeyTempl, devEUI)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return DeviceSession{}, ErrDoesNotExist
		}
		return DeviceSession{}, errors.Wrap(err, "get error")
	}

	var s DeviceSession
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&s); err != nil {
		return DeviceSession{}, errors.Wrap(err, "gob decode error")
	}

	return s, nil
}

// DeleteDeviceSession deletes the device-session matching the given
// DevEUI.
func DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error {
	val, err := RedisClient().Del(ctx, GetRedisKey(deviceSessionKeyTempl, devEUI)).Result()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}
	slog.Info("device-session deleted", "component", "storage", "dev_eui", devEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// DeviceSessionExists returns if a device-session exists for the DevEUI.
func DeviceSessionExists(ctx context.Context, devEUI lorawan.EUI64) (bool, error) {
	r, err := RedisClient().Exists(ctx, GetRedisKey(deviceSessionKeyTempl, devEUI)).Result()
	if err != nil {
		return false, errors.Wrap(err, "get exists error")
	}
	return r == 1, nil
}

// GetDeviceSessionsForDevAddr returns the device-sessions using the given
// DevAddr. Multiple devices can share the same address; all candidates
// are returned so the caller can disambiguate by MIC.
func GetDeviceSessionsForDevAddr(ctx context.Context, devAddr lorawan.DevAddr) ([]DeviceSession, error) {
	var items []DeviceSession

	devEUIs, err := RedisClient().SMembers(ctx, GetRedisKey(devAddrKeyTempl, devAddr)).Result()
	if err != nil {
		if err == redis.Nil {
			return items, nil
		}
		return nil, errors.Wrap(err, "get members error")
	}

	for _, b := range devEUIs {
		var devEUI lorawan.EUI64
		copy(devEUI[:], []byte(b))

		s, err := GetDeviceSession(ctx, devEUI)
		if err != nil {
			slog.Warn("get device-session for dev_addr error", "component", "storage", "dev_addr", devAddr.String(), "dev_eui", devEUI.String(), "error", err)
			continue
		}

		// The "main" session might map to a different DevAddr when a
		// pending rejoin session is set for the looked-up address.
		if s.DevAddr == devAddr {
			items = append(items, s)
		}

		if s.PendingRejoinDeviceSession != nil && s.PendingRejoinDeviceSession.DevAddr == devAddr {
			items = append(items, *s.PendingRejoinDeviceSession)
		}
	}

	return items, nil
}

// GetDeviceSessionForPHYPayload returns the device-session matching the
// given PHYPayload. It fetches all sessions for the used DevAddr and
// selects the one whose MIC validates against an acceptable FCnt.
func GetDeviceSessionForPHYPayload(ctx context.Context, phy lorawan.PHYPayload, maxFCntGap uint32, txDR, txCh int) (DeviceSession, error) {
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return DeviceSession{}, errors.Errorf("expected *lorawan.MACPayload, got: %T", phy.MACPayload)
	}
	originalFCnt := macPL.FHDR.FCnt

	sessions, err := GetDeviceSessionsForDevAddr(ctx, macPL.FHDR.DevAddr)
	if err != nil {
		return DeviceSession{}, err
	}

	for _, s := range sessions {
		// reset to the FCnt as received, the previous iteration might
		// have rewritten it
		macPL.FHDR.FCnt = originalFCnt

		fullFCnt, ok := ValidateAndGetFullFCntUp(s, macPL.FHDR.FCnt, maxFCntGap)
		if !ok {
			// When SkipFCntValidation is set, trust the uplink FCnt.
			// This is insecure, but is needed for ABP devices that reset.
			// The down-counters are not reset, a re-transmit must not
			// reset the downlink frame-counter.
			if s.SkipFCntValidation {
				fullFCnt = macPL.FHDR.FCnt
				s.FCntUp = macPL.FHDR.FCnt
				s.UplinkHistory = []UplinkHistory{}

				micOK, err := phy.ValidateUplinkDataMIC(s.GetMACVersion(), s.ConfFCnt, uint8(txDR), uint8(txCh), s.FNwkSIntKey, s.SNwkSIntKey)
				if err != nil {
					return DeviceSession{}, errors.Wrap(err, "validate mic error")
				}

				if micOK {
					if err := SaveDeviceSession(ctx, s); err != nil {
						return DeviceSession{}, err
					}
					slog.Warn("frame counters reset", "component", "storage", "dev_addr", macPL.FHDR.DevAddr.String(), "dev_eui", s.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
					return s, nil
				}
			}
			continue
		}

		macPL.FHDR.FCnt = fullFCnt
		micOK, err := phy.ValidateUplinkDataMIC(s.GetMACVersion(), s.ConfFCnt, uint8(txDR), uint8(txCh), s.FNwkSIntKey, s.SNwkSIntKey)
		if err != nil {
			return DeviceSession{}, errors.Wrap(err, "validate mic error")
		}
		if micOK {
			return s, nil
		}
	}

	return DeviceSession{}, ErrDoesNotExistOrFCntOrMICInvalid
}

// DeviceGatewayRXInfoSet contains the rx-info of the gateways receiving
// the last uplink of a device, used by the downlink gateway selector and
// the multicast minimum-gateway-set computation.
type DeviceGatewayRXInfoSet struct {
	DevEUI lorawan.EUI64
	DR     int
	Items  []DeviceGatewayRXInfo
}

// DeviceGatewayRXInfo holds the meta-data of one receiving gateway.
type DeviceGatewayRXInfo struct {
	GatewayID     lorawan.EUI64
	RSSI          int
	LoRaSNR       float64
	Antenna       uint32
	Board         uint32
	Context       []byte
	IsPrivateDown bool
	TenantID      string
}

// SaveDeviceGatewayRXInfoSet saves the given DeviceGatewayRXInfoSet.
func SaveDeviceGatewayRXInfoSet(ctx context.Context, rxInfoSet DeviceGatewayRXInfoSet) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rxInfoSet); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	err := RedisClient().Set(ctx, GetRedisKey(deviceGatewayRXInfoSetKeyTempl, rxInfoSet.DevEUI), buf.Bytes(), deviceSessionTTL).Err()
	if err != nil {
		return errors.Wrap(err, "set error")
	}

	slog.Debug("device gateway rx-info meta-data saved", "component", "storage", "dev_eui", rxInfoSet.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetDeviceGatewayRXInfoSet returns the rx-info set for the given DevEUI.
func GetDeviceGatewayRXInfoSet(ctx context.Context, devEUI lorawan.EUI64) (DeviceGatewayRXInfoSet, error) {
	val, err := RedisClient().Get(ctx, GetRedisKey(deviceGatewayRXInfoSetKeyTempl, devEUI)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return DeviceGatewayRXInfoSet{}, ErrDoesNotExist
		}
		return DeviceGatewayRXInfoSet{}, errors.Wrap(err, "get error")
	}

	var rxInfoSet DeviceGatewayRXInfoSet
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&rxInfoSet); err != nil {
		return DeviceGatewayRXInfoSet{}, errors.Wrap(err, "gob decode error")
	}
	return rxInfoSet, nil
}

// DeleteDeviceGatewayRXInfoSet deletes the rx-info set for the DevEUI.
func DeleteDeviceGatewayRXInfoSet(ctx context.Context, devEUI lorawan.EUI64) error {
	val, err := RedisClient().Del(ctx, GetRedisKey(deviceGatewayRXInfoSetKeyTempl, devEUI)).Result()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}
	return nil
}

// GetDeviceGatewayRXInfoSetForDevEUIs returns the rx-info sets for the
// given DevEUIs, skipping devices without a stored set.
func GetDeviceGatewayRXInfoSetForDevEUIs(ctx context.Context, devEUIs []lorawan.EUI64) ([]DeviceGatewayRXInfoSet, error) {
	if len(devEUIs) == 0 {
		return nil, nil
	}

	var keys []string
	for _, d := range devEUIs {
		keys = append(keys, GetRedisKey(deviceGatewayRXInfoSetKeyTempl, d))
	}

	vals, err := RedisClient().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "mget error")
	}

	var out []DeviceGatewayRXInfoSet
	for _, val := range vals {
		str, ok := val.(string)
		if !ok || len(str) == 0 {
			continue
		}

		var rxInfoSet DeviceGatewayRXInfoSet
		if err := gob.NewDecoder(bytes.NewReader([]byte(str))).Decode(&rxInfoSet); err != nil {
			slog.Error("gob decode error", "component", "storage", "error", err)
			continue
		}
		out = append(out, rxInfoSet)
	}

	return out, nil
}
