// Package relay unwraps uplinks forwarded by relay devices. A relay
// encapsulates the end-device frame, prefixed with the reception
// meta-data of the relay, in the FRMPayload of a regular data uplink on
// the relay FPort.
package relay

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
)

// FPort used by relay devices for forwarded uplinks.
const FPort = 226

// metadata prefix of a forwarded frame: DR (1), SNR (1, signed),
// negated RSSI (1), frequency in 100 Hz steps (3, little-endian).
const metaLen = 6

// IsRelayFrame returns whether the given frame-set is a relay-forwarded
// uplink.
func IsRelayFrame(rxPacket models.RXPacket) bool {
	macPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return false
	}
	return macPL.FPort != nil && *macPL.FPort == FPort
}

// Handle resolves the relay session, decrypts the forwarded frame and
// re-enters it into the uplink router through next.
func Handle(ctx context.Context, rxPacket models.RXPacket, next func(context.Context, models.RXPacket) error) error {
	macPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return errors.Errorf("expected *lorawan.MACPayload, got %T", rxPacket.PHYPayload.MACPayload)
	}

	conf := config.Get()

	ds, err := storage.GetDeviceSessionForPHYPayload(ctx, rxPacket.PHYPayload, conf.NetworkServer.NetworkSettings.MaxFCntGap, rxPacket.DR, 0)
	if err != nil {
		return errors.Wrap(err, "get relay device-session error")
	}

	// the forwarded frame is carried encrypted with the relay's
	// NwkSEncKey
	if err := rxPacket.PHYPayload.DecryptFRMPayload(ds.NwkSEncKey); err != nil {
		return errors.Wrap(err, "decrypt frmpayload error")
	}

	var raw []byte
	if len(macPL.FRMPayload) == 1 {
		if pl, ok := macPL.FRMPayload[0].(*lorawan.DataPayload); ok {
			raw = pl.Bytes
		}
	}
	if len(raw) < metaLen+1 {
		return errors.New("relay payload too short")
	}

	dr := int(raw[0])
	snr := float64(int8(raw[1]))
	rssi := -int32(raw[2])
	freq := (uint32(raw[3]) | uint32(raw[4])<<8 | uint32(raw[5])<<16) * 100

	var fwdPHY lorawan.PHYPayload
	if err := fwdPHY.UnmarshalBinary(raw[metaLen:]); err != nil {
		return errors.Wrap(err, "unmarshal forwarded phypayload error")
	}

	ds.FCntUp = macPL.FHDR.FCnt
	if err := storage.SaveDeviceSession(ctx, ds); err != nil {
		return errors.Wrap(err, "save relay device-session error")
	}

	// the forwarded frame enters the router with the reception
	// meta-data seen by the relay, attributed to the relay's gateways
	fwdPacket := models.RXPacket{
		ID:               rxPacket.ID,
		RegionConfigID:   rxPacket.RegionConfigID,
		RegionCommonName: rxPacket.RegionCommonName,
		DR:               dr,
		PHYPayload:       fwdPHY,
		TXInfo: &gw.UplinkTXInfo{
			Frequency:  freq,
			Modulation: rxPacket.TXInfo.GetModulation(),
			ModulationInfo: &gw.UplinkTXInfo_LoraModulationInfo{
				LoraModulationInfo: rxPacket.TXInfo.GetLoraModulationInfo(),
			},
		},
		RXInfoSet: rxPacket.RXInfoSet,
	}
	for _, rxInfo := range fwdPacket.RXInfoSet {
		rxInfo.LoraSnr = snr
		rxInfo.Rssi = rssi
	}

	slog.Info("relay-forwarded uplink unwrapped", "component", "uplink",
		"relay_dev_eui", ds.DevEUI.String(),
		"dr", dr,
		"frequency", freq,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return next(ctx, fwdPacket)
}
