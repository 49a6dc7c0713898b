// Package rejoin implements the rejoin-request handler (types 0 and 2).
// A rejoin re-keys the device through its join-server; the new session
// is kept pending next to the current one until the device confirms it
// with its first uplink under the new DevAddr.
package rejoin

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/backend/joinserver"
	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/config"
	dljoin "github.com/loracore/loracore/internal/downlink/join"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
	loraband "github.com/brocaar/lorawan/band"
)

// Handle processes a deduplicated rejoin-request frame-set.
func Handle(ctx context.Context, rxPacket models.RXPacket) error {
	switch pl := rxPacket.PHYPayload.MACPayload.(type) {
	case *lorawan.RejoinRequestType02Payload:
		return handleRejoin02(ctx, rxPacket, pl)
	case *lorawan.RejoinRequestType1Payload:
		slog.Warn("rejoin-request type 1 dropped, not supported", "component", "uplink", "dev_eui", pl.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
		return nil
	default:
		return errors.Errorf("expected rejoin-request payload, got %T", rxPacket.PHYPayload.MACPayload)
	}
}

func handleRejoin02(ctx context.Context, rxPacket models.RXPacket, pl *lorawan.RejoinRequestType02Payload) error {
	ds, err := storage.GetDeviceSession(ctx, pl.DevEUI)
	if err != nil {
		return errors.Wrap(err, "get device-session error")
	}
	if !ds.RejoinRequestEnabled {
		return errors.New("rejoin-request is disabled for the device")
	}

	micOK, err := rxPacket.PHYPayload.ValidateUplinkJoinMIC(ds.SNwkSIntKey)
	if err != nil {
		return errors.Wrap(err, "validate rejoin-request mic error")
	}
	if !micOK {
		return errors.New("invalid rejoin-request mic")
	}

	// RJcount0 must increment, a repeated value marks a replay
	if pl.RJCount0 < ds.RejoinCount0 {
		return errors.New("invalid rjcount0")
	}
	ds.RejoinCount0 = pl.RJCount0 + 1

	device, err := storage.GetDevice(ctx, pl.DevEUI)
	if err != nil {
		return errors.Wrap(err, "get device error")
	}
	if device.IsDisabled {
		slog.Info("rejoin-request from disabled device dropped", "component", "uplink", "dev_eui", pl.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
		return nil
	}
	dp, err := storage.GetDeviceProfile(ctx, device.DeviceProfileID)
	if err != nil {
		return errors.Wrap(err, "get device-profile error")
	}

	region, err := band.Get(rxPacket.RegionConfigID)
	if err != nil {
		return err
	}
	conf := config.Get()

	devAddr, err := storage.GetRandomDevAddr(conf.NetworkServer.NetID)
	if err != nil {
		return err
	}

	dlSettings := lorawan.DLSettings{
		OptNeg:      true, // rejoin exists since LoRaWAN 1.1
		RX2DataRate: uint8(region.RX2DR),
		RX1DROffset: uint8(region.RX1DROffset),
	}

	client, err := joinserver.GetClientForJoinEUI(ds.JoinEUI)
	if err != nil {
		return errors.Wrap(err, "get join-server client error")
	}

	phyB, err := rxPacket.PHYPayload.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	var cFListB []byte
	if cFList := region.Band.GetCFList(dp.MACVersion); cFList != nil {
		cFListB, err = cFList.MarshalBinary()
		if err != nil {
			return errors.Wrap(err, "marshal cflist error")
		}
	}

	req := backend.RejoinReqPayload{
		MACVersion: dp.MACVersion,
		PHYPayload: backend.HEXBytes(phyB),
		DevEUI:     pl.DevEUI,
		DevAddr:    devAddr,
		DLSettings: dlSettings,
		RxDelay:    region.RX1Delay,
		CFList:     backend.HEXBytes(cFListB),
	}

	resp, err := client.RejoinReq(ctx, req)
	if err != nil {
		return errors.Wrap(err, "rejoin-request error")
	}
	if resp.Result.ResultCode != backend.Success {
		return errors.Errorf("join-server answer: %s (%s)", resp.Result.ResultCode, resp.Result.Description)
	}

	pendingDS := storage.DeviceSession{
		MACVersion:      dp.MACVersion,
		DeviceProfileID: device.DeviceProfileID,

		DevAddr: devAddr,
		DevEUI:  pl.DevEUI,
		JoinEUI: ds.JoinEUI,

		SkipFCntValidation: device.SkipFCntCheck,

		RXDelay:      uint8(region.RX1Delay),
		RX1DROffset:  uint8(region.RX1DROffset),
		RX2DR:        uint8(region.RX2DR),
		RX2Frequency: region.RX2Frequency,

		DR:      rxPacket.DR,
		NbTrans: 1,

		EnabledUplinkChannels: region.Band.GetStandardUplinkChannelIndices(),
		ExtraUplinkChannels:   make(map[int]loraband.Channel),

		PingSlotDR:        dp.PingSlotDR,
		PingSlotFrequency: dp.PingSlotFreq,

		RejoinRequestEnabled:   conf.NetworkServer.NetworkSettings.RejoinRequest.Enabled,
		RejoinRequestMaxCountN: conf.NetworkServer.NetworkSettings.RejoinRequest.MaxCountN,
		RejoinRequestMaxTimeN:  conf.NetworkServer.NetworkSettings.RejoinRequest.MaxTimeN,
	}
	if dp.PingSlotPeriod > 0 {
		pendingDS.PingSlotNb = (1 << 12) / dp.PingSlotPeriod
	}
	for _, i := range region.Band.GetCustomUplinkChannelIndices() {
		ch, err := region.Band.GetUplinkChannel(i)
		if err != nil {
			return errors.Wrap(err, "get uplink channel error")
		}
		pendingDS.ExtraUplinkChannels[i] = ch
		pendingDS.EnabledUplinkChannels = append(pendingDS.EnabledUplinkChannels, i)
	}

	if pendingDS.SNwkSIntKey, err = unwrapKeyEnvelope(resp.SNwkSIntKey); err != nil {
		return errors.Wrap(err, "unwrap snwksintkey error")
	}
	if pendingDS.FNwkSIntKey, err = unwrapKeyEnvelope(resp.FNwkSIntKey); err != nil {
		return errors.Wrap(err, "unwrap fnwksintkey error")
	}
	if pendingDS.NwkSEncKey, err = unwrapKeyEnvelope(resp.NwkSEncKey); err != nil {
		return errors.Wrap(err, "unwrap nwksenckey error")
	}
	if resp.AppSKey != nil {
		pendingDS.AppSKeyEnvelope = &storage.KeyEnvelope{
			KEKLabel: resp.AppSKey.KEKLabel,
			AESKey:   resp.AppSKey.AESKey,
		}
	}

	// the current session stays active until the device uplinks under
	// the new DevAddr; saving the session registers both addresses
	ds.PendingRejoinDeviceSession = &pendingDS
	if err := storage.SaveDeviceSession(ctx, ds); err != nil {
		return errors.Wrap(err, "save device-session error")
	}

	slog.Info("rejoin accepted", "component", "uplink",
		"dev_eui", pl.DevEUI.String(),
		"dev_addr", devAddr.String(),
		"rejoin_type", int(pl.RejoinType),
		"rj_count0", pl.RJCount0,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return dljoin.Handle(ctx, rxPacket, pendingDS, []byte(resp.PHYPayload))
}

func unwrapKeyEnvelope(e *backend.KeyEnvelope) (lorawan.AES128Key, error) {
	if e == nil {
		return lorawan.AES128Key{}, errors.New("key-envelope must not be nil")
	}

	var kek []byte
	var err error
	if e.KEKLabel != "" {
		kek, err = joinserver.GetKEKKey(e.KEKLabel)
		if err != nil {
			return lorawan.AES128Key{}, err
		}
	}
	return e.Unwrap(kek)
}
