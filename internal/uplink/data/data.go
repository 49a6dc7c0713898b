// Package data implements the data uplink handler: session resolution,
// frame-counter validation, payload decryption, mac-command processing,
// ADR and the Class-A downlink opportunity.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/backend/joinserver"
	"github.com/loracore/loracore/internal/codec"
	"github.com/loracore/loracore/internal/config"
	dwndata "github.com/loracore/loracore/internal/downlink/data"
	"github.com/loracore/loracore/internal/framelog"
	"github.com/loracore/loracore/internal/fuota"
	"github.com/loracore/loracore/internal/integration"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/maccommand"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/roaming"
	"github.com/loracore/loracore/internal/storage"
	pb "github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

const deviceLockKeyTempl = "lock:device:%s"

// Handle processes a deduplicated data uplink frame-set.
func Handle(ctx context.Context, rxPacket models.RXPacket) error {
	macPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return errors.Errorf("expected *lorawan.MACPayload, got %T", rxPacket.PHYPayload.MACPayload)
	}

	region, err := band.Get(rxPacket.RegionConfigID)
	if err != nil {
		return err
	}

	txCh, err := getUplinkChannelIndex(region, rxPacket)
	if err != nil {
		return err
	}

	conf := config.Get()

	ds, err := storage.GetDeviceSessionForPHYPayload(ctx, rxPacket.PHYPayload, conf.NetworkServer.NetworkSettings.MaxFCntGap, rxPacket.DR, txCh)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExistOrFCntOrMICInvalid &&
			roaming.IsRoamingEnabled() && roaming.IsRoamingDevAddr(macPL.FHDR.DevAddr) {
			return roaming.HandleUplink(ctx, rxPacket)
		}
		return errors.Wrap(err, "get device-session error")
	}

	// Class-A timing: serialize the uplink handling and the receive
	// windows per device.
	if err := storage.LockKey(ctx, storage.GetRedisKey(deviceLockKeyTempl, ds.DevEUI), conf.NetworkServer.Scheduler.ClassALockDuration); err != nil {
		if errors.Cause(err) == storage.ErrAlreadyExists {
			slog.Warn("uplink dropped, device is locked", "component", "uplink", "dev_eui", ds.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
			return nil
		}
		return err
	}

	device, err := storage.GetDevice(ctx, ds.DevEUI)
	if err != nil {
		return errors.Wrap(err, "get device error")
	}
	if device.IsDisabled {
		slog.Info("uplink from disabled device dropped", "component", "uplink", "dev_eui", ds.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
		return nil
	}
	dp, err := storage.GetDeviceProfile(ctx, device.DeviceProfileID)
	if err != nil {
		return errors.Wrap(err, "get device-profile error")
	}

	if phyB, err := rxPacket.PHYPayload.MarshalBinary(); err == nil {
		if err := framelog.LogUplinkFrameForDevice(ctx, ds.DevEUI, phyB, rxPacket.TXInfo, rxPacket.RXInfoSet); err != nil {
			slog.Error("frame-log error", "component", "uplink", "dev_eui", ds.DevEUI.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
		}
	}

	// GetDeviceSessionForPHYPayload rewrote the 16 lsb of the frame to
	// the full 32 bit counter.
	fullFCnt := macPL.FHDR.FCnt
	retransmission := len(ds.UplinkHistory) > 0 && fullFCnt == ds.FCntUp

	appData, err := decryptFrame(&rxPacket, &ds, macPL)
	if err != nil {
		return err
	}

	macAnswers := handleMACCommands(ctx, &ds, dp, macPL, rxPacket)

	if !retransmission {
		ds.AppendUplinkHistory(storage.UplinkHistory{
			FCnt:         fullFCnt,
			MaxSNR:       maxSNR(rxPacket),
			TXPowerIndex: ds.TXPowerIndex,
			GatewayCount: len(rxPacket.RXInfoSet),
		})
	}

	ds.ADR = macPL.FHDR.FCtrl.ADR
	if adrBlock, err := maccommand.RequestADRChange(ctx, &ds, dp, region); err != nil {
		slog.Error("adr error", "component", "uplink", "dev_eui", ds.DevEUI.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
	} else if adrBlock != nil {
		macAnswers = append(macAnswers, *adrBlock)
	}

	// periodic device-status polling
	interval := conf.NetworkServer.NetworkSettings.DeviceStatusRequestInterval
	if interval > 0 && time.Since(ds.LastDevStatusRequested) > interval {
		macAnswers = append(macAnswers, maccommand.RequestDevStatus(ctx, &ds))
	}

	if macPL.FHDR.FCtrl.ACK {
		if err := handleDownlinkACK(ctx, &ds, fullFCnt); err != nil {
			slog.Error("handle downlink ack error", "component", "uplink", "dev_eui", ds.DevEUI.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
		}
	}

	ds.FCntUp = fullFCnt
	if rxPacket.PHYPayload.MHDR.MType == lorawan.ConfirmedDataUp {
		ds.ConfFCnt = fullFCnt
	} else {
		ds.ConfFCnt = 0
	}
	ds.DR = rxPacket.DR

	if err := storage.SaveDeviceSession(ctx, ds); err != nil {
		return errors.Wrap(err, "save device-session error")
	}
	if err := saveDeviceGatewayRXInfoSet(ctx, ds, rxPacket); err != nil {
		return err
	}

	now := time.Now()
	device.LastSeenAt = &now
	if err := storage.UpdateDevice(ctx, &device); err != nil {
		slog.Error("update device error", "component", "uplink", "dev_eui", ds.DevEUI.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
	}

	if !retransmission && macPL.FPort != nil && *macPL.FPort > 0 {
		var consumed bool
		if appData != nil {
			consumed, err = fuota.HandleUplink(ctx, ds, *macPL.FPort, appData)
			if err != nil {
				slog.Error("handle applayer uplink error", "component", "uplink", "dev_eui", ds.DevEUI.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
			}
		}

		if !consumed {
			if err := emitUplinkEvent(ctx, ds, dp, rxPacket, macPL, appData); err != nil {
				slog.Error("emit uplink event error", "component", "uplink", "dev_eui", ds.DevEUI.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
			}
		}
	}

	mustAck := rxPacket.PHYPayload.MHDR.MType == lorawan.ConfirmedDataUp
	if err := dwndata.HandleResponse(ctx, rxPacket, ds, mustAck, macPL.FHDR.FCtrl.ADRACKReq, macAnswers); err != nil {
		return errors.Wrap(err, "handle downlink response error")
	}

	return nil
}

// getUplinkChannelIndex resolves the uplink channel from the tx
// frequency, first against the default channels, then the custom ones.
func getUplinkChannelIndex(region *band.Region, rxPacket models.RXPacket) (int, error) {
	freq := rxPacket.TXInfo.Frequency

	if ch, err := region.Band.GetUplinkChannelIndex(freq, true); err == nil {
		return ch, nil
	}
	ch, err := region.Band.GetUplinkChannelIndex(freq, false)
	if err != nil {
		return 0, errors.Wrap(err, "get uplink channel index error")
	}
	return ch, nil
}

// decryptFrame decrypts the FOpts (LoRaWAN 1.1) and the FRMPayload. It
// returns the decrypted application payload when FPort > 0 and the
// AppSKey is held by the server.
func decryptFrame(rxPacket *models.RXPacket, ds *storage.DeviceSession, macPL *lorawan.MACPayload) ([]byte, error) {
	if ds.GetMACVersion() == lorawan.LoRaWAN1_1 && len(macPL.FHDR.FOpts) > 0 {
		if err := rxPacket.PHYPayload.DecryptFOpts(ds.NwkSEncKey); err != nil {
			return nil, errors.Wrap(err, "decrypt fopts error")
		}
	}

	if macPL.FPort == nil {
		return nil, nil
	}

	if *macPL.FPort == 0 {
		if err := rxPacket.PHYPayload.DecryptFRMPayload(ds.NwkSEncKey); err != nil {
			return nil, errors.Wrap(err, "decrypt frmpayload error")
		}
		return nil, nil
	}

	if ds.AppSKeyEnvelope == nil {
		return nil, nil
	}
	appSKey, err := unwrapAppSKey(ds.AppSKeyEnvelope)
	if err != nil {
		return nil, errors.Wrap(err, "unwrap appskey error")
	}
	if err := rxPacket.PHYPayload.DecryptFRMPayload(appSKey); err != nil {
		return nil, errors.Wrap(err, "decrypt frmpayload error")
	}
	if len(macPL.FRMPayload) == 1 {
		if pl, ok := macPL.FRMPayload[0].(*lorawan.DataPayload); ok {
			return pl.Bytes, nil
		}
	}
	return nil, nil
}

func unwrapAppSKey(e *storage.KeyEnvelope) (lorawan.AES128Key, error) {
	var kek []byte
	var err error

	if e.KEKLabel != "" {
		kek, err = joinserver.GetKEKKey(e.KEKLabel)
		if err != nil {
			return lorawan.AES128Key{}, err
		}
	}

	ke := backend.KeyEnvelope{
		KEKLabel: e.KEKLabel,
		AESKey:   backend.HEXBytes(e.AESKey),
	}
	return ke.Unwrap(kek)
}

// handleMACCommands groups the uplinked mac-commands into per-CID blocks
// and runs each through the engine, pairing with the pending block.
func handleMACCommands(ctx context.Context, ds *storage.DeviceSession, dp storage.DeviceProfile, macPL *lorawan.MACPayload, rxPacket models.RXPacket) []storage.MACCommandBlock {
	var raw []lorawan.Payload
	if macPL.FPort != nil && *macPL.FPort == 0 {
		raw = macPL.FRMPayload
	} else {
		raw = macPL.FHDR.FOpts
	}

	var blocks []storage.MACCommandBlock
	for _, pl := range raw {
		cmd, ok := pl.(*lorawan.MACCommand)
		if !ok {
			slog.Warn("skipping non mac-command payload", "component", "uplink", "dev_eui", ds.DevEUI.String(), "payload_type", fmt.Sprintf("%T", pl), "ctx_id", ctx.Value(logging.ContextIDKey))
			continue
		}

		if len(blocks) > 0 && blocks[len(blocks)-1].CID == cmd.CID {
			blocks[len(blocks)-1].MACCommands = append(blocks[len(blocks)-1].MACCommands, *cmd)
			continue
		}
		blocks = append(blocks, storage.MACCommandBlock{
			CID:         cmd.CID,
			MACCommands: []lorawan.MACCommand{*cmd},
		})
	}

	var answers []storage.MACCommandBlock
	for _, block := range blocks {
		pending := ds.GetPendingMACCommandBlock(block.CID)

		resp, err := maccommand.Handle(ctx, ds, dp, block, pending, rxPacket)
		if err != nil {
			slog.Error("handle mac-command error", "component", "uplink", "dev_eui", ds.DevEUI.String(), "cid", int(block.CID), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
		} else {
			answers = append(answers, resp...)
		}

		if pending != nil {
			ds.DeletePendingMACCommandBlock(block.CID)
		}
	}

	return answers
}

// handleDownlinkACK clears the pending confirmed queue item acknowledged
// by the device and emits an AckEvent.
func handleDownlinkACK(ctx context.Context, ds *storage.DeviceSession, fCnt uint32) error {
	qi, err := storage.GetPendingOrNextDeviceQueueItem(ctx, ds.DevEUI)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			return nil
		}
		return err
	}
	if !qi.IsPending {
		return nil
	}

	if err := storage.DeleteDeviceQueueItem(ctx, qi); err != nil {
		return errors.Wrap(err, "delete device-queue item error")
	}

	// the confirmed downlink is delivered, advance the counter
	if ds.GetMACVersion() == lorawan.LoRaWAN1_1 {
		ds.AFCntDown = qi.FCnt + 1
	} else {
		ds.NFCntDown = qi.FCnt + 1
	}

	if i := integration.ForDevice(); i != nil {
		if err := i.SendAckEvent(ctx, pb.AckEvent{
			DevEui:       ds.DevEUI[:],
			Acknowledged: true,
			FCnt:         qi.FCnt,
		}); err != nil {
			return errors.Wrap(err, "send ack event error")
		}
	}

	return nil
}

func saveDeviceGatewayRXInfoSet(ctx context.Context, ds storage.DeviceSession, rxPacket models.RXPacket) error {
	set := storage.DeviceGatewayRXInfoSet{
		DevEUI: ds.DevEUI,
		DR:     rxPacket.DR,
	}
	for _, rxInfo := range rxPacket.RXInfoSet {
		var id lorawan.EUI64
		copy(id[:], rxInfo.GatewayId)
		set.Items = append(set.Items, storage.DeviceGatewayRXInfo{
			GatewayID: id,
			RSSI:      int(rxInfo.Rssi),
			LoRaSNR:   rxInfo.LoraSnr,
			Antenna:   rxInfo.Antenna,
			Board:     rxInfo.Board,
			Context:   rxInfo.Context,
		})
	}

	if err := storage.SaveDeviceGatewayRXInfoSet(ctx, set); err != nil {
		return errors.Wrap(err, "save device gateway rx-info set error")
	}
	return nil
}

func emitUplinkEvent(ctx context.Context, ds storage.DeviceSession, dp storage.DeviceProfile, rxPacket models.RXPacket, macPL *lorawan.MACPayload, appData []byte) error {
	i := integration.ForDevice()
	if i == nil {
		return nil
	}

	event := pb.UplinkEvent{
		DevEui:          ds.DevEUI[:],
		DevAddr:         ds.DevAddr[:],
		RxInfo:          rxPacket.RXInfoSet,
		TxInfo:          rxPacket.TXInfo,
		Adr:             macPL.FHDR.FCtrl.ADR,
		Dr:              uint32(rxPacket.DR),
		FCnt:            macPL.FHDR.FCnt,
		FPort:           uint32(*macPL.FPort),
		Data:            appData,
		ConfirmedUplink: rxPacket.PHYPayload.MHDR.MType == lorawan.ConfirmedDataUp,
	}

	if dp.PayloadDecoderScript != "" && len(appData) > 0 {
		obj, err := codec.DecodePayload(*macPL.FPort, appData, dp.PayloadDecoderScript)
		if err != nil {
			slog.Warn("payload codec error", "component", "uplink", "dev_eui", ds.DevEUI.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
			if err := i.SendErrorEvent(ctx, pb.ErrorEvent{
				DevEui: ds.DevEUI[:],
				Type:   pb.ErrorType_UPLINK_CODEC,
				Error:  err.Error(),
				FCnt:   macPL.FHDR.FCnt,
			}); err != nil {
				slog.Error("send error event error", "component", "uplink", "dev_eui", ds.DevEUI.String(), "error", err)
			}
		} else if json.Valid(obj) {
			event.ObjectJson = string(obj)
		}
	}

	return i.SendUplinkEvent(ctx, event)
}

func maxSNR(rxPacket models.RXPacket) float64 {
	var max float64
	for i, rxInfo := range rxPacket.RXInfoSet {
		if i == 0 || rxInfo.LoraSnr > max {
			max = rxInfo.LoraSnr
		}
	}
	return max
}
