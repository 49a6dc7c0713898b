// Package ack processes the downlink transmission acknowledgements of
// the gateways: on a positive ack the frame-counters are committed and
// the served queue item is cleared or marked pending; on a negative ack
// an error event is emitted.
package ack

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/framelog"
	"github.com/loracore/loracore/internal/helpers"
	"github.com/loracore/loracore/internal/integration"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/loracore/loracore/internal/storage"
	pb "github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
)

// HandleDownlinkTXAck correlates the tx-ack with the stored pending
// downlink-frame and commits or reports the transmission.
func HandleDownlinkTXAck(ctx context.Context, txAck gw.DownlinkTXAck) error {
	token := txAck.Token
	if token == 0 && len(txAck.DownlinkId) > 0 {
		token = storage.GetToken(txAck.DownlinkId)
	}

	df, err := storage.GetDownlinkFrame(ctx, token)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			slog.Warn("tx-ack for unknown downlink-frame", "component", "downlink", "token", token, "ctx_id", ctx.Value(logging.ContextIDKey))
			return nil
		}
		return errors.Wrap(err, "get downlink-frame error")
	}
	if err := storage.DeleteDownlinkFrame(ctx, token); err != nil {
		return errors.Wrap(err, "delete downlink-frame error")
	}

	if txAck.Error != "" && txAck.Error != "NONE" {
		return handleNegativeTXAck(ctx, txAck, df)
	}

	metrics.DownlinkAcks.WithLabelValues("ok").Inc()

	if df.MulticastGroupID != uuid.Nil {
		// multicast frames have no per-device state to commit
		return nil
	}
	if df.DevEUI == (lorawan.EUI64{}) {
		return nil
	}

	if err := logAckedFrame(ctx, df); err != nil {
		slog.Error("frame-log error", "component", "downlink", "dev_eui", df.DevEUI.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
	}

	ds, err := storage.GetDeviceSession(ctx, df.DevEUI)
	if err != nil {
		return errors.Wrap(err, "get device-session error")
	}

	fCnt, fPort, confirmed, err := decodeFrameMeta(df)
	if err != nil {
		return err
	}

	if df.DeviceQueueItemID != uuid.Nil {
		if err := commitQueueItem(ctx, &ds, df, fCnt, fPort, confirmed); err != nil {
			return err
		}
	} else {
		// mac-only downlink
		ds.NFCntDown = fCnt + 1
	}

	if err := storage.SaveDeviceSession(ctx, ds); err != nil {
		return errors.Wrap(err, "save device-session error")
	}

	if i := integration.ForDevice(); i != nil {
		if err := i.SendTxAckEvent(ctx, pb.TxAckEvent{
			DevEui:    df.DevEUI[:],
			FCnt:      fCnt,
			GatewayId: txAck.GatewayId,
		}); err != nil {
			slog.Error("send tx-ack event error", "component", "downlink", "dev_eui", df.DevEUI.String(), "error", err)
		}
	}

	slog.Info("downlink transmission acknowledged", "component", "downlink",
		"dev_eui", df.DevEUI.String(),
		"gateway_id", helpers.GetGatewayID(&txAck).String(),
		"token", token,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil
}

func handleNegativeTXAck(ctx context.Context, txAck gw.DownlinkTXAck, df storage.DownlinkFrame) error {
	metrics.DownlinkAcks.WithLabelValues("error").Inc()

	slog.Warn("downlink transmission failed", "component", "downlink",
		"dev_eui", df.DevEUI.String(),
		"gateway_id", helpers.GetGatewayID(&txAck).String(),
		"error", txAck.Error,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	if df.MulticastQueueID != uuid.Nil {
		qi := storage.MulticastQueueItem{ID: df.MulticastQueueID, MulticastGroupID: df.MulticastGroupID}
		if err := storage.DeleteMulticastQueueItem(ctx, qi); err != nil && errors.Cause(err) != storage.ErrDoesNotExist {
			return errors.Wrap(err, "delete multicast-queue item error")
		}
	}

	if df.DevEUI == (lorawan.EUI64{}) {
		return nil
	}

	if i := integration.ForDevice(); i != nil {
		if err := i.SendErrorEvent(ctx, pb.ErrorEvent{
			DevEui: df.DevEUI[:],
			Type:   pb.ErrorType_DOWNLINK_GATEWAY,
			Error:  txAck.Error,
		}); err != nil {
			slog.Error("send error event error", "component", "downlink", "dev_eui", df.DevEUI.String(), "error", err)
		}
	}

	return nil
}

// logAckedFrame writes the transmitted frame to the per-device
// frame-log. For LoRaWAN 1.1 sessions the FOpts were encrypted with
// the NwkSEncKey snapshotted at scheduling time; the log carries them
// decrypted.
func logAckedFrame(ctx context.Context, df storage.DownlinkFrame) error {
	frame, err := df.GetDownlinkFrame()
	if err != nil {
		return err
	}
	if len(frame.Items) == 0 {
		return errors.New("downlink-frame has no items")
	}

	if df.EncryptedFOpts {
		var phy lorawan.PHYPayload
		if err := phy.UnmarshalBinary(frame.Items[0].PhyPayload); err != nil {
			return errors.Wrap(err, "unmarshal phypayload error")
		}
		if err := phy.DecryptFOpts(df.NwkSEncKey); err != nil {
			return errors.Wrap(err, "decrypt fopts error")
		}
		phyB, err := phy.MarshalBinary()
		if err != nil {
			return errors.Wrap(err, "marshal phypayload error")
		}
		for i := range frame.Items {
			frame.Items[i].PhyPayload = phyB
		}
	}

	return framelog.LogDownlinkFrameForDevice(ctx, df.DevEUI, *frame)
}

// decodeFrameMeta extracts FCnt, FPort and the confirmed flag from the
// transmitted frame.
func decodeFrameMeta(df storage.DownlinkFrame) (uint32, uint8, bool, error) {
	frame, err := df.GetDownlinkFrame()
	if err != nil {
		return 0, 0, false, err
	}
	if len(frame.Items) == 0 {
		return 0, 0, false, errors.New("downlink-frame has no items")
	}

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(frame.Items[0].PhyPayload); err != nil {
		return 0, 0, false, errors.Wrap(err, "unmarshal phypayload error")
	}
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return 0, 0, false, errors.Errorf("expected *lorawan.MACPayload, got %T", phy.MACPayload)
	}

	var fPort uint8
	if macPL.FPort != nil {
		fPort = *macPL.FPort
	}
	return macPL.FHDR.FCnt, fPort, phy.MHDR.MType == lorawan.ConfirmedDataDown, nil
}

// commitQueueItem clears the transmitted queue item, or marks it
// pending when it awaits a device acknowledgement.
func commitQueueItem(ctx context.Context, ds *storage.DeviceSession, df storage.DownlinkFrame, fCnt uint32, fPort uint8, confirmed bool) error {
	items, err := storage.GetDeviceQueueItems(ctx, df.DevEUI)
	if err != nil {
		return errors.Wrap(err, "get device-queue items error")
	}

	for _, qi := range items {
		if qi.ID != df.DeviceQueueItemID {
			continue
		}

		if confirmed {
			qi.IsPending = true
			timeout := time.Now().Add(config.Get().NetworkServer.Scheduler.ClassCLockDuration)
			qi.TimeoutAfter = &timeout
			if err := storage.UpdateDeviceQueueItem(ctx, &qi); err != nil {
				return errors.Wrap(err, "update device-queue item error")
			}
			// the frame-counter advances when the device acknowledges
			return nil
		}

		if err := storage.DeleteDeviceQueueItem(ctx, qi); err != nil {
			return errors.Wrap(err, "delete device-queue item error")
		}

		if ds.GetMACVersion() == lorawan.LoRaWAN1_1 && fPort > 0 {
			ds.AFCntDown = fCnt + 1
		} else {
			ds.NFCntDown = fCnt + 1
		}
		return nil
	}

	slog.Warn("acked device-queue item no longer exists", "component", "downlink", "dev_eui", df.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}
