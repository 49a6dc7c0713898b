package roaming

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

// HandleUplink implements the fNS side of passive roaming for an uplink
// that did not resolve to a local session: forward it through the cached
// passive-roaming sessions, or start new sessions with every partner
// whose NetID prefix matches the DevAddr.
func HandleUplink(ctx context.Context, rxPacket models.RXPacket) error {
	macPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return errors.Errorf("expected *lorawan.MACPayload, got %T", rxPacket.PHYPayload.MACPayload)
	}

	sessions, err := storage.GetPassiveRoamingDeviceSessionsForPHYPayload(ctx, rxPacket.PHYPayload)
	if err != nil {
		return errors.Wrap(err, "get passive-roaming sessions error")
	}

	if len(sessions) != 0 {
		for _, sess := range sessions {
			if err := xmitDataUplink(ctx, sess, rxPacket, macPL); err != nil {
				slog.Error("xmit-data uplink error", "component", "roaming", "net_id", sess.NetID.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
			}
		}
		return nil
	}

	netIDs := GetNetIDsForDevAddr(macPL.FHDR.DevAddr)
	if len(netIDs) == 0 {
		return errors.New("uplink does not resolve locally and no roaming agreement matches")
	}

	for _, netID := range netIDs {
		if err := startPassiveRoaming(ctx, netID, rxPacket, macPL); err != nil {
			slog.Error("start passive-roaming error", "component", "roaming", "net_id", netID.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
		}
	}

	return nil
}

// startPassiveRoaming sends a PRStartReq to the given partner and caches
// the returned session until its lifetime expires.
func startPassiveRoaming(ctx context.Context, netID lorawan.NetID, rxPacket models.RXPacket, macPL *lorawan.MACPayload) error {
	client, err := GetClientForNetID(netID)
	if err != nil {
		return err
	}

	phyB, err := rxPacket.PHYPayload.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	ulMetaData, err := buildULMetaData(rxPacket)
	if err != nil {
		return err
	}

	req := backend.PRStartReqPayload{
		PHYPayload: backend.HEXBytes(phyB),
		ULMetaData: ulMetaData,
	}

	metrics.RoamingRequests.WithLabelValues(string(backend.PRStartReq)).Inc()

	resp, err := client.PRStartReq(ctx, req)
	if err != nil {
		return errors.Wrap(err, "pr-start request error")
	}
	if resp.Result.ResultCode != backend.Success {
		return errors.Errorf("pr-start answer: %s (%s)", resp.Result.ResultCode, resp.Result.Description)
	}

	var lifetime time.Duration
	if resp.Lifetime != nil {
		lifetime = time.Duration(*resp.Lifetime) * time.Second
	}
	if lifetime <= 0 {
		// stateless agreement, every uplink starts over with PRStartReq
		slog.Info("passive-roaming started stateless", "component", "roaming", "net_id", netID.String(), "dev_addr", macPL.FHDR.DevAddr.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
		return nil
	}

	sess := storage.PassiveRoamingDeviceSession{
		NetID:    netID,
		DevAddr:  macPL.FHDR.DevAddr,
		Lifetime: time.Now().Add(lifetime),
		FCntUp:   macPL.FHDR.FCnt + 1,
	}

	if resp.DevEUI != nil {
		sess.DevEUI = *resp.DevEUI
	}

	// a returned FNwkSIntKey means the sNS wants us to validate the MIC
	// of subsequent uplinks before forwarding (stateful, 1.0)
	if resp.FNwkSIntKey != nil {
		kekLabel := resp.FNwkSIntKey.KEKLabel
		var kek []byte
		if kekLabel != "" {
			kek, err = GetKEKKey(kekLabel)
			if err != nil {
				return err
			}
		}
		key, err := resp.FNwkSIntKey.Unwrap(kek)
		if err != nil {
			return errors.Wrap(err, "unwrap fnwksintkey error")
		}
		sess.FNwkSIntKey = key
		sess.ValidateMIC = true
	}

	if resp.Lifetime != nil && resp.FCntUp != nil {
		sess.FCntUp = *resp.FCntUp
	}

	if err := storage.SavePassiveRoamingDeviceSession(ctx, &sess); err != nil {
		return errors.Wrap(err, "save passive-roaming session error")
	}

	slog.Info("passive-roaming started", "component", "roaming",
		"net_id", netID.String(),
		"dev_addr", macPL.FHDR.DevAddr.String(),
		"lifetime", lifetime,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil
}

// xmitDataUplink forwards the uplink to the home network-server of the
// cached passive-roaming session.
func xmitDataUplink(ctx context.Context, sess storage.PassiveRoamingDeviceSession, rxPacket models.RXPacket, macPL *lorawan.MACPayload) error {
	client, err := GetClientForNetID(sess.NetID)
	if err != nil {
		return err
	}

	phyB, err := rxPacket.PHYPayload.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	ulMetaData, err := buildULMetaData(rxPacket)
	if err != nil {
		return err
	}

	req := backend.XmitDataReqPayload{
		PHYPayload: backend.HEXBytes(phyB),
		ULMetaData: &ulMetaData,
	}

	metrics.RoamingRequests.WithLabelValues(string(backend.XmitDataReq)).Inc()

	resp, err := client.XmitDataReq(ctx, req)
	if err != nil {
		return errors.Wrap(err, "xmit-data request error")
	}
	if resp.Result.ResultCode != backend.Success {
		return errors.Errorf("xmit-data answer: %s (%s)", resp.Result.ResultCode, resp.Result.Description)
	}

	if err := storage.UpdatePassiveRoamingFCntUp(ctx, sess, macPL.FHDR.FCnt+1); err != nil {
		return errors.Wrap(err, "update passive-roaming fcnt error")
	}

	slog.Info("uplink forwarded to home network-server", "component", "roaming",
		"net_id", sess.NetID.String(),
		"dev_addr", sess.DevAddr.String(),
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil
}

// buildULMetaData assembles the Backend Interfaces uplink meta-data for
// the given frame-set.
func buildULMetaData(rxPacket models.RXPacket) (backend.ULMetaData, error) {
	dr := rxPacket.DR
	ulFreq := float64(rxPacket.TXInfo.Frequency) / 1000000
	gwCnt := len(rxPacket.RXInfoSet)

	gwInfo, err := RXInfoToGWInfo(rxPacket.RXInfoSet)
	if err != nil {
		return backend.ULMetaData{}, err
	}

	// the sNS echoes the token when it has a downlink for us to emit
	ulToken, err := NewFNSULToken(rxPacket.RegionConfigID, rxPacket.RXInfoSet[0])
	if err != nil {
		return backend.ULMetaData{}, err
	}

	return backend.ULMetaData{
		DataRate:   &dr,
		ULFreq:     &ulFreq,
		RFRegion:   rxPacket.RegionCommonName,
		RecvTime:   backend.ISO8601Time(time.Now().UTC()),
		FNSULToken: ulToken,
		GWCnt:      &gwCnt,
		GWInfo:     gwInfo,
	}, nil
}
