// Package maccommand implements the MAC-command engine: it answers
// device-initiated requests, processes the answers to server-initiated
// requests against their pending blocks, and provides the request
// builders used by the downlink builder.
package maccommand

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
)

// Handle processes one uplinked mac-command block. For answers the
// matching pending block is required; server-initiated request CIDs
// without a pending block are rejected.
func Handle(ctx context.Context, ds *storage.DeviceSession, dp storage.DeviceProfile, block storage.MACCommandBlock, pending *storage.MACCommandBlock, rxPacket models.RXPacket) ([]storage.MACCommandBlock, error) {
	switch block.CID {
	case lorawan.LinkADRAns:
		return handleLinkADRAns(ctx, ds, block, pending)
	case lorawan.LinkCheckReq:
		return handleLinkCheckReq(ctx, ds, rxPacket)
	case lorawan.DevStatusAns:
		return handleDevStatusAns(ctx, ds, block)
	case lorawan.DutyCycleAns:
		return nil, nil
	case lorawan.NewChannelAns:
		return handleNewChannelAns(ctx, ds, block, pending)
	case lorawan.RXParamSetupAns:
		return handleRXParamSetupAns(ctx, ds, block, pending)
	case lorawan.RXTimingSetupAns:
		return handleRXTimingSetupAns(ctx, ds, pending)
	case lorawan.PingSlotInfoReq:
		return handlePingSlotInfoReq(ctx, ds, block)
	case lorawan.PingSlotChannelAns:
		return handlePingSlotChannelAns(ctx, ds, block, pending)
	case lorawan.DeviceTimeReq:
		return handleDeviceTimeReq(ctx, ds, rxPacket)
	case lorawan.RejoinParamSetupAns:
		return handleRejoinParamSetupAns(ctx, ds, block, pending)
	case lorawan.TXParamSetupAns:
		return handleTXParamSetupAns(ctx, ds, pending)
	case lorawan.RekeyInd:
		return handleRekeyInd(ctx, ds, block)
	case lorawan.DeviceModeInd:
		return handleDeviceModeInd(ctx, ds, block)
	default:
		return nil, errors.Errorf("undefined CID %d", block.CID)
	}
}

// incrementErrorCount bumps the per-CID error counter of the session;
// the downlink builder stops re-requesting a CID once the counter
// reaches the configured maximum.
func incrementErrorCount(ds *storage.DeviceSession, cid lorawan.CID) {
	if ds.MACCommandErrorCount == nil {
		ds.MACCommandErrorCount = make(map[lorawan.CID]int)
	}
	ds.MACCommandErrorCount[cid]++

	slog.Warn("mac-command rejected by device", "component", "maccommand", "dev_eui", ds.DevEUI.String(), "cid", int(cid), "error_count", ds.MACCommandErrorCount[cid])
}
