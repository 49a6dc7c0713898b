package maccommand

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
)

// handlePingSlotInfoReq stores the ping-slot periodicity announced by a
// Class-B device and acknowledges it.
func handlePingSlotInfoReq(ctx context.Context, ds *storage.DeviceSession, block storage.MACCommandBlock) ([]storage.MACCommandBlock, error) {
	if len(block.MACCommands) != 1 {
		return nil, errors.New("exactly one mac-command expected")
	}
	pl, ok := block.MACCommands[0].Payload.(*lorawan.PingSlotInfoReqPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.PingSlotInfoReqPayload, got %T", block.MACCommands[0].Payload)
	}

	// periodicity p gives 2^(5+p) seconds between ping-slots, expressed
	// as the number of 30 ms slots within the beacon period
	ds.PingSlotNb = 1 << (7 - pl.Periodicity)

	slog.Info("ping-slot-info received", "component", "maccommand",
		"dev_eui", ds.DevEUI.String(),
		"periodicity", pl.Periodicity,
		"ping_slot_nb", ds.PingSlotNb,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return []storage.MACCommandBlock{
		{
			CID: lorawan.PingSlotInfoAns,
			MACCommands: []lorawan.MACCommand{
				{CID: lorawan.PingSlotInfoAns},
			},
		},
	}, nil
}

// RequestPingSlotChannel returns a PingSlotChannelReq block for the
// given frequency and data-rate.
func RequestPingSlotChannel(devEUI lorawan.EUI64, dr, frequency int) storage.MACCommandBlock {
	return storage.MACCommandBlock{
		CID: lorawan.PingSlotChannelReq,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.PingSlotChannelReq,
				Payload: &lorawan.PingSlotChannelReqPayload{
					Frequency: uint32(frequency),
					DR:        uint8(dr),
				},
			},
		},
	}
}

func handlePingSlotChannelAns(ctx context.Context, ds *storage.DeviceSession, block storage.MACCommandBlock, pendingBlock *storage.MACCommandBlock) ([]storage.MACCommandBlock, error) {
	if len(block.MACCommands) != 1 {
		return nil, errors.New("exactly one mac-command expected")
	}
	if pendingBlock == nil || len(pendingBlock.MACCommands) == 0 {
		return nil, errors.New("pending PingSlotChannelReq expected")
	}

	ans, ok := block.MACCommands[0].Payload.(*lorawan.PingSlotChannelAnsPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.PingSlotChannelAnsPayload, got %T", block.MACCommands[0].Payload)
	}
	req, ok := pendingBlock.MACCommands[0].Payload.(*lorawan.PingSlotChannelReqPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.PingSlotChannelReqPayload, got %T", pendingBlock.MACCommands[0].Payload)
	}

	if !(ans.ChannelFrequencyOK && ans.DataRateOK) {
		incrementErrorCount(ds, lorawan.PingSlotChannelReq)
		slog.Warn("ping-slot-channel request rejected", "component", "maccommand",
			"dev_eui", ds.DevEUI.String(),
			"frequency_ok", ans.ChannelFrequencyOK,
			"dr_ok", ans.DataRateOK,
			"ctx_id", ctx.Value(logging.ContextIDKey))
		return nil, nil
	}

	ds.PingSlotFrequency = int(req.Frequency)
	ds.PingSlotDR = int(req.DR)
	delete(ds.MACCommandErrorCount, lorawan.PingSlotChannelReq)

	slog.Info("ping-slot-channel request acknowledged", "component", "maccommand",
		"dev_eui", ds.DevEUI.String(),
		"frequency", req.Frequency,
		"dr", req.DR,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil, nil
}
