package maccommand

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
)

// RequestRXParamSetup returns a RXParamSetupReq block for the given
// RX1 data-rate offset and RX2 parameters.
func RequestRXParamSetup(rx1DROffset int, rx2Frequency int, rx2DR int) storage.MACCommandBlock {
	return storage.MACCommandBlock{
		CID: lorawan.RXParamSetupReq,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.RXParamSetupReq,
				Payload: &lorawan.RXParamSetupReqPayload{
					Frequency: uint32(rx2Frequency),
					DLSettings: lorawan.DLSettings{
						RX2DataRate: uint8(rx2DR),
						RX1DROffset: uint8(rx1DROffset),
					},
				},
			},
		},
	}
}

func handleRXParamSetupAns(ctx context.Context, ds *storage.DeviceSession, block storage.MACCommandBlock, pendingBlock *storage.MACCommandBlock) ([]storage.MACCommandBlock, error) {
	if len(block.MACCommands) != 1 {
		return nil, errors.New("exactly one mac-command expected")
	}
	if pendingBlock == nil || len(pendingBlock.MACCommands) == 0 {
		return nil, errors.New("pending RXParamSetupReq expected")
	}

	ans, ok := block.MACCommands[0].Payload.(*lorawan.RXParamSetupAnsPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.RXParamSetupAnsPayload, got %T", block.MACCommands[0].Payload)
	}
	req, ok := pendingBlock.MACCommands[0].Payload.(*lorawan.RXParamSetupReqPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.RXParamSetupReqPayload, got %T", pendingBlock.MACCommands[0].Payload)
	}

	if !(ans.ChannelACK && ans.RX2DataRateACK && ans.RX1DROffsetACK) {
		incrementErrorCount(ds, lorawan.RXParamSetupReq)
		slog.Warn("rx-param-setup request rejected", "component", "maccommand",
			"dev_eui", ds.DevEUI.String(),
			"channel_ack", ans.ChannelACK,
			"rx2_dr_ack", ans.RX2DataRateACK,
			"rx1_dr_offset_ack", ans.RX1DROffsetACK,
			"ctx_id", ctx.Value(logging.ContextIDKey))
		return nil, nil
	}

	ds.RX2Frequency = int(req.Frequency)
	ds.RX2DR = req.DLSettings.RX2DataRate
	ds.RX1DROffset = req.DLSettings.RX1DROffset
	delete(ds.MACCommandErrorCount, lorawan.RXParamSetupReq)

	slog.Info("rx-param-setup request acknowledged", "component", "maccommand",
		"dev_eui", ds.DevEUI.String(),
		"rx2_frequency", ds.RX2Frequency,
		"rx2_dr", ds.RX2DR,
		"rx1_dr_offset", ds.RX1DROffset,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil, nil
}
