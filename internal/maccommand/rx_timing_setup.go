package maccommand

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
)

// RequestRXTimingSetup returns a RXTimingSetupReq block for the given
// RX1 delay.
func RequestRXTimingSetup(delay int) storage.MACCommandBlock {
	return storage.MACCommandBlock{
		CID: lorawan.RXTimingSetupReq,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.RXTimingSetupReq,
				Payload: &lorawan.RXTimingSetupReqPayload{
					Delay: uint8(delay),
				},
			},
		},
	}
}

func handleRXTimingSetupAns(ctx context.Context, ds *storage.DeviceSession, pendingBlock *storage.MACCommandBlock) ([]storage.MACCommandBlock, error) {
	if pendingBlock == nil || len(pendingBlock.MACCommands) == 0 {
		return nil, errors.New("pending RXTimingSetupReq expected")
	}

	req, ok := pendingBlock.MACCommands[0].Payload.(*lorawan.RXTimingSetupReqPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.RXTimingSetupReqPayload, got %T", pendingBlock.MACCommands[0].Payload)
	}

	ds.RXDelay = req.Delay

	slog.Info("rx-timing-setup request acknowledged", "component", "maccommand",
		"dev_eui", ds.DevEUI.String(),
		"rx_delay", req.Delay,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil, nil
}
