package maccommand

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
)

// RequestRejoinParamSetup returns a RejoinParamSetupReq block for the
// given max time / count exponents.
func RequestRejoinParamSetup(maxTimeN, maxCountN int) storage.MACCommandBlock {
	return storage.MACCommandBlock{
		CID: lorawan.RejoinParamSetupReq,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.RejoinParamSetupReq,
				Payload: &lorawan.RejoinParamSetupReqPayload{
					MaxTimeN:  uint8(maxTimeN),
					MaxCountN: uint8(maxCountN),
				},
			},
		},
	}
}

func handleRejoinParamSetupAns(ctx context.Context, ds *storage.DeviceSession, block storage.MACCommandBlock, pendingBlock *storage.MACCommandBlock) ([]storage.MACCommandBlock, error) {
	if len(block.MACCommands) != 1 {
		return nil, errors.New("exactly one mac-command expected")
	}
	if pendingBlock == nil || len(pendingBlock.MACCommands) == 0 {
		return nil, errors.New("pending RejoinParamSetupReq expected")
	}

	req, ok := pendingBlock.MACCommands[0].Payload.(*lorawan.RejoinParamSetupReqPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.RejoinParamSetupReqPayload, got %T", pendingBlock.MACCommands[0].Payload)
	}

	// TimeOK false is accepted, the device falls back to count-based
	// rejoin only
	ds.RejoinRequestEnabled = true
	ds.RejoinRequestMaxTimeN = int(req.MaxTimeN)
	ds.RejoinRequestMaxCountN = int(req.MaxCountN)

	slog.Info("rejoin-param-setup request acknowledged", "component", "maccommand",
		"dev_eui", ds.DevEUI.String(),
		"max_time_n", req.MaxTimeN,
		"max_count_n", req.MaxCountN,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil, nil
}
