package maccommand

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
)

// RequestTXParamSetup returns a TXParamSetupReq block for the given
// dwell-time flags and max EIRP index.
func RequestTXParamSetup(uplinkDwellTime400ms, downlinkDwellTime400ms bool, maxEIRPIndex uint8) storage.MACCommandBlock {
	uplink := lorawan.DwellTimeNoLimit
	if uplinkDwellTime400ms {
		uplink = lorawan.DwellTime400ms
	}
	downlink := lorawan.DwellTimeNoLimit
	if downlinkDwellTime400ms {
		downlink = lorawan.DwellTime400ms
	}

	return storage.MACCommandBlock{
		CID: lorawan.TXParamSetupReq,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.TXParamSetupReq,
				Payload: &lorawan.TXParamSetupReqPayload{
					UplinkDwellTime:   uplink,
					DownlinkDwelltime: downlink,
					MaxEIRP:           maxEIRPIndex,
				},
			},
		},
	}
}

func handleTXParamSetupAns(ctx context.Context, ds *storage.DeviceSession, pendingBlock *storage.MACCommandBlock) ([]storage.MACCommandBlock, error) {
	if pendingBlock == nil || len(pendingBlock.MACCommands) == 0 {
		return nil, errors.New("pending TXParamSetupReq expected")
	}

	req, ok := pendingBlock.MACCommands[0].Payload.(*lorawan.TXParamSetupReqPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.TXParamSetupReqPayload, got %T", pendingBlock.MACCommands[0].Payload)
	}

	ds.UplinkDwellTime400ms = req.UplinkDwellTime == lorawan.DwellTime400ms
	ds.DownlinkDwellTime400ms = req.DownlinkDwelltime == lorawan.DwellTime400ms
	ds.UplinkMaxEIRPIndex = req.MaxEIRP

	slog.Info("tx-param-setup request acknowledged", "component", "maccommand",
		"dev_eui", ds.DevEUI.String(),
		"uplink_dwell_time_400ms", ds.UplinkDwellTime400ms,
		"downlink_dwell_time_400ms", ds.DownlinkDwellTime400ms,
		"max_eirp_index", req.MaxEIRP,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil, nil
}
