package maccommand

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/integration"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/storage"
	pb "github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/lorawan"
)

// RequestDevStatus returns a DevStatusReq block and stamps the session
// with the request time.
func RequestDevStatus(ctx context.Context, ds *storage.DeviceSession) storage.MACCommandBlock {
	ds.LastDevStatusRequested = time.Now()

	slog.Info("requesting device-status", "component", "maccommand", "dev_eui", ds.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))

	return storage.MACCommandBlock{
		CID: lorawan.DevStatusReq,
		MACCommands: []lorawan.MACCommand{
			{CID: lorawan.DevStatusReq},
		},
	}
}

func handleDevStatusAns(ctx context.Context, ds *storage.DeviceSession, block storage.MACCommandBlock) ([]storage.MACCommandBlock, error) {
	if len(block.MACCommands) != 1 {
		return nil, errors.New("exactly one mac-command expected")
	}
	pl, ok := block.MACCommands[0].Payload.(*lorawan.DevStatusAnsPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.DevStatusAnsPayload, got %T", block.MACCommands[0].Payload)
	}

	slog.Info("device-status received", "component", "maccommand",
		"dev_eui", ds.DevEUI.String(),
		"battery", pl.Battery,
		"margin", pl.Margin,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	d, err := storage.GetDevice(ctx, ds.DevEUI)
	if err == nil {
		battery := pl.Battery
		margin := pl.Margin
		d.Battery = &battery
		d.Margin = &margin
		if err := storage.UpdateDevice(ctx, &d); err != nil {
			slog.Error("update device error", "component", "maccommand", "dev_eui", ds.DevEUI.String(), "error", err)
		}
	}

	statusPL := pb.StatusEvent{
		DevEui: ds.DevEUI[:],
		Margin: int32(pl.Margin),
	}
	switch pl.Battery {
	case 0:
		statusPL.ExternalPowerSource = true
	case 255:
		statusPL.BatteryLevelUnavailable = true
	default:
		statusPL.BatteryLevel = float32(pl.Battery) / 254 * 100
	}

	if i := integration.ForDevice(); i != nil {
		if err := i.SendStatusEvent(ctx, statusPL); err != nil {
			slog.Error("send status event error", "component", "maccommand", "dev_eui", ds.DevEUI.String(), "error", err)
		}
	}

	return nil, nil
}
