package maccommand

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
)

// handleRekeyInd confirms a LoRaWAN 1.1 session-key rollover. The
// pending rejoin session (if any) was already promoted by the join
// handler; here only the confirmation is answered.
func handleRekeyInd(ctx context.Context, ds *storage.DeviceSession, block storage.MACCommandBlock) ([]storage.MACCommandBlock, error) {
	if len(block.MACCommands) != 1 {
		return nil, errors.New("exactly one mac-command expected")
	}
	pl, ok := block.MACCommands[0].Payload.(*lorawan.RekeyIndPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.RekeyIndPayload, got %T", block.MACCommands[0].Payload)
	}

	slog.Info("rekey-ind received", "component", "maccommand",
		"dev_eui", ds.DevEUI.String(),
		"dev_minor", pl.DevLoRaWANVersion,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return []storage.MACCommandBlock{
		{
			CID: lorawan.RekeyConf,
			MACCommands: []lorawan.MACCommand{
				{
					CID: lorawan.RekeyConf,
					Payload: &lorawan.RekeyConfPayload{
						ServLoRaWANVersion: lorawan.Version{Minor: 1},
					},
				},
			},
		},
	}, nil
}

// handleDeviceModeInd switches the device class between A and C on a
// LoRaWAN 1.1 DeviceModeInd and confirms the switch.
func handleDeviceModeInd(ctx context.Context, ds *storage.DeviceSession, block storage.MACCommandBlock) ([]storage.MACCommandBlock, error) {
	if len(block.MACCommands) != 1 {
		return nil, errors.New("exactly one mac-command expected")
	}
	pl, ok := block.MACCommands[0].Payload.(*lorawan.DeviceModeIndPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.DeviceModeIndPayload, got %T", block.MACCommands[0].Payload)
	}

	d, err := storage.GetDevice(ctx, ds.DevEUI)
	if err != nil {
		return nil, errors.Wrap(err, "get device error")
	}

	switch pl.Class {
	case lorawan.DeviceModeClassA:
		d.Mode = storage.DeviceModeA
	case lorawan.DeviceModeClassC:
		d.Mode = storage.DeviceModeC
	default:
		return nil, errors.Errorf("unexpected device mode %d", pl.Class)
	}

	if err := storage.UpdateDevice(ctx, &d); err != nil {
		return nil, errors.Wrap(err, "update device error")
	}

	slog.Info("device-mode switched", "component", "maccommand",
		"dev_eui", ds.DevEUI.String(),
		"mode", d.Mode,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return []storage.MACCommandBlock{
		{
			CID: lorawan.DeviceModeConf,
			MACCommands: []lorawan.MACCommand{
				{
					CID: lorawan.DeviceModeConf,
					Payload: &lorawan.DeviceModeConfPayload{
						Class: pl.Class,
					},
				},
			},
		},
	}, nil
}
