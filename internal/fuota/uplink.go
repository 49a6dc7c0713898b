package fuota

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan/applayer/clocksync"
	"github.com/brocaar/lorawan/applayer/fragmentation"
	"github.com/brocaar/lorawan/applayer/multicastsetup"
	"github.com/brocaar/lorawan/gps"
)

// HandleUplink consumes the applayer answers on the well-known FPorts:
// multicast-setup and fragmentation answers advance the deployment
// state, clock-sync requests are answered directly. It returns whether
// the frame was consumed.
func HandleUplink(ctx context.Context, ds storage.DeviceSession, fPort uint8, data []byte) (bool, error) {
	switch fPort {
	case multicastsetup.DefaultFPort:
		return true, handleMulticastSetupAns(ctx, ds, data)
	case fragmentation.DefaultFPort:
		return true, handleFragmentationAns(ctx, ds, data)
	case clocksync.DefaultFPort:
		return true, handleClockSync(ctx, ds, data)
	default:
		return false, nil
	}
}

func handleMulticastSetupAns(ctx context.Context, ds storage.DeviceSession, data []byte) error {
	var cmds multicastsetup.Commands
	if err := cmds.UnmarshalBinary(true, data); err != nil {
		return errors.Wrap(err, "unmarshal multicast-setup commands error")
	}

	d, err := storage.GetFUOTADeploymentForDevEUI(ctx, ds.DevEUI)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			slog.Warn("multicast-setup answer without deployment", "component", "fuota", "dev_eui", ds.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
			return nil
		}
		return errors.Wrap(err, "get deployment error")
	}
	st, ok := d.Devices[ds.DevEUI]
	if !ok {
		return nil
	}

	var dirty bool
	for _, cmd := range cmds {
		switch pl := cmd.Payload.(type) {
		case *multicastsetup.McGroupSetupAnsPayload:
			if pl.McGroupIDHeader.IDError {
				slog.Warn("mc-group setup rejected", "component", "fuota", "dev_eui", ds.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
				continue
			}
			st.McGroupSetup = true
			dirty = true
		case *multicastsetup.McClassBSessionAnsPayload:
			st.McSession = true
			dirty = true
		case *multicastsetup.McClassCSessionAnsPayload:
			st.McSession = true
			dirty = true
		}
	}

	if !dirty {
		return nil
	}
	return storage.SaveFUOTADeployment(ctx, &d)
}

func handleFragmentationAns(ctx context.Context, ds storage.DeviceSession, data []byte) error {
	var cmds fragmentation.Commands
	if err := cmds.UnmarshalBinary(true, data); err != nil {
		return errors.Wrap(err, "unmarshal fragmentation commands error")
	}

	d, err := storage.GetFUOTADeploymentForDevEUI(ctx, ds.DevEUI)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			slog.Warn("fragmentation answer without deployment", "component", "fuota", "dev_eui", ds.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
			return nil
		}
		return errors.Wrap(err, "get deployment error")
	}
	st, ok := d.Devices[ds.DevEUI]
	if !ok {
		return nil
	}

	var dirty bool
	for _, cmd := range cmds {
		switch pl := cmd.Payload.(type) {
		case *fragmentation.FragSessionSetupAnsPayload:
			st.FragSessionSetup = true
			dirty = true
		case *fragmentation.FragSessionStatusAnsPayload:
			st.FragStatus = true
			st.MissingFrag = int(pl.MissingFrag)
			dirty = true

			slog.Info("frag-session status received", "component", "fuota",
				"dev_eui", ds.DevEUI.String(),
				"missing_frag", pl.MissingFrag,
				"ctx_id", ctx.Value(logging.ContextIDKey))
		}
	}

	if !dirty {
		return nil
	}
	return storage.SaveFUOTADeployment(ctx, &d)
}

// handleClockSync answers AppTimeReq with the correction between the
// device clock and GPS time.
func handleClockSync(ctx context.Context, ds storage.DeviceSession, data []byte) error {
	var cmds clocksync.Commands
	if err := cmds.UnmarshalBinary(true, data); err != nil {
		return errors.Wrap(err, "unmarshal clock-sync commands error")
	}

	for _, cmd := range cmds {
		pl, ok := cmd.Payload.(*clocksync.AppTimeReqPayload)
		if !ok {
			continue
		}

		serverTime := uint32((gps.Time(time.Now()).TimeSinceGPSEpoch() / time.Second) % (1 << 32))
		correction := int32(serverTime - pl.DeviceTime)

		// a device with a correct clock only gets an answer when it
		// explicitly asks for one
		if correction == 0 && !pl.Param.AnsRequired {
			continue
		}

		ans := clocksync.Command{
			CID: clocksync.AppTimeAns,
			Payload: &clocksync.AppTimeAnsPayload{
				TimeCorrection: correction,
				Param: clocksync.AppTimeAnsPayloadParam{
					TokenAns: pl.Param.TokenReq,
				},
			},
		}
		if err := enqueueDeviceCommand(ctx, ds.DevEUI, clocksync.DefaultFPort, ans); err != nil {
			return errors.Wrap(err, "enqueue app-time answer error")
		}

		slog.Info("clock-sync answered", "component", "fuota",
			"dev_eui", ds.DevEUI.String(),
			"time_correction", correction,
			"ctx_id", ctx.Value(logging.ContextIDKey))
	}

	return nil
}
