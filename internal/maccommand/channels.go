package maccommand

import (
	"context"
	"log/slog"
	"sort"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// DefaultMaxChannelsPerFrame caps the number of NewChannelReq items in
// a single downlink.
const DefaultMaxChannelsPerFrame = 3

// RequestNewChannels compares the current extra channels of the device
// against the wanted set and returns a NewChannelReq block for the
// channels that differ, capped at maxChannels requests. Nil is returned
// when current and wanted are equal.
func RequestNewChannels(devEUI lorawan.EUI64, maxChannels int, current, wanted map[int]loraband.Channel) *storage.MACCommandBlock {
	var out []lorawan.MACCommand

	// sorted iteration for deterministic request order
	var wantedIdx []int
	for i := range wanted {
		wantedIdx = append(wantedIdx, i)
	}
	sort.Ints(wantedIdx)

	for _, i := range wantedIdx {
		wc := wanted[i]
		cc, ok := current[i]
		if !ok || cc.Frequency != wc.Frequency || cc.MinDR != wc.MinDR || cc.MaxDR != wc.MaxDR {
			out = append(out, lorawan.MACCommand{
				CID: lorawan.NewChannelReq,
				Payload: &lorawan.NewChannelReqPayload{
					ChIndex: uint8(i),
					Freq:    wc.Frequency,
					MinDR:   uint8(wc.MinDR),
					MaxDR:   uint8(wc.MaxDR),
				},
			})
		}
	}

	if len(out) == 0 {
		return nil
	}
	if len(out) > maxChannels {
		out = out[:maxChannels]
	}

	return &storage.MACCommandBlock{
		CID:         lorawan.NewChannelReq,
		MACCommands: out,
	}
}

func handleNewChannelAns(ctx context.Context, ds *storage.DeviceSession, block storage.MACCommandBlock, pendingBlock *storage.MACCommandBlock) ([]storage.MACCommandBlock, error) {
	if pendingBlock == nil || len(pendingBlock.MACCommands) == 0 {
		return nil, errors.New("pending NewChannelReq expected")
	}
	if len(block.MACCommands) != len(pendingBlock.MACCommands) {
		return nil, errors.Errorf("expected %d answers, got %d", len(pendingBlock.MACCommands), len(block.MACCommands))
	}

	for i := range block.MACCommands {
		ans, ok := block.MACCommands[i].Payload.(*lorawan.NewChannelAnsPayload)
		if !ok {
			return nil, errors.Errorf("expected *lorawan.NewChannelAnsPayload, got %T", block.MACCommands[i].Payload)
		}
		req, ok := pendingBlock.MACCommands[i].Payload.(*lorawan.NewChannelReqPayload)
		if !ok {
			return nil, errors.Errorf("expected *lorawan.NewChannelReqPayload, got %T", pendingBlock.MACCommands[i].Payload)
		}

		if !(ans.ChannelFrequencyOK && ans.DataRateRangeOK) {
			incrementErrorCount(ds, lorawan.NewChannelReq)
			slog.Warn("new-channel request rejected", "component", "maccommand",
				"dev_eui", ds.DevEUI.String(),
				"channel", req.ChIndex,
				"frequency_ok", ans.ChannelFrequencyOK,
				"dr_range_ok", ans.DataRateRangeOK,
				"ctx_id", ctx.Value(logging.ContextIDKey))
			continue
		}

		if ds.ExtraUplinkChannels == nil {
			ds.ExtraUplinkChannels = make(map[int]loraband.Channel)
		}
		ds.ExtraUplinkChannels[int(req.ChIndex)] = loraband.Channel{
			Frequency: req.Freq,
			MinDR:     int(req.MinDR),
			MaxDR:     int(req.MaxDR),
		}

		found := false
		for _, c := range ds.EnabledUplinkChannels {
			if c == int(req.ChIndex) {
				found = true
				break
			}
		}
		if !found {
			ds.EnabledUplinkChannels = append(ds.EnabledUplinkChannels, int(req.ChIndex))
			sort.Ints(ds.EnabledUplinkChannels)
		}
		delete(ds.MACCommandErrorCount, lorawan.NewChannelReq)

		slog.Info("new-channel request acknowledged", "component", "maccommand",
			"dev_eui", ds.DevEUI.String(),
			"channel", req.ChIndex,
			"frequency", req.Freq,
			"ctx_id", ctx.Value(logging.ContextIDKey))
	}

	return nil, nil
}
