package maccommand

import (
	"context"
	"log/slog"
	"sort"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/adr"
	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// RequestADRChange runs the ADR algorithm of the device-profile and, when
// the outcome differs from the current session values, returns a
// LinkADRReq block carrying the new data-rate, tx-power and NbTrans
// together with the current channel-mask.
func RequestADRChange(ctx context.Context, ds *storage.DeviceSession, dp storage.DeviceProfile, region *band.Region) (*storage.MACCommandBlock, error) {
	if config.Get().NetworkServer.NetworkSettings.DisableADR {
		return nil, nil
	}
	if count, ok := ds.MACCommandErrorCount[lorawan.LinkADRReq]; ok && count >= config.Get().NetworkServer.NetworkSettings.MaxMACCommandErrorCount {
		return nil, nil
	}

	requiredSNR, err := getRequiredSNRForSF(region, ds.DR)
	if err != nil {
		return nil, err
	}

	maxTXPowerIndex := ds.MaxSupportedTXPowerIndex
	if maxTXPowerIndex == 0 {
		maxTXPowerIndex = getMaxTXPowerOffsetIndex(region)
	}

	req := adr.HandleRequest{
		DevEUI:             ds.DevEUI,
		MACVersion:         ds.MACVersion,
		RegParamsRevision:  dp.RegParamsRevision,
		ADR:                ds.ADR,
		DR:                 ds.DR,
		TXPowerIndex:       ds.TXPowerIndex,
		NbTrans:            int(ds.NbTrans),
		MaxTXPowerIndex:    maxTXPowerIndex,
		MinDR:              0,
		MaxDR:              getMaxAllowedDR(region),
		RequiredSNRForDR:   requiredSNR,
		InstallationMargin: config.Get().NetworkServer.NetworkSettings.InstallationMargin,
	}
	for _, uh := range ds.UplinkHistory {
		req.UplinkHistory = append(req.UplinkHistory, adr.UplinkMetaData{
			FCnt:         uh.FCnt,
			MaxSNR:       uh.MaxSNR,
			TXPowerIndex: uh.TXPowerIndex,
			GatewayCount: uh.GatewayCount,
		})
	}

	resp, err := adr.GetHandler(dp.ADRAlgorithmID).Handle(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "adr handle error")
	}

	if resp.DR == ds.DR && resp.TXPowerIndex == ds.TXPowerIndex && resp.NbTrans == int(ds.NbTrans) {
		return nil, nil
	}

	pls := region.Band.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(ds.EnabledUplinkChannels)
	if len(pls) == 0 {
		pls = []lorawan.LinkADRReqPayload{
			{
				ChMask: encodeChMask(ds.EnabledUplinkChannels),
			},
		}
	}
	for i := range pls {
		pls[i].DataRate = uint8(resp.DR)
		pls[i].TXPower = uint8(resp.TXPowerIndex)
		pls[i].Redundancy.NbRep = uint8(resp.NbTrans)
	}

	block := storage.MACCommandBlock{
		CID: lorawan.LinkADRReq,
	}
	for i := range pls {
		pl := pls[i]
		block.MACCommands = append(block.MACCommands, lorawan.MACCommand{
			CID:     lorawan.LinkADRReq,
			Payload: &pl,
		})
	}

	slog.Info("requesting adr change", "component", "maccommand",
		"dev_eui", ds.DevEUI.String(),
		"dr", resp.DR,
		"tx_power_index", resp.TXPowerIndex,
		"nb_trans", resp.NbTrans,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return &block, nil
}

// encodeChMask builds the ChMask for channels 0-15. Higher channel
// indices are covered by GetLinkADRReqPayloadsForEnabledUplinkChannelIndices.
func encodeChMask(enabledChannels []int) lorawan.ChMask {
	var chMask lorawan.ChMask
	for _, c := range enabledChannels {
		if c < len(chMask) {
			chMask[c] = true
		}
	}
	return chMask
}

// getMaxAllowedDR returns the highest LoRa 125 kHz data-rate of the
// region. LR-FHSS and 250/500 kHz rates are not eligible as ADR targets.
func getMaxAllowedDR(region *band.Region) int {
	var maxDR int
	for _, i := range region.Band.GetEnabledUplinkChannelIndices() {
		c, err := region.Band.GetUplinkChannel(i)
		if err != nil {
			continue
		}
		for dr := c.MinDR; dr <= c.MaxDR; dr++ {
			d, err := region.Band.GetDataRate(dr)
			if err != nil {
				continue
			}
			if d.Modulation == loraband.LoRaModulation && d.Bandwidth == 125 && dr > maxDR {
				maxDR = dr
			}
		}
	}
	return maxDR
}

// getMaxTXPowerOffsetIndex probes the band for the highest supported
// tx-power index.
func getMaxTXPowerOffsetIndex(region *band.Region) int {
	var max int
	for i := 0; i < 16; i++ {
		if _, err := region.Band.GetTXPowerOffset(i); err == nil {
			max = i
		}
	}
	return max
}

func handleLinkADRAns(ctx context.Context, ds *storage.DeviceSession, block storage.MACCommandBlock, pendingBlock *storage.MACCommandBlock) ([]storage.MACCommandBlock, error) {
	if len(block.MACCommands) == 0 {
		return nil, errors.New("at least one mac-command expected")
	}
	if pendingBlock == nil || len(pendingBlock.MACCommands) == 0 {
		return nil, errors.New("pending LinkADRReq expected")
	}

	channelMaskACK := true
	dataRateACK := true
	powerACK := true

	for i := range block.MACCommands {
		pl, ok := block.MACCommands[i].Payload.(*lorawan.LinkADRAnsPayload)
		if !ok {
			return nil, errors.Errorf("expected *lorawan.LinkADRAnsPayload, got %T", block.MACCommands[i].Payload)
		}

		if !pl.ChannelMaskACK {
			channelMaskACK = false
		}
		if !pl.DataRateACK {
			dataRateACK = false
		}
		if !pl.PowerACK {
			powerACK = false
		}
	}

	if !(channelMaskACK && dataRateACK && powerACK) {
		incrementErrorCount(ds, lorawan.LinkADRReq)
		slog.Warn("link-adr request rejected", "component", "maccommand",
			"dev_eui", ds.DevEUI.String(),
			"channel_mask_ack", channelMaskACK,
			"data_rate_ack", dataRateACK,
			"power_ack", powerACK,
			"ctx_id", ctx.Value(logging.ContextIDKey))
		return nil, nil
	}

	// merge the channel-masks of all pending requests into the set of
	// enabled channels
	var chMaskCntls []lorawan.LinkADRReqPayload
	for i := range pendingBlock.MACCommands {
		pl, ok := pendingBlock.MACCommands[i].Payload.(*lorawan.LinkADRReqPayload)
		if !ok {
			return nil, errors.Errorf("expected *lorawan.LinkADRReqPayload, got %T", pendingBlock.MACCommands[i].Payload)
		}
		chMaskCntls = append(chMaskCntls, *pl)
	}

	chMask := make(map[int]bool)
	for _, pl := range chMaskCntls {
		for i, enabled := range pl.ChMask {
			offset := int(pl.Redundancy.ChMaskCntl)*16 + i
			if enabled {
				chMask[offset] = true
			}
		}
	}

	var enabledChannels []int
	for c := range chMask {
		enabledChannels = append(enabledChannels, c)
	}
	sort.Ints(enabledChannels)

	last := chMaskCntls[len(chMaskCntls)-1]
	ds.TXPowerIndex = int(last.TXPower)
	ds.DR = int(last.DataRate)
	ds.NbTrans = last.Redundancy.NbRep
	ds.EnabledUplinkChannels = enabledChannels
	delete(ds.MACCommandErrorCount, lorawan.LinkADRReq)

	slog.Info("link-adr request acknowledged", "component", "maccommand",
		"dev_eui", ds.DevEUI.String(),
		"dr", ds.DR,
		"tx_power_index", ds.TXPowerIndex,
		"nb_trans", ds.NbTrans,
		"enabled_channels", enabledChannels,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil, nil
}
