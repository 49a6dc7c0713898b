// Package join schedules the join-accept downlink in both join receive
// windows.
package join

import (
	"context"
	"log/slog"

	"github.com/gofrs/uuid"
	"github.com/golang/protobuf/ptypes"
	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/backend/gateway"
	"github.com/loracore/loracore/internal/helpers"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// Handle emits the encrypted join-accept frame in the RX1 and RX2 join
// windows, answering the given join-request frame-set.
func Handle(ctx context.Context, rxPacket models.RXPacket, ds storage.DeviceSession, phyBytes []byte) error {
	region, err := band.Get(rxPacket.RegionConfigID)
	if err != nil {
		return err
	}
	defaults := region.Band.GetDefaults()

	if len(rxPacket.RXInfoSet) == 0 {
		return errors.New("rx-info set must not be empty")
	}
	rxInfo := rxPacket.RXInfoSet[0]
	for _, item := range rxPacket.RXInfoSet[1:] {
		if item.LoraSnr > rxInfo.LoraSnr {
			rxInfo = item
		}
	}
	gatewayID := helpers.GetGatewayID(rxInfo)

	// RX1: same channel, join DR offset 0
	rx1Freq, err := region.Band.GetRX1FrequencyForUplinkFrequency(rxPacket.TXInfo.Frequency)
	if err != nil {
		return errors.Wrap(err, "get rx1 frequency error")
	}
	rx1DR, err := region.Band.GetRX1DataRateIndex(rxPacket.DR, 0)
	if err != nil {
		return errors.Wrap(err, "get rx1 data-rate error")
	}

	rx1TXInfo := gw.DownlinkTXInfo{
		Frequency: rx1Freq,
		Power:     int32(region.Band.GetDownlinkTXPower(rx1Freq)),
		Context:   rxInfo.Context,
		Timing:    gw.DownlinkTiming_DELAY,
		TimingInfo: &gw.DownlinkTXInfo_DelayTimingInfo{
			DelayTimingInfo: &gw.DelayTimingInfo{
				Delay: ptypes.DurationProto(defaults.JoinAcceptDelay1),
			},
		},
	}
	if err := helpers.SetDownlinkTXInfoDataRate(&rx1TXInfo, rx1DR, region.Band); err != nil {
		return err
	}

	rx2TXInfo := gw.DownlinkTXInfo{
		Frequency: uint32(region.RX2Frequency),
		Power:     int32(region.Band.GetDownlinkTXPower(uint32(region.RX2Frequency))),
		Context:   rxInfo.Context,
		Timing:    gw.DownlinkTiming_DELAY,
		TimingInfo: &gw.DownlinkTXInfo_DelayTimingInfo{
			DelayTimingInfo: &gw.DelayTimingInfo{
				Delay: ptypes.DurationProto(defaults.JoinAcceptDelay2),
			},
		},
	}
	if err := helpers.SetDownlinkTXInfoDataRate(&rx2TXInfo, region.RX2DR, region.Band); err != nil {
		return err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}
	token := storage.GetToken(id[:])

	frame := gw.DownlinkFrame{
		Token:      token,
		DownlinkId: id[:],
		GatewayId:  gatewayID[:],
		Items: []*gw.DownlinkFrameItem{
			{PhyPayload: phyBytes, TxInfo: &rx1TXInfo},
			{PhyPayload: phyBytes, TxInfo: &rx2TXInfo},
		},
	}

	df := storage.DownlinkFrame{
		DevEUI:     ds.DevEUI,
		Token:      token,
		NwkSEncKey: ds.NwkSEncKey,
	}
	if err := df.SetDownlinkFrame(&frame); err != nil {
		return err
	}
	if err := storage.SaveDownlinkFrame(ctx, df); err != nil {
		return errors.Wrap(err, "save downlink-frame error")
	}

	gwBackend, err := gateway.GetBackend(rxPacket.RegionConfigID)
	if err != nil {
		return err
	}
	if err := gwBackend.SendDownlinkFrame(frame); err != nil {
		return errors.Wrap(err, "send downlink-frame error")
	}

	metrics.DownlinksScheduled.WithLabelValues("join-accept").Inc()

	slog.Info("join-accept scheduled", "component", "downlink",
		"dev_eui", ds.DevEUI.String(),
		"dev_addr", ds.DevAddr.String(),
		"gateway_id", gatewayID.String(),
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil
}
