// Package multicast implements the multicast coordinator: for each
// application downlink to a multicast group it computes the minimum set
// of gateways covering all member devices, enqueues one queue item per
// gateway and later builds and emits the frames when they come due.
package multicast

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang/protobuf/ptypes"
	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/backend/gateway"
	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/config"
	dwndata "github.com/loracore/loracore/internal/downlink/data"
	"github.com/loracore/loracore/internal/helpers"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/gps"
)

// spacing between the emissions of different gateways when the group
// uses delay scheduling, so that members in overlapping coverage hear a
// clean transmission.
const gatewayDelay = 2 * time.Second

// Enqueue adds one application payload to the multicast-group queue,
// duplicated per covering gateway. It returns the frame-counter
// assigned to the transmission.
func Enqueue(ctx context.Context, multicastGroupID uuid.UUID, fPort uint8, data []byte) (uint32, error) {
	mg, err := storage.GetMulticastGroup(ctx, multicastGroupID)
	if err != nil {
		return 0, errors.Wrap(err, "get multicast-group error")
	}

	gatewayIDs := mg.GatewayIDs
	if len(gatewayIDs) == 0 {
		gatewayIDs, err = coveringGatewaySet(ctx, multicastGroupID)
		if err != nil {
			return 0, err
		}
	}
	if len(gatewayIDs) == 0 {
		return 0, errors.New("multicast-group has no covering gateways")
	}

	fCnt, err := storage.GetAndIncrementMulticastFCnt(ctx, multicastGroupID)
	if err != nil {
		return 0, errors.Wrap(err, "get multicast fcnt error")
	}

	conf := config.Get()
	now := time.Now()

	var emitAt time.Duration
	switch mg.GroupType {
	case storage.MulticastGroupB:
		if mg.PingSlotPeriod == 0 {
			return 0, errors.New("multicast-group has no ping-slot period")
		}
		pingNb := (1 << 12) / mg.PingSlotPeriod
		emitAt, err = dwndata.GetNextPingSlotAfter(
			gps.Time(now.Add(conf.NetworkServer.Scheduler.ClassCDownlinkMargin)).TimeSinceGPSEpoch(),
			mg.MCAddr, pingNb)
		if err != nil {
			return 0, err
		}
	case storage.MulticastGroupC:
		if mg.ClassCScheduling == storage.MulticastSchedulingGPSTime {
			emitAt = gps.Time(now.Add(conf.NetworkServer.Scheduler.ClassCDownlinkMargin)).TimeSinceGPSEpoch()
		}
	}

	for i, gatewayID := range gatewayIDs {
		qi := storage.MulticastQueueItem{
			MulticastGroupID: multicastGroupID,
			GatewayID:        gatewayID,
			FCnt:             fCnt,
			FPort:            fPort,
			FRMPayload:       data,
			ScheduleAt:       now,
		}

		switch {
		case mg.GroupType == storage.MulticastGroupB:
			e := emitAt
			qi.EmitAtTimeSinceGPSEpoch = &e
			qi.ScheduleAt = time.Time(gps.NewTimeFromTimeSinceGPSEpoch(e)).Add(-conf.NetworkServer.Scheduler.ClassCDownlinkMargin)

			// the next gateway takes the next ping slot
			if i != len(gatewayIDs)-1 {
				pingNb := (1 << 12) / mg.PingSlotPeriod
				emitAt, err = dwndata.GetNextPingSlotAfter(emitAt, mg.MCAddr, pingNb)
				if err != nil {
					return 0, err
				}
			}
		case mg.ClassCScheduling == storage.MulticastSchedulingGPSTime:
			e := emitAt
			qi.EmitAtTimeSinceGPSEpoch = &e
		default:
			qi.ScheduleAt = now.Add(time.Duration(i) * gatewayDelay)
		}

		if err := storage.CreateMulticastQueueItem(ctx, &qi); err != nil {
			return 0, errors.Wrap(err, "create multicast queue-item error")
		}
	}

	slog.Info("multicast downlink enqueued", "component", "downlink",
		"multicast_group_id", multicastGroupID,
		"f_cnt", fCnt,
		"gateway_count", len(gatewayIDs),
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return fCnt, nil
}

// HandleScheduleQueueItems builds and emits the due queue items of the
// given multicast-group.
func HandleScheduleQueueItems(ctx context.Context, multicastGroupID uuid.UUID) error {
	mg, err := storage.GetMulticastGroup(ctx, multicastGroupID)
	if err != nil {
		return errors.Wrap(err, "get multicast-group error")
	}

	conf := config.Get()
	items, err := storage.GetDueMulticastQueueItems(ctx, multicastGroupID, conf.NetworkServer.Scheduler.BatchSize)
	if err != nil {
		return errors.Wrap(err, "get due multicast queue-items error")
	}

	for _, qi := range items {
		if err := emitQueueItem(ctx, mg, qi); err != nil {
			slog.Error("emit multicast queue-item error", "component", "downlink",
				"multicast_group_id", multicastGroupID,
				"gateway_id", qi.GatewayID.String(),
				"error", err,
				"ctx_id", ctx.Value(logging.ContextIDKey))
		}
	}

	return nil
}

// emitQueueItem builds the PHYPayload for one queue item and sends it
// to the item's gateway.
func emitQueueItem(ctx context.Context, mg storage.MulticastGroup, qi storage.MulticastQueueItem) error {
	region, err := band.Get(mg.RegionConfigID)
	if err != nil {
		return err
	}

	fPort := qi.FPort
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.UnconfirmedDataDown,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: mg.MCAddr,
				FCnt:    qi.FCnt,
			},
			FPort:      &fPort,
			FRMPayload: []lorawan.Payload{&lorawan.DataPayload{Bytes: qi.FRMPayload}},
		},
	}

	if err := phy.EncryptFRMPayload(mg.MCAppSKey); err != nil {
		return errors.Wrap(err, "encrypt frmpayload error")
	}
	// multicast uses the LoRaWAN 1.0 downlink MIC scheme
	if err := phy.SetDownlinkDataMIC(lorawan.LoRaWAN1_0, 0, mg.MCNwkSKey); err != nil {
		return errors.Wrap(err, "set mic error")
	}
	phyB, err := phy.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	txInfo := gw.DownlinkTXInfo{
		Frequency: uint32(mg.Frequency),
		Power:     int32(region.Band.GetDownlinkTXPower(uint32(mg.Frequency))),
	}
	if err := helpers.SetDownlinkTXInfoDataRate(&txInfo, mg.DR, region.Band); err != nil {
		return err
	}

	if qi.EmitAtTimeSinceGPSEpoch != nil {
		txInfo.Timing = gw.DownlinkTiming_GPS_EPOCH
		txInfo.TimingInfo = &gw.DownlinkTXInfo_GpsEpochTimingInfo{
			GpsEpochTimingInfo: &gw.GPSEpochTimingInfo{
				TimeSinceGpsEpoch: ptypes.DurationProto(*qi.EmitAtTimeSinceGPSEpoch),
			},
		}
	} else {
		txInfo.Timing = gw.DownlinkTiming_IMMEDIATELY
		txInfo.TimingInfo = &gw.DownlinkTXInfo_ImmediatelyTimingInfo{
			ImmediatelyTimingInfo: &gw.ImmediatelyTimingInfo{},
		}
	}

	id, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}
	token := storage.GetToken(id[:])

	frame := gw.DownlinkFrame{
		Token:      token,
		DownlinkId: id[:],
		GatewayId:  qi.GatewayID[:],
		Items: []*gw.DownlinkFrameItem{
			{PhyPayload: phyB, TxInfo: &txInfo},
		},
	}

	df := storage.DownlinkFrame{
		Token:            token,
		NwkSEncKey:       mg.MCNwkSKey,
		MulticastGroupID: mg.ID,
		MulticastQueueID: qi.ID,
	}
	if err := df.SetDownlinkFrame(&frame); err != nil {
		return err
	}
	if err := storage.SaveDownlinkFrame(ctx, df); err != nil {
		return errors.Wrap(err, "save downlink-frame error")
	}

	gwBackend, err := gateway.GetBackend(mg.RegionConfigID)
	if err != nil {
		return err
	}
	if err := gwBackend.SendDownlinkFrame(frame); err != nil {
		return errors.Wrap(err, "send downlink-frame error")
	}

	metrics.DownlinksScheduled.WithLabelValues("multicast").Inc()

	slog.Info("multicast frame scheduled", "component", "downlink",
		"multicast_group_id", mg.ID,
		"gateway_id", qi.GatewayID.String(),
		"f_cnt", qi.FCnt,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil
}

// coveringGatewaySet returns the minimum gateway set covering all
// member devices, computed from the last-uplink gateway snapshots.
func coveringGatewaySet(ctx context.Context, multicastGroupID uuid.UUID) ([]lorawan.EUI64, error) {
	devEUIs, err := storage.GetDevEUIsForMulticastGroup(ctx, multicastGroupID)
	if err != nil {
		return nil, errors.Wrap(err, "get multicast-group devices error")
	}

	rxInfoSets, err := storage.GetDeviceGatewayRXInfoSetForDevEUIs(ctx, devEUIs)
	if err != nil {
		return nil, errors.Wrap(err, "get device gateway rx-info sets error")
	}

	return GetMinimumGatewaySet(rxInfoSets)
}

// GetMinimumGatewaySet computes a minimal set of gateways that together
// cover every device in the given snapshots. It builds a weighted graph
// of gateway and device nodes and keeps the gateways that serve device
// edges in its minimum spanning tree: the strongly negative spine edges
// between gateways keep all gateways connected so that the tree is free
// to drop redundant device edges, and device edges get cheaper the more
// devices a gateway covers.
func GetMinimumGatewaySet(rxInfoSets []storage.DeviceGatewayRXInfoSet) ([]lorawan.EUI64, error) {
	gatewayIndex := make(map[lorawan.EUI64]int)
	deviceCount := make(map[lorawan.EUI64]int)
	var gateways []lorawan.EUI64

	for _, set := range rxInfoSets {
		for _, item := range set.Items {
			if _, ok := gatewayIndex[item.GatewayID]; !ok {
				gatewayIndex[item.GatewayID] = len(gateways)
				gateways = append(gateways, item.GatewayID)
			}
			deviceCount[item.GatewayID]++
		}
	}

	if len(gateways) == 0 {
		return nil, nil
	}

	// node ids: gateways first, then one node per device
	type edge struct {
		a, b   int
		weight float64
	}
	var edges []edge

	for i := 0; i < len(gateways); i++ {
		for j := i + 1; j < len(gateways); j++ {
			edges = append(edges, edge{a: i, b: j, weight: -999})
		}
	}

	deviceBase := len(gateways)
	for d, set := range rxInfoSets {
		for _, item := range set.Items {
			edges = append(edges, edge{
				a:      gatewayIndex[item.GatewayID],
				b:      deviceBase + d,
				weight: 1 / float64(deviceCount[item.GatewayID]),
			})
		}
	}

	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].weight < edges[j].weight
	})

	// Kruskal with union-find
	parent := make([]int, deviceBase+len(rxInfoSets))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(n int) int {
		if parent[n] != n {
			parent[n] = find(parent[n])
		}
		return parent[n]
	}

	used := make(map[int]struct{})
	for _, e := range edges {
		ra, rb := find(e.a), find(e.b)
		if ra == rb {
			continue
		}
		parent[ra] = rb

		// a device edge in the tree marks its gateway as chosen
		if e.b >= deviceBase {
			used[e.a] = struct{}{}
		}
	}

	var out []lorawan.EUI64
	for i, id := range gateways {
		if _, ok := used[i]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}
