// Package data implements the downlink builder: the Class-A response
// sent in the receive windows of an uplink and the scheduled Class-B/C
// transmissions.
package data

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang/protobuf/ptypes"
	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/backend/gateway"
	"github.com/loracore/loracore/internal/backend/joinserver"
	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/framelog"
	"github.com/loracore/loracore/internal/helpers"
	"github.com/loracore/loracore/internal/integration"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/maccommand"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	pb "github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
	loraband "github.com/brocaar/lorawan/band"
	"github.com/brocaar/lorawan/gps"
)

// maxFOptsLen is the maximum size of the FOpts field.
const maxFOptsLen = 15

// HandleResponse builds and emits the Class-A downlink answering the
// given uplink. Nothing is sent when there is no queued payload, no
// mac-command to deliver and no acknowledgement required.
func HandleResponse(ctx context.Context, rxPacket models.RXPacket, ds storage.DeviceSession, mustAck, adrACKReq bool, macBlocks []storage.MACCommandBlock) error {
	region, err := band.Get(rxPacket.RegionConfigID)
	if err != nil {
		return err
	}
	dp, err := getDeviceProfile(ctx, ds)
	if err != nil {
		return err
	}

	qi, err := getQueueItem(ctx, ds.DevEUI)
	if err != nil {
		return err
	}

	if block := requestChannelReconfiguration(ctx, &ds, region); block != nil {
		macBlocks = append(macBlocks, *block)
	}

	if qi == nil && len(macBlocks) == 0 && !mustAck && !adrACKReq {
		return nil
	}

	if rxPacket.RoamingMetaData != nil {
		// the device is served through a forwarding network-server
		if err := handleRoamingResponse(ctx, rxPacket, &ds, dp, qi, macBlocks, mustAck, region); err != nil {
			return err
		}
		return storage.SaveDeviceSession(ctx, ds)
	}

	gatewayID, gwContext, err := selectClassAGateway(rxPacket, region)
	if err != nil {
		return err
	}

	rx1TXInfo, rx1DR, err := buildRX1TXInfo(rxPacket, ds, region, gwContext)
	if err != nil {
		return err
	}
	rx2TXInfo, err := buildRX2TXInfo(ds, region, gwContext, time.Duration(getRXDelay(ds, region))*time.Second+time.Second)
	if err != nil {
		return err
	}

	maxN, err := maxPayloadSize(region, dp, rx1DR, int(ds.RX2DR))
	if err != nil {
		return err
	}

	phyB, encFOpts, err := buildPHYPayload(ctx, &ds, dp, qi, macBlocks, mustAck, maxN)
	if err != nil {
		return err
	}
	if phyB == nil {
		return nil
	}

	items := []*gw.DownlinkFrameItem{
		{PhyPayload: phyB, TxInfo: rx1TXInfo},
		{PhyPayload: phyB, TxInfo: rx2TXInfo},
	}

	if err := sendDownlinkFrame(ctx, &ds, rxPacket.RegionConfigID, gatewayID, items, qi, encFOpts, "rx1"); err != nil {
		return err
	}

	return storage.SaveDeviceSession(ctx, ds)
}

// HandleScheduleNextQueueItem builds and emits the next Class-B or
// Class-C downlink for the given device, invoked by the scheduler.
func HandleScheduleNextQueueItem(ctx context.Context, device storage.Device, ds storage.DeviceSession) error {
	conf := config.Get()

	dp, err := getDeviceProfile(ctx, ds)
	if err != nil {
		return err
	}
	region, err := band.GetByCommonName(dp.RFRegion)
	if err != nil {
		return err
	}

	qi, err := getQueueItem(ctx, ds.DevEUI)
	if err != nil {
		return err
	}
	if qi == nil {
		if err := storage.RemoveDeviceFromScheduler(ctx, ds.DevEUI); err != nil {
			return err
		}
		return nil
	}
	if qi.IsPending && (qi.RetryAfter == nil || qi.RetryAfter.After(time.Now())) {
		// confirmed downlink awaiting its acknowledgement
		return nil
	}

	rxInfoSet, err := storage.GetDeviceGatewayRXInfoSet(ctx, ds.DevEUI)
	if err != nil {
		return errors.Wrap(err, "get device gateway rx-info set error")
	}

	gatewayID, gwContext, err := selectScheduledGateway(device, ds, region, rxInfoSet)
	if err != nil {
		return err
	}

	var txInfo *gw.DownlinkTXInfo
	var window string

	switch device.Mode {
	case storage.DeviceModeC:
		txInfo, err = buildRX2TXInfo(ds, region, gwContext, 0)
		if err != nil {
			return err
		}
		txInfo.Timing = gw.DownlinkTiming_IMMEDIATELY
		txInfo.TimingInfo = &gw.DownlinkTXInfo_ImmediatelyTimingInfo{
			ImmediatelyTimingInfo: &gw.ImmediatelyTimingInfo{},
		}
		window = "class-c"
	case storage.DeviceModeB:
		txInfo, err = buildClassBTXInfo(ds, region, gwContext, qi, conf.NetworkServer.Scheduler.ClassCDownlinkMargin)
		if err != nil {
			return err
		}
		window = "class-b"
	default:
		// Class-A devices are served in the uplink path only
		return storage.RemoveDeviceFromScheduler(ctx, ds.DevEUI)
	}

	var dr int
	if device.Mode == storage.DeviceModeB {
		dr = ds.PingSlotDR
	} else {
		dr = int(ds.RX2DR)
	}
	maxN, err := maxPayloadSize(region, dp, dr, dr)
	if err != nil {
		return err
	}

	phyB, encFOpts, err := buildPHYPayload(ctx, &ds, dp, qi, nil, false, maxN)
	if err != nil {
		return err
	}
	if phyB == nil {
		return nil
	}

	items := []*gw.DownlinkFrameItem{{PhyPayload: phyB, TxInfo: txInfo}}
	if err := sendDownlinkFrame(ctx, &ds, region.ID, gatewayID, items, qi, encFOpts, window); err != nil {
		return err
	}

	return storage.SaveDeviceSession(ctx, ds)
}

func getDeviceProfile(ctx context.Context, ds storage.DeviceSession) (storage.DeviceProfile, error) {
	device, err := storage.GetDevice(ctx, ds.DevEUI)
	if err != nil {
		return storage.DeviceProfile{}, errors.Wrap(err, "get device error")
	}
	dp, err := storage.GetDeviceProfile(ctx, device.DeviceProfileID)
	if err != nil {
		return storage.DeviceProfile{}, errors.Wrap(err, "get device-profile error")
	}
	return dp, nil
}

func getQueueItem(ctx context.Context, devEUI lorawan.EUI64) (*storage.DeviceQueueItem, error) {
	qi, err := storage.GetPendingOrNextDeviceQueueItem(ctx, devEUI)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get device-queue item error")
	}
	return &qi, nil
}

// requestChannelReconfiguration emits a NewChannelReq block when the
// extra channels known by the device differ from the region's custom
// channel plan.
func requestChannelReconfiguration(ctx context.Context, ds *storage.DeviceSession, region *band.Region) *storage.MACCommandBlock {
	conf := config.Get()
	if count, ok := ds.MACCommandErrorCount[lorawan.NewChannelReq]; ok && count >= conf.NetworkServer.NetworkSettings.MaxMACCommandErrorCount {
		return nil
	}

	wanted := make(map[int]loraband.Channel)
	for _, i := range region.Band.GetCustomUplinkChannelIndices() {
		c, err := region.Band.GetUplinkChannel(i)
		if err != nil {
			continue
		}
		wanted[i] = c
	}
	if len(wanted) == 0 {
		return nil
	}

	return maccommand.RequestNewChannels(ds.DevEUI, maccommand.DefaultMaxChannelsPerFrame, ds.ExtraUplinkChannels, wanted)
}

// selectClassAGateway picks the downlink gateway out of the receiving
// set: the gateways whose link margin clears the configured preference
// threshold are preferred, ties broken by the strongest RSSI.
func selectClassAGateway(rxPacket models.RXPacket, region *band.Region) (lorawan.EUI64, []byte, error) {
	if len(rxPacket.RXInfoSet) == 0 {
		return lorawan.EUI64{}, nil, errors.New("rx-info set must not be empty")
	}

	requiredSNR, err := requiredSNRForDR(region, rxPacket.DR)
	if err != nil {
		return lorawan.EUI64{}, nil, err
	}
	minMargin := config.Get().NetworkServer.NetworkSettings.GatewayPreferMinMargin

	sorted := make([]*gw.UplinkRXInfo, len(rxPacket.RXInfoSet))
	copy(sorted, rxPacket.RXInfoSet)
	sort.SliceStable(sorted, func(i, j int) bool {
		iPref := sorted[i].LoraSnr-requiredSNR >= minMargin
		jPref := sorted[j].LoraSnr-requiredSNR >= minMargin
		if iPref != jPref {
			return iPref
		}
		if iPref {
			return sorted[i].Rssi > sorted[j].Rssi
		}
		return sorted[i].LoraSnr > sorted[j].LoraSnr
	})

	return helpers.GetGatewayID(sorted[0]), sorted[0].Context, nil
}

// selectScheduledGateway picks the downlink gateway from the stored
// gateway snapshot of the device, excluding private gateways of other
// tenants.
func selectScheduledGateway(device storage.Device, ds storage.DeviceSession, region *band.Region, set storage.DeviceGatewayRXInfoSet) (lorawan.EUI64, []byte, error) {
	requiredSNR, err := requiredSNRForDR(region, set.DR)
	if err != nil {
		return lorawan.EUI64{}, nil, err
	}
	minMargin := config.Get().NetworkServer.NetworkSettings.GatewayPreferMinMargin

	var items []storage.DeviceGatewayRXInfo
	for _, item := range set.Items {
		if item.IsPrivateDown && item.TenantID != device.ServiceProfileID {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return lorawan.EUI64{}, nil, errors.New("no eligible downlink gateway")
	}

	sort.SliceStable(items, func(i, j int) bool {
		iPref := items[i].LoRaSNR-requiredSNR >= minMargin
		jPref := items[j].LoRaSNR-requiredSNR >= minMargin
		if iPref != jPref {
			return iPref
		}
		if iPref {
			return items[i].RSSI > items[j].RSSI
		}
		return items[i].LoRaSNR > items[j].LoRaSNR
	})

	return items[0].GatewayID, items[0].Context, nil
}

func buildRX1TXInfo(rxPacket models.RXPacket, ds storage.DeviceSession, region *band.Region, gwContext []byte) (*gw.DownlinkTXInfo, int, error) {
	freq, err := region.Band.GetRX1FrequencyForUplinkFrequency(rxPacket.TXInfo.Frequency)
	if err != nil {
		return nil, 0, errors.Wrap(err, "get rx1 frequency error")
	}
	dr, err := region.Band.GetRX1DataRateIndex(rxPacket.DR, int(ds.RX1DROffset))
	if err != nil {
		return nil, 0, errors.Wrap(err, "get rx1 data-rate error")
	}

	txInfo := gw.DownlinkTXInfo{
		Frequency: freq,
		Power:     int32(region.Band.GetDownlinkTXPower(freq)),
		Context:   gwContext,
		Timing:    gw.DownlinkTiming_DELAY,
		TimingInfo: &gw.DownlinkTXInfo_DelayTimingInfo{
			DelayTimingInfo: &gw.DelayTimingInfo{
				Delay: ptypes.DurationProto(time.Duration(getRXDelay(ds, region)) * time.Second),
			},
		},
	}
	if err := helpers.SetDownlinkTXInfoDataRate(&txInfo, dr, region.Band); err != nil {
		return nil, 0, err
	}
	return &txInfo, dr, nil
}

func buildRX2TXInfo(ds storage.DeviceSession, region *band.Region, gwContext []byte, delay time.Duration) (*gw.DownlinkTXInfo, error) {
	freq := ds.RX2Frequency
	if freq == 0 {
		freq = region.RX2Frequency
	}

	txInfo := gw.DownlinkTXInfo{
		Frequency: uint32(freq),
		Power:     int32(region.Band.GetDownlinkTXPower(uint32(freq))),
		Context:   gwContext,
	}
	if delay > 0 {
		txInfo.Timing = gw.DownlinkTiming_DELAY
		txInfo.TimingInfo = &gw.DownlinkTXInfo_DelayTimingInfo{
			DelayTimingInfo: &gw.DelayTimingInfo{
				Delay: ptypes.DurationProto(delay),
			},
		}
	}
	if err := helpers.SetDownlinkTXInfoDataRate(&txInfo, int(ds.RX2DR), region.Band); err != nil {
		return nil, err
	}
	return &txInfo, nil
}

func buildClassBTXInfo(ds storage.DeviceSession, region *band.Region, gwContext []byte, qi *storage.DeviceQueueItem, margin time.Duration) (*gw.DownlinkTXInfo, error) {
	if ds.PingSlotNb == 0 {
		return nil, errors.New("device has no ping-slot configuration")
	}

	var emitAt time.Duration
	if qi.EmitAtTimeSinceGPSEpoch != nil {
		emitAt = *qi.EmitAtTimeSinceGPSEpoch
	} else {
		after := gps.Time(time.Now().Add(margin)).TimeSinceGPSEpoch()
		var err error
		emitAt, err = GetNextPingSlotAfter(after, ds.DevAddr, ds.PingSlotNb)
		if err != nil {
			return nil, err
		}
	}

	freq := uint32(ds.PingSlotFrequency)
	if freq == 0 {
		var err error
		freq, err = region.Band.GetPingSlotFrequency(ds.DevAddr, emitAt)
		if err != nil {
			return nil, errors.Wrap(err, "get ping-slot frequency error")
		}
	}

	txInfo := gw.DownlinkTXInfo{
		Frequency: freq,
		Power:     int32(region.Band.GetDownlinkTXPower(freq)),
		Context:   gwContext,
		Timing:    gw.DownlinkTiming_GPS_EPOCH,
		TimingInfo: &gw.DownlinkTXInfo_GpsEpochTimingInfo{
			GpsEpochTimingInfo: &gw.GPSEpochTimingInfo{
				TimeSinceGpsEpoch: ptypes.DurationProto(emitAt),
			},
		},
	}
	if err := helpers.SetDownlinkTXInfoDataRate(&txInfo, ds.PingSlotDR, region.Band); err != nil {
		return nil, err
	}
	return &txInfo, nil
}

func maxPayloadSize(region *band.Region, dp storage.DeviceProfile, rx1DR, rx2DR int) (int, error) {
	s1, err := region.Band.GetMaxPayloadSizeForDataRateIndex(dp.MACVersion, dp.RegParamsRevision, rx1DR)
	if err != nil {
		return 0, errors.Wrap(err, "get max payload-size error")
	}
	s2, err := region.Band.GetMaxPayloadSizeForDataRateIndex(dp.MACVersion, dp.RegParamsRevision, rx2DR)
	if err != nil {
		return 0, errors.Wrap(err, "get max payload-size error")
	}
	if s2.N < s1.N {
		return s2.N, nil
	}
	return s1.N, nil
}

// buildPHYPayload assembles, encrypts and signs the downlink frame. It
// returns nil bytes when, after size filtering, nothing is left to send
// and no acknowledgement is due.
func buildPHYPayload(ctx context.Context, ds *storage.DeviceSession, dp storage.DeviceProfile, qi *storage.DeviceQueueItem, macBlocks []storage.MACCommandBlock, ack bool, maxN int) ([]byte, bool, error) {
	// a queued item that can never fit is discarded with an error event
	if qi != nil && len(qi.FRMPayload) > maxN {
		slog.Warn("device-queue item discarded, exceeds max payload size", "component", "downlink",
			"dev_eui", ds.DevEUI.String(),
			"fcnt", qi.FCnt,
			"payload_size", len(qi.FRMPayload),
			"max_payload_size", maxN,
			"ctx_id", ctx.Value(logging.ContextIDKey))
		if err := storage.DeleteDeviceQueueItem(ctx, *qi); err != nil {
			return nil, false, err
		}
		if i := integration.ForDevice(); i != nil {
			if err := i.SendErrorEvent(ctx, pb.ErrorEvent{
				DevEui: ds.DevEUI[:],
				Type:   pb.ErrorType_DOWNLINK_PAYLOAD_SIZE,
				Error:  "payload exceeds max payload size",
				FCnt:   qi.FCnt,
			}); err != nil {
				slog.Error("send error event error", "component", "downlink", "dev_eui", ds.DevEUI.String(), "error", err)
			}
		}
		qi = nil
	}

	// place the mac-commands: FOpts when they fit, otherwise FPort 0
	// FRMPayload. Payload wins over FPort 0, MAC wins over payload size.
	fOptsBlocks, frmBlocks, pending := filterMACCommandBlocks(macBlocks, qi != nil, maxN)

	if qi == nil && len(fOptsBlocks) == 0 && len(frmBlocks) == 0 && !ack {
		return nil, false, nil
	}

	macVersion := ds.GetMACVersion()

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.UnconfirmedDataDown,
			Major: lorawan.LoRaWANR1,
		},
	}

	macPL := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: ds.DevAddr,
			FCtrl: lorawan.FCtrl{
				ADR:      ds.ADR,
				ACK:      ack,
				FPending: pending,
			},
		},
	}
	phy.MACPayload = macPL

	for _, block := range fOptsBlocks {
		for i := range block.MACCommands {
			macPL.FHDR.FOpts = append(macPL.FHDR.FOpts, &block.MACCommands[i])
		}
	}

	var appPayload bool
	switch {
	case len(frmBlocks) != 0:
		fPort := uint8(0)
		macPL.FPort = &fPort
		for _, block := range frmBlocks {
			for i := range block.MACCommands {
				macPL.FRMPayload = append(macPL.FRMPayload, &block.MACCommands[i])
			}
		}
	case qi != nil:
		appPayload = true
		fPort := qi.FPort
		macPL.FPort = &fPort
		macPL.FRMPayload = []lorawan.Payload{
			&lorawan.DataPayload{Bytes: qi.FRMPayload},
		}
		if qi.Confirmed {
			phy.MHDR.MType = lorawan.ConfirmedDataDown
		}
	}

	macPL.FHDR.FCnt = ds.GetFCntDown(appPayload)

	if macPL.FPort != nil && *macPL.FPort == 0 {
		if err := phy.EncryptFRMPayload(ds.NwkSEncKey); err != nil {
			return nil, false, errors.Wrap(err, "encrypt frmpayload error")
		}
	}
	if appPayload && ds.AppSKeyEnvelope != nil {
		appSKey, err := unwrapKeyEnvelope(ds.AppSKeyEnvelope)
		if err != nil {
			return nil, false, err
		}
		if err := phy.EncryptFRMPayload(appSKey); err != nil {
			return nil, false, errors.Wrap(err, "encrypt frmpayload error")
		}
	}

	var encFOpts bool
	if macVersion == lorawan.LoRaWAN1_1 && len(macPL.FHDR.FOpts) > 0 {
		if err := phy.EncryptFOpts(ds.NwkSEncKey); err != nil {
			return nil, false, errors.Wrap(err, "encrypt fopts error")
		}
		encFOpts = true
	}

	var confFCnt uint32
	if ack {
		confFCnt = ds.ConfFCnt
	}
	if err := phy.SetDownlinkDataMIC(macVersion, confFCnt, ds.SNwkSIntKey); err != nil {
		return nil, false, errors.Wrap(err, "set downlink data mic error")
	}

	// remember server-initiated requests for pairing with the answers of
	// the next uplink
	for _, block := range append(fOptsBlocks, frmBlocks...) {
		if isServerRequest(block.CID) {
			ds.SetPendingMACCommandBlock(block)
		}
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal phypayload error")
	}
	return b, encFOpts, nil
}

// filterMACCommandBlocks distributes the blocks over FOpts and the
// FPort 0 FRMPayload within the size constraints. Blocks that don't fit
// remain pending for a next frame.
func filterMACCommandBlocks(blocks []storage.MACCommandBlock, hasAppPayload bool, maxN int) (fOpts, frm []storage.MACCommandBlock, morePending bool) {
	var fOptsSize int
	var frmSize int

	for _, block := range blocks {
		size, err := block.Size()
		if err != nil {
			slog.Error("mac-command block size error", "component", "downlink", "cid", int(block.CID), "error", err)
			continue
		}

		if fOptsSize+size <= maxFOptsLen {
			fOpts = append(fOpts, block)
			fOptsSize += size
			continue
		}

		// overflow to FPort 0, but only when no application payload
		// claims the FRMPayload
		if !hasAppPayload && len(fOpts) == 0 && frmSize+size <= maxN {
			frm = append(frm, block)
			frmSize += size
			continue
		}

		morePending = true
	}

	return fOpts, frm, morePending
}

func isServerRequest(cid lorawan.CID) bool {
	switch cid {
	case lorawan.LinkADRReq, lorawan.DevStatusReq, lorawan.NewChannelReq,
		lorawan.RXParamSetupReq, lorawan.RXTimingSetupReq,
		lorawan.PingSlotChannelReq, lorawan.TXParamSetupReq,
		lorawan.RejoinParamSetupReq:
		return true
	default:
		return false
	}
}

func unwrapKeyEnvelope(e *storage.KeyEnvelope) (lorawan.AES128Key, error) {
	var kek []byte
	var err error

	if e.KEKLabel != "" {
		kek, err = joinserver.GetKEKKey(e.KEKLabel)
		if err != nil {
			return lorawan.AES128Key{}, err
		}
	}

	ke := backend.KeyEnvelope{
		KEKLabel: e.KEKLabel,
		AESKey:   backend.HEXBytes(e.AESKey),
	}
	return ke.Unwrap(kek)
}

// sendDownlinkFrame persists the pending downlink-frame record and
// publishes the frame to the frame bus.
func sendDownlinkFrame(ctx context.Context, ds *storage.DeviceSession, regionID string, gatewayID lorawan.EUI64, items []*gw.DownlinkFrameItem, qi *storage.DeviceQueueItem, encFOpts bool, window string) error {
	id, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}
	token := storage.GetToken(id[:])

	frame := gw.DownlinkFrame{
		Token:      token,
		DownlinkId: id[:],
		GatewayId:  gatewayID[:],
		Items:      items,
	}

	df := storage.DownlinkFrame{
		DevEUI:         ds.DevEUI,
		Token:          token,
		NwkSEncKey:     ds.NwkSEncKey,
		EncryptedFOpts: encFOpts,
	}
	if qi != nil {
		df.DeviceQueueItemID = qi.ID
	}
	if err := df.SetDownlinkFrame(&frame); err != nil {
		return err
	}
	if err := storage.SaveDownlinkFrame(ctx, df); err != nil {
		return errors.Wrap(err, "save downlink-frame error")
	}

	gwBackend, err := gateway.GetBackend(regionID)
	if err != nil {
		return err
	}
	if err := gwBackend.SendDownlinkFrame(frame); err != nil {
		return errors.Wrap(err, "send downlink-frame error")
	}

	metrics.DownlinksScheduled.WithLabelValues(window).Inc()

	if err := framelog.LogDownlinkFrameForGateway(ctx, frame); err != nil {
		slog.Error("frame-log error", "component", "downlink", "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
	}
	if err := framelog.LogDownlinkFrameForDevice(ctx, ds.DevEUI, frame); err != nil {
		slog.Error("frame-log error", "component", "downlink", "dev_eui", ds.DevEUI.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
	}

	slog.Info("downlink-frame scheduled", "component", "downlink",
		"dev_eui", ds.DevEUI.String(),
		"gateway_id", gatewayID.String(),
		"token", token,
		"window", window,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	ds.LastDownlinkTX = time.Now()
	return nil
}

func getRXDelay(ds storage.DeviceSession, region *band.Region) int {
	if ds.RXDelay > 0 {
		return int(ds.RXDelay)
	}
	if region.RX1Delay > 0 {
		return region.RX1Delay
	}
	return 1
}

func requiredSNRForDR(region *band.Region, dr int) (float64, error) {
	dataRate, err := region.Band.GetDataRate(dr)
	if err != nil {
		return 0, errors.Wrap(err, "get data-rate error")
	}

	switch dataRate.SpreadFactor {
	case 7:
		return -7.5, nil
	case 8:
		return -10, nil
	case 9:
		return -12.5, nil
	case 10:
		return -15, nil
	case 11:
		return -17.5, nil
	case 12:
		return -20, nil
	default:
		return 0, errors.Errorf("unknown spread-factor %d", dataRate.SpreadFactor)
	}
}
