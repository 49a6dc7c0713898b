package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/backend/gateway"
	"github.com/loracore/loracore/internal/backend/gateway/mock"
	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
)

func setupTest(t *testing.T) *mock.Backend {
	t.Helper()

	mr := miniredis.RunT(t)
	storage.SetRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	config.Set(config.DefaultConfig())
	if err := storage.Setup(config.Get()); err != nil {
		t.Fatalf("setup storage error: %s", err)
	}
	if err := band.Setup(config.Get()); err != nil {
		t.Fatalf("setup band error: %s", err)
	}

	gwBackend := mock.NewBackend()
	gateway.SetBackend("eu868", gwBackend)

	return gwBackend
}

func seedClassCDevice(t *testing.T, devEUI lorawan.EUI64) {
	t.Helper()
	ctx := context.Background()

	dp := storage.DeviceProfile{
		ID:             "test-dp-c",
		MACVersion:     "1.0.3",
		RFRegion:       "EU868",
		SupportsClassC: true,
	}
	if err := storage.CreateDeviceProfile(ctx, dp); err != nil {
		t.Fatalf("create device-profile error: %s", err)
	}

	d := storage.Device{
		DevEUI:          devEUI,
		DeviceProfileID: dp.ID,
		Mode:            storage.DeviceModeC,
	}
	if err := storage.CreateDevice(ctx, &d); err != nil {
		t.Fatalf("create device error: %s", err)
	}

	ds := storage.DeviceSession{
		DevEUI:          devEUI,
		DevAddr:         lorawan.DevAddr{1, 2, 3, 4},
		DeviceProfileID: dp.ID,
		MACVersion:      "1.0.3",
		NFCntDown:       5,
		RX2DR:           0,
		RX2Frequency:    869525000,
		FNwkSIntKey:     lorawan.AES128Key{1},
		SNwkSIntKey:     lorawan.AES128Key{1},
		NwkSEncKey:      lorawan.AES128Key{1},
		AppSKeyEnvelope: &storage.KeyEnvelope{
			AESKey: make([]byte, 16),
		},
	}
	if err := storage.SaveDeviceSession(ctx, ds); err != nil {
		t.Fatalf("save device-session error: %s", err)
	}

	err := storage.SaveDeviceGatewayRXInfoSet(ctx, storage.DeviceGatewayRXInfoSet{
		DevEUI: devEUI,
		DR:     0,
		Items: []storage.DeviceGatewayRXInfo{
			{
				GatewayID: lorawan.EUI64{8, 8, 8, 8, 8, 8, 8, 8},
				RSSI:      -60,
				LoRaSNR:   5,
				Context:   []byte{1, 2, 3, 4},
			},
		},
	})
	if err != nil {
		t.Fatalf("save gateway rx-info set error: %s", err)
	}
}

func TestScheduleClassCDownlink(t *testing.T) {
	gwBackend := setupTest(t)
	ctx := context.Background()

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	seedClassCDevice(t, devEUI)

	qi := storage.DeviceQueueItem{
		DevEUI:     devEUI,
		FRMPayload: []byte{5, 4, 3, 2, 1},
		FCnt:       5,
		FPort:      10,
	}
	if err := storage.CreateDeviceQueueItem(ctx, &qi); err != nil {
		t.Fatalf("create device-queue item error: %s", err)
	}
	if err := storage.AddDeviceToScheduler(ctx, devEUI, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("add device to scheduler error: %s", err)
	}

	if err := schedulePass(ctx); err != nil {
		t.Fatalf("schedule pass error: %s", err)
	}

	var frame gw.DownlinkFrame
	select {
	case frame = <-gwBackend.DownlinkFrameChan:
	default:
		t.Fatal("expected downlink frame")
	}
	if len(frame.Items) != 1 {
		t.Fatalf("expected 1 downlink item, got %d", len(frame.Items))
	}

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(frame.Items[0].PhyPayload); err != nil {
		t.Fatalf("unmarshal phypayload error: %s", err)
	}
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		t.Fatalf("expected *lorawan.MACPayload, got %T", phy.MACPayload)
	}
	if macPL.FHDR.DevAddr != (lorawan.DevAddr{1, 2, 3, 4}) {
		t.Errorf("unexpected devaddr: %s", macPL.FHDR.DevAddr)
	}
	if macPL.FPort == nil || *macPL.FPort != 10 {
		t.Errorf("unexpected fport: %v", macPL.FPort)
	}
	if macPL.FHDR.FCnt != 5 {
		t.Errorf("unexpected fcnt: %d", macPL.FHDR.FCnt)
	}

	// the frame is stored for tx-ack correlation
	df, err := storage.GetDownlinkFrame(ctx, frame.Token)
	if err != nil {
		t.Fatalf("get downlink-frame error: %s", err)
	}
	if df.DevEUI != devEUI {
		t.Errorf("unexpected deveui: %s", df.DevEUI)
	}
	if df.DeviceQueueItemID != qi.ID {
		t.Error("expected frame to reference the served queue item")
	}
}

func TestScheduleClassARemoved(t *testing.T) {
	gwBackend := setupTest(t)
	ctx := context.Background()

	devEUI := lorawan.EUI64{2, 2, 3, 4, 5, 6, 7, 8}
	seedClassCDevice(t, devEUI)

	// demote to Class-A, the scheduler only serves Class-B/C
	d, err := storage.GetDevice(ctx, devEUI)
	if err != nil {
		t.Fatalf("get device error: %s", err)
	}
	d.Mode = storage.DeviceModeA
	if err := storage.UpdateDevice(ctx, &d); err != nil {
		t.Fatalf("update device error: %s", err)
	}

	qi := storage.DeviceQueueItem{
		DevEUI:     devEUI,
		FRMPayload: []byte{1},
		FCnt:       5,
		FPort:      10,
	}
	if err := storage.CreateDeviceQueueItem(ctx, &qi); err != nil {
		t.Fatalf("create device-queue item error: %s", err)
	}
	if err := storage.AddDeviceToScheduler(ctx, devEUI, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("add device to scheduler error: %s", err)
	}

	if err := scheduleDevice(ctx, devEUI); err != nil {
		t.Fatalf("schedule device error: %s", err)
	}

	select {
	case <-gwBackend.DownlinkFrameChan:
		t.Fatal("expected no downlink frame for class-a device")
	default:
	}

	devEUIs, err := storage.GetSchedulableDevices(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("get schedulable devices error: %s", err)
	}
	if len(devEUIs) != 0 {
		t.Errorf("expected device to be removed from the scheduler, got %v", devEUIs)
	}
}

func TestScheduleExpiredSessionRemoved(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	devEUI := lorawan.EUI64{3, 2, 3, 4, 5, 6, 7, 8}
	if err := storage.AddDeviceToScheduler(ctx, devEUI, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("add device to scheduler error: %s", err)
	}

	if err := scheduleDevice(ctx, devEUI); err != nil {
		t.Fatalf("schedule device error: %s", err)
	}

	devEUIs, err := storage.GetSchedulableDevices(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("get schedulable devices error: %s", err)
	}
	if len(devEUIs) != 0 {
		t.Errorf("expected device to be removed from the scheduler, got %v", devEUIs)
	}
}
