package rejoin

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/backend/gateway"
	"github.com/loracore/loracore/internal/backend/gateway/mock"
	"github.com/loracore/loracore/internal/backend/joinserver"
	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	"github.com/loracore/loracore/internal/test"
	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
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

func rejoinPacket(t *testing.T, devEUI lorawan.EUI64, rjCount0 uint16, sNwkSIntKey lorawan.AES128Key) models.RXPacket {
	t.Helper()

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.RejoinRequest,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.RejoinRequestType02Payload{
			RejoinType: lorawan.RejoinRequestType0,
			NetID:      lorawan.NetID{1, 2, 3},
			DevEUI:     devEUI,
			RJCount0:   rjCount0,
		},
	}
	if err := phy.SetUplinkJoinMIC(sNwkSIntKey); err != nil {
		t.Fatalf("set rejoin-request mic error: %s", err)
	}

	gatewayID := lorawan.EUI64{8, 8, 8, 8, 8, 8, 8, 8}
	return models.RXPacket{
		RegionConfigID: "eu868",
		DR:             0,
		PHYPayload:     phy,
		TXInfo: &gw.UplinkTXInfo{
			Frequency:  868100000,
			Modulation: common.Modulation_LORA,
			ModulationInfo: &gw.UplinkTXInfo_LoraModulationInfo{
				LoraModulationInfo: &gw.LoRaModulationInfo{
					Bandwidth:       125,
					SpreadingFactor: 12,
					CodeRate:        "4/5",
				},
			},
		},
		RXInfoSet: []*gw.UplinkRXInfo{
			{
				GatewayId: gatewayID[:],
				Rssi:      -60,
				LoraSnr:   5,
				Context:   []byte{1, 2, 3, 4},
			},
		},
	}
}

func TestHandleRejoin02(t *testing.T) {
	gwBackend := setupTest(t)
	ctx := context.Background()

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	joinEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	sNwkSIntKey := lorawan.AES128Key{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}

	dp := storage.DeviceProfile{
		ID:           "test-dp",
		MACVersion:   "1.1.0",
		SupportsJoin: true,
	}
	if err := storage.CreateDeviceProfile(ctx, dp); err != nil {
		t.Fatalf("create device-profile error: %s", err)
	}
	d := storage.Device{
		DevEUI:          devEUI,
		DeviceProfileID: dp.ID,
	}
	if err := storage.CreateDevice(ctx, &d); err != nil {
		t.Fatalf("create device error: %s", err)
	}

	ds := storage.DeviceSession{
		DevEUI:               devEUI,
		DevAddr:              lorawan.DevAddr{1, 2, 3, 4},
		JoinEUI:              joinEUI,
		DeviceProfileID:      dp.ID,
		MACVersion:           "1.1.0",
		SNwkSIntKey:          sNwkSIntKey,
		RejoinRequestEnabled: true,
		RejoinCount0:         5,
	}
	if err := storage.SaveDeviceSession(ctx, ds); err != nil {
		t.Fatalf("save device-session error: %s", err)
	}

	jsClient := test.NewBackendClient()
	jsClient.RejoinAns = backend.RejoinAnsPayload{
		BasePayloadResult: backend.BasePayloadResult{
			Result: backend.Result{ResultCode: backend.Success},
		},
		PHYPayload:  backend.HEXBytes{1, 2, 3, 4},
		SNwkSIntKey: &backend.KeyEnvelope{AESKey: []byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}},
		FNwkSIntKey: &backend.KeyEnvelope{AESKey: []byte{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3}},
		NwkSEncKey:  &backend.KeyEnvelope{AESKey: []byte{4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4}},
	}
	joinserver.SetClientForJoinEUI(joinEUI, jsClient)

	if err := Handle(ctx, rejoinPacket(t, devEUI, 5, sNwkSIntKey)); err != nil {
		t.Fatalf("handle rejoin-request error: %s", err)
	}

	var req backend.RejoinReqPayload
	select {
	case req = <-jsClient.RejoinReqChan:
	default:
		t.Fatal("expected rejoin-request towards join-server")
	}
	if req.DevEUI != devEUI {
		t.Errorf("unexpected deveui: %s", req.DevEUI)
	}
	if req.MACVersion != "1.1.0" {
		t.Errorf("unexpected mac-version: %s", req.MACVersion)
	}
	if !req.DLSettings.OptNeg {
		t.Error("expected optneg dl-settings")
	}

	// the new session stays pending next to the active one
	dsOut, err := storage.GetDeviceSession(ctx, devEUI)
	if err != nil {
		t.Fatalf("get device-session error: %s", err)
	}
	if dsOut.RejoinCount0 != 6 {
		t.Errorf("expected rjcount0 6, got %d", dsOut.RejoinCount0)
	}
	if dsOut.DevAddr != ds.DevAddr {
		t.Error("expected active devaddr to be unchanged")
	}
	if dsOut.PendingRejoinDeviceSession == nil {
		t.Fatal("expected pending rejoin session")
	}
	pending := dsOut.PendingRejoinDeviceSession
	if pending.SNwkSIntKey != (lorawan.AES128Key{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}) {
		t.Errorf("unexpected pending snwksintkey: %s", pending.SNwkSIntKey)
	}
	if pending.DevAddr == ds.DevAddr {
		t.Error("expected a new devaddr for the pending session")
	}

	// join-accept built by the join-server is emitted as-is
	select {
	case frame := <-gwBackend.DownlinkFrameChan:
		if len(frame.Items) != 2 {
			t.Fatalf("expected 2 downlink items, got %d", len(frame.Items))
		}
		if string(frame.Items[0].PhyPayload) != string([]byte{1, 2, 3, 4}) {
			t.Errorf("unexpected phypayload: %v", frame.Items[0].PhyPayload)
		}
	default:
		t.Fatal("expected downlink frame")
	}

	// a replayed rjcount0 is rejected
	if err := Handle(ctx, rejoinPacket(t, devEUI, 5, sNwkSIntKey)); err == nil {
		t.Error("expected error for replayed rjcount0")
	}
}

func TestHandleRejoinDisabled(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	devEUI := lorawan.EUI64{2, 2, 3, 4, 5, 6, 7, 8}
	sNwkSIntKey := lorawan.AES128Key{1}

	ds := storage.DeviceSession{
		DevEUI:      devEUI,
		DevAddr:     lorawan.DevAddr{1, 2, 3, 4},
		MACVersion:  "1.1.0",
		SNwkSIntKey: sNwkSIntKey,
	}
	if err := storage.SaveDeviceSession(ctx, ds); err != nil {
		t.Fatalf("save device-session error: %s", err)
	}

	if err := Handle(ctx, rejoinPacket(t, devEUI, 0, sNwkSIntKey)); err == nil {
		t.Error("expected error, rejoin-request is disabled for the device")
	}
}

func TestHandleRejoinType1Dropped(t *testing.T) {
	setupTest(t)

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.RejoinRequest,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.RejoinRequestType1Payload{
			RejoinType: lorawan.RejoinRequestType1,
			JoinEUI:    lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
			DevEUI:     lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			RJCount1:   1,
		},
	}

	err := Handle(context.Background(), models.RXPacket{PHYPayload: phy})
	if err != nil {
		t.Fatalf("expected type 1 to be dropped without error, got: %s", err)
	}
}
