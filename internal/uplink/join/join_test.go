package join

import (
	"context"
	"testing"
	"time"

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

func setupTest(t *testing.T) (*miniredis.Miniredis, *mock.Backend) {
	t.Helper()

	mr := miniredis.RunT(t)
	storage.SetRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	conf := config.DefaultConfig()
	conf.NetworkServer.NetID = lorawan.NetID{1, 2, 3}
	config.Set(conf)

	if err := storage.Setup(conf); err != nil {
		t.Fatalf("setup storage error: %s", err)
	}
	if err := band.Setup(conf); err != nil {
		t.Fatalf("setup band error: %s", err)
	}

	gwBackend := mock.NewBackend()
	gateway.SetBackend("eu868", gwBackend)

	return mr, gwBackend
}

func seedOTAADevice(t *testing.T, devEUI lorawan.EUI64, nwkKey lorawan.AES128Key) {
	t.Helper()
	ctx := context.Background()

	dp := storage.DeviceProfile{
		ID:           "test-dp",
		MACVersion:   "1.0.3",
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

	dk := storage.DeviceKeys{
		DevEUI:    devEUI,
		NwkKey:    nwkKey,
		JoinNonce: 65536,
	}
	if err := storage.CreateDeviceKeys(ctx, &dk); err != nil {
		t.Fatalf("create device-keys error: %s", err)
	}
}

func joinRequestPacket(t *testing.T, joinEUI, devEUI lorawan.EUI64, devNonce lorawan.DevNonce, nwkKey lorawan.AES128Key) models.RXPacket {
	t.Helper()

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinRequest,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.JoinRequestPayload{
			JoinEUI:  joinEUI,
			DevEUI:   devEUI,
			DevNonce: devNonce,
		},
	}
	if err := phy.SetUplinkJoinMIC(nwkKey); err != nil {
		t.Fatalf("set join-request mic error: %s", err)
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

func TestHandleLocalJoin(t *testing.T) {
	mr, gwBackend := setupTest(t)
	ctx := context.Background()

	devEUI := lorawan.EUI64{2, 2, 3, 4, 5, 6, 7, 8}
	joinEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	nwkKey := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8}
	seedOTAADevice(t, devEUI, nwkKey)

	rxPacket := joinRequestPacket(t, joinEUI, devEUI, 258, nwkKey)
	if err := Handle(ctx, rxPacket); err != nil {
		t.Fatalf("handle join-request error: %s", err)
	}

	ds, err := storage.GetDeviceSession(ctx, devEUI)
	if err != nil {
		t.Fatalf("get device-session error: %s", err)
	}

	// known 1.0 derivation vectors for this nwkkey / joinnonce 65536 /
	// devnonce 258 / netid 010203
	expNwkSKey := lorawan.AES128Key{223, 83, 195, 95, 48, 52, 204, 206, 208, 255, 53, 76, 112, 222, 4, 223}
	expAppSKey := []byte{146, 123, 156, 145, 17, 131, 207, 254, 76, 178, 255, 75, 117, 84, 95, 109}

	if ds.FNwkSIntKey != expNwkSKey {
		t.Errorf("unexpected fnwksintkey: %s", ds.FNwkSIntKey)
	}
	if ds.SNwkSIntKey != expNwkSKey || ds.NwkSEncKey != expNwkSKey {
		t.Error("expected single nwkskey for all roles on 1.0")
	}
	if ds.AppSKeyEnvelope == nil {
		t.Fatal("expected appskey envelope")
	}
	if string(ds.AppSKeyEnvelope.AESKey) != string(expAppSKey) {
		t.Errorf("unexpected appskey: %v", ds.AppSKeyEnvelope.AESKey)
	}
	if ds.MACVersion != "1.0.3" {
		t.Errorf("unexpected mac-version: %s", ds.MACVersion)
	}
	if ds.NbTrans != 1 {
		t.Errorf("unexpected nbtrans: %d", ds.NbTrans)
	}

	// join-accept scheduled in both join receive windows
	var frame gw.DownlinkFrame
	select {
	case frame = <-gwBackend.DownlinkFrameChan:
	default:
		t.Fatal("expected downlink frame")
	}
	if len(frame.Items) != 2 {
		t.Fatalf("expected 2 downlink items, got %d", len(frame.Items))
	}

	var jaPHY lorawan.PHYPayload
	if err := jaPHY.UnmarshalBinary(frame.Items[0].PhyPayload); err != nil {
		t.Fatalf("unmarshal join-accept error: %s", err)
	}
	if err := jaPHY.DecryptJoinAcceptPayload(nwkKey); err != nil {
		t.Fatalf("decrypt join-accept error: %s", err)
	}
	jaPL, ok := jaPHY.MACPayload.(*lorawan.JoinAcceptPayload)
	if !ok {
		t.Fatalf("expected join-accept payload, got %T", jaPHY.MACPayload)
	}
	if jaPL.JoinNonce != 65536 {
		t.Errorf("unexpected joinnonce: %d", jaPL.JoinNonce)
	}
	if jaPL.DevAddr != ds.DevAddr {
		t.Errorf("join-accept devaddr %s does not match session devaddr %s", jaPL.DevAddr, ds.DevAddr)
	}
	if jaPL.HomeNetID != (lorawan.NetID{1, 2, 3}) {
		t.Errorf("unexpected home netid: %s", jaPL.HomeNetID)
	}

	// nonces consumed
	dk, err := storage.GetDeviceKeys(ctx, devEUI)
	if err != nil {
		t.Fatalf("get device-keys error: %s", err)
	}
	if dk.JoinNonce != 65537 {
		t.Errorf("expected joinnonce incremented to 65537, got %d", dk.JoinNonce)
	}
	if len(dk.DevNonces) != 1 || dk.DevNonces[0] != 258 {
		t.Errorf("unexpected devnonces: %v", dk.DevNonces)
	}

	// a replayed devnonce is rejected once the join lock expired
	mr.FastForward(time.Minute)
	if err := Handle(ctx, rxPacket); err == nil {
		t.Error("expected error for replayed devnonce")
	}
}

func TestHandleExternalJoin(t *testing.T) {
	_, gwBackend := setupTest(t)
	ctx := context.Background()

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	joinEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	nwkKey := lorawan.AES128Key{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

	// device without local root keys, the join-server holds them
	dp := storage.DeviceProfile{
		ID:           "test-dp-ext",
		MACVersion:   "1.0.3",
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

	nwkSKey := []byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	appSKey := []byte{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8}

	jsClient := test.NewBackendClient()
	jsClient.JoinAns = backend.JoinAnsPayload{
		BasePayloadResult: backend.BasePayloadResult{
			Result: backend.Result{ResultCode: backend.Success},
		},
		PHYPayload: backend.HEXBytes{1, 2, 3, 4},
		NwkSKey:    &backend.KeyEnvelope{AESKey: nwkSKey},
		AppSKey:    &backend.KeyEnvelope{AESKey: appSKey},
	}
	joinserver.SetClientForJoinEUI(joinEUI, jsClient)

	rxPacket := joinRequestPacket(t, joinEUI, devEUI, 1, nwkKey)
	if err := Handle(ctx, rxPacket); err != nil {
		t.Fatalf("handle join-request error: %s", err)
	}

	var req backend.JoinReqPayload
	select {
	case req = <-jsClient.JoinReqChan:
	default:
		t.Fatal("expected join-request towards join-server")
	}
	if req.DevEUI != devEUI {
		t.Errorf("unexpected deveui: %s", req.DevEUI)
	}
	if req.MACVersion != "1.0.3" {
		t.Errorf("unexpected mac-version: %s", req.MACVersion)
	}
	if req.DLSettings.OptNeg {
		t.Error("expected no optneg for 1.0")
	}

	ds, err := storage.GetDeviceSession(ctx, devEUI)
	if err != nil {
		t.Fatalf("get device-session error: %s", err)
	}
	if ds.FNwkSIntKey != (lorawan.AES128Key{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}) {
		t.Errorf("unexpected fnwksintkey: %s", ds.FNwkSIntKey)
	}
	if ds.AppSKeyEnvelope == nil || string(ds.AppSKeyEnvelope.AESKey) != string(appSKey) {
		t.Error("unexpected appskey envelope")
	}
	if ds.RX2Frequency != 869525000 {
		t.Errorf("unexpected rx2 frequency: %d", ds.RX2Frequency)
	}

	// the join-accept built by the join-server is emitted as-is
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
}

func TestHandleJoinUnknownDevice(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	nwkKey := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8}
	rxPacket := joinRequestPacket(t, lorawan.EUI64{}, lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}, 1, nwkKey)

	// unknown devices are dropped without error
	if err := Handle(ctx, rxPacket); err != nil {
		t.Fatalf("expected nil for unknown device, got: %s", err)
	}
}

func TestHandleJoinDisabledDevice(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	devEUI := lorawan.EUI64{3, 3, 3, 3, 3, 3, 3, 3}
	nwkKey := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8}
	seedOTAADevice(t, devEUI, nwkKey)

	d, err := storage.GetDevice(ctx, devEUI)
	if err != nil {
		t.Fatalf("get device error: %s", err)
	}
	d.IsDisabled = true
	if err := storage.UpdateDevice(ctx, &d); err != nil {
		t.Fatalf("update device error: %s", err)
	}

	rxPacket := joinRequestPacket(t, lorawan.EUI64{}, devEUI, 258, nwkKey)
	if err := Handle(ctx, rxPacket); err != nil {
		t.Fatalf("expected nil for disabled device, got: %s", err)
	}
	if _, err := storage.GetDeviceSession(ctx, devEUI); err == nil {
		t.Error("expected no device-session for disabled device")
	}
}
