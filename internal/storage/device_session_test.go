package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/config"
	"github.com/brocaar/lorawan"
)

func setupTestStorage(t *testing.T) {
	t.Helper()

	mr := miniredis.RunT(t)
	SetRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	conf := config.DefaultConfig()
	if err := Setup(conf); err != nil {
		t.Fatalf("setup storage error: %s", err)
	}
}

func TestAppendUplinkHistory(t *testing.T) {
	var s DeviceSession

	// retransmissions must be skipped
	for i := 0; i < 3; i++ {
		s.AppendUplinkHistory(UplinkHistory{FCnt: 10})
	}
	if len(s.UplinkHistory) != 1 {
		t.Fatalf("expected 1 history item, got %d", len(s.UplinkHistory))
	}

	// the history is capped at 20 items
	for i := uint32(0); i < 25; i++ {
		s.AppendUplinkHistory(UplinkHistory{FCnt: 11 + i})
	}
	if len(s.UplinkHistory) != 20 {
		t.Fatalf("expected 20 history items, got %d", len(s.UplinkHistory))
	}
	if s.UplinkHistory[19].FCnt != 35 {
		t.Errorf("expected last fCnt 35, got %d", s.UplinkHistory[19].FCnt)
	}
}

func TestGetPacketLossPercentage(t *testing.T) {
	var s DeviceSession

	// a partially filled window must not report loss
	for i := uint32(0); i < 10; i++ {
		s.AppendUplinkHistory(UplinkHistory{FCnt: i * 2})
	}
	if pl := s.GetPacketLossPercentage(); pl != 0 {
		t.Errorf("expected 0%% for partial window, got %f", pl)
	}

	s.UplinkHistory = nil
	for i := uint32(0); i < 20; i++ {
		s.AppendUplinkHistory(UplinkHistory{FCnt: i})
	}
	if pl := s.GetPacketLossPercentage(); pl != 0 {
		t.Errorf("expected 0%%, got %f", pl)
	}

	// every second frame lost
	s.UplinkHistory = nil
	for i := uint32(0); i < 20; i++ {
		s.AppendUplinkHistory(UplinkHistory{FCnt: i * 2})
	}
	if pl := s.GetPacketLossPercentage(); pl != 95 {
		t.Errorf("expected 95%%, got %f", pl)
	}
}

func TestValidateAndGetFullFCntUp(t *testing.T) {
	tests := []struct {
		name         string
		sessionFCnt  uint32
		uplinkFCnt   uint32
		expectedFCnt uint32
		expectedOK   bool
	}{
		{"next expected", 10, 10, 10, true},
		{"within gap", 10, 100, 100, true},
		{"lsb wrap", 65535, 0, 65536, true},
		{"32 bit carry", 65536, 1, 65537, true},
		{"replayed", 10, 9, 0, false},
		{"gap too big", 0, 16384, 0, false},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			fCnt, ok := ValidateAndGetFullFCntUp(DeviceSession{FCntUp: tst.sessionFCnt}, tst.uplinkFCnt, 16384)
			if ok != tst.expectedOK {
				t.Fatalf("expected ok %t, got %t", tst.expectedOK, ok)
			}
			if fCnt != tst.expectedFCnt {
				t.Errorf("expected fCnt %d, got %d", tst.expectedFCnt, fCnt)
			}
		})
	}
}

func TestDeviceSessionStore(t *testing.T) {
	setupTestStorage(t)
	ctx := context.Background()

	s := DeviceSession{
		MACVersion: "1.0.3",
		DevAddr:    lorawan.DevAddr{1, 2, 3, 4},
		DevEUI:     lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1},
		FCntUp:     8,
	}

	if _, err := GetDeviceSession(ctx, s.DevEUI); err != ErrDoesNotExist {
		t.Fatalf("expected ErrDoesNotExist, got %v", err)
	}

	if err := SaveDeviceSession(ctx, s); err != nil {
		t.Fatalf("save device-session error: %s", err)
	}

	s2, err := GetDeviceSession(ctx, s.DevEUI)
	if err != nil {
		t.Fatalf("get device-session error: %s", err)
	}
	if s2.DevAddr != s.DevAddr || s2.FCntUp != s.FCntUp {
		t.Errorf("unexpected device-session: %+v", s2)
	}

	sessions, err := GetDeviceSessionsForDevAddr(ctx, s.DevAddr)
	if err != nil {
		t.Fatalf("get sessions for devaddr error: %s", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}

	if err := DeleteDeviceSession(ctx, s.DevEUI); err != nil {
		t.Fatalf("delete device-session error: %s", err)
	}
	if err := DeleteDeviceSession(ctx, s.DevEUI); err != ErrDoesNotExist {
		t.Fatalf("expected ErrDoesNotExist, got %v", err)
	}
}

func TestDeviceSessionStorePendingMACCommands(t *testing.T) {
	setupTestStorage(t)
	ctx := context.Background()

	s := DeviceSession{
		MACVersion: "1.0.3",
		DevAddr:    lorawan.DevAddr{4, 3, 2, 1},
		DevEUI:     lorawan.EUI64{3, 3, 3, 3, 3, 3, 3, 3},
	}
	s.SetPendingMACCommandBlock(MACCommandBlock{
		CID: lorawan.LinkADRReq,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.LinkADRReq,
				Payload: &lorawan.LinkADRReqPayload{
					DataRate: 5,
					TXPower:  2,
					ChMask:   lorawan.ChMask{true, true, true},
					Redundancy: lorawan.Redundancy{
						NbRep: 2,
					},
				},
			},
		},
	})
	// a payload-less command must survive the round-trip too
	s.SetPendingMACCommandBlock(MACCommandBlock{
		CID:         lorawan.DevStatusReq,
		MACCommands: []lorawan.MACCommand{{CID: lorawan.DevStatusReq}},
	})

	if err := SaveDeviceSession(ctx, s); err != nil {
		t.Fatalf("save device-session error: %s", err)
	}

	s2, err := GetDeviceSession(ctx, s.DevEUI)
	if err != nil {
		t.Fatalf("get device-session error: %s", err)
	}
	if len(s2.PendingMACCommands) != 2 {
		t.Fatalf("expected 2 pending blocks, got %d", len(s2.PendingMACCommands))
	}

	block := s2.GetPendingMACCommandBlock(lorawan.LinkADRReq)
	if block == nil || len(block.MACCommands) != 1 {
		t.Fatalf("unexpected pending link-adr block: %+v", block)
	}
	pl, ok := block.MACCommands[0].Payload.(*lorawan.LinkADRReqPayload)
	if !ok {
		t.Fatalf("expected *lorawan.LinkADRReqPayload, got %T", block.MACCommands[0].Payload)
	}
	if pl.DataRate != 5 || pl.TXPower != 2 || pl.Redundancy.NbRep != 2 {
		t.Errorf("unexpected payload: %+v", pl)
	}
	if !pl.ChMask[0] || !pl.ChMask[1] || !pl.ChMask[2] || pl.ChMask[3] {
		t.Errorf("unexpected chmask: %v", pl.ChMask)
	}

	if block := s2.GetPendingMACCommandBlock(lorawan.DevStatusReq); block == nil {
		t.Error("expected pending dev-status block")
	}
}

func TestGetDeviceSessionForPHYPayload(t *testing.T) {
	setupTestStorage(t)
	ctx := context.Background()

	devAddr := lorawan.DevAddr{1, 2, 3, 4}
	fNwkSIntKey := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8}

	// two devices share the same DevAddr, only the MIC disambiguates
	sessions := []DeviceSession{
		{
			MACVersion:  "1.0.3",
			DevAddr:     devAddr,
			DevEUI:      lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1},
			FNwkSIntKey: fNwkSIntKey,
			SNwkSIntKey: fNwkSIntKey,
			FCntUp:      100,
		},
		{
			MACVersion:  "1.0.3",
			DevAddr:     devAddr,
			DevEUI:      lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2},
			FNwkSIntKey: lorawan.AES128Key{2, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8},
			SNwkSIntKey: lorawan.AES128Key{2, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8},
			FCntUp:      100,
		},
	}
	for _, s := range sessions {
		if err := SaveDeviceSession(ctx, s); err != nil {
			t.Fatalf("save device-session error: %s", err)
		}
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.UnconfirmedDataUp,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: devAddr,
				FCnt:    101,
			},
		},
	}
	if err := phy.SetUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, fNwkSIntKey, fNwkSIntKey); err != nil {
		t.Fatalf("set mic error: %s", err)
	}

	s, err := GetDeviceSessionForPHYPayload(ctx, phy, 16384, 0, 0)
	if err != nil {
		t.Fatalf("get device-session for phypayload error: %s", err)
	}
	if s.DevEUI != sessions[0].DevEUI {
		t.Errorf("expected dev_eui %s, got %s", sessions[0].DevEUI, s.DevEUI)
	}

	// the full 32 bit frame-counter must have been restored in the frame
	macPL := phy.MACPayload.(*lorawan.MACPayload)
	if macPL.FHDR.FCnt != 101 {
		t.Errorf("expected full fCnt 101, got %d", macPL.FHDR.FCnt)
	}

	// an invalid MIC must not resolve
	phy.MIC = lorawan.MIC{0xde, 0xad, 0xbe, 0xef}
	if _, err := GetDeviceSessionForPHYPayload(ctx, phy, 16384, 0, 0); err != ErrDoesNotExistOrFCntOrMICInvalid {
		t.Fatalf("expected ErrDoesNotExistOrFCntOrMICInvalid, got %v", err)
	}
}

func TestGetRandomDevAddr(t *testing.T) {
	netID := lorawan.NetID{0x00, 0x00, 0x0d}

	for i := 0; i < 10; i++ {
		devAddr, err := GetRandomDevAddr(netID)
		if err != nil {
			t.Fatalf("get random devaddr error: %s", err)
		}
		if !devAddr.IsNetID(netID) {
			t.Errorf("devaddr %s does not match netid %s", devAddr, netID)
		}
	}
}

func TestDeviceGatewayRXInfoSet(t *testing.T) {
	setupTestStorage(t)
	ctx := context.Background()

	rxInfoSet := DeviceGatewayRXInfoSet{
		DevEUI: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		DR:     3,
		Items: []DeviceGatewayRXInfo{
			{
				GatewayID: lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
				RSSI:      -60,
				LoRaSNR:   5.5,
				Context:   []byte{1, 2, 3},
			},
		},
	}

	if err := SaveDeviceGatewayRXInfoSet(ctx, rxInfoSet); err != nil {
		t.Fatalf("save rx-info set error: %s", err)
	}

	out, err := GetDeviceGatewayRXInfoSet(ctx, rxInfoSet.DevEUI)
	if err != nil {
		t.Fatalf("get rx-info set error: %s", err)
	}
	if len(out.Items) != 1 || out.Items[0].RSSI != -60 {
		t.Errorf("unexpected rx-info set: %+v", out)
	}

	sets, err := GetDeviceGatewayRXInfoSetForDevEUIs(ctx, []lorawan.EUI64{
		rxInfoSet.DevEUI,
		{9, 9, 9, 9, 9, 9, 9, 9}, // no snapshot stored
	})
	if err != nil {
		t.Fatalf("get rx-info sets error: %s", err)
	}
	if len(sets) != 1 {
		t.Fatalf("expected 1 rx-info set, got %d", len(sets))
	}
}
