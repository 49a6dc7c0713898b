package relay

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
)

func setupTest(t *testing.T) {
	t.Helper()

	mr := miniredis.RunT(t)
	storage.SetRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	config.Set(config.DefaultConfig())
	if err := storage.Setup(config.Get()); err != nil {
		t.Fatalf("setup storage error: %s", err)
	}
}

func TestIsRelayFrame(t *testing.T) {
	fPortRelay := uint8(FPort)
	fPortData := uint8(10)

	tests := []struct {
		name     string
		fPort    *uint8
		expected bool
	}{
		{name: "relay fport", fPort: &fPortRelay, expected: true},
		{name: "data fport", fPort: &fPortData, expected: false},
		{name: "no fport", fPort: nil, expected: false},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			pkt := models.RXPacket{
				PHYPayload: lorawan.PHYPayload{
					MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWANR1},
					MACPayload: &lorawan.MACPayload{
						FPort: tst.fPort,
					},
				},
			}
			if got := IsRelayFrame(pkt); got != tst.expected {
				t.Errorf("expected %t, got %t", tst.expected, got)
			}
		})
	}
}

func TestHandleRelayUplink(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	relayDevEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	relayDevAddr := lorawan.DevAddr{1, 2, 3, 4}
	key := lorawan.AES128Key{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}

	ds := storage.DeviceSession{
		DevEUI:      relayDevEUI,
		DevAddr:     relayDevAddr,
		MACVersion:  "1.0.3",
		FNwkSIntKey: key,
		SNwkSIntKey: key,
		NwkSEncKey:  key,
		FCntUp:      0,
	}
	if err := storage.SaveDeviceSession(ctx, ds); err != nil {
		t.Fatalf("save device-session error: %s", err)
	}

	// forwarded end-device frame
	fwdPHY := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.JoinRequestPayload{
			JoinEUI:  lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
			DevEUI:   lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2},
			DevNonce: 1,
		},
	}
	fwdB, err := fwdPHY.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal forwarded phypayload error: %s", err)
	}

	// meta prefix: DR 2, SNR 7, RSSI -60, 868.3 MHz
	fwdFreq := uint32(868300000)
	f := fwdFreq / 100
	raw := append([]byte{2, 7, 60, byte(f), byte(f >> 8), byte(f >> 16)}, fwdB...)

	fPort := uint8(FPort)
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: relayDevAddr,
				FCnt:    1,
			},
			FPort:      &fPort,
			FRMPayload: []lorawan.Payload{&lorawan.DataPayload{Bytes: raw}},
		},
	}
	if err := phy.EncryptFRMPayload(key); err != nil {
		t.Fatalf("encrypt frmpayload error: %s", err)
	}
	if err := phy.SetUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, key, key); err != nil {
		t.Fatalf("set uplink mic error: %s", err)
	}

	gatewayID := lorawan.EUI64{8, 8, 8, 8, 8, 8, 8, 8}
	rxPacket := models.RXPacket{
		RegionConfigID:   "eu868",
		RegionCommonName: "EU868",
		DR:               5,
		PHYPayload:       phy,
		TXInfo: &gw.UplinkTXInfo{
			Frequency:  868100000,
			Modulation: common.Modulation_LORA,
			ModulationInfo: &gw.UplinkTXInfo_LoraModulationInfo{
				LoraModulationInfo: &gw.LoRaModulationInfo{
					Bandwidth:       125,
					SpreadingFactor: 7,
					CodeRate:        "4/5",
				},
			},
		},
		RXInfoSet: []*gw.UplinkRXInfo{
			{
				GatewayId: gatewayID[:],
				Rssi:      -30,
				LoraSnr:   10,
			},
		},
	}

	var fwdPacket models.RXPacket
	var calls int
	next := func(ctx context.Context, pkt models.RXPacket) error {
		calls++
		fwdPacket = pkt
		return nil
	}

	if err := Handle(ctx, rxPacket, next); err != nil {
		t.Fatalf("handle relay uplink error: %s", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 forwarded frame, got %d", calls)
	}

	// the forwarded frame carries the reception meta-data of the relay
	if fwdPacket.DR != 2 {
		t.Errorf("expected dr 2, got %d", fwdPacket.DR)
	}
	if fwdPacket.TXInfo.Frequency != fwdFreq {
		t.Errorf("expected frequency %d, got %d", fwdFreq, fwdPacket.TXInfo.Frequency)
	}
	if fwdPacket.RXInfoSet[0].LoraSnr != 7 {
		t.Errorf("expected snr 7, got %f", fwdPacket.RXInfoSet[0].LoraSnr)
	}
	if fwdPacket.RXInfoSet[0].Rssi != -60 {
		t.Errorf("expected rssi -60, got %d", fwdPacket.RXInfoSet[0].Rssi)
	}
	if fwdPacket.PHYPayload.MHDR.MType != lorawan.JoinRequest {
		t.Errorf("unexpected forwarded mtype: %s", fwdPacket.PHYPayload.MHDR.MType)
	}
	jrPL, ok := fwdPacket.PHYPayload.MACPayload.(*lorawan.JoinRequestPayload)
	if !ok {
		t.Fatalf("expected join-request payload, got %T", fwdPacket.PHYPayload.MACPayload)
	}
	if jrPL.DevEUI != (lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}) {
		t.Errorf("unexpected forwarded deveui: %s", jrPL.DevEUI)
	}

	// the relay session frame-counter follows the wrapping uplink
	dsOut, err := storage.GetDeviceSession(ctx, relayDevEUI)
	if err != nil {
		t.Fatalf("get device-session error: %s", err)
	}
	if dsOut.FCntUp != 1 {
		t.Errorf("expected fcntup 1, got %d", dsOut.FCntUp)
	}
}

func TestHandleRelayPayloadTooShort(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	relayDevAddr := lorawan.DevAddr{2, 2, 3, 4}
	key := lorawan.AES128Key{2}

	ds := storage.DeviceSession{
		DevEUI:      lorawan.EUI64{2, 2, 3, 4, 5, 6, 7, 8},
		DevAddr:     relayDevAddr,
		MACVersion:  "1.0.3",
		FNwkSIntKey: key,
		SNwkSIntKey: key,
		NwkSEncKey:  key,
	}
	if err := storage.SaveDeviceSession(ctx, ds); err != nil {
		t.Fatalf("save device-session error: %s", err)
	}

	fPort := uint8(FPort)
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: relayDevAddr,
				FCnt:    1,
			},
			FPort:      &fPort,
			FRMPayload: []lorawan.Payload{&lorawan.DataPayload{Bytes: []byte{1, 2, 3}}},
		},
	}
	if err := phy.EncryptFRMPayload(key); err != nil {
		t.Fatalf("encrypt frmpayload error: %s", err)
	}
	if err := phy.SetUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, key, key); err != nil {
		t.Fatalf("set uplink mic error: %s", err)
	}

	next := func(ctx context.Context, pkt models.RXPacket) error {
		t.Error("expected no forwarded frame")
		return nil
	}

	err := Handle(ctx, models.RXPacket{PHYPayload: phy, DR: 0}, next)
	if err == nil {
		t.Error("expected error for truncated relay payload")
	}
}
