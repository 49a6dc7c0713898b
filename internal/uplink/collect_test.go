package uplink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/band"
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

	conf := config.DefaultConfig()
	conf.NetworkServer.DeduplicationDelay = 100 * time.Millisecond
	config.Set(conf)

	if err := storage.Setup(conf); err != nil {
		t.Fatalf("setup storage error: %s", err)
	}
	if err := band.Setup(conf); err != nil {
		t.Fatalf("setup band error: %s", err)
	}
}

func testUplinkFrame(t *testing.T, gatewayID lorawan.EUI64) gw.UplinkFrame {
	t.Helper()

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.UnconfirmedDataUp,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: lorawan.DevAddr{1, 2, 3, 4},
				FCnt:    7,
			},
		},
	}
	phyB, err := phy.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal phypayload error: %s", err)
	}

	return gw.UplinkFrame{
		PhyPayload: phyB,
		TxInfo: &gw.UplinkTXInfo{
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
		RxInfo: &gw.UplinkRXInfo{
			GatewayId: gatewayID[:],
			Rssi:      -60,
			LoraSnr:   5,
		},
	}
}

func TestCollectAndCallOnce(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	frame1 := testUplinkFrame(t, lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1})
	frame2 := testUplinkFrame(t, lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2})

	var mu sync.Mutex
	var calls int
	var rxPacket models.RXPacket

	callback := func(pkt models.RXPacket) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		rxPacket = pkt
		return nil
	}

	// the same frame received through two gateways concurrently
	var wg sync.WaitGroup
	for _, frame := range []gw.UplinkFrame{frame1, frame2} {
		frame := frame
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := collectAndCallOnce(ctx, "eu868", frame, callback); err != nil {
				t.Errorf("collect error: %s", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected 1 callback, got %d", calls)
	}
	if len(rxPacket.RXInfoSet) != 2 {
		t.Fatalf("expected 2 rx-info items, got %d", len(rxPacket.RXInfoSet))
	}
	if rxPacket.RegionConfigID != "eu868" {
		t.Errorf("expected region eu868, got %s", rxPacket.RegionConfigID)
	}
	// SF12BW125 is DR0 in EU868
	if rxPacket.DR != 0 {
		t.Errorf("expected DR 0, got %d", rxPacket.DR)
	}

	// a late duplicate after the window closed is dropped
	if err := collectAndCallOnce(ctx, "eu868", frame1, callback); err != nil {
		t.Fatalf("collect error: %s", err)
	}
	if calls != 1 {
		t.Fatalf("expected still 1 callback, got %d", calls)
	}
}

func TestMergeFrames(t *testing.T) {
	setupTest(t)

	if _, err := mergeFrames("eu868", nil); err == nil {
		t.Error("expected error for empty collect set")
	}
}
