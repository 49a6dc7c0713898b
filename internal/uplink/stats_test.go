package uplink

import (
	"context"
	"testing"
	"time"

	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
)

func TestHandleGatewayStats(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	gatewayID := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	stats := gw.GatewayStats{
		GatewayId:           gatewayID[:],
		RxPacketsReceived:   10,
		RxPacketsReceivedOk: 8,
		TxPacketsReceived:   3,
		TxPacketsEmitted:    2,
	}

	before := time.Now()
	if err := handleGatewayStats(ctx, "eu868", stats); err != nil {
		t.Fatalf("handle gateway stats error: %s", err)
	}

	meta, err := storage.GetGatewayMeta(ctx, gatewayID)
	if err != nil {
		t.Fatalf("get gateway meta-data error: %s", err)
	}
	if meta.GatewayID != gatewayID {
		t.Errorf("unexpected gateway id: %s", meta.GatewayID)
	}
	if meta.RegionConfigID != "eu868" {
		t.Errorf("unexpected region: %s", meta.RegionConfigID)
	}
	if meta.LastSeenAt.Before(before) {
		t.Errorf("unexpected last-seen: %s", meta.LastSeenAt)
	}
	if meta.RXPacketsReceived != 10 || meta.RXPacketsReceivedOK != 8 {
		t.Errorf("unexpected rx counters: %+v", meta)
	}
	if meta.TXPacketsReceived != 3 || meta.TXPacketsEmitted != 2 {
		t.Errorf("unexpected tx counters: %+v", meta)
	}

	// a later report replaces the record
	stats.RxPacketsReceived = 15
	if err := handleGatewayStats(ctx, "eu868", stats); err != nil {
		t.Fatalf("handle gateway stats error: %s", err)
	}
	meta, err = storage.GetGatewayMeta(ctx, gatewayID)
	if err != nil {
		t.Fatalf("get gateway meta-data error: %s", err)
	}
	if meta.RXPacketsReceived != 15 {
		t.Errorf("expected rx-received 15, got %d", meta.RXPacketsReceived)
	}
}

func TestGetGatewayMetaUnknown(t *testing.T) {
	setupTest(t)

	_, err := storage.GetGatewayMeta(context.Background(), lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1})
	if err != storage.ErrDoesNotExist {
		t.Fatalf("expected ErrDoesNotExist, got %v", err)
	}
}
