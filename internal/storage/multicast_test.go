package storage

import (
	"context"
	"testing"
	"time"

	"github.com/brocaar/lorawan"
)

func TestMulticastGroup(t *testing.T) {
	setupTestStorage(t)
	ctx := context.Background()

	mg := MulticastGroup{
		MCAddr:    lorawan.DevAddr{1, 2, 3, 4},
		GroupType: MulticastGroupC,
		DR:        0,
		Frequency: 869525000,
	}
	if err := CreateMulticastGroup(ctx, &mg); err != nil {
		t.Fatalf("create multicast-group error: %s", err)
	}

	out, err := GetMulticastGroup(ctx, mg.ID)
	if err != nil {
		t.Fatalf("get multicast-group error: %s", err)
	}
	if out.MCAddr != mg.MCAddr || out.GroupType != MulticastGroupC {
		t.Errorf("unexpected multicast-group: %+v", out)
	}

	devA := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	devB := lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}
	for _, d := range []lorawan.EUI64{devA, devB} {
		if err := AddDeviceToMulticastGroup(ctx, mg.ID, d); err != nil {
			t.Fatalf("add device error: %s", err)
		}
	}
	devEUIs, err := GetDevEUIsForMulticastGroup(ctx, mg.ID)
	if err != nil {
		t.Fatalf("get deveuis error: %s", err)
	}
	if len(devEUIs) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devEUIs))
	}

	if err := RemoveDeviceFromMulticastGroup(ctx, mg.ID, devB); err != nil {
		t.Fatalf("remove device error: %s", err)
	}
	if err := RemoveDeviceFromMulticastGroup(ctx, mg.ID, devB); err != ErrDoesNotExist {
		t.Fatalf("expected ErrDoesNotExist, got %v", err)
	}

	if err := DeleteMulticastGroup(ctx, mg.ID); err != nil {
		t.Fatalf("delete multicast-group error: %s", err)
	}
	if _, err := GetMulticastGroup(ctx, mg.ID); err != ErrDoesNotExist {
		t.Fatalf("expected ErrDoesNotExist, got %v", err)
	}
}

func TestMulticastFCnt(t *testing.T) {
	setupTestStorage(t)
	ctx := context.Background()

	mg := MulticastGroup{MCAddr: lorawan.DevAddr{1, 2, 3, 4}, GroupType: MulticastGroupC}
	if err := CreateMulticastGroup(ctx, &mg); err != nil {
		t.Fatalf("create multicast-group error: %s", err)
	}

	// each claim returns a distinct, incrementing counter
	for i := uint32(0); i < 5; i++ {
		fCnt, err := GetAndIncrementMulticastFCnt(ctx, mg.ID)
		if err != nil {
			t.Fatalf("increment fcnt error: %s", err)
		}
		if fCnt != i {
			t.Errorf("expected fCnt %d, got %d", i, fCnt)
		}
	}
}

func TestMulticastQueue(t *testing.T) {
	setupTestStorage(t)
	ctx := context.Background()

	mg := MulticastGroup{MCAddr: lorawan.DevAddr{1, 2, 3, 4}, GroupType: MulticastGroupC}
	if err := CreateMulticastGroup(ctx, &mg); err != nil {
		t.Fatalf("create multicast-group error: %s", err)
	}

	gw1 := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	gw2 := lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}

	now := time.Now()
	items := []MulticastQueueItem{
		{MulticastGroupID: mg.ID, GatewayID: gw1, FCnt: 1, FPort: 200, FRMPayload: []byte{9, 9, 9}, ScheduleAt: now},
		{MulticastGroupID: mg.ID, GatewayID: gw2, FCnt: 1, FPort: 200, FRMPayload: []byte{9, 9, 9}, ScheduleAt: now.Add(time.Second)},
	}
	for i := range items {
		if err := CreateMulticastQueueItem(ctx, &items[i]); err != nil {
			t.Fatalf("create queue-item error: %s", err)
		}
	}

	out, err := GetMulticastQueueItems(ctx, mg.ID)
	if err != nil {
		t.Fatalf("get queue-items error: %s", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 items, got %d", len(out))
	}

	// only the first item is due
	due, err := GetDueMulticastQueueItems(ctx, mg.ID, 10)
	if err != nil {
		t.Fatalf("get due queue-items error: %s", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due item, got %d", len(due))
	}
	if due[0].GatewayID != gw1 {
		t.Errorf("expected gateway %s, got %s", gw1, due[0].GatewayID)
	}

	// due items are removed from the queue
	out, err = GetMulticastQueueItems(ctx, mg.ID)
	if err != nil {
		t.Fatalf("get queue-items error: %s", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 remaining item, got %d", len(out))
	}

	if err := FlushMulticastQueue(ctx, mg.ID); err != nil {
		t.Fatalf("flush queue error: %s", err)
	}
}
