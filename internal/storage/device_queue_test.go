package storage

import (
	"context"
	"testing"

	"github.com/brocaar/lorawan"
)

func TestDeviceQueue(t *testing.T) {
	setupTestStorage(t)
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	if err := CreateDeviceQueueItem(ctx, &DeviceQueueItem{DevEUI: devEUI, FPort: 0}); err != ErrInvalidFPort {
		t.Fatalf("expected ErrInvalidFPort, got %v", err)
	}
	if err := CreateDeviceQueueItem(ctx, &DeviceQueueItem{DevEUI: devEUI, FPort: 225}); err != ErrInvalidFPort {
		t.Fatalf("expected ErrInvalidFPort, got %v", err)
	}

	items := []DeviceQueueItem{
		{DevEUI: devEUI, FPort: 10, FCnt: 6, FRMPayload: []byte{4, 5, 6}},
		{DevEUI: devEUI, FPort: 10, FCnt: 5, FRMPayload: []byte{1, 2, 3}, Confirmed: true},
	}
	for i := range items {
		if err := CreateDeviceQueueItem(ctx, &items[i]); err != nil {
			t.Fatalf("create queue-item error: %s", err)
		}
	}

	// items come back ordered by FCnt
	out, err := GetDeviceQueueItems(ctx, devEUI)
	if err != nil {
		t.Fatalf("get queue-items error: %s", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 items, got %d", len(out))
	}
	if out[0].FCnt != 5 || out[1].FCnt != 6 {
		t.Errorf("unexpected ordering: %d, %d", out[0].FCnt, out[1].FCnt)
	}

	next, err := GetNextDeviceQueueItem(ctx, devEUI)
	if err != nil {
		t.Fatalf("get next queue-item error: %s", err)
	}
	if next.FCnt != 5 {
		t.Errorf("expected fCnt 5, got %d", next.FCnt)
	}

	// pending items take precedence over the queue head
	next.IsPending = true
	if err := UpdateDeviceQueueItem(ctx, &next); err != nil {
		t.Fatalf("update queue-item error: %s", err)
	}
	pending, err := GetPendingOrNextDeviceQueueItem(ctx, devEUI)
	if err != nil {
		t.Fatalf("get pending-or-next error: %s", err)
	}
	if !pending.IsPending || pending.FCnt != 5 {
		t.Errorf("unexpected pending item: %+v", pending)
	}

	if err := DeleteDeviceQueueItem(ctx, pending); err != nil {
		t.Fatalf("delete queue-item error: %s", err)
	}
	count, err := GetDeviceQueueItemCount(ctx, devEUI)
	if err != nil {
		t.Fatalf("get count error: %s", err)
	}
	if count != 1 {
		t.Errorf("expected 1 item, got %d", count)
	}

	if err := FlushDeviceQueue(ctx, devEUI); err != nil {
		t.Fatalf("flush queue error: %s", err)
	}
	if _, err := GetNextDeviceQueueItem(ctx, devEUI); err != ErrDoesNotExist {
		t.Fatalf("expected ErrDoesNotExist, got %v", err)
	}
}
