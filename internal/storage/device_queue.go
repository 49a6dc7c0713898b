package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"log/slog"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/logging"
	"github.com/brocaar/lorawan"
)

const deviceQueueKeyTempl = "device:%s:queue"

// DeviceQueueItem is one downlink payload waiting in the device queue.
// The payload is already encrypted by the application-server; this server
// only handles the frame-counter and scheduling meta-data.
type DeviceQueueItem struct {
	ID         uuid.UUID
	DevEUI     lorawan.EUI64
	FRMPayload []byte
	FCnt       uint32
	FPort      uint8
	Confirmed  bool

	// IsPending is set when the item has been emitted as a confirmed
	// downlink and we are waiting for the device to acknowledge it.
	IsPending bool

	// EmitAtTimeSinceGPSEpoch is set for Class-B ping-slot downlinks.
	EmitAtTimeSinceGPSEpoch *time.Duration

	// TimeoutAfter is set for pending confirmed Class-B/C items; after
	// this timestamp the item is treated as nacked.
	TimeoutAfter *time.Time

	RetryAfter *time.Time
}

// Validate validates the device-queue item.
func (d DeviceQueueItem) Validate() error {
	if d.FPort == 0 || d.FPort > 224 {
		return ErrInvalidFPort
	}
	return nil
}

// CreateDeviceQueueItem appends the given item to the device queue. Items
// are ordered by FCnt.
func CreateDeviceQueueItem(ctx context.Context, qi *DeviceQueueItem) error {
	if err := qi.Validate(); err != nil {
		return err
	}

	if qi.ID.IsNil() {
		id, err := uuid.NewV4()
		if err != nil {
			return errors.Wrap(err, "new uuid error")
		}
		qi.ID = id
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(qi); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	key := GetRedisKey(deviceQueueKeyTempl, qi.DevEUI)
	pipe := RedisClient().TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(qi.FCnt),
		Member: buf.Bytes(),
	})
	pipe.PExpire(ctx, key, deviceSessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	slog.Info("device-queue item created", "component", "storage", "dev_eui", qi.DevEUI.String(), "f_cnt", qi.FCnt, "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetDeviceQueueItems returns the full device queue ordered by FCnt.
func GetDeviceQueueItems(ctx context.Context, devEUI lorawan.EUI64) ([]DeviceQueueItem, error) {
	vals, err := RedisClient().ZRange(ctx, GetRedisKey(deviceQueueKeyTempl, devEUI), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "zrange error")
	}

	var out []DeviceQueueItem
	for _, v := range vals {
		var qi DeviceQueueItem
		if err := gob.NewDecoder(bytes.NewReader([]byte(v))).Decode(&qi); err != nil {
			return nil, errors.Wrap(err, "gob decode error")
		}
		out = append(out, qi)
	}
	return out, nil
}

// GetNextDeviceQueueItem returns the first item in the device queue.
func GetNextDeviceQueueItem(ctx context.Context, devEUI lorawan.EUI64) (DeviceQueueItem, error) {
	items, err := GetDeviceQueueItems(ctx, devEUI)
	if err != nil {
		return DeviceQueueItem{}, err
	}
	if len(items) == 0 {
		return DeviceQueueItem{}, ErrDoesNotExist
	}
	return items[0], nil
}

// UpdateDeviceQueueItem updates the given item in place.
func UpdateDeviceQueueItem(ctx context.Context, qi *DeviceQueueItem) error {
	items, err := GetDeviceQueueItems(ctx, qi.DevEUI)
	if err != nil {
		return err
	}

	key := GetRedisKey(deviceQueueKeyTempl, qi.DevEUI)
	pipe := RedisClient().TxPipeline()
	found := false

	for _, item := range items {
		if item.ID == qi.ID {
			var old bytes.Buffer
			if err := gob.NewEncoder(&old).Encode(item); err != nil {
				return errors.Wrap(err, "gob encode error")
			}
			pipe.ZRem(ctx, key, old.Bytes())

			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(qi); err != nil {
				return errors.Wrap(err, "gob encode error")
			}
			pipe.ZAdd(ctx, key, redis.Z{
				Score:  float64(qi.FCnt),
				Member: buf.Bytes(),
			})
			found = true
			break
		}
	}

	if !found {
		return ErrDoesNotExist
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}
	return nil
}

// DeleteDeviceQueueItem deletes the given item from the device queue.
func DeleteDeviceQueueItem(ctx context.Context, qi DeviceQueueItem) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(qi); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	val, err := RedisClient().ZRem(ctx, GetRedisKey(deviceQueueKeyTempl, qi.DevEUI), buf.Bytes()).Result()
	if err != nil {
		return errors.Wrap(err, "zrem error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}

	slog.Info("device-queue item deleted", "component", "storage", "dev_eui", qi.DevEUI.String(), "f_cnt", qi.FCnt, "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// FlushDeviceQueue empties the device queue for the given DevEUI.
func FlushDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) error {
	err := RedisClient().Del(ctx, GetRedisKey(deviceQueueKeyTempl, devEUI)).Err()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}

	slog.Info("device-queue flushed", "component", "storage", "dev_eui", devEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetDeviceQueueItemCount returns the number of items in the device
// queue.
func GetDeviceQueueItemCount(ctx context.Context, devEUI lorawan.EUI64) (int, error) {
	count, err := RedisClient().ZCard(ctx, GetRedisKey(deviceQueueKeyTempl, devEUI)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "zcard error")
	}
	return int(count), nil
}

// GetPendingOrNextDeviceQueueItem returns either the item currently
// pending acknowledgement or the next item in the queue. Pending items
// whose TimeoutAfter has passed are returned again for re-transmission.
func GetPendingOrNextDeviceQueueItem(ctx context.Context, devEUI lorawan.EUI64) (DeviceQueueItem, error) {
	items, err := GetDeviceQueueItems(ctx, devEUI)
	if err != nil {
		return DeviceQueueItem{}, err
	}

	for _, qi := range items {
		if qi.IsPending {
			return qi, nil
		}
	}

	if len(items) == 0 {
		return DeviceQueueItem{}, ErrDoesNotExist
	}
	return items[0], nil
}
