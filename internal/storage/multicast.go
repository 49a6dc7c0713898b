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

const (
	multicastGroupKeyTempl        = "mc:%s"
	multicastGroupFCntKeyTempl    = "mc:%s:fcnt"
	multicastGroupDevicesKeyTempl = "mc:%s:devices"
	multicastQueueKeyTempl        = "mc:%s:queue"
	schedulerMulticastKey         = "scheduler:mc"
)

// MulticastGroupType holds the class in which a multicast group operates.
type MulticastGroupType string

// Available multicast group types.
const (
	MulticastGroupB MulticastGroupType = "B"
	MulticastGroupC MulticastGroupType = "C"
)

// MulticastClassCScheduling holds the Class-C emission scheduling type.
type MulticastClassCScheduling string

// Available Class-C scheduling types.
const (
	// MulticastSchedulingDelay staggers the emitting gateways with a
	// fixed delay between transmissions.
	MulticastSchedulingDelay MulticastClassCScheduling = "DELAY"
	// MulticastSchedulingGPSTime lets all gateways emit at the same
	// GPS-epoch timestamp.
	MulticastSchedulingGPSTime MulticastClassCScheduling = "GPS_TIME"
)

// MulticastGroup holds a multicast group: a shared downlink session
// addressed by MCAddr and transmitted through a set of gateways.
type MulticastGroup struct {
	ID                uuid.UUID
	MCAddr            lorawan.DevAddr
	MCNwkSKey         lorawan.AES128Key
	MCAppSKey         lorawan.AES128Key
	GroupType         MulticastGroupType
	ClassCScheduling  MulticastClassCScheduling
	DR                int
	Frequency         int
	PingSlotPeriod    int
	RegionConfigID    string
	ServiceProfileID  string
	RoutingProfileID  string
	GatewayIDs        []lorawan.EUI64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MulticastQueueItem is one downlink payload in a multicast queue,
// duplicated per emitting gateway.
type MulticastQueueItem struct {
	ID                      uuid.UUID
	MulticastGroupID        uuid.UUID
	GatewayID               lorawan.EUI64
	FCnt                    uint32
	FPort                   uint8
	FRMPayload              []byte
	ScheduleAt              time.Time
	EmitAtTimeSinceGPSEpoch *time.Duration
}

// Validate validates the multicast queue-item.
func (m MulticastQueueItem) Validate() error {
	if m.FPort == 0 || m.FPort > 224 {
		return ErrInvalidFPort
	}
	return nil
}

// CreateMulticastGroup creates the given multicast-group.
func CreateMulticastGroup(ctx context.Context, mg *MulticastGroup) error {
	now := time.Now()
	mg.CreatedAt = now
	mg.UpdatedAt = now

	if mg.ID.IsNil() {
		id, err := uuid.NewV4()
		if err != nil {
			return errors.Wrap(err, "new uuid error")
		}
		mg.ID = id
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(mg); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	set, err := RedisClient().SetNX(ctx, GetRedisKey(multicastGroupKeyTempl, mg.ID), buf.Bytes(), 0).Result()
	if err != nil {
		return errors.Wrap(err, "set error")
	}
	if !set {
		return ErrAlreadyExists
	}

	slog.Info("multicast-group created", "component", "storage", "multicast_group_id", mg.ID, "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetMulticastGroup returns the multicast-group matching the given id.
func GetMulticastGroup(ctx context.Context, id uuid.UUID) (MulticastGroup, error) {
	val, err := RedisClient().Get(ctx, GetRedisKey(multicastGroupKeyTempl, id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return MulticastGroup{}, ErrDoesNotExist
		}
		return MulticastGroup{}, errors.Wrap(err, "get error")
	}

	var mg MulticastGroup
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&mg); err != nil {
		return MulticastGroup{}, errors.Wrap(err, "gob decode error")
	}
	return mg, nil
}

// UpdateMulticastGroup updates the given multicast-group.
func UpdateMulticastGroup(ctx context.Context, mg *MulticastGroup) error {
	mg.UpdatedAt = time.Now()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(mg); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	err := RedisClient().SetXX(ctx, GetRedisKey(multicastGroupKeyTempl, mg.ID), buf.Bytes(), redis.KeepTTL).Err()
	if err != nil {
		if err == redis.Nil {
			return ErrDoesNotExist
		}
		return errors.Wrap(err, "set error")
	}
	return nil
}

// DeleteMulticastGroup deletes the multicast-group and its queue.
func DeleteMulticastGroup(ctx context.Context, id uuid.UUID) error {
	pipe := RedisClient().TxPipeline()
	del := pipe.Del(ctx, GetRedisKey(multicastGroupKeyTempl, id))
	pipe.Del(ctx, GetRedisKey(multicastGroupFCntKeyTempl, id))
	pipe.Del(ctx, GetRedisKey(multicastGroupDevicesKeyTempl, id))
	pipe.Del(ctx, GetRedisKey(multicastQueueKeyTempl, id))
	pipe.ZRem(ctx, GetRedisKey(schedulerMulticastKey), id[:])
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}
	if del.Val() == 0 {
		return ErrDoesNotExist
	}

	slog.Info("multicast-group deleted", "component", "storage", "multicast_group_id", id, "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// AddDeviceToMulticastGroup adds the given device to the multicast-group.
func AddDeviceToMulticastGroup(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) error {
	err := RedisClient().SAdd(ctx, GetRedisKey(multicastGroupDevicesKeyTempl, id), devEUI[:]).Err()
	if err != nil {
		return errors.Wrap(err, "sadd error")
	}
	return nil
}

// RemoveDeviceFromMulticastGroup removes the device from the group.
func RemoveDeviceFromMulticastGroup(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) error {
	val, err := RedisClient().SRem(ctx, GetRedisKey(multicastGroupDevicesKeyTempl, id), devEUI[:]).Result()
	if err != nil {
		return errors.Wrap(err, "srem error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}
	return nil
}

// GetDevEUIsForMulticastGroup returns the DevEUIs of the group members.
func GetDevEUIsForMulticastGroup(ctx context.Context, id uuid.UUID) ([]lorawan.EUI64, error) {
	vals, err := RedisClient().SMembers(ctx, GetRedisKey(multicastGroupDevicesKeyTempl, id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "smembers error")
	}

	var out []lorawan.EUI64
	for _, v := range vals {
		var devEUI lorawan.EUI64
		copy(devEUI[:], []byte(v))
		out = append(out, devEUI)
	}
	return out, nil
}

// GetAndIncrementMulticastFCnt atomically claims the next downlink
// frame-counter for the multicast-group. Concurrent enqueue operations
// each get a distinct counter value.
func GetAndIncrementMulticastFCnt(ctx context.Context, id uuid.UUID) (uint32, error) {
	val, err := RedisClient().Incr(ctx, GetRedisKey(multicastGroupFCntKeyTempl, id)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "incr error")
	}
	return uint32(val - 1), nil
}

// CreateMulticastQueueItem adds the given item to the multicast queue,
// ordered by its scheduling timestamp.
func CreateMulticastQueueItem(ctx context.Context, qi *MulticastQueueItem) error {
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

	pipe := RedisClient().TxPipeline()
	pipe.ZAdd(ctx, GetRedisKey(multicastQueueKeyTempl, qi.MulticastGroupID), redis.Z{
		Score:  float64(qi.ScheduleAt.UnixNano()),
		Member: buf.Bytes(),
	})
	pipe.ZAdd(ctx, GetRedisKey(schedulerMulticastKey), redis.Z{
		Score:  float64(qi.ScheduleAt.UnixNano()),
		Member: qi.MulticastGroupID[:],
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	slog.Info("multicast queue-item created", "component", "storage", "multicast_group_id", qi.MulticastGroupID, "gateway_id", qi.GatewayID.String(), "f_cnt", qi.FCnt, "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetMulticastQueueItems returns the queue of the given multicast-group,
// ordered by scheduling timestamp.
func GetMulticastQueueItems(ctx context.Context, id uuid.UUID) ([]MulticastQueueItem, error) {
	vals, err := RedisClient().ZRange(ctx, GetRedisKey(multicastQueueKeyTempl, id), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "zrange error")
	}

	var out []MulticastQueueItem
	for _, v := range vals {
		var qi MulticastQueueItem
		if err := gob.NewDecoder(bytes.NewReader([]byte(v))).Decode(&qi); err != nil {
			return nil, errors.Wrap(err, "gob decode error")
		}
		out = append(out, qi)
	}
	return out, nil
}

// GetDueMulticastQueueItems returns and removes the queue items that are
// due for emission.
func GetDueMulticastQueueItems(ctx context.Context, id uuid.UUID, count int) ([]MulticastQueueItem, error) {
	key := GetRedisKey(multicastQueueKeyTempl, id)

	vals, err := RedisClient().ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   floatToScore(time.Now()),
		Count: int64(count),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "zrangebyscore error")
	}

	var out []MulticastQueueItem
	for _, v := range vals {
		var qi MulticastQueueItem
		if err := gob.NewDecoder(bytes.NewReader([]byte(v))).Decode(&qi); err != nil {
			return nil, errors.Wrap(err, "gob decode error")
		}
		out = append(out, qi)

		if err := RedisClient().ZRem(ctx, key, []byte(v)).Err(); err != nil {
			return nil, errors.Wrap(err, "zrem error")
		}
	}

	return out, nil
}

// DeleteMulticastQueueItem deletes the given item from the queue.
func DeleteMulticastQueueItem(ctx context.Context, qi MulticastQueueItem) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&qi); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	val, err := RedisClient().ZRem(ctx, GetRedisKey(multicastQueueKeyTempl, qi.MulticastGroupID), buf.Bytes()).Result()
	if err != nil {
		return errors.Wrap(err, "zrem error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}
	return nil
}

// FlushMulticastQueue empties the queue of the given multicast-group.
func FlushMulticastQueue(ctx context.Context, id uuid.UUID) error {
	err := RedisClient().Del(ctx, GetRedisKey(multicastQueueKeyTempl, id)).Err()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	return nil
}

// GetSchedulableMulticastGroups returns the ids of multicast-groups with
// queue items due for emission.
func GetSchedulableMulticastGroups(ctx context.Context, count int, reschedule time.Duration) ([]uuid.UUID, error) {
	key := GetRedisKey(schedulerMulticastKey)
	now := time.Now()

	vals, err := RedisClient().ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   floatToScore(now),
		Count: int64(count),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "zrangebyscore error")
	}

	var out []uuid.UUID
	for _, v := range vals {
		var id uuid.UUID
		copy(id[:], []byte(v))
		out = append(out, id)

		err = RedisClient().ZAdd(ctx, key, redis.Z{
			Score:  float64(now.Add(reschedule).UnixNano()),
			Member: []byte(v),
		}).Err()
		if err != nil {
			return nil, errors.Wrap(err, "zadd error")
		}
	}

	return out, nil
}
