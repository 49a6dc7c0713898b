package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/logging"
	"github.com/brocaar/lorawan"
)

const (
	deviceKeyTempl        = "device:%s:meta"
	deviceProfileKeyTempl = "dp:%s"
	schedulerDevicesKey   = "scheduler:devices"
)

// DeviceMode holds the LoRaWAN device class.
type DeviceMode string

// Available device modes.
const (
	DeviceModeA DeviceMode = "A"
	DeviceModeB DeviceMode = "B"
	DeviceModeC DeviceMode = "C"
)

// Device holds the provisioned device record.
type Device struct {
	DevEUI            lorawan.EUI64
	DeviceProfileID   string
	ServiceProfileID  string
	RoutingProfileID  string
	SkipFCntCheck     bool
	ReferenceAltitude float64
	Mode              DeviceMode
	IsDisabled        bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastSeenAt        *time.Time

	// Last reported device-status.
	Battery *uint8
	Margin  *int8
}

// DeviceProfile holds the capability and boot-parameter profile shared by
// a group of devices.
type DeviceProfile struct {
	ID                 string
	MACVersion         string
	RegParamsRevision  string
	SupportsJoin       bool
	SupportsClassB     bool
	SupportsClassC     bool
	ClassBTimeout      int
	ClassCTimeout      int
	PingSlotPeriod     int
	PingSlotDR         int
	PingSlotFreq       int
	RXDelay1           int
	RXDROffset1        int
	RXDataRate2        int
	RXFreq2            int
	FactoryPresetFreqs []int
	MaxEIRP            int
	MaxDutyCycle       int
	RFRegion           string
	Supports32BitFCnt  bool
	ADRAlgorithmID     string

	// Codec used to decode application payloads into structured events.
	PayloadCodec         string
	PayloadDecoderScript string
	PayloadEncoderScript string
}

// CreateDevice creates the given device.
func CreateDevice(ctx context.Context, d *Device) error {
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	key := GetRedisKey(deviceKeyTempl, d.DevEUI)
	set, err := RedisClient().SetNX(ctx, key, buf.Bytes(), 0).Result()
	if err != nil {
		return errors.Wrap(err, "set error")
	}
	if !set {
		return ErrAlreadyExists
	}

	slog.Info("device created", "component", "storage", "dev_eui", d.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetDevice returns the device matching the given DevEUI.
func GetDevice(ctx context.Context, devEUI lorawan.EUI64) (Device, error) {
	val, err := RedisClient().Get(ctx, GetRedisKey(deviceKeyTempl, devEUI)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Device{}, ErrDoesNotExist
		}
		return Device{}, errors.Wrap(err, "get error")
	}

	var d Device
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&d); err != nil {
		return Device{}, errors.Wrap(err, "gob decode error")
	}
	return d, nil
}

// UpdateDevice updates the given device.
func UpdateDevice(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	key := GetRedisKey(deviceKeyTempl, d.DevEUI)
	err := RedisClient().SetXX(ctx, key, buf.Bytes(), redis.KeepTTL).Err()
	if err != nil {
		if err == redis.Nil {
			return ErrDoesNotExist
		}
		return errors.Wrap(err, "set error")
	}

	slog.Info("device updated", "component", "storage", "dev_eui", d.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// DeleteDevice deletes the device matching the given DevEUI, together
// with its session state and scheduler membership.
func DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error {
	val, err := RedisClient().Del(ctx, GetRedisKey(deviceKeyTempl, devEUI)).Result()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}

	if err := RemoveDeviceFromScheduler(ctx, devEUI); err != nil {
		return err
	}

	slog.Info("device deleted", "component", "storage", "dev_eui", devEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// CreateDeviceProfile creates the given device-profile.
func CreateDeviceProfile(ctx context.Context, dp DeviceProfile) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dp); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	set, err := RedisClient().SetNX(ctx, GetRedisKey(deviceProfileKeyTempl, dp.ID), buf.Bytes(), 0).Result()
	if err != nil {
		return errors.Wrap(err, "set error")
	}
	if !set {
		return ErrAlreadyExists
	}

	slog.Info("device-profile created", "component", "storage", "device_profile_id", dp.ID, "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetDeviceProfile returns the device-profile matching the given id.
func GetDeviceProfile(ctx context.Context, id string) (DeviceProfile, error) {
	val, err := RedisClient().Get(ctx, GetRedisKey(deviceProfileKeyTempl, id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return DeviceProfile{}, ErrDoesNotExist
		}
		return DeviceProfile{}, errors.Wrap(err, "get error")
	}

	var dp DeviceProfile
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&dp); err != nil {
		return DeviceProfile{}, errors.Wrap(err, "gob decode error")
	}
	return dp, nil
}

// UpdateDeviceProfile updates the given device-profile.
func UpdateDeviceProfile(ctx context.Context, dp DeviceProfile) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dp); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	err := RedisClient().SetXX(ctx, GetRedisKey(deviceProfileKeyTempl, dp.ID), buf.Bytes(), redis.KeepTTL).Err()
	if err != nil {
		if err == redis.Nil {
			return ErrDoesNotExist
		}
		return errors.Wrap(err, "set error")
	}
	return nil
}

// DeleteDeviceProfile deletes the device-profile matching the given id.
func DeleteDeviceProfile(ctx context.Context, id string) error {
	val, err := RedisClient().Del(ctx, GetRedisKey(deviceProfileKeyTempl, id)).Result()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}
	return nil
}

// AddDeviceToScheduler adds the device to the Class-B/C scheduler set,
// scored by the time at which it becomes eligible for a scheduling pass.
func AddDeviceToScheduler(ctx context.Context, devEUI lorawan.EUI64, dueAt time.Time) error {
	err := RedisClient().ZAdd(ctx, GetRedisKey(schedulerDevicesKey), redis.Z{
		Score:  float64(dueAt.UnixNano()),
		Member: devEUI[:],
	}).Err()
	if err != nil {
		return errors.Wrap(err, "zadd error")
	}
	return nil
}

// RemoveDeviceFromScheduler removes the device from the scheduler set.
func RemoveDeviceFromScheduler(ctx context.Context, devEUI lorawan.EUI64) error {
	err := RedisClient().ZRem(ctx, GetRedisKey(schedulerDevicesKey), devEUI[:]).Err()
	if err != nil {
		return errors.Wrap(err, "zrem error")
	}
	return nil
}

// GetSchedulableDevices returns up to count devices from the scheduler
// set that are due at or before now. The returned devices are re-scored
// into the future so that concurrent scheduler passes don't pick them up
// again before the current pass completes.
func GetSchedulableDevices(ctx context.Context, count int, reschedule time.Duration) ([]lorawan.EUI64, error) {
	key := GetRedisKey(schedulerDevicesKey)
	now := time.Now()

	vals, err := RedisClient().ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   floatToScore(now),
		Count: int64(count),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "zrangebyscore error")
	}

	var out []lorawan.EUI64
	for _, v := range vals {
		member := []byte(v)

		err = RedisClient().ZAdd(ctx, key, redis.Z{
			Score:  float64(now.Add(reschedule).UnixNano()),
			Member: member,
		}).Err()
		if err != nil {
			return nil, errors.Wrap(err, "zadd error")
		}

		var devEUI lorawan.EUI64
		copy(devEUI[:], member)
		out = append(out, devEUI)
	}

	return out, nil
}
