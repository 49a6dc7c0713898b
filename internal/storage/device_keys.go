package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/logging"
	"github.com/brocaar/lorawan"
)

const deviceKeysKeyTempl = "device:%s:keys"

// DeviceKeys holds the root keys of a device activated by the built-in
// join-server. Devices activated through an external join-server have no
// DeviceKeys record.
type DeviceKeys struct {
	DevEUI lorawan.EUI64
	NwkKey lorawan.AES128Key
	AppKey lorawan.AES128Key

	// JoinNonce is incremented on every accepted join-request.
	JoinNonce int

	// DevNonces contains the already used nonces, a re-used nonce marks
	// a replayed join-request.
	DevNonces []lorawan.DevNonce
}

// ValidateDevNonce checks the given nonce against the used set and
// registers it.
func (dk *DeviceKeys) ValidateDevNonce(nonce lorawan.DevNonce) error {
	for _, n := range dk.DevNonces {
		if n == nonce {
			return ErrAlreadyExists
		}
	}
	dk.DevNonces = append(dk.DevNonces, nonce)
	return nil
}

// CreateDeviceKeys creates the given device root keys.
func CreateDeviceKeys(ctx context.Context, dk *DeviceKeys) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dk); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	set, err := RedisClient().SetNX(ctx, GetRedisKey(deviceKeysKeyTempl, dk.DevEUI), buf.Bytes(), 0).Result()
	if err != nil {
		return errors.Wrap(err, "set error")
	}
	if !set {
		return ErrAlreadyExists
	}

	slog.Info("device-keys created", "component", "storage", "dev_eui", dk.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetDeviceKeys returns the root keys for the given DevEUI.
func GetDeviceKeys(ctx context.Context, devEUI lorawan.EUI64) (DeviceKeys, error) {
	val, err := RedisClient().Get(ctx, GetRedisKey(deviceKeysKeyTempl, devEUI)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return DeviceKeys{}, ErrDoesNotExist
		}
		return DeviceKeys{}, errors.Wrap(err, "get error")
	}

	var dk DeviceKeys
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&dk); err != nil {
		return DeviceKeys{}, errors.Wrap(err, "gob decode error")
	}
	return dk, nil
}

// UpdateDeviceKeys updates the given device root keys.
func UpdateDeviceKeys(ctx context.Context, dk *DeviceKeys) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dk); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	set, err := RedisClient().SetXX(ctx, GetRedisKey(deviceKeysKeyTempl, dk.DevEUI), buf.Bytes(), redis.KeepTTL).Result()
	if err != nil {
		return errors.Wrap(err, "set error")
	}
	if !set {
		return ErrDoesNotExist
	}
	return nil
}

// DeleteDeviceKeys deletes the root keys for the given DevEUI.
func DeleteDeviceKeys(ctx context.Context, devEUI lorawan.EUI64) error {
	count, err := RedisClient().Del(ctx, GetRedisKey(deviceKeysKeyTempl, devEUI)).Result()
	if err != nil {
		return errors.Wrap(err, "del error")
	}
	if count == 0 {
		return ErrDoesNotExist
	}
	return nil
}
