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
	prDevAddrKeyTempl = "pr:devaddr:%s"
	prDeviceKeyTempl  = "pr:dev:%s"
	prSessionKeyTempl = "pr:sess:%s"
)

// PassiveRoamingDeviceSession is the fNS-side state of a passive-roaming
// session: enough to validate (stateful agreements) and forward uplinks
// of a visiting device to its home network-server until Lifetime.
type PassiveRoamingDeviceSession struct {
	SessionID   uuid.UUID
	NetID       lorawan.NetID
	DevAddr     lorawan.DevAddr
	DevEUI      lorawan.EUI64
	LoRaWAN11   bool
	FNwkSIntKey lorawan.AES128Key
	Lifetime    time.Time
	FCntUp      uint32
	ValidateMIC bool
}

// SavePassiveRoamingDeviceSession saves the passive-roaming session. The
// session and its index entries expire at Lifetime; a session without
// remaining lifetime is not stored.
func SavePassiveRoamingDeviceSession(ctx context.Context, sess *PassiveRoamingDeviceSession) error {
	ttl := time.Until(sess.Lifetime)
	if ttl <= 0 {
		return nil
	}

	if sess.SessionID.IsNil() {
		id, err := uuid.NewV4()
		if err != nil {
			return errors.Wrap(err, "new uuid error")
		}
		sess.SessionID = id
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sess); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	devAddrKey := GetRedisKey(prDevAddrKeyTempl, sess.DevAddr)
	devKey := GetRedisKey(prDeviceKeyTempl, sess.DevEUI)
	sessKey := GetRedisKey(prSessionKeyTempl, sess.SessionID)

	pipe := RedisClient().TxPipeline()
	pipe.SAdd(ctx, devAddrKey, sess.SessionID[:])
	pipe.PExpire(ctx, devAddrKey, ttl)
	pipe.SAdd(ctx, devKey, sess.SessionID[:])
	pipe.PExpire(ctx, devKey, ttl)
	pipe.Set(ctx, sessKey, buf.Bytes(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	slog.Info("passive-roaming device-session saved", "component", "storage",
		"id", sess.SessionID,
		"dev_addr", sess.DevAddr.String(),
		"dev_eui", sess.DevEUI.String(),
		"net_id", sess.NetID.String(),
		"ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetPassiveRoamingDeviceSession returns the session for the given id.
func GetPassiveRoamingDeviceSession(ctx context.Context, id uuid.UUID) (PassiveRoamingDeviceSession, error) {
	val, err := RedisClient().Get(ctx, GetRedisKey(prSessionKeyTempl, id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return PassiveRoamingDeviceSession{}, ErrDoesNotExist
		}
		return PassiveRoamingDeviceSession{}, errors.Wrap(err, "get error")
	}

	var sess PassiveRoamingDeviceSession
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&sess); err != nil {
		return PassiveRoamingDeviceSession{}, errors.Wrap(err, "gob decode error")
	}
	return sess, nil
}

// GetPassiveRoamingDeviceSessionsForDevAddr returns the passive-roaming
// sessions matching the given DevAddr. Expired sessions drop out through
// their key TTL.
func GetPassiveRoamingDeviceSessionsForDevAddr(ctx context.Context, devAddr lorawan.DevAddr) ([]PassiveRoamingDeviceSession, error) {
	var out []PassiveRoamingDeviceSession

	ids, err := RedisClient().SMembers(ctx, GetRedisKey(prDevAddrKeyTempl, devAddr)).Result()
	if err != nil {
		if err == redis.Nil {
			return out, nil
		}
		return nil, errors.Wrap(err, "smembers error")
	}

	for _, idb := range ids {
		var id uuid.UUID
		copy(id[:], []byte(idb))

		sess, err := GetPassiveRoamingDeviceSession(ctx, id)
		if err != nil {
			if errors.Cause(err) == ErrDoesNotExist {
				continue
			}
			return nil, err
		}
		out = append(out, sess)
	}

	return out, nil
}

// GetPassiveRoamingDeviceSessionsForDevEUI returns the passive-roaming
// sessions of the given device.
func GetPassiveRoamingDeviceSessionsForDevEUI(ctx context.Context, devEUI lorawan.EUI64) ([]PassiveRoamingDeviceSession, error) {
	var out []PassiveRoamingDeviceSession

	ids, err := RedisClient().SMembers(ctx, GetRedisKey(prDeviceKeyTempl, devEUI)).Result()
	if err != nil {
		if err == redis.Nil {
			return out, nil
		}
		return nil, errors.Wrap(err, "smembers error")
	}

	for _, idb := range ids {
		var id uuid.UUID
		copy(id[:], []byte(idb))

		sess, err := GetPassiveRoamingDeviceSession(ctx, id)
		if err != nil {
			if errors.Cause(err) == ErrDoesNotExist {
				continue
			}
			return nil, err
		}
		out = append(out, sess)
	}

	return out, nil
}

// GetPassiveRoamingDeviceSessionsForPHYPayload returns the sessions for
// which the given uplink validates: the MIC must match for stateful
// agreements, and for every session the frame-counter must be acceptable.
func GetPassiveRoamingDeviceSessionsForPHYPayload(ctx context.Context, phy lorawan.PHYPayload) ([]PassiveRoamingDeviceSession, error) {
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return nil, errors.Errorf("expected *lorawan.MACPayload, got: %T", phy.MACPayload)
	}
	originalFCnt := macPL.FHDR.FCnt

	sessions, err := GetPassiveRoamingDeviceSessionsForDevAddr(ctx, macPL.FHDR.DevAddr)
	if err != nil {
		return nil, err
	}

	var out []PassiveRoamingDeviceSession
	for _, sess := range sessions {
		macPL.FHDR.FCnt = originalFCnt

		fullFCnt, ok := ValidateAndGetFullFCntUp(DeviceSession{FCntUp: sess.FCntUp}, macPL.FHDR.FCnt, 1<<16)
		if !ok {
			continue
		}
		macPL.FHDR.FCnt = fullFCnt

		if sess.ValidateMIC {
			// passive-roaming forwards only 1.0 style MIC validation,
			// the sNS validates the full 1.1 MIC itself
			micOK, err := phy.ValidateUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, sess.FNwkSIntKey, sess.FNwkSIntKey)
			if err != nil {
				return nil, errors.Wrap(err, "validate mic error")
			}
			if !micOK {
				continue
			}
		}

		out = append(out, sess)
	}

	return out, nil
}

// UpdatePassiveRoamingFCntUp persists the last seen uplink frame-counter
// of the passive-roaming session.
func UpdatePassiveRoamingFCntUp(ctx context.Context, sess PassiveRoamingDeviceSession, fCntUp uint32) error {
	sess.FCntUp = fCntUp
	return SavePassiveRoamingDeviceSession(ctx, &sess)
}

// DeletePassiveRoamingDeviceSession deletes the given session.
func DeletePassiveRoamingDeviceSession(ctx context.Context, id uuid.UUID) error {
	val, err := RedisClient().Del(ctx, GetRedisKey(prSessionKeyTempl, id)).Result()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}
	return nil
}
