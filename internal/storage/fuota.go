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
	fuotaDeploymentKeyTempl = "fuota:%s"
	fuotaDeviceKeyTempl     = "fuota:dev:%s"
	schedulerFUOTAKey       = "scheduler:fuota"
)

// FUOTAJob identifies a step of the firmware-update deployment state
// machine.
type FUOTAJob string

// Deployment jobs, in execution order.
const (
	FUOTAJobCreateMcGroup    FUOTAJob = "CREATE_MC_GROUP"
	FUOTAJobAddDevices       FUOTAJob = "ADD_DEVICES"
	FUOTAJobAddGateways      FUOTAJob = "ADD_GATEWAYS"
	FUOTAJobMcGroupSetup     FUOTAJob = "MC_GROUP_SETUP"
	FUOTAJobFragSessionSetup FUOTAJob = "FRAG_SESSION_SETUP"
	FUOTAJobMcSession        FUOTAJob = "MC_SESSION"
	FUOTAJobEnqueue          FUOTAJob = "ENQUEUE"
	FUOTAJobFragStatus       FUOTAJob = "FRAG_STATUS"
	FUOTAJobComplete         FUOTAJob = "COMPLETE"
)

// FUOTADeviceState tracks the per-device setup progress of a deployment.
type FUOTADeviceState struct {
	McGroupSetup     bool
	FragSessionSetup bool
	McSession        bool

	// FragStatus is set when the device answered the final
	// FragSessionStatusReq.
	FragStatus bool

	// MissingFrag is the number of fragments the device reported
	// missing in its status answer.
	MissingFrag int
}

// FUOTADeployment is one firmware-update-over-the-air run: a payload,
// the devices it targets and the state-machine bookkeeping.
type FUOTADeployment struct {
	ID             uuid.UUID
	Name           string
	RegionConfigID string

	MulticastGroupID uuid.UUID
	McGroupID        uint8

	// McKey is the multicast root key the devices receive (encrypted)
	// in the McGroupSetupReq; the session keys derive from it.
	McKey          lorawan.AES128Key
	GroupType      MulticastGroupType
	DR             int
	Frequency      int
	PingSlotPeriod int

	Payload       []byte
	FragSize      int
	RedundancyPct int
	Descriptor    [4]byte
	BlockAckDelay uint8

	// MulticastTimeout is the session timeout exponent announced in the
	// McClassB/CSessionReq.
	MulticastTimeout uint8

	// DeviceUplinkInterval paces the setup retries: each unicast setup
	// round waits this long for the device answers.
	DeviceUplinkInterval time.Duration
	MaxRetryCount        int

	Devices map[lorawan.EUI64]*FUOTADeviceState

	Job               FUOTAJob
	AttemptCount      int
	SchedulerRunAfter time.Time
	SessionStartAt    time.Time
	ErrorMsg          string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateFUOTADeployment stores a new deployment and schedules its first
// job.
func CreateFUOTADeployment(ctx context.Context, d *FUOTADeployment) error {
	if d.ID.IsNil() {
		id, err := uuid.NewV4()
		if err != nil {
			return errors.Wrap(err, "new uuid error")
		}
		d.ID = id
	}

	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	d.Job = FUOTAJobCreateMcGroup
	d.SchedulerRunAfter = now

	// the applayer answers of the devices are routed back through this
	// index
	pipe := RedisClient().TxPipeline()
	for devEUI := range d.Devices {
		pipe.Set(ctx, GetRedisKey(fuotaDeviceKeyTempl, devEUI), d.ID[:], 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	return SaveFUOTADeployment(ctx, d)
}

// GetFUOTADeploymentForDevEUI returns the deployment the given device is
// part of.
func GetFUOTADeploymentForDevEUI(ctx context.Context, devEUI lorawan.EUI64) (FUOTADeployment, error) {
	val, err := RedisClient().Get(ctx, GetRedisKey(fuotaDeviceKeyTempl, devEUI)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return FUOTADeployment{}, ErrDoesNotExist
		}
		return FUOTADeployment{}, errors.Wrap(err, "get error")
	}

	var id uuid.UUID
	copy(id[:], val)
	return GetFUOTADeployment(ctx, id)
}

// SaveFUOTADeployment persists the deployment and (re)schedules it: a
// completed deployment leaves the scheduler set.
func SaveFUOTADeployment(ctx context.Context, d *FUOTADeployment) error {
	d.UpdatedAt = time.Now()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	pipe := RedisClient().TxPipeline()
	pipe.Set(ctx, GetRedisKey(fuotaDeploymentKeyTempl, d.ID), buf.Bytes(), 0)
	if d.Job == FUOTAJobComplete {
		pipe.ZRem(ctx, GetRedisKey(schedulerFUOTAKey), d.ID[:])
	} else {
		pipe.ZAdd(ctx, GetRedisKey(schedulerFUOTAKey), redis.Z{
			Score:  float64(d.SchedulerRunAfter.UnixNano()),
			Member: d.ID[:],
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	slog.Info("fuota deployment saved", "component", "storage",
		"id", d.ID,
		"job", string(d.Job),
		"attempt", d.AttemptCount,
		"ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetFUOTADeployment returns the deployment for the given id.
func GetFUOTADeployment(ctx context.Context, id uuid.UUID) (FUOTADeployment, error) {
	val, err := RedisClient().Get(ctx, GetRedisKey(fuotaDeploymentKeyTempl, id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return FUOTADeployment{}, ErrDoesNotExist
		}
		return FUOTADeployment{}, errors.Wrap(err, "get error")
	}

	var d FUOTADeployment
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&d); err != nil {
		return FUOTADeployment{}, errors.Wrap(err, "gob decode error")
	}
	return d, nil
}

// GetSchedulableFUOTADeployments returns up to count deployments whose
// next job is due, re-scored like the device scheduler set.
func GetSchedulableFUOTADeployments(ctx context.Context, count int, reschedule time.Duration) ([]uuid.UUID, error) {
	key := GetRedisKey(schedulerFUOTAKey)
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
		member := []byte(v)

		err = RedisClient().ZAdd(ctx, key, redis.Z{
			Score:  float64(now.Add(reschedule).UnixNano()),
			Member: member,
		}).Err()
		if err != nil {
			return nil, errors.Wrap(err, "zadd error")
		}

		var id uuid.UUID
		copy(id[:], member)
		out = append(out, id)
	}

	return out, nil
}
