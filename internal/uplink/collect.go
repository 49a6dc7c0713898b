package uplink

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/helpers"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
)

const (
	collectKeyTempl = "up:collect:%s:%s"
	lockKeyTempl    = "up:lock:%s:%s"
	doneKeyTempl    = "up:done:%s:%s"
)

// collectAndCallOnce collects the given uplink-frame into the shared
// deduplication buffer. The first instance to see the fingerprint opens
// a collection window of deduplication_delay; when it elapses, callback
// is invoked exactly once with the merged frame-set. Frames arriving
// after the window closed are logged and dropped.
func collectAndCallOnce(ctx context.Context, regionConfigID string, frame gw.UplinkFrame, callback func(models.RXPacket) error) error {
	sum := md5.Sum(frame.PhyPayload)
	fingerprint := hex.EncodeToString(sum[:])

	collectKey := storage.GetRedisKey(collectKeyTempl, regionConfigID, fingerprint)
	lockKey := storage.GetRedisKey(lockKeyTempl, regionConfigID, fingerprint)
	doneKey := storage.GetRedisKey(doneKeyTempl, regionConfigID, fingerprint)

	dedupDelay := config.Get().NetworkServer.DeduplicationDelay
	dedupTTL := dedupDelay * 2
	if dedupTTL < time.Millisecond*200 {
		dedupTTL = time.Millisecond * 200
	}

	done, err := storage.RedisClient().Exists(ctx, doneKey).Result()
	if err != nil {
		return errors.Wrap(err, "get exists error")
	}
	if done == 1 {
		slog.Warn("uplink frame arrived after deduplication window, dropping", "component", "uplink", "region_id", regionConfigID, "fingerprint", fingerprint, "ctx_id", ctx.Value(logging.ContextIDKey))
		return nil
	}

	b, err := proto.Marshal(&frame)
	if err != nil {
		return errors.Wrap(err, "marshal uplink-frame error")
	}

	pipe := storage.RedisClient().TxPipeline()
	pipe.SAdd(ctx, collectKey, b)
	pipe.PExpire(ctx, collectKey, dedupTTL)
	locked := pipe.SetNX(ctx, lockKey, "lock", dedupTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	// somebody else holds the collection window, we contributed our
	// rx-info and are done
	if !locked.Val() {
		return nil
	}

	time.Sleep(dedupDelay)

	vals, err := storage.RedisClient().SMembers(ctx, collectKey).Result()
	if err != nil {
		return errors.Wrap(err, "get collect set members error")
	}

	pipe = storage.RedisClient().TxPipeline()
	pipe.Del(ctx, collectKey)
	pipe.Set(ctx, doneKey, "done", dedupTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	rxPacket, err := mergeFrames(regionConfigID, vals)
	if err != nil {
		return err
	}

	metrics.UplinkDedupCount.Observe(float64(len(rxPacket.RXInfoSet)))

	return callback(rxPacket)
}

// mergeFrames builds one RXPacket out of the collected frames of a
// single fingerprint.
func mergeFrames(regionConfigID string, vals []string) (models.RXPacket, error) {
	var rxPacket models.RXPacket

	if len(vals) == 0 {
		return rxPacket, errors.New("empty collect set")
	}

	id, err := uuid.NewV4()
	if err != nil {
		return rxPacket, errors.Wrap(err, "new uuid error")
	}
	rxPacket.ID = id
	rxPacket.RegionConfigID = regionConfigID

	region, err := band.Get(regionConfigID)
	if err != nil {
		return rxPacket, err
	}
	rxPacket.RegionCommonName = region.CommonName

	for i, val := range vals {
		var frame gw.UplinkFrame
		if err := proto.Unmarshal([]byte(val), &frame); err != nil {
			return rxPacket, errors.Wrap(err, "unmarshal uplink-frame error")
		}

		if i == 0 {
			var phy lorawan.PHYPayload
			if err := phy.UnmarshalBinary(frame.PhyPayload); err != nil {
				return rxPacket, errors.Wrap(err, "unmarshal phypayload error")
			}
			rxPacket.PHYPayload = phy
			rxPacket.TXInfo = frame.TxInfo

			dr, err := helpers.GetDataRateIndex(true, frame.TxInfo, region.Band)
			if err != nil {
				return rxPacket, errors.Wrap(err, "get data-rate index error")
			}
			rxPacket.DR = dr
		}

		if frame.RxInfo != nil {
			rxPacket.RXInfoSet = append(rxPacket.RXInfoSet, frame.RxInfo)
		}
	}

	return rxPacket, nil
}
