// Package redisstream implements the default integration: events are
// appended to Redis streams, one per device plus one global stream.
package redisstream

import (
	"context"
	"log/slog"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/storage"
	pb "github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/lorawan"
)

const (
	deviceStreamKeyTempl = "device:%s:stream:event"
	globalStreamKey      = "device:stream:event"
)

// Integration publishes events to Redis streams.
type Integration struct {
	eventLogTTL    time.Duration
	eventLogMaxLen int64
}

// New creates the Redis streams integration.
func New(conf config.Config) *Integration {
	return &Integration{
		eventLogTTL:    conf.NetworkServer.PerDeviceEventLogTTL,
		eventLogMaxLen: conf.NetworkServer.PerDeviceEventLogMaxLen,
	}
}

// SendUplinkEvent implements the Integration interface.
func (i *Integration) SendUplinkEvent(ctx context.Context, pl pb.UplinkEvent) error {
	return i.publish(ctx, "up", devEUI(pl.DevEui), &pl)
}

// SendJoinEvent implements the Integration interface.
func (i *Integration) SendJoinEvent(ctx context.Context, pl pb.JoinEvent) error {
	return i.publish(ctx, "join", devEUI(pl.DevEui), &pl)
}

// SendAckEvent implements the Integration interface.
func (i *Integration) SendAckEvent(ctx context.Context, pl pb.AckEvent) error {
	return i.publish(ctx, "ack", devEUI(pl.DevEui), &pl)
}

// SendTxAckEvent implements the Integration interface.
func (i *Integration) SendTxAckEvent(ctx context.Context, pl pb.TxAckEvent) error {
	return i.publish(ctx, "txack", devEUI(pl.DevEui), &pl)
}

// SendErrorEvent implements the Integration interface.
func (i *Integration) SendErrorEvent(ctx context.Context, pl pb.ErrorEvent) error {
	return i.publish(ctx, "error", devEUI(pl.DevEui), &pl)
}

// SendStatusEvent implements the Integration interface.
func (i *Integration) SendStatusEvent(ctx context.Context, pl pb.StatusEvent) error {
	return i.publish(ctx, "status", devEUI(pl.DevEui), &pl)
}

// SendLocationEvent implements the Integration interface.
func (i *Integration) SendLocationEvent(ctx context.Context, pl pb.LocationEvent) error {
	return i.publish(ctx, "location", devEUI(pl.DevEui), &pl)
}

// SendIntegrationEvent implements the Integration interface.
func (i *Integration) SendIntegrationEvent(ctx context.Context, pl pb.IntegrationEvent) error {
	return i.publish(ctx, "integration", devEUI(pl.DevEui), &pl)
}

// Close implements the Integration interface.
func (i *Integration) Close() error {
	return nil
}

func (i *Integration) publish(ctx context.Context, event string, devEUI lorawan.EUI64, msg proto.Message) error {
	b, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal event error")
	}

	deviceKey := storage.GetRedisKey(deviceStreamKeyTempl, devEUI)

	pipe := storage.RedisClient().TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: deviceKey,
		MaxLen: i.eventLogMaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": event, "payload": b},
	})
	pipe.PExpire(ctx, deviceKey, i.eventLogTTL)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: storage.GetRedisKey(globalStreamKey),
		MaxLen: i.eventLogMaxLen * 1000,
		Approx: true,
		Values: map[string]interface{}{"event": event, "payload": b},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	slog.Info("event published", "component", "integration", "event", event, "dev_eui", devEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

func devEUI(b []byte) lorawan.EUI64 {
	var eui lorawan.EUI64
	copy(eui[:], b)
	return eui
}
