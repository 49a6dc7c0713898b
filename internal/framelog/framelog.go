// Package framelog writes raw uplink and downlink frames to per-gateway
// and per-device redis streams, so that operators can follow the live
// traffic of a single gateway or device.
package framelog

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
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
)

const (
	gatewayFrameKeyTempl = "gw:%s:stream:frame"
	deviceFrameKeyTempl  = "device:%s:stream:frame"
)

// LogUplinkFrameForGateways appends the uplink frame to the stream of
// every gateway that received it.
func LogUplinkFrameForGateways(ctx context.Context, phyPayload []byte, txInfo *gw.UplinkTXInfo, rxInfoSet []*gw.UplinkRXInfo) error {
	for _, rxInfo := range rxInfoSet {
		var gatewayID lorawan.EUI64
		copy(gatewayID[:], rxInfo.GatewayId)

		frame := gw.UplinkFrame{
			PhyPayload: phyPayload,
			TxInfo:     txInfo,
			RxInfo:     rxInfo,
		}
		b, err := proto.Marshal(&frame)
		if err != nil {
			return errors.Wrap(err, "marshal uplink-frame error")
		}

		key := storage.GetRedisKey(gatewayFrameKeyTempl, gatewayID)
		if err := appendToStream(ctx, key, "up", b); err != nil {
			slog.Error("log uplink frame error", "component", "framelog",
				"gateway_id", gatewayID.String(),
				"error", err,
				"ctx_id", ctx.Value(logging.ContextIDKey))
		}
	}

	return nil
}

// LogUplinkFrameForDevice appends the uplink frame to the device stream.
func LogUplinkFrameForDevice(ctx context.Context, devEUI lorawan.EUI64, phyPayload []byte, txInfo *gw.UplinkTXInfo, rxInfoSet []*gw.UplinkRXInfo) error {
	frame := gw.UplinkFrameSet{
		PhyPayload: phyPayload,
		TxInfo:     txInfo,
		RxInfo:     rxInfoSet,
	}
	b, err := proto.Marshal(&frame)
	if err != nil {
		return errors.Wrap(err, "marshal uplink frame-set error")
	}

	key := storage.GetRedisKey(deviceFrameKeyTempl, devEUI)
	return appendToStream(ctx, key, "up", b)
}

// LogDownlinkFrameForGateway appends the downlink frame to the stream of
// the emitting gateway.
func LogDownlinkFrameForGateway(ctx context.Context, frame gw.DownlinkFrame) error {
	var gatewayID lorawan.EUI64
	copy(gatewayID[:], frame.GatewayId)

	b, err := proto.Marshal(&frame)
	if err != nil {
		return errors.Wrap(err, "marshal downlink-frame error")
	}

	key := storage.GetRedisKey(gatewayFrameKeyTempl, gatewayID)
	return appendToStream(ctx, key, "down", b)
}

// LogDownlinkFrameForDevice appends the downlink frame to the device
// stream.
func LogDownlinkFrameForDevice(ctx context.Context, devEUI lorawan.EUI64, frame gw.DownlinkFrame) error {
	b, err := proto.Marshal(&frame)
	if err != nil {
		return errors.Wrap(err, "marshal downlink-frame error")
	}

	key := storage.GetRedisKey(deviceFrameKeyTempl, devEUI)
	return appendToStream(ctx, key, "down", b)
}

func appendToStream(ctx context.Context, key, direction string, b []byte) error {
	conf := config.Get()
	maxLen := conf.NetworkServer.PerDeviceEventLogMaxLen
	if maxLen == 0 {
		return nil
	}
	ttl := conf.NetworkServer.PerDeviceEventLogTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	pipe := storage.RedisClient().TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{direction: b},
	})
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec error")
	}

	return nil
}
