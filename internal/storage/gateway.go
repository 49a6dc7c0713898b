package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/brocaar/lorawan"
)

const gatewayMetaKeyTempl = "gw:%s:meta"

// gatewayMetaTTL expires gateways that stopped reporting stats.
const gatewayMetaTTL = time.Hour * 24 * 31

// GatewayMeta holds the last reported state of a gateway.
type GatewayMeta struct {
	GatewayID           lorawan.EUI64
	RegionConfigID      string
	LastSeenAt          time.Time
	RXPacketsReceived   uint32
	RXPacketsReceivedOK uint32
	TXPacketsReceived   uint32
	TXPacketsEmitted    uint32
}

// SaveGatewayMeta saves the gateway meta-data.
func SaveGatewayMeta(ctx context.Context, meta GatewayMeta) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	key := GetRedisKey(gatewayMetaKeyTempl, meta.GatewayID)
	if err := RedisClient().Set(ctx, key, buf.Bytes(), gatewayMetaTTL).Err(); err != nil {
		return errors.Wrap(err, "set error")
	}

	slog.Debug("gateway meta-data saved", "component", "storage", "gateway_id", meta.GatewayID.String())
	return nil
}

// GetGatewayMeta returns the gateway meta-data for the given gateway id.
func GetGatewayMeta(ctx context.Context, gatewayID lorawan.EUI64) (GatewayMeta, error) {
	key := GetRedisKey(gatewayMetaKeyTempl, gatewayID)
	val, err := RedisClient().Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return GatewayMeta{}, ErrDoesNotExist
		}
		return GatewayMeta{}, errors.Wrap(err, "get error")
	}

	var meta GatewayMeta
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&meta); err != nil {
		return GatewayMeta{}, errors.Wrap(err, "gob decode error")
	}
	return meta, nil
}
