// Package storage implements the shared-store persistence: device
// sessions, queues, pending downlink frames, gateway meta-data, multicast
// groups and passive-roaming sessions, all kept in Redis so that multiple
// server instances coordinate through the same keys.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/config"
)

// Storage errors.
var (
	ErrDoesNotExist                   = errors.New("object does not exist")
	ErrAlreadyExists                  = errors.New("object already exists")
	ErrInvalidFPort                   = errors.New("fPort must be between 1 - 224")
	ErrDoesNotExistOrFCntOrMICInvalid = errors.New("object does not exist or invalid fCnt or MIC")
)

var (
	redisClient redis.UniversalClient

	keyPrefix        string
	deviceSessionTTL time.Duration
)

// Setup configures the storage package and connects to Redis.
func Setup(conf config.Config) error {
	slog.Info("setting up storage module", "component", "storage")

	keyPrefix = conf.Redis.KeyPrefix
	deviceSessionTTL = conf.NetworkServer.DeviceSessionTTL

	if redisClient != nil {
		return nil
	}

	var tlsConfig *tls.Config

	switch {
	case conf.Redis.Cluster:
		redisClient = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     conf.Redis.Servers,
			Password:  conf.Redis.Password,
			TLSConfig: tlsConfig,
		})
	case conf.Redis.MasterName != "":
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       conf.Redis.MasterName,
			SentinelAddrs:    conf.Redis.Servers,
			SentinelPassword: conf.Redis.Password,
			DB:               conf.Redis.Database,
			Password:         conf.Redis.Password,
			TLSConfig:        tlsConfig,
		})
	default:
		redisClient = redis.NewClient(&redis.Options{
			Addr:      conf.Redis.Servers[0],
			DB:        conf.Redis.Database,
			Password:  conf.Redis.Password,
			TLSConfig: tlsConfig,
		})
	}

	return nil
}

// RedisClient returns the Redis client.
func RedisClient() redis.UniversalClient {
	return redisClient
}

// SetRedisClient overrides the Redis client, used by the test-suite to
// point the storage at a miniredis instance.
func SetRedisClient(c redis.UniversalClient) {
	redisClient = c
}

// DeviceSessionTTL returns the configured device-session TTL.
func DeviceSessionTTL() time.Duration {
	return deviceSessionTTL
}

// GetRedisKey prefixes the given key template with the configured
// key-prefix.
func GetRedisKey(tmpl string, params ...interface{}) string {
	return keyPrefix + fmt.Sprintf(tmpl, params...)
}

// floatToScore formats a timestamp as a sorted-set score bound.
func floatToScore(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixNano())
}

// LockKey acquires a distributed lock with the given ttl. It returns
// ErrAlreadyExists when the lock is held by somebody else.
func LockKey(ctx context.Context, key string, ttl time.Duration) error {
	set, err := RedisClient().SetNX(ctx, key, "lock", ttl).Result()
	if err != nil {
		return errors.Wrap(err, "acquire lock error")
	}
	if !set {
		return ErrAlreadyExists
	}
	return nil
}
