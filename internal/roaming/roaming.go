// Package roaming holds the configured roaming agreements and the
// Backend Interfaces clients towards the roaming partners.
package roaming

import (
	"encoding/hex"
	"sync"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loracore/loracore/internal/config"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

// ErrNoAgreement is returned when no roaming agreement exists for the
// requested NetID.
var ErrNoAgreement = errors.New("no roaming agreement for netid")

type agreement struct {
	netID                  lorawan.NetID
	passiveRoaming         bool
	passiveRoamingLifetime time.Duration
	passiveRoamingKEKLabel string
	checkMIC               bool
	server                 string
	client                 backend.Client
}

var (
	mu sync.RWMutex

	netID                    lorawan.NetID
	resolveNetIDDomainSuffix string
	agreements               []agreement
	keks                     map[string][]byte
	enabled                  bool
)

// Setup configures the roaming agreements from the given configuration.
func Setup(conf config.Config) error {
	mu.Lock()
	defer mu.Unlock()

	netID = conf.NetworkServer.NetID
	resolveNetIDDomainSuffix = conf.Roaming.ResolveNetIDDomainSuffix
	agreements = nil
	enabled = false

	keks = make(map[string][]byte)
	for _, k := range conf.JoinServer.KEK.Set {
		kek, err := hex.DecodeString(k.KEK)
		if err != nil {
			return errors.Wrap(err, "decode kek error")
		}
		keks[k.Label] = kek
	}

	for _, server := range conf.Roaming.Servers {
		client, err := backend.NewClient(backend.ClientConfig{
			Logger:       logrus.StandardLogger(),
			SenderID:     netID.String(),
			ReceiverID:   server.NetID.String(),
			Server:       server.Server,
			CACert:       server.CACert,
			TLSCert:      server.TLSCert,
			TLSKey:       server.TLSKey,
			AsyncTimeout: server.AsyncTimeout,
			RedisClient:  asyncRedisClient(conf, server.Async),
		})
		if err != nil {
			return errors.Wrapf(err, "new backend client error for netid %s", server.NetID)
		}

		agreements = append(agreements, agreement{
			netID:                  server.NetID,
			passiveRoaming:         server.PassiveRoaming,
			passiveRoamingLifetime: server.PassiveRoamingLifetime,
			passiveRoamingKEKLabel: server.PassiveRoamingKEKLabel,
			server:                 server.Server,
			client:                 client,
		})
		enabled = true
	}

	return nil
}

// asyncRedisClient returns a go-redis v8 client for the async answer
// subscription of the backend client, which has not moved to v9 yet.
func asyncRedisClient(conf config.Config, async bool) redisv8.UniversalClient {
	if !async {
		return nil
	}
	return redisv8.NewUniversalClient(&redisv8.UniversalOptions{
		Addrs:    conf.Redis.Servers,
		Password: conf.Redis.Password,
		DB:       conf.Redis.Database,
	})
}

// IsRoamingEnabled returns if any roaming agreement is configured.
func IsRoamingEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// IsRoamingDevAddr returns if the given DevAddr is from a foreign
// network. DevAddrs matching our own NetID prefix, and test-range
// addresses (NetID 000000 / 000001), are considered local.
func IsRoamingDevAddr(devAddr lorawan.DevAddr) bool {
	if devAddr.IsNetID(netID) {
		return false
	}
	for _, testNetID := range []lorawan.NetID{{0, 0, 0}, {0, 0, 1}} {
		if devAddr.IsNetID(testNetID) {
			return false
		}
	}
	return true
}

// GetClientForNetID returns the Backend Interfaces client for the given
// NetID.
func GetClientForNetID(clientNetID lorawan.NetID) (backend.Client, error) {
	mu.RLock()
	defer mu.RUnlock()

	for _, a := range agreements {
		if a.netID == clientNetID {
			return a.client, nil
		}
	}

	return nil, ErrNoAgreement
}

// GetPassiveRoamingLifetime returns the passive-roaming session lifetime
// agreed with the given NetID.
func GetPassiveRoamingLifetime(clientNetID lorawan.NetID) time.Duration {
	mu.RLock()
	defer mu.RUnlock()

	for _, a := range agreements {
		if a.netID == clientNetID {
			return a.passiveRoamingLifetime
		}
	}
	return 0
}

// GetPassiveRoamingKEKLabel returns the KEK label agreed with the NetID.
func GetPassiveRoamingKEKLabel(clientNetID lorawan.NetID) string {
	mu.RLock()
	defer mu.RUnlock()

	for _, a := range agreements {
		if a.netID == clientNetID {
			return a.passiveRoamingKEKLabel
		}
	}
	return ""
}

// GetKEKKey returns the key-encryption key for the given label.
func GetKEKKey(label string) ([]byte, error) {
	mu.RLock()
	defer mu.RUnlock()

	kek, ok := keks[label]
	if !ok {
		return nil, errors.Errorf("unknown kek label %s", label)
	}
	return kek, nil
}

// GetNetIDsForDevAddr returns the NetIDs of the roaming agreements whose
// prefix matches the given DevAddr.
func GetNetIDsForDevAddr(devAddr lorawan.DevAddr) []lorawan.NetID {
	mu.RLock()
	defer mu.RUnlock()

	var out []lorawan.NetID
	for _, a := range agreements {
		if devAddr.IsNetID(a.netID) && a.passiveRoaming {
			out = append(out, a.netID)
		}
	}
	return out
}

// SetClientForNetID overrides the client for a NetID, used by the
// test-suite.
func SetClientForNetID(clientNetID lorawan.NetID, c backend.Client, lifetime time.Duration) {
	mu.Lock()
	defer mu.Unlock()

	for i := range agreements {
		if agreements[i].netID == clientNetID {
			agreements[i].client = c
			return
		}
	}
	agreements = append(agreements, agreement{
		netID:                  clientNetID,
		client:                 c,
		passiveRoaming:         true,
		passiveRoamingLifetime: lifetime,
	})
	enabled = true
}
