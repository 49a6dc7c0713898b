// Package gateway provides the gateway frame-bus: the transport through
// which uplink frames, gateway stats and tx acknowledgements enter the
// server and downlink frames leave it. One backend is created per
// configured region.
package gateway

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/backend/gateway/mqtt"
	"github.com/loracore/loracore/internal/config"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// Gateway is the interface of a gateway frame-bus backend.
type Gateway interface {
	// SendDownlinkFrame ships a downlink-frame to the gateway named in it.
	SendDownlinkFrame(gw.DownlinkFrame) error

	// UplinkFrameChan returns the channel of received uplink frames.
	UplinkFrameChan() chan gw.UplinkFrame

	// GatewayStatsChan returns the channel of received gateway stats.
	GatewayStatsChan() chan gw.GatewayStats

	// DownlinkTXAckChan returns the channel of received tx
	// acknowledgements.
	DownlinkTXAckChan() chan gw.DownlinkTXAck

	// Close closes the backend.
	Close() error
}

var (
	mu       sync.RWMutex
	backends map[string]Gateway
)

// Setup creates a frame-bus backend for every configured region.
func Setup(conf config.Config) error {
	mu.Lock()
	defer mu.Unlock()

	backends = make(map[string]Gateway)

	for _, region := range conf.Regions {
		b, err := mqtt.NewBackend(region)
		if err != nil {
			return errors.Wrap(err, "new mqtt backend error")
		}
		backends[region.ID] = b
	}

	return nil
}

// GetBackend returns the frame-bus backend for the given region.
func GetBackend(regionID string) (Gateway, error) {
	mu.RLock()
	defer mu.RUnlock()

	b, ok := backends[regionID]
	if !ok {
		return nil, errors.Errorf("no gateway backend for region %s", regionID)
	}
	return b, nil
}

// Backends returns the frame-bus backends keyed by region id.
func Backends() map[string]Gateway {
	mu.RLock()
	defer mu.RUnlock()

	out := make(map[string]Gateway, len(backends))
	for k, v := range backends {
		out[k] = v
	}
	return out
}

// SetBackend overrides the backend for a region, used by the test-suite.
func SetBackend(regionID string, g Gateway) {
	mu.Lock()
	defer mu.Unlock()

	if backends == nil {
		backends = make(map[string]Gateway)
	}
	backends[regionID] = g
}
