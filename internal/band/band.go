// Package band holds the per-region band configurations. Each configured
// region wraps a lorawan/band Band together with the network settings that
// override the band defaults.
package band

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/config"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// Region holds the band and derived settings for one configured region.
type Region struct {
	ID         string
	CommonName string
	Band       loraband.Band

	RX2Frequency    int
	RX2DR           int
	RX1Delay        int
	RX1DROffset     int
	DownlinkTXPower int
}

var (
	mu      sync.RWMutex
	regions map[string]*Region
)

// Setup configures the region registry from the given configuration.
func Setup(conf config.Config) error {
	mu.Lock()
	defer mu.Unlock()

	regions = make(map[string]*Region)

	for _, rc := range conf.Regions {
		b, err := loraband.GetConfig(loraband.Name(rc.CommonName), rc.RepeaterCompatible, lorawan.DwellTimeNoLimit)
		if err != nil {
			return errors.Wrap(err, "get band config error")
		}

		defaults := b.GetDefaults()

		r := Region{
			ID:              rc.ID,
			CommonName:      rc.CommonName,
			Band:            b,
			RX2Frequency:    int(defaults.RX2Frequency),
			RX2DR:           defaults.RX2DataRate,
			RX1Delay:        conf.NetworkServer.NetworkSettings.RX1Delay,
			RX1DROffset:     conf.NetworkServer.NetworkSettings.RX1DROffset,
			DownlinkTXPower: conf.NetworkServer.NetworkSettings.DownlinkTXPower,
		}

		if f := conf.NetworkServer.NetworkSettings.RX2Frequency; f > 0 {
			r.RX2Frequency = f
		}
		if dr := conf.NetworkServer.NetworkSettings.RX2DR; dr >= 0 {
			r.RX2DR = dr
		}

		regions[rc.ID] = &r

		slog.Info("region configured", "component", "band", "region_id", rc.ID, "common_name", rc.CommonName)
	}

	return nil
}

// Get returns the region for the given id.
func Get(regionID string) (*Region, error) {
	mu.RLock()
	defer mu.RUnlock()

	r, ok := regions[regionID]
	if !ok {
		return nil, errors.Errorf("region %s does not exist", regionID)
	}
	return r, nil
}

// GetByCommonName returns the first region matching the given band
// common-name. Roaming peers address us by RFRegion, not by region id.
func GetByCommonName(commonName string) (*Region, error) {
	mu.RLock()
	defer mu.RUnlock()

	for _, r := range regions {
		if r.CommonName == commonName {
			return r, nil
		}
	}
	return nil, errors.Errorf("no region for common-name %s", commonName)
}

// IDs returns the ids of all configured regions.
func IDs() []string {
	mu.RLock()
	defer mu.RUnlock()

	var out []string
	for id := range regions {
		out = append(out, id)
	}
	return out
}
