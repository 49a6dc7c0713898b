package multicast

import (
	"testing"

	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
)

func TestGetMinimumGatewaySet(t *testing.T) {
	gw1 := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	gw2 := lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}
	gw3 := lorawan.EUI64{3, 3, 3, 3, 3, 3, 3, 3}

	tests := []struct {
		name       string
		rxInfoSets []storage.DeviceGatewayRXInfoSet
		expected   []lorawan.EUI64
	}{
		{
			name:     "no snapshots",
			expected: nil,
		},
		{
			name: "single device, single gateway",
			rxInfoSets: []storage.DeviceGatewayRXInfoSet{
				{
					DevEUI: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
					Items:  []storage.DeviceGatewayRXInfo{{GatewayID: gw1}},
				},
			},
			expected: []lorawan.EUI64{gw1},
		},
		{
			name: "one gateway covers both devices",
			rxInfoSets: []storage.DeviceGatewayRXInfoSet{
				{
					DevEUI: lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1},
					Items: []storage.DeviceGatewayRXInfo{
						{GatewayID: gw1},
						{GatewayID: gw2},
					},
				},
				{
					DevEUI: lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2},
					Items: []storage.DeviceGatewayRXInfo{
						{GatewayID: gw2},
					},
				},
			},
			expected: []lorawan.EUI64{gw2},
		},
		{
			name: "disjoint coverage needs both gateways",
			rxInfoSets: []storage.DeviceGatewayRXInfoSet{
				{
					DevEUI: lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1},
					Items:  []storage.DeviceGatewayRXInfo{{GatewayID: gw1}},
				},
				{
					DevEUI: lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2},
					Items:  []storage.DeviceGatewayRXInfo{{GatewayID: gw3}},
				},
			},
			expected: []lorawan.EUI64{gw1, gw3},
		},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			out, err := GetMinimumGatewaySet(tst.rxInfoSets)
			if err != nil {
				t.Fatalf("minimum gateway-set error: %s", err)
			}
			if len(out) != len(tst.expected) {
				t.Fatalf("expected %d gateways, got %d (%v)", len(tst.expected), len(out), out)
			}

			got := make(map[lorawan.EUI64]struct{})
			for _, id := range out {
				got[id] = struct{}{}
			}
			for _, id := range tst.expected {
				if _, ok := got[id]; !ok {
					t.Errorf("expected gateway %s in set %v", id, out)
				}
			}
		})
	}
}
