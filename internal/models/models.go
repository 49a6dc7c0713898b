// Package models holds the data structures passed between the uplink and
// downlink pipeline stages.
package models

import (
	"github.com/gofrs/uuid"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

// RXPacket is the deduplicated uplink frame-set handed to the uplink
// router: one decoded PHYPayload plus the rx meta-data of every gateway
// that received it within the deduplication window.
type RXPacket struct {
	// ID identifies this frame-set in logs and events.
	ID uuid.UUID

	// Region through which the frame was received.
	RegionConfigID   string
	RegionCommonName string

	DR         int
	PHYPayload lorawan.PHYPayload
	TXInfo     *gw.UplinkTXInfo
	RXInfoSet  []*gw.UplinkRXInfo

	// RoamingMetaData is set when the frame was forwarded by another
	// network-server (we are acting as sNS).
	RoamingMetaData *RoamingMetaData
}

// RoamingMetaData holds the Backend Interfaces meta-data of a forwarded
// uplink.
type RoamingMetaData struct {
	BasePayload backend.BasePayload
	ULMetaData  backend.ULMetaData
}

// GetGatewayIDs returns the ids of the receiving gateways.
func (r RXPacket) GetGatewayIDs() []lorawan.EUI64 {
	out := make([]lorawan.EUI64, 0, len(r.RXInfoSet))
	for _, rxInfo := range r.RXInfoSet {
		var id lorawan.EUI64
		copy(id[:], rxInfo.GatewayId)
		out = append(out, id)
	}
	return out
}
