// Package integration publishes device events to the downstream
// consumers. Events are protocol-buffer encoded and written to a
// per-device stream (length-capped, with TTL) and to a global stream
// consumed by external integrations.
package integration

import (
	"context"

	pb "github.com/brocaar/chirpstack-api/go/v3/as/integration"
)

// Integration is the interface of a device-event publisher.
type Integration interface {
	// SendUplinkEvent publishes a decrypted application uplink.
	SendUplinkEvent(ctx context.Context, pl pb.UplinkEvent) error

	// SendJoinEvent publishes a device activation.
	SendJoinEvent(ctx context.Context, pl pb.JoinEvent) error

	// SendAckEvent publishes a device acknowledgement of a confirmed
	// downlink.
	SendAckEvent(ctx context.Context, pl pb.AckEvent) error

	// SendTxAckEvent publishes a gateway acknowledgement of a downlink
	// transmission.
	SendTxAckEvent(ctx context.Context, pl pb.TxAckEvent) error

	// SendErrorEvent publishes a device-related error.
	SendErrorEvent(ctx context.Context, pl pb.ErrorEvent) error

	// SendStatusEvent publishes a device-status (battery, margin).
	SendStatusEvent(ctx context.Context, pl pb.StatusEvent) error

	// SendLocationEvent publishes a location resolution.
	SendLocationEvent(ctx context.Context, pl pb.LocationEvent) error

	// SendIntegrationEvent publishes a pass-through integration event.
	SendIntegrationEvent(ctx context.Context, pl pb.IntegrationEvent) error

	// Close closes the integration.
	Close() error
}

var integration Integration

// Setup configures the global integration.
func Setup(i Integration) {
	integration = i
}

// ForDevice returns the configured integration.
func ForDevice() Integration {
	return integration
}
