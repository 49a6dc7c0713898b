// Package mock provides an in-memory integration for the test-suite.
package mock

import (
	"context"

	pb "github.com/brocaar/chirpstack-api/go/v3/as/integration"
)

// Integration collects published events on channels.
type Integration struct {
	SendUplinkEventChan      chan pb.UplinkEvent
	SendJoinEventChan        chan pb.JoinEvent
	SendAckEventChan         chan pb.AckEvent
	SendTxAckEventChan       chan pb.TxAckEvent
	SendErrorEventChan         chan pb.ErrorEvent
	SendStatusEventChan      chan pb.StatusEvent
	SendLocationEventChan    chan pb.LocationEvent
	SendIntegrationEventChan chan pb.IntegrationEvent
}

// New returns a new mock integration.
func New() *Integration {
	return &Integration{
		SendUplinkEventChan:      make(chan pb.UplinkEvent, 100),
		SendJoinEventChan:        make(chan pb.JoinEvent, 100),
		SendAckEventChan:         make(chan pb.AckEvent, 100),
		SendTxAckEventChan:       make(chan pb.TxAckEvent, 100),
		SendErrorEventChan:         make(chan pb.ErrorEvent, 100),
		SendStatusEventChan:      make(chan pb.StatusEvent, 100),
		SendLocationEventChan:    make(chan pb.LocationEvent, 100),
		SendIntegrationEventChan: make(chan pb.IntegrationEvent, 100),
	}
}

// SendUplinkEvent implements the Integration interface.
func (i *Integration) SendUplinkEvent(ctx context.Context, pl pb.UplinkEvent) error {
	i.SendUplinkEventChan <- pl
	return nil
}

// SendJoinEvent implements the Integration interface.
func (i *Integration) SendJoinEvent(ctx context.Context, pl pb.JoinEvent) error {
	i.SendJoinEventChan <- pl
	return nil
}

// SendAckEvent implements the Integration interface.
func (i *Integration) SendAckEvent(ctx context.Context, pl pb.AckEvent) error {
	i.SendAckEventChan <- pl
	return nil
}

// SendTxAckEvent implements the Integration interface.
func (i *Integration) SendTxAckEvent(ctx context.Context, pl pb.TxAckEvent) error {
	i.SendTxAckEventChan <- pl
	return nil
}

// SendErrorEvent implements the Integration interface.
func (i *Integration) SendErrorEvent(ctx context.Context, pl pb.ErrorEvent) error {
	i.SendErrorEventChan <- pl
	return nil
}

// SendStatusEvent implements the Integration interface.
func (i *Integration) SendStatusEvent(ctx context.Context, pl pb.StatusEvent) error {
	i.SendStatusEventChan <- pl
	return nil
}

// SendLocationEvent implements the Integration interface.
func (i *Integration) SendLocationEvent(ctx context.Context, pl pb.LocationEvent) error {
	i.SendLocationEventChan <- pl
	return nil
}

// SendIntegrationEvent implements the Integration interface.
func (i *Integration) SendIntegrationEvent(ctx context.Context, pl pb.IntegrationEvent) error {
	i.SendIntegrationEventChan <- pl
	return nil
}

// Close implements the Integration interface.
func (i *Integration) Close() error {
	return nil
}
