// Package mock provides an in-memory frame-bus backend for the
// test-suite.
package mock

import (
	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// Backend is a channel-backed frame-bus backend.
type Backend struct {
	uplinkFrameChan   chan gw.UplinkFrame
	gatewayStatsChan  chan gw.GatewayStats
	downlinkTXAckChan chan gw.DownlinkTXAck

	// DownlinkFrameChan receives the frames passed to SendDownlinkFrame.
	DownlinkFrameChan chan gw.DownlinkFrame
}

// NewBackend returns a new mock backend.
func NewBackend() *Backend {
	return &Backend{
		uplinkFrameChan:   make(chan gw.UplinkFrame, 100),
		gatewayStatsChan:  make(chan gw.GatewayStats, 100),
		downlinkTXAckChan: make(chan gw.DownlinkTXAck, 100),
		DownlinkFrameChan: make(chan gw.DownlinkFrame, 100),
	}
}

// SendDownlinkFrame implements the Gateway interface.
func (b *Backend) SendDownlinkFrame(frame gw.DownlinkFrame) error {
	b.DownlinkFrameChan <- frame
	return nil
}

// UplinkFrameChan implements the Gateway interface.
func (b *Backend) UplinkFrameChan() chan gw.UplinkFrame {
	return b.uplinkFrameChan
}

// GatewayStatsChan implements the Gateway interface.
func (b *Backend) GatewayStatsChan() chan gw.GatewayStats {
	return b.gatewayStatsChan
}

// DownlinkTXAckChan implements the Gateway interface.
func (b *Backend) DownlinkTXAckChan() chan gw.DownlinkTXAck {
	return b.downlinkTXAckChan
}

// Close implements the Gateway interface.
func (b *Backend) Close() error {
	close(b.uplinkFrameChan)
	close(b.gatewayStatsChan)
	close(b.downlinkTXAckChan)
	close(b.DownlinkFrameChan)
	return nil
}
