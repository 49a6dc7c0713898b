// Package adr implements the network-controlled Adaptive Data Rate
// engine. Algorithms are pluggable: a registry maps string ids to
// Handler implementations, selected per device-profile.
package adr

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// UplinkMetaData is one ADR history entry.
type UplinkMetaData struct {
	FCnt         uint32
	MaxSNR       float64
	TXPowerIndex int
	GatewayCount int
}

// HandleRequest is the input to an ADR algorithm invocation.
type HandleRequest struct {
	DevEUI             lorawan.EUI64
	MACVersion         string
	RegParamsRevision  string
	ADR                bool
	DR                 int
	TXPowerIndex       int
	NbTrans            int
	MaxTXPowerIndex    int
	MinDR              int
	MaxDR              int
	RequiredSNRForDR   float64
	InstallationMargin float64
	UplinkHistory      []UplinkMetaData
}

// HandleResponse holds the parameters the algorithm settled on.
type HandleResponse struct {
	DR           int
	TXPowerIndex int
	NbTrans      int
}

// Handler is the interface of an ADR algorithm.
type Handler interface {
	// ID returns the id of the algorithm.
	ID() string

	// Name returns a human-readable name of the algorithm.
	Name() string

	// Handle computes the new data-rate, tx-power index and NbTrans for
	// the given request.
	Handle(ctx context.Context, req HandleRequest) (HandleResponse, error)
}

var (
	mu       sync.RWMutex
	handlers map[string]Handler
)

// Setup registers the built-in algorithms.
func Setup() error {
	mu.Lock()
	defer mu.Unlock()

	handlers = make(map[string]Handler)
	for _, h := range []Handler{&DefaultHandler{}, &LRFHSSHandler{}} {
		handlers[h.ID()] = h
	}
	return nil
}

// GetHandler returns the algorithm for the given id; an empty or unknown
// id falls back to the default algorithm.
func GetHandler(id string) Handler {
	mu.RLock()
	defer mu.RUnlock()

	if h, ok := handlers[id]; ok {
		return h
	}
	return handlers["default"]
}

// GetADRAlgorithms returns the registered algorithm ids mapped to their
// names.
func GetADRAlgorithms() map[string]string {
	mu.RLock()
	defer mu.RUnlock()

	out := make(map[string]string, len(handlers))
	for id, h := range handlers {
		out[id] = h.Name()
	}
	return out
}

// Register adds an algorithm to the registry.
func Register(h Handler) error {
	mu.Lock()
	defer mu.Unlock()

	if handlers == nil {
		handlers = make(map[string]Handler)
	}
	if _, ok := handlers[h.ID()]; ok {
		return errors.Errorf("adr algorithm %s already registered", h.ID())
	}
	handlers[h.ID()] = h
	return nil
}
