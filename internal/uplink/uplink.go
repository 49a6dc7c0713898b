// Package uplink implements the uplink pipeline: frames from the
// frame-bus backends are deduplicated, classified and dispatched to the
// join, rejoin, data or relay handler.
package uplink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/loracore/loracore/internal/backend/gateway"
	"github.com/loracore/loracore/internal/downlink/ack"
	"github.com/loracore/loracore/internal/framelog"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	"github.com/loracore/loracore/internal/uplink/data"
	"github.com/loracore/loracore/internal/uplink/join"
	"github.com/loracore/loracore/internal/uplink/rejoin"
	"github.com/loracore/loracore/internal/uplink/relay"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
)

// Server consumes the frame-bus backends of all regions.
type Server struct {
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer returns a new uplink server.
func NewServer() *Server {
	return &Server{}
}

// Start starts one consumer group per region.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for regionID, backend := range gateway.Backends() {
		regionID := regionID
		backend := backend

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				for frame := range backend.UplinkFrameChan() {
					go func(frame gw.UplinkFrame) {
						if err := HandleUplinkFrame(ctx, regionID, frame); err != nil {
							slog.Error("handle uplink-frame error", "component", "uplink", "region_id", regionID, "error", err)
						}
					}(frame)
				}
				return nil
			})
			g.Go(func() error {
				for stats := range backend.GatewayStatsChan() {
					if err := handleGatewayStats(ctx, regionID, stats); err != nil {
						slog.Error("handle gateway-stats error", "component", "uplink", "region_id", regionID, "error", err)
					}
				}
				return nil
			})
			g.Go(func() error {
				for txAck := range backend.DownlinkTXAckChan() {
					if err := ack.HandleDownlinkTXAck(ctx, txAck); err != nil {
						slog.Error("handle downlink tx-ack error", "component", "uplink", "region_id", regionID, "error", err)
					}
				}
				return nil
			})
			if err := g.Wait(); err != nil {
				slog.Error("uplink consumer error", "component", "uplink", "region_id", regionID, "error", err)
			}
		}()
	}

	return nil
}

// Stop stops the consumers.
func (s *Server) Stop() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// HandleUplinkFrame feeds one received uplink-frame into the
// deduplication collector and processes the merged frame-set.
func HandleUplinkFrame(ctx context.Context, regionConfigID string, frame gw.UplinkFrame) error {
	return collectAndCallOnce(ctx, regionConfigID, frame, func(rxPacket models.RXPacket) error {
		return HandleUplinkFrameSet(ctx, rxPacket)
	})
}

// HandleUplinkFrameSet classifies a deduplicated frame-set and invokes
// the matching handler.
func HandleUplinkFrameSet(ctx context.Context, rxPacket models.RXPacket) error {
	ctx = context.WithValue(ctx, logging.ContextIDKey, rxPacket.ID)

	metrics.UplinksProcessed.WithLabelValues(mTypeString(rxPacket.PHYPayload.MHDR.MType)).Inc()

	if phyB, err := rxPacket.PHYPayload.MarshalBinary(); err == nil {
		if err := framelog.LogUplinkFrameForGateways(ctx, phyB, rxPacket.TXInfo, rxPacket.RXInfoSet); err != nil {
			slog.Error("frame-log error", "component", "uplink", "error", err, "ctx_id", rxPacket.ID)
		}
	}

	switch rxPacket.PHYPayload.MHDR.MType {
	case lorawan.JoinRequest:
		return join.Handle(ctx, rxPacket)
	case lorawan.RejoinRequest:
		return rejoin.Handle(ctx, rxPacket)
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		if relay.IsRelayFrame(rxPacket) {
			return relay.Handle(ctx, rxPacket, HandleUplinkFrameSet)
		}
		return data.Handle(ctx, rxPacket)
	case lorawan.Proprietary:
		slog.Info("proprietary uplink dropped", "component", "uplink", "ctx_id", rxPacket.ID)
		return nil
	default:
		slog.Warn("unexpected mtype", "component", "uplink", "mtype", mTypeString(rxPacket.PHYPayload.MHDR.MType), "ctx_id", rxPacket.ID)
		return nil
	}
}

func mTypeString(m lorawan.MType) string {
	switch m {
	case lorawan.JoinRequest:
		return "JoinRequest"
	case lorawan.JoinAccept:
		return "JoinAccept"
	case lorawan.UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case lorawan.UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case lorawan.ConfirmedDataUp:
		return "ConfirmedDataUp"
	case lorawan.ConfirmedDataDown:
		return "ConfirmedDataDown"
	case lorawan.RejoinRequest:
		return "RejoinRequest"
	case lorawan.Proprietary:
		return "Proprietary"
	default:
		return "Unknown"
	}
}

// handleGatewayStats records the liveness of a reporting gateway.
func handleGatewayStats(ctx context.Context, regionConfigID string, stats gw.GatewayStats) error {
	var gatewayID lorawan.EUI64
	copy(gatewayID[:], stats.GatewayId)

	metrics.GatewaysSeen.Inc()

	slog.Info("gateway stats received", "component", "uplink",
		"region_id", regionConfigID,
		"gateway_id", gatewayID.String(),
		"rx_received", stats.RxPacketsReceived,
		"rx_ok", stats.RxPacketsReceivedOk,
		"tx_received", stats.TxPacketsReceived,
		"tx_emitted", stats.TxPacketsEmitted)

	meta := storage.GatewayMeta{
		GatewayID:           gatewayID,
		RegionConfigID:      regionConfigID,
		LastSeenAt:          time.Now(),
		RXPacketsReceived:   stats.RxPacketsReceived,
		RXPacketsReceivedOK: stats.RxPacketsReceivedOk,
		TXPacketsReceived:   stats.TxPacketsReceived,
		TXPacketsEmitted:    stats.TxPacketsEmitted,
	}
	if err := storage.SaveGatewayMeta(ctx, meta); err != nil {
		return errors.Wrap(err, "save gateway meta-data error")
	}

	return nil
}
