// Package mqtt implements the default gateway frame-bus backend: one
// MQTT connection per region, a shared event topic subscription and a
// per-gateway command topic.
package mqtt

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/helpers"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// Backend is the MQTT frame-bus backend for one region.
type Backend struct {
	conn paho.Client

	regionID             string
	eventTopic           string
	commandTopicTemplate string
	qos                  byte

	uplinkFrameChan   chan gw.UplinkFrame
	gatewayStatsChan  chan gw.GatewayStats
	downlinkTXAckChan chan gw.DownlinkTXAck

	done      chan struct{}
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewBackend creates the MQTT backend for the given region and connects.
func NewBackend(region config.RegionConfig) (*Backend, error) {
	b := Backend{
		regionID:             region.ID,
		eventTopic:           region.MQTT.EventTopic,
		commandTopicTemplate: region.MQTT.CommandTopicTemplate,
		qos:                  region.MQTT.QOS,

		uplinkFrameChan:   make(chan gw.UplinkFrame),
		gatewayStatsChan:  make(chan gw.GatewayStats),
		downlinkTXAckChan: make(chan gw.DownlinkTXAck),

		done: make(chan struct{}),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(region.MQTT.Server)
	opts.SetUsername(region.MQTT.Username)
	opts.SetPassword(region.MQTT.Password)
	opts.SetClientID(region.MQTT.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(region.MQTT.MaxReconnectInterval)
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	slog.Info("connecting to mqtt broker", "component", "gateway/mqtt", "region_id", region.ID, "server", region.MQTT.Server)
	b.conn = paho.NewClient(opts)
	if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "mqtt connect error")
	}

	return &b, nil
}

// SendDownlinkFrame publishes the downlink-frame on the command topic of
// the gateway named in it.
func (b *Backend) SendDownlinkFrame(frame gw.DownlinkFrame) error {
	gatewayID := helpers.GetGatewayID(&frame)
	topic := fmt.Sprintf(b.commandTopicTemplate, gatewayID, "down")

	bb, err := proto.Marshal(&frame)
	if err != nil {
		return errors.Wrap(err, "marshal downlink-frame error")
	}

	slog.Info("publishing downlink-frame", "component", "gateway/mqtt", "region_id", b.regionID, "gateway_id", gatewayID.String(), "topic", topic)
	if token := b.conn.Publish(topic, b.qos, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "publish downlink-frame error")
	}

	return nil
}

// UplinkFrameChan returns the channel of received uplink frames.
func (b *Backend) UplinkFrameChan() chan gw.UplinkFrame {
	return b.uplinkFrameChan
}

// GatewayStatsChan returns the channel of received gateway stats.
func (b *Backend) GatewayStatsChan() chan gw.GatewayStats {
	return b.gatewayStatsChan
}

// DownlinkTXAckChan returns the channel of received tx acknowledgements.
func (b *Backend) DownlinkTXAckChan() chan gw.DownlinkTXAck {
	return b.downlinkTXAckChan
}

// Close disconnects from the broker and closes the channels. The done
// channel unblocks handlers that are still delivering, and the channels
// are only closed once no handler holds the delivery lock.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		if token := b.conn.Unsubscribe(b.eventTopic); token.Wait() && token.Error() != nil {
			slog.Error("unsubscribe error", "component", "gateway/mqtt", "region_id", b.regionID, "topic", b.eventTopic, "error", token.Error())
		}
		b.conn.Disconnect(250)

		b.closeMu.Lock()
		b.closed = true
		close(b.uplinkFrameChan)
		close(b.gatewayStatsChan)
		close(b.downlinkTXAckChan)
		b.closeMu.Unlock()
	})
	return nil
}

func (b *Backend) onConnected(c paho.Client) {
	slog.Info("connected to mqtt broker", "component", "gateway/mqtt", "region_id", b.regionID)

	for {
		slog.Info("subscribing to event topic", "component", "gateway/mqtt", "region_id", b.regionID, "topic", b.eventTopic)
		if token := c.Subscribe(b.eventTopic, b.qos, b.handleEvent); token.Wait() && token.Error() != nil {
			slog.Error("subscribe error", "component", "gateway/mqtt", "region_id", b.regionID, "topic", b.eventTopic, "error", token.Error())
			time.Sleep(time.Second)
			continue
		}
		return
	}
}

func (b *Backend) onConnectionLost(c paho.Client, err error) {
	slog.Error("mqtt connection lost", "component", "gateway/mqtt", "region_id", b.regionID, "error", err)
}

// handleEvent dispatches an event message on its topic suffix: .../up,
// .../stats or .../ack.
func (b *Backend) handleEvent(c paho.Client, msg paho.Message) {
	i := strings.LastIndex(msg.Topic(), "/")
	if i == -1 {
		slog.Warn("unexpected event topic", "component", "gateway/mqtt", "topic", msg.Topic())
		return
	}

	switch event := msg.Topic()[i+1:]; event {
	case "up":
		b.handleUplinkFrame(msg)
	case "stats":
		b.handleGatewayStats(msg)
	case "ack":
		b.handleDownlinkTXAck(msg)
	default:
		slog.Warn("unexpected event type", "component", "gateway/mqtt", "topic", msg.Topic(), "event", event)
	}
}

func (b *Backend) handleUplinkFrame(msg paho.Message) {
	var frame gw.UplinkFrame
	if err := proto.Unmarshal(msg.Payload(), &frame); err != nil {
		slog.Error("unmarshal uplink-frame error", "component", "gateway/mqtt", "error", err)
		return
	}

	metrics.UplinksReceived.WithLabelValues(b.regionID).Inc()

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.uplinkFrameChan <- frame:
	case <-b.done:
	}
}

func (b *Backend) handleGatewayStats(msg paho.Message) {
	var stats gw.GatewayStats
	if err := proto.Unmarshal(msg.Payload(), &stats); err != nil {
		slog.Error("unmarshal gateway-stats error", "component", "gateway/mqtt", "error", err)
		return
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.gatewayStatsChan <- stats:
	case <-b.done:
	}
}

func (b *Backend) handleDownlinkTXAck(msg paho.Message) {
	var txAck gw.DownlinkTXAck
	if err := proto.Unmarshal(msg.Payload(), &txAck); err != nil {
		slog.Error("unmarshal downlink tx-ack error", "component", "gateway/mqtt", "error", err)
		return
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.downlinkTXAckChan <- txAck:
	case <-b.done:
	}
}
