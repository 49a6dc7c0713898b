package mqtt

import (
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/protobuf/proto"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

type stubToken struct{}

func (t stubToken) Wait() bool                     { return true }
func (t stubToken) WaitTimeout(time.Duration) bool { return true }
func (t stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t stubToken) Error() error { return nil }

type stubClient struct {
	paho.Client
}

func (c stubClient) Unsubscribe(topics ...string) paho.Token {
	return stubToken{}
}

func (c stubClient) Disconnect(quiesce uint) {}

type stubMessage struct {
	topic   string
	payload []byte
}

func (m stubMessage) Duplicate() bool   { return false }
func (m stubMessage) Qos() byte         { return 0 }
func (m stubMessage) Retained() bool    { return false }
func (m stubMessage) Topic() string     { return m.topic }
func (m stubMessage) MessageID() uint16 { return 0 }
func (m stubMessage) Payload() []byte   { return m.payload }
func (m stubMessage) Ack()              {}

func testBackend() *Backend {
	return &Backend{
		conn:       stubClient{},
		regionID:   "eu868",
		eventTopic: "eu868/gateway/+/event/+",

		uplinkFrameChan:   make(chan gw.UplinkFrame),
		gatewayStatsChan:  make(chan gw.GatewayStats),
		downlinkTXAckChan: make(chan gw.DownlinkTXAck),

		done: make(chan struct{}),
	}
}

func TestCloseUnblocksHandlers(t *testing.T) {
	b := testBackend()

	frame := gw.UplinkFrame{PhyPayload: []byte{1, 2, 3}}
	payload, err := proto.Marshal(&frame)
	if err != nil {
		t.Fatalf("marshal uplink-frame error: %s", err)
	}
	msg := stubMessage{topic: "eu868/gateway/0102030405060708/event/up", payload: payload}

	// a handler blocked on delivery with no consumer must return on close
	delivered := make(chan struct{})
	go func() {
		b.handleUplinkFrame(msg)
		close(delivered)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("close error: %s", err)
	}

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("handler still blocked after close")
	}

	// late messages after close are dropped, not sent on closed channels
	b.handleUplinkFrame(msg)
	b.handleGatewayStats(stubMessage{topic: "eu868/gateway/0102030405060708/event/stats", payload: nil})
	b.handleDownlinkTXAck(stubMessage{topic: "eu868/gateway/0102030405060708/event/ack", payload: nil})

	if _, ok := <-b.uplinkFrameChan; ok {
		t.Fatal("expected uplink-frame channel to be closed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := testBackend()

	if err := b.Close(); err != nil {
		t.Fatalf("close error: %s", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close error: %s", err)
	}
}
