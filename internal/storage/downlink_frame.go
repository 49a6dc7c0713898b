package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"log/slog"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/logging"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
)

const downlinkFrameKeyTempl = "frame:%d"

// downlinkFrameTTL must cover the longest RX window plus the gateway
// round-trip, after which a tx-ack can no longer be correlated.
const downlinkFrameTTL = time.Second * 10

// DownlinkFrame holds a transmitted downlink-frame together with the
// state needed to handle its tx acknowledgement: the frame-counter to
// commit, the queue item to mark pending and the multicast context.
type DownlinkFrame struct {
	DevEUI            lorawan.EUI64
	Token             uint32
	RoutingKey        uuid.UUID
	NwkSEncKey        lorawan.AES128Key
	DeviceQueueItemID uuid.UUID
	MulticastGroupID  uuid.UUID
	MulticastQueueID  uuid.UUID

	// EncryptedFOpts is set for LoRaWAN 1.1 sessions; on a downlink
	// re-transmit towards a different gateway the frame can be re-used
	// as-is.
	EncryptedFOpts bool

	downlinkFrame []byte
}

// SetDownlinkFrame sets the gateway downlink-frame.
func (d *DownlinkFrame) SetDownlinkFrame(frame *gw.DownlinkFrame) error {
	b, err := proto.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "marshal downlink-frame error")
	}
	d.downlinkFrame = b
	return nil
}

// GetDownlinkFrame returns the gateway downlink-frame.
func (d DownlinkFrame) GetDownlinkFrame() (*gw.DownlinkFrame, error) {
	var frame gw.DownlinkFrame
	if err := proto.Unmarshal(d.downlinkFrame, &frame); err != nil {
		return nil, errors.Wrap(err, "unmarshal downlink-frame error")
	}
	return &frame, nil
}

// gob can not see the unexported frame bytes, wrap them explicitly.
type downlinkFrameGob struct {
	DevEUI            lorawan.EUI64
	Token             uint32
	RoutingKey        uuid.UUID
	NwkSEncKey        lorawan.AES128Key
	DeviceQueueItemID uuid.UUID
	MulticastGroupID  uuid.UUID
	MulticastQueueID  uuid.UUID
	EncryptedFOpts    bool
	DownlinkFrame     []byte
}

// GobEncode implements gob.GobEncoder.
func (d DownlinkFrame) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(downlinkFrameGob{
		DevEUI:            d.DevEUI,
		Token:             d.Token,
		RoutingKey:        d.RoutingKey,
		NwkSEncKey:        d.NwkSEncKey,
		DeviceQueueItemID: d.DeviceQueueItemID,
		MulticastGroupID:  d.MulticastGroupID,
		MulticastQueueID:  d.MulticastQueueID,
		EncryptedFOpts:    d.EncryptedFOpts,
		DownlinkFrame:     d.downlinkFrame,
	})
	return buf.Bytes(), err
}

// GobDecode implements gob.GobDecoder.
func (d *DownlinkFrame) GobDecode(b []byte) error {
	var g downlinkFrameGob
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&g); err != nil {
		return err
	}
	d.DevEUI = g.DevEUI
	d.Token = g.Token
	d.RoutingKey = g.RoutingKey
	d.NwkSEncKey = g.NwkSEncKey
	d.DeviceQueueItemID = g.DeviceQueueItemID
	d.MulticastGroupID = g.MulticastGroupID
	d.MulticastQueueID = g.MulticastQueueID
	d.EncryptedFOpts = g.EncryptedFOpts
	d.downlinkFrame = g.DownlinkFrame
	return nil
}

// GetToken returns the downlink token for the given downlink id.
func GetToken(downlinkID []byte) uint32 {
	if len(downlinkID) < 2 {
		return 0
	}
	return uint32(binary.BigEndian.Uint16(downlinkID[len(downlinkID)-2:]))
}

// SaveDownlinkFrame saves the given downlink-frame so that a tx-ack can
// be correlated back to it.
func SaveDownlinkFrame(ctx context.Context, frame DownlinkFrame) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&frame); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	key := GetRedisKey(downlinkFrameKeyTempl, frame.Token)
	err := RedisClient().Set(ctx, key, buf.Bytes(), downlinkFrameTTL).Err()
	if err != nil {
		return errors.Wrap(err, "set error")
	}

	slog.Debug("downlink-frame saved", "component", "storage", "token", frame.Token, "ctx_id", ctx.Value(logging.ContextIDKey))
	return nil
}

// GetDownlinkFrame returns the downlink-frame matching the given token.
func GetDownlinkFrame(ctx context.Context, token uint32) (DownlinkFrame, error) {
	key := GetRedisKey(downlinkFrameKeyTempl, token)
	val, err := RedisClient().Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return DownlinkFrame{}, ErrDoesNotExist
		}
		return DownlinkFrame{}, errors.Wrap(err, "get error")
	}

	var frame DownlinkFrame
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&frame); err != nil {
		return DownlinkFrame{}, errors.Wrap(err, "gob decode error")
	}
	return frame, nil
}

// DeleteDownlinkFrame deletes the downlink-frame matching the token.
func DeleteDownlinkFrame(ctx context.Context, token uint32) error {
	err := RedisClient().Del(ctx, GetRedisKey(downlinkFrameKeyTempl, token)).Err()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	return nil
}
