package maccommand

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

func setupTest(t *testing.T) {
	t.Helper()

	mr := miniredis.RunT(t)
	storage.SetRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	config.Set(config.DefaultConfig())
	if err := storage.Setup(config.Get()); err != nil {
		t.Fatalf("setup storage error: %s", err)
	}
}

func TestHandleLinkADRAnsAcked(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	ds := storage.DeviceSession{
		DevEUI:                lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		DR:                    0,
		TXPowerIndex:          0,
		NbTrans:               1,
		EnabledUplinkChannels: []int{0, 1, 2},
		MACCommandErrorCount:  map[lorawan.CID]int{lorawan.LinkADRReq: 1},
	}

	pending := storage.MACCommandBlock{
		CID: lorawan.LinkADRReq,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.LinkADRReq,
				Payload: &lorawan.LinkADRReqPayload{
					DataRate: 5,
					TXPower:  2,
					ChMask:   lorawan.ChMask{true, true, true},
					Redundancy: lorawan.Redundancy{
						NbRep: 2,
					},
				},
			},
		},
	}

	block := storage.MACCommandBlock{
		CID: lorawan.LinkADRAns,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.LinkADRAns,
				Payload: &lorawan.LinkADRAnsPayload{
					ChannelMaskACK: true,
					DataRateACK:    true,
					PowerACK:       true,
				},
			},
		},
	}

	resp, err := Handle(ctx, &ds, storage.DeviceProfile{}, block, &pending, models.RXPacket{})
	if err != nil {
		t.Fatalf("handle link-adr ans error: %s", err)
	}
	if len(resp) != 0 {
		t.Errorf("expected no response blocks, got %d", len(resp))
	}

	if ds.DR != 5 {
		t.Errorf("expected dr 5, got %d", ds.DR)
	}
	if ds.TXPowerIndex != 2 {
		t.Errorf("expected tx-power index 2, got %d", ds.TXPowerIndex)
	}
	if ds.NbTrans != 2 {
		t.Errorf("expected nbtrans 2, got %d", ds.NbTrans)
	}
	if len(ds.EnabledUplinkChannels) != 3 {
		t.Errorf("unexpected enabled channels: %v", ds.EnabledUplinkChannels)
	}
	if _, ok := ds.MACCommandErrorCount[lorawan.LinkADRReq]; ok {
		t.Error("expected error counter to be cleared")
	}
}

func TestHandleLinkADRAnsRejected(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	ds := storage.DeviceSession{
		DevEUI:  lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		DR:      0,
		NbTrans: 1,
	}

	pending := storage.MACCommandBlock{
		CID: lorawan.LinkADRReq,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.LinkADRReq,
				Payload: &lorawan.LinkADRReqPayload{
					DataRate: 5,
				},
			},
		},
	}

	block := storage.MACCommandBlock{
		CID: lorawan.LinkADRAns,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.LinkADRAns,
				Payload: &lorawan.LinkADRAnsPayload{
					ChannelMaskACK: true,
					DataRateACK:    false,
					PowerACK:       true,
				},
			},
		},
	}

	if _, err := Handle(ctx, &ds, storage.DeviceProfile{}, block, &pending, models.RXPacket{}); err != nil {
		t.Fatalf("handle link-adr ans error: %s", err)
	}

	// the rejection counts against the re-request budget, the session
	// keeps its old values
	if ds.DR != 0 {
		t.Errorf("expected dr 0, got %d", ds.DR)
	}
	if ds.MACCommandErrorCount[lorawan.LinkADRReq] != 1 {
		t.Errorf("expected error count 1, got %d", ds.MACCommandErrorCount[lorawan.LinkADRReq])
	}
}

func TestHandleLinkADRAnsWithoutPending(t *testing.T) {
	setupTest(t)

	block := storage.MACCommandBlock{
		CID: lorawan.LinkADRAns,
		MACCommands: []lorawan.MACCommand{
			{
				CID:     lorawan.LinkADRAns,
				Payload: &lorawan.LinkADRAnsPayload{},
			},
		},
	}

	ds := storage.DeviceSession{}
	_, err := Handle(context.Background(), &ds, storage.DeviceProfile{}, block, nil, models.RXPacket{})
	if err == nil {
		t.Error("expected error for answer without pending request")
	}
}

func TestHandleDevStatusAns(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	d := storage.Device{
		DevEUI:          devEUI,
		DeviceProfileID: "test-dp",
	}
	if err := storage.CreateDevice(ctx, &d); err != nil {
		t.Fatalf("create device error: %s", err)
	}

	ds := storage.DeviceSession{DevEUI: devEUI}
	block := storage.MACCommandBlock{
		CID: lorawan.DevStatusAns,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.DevStatusAns,
				Payload: &lorawan.DevStatusAnsPayload{
					Battery: 128,
					Margin:  10,
				},
			},
		},
	}

	if _, err := Handle(ctx, &ds, storage.DeviceProfile{}, block, nil, models.RXPacket{}); err != nil {
		t.Fatalf("handle dev-status ans error: %s", err)
	}

	dOut, err := storage.GetDevice(ctx, devEUI)
	if err != nil {
		t.Fatalf("get device error: %s", err)
	}
	if dOut.Battery == nil || *dOut.Battery != 128 {
		t.Errorf("unexpected battery: %v", dOut.Battery)
	}
	if dOut.Margin == nil || *dOut.Margin != 10 {
		t.Errorf("unexpected margin: %v", dOut.Margin)
	}
}

func TestRequestDevStatus(t *testing.T) {
	setupTest(t)

	ds := storage.DeviceSession{DevEUI: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}}
	block := RequestDevStatus(context.Background(), &ds)

	if block.CID != lorawan.DevStatusReq {
		t.Errorf("unexpected cid: %d", block.CID)
	}
	if ds.LastDevStatusRequested.IsZero() {
		t.Error("expected request time to be stamped")
	}
}

func TestRequestNewChannels(t *testing.T) {
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	current := map[int]loraband.Channel{
		3: {Frequency: 867100000, MinDR: 0, MaxDR: 5},
	}
	wanted := map[int]loraband.Channel{
		3: {Frequency: 867100000, MinDR: 0, MaxDR: 5},
		4: {Frequency: 867300000, MinDR: 0, MaxDR: 5},
		5: {Frequency: 867500000, MinDR: 0, MaxDR: 5},
		6: {Frequency: 867700000, MinDR: 0, MaxDR: 5},
		7: {Frequency: 867900000, MinDR: 0, MaxDR: 5},
	}

	block := RequestNewChannels(devEUI, 3, current, wanted)
	if block == nil {
		t.Fatal("expected a request block")
	}
	if len(block.MACCommands) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(block.MACCommands))
	}
	// channel 3 is already in sync, the first request is for channel 4
	pl := block.MACCommands[0].Payload.(*lorawan.NewChannelReqPayload)
	if pl.ChIndex != 4 || pl.Freq != 867300000 {
		t.Errorf("unexpected first request: %+v", pl)
	}

	// a modified channel definition is re-requested
	current[4] = loraband.Channel{Frequency: 868800000, MinDR: 0, MaxDR: 5}
	block = RequestNewChannels(devEUI, 10, current, wanted)
	if block == nil || len(block.MACCommands) != 4 {
		t.Fatalf("expected 4 requests, got %+v", block)
	}

	// in sync: nothing to request
	if block := RequestNewChannels(devEUI, 3, wanted, wanted); block != nil {
		t.Errorf("expected no request block, got %+v", block)
	}
}

func TestHandleNewChannelAns(t *testing.T) {
	setupTest(t)
	ctx := context.Background()

	ds := storage.DeviceSession{
		DevEUI:                lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		EnabledUplinkChannels: []int{0, 1, 2},
	}

	pending := storage.MACCommandBlock{
		CID: lorawan.NewChannelReq,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.NewChannelReq,
				Payload: &lorawan.NewChannelReqPayload{
					ChIndex: 3,
					Freq:    867100000,
					MinDR:   0,
					MaxDR:   5,
				},
			},
		},
	}
	block := storage.MACCommandBlock{
		CID: lorawan.NewChannelAns,
		MACCommands: []lorawan.MACCommand{
			{
				CID: lorawan.NewChannelAns,
				Payload: &lorawan.NewChannelAnsPayload{
					ChannelFrequencyOK: true,
					DataRateRangeOK:    true,
				},
			},
		},
	}

	if _, err := Handle(ctx, &ds, storage.DeviceProfile{}, block, &pending, models.RXPacket{}); err != nil {
		t.Fatalf("handle new-channel ans error: %s", err)
	}

	c, ok := ds.ExtraUplinkChannels[3]
	if !ok {
		t.Fatal("expected channel 3 to be stored")
	}
	if c.Frequency != 867100000 || c.MaxDR != 5 {
		t.Errorf("unexpected channel: %+v", c)
	}
	if len(ds.EnabledUplinkChannels) != 4 || ds.EnabledUplinkChannels[3] != 3 {
		t.Errorf("unexpected enabled channels: %v", ds.EnabledUplinkChannels)
	}

	// rejection leaves the channel set untouched and counts the error
	pending.MACCommands[0].Payload.(*lorawan.NewChannelReqPayload).ChIndex = 4
	block.MACCommands[0].Payload.(*lorawan.NewChannelAnsPayload).DataRateRangeOK = false

	if _, err := Handle(ctx, &ds, storage.DeviceProfile{}, block, &pending, models.RXPacket{}); err != nil {
		t.Fatalf("handle new-channel ans error: %s", err)
	}
	if _, ok := ds.ExtraUplinkChannels[4]; ok {
		t.Error("expected channel 4 not to be stored")
	}
	if ds.MACCommandErrorCount[lorawan.NewChannelReq] != 1 {
		t.Errorf("expected error count 1, got %d", ds.MACCommandErrorCount[lorawan.NewChannelReq])
	}
}

func TestHandleUndefinedCID(t *testing.T) {
	setupTest(t)

	ds := storage.DeviceSession{}
	block := storage.MACCommandBlock{CID: lorawan.CID(0x80)}

	_, err := Handle(context.Background(), &ds, storage.DeviceProfile{}, block, nil, models.RXPacket{})
	if err == nil {
		t.Error("expected error for undefined cid")
	}
}
