package roaming

import (
	"bytes"
	"testing"

	"github.com/golang/protobuf/proto"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan/backend"
)

func TestFNSULToken(t *testing.T) {
	rxInfo := gw.UplinkRXInfo{
		GatewayId: []byte{8, 7, 6, 5, 4, 3, 2, 1},
		Rssi:      -60,
		LoraSnr:   5.5,
		Context:   []byte{1, 2, 3, 4},
	}

	token, err := NewFNSULToken("eu868", &rxInfo)
	if err != nil {
		t.Fatalf("new token error: %s", err)
	}

	regionID, rxInfo2, err := GetFNSULTokenContext(token)
	if err != nil {
		t.Fatalf("decode token error: %s", err)
	}
	if regionID != "eu868" {
		t.Errorf("expected region eu868, got %s", regionID)
	}
	if !bytes.Equal(rxInfo2.GatewayId, rxInfo.GatewayId) {
		t.Errorf("expected gateway id %v, got %v", rxInfo.GatewayId, rxInfo2.GatewayId)
	}
	if !bytes.Equal(rxInfo2.Context, rxInfo.Context) {
		t.Errorf("expected context %v, got %v", rxInfo.Context, rxInfo2.Context)
	}

	if _, _, err := GetFNSULTokenContext(backend.HEXBytes{1, 2, 3}); err == nil {
		t.Error("expected error for garbage token")
	}
}

func TestRXInfoToGWInfo(t *testing.T) {
	rxInfo := []*gw.UplinkRXInfo{
		{
			GatewayId: []byte{1, 1, 1, 1, 1, 1, 1, 1},
			Rssi:      -100,
			LoraSnr:   -3.5,
			Context:   []byte{1, 2, 3},
		},
		{
			GatewayId: []byte{2, 2, 2, 2, 2, 2, 2, 2},
			Rssi:      -50,
			LoraSnr:   7,
		},
	}

	gwInfo, err := RXInfoToGWInfo(rxInfo)
	if err != nil {
		t.Fatalf("rx-info to gw-info error: %s", err)
	}
	if len(gwInfo) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(gwInfo))
	}

	if gwInfo[0].RSSI == nil || *gwInfo[0].RSSI != -100 {
		t.Errorf("unexpected rssi: %v", gwInfo[0].RSSI)
	}
	if gwInfo[1].SNR == nil || *gwInfo[1].SNR != 7 {
		t.Errorf("unexpected snr: %v", gwInfo[1].SNR)
	}
	if !gwInfo[0].DLAllowed {
		t.Error("expected dl-allowed")
	}

	// the gateway context must round-trip through the ul-token
	var decoded gw.UplinkRXInfo
	if err := proto.Unmarshal(gwInfo[0].ULToken, &decoded); err != nil {
		t.Fatalf("unmarshal ul-token error: %s", err)
	}
	if !bytes.Equal(decoded.Context, rxInfo[0].Context) {
		t.Errorf("expected context %v, got %v", rxInfo[0].Context, decoded.Context)
	}
}
