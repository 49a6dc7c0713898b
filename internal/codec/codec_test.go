package codec

import (
	"encoding/json"
	"testing"
)

func TestDecodePayload(t *testing.T) {
	script := `
		function Decode(fPort, bytes) {
			return {
				fPort: fPort,
				temperature: (bytes[0] << 8 | bytes[1]) / 100
			};
		}
	`

	out, err := DecodePayload(10, []byte{0x09, 0x29}, script)
	if err != nil {
		t.Fatalf("decode payload error: %s", err)
	}

	var obj struct {
		FPort       uint8   `json:"fPort"`
		Temperature float64 `json:"temperature"`
	}
	if err := json.Unmarshal(out, &obj); err != nil {
		t.Fatalf("unmarshal decoded object error: %s", err)
	}
	if obj.FPort != 10 {
		t.Errorf("expected fport 10, got %d", obj.FPort)
	}
	if obj.Temperature != 23.45 {
		t.Errorf("expected temperature 23.45, got %f", obj.Temperature)
	}
}

func TestDecodePayloadFunctionMissing(t *testing.T) {
	if _, err := DecodePayload(10, []byte{1}, "var x = 1;"); err == nil {
		t.Error("expected error for missing Decode function")
	}
}

func TestDecodePayloadTimeout(t *testing.T) {
	script := `
		function Decode(fPort, bytes) {
			while (true) {}
		}
	`

	_, err := DecodePayload(10, []byte{1}, script)
	if err != ErrTimeout {
		t.Errorf("expected timeout error, got: %s", err)
	}
}

func TestEncodePayloadFunctionMissing(t *testing.T) {
	if _, err := EncodePayload(20, []byte(`{}`), "var x = 1;"); err == nil {
		t.Error("expected error for missing Encode function")
	}
}

func TestEncodePayload(t *testing.T) {
	script := `
		function Encode(fPort, obj) {
			return [fPort, obj.on ? 1 : 0];
		}
	`

	out, err := EncodePayload(20, []byte(`{"on": true}`), script)
	if err != nil {
		t.Fatalf("encode payload error: %s", err)
	}
	if len(out) != 2 || out[0] != 20 || out[1] != 1 {
		t.Errorf("unexpected encoded bytes: %v", out)
	}
}

func TestEncodePayloadBadReturn(t *testing.T) {
	script := `
		function Encode(fPort, obj) {
			return "not bytes";
		}
	`

	if _, err := EncodePayload(20, []byte(`{}`), script); err == nil {
		t.Error("expected error for non-array return value")
	}
}
