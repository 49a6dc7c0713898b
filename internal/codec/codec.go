// Package codec executes the JavaScript payload codec of a
// device-profile: uplink payloads are decoded into a JSON object before
// they are published to the integrations, downlink objects can be
// encoded back into raw bytes.
package codec

import (
	"encoding/json"
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
)

// executionTimeout bounds one script invocation. A misbehaving codec
// must not stall the uplink pipeline.
const executionTimeout = 100 * time.Millisecond

// ErrTimeout is returned when the script did not finish in time.
var ErrTimeout = errors.New("codec execution timeout")

// DecodePayload runs the Decode function of the given script:
//
//	function Decode(fPort, bytes) { return { ... }; }
//
// and returns the result as JSON.
func DecodePayload(fPort uint8, b []byte, script string) ([]byte, error) {
	vm, err := newVM(script)
	if err != nil {
		return nil, err
	}

	fn := vm.Get("Decode")
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return nil, errors.New("decode function not defined")
	}
	var decode func(uint8, []byte) (goja.Value, error)
	if err := vm.ExportTo(fn, &decode); err != nil {
		return nil, errors.Wrap(err, "decode function not defined")
	}

	val, err := runInterruptible(vm, func() (goja.Value, error) {
		return decode(fPort, b)
	})
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(val.Export())
	if err != nil {
		return nil, errors.Wrap(err, "marshal decoded object error")
	}
	return out, nil
}

// EncodePayload runs the Encode function of the given script:
//
//	function Encode(fPort, obj) { return [ ... ]; }
//
// and returns the resulting byte slice.
func EncodePayload(fPort uint8, jsonObj []byte, script string) ([]byte, error) {
	var obj interface{}
	if err := json.Unmarshal(jsonObj, &obj); err != nil {
		return nil, errors.Wrap(err, "unmarshal object error")
	}

	vm, err := newVM(script)
	if err != nil {
		return nil, err
	}

	fn := vm.Get("Encode")
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return nil, errors.New("encode function not defined")
	}
	var encode func(uint8, interface{}) (goja.Value, error)
	if err := vm.ExportTo(fn, &encode); err != nil {
		return nil, errors.Wrap(err, "encode function not defined")
	}

	val, err := runInterruptible(vm, func() (goja.Value, error) {
		return encode(fPort, obj)
	})
	if err != nil {
		return nil, err
	}

	var out []byte
	if err := vm.ExportTo(val, &out); err != nil {
		return nil, errors.Wrap(err, "encode function must return an array of bytes")
	}
	return out, nil
}

func newVM(script string) (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	if _, err := vm.RunString(script); err != nil {
		return nil, errors.Wrap(err, "load script error")
	}
	return vm, nil
}

// runInterruptible invokes f and interrupts the vm when the execution
// timeout elapses.
func runInterruptible(vm *goja.Runtime, f func() (goja.Value, error)) (goja.Value, error) {
	timer := time.AfterFunc(executionTimeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	val, err := f()
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return nil, ErrTimeout
		}
		return nil, errors.Wrap(err, "run script error")
	}
	return val, nil
}
