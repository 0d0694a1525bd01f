// Package hwman owns the device table, per-bus mutual exclusion, resource
// delegation, and the uniform action-dispatch entry point services use to
// reach hardware.
package hwman

import (
	"context"
	"fmt"

	"tinygo.org/x/drivers"

	"microos-go/errcode"
)

// DeviceState is the lifecycle state of one managed device.
type DeviceState string

const (
	StateUninitialized DeviceState = "UNINITIALIZED"
	StateInitializing  DeviceState = "INITIALIZING"
	StateReady         DeviceState = "READY"
	StateFailed        DeviceState = "FAILED"
	StateDisabled      DeviceState = "DISABLED"
)

// Op is one named operation a driver exposes. Args carry positional
// arguments, kwargs named ones; both may be nil.
type Op func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Driver is an opaque device capability. The operation table is resolved
// once at build time; Op lookups never invent methods at call time.
// Cleanup is best-effort and must tolerate a partially working device.
type Driver interface {
	Op(name string) (Op, bool)
	Cleanup(ctx context.Context) error
}

// OpTable is a convenience Driver base: a fixed method table plus an
// optional cleanup hook.
type OpTable struct {
	Ops     map[string]Op
	OnClose func(ctx context.Context) error
}

func (t *OpTable) Op(name string) (Op, bool) {
	op, ok := t.Ops[name]
	return op, ok
}

func (t *OpTable) Cleanup(ctx context.Context) error {
	if t.OnClose == nil {
		return nil
	}
	return t.OnClose(ctx)
}

// ---- Primitive capability contracts -----------------------------------------

type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// GPIOPin is the narrow pin contract drivers consume.
type GPIOPin interface {
	ConfigureInput(pull Pull) error
	ConfigureOutput(initial bool) error
	Set(level bool)
	Get() bool
	Toggle()
}

// ADCPin is a single analog input.
type ADCPin interface {
	ReadU16() (uint16, error)
}

// UART is the byte-stream contract for serial-attached devices.
type UART interface {
	Write(p []byte) (int, error)
	Flush() error
}

// Primitives resolves configured bus/pin primitives by key. I2C buses are
// keyed "i2c_<id>", UARTs "uart_<id>"; pins and ADCs by number.
type Primitives interface {
	I2C(key string) (drivers.I2C, bool)
	UART(key string) (UART, bool)
	Pin(num int) (GPIOPin, bool)
	ADC(num int) (ADCPin, bool)
}

// ---- Action dispatch ---------------------------------------------------------

// ActionRequest names one driver operation to execute on behalf of a service.
type ActionRequest struct {
	Device    string
	Method    string
	Args      []any
	KWArgs    map[string]any
	Requester string
}

// Result is the structured outcome of ExecuteAction and delegation calls.
// Errors never cross this boundary as panics or Go errors; they are coded.
type Result struct {
	OK    bool
	Value any
	Code  errcode.Code
	Error string
}

func OKResult(v any) Result { return Result{OK: true, Value: v, Code: errcode.OK} }

func Fail(code errcode.Code, msg string) Result {
	return Result{Code: code, Error: msg}
}

func Failf(code errcode.Code, format string, a ...any) Result {
	return Result{Code: code, Error: fmt.Sprintf(format, a...)}
}

// ToMap flattens the result for the message bus boundary.
func (r Result) ToMap() map[string]any {
	m := map[string]any{"request_ok": r.OK}
	if r.Value != nil {
		m["value"] = r.Value
	}
	if !r.OK {
		m["code"] = string(r.Code)
		m["error"] = r.Error
	}
	return m
}

// ResultFromMap decodes a bus payload produced by ToMap.
func ResultFromMap(m map[string]any) Result {
	var r Result
	r.OK, _ = m["request_ok"].(bool)
	r.Value = m["value"]
	if c, ok := m["code"].(string); ok {
		r.Code = errcode.Code(c)
	} else if r.OK {
		r.Code = errcode.OK
	} else {
		r.Code = errcode.Error
	}
	r.Error, _ = m["error"].(string)
	return r
}
