package hwman

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/drivers"

	"microos-go/config"
	"microos-go/errcode"
	"microos-go/logx"
)

type nilPrims struct{}

func (nilPrims) I2C(string) (drivers.I2C, bool) { return nil, false }
func (nilPrims) UART(string) (UART, bool)       { return nil, false }
func (nilPrims) Pin(int) (GPIOPin, bool)        { return nil, false }
func (nilPrims) ADC(int) (ADCPin, bool)         { return nil, false }

func testDriver(ops map[string]Op, onClose func(ctx context.Context) error) Driver {
	return &OpTable{Ops: ops, OnClose: onClose}
}

func okOp(v any) Op {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return v, nil
	}
}

func init() {
	RegisterBuilder("test_ok", BuilderFunc(func(ctx context.Context, in BuildInput) (Driver, error) {
		return testDriver(map[string]Op{"ping": okOp("pong")}, nil), nil
	}))
	RegisterBuilder("test_fail", BuilderFunc(func(ctx context.Context, in BuildInput) (Driver, error) {
		return nil, errors.New("probe failed")
	}))
	RegisterBuilder("test_panic", BuilderFunc(func(ctx context.Context, in BuildInput) (Driver, error) {
		panic("builder exploded")
	}))
}

func newTestManager(t *testing.T, devices map[string]config.Device) *Manager {
	t.Helper()
	return New(devices, nilPrims{}, logx.Noop())
}

func i2cDev(driver string) config.Device {
	return config.Device{Driver: driver, Bus: config.BusRef{Type: "i2c", ID: "1"}}
}

func TestInitializeAllStates(t *testing.T) {
	m := newTestManager(t, map[string]config.Device{
		"good":     i2cDev("test_ok"),
		"bad":      i2cDev("test_fail"),
		"panicky":  i2cDev("test_panic"),
		"unknown":  i2cDev("no_such_driver"),
		"disabled": {Driver: "test_ok", Disabled: true},
	})
	m.InitializeAll(context.Background())

	st := m.Status()
	assert.Equal(t, StateReady, st["good"])
	assert.Equal(t, StateFailed, st["bad"])
	assert.Equal(t, StateFailed, st["panicky"])
	assert.Equal(t, StateFailed, st["unknown"])
	assert.Equal(t, StateDisabled, st["disabled"])
}

func TestInitializeSkipsNonUninitialized(t *testing.T) {
	m := newTestManager(t, map[string]config.Device{"good": i2cDev("test_ok")})
	m.InitializeAll(context.Background())
	require.Equal(t, StateReady, m.Status()["good"])

	// A second pass must not tear down or rebuild the ready driver.
	m.InitializeAll(context.Background())
	assert.Equal(t, StateReady, m.Status()["good"])
}

func TestExecuteActionErrorLadder(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, map[string]config.Device{
		"good": i2cDev("test_ok"),
		"bad":  i2cDev("test_fail"),
	})
	m.InitializeAll(ctx)

	res := m.ExecuteAction(ctx, ActionRequest{Device: "ghost", Method: "ping"})
	assert.False(t, res.OK)
	assert.Equal(t, errcode.UnknownDevice, res.Code)

	res = m.ExecuteAction(ctx, ActionRequest{Device: "bad", Method: "ping"})
	assert.Equal(t, errcode.DeviceNotReady, res.Code)
	assert.Contains(t, res.Error, "FAILED")

	res = m.ExecuteAction(ctx, ActionRequest{Device: "good", Method: "levitate"})
	assert.Equal(t, errcode.UnknownMethod, res.Code)

	res = m.ExecuteAction(ctx, ActionRequest{Device: "good", Method: "ping", Requester: "svc"})
	require.True(t, res.OK)
	assert.Equal(t, "pong", res.Value)
	assert.Equal(t, errcode.OK, res.Code)
}

func TestExecuteActionNoInstanceDemotes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, map[string]config.Device{"good": i2cDev("test_ok")})
	m.InitializeAll(ctx)

	m.mu.Lock()
	m.devices["good"].driver = nil
	m.mu.Unlock()

	res := m.ExecuteAction(ctx, ActionRequest{Device: "good", Method: "ping"})
	assert.Equal(t, errcode.NoInstance, res.Code)
	assert.Equal(t, StateFailed, m.Status()["good"])

	// Subsequent calls see the demoted state, not no_instance again.
	res = m.ExecuteAction(ctx, ActionRequest{Device: "good", Method: "ping"})
	assert.Equal(t, errcode.DeviceNotReady, res.Code)
}

func TestExecuteActionOpFailures(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, map[string]config.Device{"dev": i2cDev("test_ok")})
	m.InitializeAll(ctx)

	m.mu.Lock()
	m.devices["dev"].driver = testDriver(map[string]Op{
		"boom": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			panic("short circuit")
		},
		"bad_args": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, errcode.InvalidParams
		},
		"io_err": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, errors.New("bus glitch")
		},
	}, nil)
	m.mu.Unlock()

	res := m.ExecuteAction(ctx, ActionRequest{Device: "dev", Method: "boom"})
	assert.Equal(t, errcode.DeviceFault, res.Code)
	assert.Contains(t, res.Error, "panic")

	res = m.ExecuteAction(ctx, ActionRequest{Device: "dev", Method: "bad_args"})
	assert.Equal(t, errcode.InvalidParams, res.Code)

	res = m.ExecuteAction(ctx, ActionRequest{Device: "dev", Method: "io_err"})
	assert.Equal(t, errcode.DeviceFault, res.Code)

	// The bus lock must be free again after every failure mode.
	assert.False(t, m.lockFor("i2c_1").held())
}

func TestExecuteActionResourceBusy(t *testing.T) {
	m := newTestManager(t, map[string]config.Device{"dev": i2cDev("test_ok")})
	m.InitializeAll(context.Background())

	l := m.lockFor("i2c_1")
	require.NoError(t, l.acquire(context.Background()))
	defer l.release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := m.ExecuteAction(ctx, ActionRequest{Device: "dev", Method: "ping"})
	assert.Equal(t, errcode.ResourceBusy, res.Code)
}

func TestBusSerialization(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, map[string]config.Device{
		"a": i2cDev("test_ok"),
		"b": i2cDev("test_ok"),
	})
	m.InitializeAll(ctx)

	var inside, violations int32
	slowOp := Op(func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if atomic.AddInt32(&inside, 1) > 1 {
			atomic.AddInt32(&violations, 1)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inside, -1)
		return nil, nil
	})
	m.mu.Lock()
	for _, e := range m.devices {
		e.driver = testDriver(map[string]Op{"slow": slowOp}, nil)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		dev := "a"
		if i%2 == 1 {
			dev = "b"
		}
		wg.Add(1)
		go func(dev string) {
			defer wg.Done()
			res := m.ExecuteAction(ctx, ActionRequest{Device: dev, Method: "slow"})
			assert.True(t, res.OK)
		}(dev)
	}
	wg.Wait()
	assert.Zero(t, atomic.LoadInt32(&violations))
}

func TestDelegation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, map[string]config.Device{"dev": i2cDev("test_ok")})
	m.InitializeAll(ctx)

	require.True(t, m.Delegate("i2c_1", "alpha").OK)
	// Re-delegating to the same owner is fine.
	assert.True(t, m.Delegate("i2c_1", "alpha").OK)

	res := m.Delegate("i2c_1", "beta")
	assert.Equal(t, errcode.DelegationConflict, res.Code)

	// Actions from a non-owner are refused while the lease is held.
	res = m.ExecuteAction(ctx, ActionRequest{Device: "dev", Method: "ping", Requester: "beta"})
	assert.Equal(t, errcode.DelegationConflict, res.Code)
	res = m.ExecuteAction(ctx, ActionRequest{Device: "dev", Method: "ping", Requester: "alpha"})
	assert.True(t, res.OK)

	// Releasing someone else's lease is refused; the owner's release works;
	// releasing an unheld resource is a no-op.
	assert.Equal(t, errcode.DelegationConflict, m.Release("i2c_1", "beta").Code)
	assert.True(t, m.Release("i2c_1", "alpha").OK)
	assert.True(t, m.Release("i2c_1", "alpha").OK)

	res = m.ExecuteAction(ctx, ActionRequest{Device: "dev", Method: "ping", Requester: "beta"})
	assert.True(t, res.OK)
}

func TestReleaseAllFor(t *testing.T) {
	m := newTestManager(t, nil)
	require.True(t, m.Delegate("i2c_1", "alpha").OK)
	require.True(t, m.Delegate("uart_1", "alpha").OK)
	require.True(t, m.Delegate("i2c_2", "beta").OK)

	m.ReleaseAllFor("alpha")

	assert.True(t, m.Delegate("i2c_1", "gamma").OK)
	assert.True(t, m.Delegate("uart_1", "gamma").OK)
	assert.Equal(t, errcode.DelegationConflict, m.Delegate("i2c_2", "gamma").Code)
}

func TestCleanupAllBestEffort(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, map[string]config.Device{
		"a": i2cDev("test_ok"),
		"b": i2cDev("test_ok"),
		"c": i2cDev("test_ok"),
	})
	m.InitializeAll(ctx)

	var cleaned int32
	m.mu.Lock()
	m.devices["a"].driver = testDriver(nil, func(ctx context.Context) error {
		atomic.AddInt32(&cleaned, 1)
		return nil
	})
	m.devices["b"].driver = testDriver(nil, func(ctx context.Context) error {
		atomic.AddInt32(&cleaned, 1)
		panic("cleanup exploded")
	})
	m.devices["c"].driver = testDriver(nil, func(ctx context.Context) error {
		atomic.AddInt32(&cleaned, 1)
		return errors.New("wedged")
	})
	m.mu.Unlock()

	m.CleanupAll(ctx)
	assert.Equal(t, int32(3), atomic.LoadInt32(&cleaned))
	assert.False(t, m.lockFor("i2c_1").held())
}

func TestReinitialize(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, map[string]config.Device{"dev": i2cDev("test_ok")})
	m.InitializeAll(ctx)
	require.Equal(t, StateReady, m.Status()["dev"])

	m.mu.Lock()
	m.devices["dev"].state = StateFailed
	m.mu.Unlock()

	m.Reinitialize(ctx)
	assert.Equal(t, StateReady, m.Status()["dev"])
}

func TestResultMapRoundTrip(t *testing.T) {
	ok := OKResult(42)
	got := ResultFromMap(ok.ToMap())
	assert.True(t, got.OK)
	assert.Equal(t, 42, got.Value)

	fail := Failf(errcode.DeviceFault, "dead")
	got = ResultFromMap(fail.ToMap())
	assert.False(t, got.OK)
	assert.Equal(t, errcode.DeviceFault, got.Code)
	assert.Equal(t, "dead", got.Error)
}
