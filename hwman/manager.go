package hwman

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"microos-go/config"
	"microos-go/errcode"
)

type entry struct {
	state   DeviceState
	driver  Driver
	lockKey string
	cfg     config.Device
}

// Manager owns one entry per configured device, one lock per distinct bus
// resource, and the delegation table.
type Manager struct {
	log   *slog.Logger
	prims Primitives
	cfg   map[string]config.Device

	mu          sync.Mutex
	devices     map[string]*entry
	locks       map[string]*resourceLock
	delegations map[string]string // resource key -> owning service
}

// New builds the device table from configuration. Drivers are not
// constructed until InitializeAll.
func New(devices map[string]config.Device, prims Primitives, log *slog.Logger) *Manager {
	m := &Manager{
		log:         log,
		prims:       prims,
		cfg:         devices,
		locks:       map[string]*resourceLock{},
		delegations: map[string]string{},
	}
	m.resetTable()
	return m
}

func (m *Manager) resetTable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = map[string]*entry{}
	for name, cfg := range m.cfg {
		st := StateUninitialized
		if cfg.Disabled {
			st = StateDisabled
		}
		m.devices[name] = &entry{state: st, cfg: cfg}
	}
}

// lockFor returns the shared lock for a bus resource, creating it on first
// reference. Locks are never destroyed during the process lifetime.
func (m *Manager) lockFor(resource string) *resourceLock {
	if resource == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[resource]
	if !ok {
		m.log.Debug("creating bus lock", "resource", resource)
		l = newResourceLock()
		m.locks[resource] = l
	}
	return l
}

// InitializeAll constructs every configured driver concurrently. Devices on
// the same bus resource serialize on that bus's lock; independent buses
// initialize in parallel. A failure is isolated to its own device.
func (m *Manager) InitializeAll(ctx context.Context) {
	m.log.Info("starting driver initialization", "devices", len(m.devices))
	var wg sync.WaitGroup
	m.mu.Lock()
	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.failDevice(name, fmt.Errorf("panic during init: %v", r))
				}
			}()
			m.initializeOne(ctx, name)
		}(name)
	}
	wg.Wait()
	m.log.Info("driver initialization complete")
	m.logDeviceStates()
}

func (m *Manager) initializeOne(ctx context.Context, name string) {
	m.mu.Lock()
	e := m.devices[name]
	if e.state != StateUninitialized {
		m.mu.Unlock()
		m.log.Warn("skipping driver init, not UNINITIALIZED", "device", name, "state", string(e.state))
		return
	}
	e.state = StateInitializing
	cfg := e.cfg
	m.mu.Unlock()

	builder, ok := findBuilder(cfg.Driver)
	if !ok {
		m.failDevice(name, fmt.Errorf("unknown driver type %q", cfg.Driver))
		return
	}

	lockKey := cfg.Bus.ResourceKey()
	if l := m.lockFor(lockKey); l != nil {
		if err := l.acquire(ctx); err != nil {
			m.failDevice(name, fmt.Errorf("bus lock %q: %w", lockKey, err))
			return
		}
		defer l.release()
	}

	drv, err := builder.Build(ctx, BuildInput{Name: name, Config: cfg, Primitives: m.prims})
	if err != nil {
		m.failDevice(name, err)
		return
	}

	m.mu.Lock()
	e.driver = drv
	e.lockKey = lockKey
	e.state = StateReady
	m.mu.Unlock()
	m.log.Info("driver initialized", "device", name, "driver", cfg.Driver, "resource", lockKey)
}

func (m *Manager) failDevice(name string, err error) {
	m.mu.Lock()
	if e, ok := m.devices[name]; ok {
		e.state = StateFailed
	}
	m.mu.Unlock()
	m.log.Error("driver initialization failed", "device", name, "error", err)
}

// ExecuteAction is the single entry point for operating hardware. All
// failure modes come back as a coded Result; no error or panic escapes.
// If the device sits on a shared bus, its lock is held for the whole call.
func (m *Manager) ExecuteAction(ctx context.Context, req ActionRequest) Result {
	m.mu.Lock()
	e, ok := m.devices[req.Device]
	if !ok {
		m.mu.Unlock()
		return Failf(errcode.UnknownDevice, "device %q not configured", req.Device)
	}
	if e.state != StateReady {
		st := e.state
		m.mu.Unlock()
		return Failf(errcode.DeviceNotReady, "device %q not READY (state %s)", req.Device, st)
	}
	if e.driver == nil {
		e.state = StateFailed
		m.mu.Unlock()
		m.log.Error("READY device has no driver instance, demoting to FAILED", "device", req.Device)
		return Failf(errcode.NoInstance, "no driver instance for device %q", req.Device)
	}
	drv, lockKey := e.driver, e.lockKey
	if lockKey != "" && req.Requester != "" {
		if owner := m.delegations[lockKey]; owner != "" && owner != req.Requester {
			m.mu.Unlock()
			return Failf(errcode.DelegationConflict,
				"resource %q delegated to %q, denied for %q", lockKey, owner, req.Requester)
		}
	}
	m.mu.Unlock()

	op, ok := drv.Op(req.Method)
	if !ok {
		return Failf(errcode.UnknownMethod, "method %q not found on device %q", req.Method, req.Device)
	}

	if l := m.lockFor(lockKey); l != nil {
		if err := l.acquire(ctx); err != nil {
			return Failf(errcode.ResourceBusy, "bus %q: %v", lockKey, err)
		}
		defer l.release()
	}

	return m.invoke(ctx, req, op)
}

func (m *Manager) invoke(ctx context.Context, req ActionRequest, op Op) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("driver op panicked", "device", req.Device, "method", req.Method, "panic", r)
			res = Failf(errcode.DeviceFault, "panic in %s.%s: %v", req.Device, req.Method, r)
		}
	}()
	v, err := op(ctx, req.Args, req.KWArgs)
	if err != nil {
		code := errcode.Of(err)
		if code == errcode.Error {
			code = errcode.DeviceFault
		}
		m.log.Warn("driver op failed", "device", req.Device, "method", req.Method, "error", err)
		return Failf(code, "%s.%s: %v", req.Device, req.Method, err)
	}
	return OKResult(v)
}

// ---- Resource delegation -----------------------------------------------------

// Delegate grants an exclusive lease on a bus resource to one requester.
// While leased, ExecuteAction from any other requester is rejected.
func (m *Manager) Delegate(resource, requester string) Result {
	if resource == "" || requester == "" {
		return Fail(errcode.InvalidParams, "delegation needs a resource and a requester")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner := m.delegations[resource]; owner != "" && owner != requester {
		return Failf(errcode.DelegationConflict, "resource %q already delegated to %q", resource, owner)
	}
	m.delegations[resource] = requester
	m.log.Info("resource delegated", "resource", resource, "owner", requester)
	return OKResult(nil)
}

// Release revokes a lease. Releasing an unheld resource is a no-op;
// releasing someone else's lease is refused.
func (m *Manager) Release(resource, requester string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.delegations[resource]
	if !ok {
		return OKResult(nil)
	}
	if owner != requester {
		return Failf(errcode.DelegationConflict, "resource %q delegated to %q, not %q", resource, owner, requester)
	}
	delete(m.delegations, resource)
	m.log.Info("resource released", "resource", resource, "owner", requester)
	return OKResult(nil)
}

// ReleaseAllFor drops every lease held by one requester. Called when a
// service stops so leases cannot outlive their owner.
func (m *Manager) ReleaseAllFor(requester string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for res, owner := range m.delegations {
		if owner == requester {
			delete(m.delegations, res)
			m.log.Info("resource lease dropped with owner", "resource", res, "owner", requester)
		}
	}
}

// ---- Status & teardown -------------------------------------------------------

// Status returns a snapshot of every device's current state.
func (m *Manager) Status() map[string]DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]DeviceState, len(m.devices))
	for name, e := range m.devices {
		out[name] = e.state
	}
	return out
}

func (m *Manager) logDeviceStates() {
	for name, st := range m.Status() {
		m.log.Info("device state", "device", name, "state", string(st))
	}
}

// CleanupAll releases every driver best-effort. One failing device never
// blocks cleanup of the rest.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.log.Info("cleaning up all drivers")
	m.mu.Lock()
	type item struct {
		name    string
		driver  Driver
		lockKey string
	}
	var items []item
	for name, e := range m.devices {
		if e.driver != nil {
			items = append(items, item{name, e.driver, e.lockKey})
		}
	}
	m.mu.Unlock()

	for _, it := range items {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("driver cleanup panicked", "device", it.name, "panic", r)
				}
			}()
			if l := m.lockFor(it.lockKey); l != nil {
				if err := l.acquire(ctx); err != nil {
					m.log.Warn("skipping cleanup, bus unavailable", "device", it.name, "error", err)
					return
				}
				defer l.release()
			}
			if err := it.driver.Cleanup(ctx); err != nil {
				m.log.Warn("driver cleanup failed", "device", it.name, "error", err)
			}
		}()
	}
	m.log.Info("driver cleanup finished")
}

// Reinitialize tears down every driver and rebuilds the whole device table
// from configuration.
func (m *Manager) Reinitialize(ctx context.Context) {
	m.log.Warn("re-initializing hardware manager")
	m.CleanupAll(ctx)
	m.resetTable()
	m.InitializeAll(ctx)
}
