package kernel

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/drivers"

	"microos-go/config"
	"microos-go/errcode"
	"microos-go/hwman"
	"microos-go/logx"
)

type nilPrims struct{}

func (nilPrims) I2C(string) (drivers.I2C, bool) { return nil, false }
func (nilPrims) UART(string) (hwman.UART, bool) { return nil, false }
func (nilPrims) Pin(int) (hwman.GPIOPin, bool)  { return nil, false }
func (nilPrims) ADC(int) (hwman.ADCPin, bool)   { return nil, false }

// recorder captures every message its service receives.
type recorder struct {
	NopHandler
	mu   sync.Mutex
	msgs []*Message
}

func (r *recorder) OnMessage(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) received(msgType string) []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Message
	for _, m := range r.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

var (
	recMu     sync.Mutex
	recorders = map[string]*recorder{}
)

type badSetup struct{ NopHandler }

func (badSetup) Setup(ctx context.Context) error { return errors.New("setup refused") }

// gatedRecorder is a recorder whose setup blocks until the gate is closed,
// holding the service in STARTING.
type gatedRecorder struct{ *recorder }

var (
	gateMu    sync.Mutex
	setupGate chan struct{}
)

func (g gatedRecorder) Setup(ctx context.Context) error {
	gateMu.Lock()
	ch := setupGate
	gateMu.Unlock()
	if ch != nil {
		<-ch
	}
	return nil
}

// cleanupCounter counts Cleanup invocations across all instances.
type cleanupCounter struct{ NopHandler }

var cleanupRuns atomic.Int32

func (cleanupCounter) Cleanup(ctx context.Context) error {
	cleanupRuns.Add(1)
	return nil
}

func init() {
	RegisterService("recorder", func(svc *Service) (Handler, error) {
		r := &recorder{}
		recMu.Lock()
		recorders[svc.Name()] = r
		recMu.Unlock()
		return r, nil
	})
	RegisterService("bad_setup", func(svc *Service) (Handler, error) {
		return badSetup{}, nil
	})
	RegisterService("cleanup_counter", func(svc *Service) (Handler, error) {
		return cleanupCounter{}, nil
	})
	RegisterService("gated_recorder", func(svc *Service) (Handler, error) {
		r := &recorder{}
		recMu.Lock()
		recorders[svc.Name()] = r
		recMu.Unlock()
		return gatedRecorder{r}, nil
	})
}

func getRecorder(t *testing.T, name string) *recorder {
	t.Helper()
	recMu.Lock()
	defer recMu.Unlock()
	r, ok := recorders[name]
	require.True(t, ok, "no recorder for %s", name)
	return r
}

func newTestKernel(t *testing.T, cfg *config.Config) *Kernel {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(t.TempDir(), "storage.json")
	}
	k := New(cfg, nilPrims{}, logx.Noop())
	t.Cleanup(func() { k.Shutdown(context.Background(), false) })
	return k
}

func startRecorder(t *testing.T, k *Kernel, name string) *Service {
	t.Helper()
	require.NoError(t, k.CreateService(context.Background(), name, config.Service{Type: "recorder"}))
	svc, ok := k.Service(name)
	require.True(t, ok)
	return svc
}

func TestCreateServiceDuplicateRejected(t *testing.T) {
	k := newTestKernel(t, nil)
	startRecorder(t, k, "one")
	err := k.CreateService(context.Background(), "one", config.Service{Type: "recorder"})
	assert.ErrorContains(t, err, "already exists")
}

func TestCreateServiceValidation(t *testing.T) {
	k := newTestKernel(t, nil)
	assert.Error(t, k.CreateService(context.Background(), "", config.Service{Type: "recorder"}))
	assert.Error(t, k.CreateService(context.Background(), RecipientOS, config.Service{Type: "recorder"}))
	assert.Error(t, k.CreateService(context.Background(), "x", config.Service{Type: "no_such_type"}))
}

func TestCreateServiceSetupFailureRemovesEntry(t *testing.T) {
	k := newTestKernel(t, nil)
	err := k.CreateService(context.Background(), "broken", config.Service{Type: "bad_setup"})
	require.Error(t, err)
	_, ok := k.Service("broken")
	assert.False(t, ok)
}

func TestBroadcastExcludesSenderWithIndependentCopies(t *testing.T) {
	k := newTestKernel(t, nil)
	startRecorder(t, k, "a")
	startRecorder(t, k, "b")
	startRecorder(t, k, "c")

	k.SendMessage("a", RecipientBroadcast, "evt", Payload{
		"nested": map[string]any{"x": 1},
	})

	require.Eventually(t, func() bool {
		return len(getRecorder(t, "b").received("evt")) == 1 &&
			len(getRecorder(t, "c").received("evt")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, getRecorder(t, "a").received("evt"))

	// Mutating one recipient's copy must not leak into another's.
	bMsg := getRecorder(t, "b").received("evt")[0]
	bMsg.Payload["nested"].(map[string]any)["x"] = 99
	cMsg := getRecorder(t, "c").received("evt")[0]
	assert.Equal(t, 1, cMsg.Payload["nested"].(map[string]any)["x"])
}

func TestBroadcastSkipsServiceStillStarting(t *testing.T) {
	k := newTestKernel(t, nil)
	startRecorder(t, k, "sender")

	gateMu.Lock()
	setupGate = make(chan struct{})
	gate := setupGate
	gateMu.Unlock()
	done := make(chan error, 1)
	go func() {
		done <- k.CreateService(context.Background(), "late", config.Service{Type: "gated_recorder"})
	}()

	// The name is reserved while setup is still in flight.
	require.Eventually(t, func() bool {
		_, ok := k.Service("late")
		return ok
	}, time.Second, 5*time.Millisecond)

	k.SendMessage("sender", RecipientBroadcast, "tick", Payload{"n": 1})
	time.Sleep(50 * time.Millisecond)

	close(gate)
	require.NoError(t, <-done)
	k.SendMessage("sender", RecipientBroadcast, "tick", Payload{"n": 2})

	require.Eventually(t, func() bool {
		return len(getRecorder(t, "late").received("tick")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, getRecorder(t, "late").received("tick")[0].Payload["n"])
}

func TestDeliverDropsNewestWhenFull(t *testing.T) {
	k := newTestKernel(t, nil)
	svc := newService("full", k, config.Service{InboxSize: 1}, logx.Noop())

	k.deliver(svc, NewMessage("x", "full", "first", nil))
	k.deliver(svc, NewMessage("x", "full", "second", nil))

	require.Len(t, svc.inbox, 1)
	got := <-svc.inbox
	assert.Equal(t, "first", got.Type)
}

func TestSendToUnknownServiceIsDropped(t *testing.T) {
	k := newTestKernel(t, nil)
	// Must not panic or block.
	k.SendMessage("a", "ghost", "evt", nil)
}

func TestRequestHardwareUnknownDevice(t *testing.T) {
	k := newTestKernel(t, nil)
	go k.osLoop(k.baseCtx)
	svc := startRecorder(t, k, "svc")

	res := svc.RequestHardware(context.Background(), "ghost", "ping", nil, nil, 2*time.Second)
	assert.False(t, res.OK)
	assert.Equal(t, errcode.UnknownDevice, res.Code)
	assert.Zero(t, svc.PendingRequests())
}

func TestRequestHardwareTimeoutCleansPendingTable(t *testing.T) {
	// No os loop: the request can never be answered.
	k := newTestKernel(t, nil)
	svc := startRecorder(t, k, "svc")

	res := svc.RequestHardware(context.Background(), "dev", "ping", nil, nil, 50*time.Millisecond)
	assert.Equal(t, errcode.Timeout, res.Code)
	assert.Zero(t, svc.PendingRequests())
}

func TestLateResponseAfterTimeoutIsIgnored(t *testing.T) {
	k := newTestKernel(t, nil)
	svc := startRecorder(t, k, "svc")

	res := svc.RequestHardware(context.Background(), "dev", "ping", nil, nil, 20*time.Millisecond)
	require.Equal(t, errcode.Timeout, res.Code)

	// A response arriving after the timeout must be dropped without effect.
	svc.resolvePending("stale-id", Payload{"request_ok": true})
	assert.Zero(t, svc.PendingRequests())
}

func TestStopServiceResolvesPendingRequests(t *testing.T) {
	k := newTestKernel(t, nil)
	svc := startRecorder(t, k, "svc")

	resCh := make(chan hwman.Result, 1)
	go func() {
		resCh <- svc.RequestHardware(context.Background(), "dev", "ping", nil, nil, 5*time.Second)
	}()
	require.Eventually(t, func() bool { return svc.PendingRequests() == 1 },
		time.Second, time.Millisecond)

	require.NoError(t, k.StopService(context.Background(), "svc", "test"))

	select {
	case res := <-resCh:
		assert.Equal(t, errcode.ServiceStopped, res.Code)
	case <-time.After(time.Second):
		t.Fatal("pending request was not resolved by stop")
	}
	_, ok := k.Service("svc")
	assert.False(t, ok)
	assert.Equal(t, StateStopped, svc.State())
}

func TestStopServiceUnknown(t *testing.T) {
	k := newTestKernel(t, nil)
	assert.Error(t, k.StopService(context.Background(), "ghost", "test"))
}

func TestPauseResume(t *testing.T) {
	k := newTestKernel(t, nil)
	svc := startRecorder(t, k, "svc")

	k.PauseService("svc")
	assert.Equal(t, StatePaused, svc.State())
	assert.True(t, svc.IsRunning())

	// Pausing twice stays paused; resuming twice stays running.
	k.PauseService("svc")
	assert.Equal(t, StatePaused, svc.State())
	k.ResumeService("svc")
	assert.Equal(t, StateRunning, svc.State())
	k.ResumeService("svc")
	assert.Equal(t, StateRunning, svc.State())
}

func TestPauseCriticalDenied(t *testing.T) {
	k := newTestKernel(t, nil)
	require.NoError(t, k.CreateService(context.Background(), "crit",
		config.Service{Type: "recorder", Critical: true}))
	svc, _ := k.Service("crit")

	svc.Pause()
	assert.Equal(t, StateRunning, svc.State())
}

func TestPauseCriticalAllowedWhenConfigured(t *testing.T) {
	k := newTestKernel(t, nil)
	require.NoError(t, k.CreateService(context.Background(), "crit",
		config.Service{Type: "recorder", Critical: true, AllowPauseCritical: true}))
	svc, _ := k.Service("crit")

	svc.Pause()
	assert.Equal(t, StatePaused, svc.State())
}

func TestWaitWhilePausedBlocksUntilResume(t *testing.T) {
	k := newTestKernel(t, nil)
	svc := startRecorder(t, k, "svc")
	svc.Pause()

	released := make(chan error, 1)
	go func() { released <- svc.WaitWhilePaused(context.Background()) }()

	select {
	case <-released:
		t.Fatal("WaitWhilePaused returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	svc.Resume()
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitWhilePaused did not release on resume")
	}
}

func TestServiceCommandGetInfo(t *testing.T) {
	k := newTestKernel(t, nil)
	startRecorder(t, k, "asker")
	startRecorder(t, k, "target")

	k.SendMessage("asker", "target", MsgServiceCommand, Payload{
		"action":   SvcCmdGetInfo,
		"reply_to": "asker",
	})

	require.Eventually(t, func() bool {
		return len(getRecorder(t, "asker").received(MsgServiceInfo)) == 1
	}, time.Second, 5*time.Millisecond)
	info := getRecorder(t, "asker").received(MsgServiceInfo)[0]
	assert.Equal(t, "target", info.Payload["service"])
	assert.Equal(t, true, info.Payload["running"])
}

func TestServiceCommandTargetFilter(t *testing.T) {
	k := newTestKernel(t, nil)
	startRecorder(t, k, "svc")
	svc, _ := k.Service("svc")

	k.SendMessage(RecipientOS, "svc", MsgServiceCommand, Payload{
		"action":         SvcCmdPause,
		"target_service": "someone_else",
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRunning, svc.State())
}

func TestServiceCommandToOSRerouted(t *testing.T) {
	k := newTestKernel(t, nil)
	go k.osLoop(k.baseCtx)
	svc := startRecorder(t, k, "target")

	k.SendMessage("someone", RecipientOS, MsgServiceCommand, Payload{
		"action":         SvcCmdPause,
		"target_service": "target",
	})
	require.Eventually(t, func() bool { return svc.State() == StatePaused },
		time.Second, 5*time.Millisecond)

	// An unknown target is dropped with a warning only.
	k.SendMessage("someone", RecipientOS, MsgServiceCommand, Payload{
		"action":         SvcCmdResume,
		"target_service": "nobody",
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatePaused, svc.State())
}

func TestOSCommandPauseResume(t *testing.T) {
	k := newTestKernel(t, nil)
	go k.osLoop(k.baseCtx)
	svc := startRecorder(t, k, "svc")

	k.SendMessage("svc", RecipientOS, MsgOSCommand, Payload{
		"action":       CmdPauseService,
		"service_name": "svc",
	})
	require.Eventually(t, func() bool { return svc.State() == StatePaused },
		time.Second, 5*time.Millisecond)

	k.SendMessage("svc", RecipientOS, MsgOSCommand, Payload{
		"action":       CmdResumeService,
		"service_name": "svc",
	})
	require.Eventually(t, func() bool { return svc.State() == StateRunning },
		time.Second, 5*time.Millisecond)
}

func TestOSCommandGetStatus(t *testing.T) {
	k := newTestKernel(t, nil)
	go k.osLoop(k.baseCtx)
	startRecorder(t, k, "svc")

	k.SendMessage("svc", RecipientOS, MsgOSCommand, Payload{"action": CmdGetStatus})

	require.Eventually(t, func() bool {
		return len(getRecorder(t, "svc").received(MsgStatusReport)) == 1
	}, time.Second, 5*time.Millisecond)
	report := getRecorder(t, "svc").received(MsgStatusReport)[0]
	services, ok := report.Payload["services"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "RUNNING", services["svc"])
}

func TestStorageDirtyBroadcast(t *testing.T) {
	k := newTestKernel(t, nil)
	startRecorder(t, k, "svc")

	k.StorageStore().Set("some_key", 7)
	k.StorageStore().MarkDirty("some_key")

	require.Eventually(t, func() bool {
		return len(getRecorder(t, "svc").received(MsgStorageUpdate)) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownIdempotent(t *testing.T) {
	k := newTestKernel(t, nil)
	startRecorder(t, k, "svc")

	k.Shutdown(context.Background(), true)
	// Second call must return promptly rather than re-run teardown.
	done := make(chan struct{})
	go func() {
		k.Shutdown(context.Background(), true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second shutdown did not return")
	}

	_, ok := k.Service("svc")
	assert.False(t, ok)
	select {
	case <-k.Done():
	default:
		t.Fatal("done channel not closed after shutdown")
	}
}

func TestRunBootAndShutdown(t *testing.T) {
	cfg := &config.Config{
		Services: map[string]config.Service{
			"svc": {Type: "recorder", StartOrder: 10},
		},
		Storage: config.Storage{
			Path:     filepath.Join(t.TempDir(), "s.json"),
			Defaults: map[string]any{KeySystemStatus: "INIT"},
		},
	}
	cfg.System.StatusService = "svc"
	k := New(cfg, nilPrims{}, logx.Noop())

	runErr := make(chan error, 1)
	go func() { runErr <- k.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		v, _ := k.StorageStore().Get(KeySystemStatus)
		return v == StatusRunOK
	}, 2*time.Second, 5*time.Millisecond)

	// Boot notification reaches the configured status service.
	require.Eventually(t, func() bool {
		msgs := getRecorder(t, "svc").received(MsgServiceCommand)
		for _, m := range msgs {
			if m.Payload["action"] == SvcCmdShowBootStatus {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	k.Shutdown(context.Background(), true)
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after shutdown")
	}
}

func TestRunCriticalFailureHalts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.json")
	cfg := &config.Config{
		Services: map[string]config.Service{
			"vital":  {Type: "bad_setup", Critical: true, StartOrder: 1},
			"normal": {Type: "recorder", StartOrder: 2},
		},
		Storage: config.Storage{Path: path},
	}
	k := New(cfg, nilPrims{}, logx.Noop())

	err := k.Run(context.Background())
	var crit *CriticalStartError
	require.ErrorAs(t, err, &crit)
	assert.Equal(t, "vital", crit.Service)

	v, _ := k.StorageStore().Get(KeySystemStatus)
	assert.Equal(t, StatusCritHaltPrefix+"vital", v)
}

func TestRunCriticalFailureSkipsCleanupHooks(t *testing.T) {
	cleanupRuns.Store(0)
	cfg := &config.Config{
		Services: map[string]config.Service{
			"early": {Type: "cleanup_counter", StartOrder: 1},
			"vital": {Type: "bad_setup", Critical: true, StartOrder: 2},
		},
		Storage: config.Storage{Path: filepath.Join(t.TempDir(), "s.json")},
	}
	k := New(cfg, nilPrims{}, logx.Noop())

	err := k.Run(context.Background())
	var crit *CriticalStartError
	require.ErrorAs(t, err, &crit)
	assert.Equal(t, "vital", crit.Service)
	// The halt shutdown is forced, so already-started services are killed
	// without their cleanup hooks.
	assert.Equal(t, int32(0), cleanupRuns.Load())
}

func TestStartOrderRespectsCriticalAndName(t *testing.T) {
	cfg := &config.Config{
		Services: map[string]config.Service{
			"later":    {Type: "recorder", StartOrder: 20},
			"earlier":  {Type: "recorder", StartOrder: 10},
			"critical": {Type: "recorder", StartOrder: 20, Critical: true},
			"skipped":  {Type: "recorder", StartOrder: 5, Autostart: boolPtr(false)},
		},
		Storage: config.Storage{Path: filepath.Join(t.TempDir(), "s.json")},
	}
	k := New(cfg, nilPrims{}, logx.Noop())
	require.NoError(t, k.startConfiguredServices(k.baseCtx))
	defer k.Shutdown(context.Background(), true)

	k.mu.Lock()
	order := append([]string(nil), k.startOrder...)
	k.mu.Unlock()
	assert.Equal(t, []string{"earlier", "critical", "later"}, order)
	_, ok := k.Service("skipped")
	assert.False(t, ok)
}

func boolPtr(b bool) *bool { return &b }
