package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"microos-go/config"
	"microos-go/errcode"
	"microos-go/hwman"
)

// State is a service's lifecycle state.
type State uint8

const (
	StateUninitialized State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Handler is the contract a concrete service implements. Run is the main
// cooperative loop and should wait on the pause gate and observe ctx;
// OnMessage receives everything the base dispatch does not consume.
type Handler interface {
	Setup(ctx context.Context) error
	Run(ctx context.Context) error
	OnMessage(ctx context.Context, msg *Message) error
	Cleanup(ctx context.Context) error
}

// NopHandler provides default hooks; embed it in services that only need
// some of them. The default Run blocks until cancelled.
type NopHandler struct{}

func (NopHandler) Setup(ctx context.Context) error { return nil }
func (NopHandler) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (NopHandler) OnMessage(ctx context.Context, msg *Message) error { return nil }
func (NopHandler) Cleanup(ctx context.Context) error                 { return nil }

// Service is the base lifecycle unit: a bounded FIFO inbox, a run task, a
// message-processing task, and the pending hardware-request table.
type Service struct {
	name string
	os   *Kernel
	cfg  config.Service
	log  *slog.Logger

	handler Handler
	inbox   chan *Message

	mu        sync.Mutex
	state     State
	paused    bool
	resumeCh  chan struct{}
	stopCh    chan struct{}
	runCancel context.CancelFunc
	msgCancel context.CancelFunc
	runWg     sync.WaitGroup
	msgWg     sync.WaitGroup

	pendMu  sync.Mutex
	pending map[string]chan Payload
}

func newService(name string, k *Kernel, cfg config.Service, log *slog.Logger) *Service {
	size := cfg.InboxSize
	if size <= 0 {
		size = config.DefaultInboxSize
	}
	return &Service{
		name:    name,
		os:      k,
		cfg:     cfg,
		log:     log,
		inbox:   make(chan *Message, size),
		stopCh:  make(chan struct{}),
		pending: map[string]chan Payload{},
	}
}

// ---- Accessors ---------------------------------------------------------------

func (s *Service) Name() string           { return s.name }
func (s *Service) Critical() bool         { return s.cfg.Critical }
func (s *Service) Params() map[string]any { return s.cfg.Params }
func (s *Service) Log() *slog.Logger      { return s.log }
func (s *Service) Handler() Handler       { return s.handler }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether the service's tasks are live (a paused service
// is still running).
func (s *Service) IsRunning() bool {
	st := s.State()
	return st == StateRunning || st == StatePaused
}

func (s *Service) IsPaused() bool { return s.State() == StatePaused }

// Storage returns the shared key/value store accessor.
func (s *Service) Storage() Store { return kernelStore{s.os} }

// Stopping returns a channel closed when a stop has been requested.
func (s *Service) Stopping() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}

// Send emits a message onto the bus with this service as sender.
func (s *Service) Send(recipient, msgType string, payload Payload) {
	if !s.IsRunning() && s.State() != StateStarting && s.State() != StateStopping {
		s.log.Warn("send while not running", "to", recipient, "type", msgType)
	}
	s.os.SendMessage(s.name, recipient, msgType, payload)
}

// ---- Lifecycle ---------------------------------------------------------------

func (s *Service) start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StatePaused {
		s.mu.Unlock()
		s.log.Warn("service already running")
		return nil
	}
	s.state = StateStarting
	s.stopCh = make(chan struct{})
	s.paused = false
	s.mu.Unlock()
	s.log.Info("service starting")

	if err := s.runSetup(ctx); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		return fmt.Errorf("setup %s: %w", s.name, err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	msgCtx, msgCancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.runCancel = runCancel
	s.msgCancel = msgCancel
	s.runWg.Add(1)
	s.msgWg.Add(1)
	go s.guardLoop(runCtx, "run", &s.runWg, s.runMain)
	go s.guardLoop(msgCtx, "messages", &s.msgWg, s.messageLoop)
	s.state = StateRunning
	s.mu.Unlock()
	s.log.Info("service started")
	return nil
}

// runSetup invokes the setup hook, converting a panic into an error so a
// broken service cannot take the kernel down with it.
func (s *Service) runSetup(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler.Setup(ctx)
}

func (s *Service) guardLoop(ctx context.Context, task string, wg *sync.WaitGroup, fn func(ctx context.Context)) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("service task panicked", "task", task, "panic", r)
		}
	}()
	fn(ctx)
}

func (s *Service) runMain(ctx context.Context) {
	if err := s.handler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("run loop exited with error", "error", err)
	}
}

// stop is idempotent: a second call while stopping, or a call on a service
// that never ran, is a no-op.
func (s *Service) stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopping || (s.state != StateRunning && s.state != StatePaused) {
		s.mu.Unlock()
		s.log.Debug("stop: already stopping or not running")
		return nil
	}
	s.state = StateStopping
	close(s.stopCh)
	// Force the pause gate open so a paused run loop can observe the stop.
	if s.paused {
		s.paused = false
		close(s.resumeCh)
	}
	runCancel, msgCancel := s.runCancel, s.msgCancel
	s.mu.Unlock()
	s.log.Info("service stopping")

	if runCancel != nil {
		runCancel()
	}
	s.runWg.Wait()

	// Cleanup runs with the message loop still live so cleanup-time
	// hardware requests can receive their responses.
	err := s.runCleanup(ctx)

	if msgCancel != nil {
		msgCancel()
	}
	s.msgWg.Wait()
	s.failPending(errcode.ServiceStopped)

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.log.Info("service stopped")
	return err
}

func (s *Service) runCleanup(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panic: %v", r)
		}
	}()
	return s.handler.Cleanup(ctx)
}

// kill cancels both tasks without running cleanup hooks. Used by the
// non-graceful shutdown path only.
func (s *Service) kill() {
	s.mu.Lock()
	runCancel, msgCancel := s.runCancel, s.msgCancel
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if s.paused {
		s.paused = false
		close(s.resumeCh)
	}
	s.state = StateStopped
	s.mu.Unlock()
	if runCancel != nil {
		runCancel()
	}
	if msgCancel != nil {
		msgCancel()
	}
	s.failPending(errcode.ServiceStopped)
}

// Pause closes the cooperative gate the run loop waits on. A critical
// service refuses to pause unless explicitly configured to allow it.
func (s *Service) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Critical && !s.cfg.AllowPauseCritical {
		s.log.Info("pause denied for critical service")
		return
	}
	if s.state != StateRunning {
		return
	}
	s.log.Info("pausing run loop")
	s.paused = true
	s.resumeCh = make(chan struct{})
	s.state = StatePaused
}

func (s *Service) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return
	}
	s.log.Info("resuming run loop")
	s.paused = false
	close(s.resumeCh)
	s.state = StateRunning
}

// WaitWhilePaused blocks while the pause gate is closed. Run loops call it
// at the top of each iteration.
func (s *Service) WaitWhilePaused(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.paused {
			s.mu.Unlock()
			return nil
		}
		ch := s.resumeCh
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ---- Message processing ------------------------------------------------------

func (s *Service) messageLoop(ctx context.Context) {
	s.log.Debug("message processor started")
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("message processor finished")
			return
		case msg := <-s.inbox:
			s.dispatch(ctx, msg)
		}
	}
}

// dispatch handles one message. Default handling consumes hardware
// responses and generic service commands; everything else reaches the
// concrete handler. A handler failure is logged and never kills the loop.
func (s *Service) dispatch(ctx context.Context, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("message handler panicked", "msg", msg.String(), "panic", r)
		}
	}()

	if msg.Sender == RecipientOS && (msg.Type == MsgHWActionResponse || msg.Type == MsgHWResourceLockResp) {
		reqID, _ := msg.Payload["request_id"].(string)
		s.resolvePending(reqID, msg.Payload)
		return
	}

	if msg.Type == MsgServiceCommand {
		if tgt, ok := msg.Payload["target_service"].(string); ok && tgt != "" && tgt != s.name {
			return
		}
		s.handleServiceCommand(ctx, msg)
		return
	}

	if err := s.handler.OnMessage(ctx, msg); err != nil {
		s.log.Error("message handler failed", "msg", msg.String(), "error", err)
	}
}

func (s *Service) handleServiceCommand(ctx context.Context, msg *Message) {
	action, _ := msg.Payload["action"].(string)
	switch action {
	case SvcCmdStop:
		// Route through the kernel so the registry entry goes away too.
		go s.os.guard("self_stop", func() {
			_ = s.os.StopService(context.Background(), s.name, "service_command")
		})
	case SvcCmdPause:
		s.Pause()
	case SvcCmdResume:
		s.Resume()
	case SvcCmdGetInfo:
		replyTo, _ := msg.Payload["reply_to"].(string)
		if replyTo == "" {
			replyTo = msg.Sender
		}
		if replyTo == "" || replyTo == RecipientOS {
			s.log.Warn("get_info without usable reply target")
			return
		}
		s.Send(replyTo, MsgServiceInfo, Payload{
			"service": s.name,
			"running": s.IsRunning(),
			"paused":  s.IsPaused(),
		})
	default:
		// Service-specific commands fall through to the handler.
		if err := s.handler.OnMessage(ctx, msg); err != nil {
			s.log.Error("service command failed", "action", action, "error", err)
		}
	}
}

func (s *Service) resolvePending(reqID string, payload Payload) {
	s.pendMu.Lock()
	ch, ok := s.pending[reqID]
	s.pendMu.Unlock()
	if !ok {
		s.log.Warn("response for unknown or timed-out request", "request_id", reqID)
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

// failPending resolves every outstanding correlation with a synthetic
// failure so no waiter is left hanging.
func (s *Service) failPending(code errcode.Code) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	for reqID, ch := range s.pending {
		select {
		case ch <- Payload{"request_ok": false, "code": string(code), "error": "service stopped"}:
		default:
		}
		delete(s.pending, reqID)
	}
}

// PendingRequests reports the size of the correlation table.
func (s *Service) PendingRequests() int {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	return len(s.pending)
}

// ---- Hardware request helper -------------------------------------------------

const DefaultHWTimeout = 2 * time.Second

// RequestHardware performs the asynchronous round trip for one hardware
// action: register a correlation, send the request, and wait for the
// response or the timeout. The correlation entry is always removed.
func (s *Service) RequestHardware(ctx context.Context, device, method string, args []any, kwargs map[string]any, timeout time.Duration) hwman.Result {
	return s.roundTrip(ctx, MsgHWAction, Payload{
		"device": device,
		"method": method,
		"args":   args,
		"kwargs": kwargs,
	}, timeout)
}

// DelegateResource requests an exclusive lease on a bus resource.
func (s *Service) DelegateResource(ctx context.Context, resource string, timeout time.Duration) hwman.Result {
	return s.roundTrip(ctx, MsgHWResourceLock, Payload{
		"action":   ResActionLock,
		"resource": resource,
	}, timeout)
}

// ReleaseResource drops a lease previously acquired with DelegateResource.
func (s *Service) ReleaseResource(ctx context.Context, resource string, timeout time.Duration) hwman.Result {
	return s.roundTrip(ctx, MsgHWResourceLock, Payload{
		"action":   ResActionRelease,
		"resource": resource,
	}, timeout)
}

func (s *Service) roundTrip(ctx context.Context, msgType string, payload Payload, timeout time.Duration) hwman.Result {
	if timeout <= 0 {
		timeout = DefaultHWTimeout
	}
	reqID := uuid.NewString()
	ch := make(chan Payload, 1)
	s.pendMu.Lock()
	s.pending[reqID] = ch
	s.pendMu.Unlock()
	defer func() {
		s.pendMu.Lock()
		delete(s.pending, reqID)
		s.pendMu.Unlock()
	}()

	payload["request_id"] = reqID
	payload["reply_to"] = s.name
	s.Send(RecipientOS, msgType, payload)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-ch:
		return hwman.ResultFromMap(map[string]any(p))
	case <-timer.C:
		s.log.Warn("request timed out", "type", msgType, "request_id", reqID)
		return hwman.Failf(errcode.Timeout, "no response within %s", timeout)
	case <-ctx.Done():
		return hwman.Failf(errcode.ServiceStopped, "cancelled while waiting: %v", ctx.Err())
	}
}
