package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"microos-go/config"
	"microos-go/errcode"
	"microos-go/hwman"
)

const osInboxSize = 64

// CriticalStartError reports the critical service whose start failed and
// halted the boot sequence.
type CriticalStartError struct {
	Service string
	Err     error
}

func (e *CriticalStartError) Error() string {
	return fmt.Sprintf("critical service %q failed to start: %v", e.Service, e.Err)
}

func (e *CriticalStartError) Unwrap() error { return e.Err }

// Kernel owns the message bus, the service table, the hardware manager,
// and persistent storage. All inter-service traffic flows through it.
type Kernel struct {
	log     *slog.Logger
	cfg     *config.Config
	hw      *hwman.Manager
	storage *Storage

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	services   map[string]*Service
	startOrder []string

	osInbox chan *Message

	shutdownMu sync.Mutex
	shutdown   bool
	done       chan struct{}
}

func New(cfg *config.Config, prims hwman.Primitives, log *slog.Logger) *Kernel {
	baseCtx, cancel := context.WithCancel(context.Background())
	k := &Kernel{
		log:        log,
		cfg:        cfg,
		storage:    NewStorage(cfg.Storage.Path, log.With("component", "storage")),
		baseCtx:    baseCtx,
		baseCancel: cancel,
		services:   map[string]*Service{},
		osInbox:    make(chan *Message, osInboxSize),
		done:       make(chan struct{}),
	}
	k.hw = hwman.New(cfg.Hardware.Devices, prims, log.With("component", "hwman"))
	k.storage.onDirty = func(keys []string) {
		k.SendMessage(RecipientOS, RecipientBroadcast, MsgStorageUpdate, Payload{"keys": keys})
	}
	return k
}

// HW exposes the hardware manager for tests and the entry point.
func (k *Kernel) HW() *hwman.Manager { return k.hw }

// StorageStore returns the shared store accessor.
func (k *Kernel) StorageStore() Store { return kernelStore{k} }

// Done is closed when shutdown has completed.
func (k *Kernel) Done() <-chan struct{} { return k.done }

// kernelStore adapts the Storage to the narrow Store interface services see.
type kernelStore struct{ k *Kernel }

func (s kernelStore) Get(key string) (any, bool) { return s.k.storage.Get(key) }
func (s kernelStore) Set(key string, v any)      { s.k.storage.Set(key, v) }
func (s kernelStore) MarkDirty(keys ...string)   { s.k.storage.MarkDirty(keys...) }

// ---- Message bus -------------------------------------------------------------

// SendMessage routes one message. Broadcast fans out to every service
// except the sender, each with its own deep copy of the payload. Delivery
// is lossy: a full inbox drops the new message.
func (k *Kernel) SendMessage(sender, recipient, msgType string, payload Payload) {
	msg := NewMessage(sender, recipient, msgType, payload)

	switch recipient {
	case RecipientOS:
		select {
		case k.osInbox <- msg:
		default:
			k.log.Warn("os inbox full, dropping message", "msg", msg.String())
		}
	case RecipientBroadcast:
		k.mu.Lock()
		targets := make([]*Service, 0, len(k.services))
		for name, svc := range k.services {
			if name == sender {
				continue
			}
			targets = append(targets, svc)
		}
		k.mu.Unlock()
		for _, svc := range targets {
			// Registered but not yet running (or already stopping)
			// services do not take part in broadcast.
			if !svc.IsRunning() {
				continue
			}
			copyMsg := *msg
			copyMsg.Recipient = svc.name
			copyMsg.Payload = clonePayload(msg.Payload)
			k.deliver(svc, &copyMsg)
		}
	default:
		k.mu.Lock()
		svc, ok := k.services[recipient]
		k.mu.Unlock()
		if !ok {
			k.log.Warn("message to unknown service", "msg", msg.String())
			return
		}
		k.deliver(svc, msg)
	}
}

func (k *Kernel) deliver(svc *Service, msg *Message) {
	select {
	case svc.inbox <- msg:
	default:
		k.log.Warn("inbox full, dropping message", "service", svc.name, "msg", msg.String())
	}
}

// guard runs fn and converts a panic into an error log, keeping the kernel
// loop alive regardless of what a handler does.
func (k *Kernel) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			k.log.Error("kernel task panicked", "task", what, "panic", r)
		}
	}()
	fn()
}

func (k *Kernel) osLoop(ctx context.Context) {
	k.log.Debug("os message loop started")
	for {
		select {
		case <-ctx.Done():
			k.log.Debug("os message loop finished")
			return
		case msg := <-k.osInbox:
			k.guard("os_message", func() { k.handleOSMessage(msg) })
		}
	}
}

// ---- OS message handling -----------------------------------------------------

func (k *Kernel) handleOSMessage(msg *Message) {
	switch msg.Type {
	case MsgHWAction:
		k.handleHWAction(msg)
	case MsgHWResourceLock:
		k.handleResourceLock(msg)
	case MsgOSCommand:
		k.handleOSCommand(msg)
	case MsgServiceCommand:
		k.routeServiceCommand(msg)
	case MsgStatusReport:
		k.log.Info("status report", "from", msg.Sender, "payload", map[string]any(msg.Payload))
	default:
		k.log.Warn("unhandled os message", "msg", msg.String())
	}
}

// routeServiceCommand forwards a service command addressed to the os on to
// the service named in target_service.
func (k *Kernel) routeServiceCommand(msg *Message) {
	target, _ := msg.Payload["target_service"].(string)
	k.mu.Lock()
	svc, ok := k.services[target]
	k.mu.Unlock()
	if !ok {
		k.log.Warn("service command for unknown target", "target", target, "msg", msg.String())
		return
	}
	fwd := *msg
	fwd.Recipient = target
	k.deliver(svc, &fwd)
}

func (k *Kernel) handleHWAction(msg *Message) {
	reqID, _ := msg.Payload["request_id"].(string)
	replyTo, _ := msg.Payload["reply_to"].(string)
	if replyTo == "" {
		replyTo = msg.Sender
	}
	if reqID == "" || replyTo == "" || replyTo == RecipientOS {
		k.log.Warn("malformed hardware request", "msg", msg.String())
		return
	}

	device, _ := msg.Payload["device"].(string)
	method, _ := msg.Payload["method"].(string)
	args, _ := msg.Payload["args"].([]any)
	kwargs, _ := msg.Payload["kwargs"].(map[string]any)

	res := k.hw.ExecuteAction(k.baseCtx, hwman.ActionRequest{
		Device:    device,
		Method:    method,
		Args:      args,
		KWArgs:    kwargs,
		Requester: replyTo,
	})

	reply := Payload(res.ToMap())
	reply["request_id"] = reqID
	reply["device"] = device
	reply["method"] = method
	k.SendMessage(RecipientOS, replyTo, MsgHWActionResponse, reply)
}

func (k *Kernel) handleResourceLock(msg *Message) {
	reqID, _ := msg.Payload["request_id"].(string)
	replyTo, _ := msg.Payload["reply_to"].(string)
	if replyTo == "" {
		replyTo = msg.Sender
	}
	if reqID == "" || replyTo == "" || replyTo == RecipientOS {
		k.log.Warn("malformed resource lock request", "msg", msg.String())
		return
	}

	action, _ := msg.Payload["action"].(string)
	resource, _ := msg.Payload["resource"].(string)

	var res hwman.Result
	switch action {
	case ResActionLock:
		res = k.hw.Delegate(resource, replyTo)
	case ResActionRelease:
		res = k.hw.Release(resource, replyTo)
	default:
		res = hwman.Failf(errcode.InvalidParams, "unknown lock action %q", action)
	}

	reply := Payload(res.ToMap())
	reply["request_id"] = reqID
	reply["resource"] = resource
	reply["action"] = action
	k.SendMessage(RecipientOS, replyTo, MsgHWResourceLockResp, reply)
}

func (k *Kernel) handleOSCommand(msg *Message) {
	action, _ := msg.Payload["action"].(string)
	k.log.Info("os command", "action", action, "from", msg.Sender)

	switch action {
	case CmdCreateService:
		name, _ := msg.Payload["service_name"].(string)
		var svcCfg config.Service
		if raw, ok := msg.Payload["service_config"].(map[string]any); ok {
			if err := config.Decode(raw, &svcCfg); err != nil {
				k.log.Error("create_service: bad config", "service", name, "error", err)
				return
			}
		}
		go k.guard("create_service", func() {
			if err := k.CreateService(k.baseCtx, name, svcCfg); err != nil {
				k.log.Error("create_service failed", "service", name, "error", err)
			}
		})
	case CmdStopService:
		name, _ := msg.Payload["service_name"].(string)
		// Runs off the os loop: a stopping service may issue hardware
		// requests from its cleanup hook, and those are handled here.
		go k.guard("stop_service", func() {
			if err := k.StopService(k.baseCtx, name, "os_command"); err != nil {
				k.log.Error("stop_service failed", "service", name, "error", err)
			}
		})
	case CmdPauseService:
		name, _ := msg.Payload["service_name"].(string)
		k.PauseService(name)
	case CmdResumeService:
		name, _ := msg.Payload["service_name"].(string)
		k.ResumeService(name)
	case CmdShutdown:
		graceful := true
		if g, ok := msg.Payload["graceful"].(bool); ok {
			graceful = g
		}
		go k.Shutdown(context.Background(), graceful)
	case CmdSaveStorage:
		if err := k.storage.Save(); err != nil {
			k.log.Error("save_storage failed", "error", err)
		}
	case CmdGetStatus:
		if msg.Sender == "" || msg.Sender == RecipientOS {
			k.log.Info("system status", "payload", k.statusPayload())
			return
		}
		k.SendMessage(RecipientOS, msg.Sender, MsgStatusReport, k.statusPayload())
	case CmdReinitHW:
		go k.guard("reinit_hw", func() { k.hw.Reinitialize(k.baseCtx) })
	default:
		k.log.Warn("unknown os command", "action", action, "from", msg.Sender)
	}
}

func (k *Kernel) statusPayload() Payload {
	k.mu.Lock()
	services := make(map[string]any, len(k.services))
	for name, svc := range k.services {
		services[name] = svc.State().String()
	}
	k.mu.Unlock()

	devices := make(map[string]any)
	for name, st := range k.hw.Status() {
		devices[name] = string(st)
	}
	return Payload{
		"services":      services,
		"devices":       devices,
		"storage_dirty": k.storage.Dirty(),
	}
}

// ---- Service management ------------------------------------------------------

// CreateService builds, registers and starts one service. A name collision
// is an error; a start failure removes the half-registered entry.
func (k *Kernel) CreateService(ctx context.Context, name string, cfg config.Service) error {
	if name == "" {
		return fmt.Errorf("create service: empty name")
	}
	if name == RecipientOS || name == RecipientBroadcast {
		return fmt.Errorf("create service: %q is a reserved name", name)
	}

	factory, err := findFactory(cfg.Type)
	if err != nil {
		return fmt.Errorf("create service %s: %w", name, err)
	}

	svc := newService(name, k, cfg, k.log.With("service", name))
	handler, err := factory(svc)
	if err != nil {
		return fmt.Errorf("create service %s: %w", name, err)
	}
	svc.handler = handler

	k.mu.Lock()
	if _, dup := k.services[name]; dup {
		k.mu.Unlock()
		return fmt.Errorf("create service: %q already exists", name)
	}
	k.services[name] = svc
	k.startOrder = append(k.startOrder, name)
	k.mu.Unlock()

	if err := svc.start(ctx); err != nil {
		k.removeService(name)
		return err
	}
	return nil
}

// StopService stops a service and removes it from the table. The entry is
// removed and its delegations released even when cleanup errors.
func (k *Kernel) StopService(ctx context.Context, name, reason string) error {
	k.mu.Lock()
	svc, ok := k.services[name]
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop service: unknown service %q", name)
	}
	k.log.Info("stopping service", "service", name, "reason", reason)

	err := svc.stop(ctx)
	k.removeService(name)
	k.hw.ReleaseAllFor(name)
	if err != nil {
		return fmt.Errorf("stop service %s: %w", name, err)
	}
	return nil
}

func (k *Kernel) removeService(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.services, name)
	for i, n := range k.startOrder {
		if n == name {
			k.startOrder = append(k.startOrder[:i], k.startOrder[i+1:]...)
			break
		}
	}
}

func (k *Kernel) PauseService(name string) {
	k.mu.Lock()
	svc, ok := k.services[name]
	k.mu.Unlock()
	if !ok {
		k.log.Warn("pause: unknown service", "service", name)
		return
	}
	svc.Pause()
}

func (k *Kernel) ResumeService(name string) {
	k.mu.Lock()
	svc, ok := k.services[name]
	k.mu.Unlock()
	if !ok {
		k.log.Warn("resume: unknown service", "service", name)
		return
	}
	svc.Resume()
}

// Service looks up a registered service by name.
func (k *Kernel) Service(name string) (*Service, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	svc, ok := k.services[name]
	return svc, ok
}

// ---- Boot and shutdown -------------------------------------------------------

// Run executes the boot protocol: load storage, bring up hardware, start
// the configured services in order, record the boot outcome, then block
// until shutdown. A critical service failing to start halts the boot.
func (k *Kernel) Run(ctx context.Context) error {
	k.log.Info("kernel booting")

	k.storage.Load(k.cfg.Storage.Defaults)
	k.hw.InitializeAll(k.baseCtx)

	go k.osLoop(k.baseCtx)

	if err := k.startConfiguredServices(k.baseCtx); err != nil {
		var crit *CriticalStartError
		if errors.As(err, &crit) {
			k.storage.Set(KeySystemStatus, StatusCritHaltPrefix+crit.Service)
			k.storage.MarkDirty(KeySystemStatus)
			if saveErr := k.storage.Save(); saveErr != nil {
				k.log.Error("failed to persist halt status", "error", saveErr)
			}
			k.log.Error("critical service failed, halting", "service", crit.Service, "error", crit.Err)
			// Non-graceful: cleanup hooks must not run against a system
			// that just failed its critical bring-up.
			k.Shutdown(context.Background(), false)
			return err
		}
		return err
	}

	k.storage.Set(KeySystemStatus, StatusRunOK)
	k.storage.MarkDirty(KeySystemStatus)
	k.notifyBootStatus()
	k.log.Info("kernel running")

	select {
	case <-ctx.Done():
		k.Shutdown(context.Background(), true)
	case <-k.done:
	}
	return nil
}

// startConfiguredServices starts the autostart services sorted by start
// order, critical services first within the same order, then by name. A
// non-critical failure is logged and skipped.
func (k *Kernel) startConfiguredServices(ctx context.Context) error {
	type slot struct {
		name string
		cfg  config.Service
	}
	slots := make([]slot, 0, len(k.cfg.Services))
	for name, sc := range k.cfg.Services {
		if !sc.AutostartOn() {
			k.log.Info("autostart disabled, skipping", "service", name)
			continue
		}
		slots = append(slots, slot{name, sc})
	}
	sort.Slice(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.cfg.StartOrder != b.cfg.StartOrder {
			return a.cfg.StartOrder < b.cfg.StartOrder
		}
		if a.cfg.Critical != b.cfg.Critical {
			return a.cfg.Critical
		}
		return a.name < b.name
	})

	for _, s := range slots {
		if err := k.CreateService(ctx, s.name, s.cfg); err != nil {
			if s.cfg.Critical {
				return &CriticalStartError{Service: s.name, Err: err}
			}
			k.log.Error("non-critical service failed to start", "service", s.name, "error", err)
		}
	}
	return nil
}

// notifyBootStatus asks the configured status display service to show the
// boot outcome on whatever surface it owns.
func (k *Kernel) notifyBootStatus() {
	target := k.cfg.System.StatusService
	if target == "" {
		return
	}
	k.mu.Lock()
	_, ok := k.services[target]
	k.mu.Unlock()
	if !ok {
		k.log.Warn("status service not running, skipping boot notification", "service", target)
		return
	}
	k.SendMessage(RecipientOS, target, MsgServiceCommand, Payload{
		"action":         SvcCmdShowBootStatus,
		"target_service": target,
	})
}

// Shutdown stops every service (reverse start order), saves storage, and
// cleans up hardware. Idempotent; a second call waits on the first.
func (k *Kernel) Shutdown(ctx context.Context, graceful bool) {
	k.shutdownMu.Lock()
	if k.shutdown {
		k.shutdownMu.Unlock()
		<-k.done
		return
	}
	k.shutdown = true
	k.shutdownMu.Unlock()
	defer close(k.done)

	k.log.Info("shutdown initiated", "graceful", graceful)

	k.mu.Lock()
	order := make([]string, len(k.startOrder))
	copy(order, k.startOrder)
	k.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		k.mu.Lock()
		svc, ok := k.services[name]
		k.mu.Unlock()
		if !ok {
			continue
		}
		if graceful {
			if err := svc.stop(ctx); err != nil {
				k.log.Error("service stop failed during shutdown", "service", name, "error", err)
			}
		} else {
			svc.kill()
		}
		k.removeService(name)
		k.hw.ReleaseAllFor(name)
	}

	if err := k.storage.Save(); err != nil {
		k.log.Error("storage save failed during shutdown", "error", err)
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	k.hw.CleanupAll(cleanupCtx)
	cancel()

	k.baseCancel()
	k.log.Info("shutdown complete")
}
