// Package clock keeps system time aligned with the external DS3231 RTC.
// It performs an initial sync at start, then periodic drift checks, and
// publishes clock health to storage and the bus.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"microos-go/config"
	"microos-go/hwman"
	"microos-go/kernel"
)

const (
	MsgClockStatus = "clock_status_update"

	KeyDrift     = "clock_drift_seconds"
	KeyClockInfo = "clock_info"

	statusClockOK      = "CLOCK_OK"
	statusClockReadErr = "CLK_ERR_READ"
)

type Params struct {
	DeviceKey          string  `yaml:"device_key" json:"device_key"`
	DriftCheckInterval float64 `yaml:"drift_check_interval_s" json:"drift_check_interval_s"`
	MaxDriftSeconds    float64 `yaml:"max_drift_s" json:"max_drift_s"`
}

func (p *Params) applyDefaults() {
	if p.DeviceKey == "" {
		p.DeviceKey = "rtc"
	}
	if p.DriftCheckInterval <= 0 {
		p.DriftCheckInterval = 3600
	}
	if p.MaxDriftSeconds <= 0 {
		p.MaxDriftSeconds = 60
	}
}

func init() {
	kernel.RegisterService("clock", func(svc *kernel.Service) (kernel.Handler, error) {
		var p Params
		if err := config.Decode(svc.Params(), &p); err != nil {
			return nil, fmt.Errorf("clock: bad params: %w", err)
		}
		p.applyDefaults()
		return &Service{svc: svc, p: p, log: svc.Log()}, nil
	})
}

// Service tracks the offset between the local monotonic clock and the RTC.
// The process clock cannot be stepped, so "sync" means adopting a fresh
// offset; Now() exposes the corrected time.
type Service struct {
	kernel.NopHandler

	svc *kernel.Service
	p   Params
	log *slog.Logger

	mu         sync.Mutex
	offset     time.Duration
	lastDrift  float64
	syncedOnce bool
	forceCheck chan struct{}
}

func (s *Service) Setup(ctx context.Context) error {
	s.forceCheck = make(chan struct{}, 1)
	return nil
}

// Now returns RTC-corrected time.
func (s *Service) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Add(s.offset)
}

func (s *Service) readRTC(ctx context.Context) (time.Time, bool) {
	res := s.svc.RequestHardware(ctx, s.p.DeviceKey, "read_time", nil, nil, 2500*time.Millisecond)
	if !res.OK {
		s.log.Error("rtc read failed", "device", s.p.DeviceKey, "code", string(res.Code), "error", res.Error)
		return time.Time{}, false
	}
	t, ok := res.Value.(time.Time)
	if !ok {
		s.log.Error("rtc returned unexpected value", "value", res.Value)
		return time.Time{}, false
	}
	return t, true
}

func (s *Service) writeRTC(ctx context.Context, t time.Time) bool {
	s.log.Info("writing rtc", "time", t)
	res := s.svc.RequestHardware(ctx, s.p.DeviceKey, "set_time", []any{t}, nil, 2500*time.Millisecond)
	if !res.OK {
		s.log.Error("rtc write failed", "code", string(res.Code), "error", res.Error)
	}
	return res.OK
}

// adoptOffset records a fresh RTC-derived offset and publishes status.
func (s *Service) adoptOffset(rtcTime time.Time, readOK bool, drift float64) {
	s.mu.Lock()
	if readOK {
		s.offset = time.Until(rtcTime)
		s.syncedOnce = true
	}
	s.lastDrift = drift
	synced := s.syncedOnce
	s.mu.Unlock()

	info := map[string]any{
		"timestamp_epoch":    time.Now().Unix(),
		"drift_s":            math.Round(drift*1000) / 1000,
		"synced_initial":     synced,
		"last_read_success":  readOK,
		"next_check_after_s": s.p.DriftCheckInterval,
	}
	st := s.svc.Storage()
	st.Set(KeyDrift, info["drift_s"])
	st.Set(KeyClockInfo, info)
	st.MarkDirty(KeyDrift, KeyClockInfo)
	s.svc.Send(kernel.RecipientBroadcast, MsgClockStatus, kernel.Payload(info))
}

func (s *Service) initialSync(ctx context.Context) bool {
	s.log.Info("initial clock sync", "device", s.p.DeviceKey)
	st := s.svc.Storage()
	rtcTime, ok := s.readRTC(ctx)
	if !ok {
		st.Set(kernel.KeySystemStatus, statusClockReadErr)
		st.MarkDirty(kernel.KeySystemStatus)
		return false
	}
	s.adoptOffset(rtcTime, true, 0)
	st.Set(kernel.KeySystemStatus, statusClockOK)
	st.MarkDirty(kernel.KeySystemStatus)
	s.log.Info("initial clock sync complete", "rtc_time", rtcTime)
	return true
}

func (s *Service) driftCheck(ctx context.Context) {
	s.log.Info("clock drift check")
	rtcTime, ok := s.readRTC(ctx)
	if !ok {
		s.mu.Lock()
		prev := s.lastDrift
		s.mu.Unlock()
		s.adoptOffset(time.Time{}, false, prev)
		return
	}
	drift := s.Now().Sub(rtcTime).Seconds()
	s.log.Info("drift measured", "drift_s", drift)
	if math.Abs(drift) > s.p.MaxDriftSeconds {
		s.log.Warn("drift exceeds limit, resyncing", "drift_s", drift, "max_s", s.p.MaxDriftSeconds)
		// Re-read so the adopted offset is as fresh as possible.
		if fresh, ok := s.readRTC(ctx); ok {
			s.adoptOffset(fresh, true, 0)
			return
		}
		s.adoptOffset(time.Time{}, false, drift)
		return
	}
	s.adoptOffset(rtcTime, true, drift)
}

func (s *Service) Run(ctx context.Context) error {
	if !s.initialSync(ctx) {
		if s.svc.Critical() {
			s.log.Error("critical clock service failed initial sync, requesting stop")
			s.svc.Send(kernel.RecipientOS, kernel.MsgOSCommand, kernel.Payload{
				"action":       kernel.CmdStopService,
				"service_name": s.svc.Name(),
			})
			return nil
		}
		s.log.Warn("initial clock sync failed, time unreliable")
	}

	interval := time.Duration(s.p.DriftCheckInterval * float64(time.Second))
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		case <-s.forceCheck:
			tick.Reset(interval)
		}
		if err := s.svc.WaitWhilePaused(ctx); err != nil {
			return nil
		}
		s.driftCheck(ctx)
	}
}

func (s *Service) OnMessage(ctx context.Context, msg *kernel.Message) error {
	action, _ := msg.Payload["action"].(string)
	switch action {
	case "set_system_time":
		raw, ok := msg.Payload["datetime_data"].(map[string]any)
		if !ok {
			s.log.Warn("set_system_time without datetime_data")
			return nil
		}
		t, err := timeFromPayload(raw)
		if err != nil {
			return fmt.Errorf("set_system_time: %w", err)
		}
		if !s.writeRTC(ctx, t) {
			return nil
		}
		// Read back so offset reflects what the RTC actually holds.
		if fresh, ok := s.readRTC(ctx); ok {
			s.adoptOffset(fresh, true, 0)
		}
	case "force_drift_check":
		s.log.Info("forced drift check requested")
		select {
		case s.forceCheck <- struct{}{}:
		default:
		}
	}
	return nil
}

func timeFromPayload(raw map[string]any) (time.Time, error) {
	get := func(key string) (int, error) {
		v, ok := hwman.AsInt(raw[key])
		if !ok {
			return 0, fmt.Errorf("missing or invalid %q", key)
		}
		return v, nil
	}
	year, err := get("year")
	if err != nil {
		return time.Time{}, err
	}
	month, err := get("month")
	if err != nil {
		return time.Time{}, err
	}
	day, err := get("day")
	if err != nil {
		return time.Time{}, err
	}
	hour, err := get("hour")
	if err != nil {
		return time.Time{}, err
	}
	minute, err := get("minute")
	if err != nil {
		return time.Time{}, err
	}
	second, err := get("second")
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.Local), nil
}
