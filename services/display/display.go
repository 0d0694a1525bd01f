// Package display drives the character LCD: a date/time row plus a row
// alternating between temperature and pressure, with temporary overlays
// for boot status and ad-hoc messages.
package display

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"microos-go/config"
	"microos-go/hwman"
	"microos-go/kernel"
	"microos-go/services/pressure"
	"microos-go/services/tempmon"
)

const (
	KeyAlternatingItem = "display_alternating_item"

	layoutMainStatus = "main_status"
)

type Params struct {
	DeviceKey          string  `yaml:"device_key" json:"device_key"`
	RefreshInterval    float64 `yaml:"refresh_interval_s" json:"refresh_interval_s"`
	DefaultLayout      string  `yaml:"default_layout" json:"default_layout"`
	BootStatusDuration float64 `yaml:"boot_status_duration_s" json:"boot_status_duration_s"`
	TimeFormat         string  `yaml:"time_format" json:"time_format"`
	DateFormat         string  `yaml:"date_format" json:"date_format"`
	AlternateInterval  float64 `yaml:"alternate_interval_s" json:"alternate_interval_s"`
	Cols               int     `yaml:"cols" json:"cols"`
	Rows               int     `yaml:"rows" json:"rows"`
}

func (p *Params) applyDefaults() {
	if p.DeviceKey == "" {
		p.DeviceKey = "lcd_main"
	}
	if p.RefreshInterval <= 0 {
		p.RefreshInterval = 1
	}
	if p.DefaultLayout == "" {
		p.DefaultLayout = layoutMainStatus
	}
	if p.BootStatusDuration <= 0 {
		p.BootStatusDuration = 7
	}
	if p.TimeFormat == "" {
		p.TimeFormat = "15:04"
	}
	if p.DateFormat == "" {
		p.DateFormat = "02/01/06"
	}
	if p.AlternateInterval <= 0 {
		p.AlternateInterval = 5
	}
	if p.Cols <= 0 {
		p.Cols = 16
	}
	if p.Rows <= 0 {
		p.Rows = 2
	}
}

func init() {
	kernel.RegisterService("display", func(svc *kernel.Service) (kernel.Handler, error) {
		var p Params
		if err := config.Decode(svc.Params(), &p); err != nil {
			return nil, fmt.Errorf("display: bad params: %w", err)
		}
		p.applyDefaults()
		return &Service{svc: svc, p: p, log: svc.Log()}, nil
	})
}

type Service struct {
	kernel.NopHandler

	svc *kernel.Service
	p   Params
	log *slog.Logger

	mu        sync.Mutex
	layout    string
	prev      []string
	backlight bool
	dirty     bool
	overlay   bool
	lastFlip  time.Time

	// drawMu serializes LCD command sequences between the run loop and
	// overlay tasks.
	drawMu sync.Mutex
}

func (s *Service) Setup(ctx context.Context) error {
	s.prev = make([]string, s.p.Rows)
	s.backlight = true
	s.dirty = true
	s.layout = s.p.DefaultLayout
	return nil
}

// ---- LCD primitives ----------------------------------------------------------

func (s *Service) lcd(ctx context.Context, method string, args ...any) bool {
	res := s.svc.RequestHardware(ctx, s.p.DeviceKey, method, args, nil, 1500*time.Millisecond)
	if !res.OK {
		s.log.Warn("lcd command failed", "method", method, "code", string(res.Code), "error", res.Error)
	}
	return res.OK
}

func pad(text string, width int) string {
	if len(text) >= width {
		return text[:width]
	}
	return text + strings.Repeat(" ", width-len(text))
}

// drawLines writes the given rows, skipping rows already on the glass.
func (s *Service) drawLines(ctx context.Context, lines []string) {
	s.drawMu.Lock()
	defer s.drawMu.Unlock()
	for row := 0; row < s.p.Rows && row < len(lines); row++ {
		line := pad(lines[row], s.p.Cols)
		s.mu.Lock()
		same := s.prev[row] == line
		s.mu.Unlock()
		if same {
			continue
		}
		if s.lcd(ctx, "set_cursor", 0, row) && s.lcd(ctx, "print", line) {
			s.mu.Lock()
			s.prev[row] = line
			s.mu.Unlock()
		}
	}
}

func (s *Service) clearGlass(ctx context.Context) {
	s.drawMu.Lock()
	defer s.drawMu.Unlock()
	s.lcd(ctx, "clear")
	s.mu.Lock()
	for i := range s.prev {
		s.prev[i] = ""
	}
	s.mu.Unlock()
}

func (s *Service) setBacklight(ctx context.Context, on bool) {
	s.mu.Lock()
	changed := s.backlight != on
	s.backlight = on
	s.mu.Unlock()
	if changed {
		s.log.Info("backlight", "on", on)
		s.lcd(ctx, "backlight", on)
	}
}

// ---- Content -----------------------------------------------------------------

// renderMain composes the main status layout from storage.
func (s *Service) renderMain() []string {
	st := s.svc.Storage()

	now := time.Now()
	row0 := now.Format(s.p.DateFormat) + " " + now.Format(s.p.TimeFormat)

	status := "INI"
	if v, ok := st.Get(kernel.KeySystemStatus); ok {
		if str, ok := v.(string); ok && str != "" {
			status = strings.ToUpper(str)
			if len(status) > 3 {
				status = status[:3]
			}
		}
	}

	item := "temp"
	if v, ok := st.Get(KeyAlternatingItem); ok {
		if str, ok := v.(string); ok && str != "" {
			item = str
		}
	}

	var row1 string
	switch item {
	case "pressure":
		psiStr := "----"
		if v, ok := st.Get(pressure.KeyPressurePSI); ok {
			if n, ok := hwman.AsInt(v); ok {
				psiStr = fmt.Sprintf("%4d", n)
			}
		}
		row1 = fmt.Sprintf("P:%spsi %s", psiStr, status)
	default:
		tempStr := "---.-"
		if v, ok := st.Get(tempmon.KeyTemperature); ok {
			if f, ok := hwman.AsFloat(v); ok {
				tempStr = fmt.Sprintf("%5.1f", f)
			}
		}
		row1 = fmt.Sprintf("T:%sC %s", tempStr, status)
	}
	return []string{row0, row1}
}

func (s *Service) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// flipAlternatingItem advances the temp/pressure rotation in storage.
func (s *Service) flipAlternatingItem() {
	st := s.svc.Storage()
	next := "pressure"
	if v, ok := st.Get(KeyAlternatingItem); ok {
		if str, _ := v.(string); str == "pressure" {
			next = "temp"
		}
	}
	st.Set(KeyAlternatingItem, next)
	st.MarkDirty(KeyAlternatingItem)
	s.markDirty()
}

// ---- Lifecycle ---------------------------------------------------------------

func (s *Service) Run(ctx context.Context) error {
	// Verify the panel responds before entering the refresh loop.
	if !s.lcd(ctx, "clear") {
		if s.svc.Critical() {
			s.log.Error("critical display service failed lcd check, requesting stop")
			s.svc.Send(kernel.RecipientOS, kernel.MsgOSCommand, kernel.Payload{
				"action":       kernel.CmdStopService,
				"service_name": s.svc.Name(),
			})
			return nil
		}
		s.log.Warn("initial lcd check failed, display will not function")
	}
	s.lcd(ctx, "backlight", true)
	s.mu.Lock()
	s.lastFlip = time.Now()
	s.mu.Unlock()

	tick := time.NewTicker(time.Duration(s.p.RefreshInterval * float64(time.Second)))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		if err := s.svc.WaitWhilePaused(ctx); err != nil {
			return nil
		}

		s.mu.Lock()
		if time.Since(s.lastFlip) >= time.Duration(s.p.AlternateInterval*float64(time.Second)) {
			s.lastFlip = time.Now()
			s.mu.Unlock()
			s.flipAlternatingItem()
			s.mu.Lock()
		}
		overlay := s.overlay
		layout := s.layout
		s.dirty = false
		s.mu.Unlock()

		if overlay {
			continue
		}
		if layout == layoutMainStatus {
			s.drawLines(ctx, s.renderMain())
		}
	}
}

func (s *Service) OnMessage(ctx context.Context, msg *kernel.Message) error {
	switch msg.Type {
	case tempmon.MsgTemperatureUpdate, "pressure_update":
		s.markDirty()
		return nil
	case kernel.MsgStorageUpdate:
		if keys, ok := msg.Payload["keys"].([]any); ok {
			for _, k := range keys {
				switch k {
				case kernel.KeySystemStatus, tempmon.KeyTemperature, pressure.KeyPressurePSI:
					s.markDirty()
				}
			}
		}
		return nil
	case kernel.MsgServiceCommand:
		return s.handleCommand(ctx, msg.Payload)
	}
	return nil
}

func (s *Service) handleCommand(ctx context.Context, payload kernel.Payload) error {
	action, _ := payload["action"].(string)
	switch action {
	case "set_layout":
		name, _ := payload["layout_name"].(string)
		if name == "" {
			return nil
		}
		s.log.Info("layout change", "layout", name)
		s.mu.Lock()
		s.layout = name
		s.mu.Unlock()
		s.clearGlass(ctx)
		s.markDirty()
	case "set_backlight":
		on := true
		if v, ok := payload["state"].(bool); ok {
			on = v
		}
		s.setBacklight(ctx, on)
	case "show_message":
		line1, _ := payload["line1"].(string)
		line2, _ := payload["line2"].(string)
		durationMs, ok := hwman.AsInt(payload["duration_ms"])
		if !ok || durationMs <= 0 {
			durationMs = 2000
		}
		go s.showOverlay(ctx, []string{line1, line2}, time.Duration(durationMs)*time.Millisecond)
	case kernel.SvcCmdShowBootStatus:
		go s.showBootStatus(ctx)
	}
	return nil
}

// showOverlay replaces the glass content for a bounded time, then lets the
// refresh loop restore the active layout.
func (s *Service) showOverlay(ctx context.Context, lines []string, d time.Duration) {
	s.mu.Lock()
	if s.overlay {
		s.mu.Unlock()
		s.log.Debug("overlay already active, skipping")
		return
	}
	s.overlay = true
	s.mu.Unlock()

	s.clearGlass(ctx)
	s.drawLines(ctx, lines)

	select {
	case <-ctx.Done():
	case <-time.After(d):
	}

	s.clearGlass(ctx)
	s.mu.Lock()
	s.overlay = false
	s.mu.Unlock()
	s.markDirty()
}

func (s *Service) showBootStatus(ctx context.Context) {
	status := "UNKNOWN"
	if v, ok := s.svc.Storage().Get(kernel.KeySystemStatus); ok {
		if str, ok := v.(string); ok && str != "" {
			status = str
		}
	}
	s.log.Info("showing boot status", "status", status)
	s.showOverlay(ctx, []string{"System Status:", status},
		time.Duration(s.p.BootStatusDuration*float64(time.Second)))
}

func (s *Service) Cleanup(ctx context.Context) error {
	s.clearGlass(ctx)
	s.lcd(ctx, "backlight", false)
	return nil
}
