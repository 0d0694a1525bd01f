// Package analog polls configured ADC inputs on independent schedules,
// median-filters the normalized samples, applies a calibration curve, and
// publishes the result to storage and the bus.
package analog

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"microos-go/config"
	"microos-go/hwman"
	"microos-go/kernel"
	"microos-go/x/mathx"
	"microos-go/x/timex"
)

type InputParams struct {
	DeviceKey        string  `yaml:"device_key" json:"device_key"`
	ReadInterval     float64 `yaml:"read_interval_s" json:"read_interval_s"`
	MedianFilterSize int     `yaml:"median_filter_size" json:"median_filter_size"`
	Method           string  `yaml:"adc_method" json:"adc_method"`
	MaxValue         float64 `yaml:"adc_max_value" json:"adc_max_value"`
	Calibration      string  `yaml:"calibration" json:"calibration"`
	BroadcastAs      string  `yaml:"broadcast_as" json:"broadcast_as"`
	StorageKey       string  `yaml:"update_storage_key" json:"update_storage_key"`
	ChangeThreshold  float64 `yaml:"value_change_threshold" json:"value_change_threshold"`
}

type Params struct {
	Inputs map[string]InputParams `yaml:"inputs" json:"inputs"`
}

func init() {
	kernel.RegisterService("analog_reader", func(svc *kernel.Service) (kernel.Handler, error) {
		var p Params
		if err := config.Decode(svc.Params(), &p); err != nil {
			return nil, fmt.Errorf("analog: bad params: %w", err)
		}
		return &Service{svc: svc, p: p, log: svc.Log()}, nil
	})
}

// reader is the runtime state for one configured input.
type reader struct {
	name    string
	cfg     InputParams
	curve   func(float64) float64
	window  []float64
	nextDue time.Time
	last    float64
	hasLast bool
}

type Service struct {
	kernel.NopHandler

	svc *kernel.Service
	p   Params
	log *slog.Logger

	readers []*reader
}

func (s *Service) Setup(ctx context.Context) error {
	for name, in := range s.p.Inputs {
		if in.DeviceKey == "" {
			s.log.Error("input missing device_key, skipping", "input", name)
			continue
		}
		if in.ReadInterval <= 0 {
			in.ReadInterval = 1
		}
		if in.Method == "" {
			in.Method = "read_u16"
		}
		if in.MaxValue <= 0 {
			in.MaxValue = 65535
		}
		if in.BroadcastAs == "" {
			in.BroadcastAs = name + "_value"
		}
		if in.ChangeThreshold <= 0 {
			in.ChangeThreshold = 0.005
		}
		curve, ok := Calibrations[in.Calibration]
		if !ok {
			if in.Calibration != "" {
				s.log.Warn("unknown calibration, using passthrough", "input", name, "calibration", in.Calibration)
			}
			curve = Passthrough
		}
		s.readers = append(s.readers, &reader{
			name:    name,
			cfg:     in,
			curve:   curve,
			nextDue: time.Now(),
		})
		s.log.Info("adc input configured", "input", name, "device", in.DeviceKey,
			"interval_s", in.ReadInterval, "filter", in.MedianFilterSize, "calibration", in.Calibration)
	}
	if len(s.readers) == 0 {
		s.log.Warn("no valid adc inputs configured")
	}
	return nil
}

func (s *Service) sample(ctx context.Context, r *reader) {
	res := s.svc.RequestHardware(ctx, r.cfg.DeviceKey, r.cfg.Method, nil, nil, 500*time.Millisecond)
	if !res.OK {
		s.log.Warn("adc read failed", "input", r.name, "device", r.cfg.DeviceKey,
			"code", string(res.Code), "error", res.Error)
		return
	}
	var raw float64
	if f, ok := hwman.AsFloat(res.Value); ok {
		raw = f
	} else {
		s.log.Warn("adc returned unexpected value", "input", r.name, "value", res.Value)
		return
	}
	normalized := mathx.Clamp(raw/r.cfg.MaxValue, 0, 1)

	filtered := normalized
	if r.cfg.MedianFilterSize > 1 {
		r.window = append(r.window, normalized)
		if len(r.window) > r.cfg.MedianFilterSize {
			r.window = r.window[1:]
		}
		filtered = mathx.Median(r.window)
	}

	final := r.curve(filtered)

	if key := r.cfg.StorageKey; key != "" {
		st := s.svc.Storage()
		prev, ok := st.Get(key)
		prevF, _ := hwman.AsFloat(prev)
		if !ok || math.Abs(prevF-final) > 1e-5 {
			st.Set(key, final)
			st.MarkDirty(key)
		}
	}

	if !r.hasLast || math.Abs(final-r.last) > r.cfg.ChangeThreshold {
		s.log.Info("adc reading", "input", r.name, "raw", raw,
			"normalized", normalized, "filtered", filtered, "value", final)
		s.svc.Send(kernel.RecipientBroadcast, r.cfg.BroadcastAs, kernel.Payload{
			"logical_name":        r.name,
			"value":               final,
			"raw_adc":             raw,
			"normalized":          normalized,
			"filtered_normalized": filtered,
			"timestamp_ms":        timex.NowMs(),
		})
		r.last = final
		r.hasLast = true
	}
}

func (s *Service) Run(ctx context.Context) error {
	if len(s.readers) == 0 {
		<-ctx.Done()
		return nil
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if err := s.svc.WaitWhilePaused(ctx); err != nil {
			return nil
		}

		now := time.Now()
		for _, r := range s.readers {
			if now.Before(r.nextDue) {
				continue
			}
			s.sample(ctx, r)
			r.nextDue = now.Add(timex.Seconds(r.cfg.ReadInterval))
		}

		// Re-arm for the earliest due input, with a small floor so a
		// misconfigured interval cannot spin the loop.
		next := s.readers[0].nextDue
		for _, r := range s.readers[1:] {
			if r.nextDue.Before(next) {
				next = r.nextDue
			}
		}
		delay := time.Until(next)
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond
		}
		timer.Reset(delay)
	}
}
