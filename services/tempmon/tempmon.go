// Package tempmon samples the DS3231 die temperature sensor and publishes
// readings to storage and the bus.
package tempmon

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"microos-go/config"
	"microos-go/hwman"
	"microos-go/kernel"
)

const (
	MsgTemperatureUpdate = "temperature_update"
	KeyTemperature       = "current_temperature"

	// Changes below this are noise, not worth a broadcast.
	changeThresholdC = 0.05
)

type Params struct {
	DeviceKey    string  `yaml:"device_key" json:"device_key"`
	ReadInterval float64 `yaml:"read_interval_s" json:"read_interval_s"`
}

func (p *Params) applyDefaults() {
	if p.DeviceKey == "" {
		p.DeviceKey = "rtc"
	}
	if p.ReadInterval <= 0 {
		p.ReadInterval = 10
	}
}

func init() {
	kernel.RegisterService("temperature_monitor", func(svc *kernel.Service) (kernel.Handler, error) {
		var p Params
		if err := config.Decode(svc.Params(), &p); err != nil {
			return nil, fmt.Errorf("tempmon: bad params: %w", err)
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

	lastC    float64
	haveLast bool
}

// readSensor returns degrees Celsius. The sensor op reports milli-degrees.
func (s *Service) readSensor(ctx context.Context) (float64, bool) {
	res := s.svc.RequestHardware(ctx, s.p.DeviceKey, "read_temperature", nil, nil, 2*time.Second)
	if !res.OK {
		s.log.Error("temperature read failed", "device", s.p.DeviceKey, "code", string(res.Code), "error", res.Error)
		return 0, false
	}
	milli, ok := hwman.AsInt(res.Value)
	if !ok {
		s.log.Warn("temperature read returned unexpected value", "value", res.Value)
		return 0, false
	}
	return math.Round(float64(milli)/10) / 100, true
}

func (s *Service) publish(tempC float64) {
	s.lastC = tempC
	s.haveLast = true
	st := s.svc.Storage()
	st.Set(KeyTemperature, tempC)
	st.MarkDirty(KeyTemperature)
	s.svc.Send(kernel.RecipientBroadcast, MsgTemperatureUpdate, kernel.Payload{
		"value":         tempC,
		"unit":          "C",
		"source_device": s.p.DeviceKey,
	})
}

func (s *Service) sample(ctx context.Context) {
	tempC, ok := s.readSensor(ctx)
	if !ok {
		s.log.Warn("sample failed", "last_known_c", s.lastC)
		return
	}
	if !s.haveLast || math.Abs(s.lastC-tempC) > changeThresholdC {
		s.log.Info("temperature", "celsius", tempC)
		s.publish(tempC)
	}
}

func (s *Service) Run(ctx context.Context) error {
	// Initial check doubles as sensor verification.
	first, ok := s.readSensor(ctx)
	if ok {
		s.log.Info("sensor verified", "device", s.p.DeviceKey, "celsius", first)
		s.publish(first)
	} else {
		if s.svc.Critical() {
			s.log.Error("critical temperature service failed sensor check, requesting stop")
			s.svc.Send(kernel.RecipientOS, kernel.MsgOSCommand, kernel.Payload{
				"action":       kernel.CmdStopService,
				"service_name": s.svc.Name(),
			})
			return nil
		}
		s.log.Warn("initial sensor check failed", "device", s.p.DeviceKey)
	}

	tick := time.NewTicker(time.Duration(s.p.ReadInterval * float64(time.Second)))
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
		s.sample(ctx)
	}
}

func (s *Service) OnMessage(ctx context.Context, msg *kernel.Message) error {
	if action, _ := msg.Payload["action"].(string); action == "force_read_temp" {
		s.log.Info("forced temperature read requested")
		s.sample(ctx)
	}
	return nil
}

func (s *Service) Cleanup(ctx context.Context) error {
	s.haveLast = false
	return nil
}
