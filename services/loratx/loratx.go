// Package loratx periodically transmits the latest telemetry over the E220
// LoRa module in transparent mode.
package loratx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"microos-go/config"
	"microos-go/hwman"
	"microos-go/kernel"
	"microos-go/services/pressure"
	"microos-go/services/tempmon"
)

type Params struct {
	DeviceKey        string  `yaml:"device_key" json:"device_key"`
	TransmitInterval float64 `yaml:"transmit_interval_s" json:"transmit_interval_s"`
	Format           string  `yaml:"data_format" json:"data_format"`
}

func (p *Params) applyDefaults() {
	if p.DeviceKey == "" {
		p.DeviceKey = "lora"
	}
	if p.TransmitInterval <= 0 {
		p.TransmitInterval = 30
	}
	if p.Format == "" {
		p.Format = "T:{tempC}C,P:{psi}psi,D:{date},TS:{time}"
	}
}

func init() {
	kernel.RegisterService("lora_transmitter", func(svc *kernel.Service) (kernel.Handler, error) {
		var p Params
		if err := config.Decode(svc.Params(), &p); err != nil {
			return nil, fmt.Errorf("loratx: bad params: %w", err)
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
}

// buildFrame renders the configured template against current storage.
func (s *Service) buildFrame() string {
	st := s.svc.Storage()

	tempStr := "N/A"
	if v, ok := st.Get(tempmon.KeyTemperature); ok {
		if f, ok := hwman.AsFloat(v); ok {
			tempStr = fmt.Sprintf("%.1f", f)
		}
	}
	psiStr := "N/A"
	if v, ok := st.Get(pressure.KeyPressurePSI); ok {
		if n, ok := hwman.AsInt(v); ok {
			psiStr = fmt.Sprintf("%d", n)
		}
	}
	now := time.Now()

	r := strings.NewReplacer(
		"{tempC}", tempStr,
		"{psi}", psiStr,
		"{date}", now.Format("02/01/06"),
		"{time}", now.Format("15:04:05"),
	)
	return r.Replace(s.p.Format)
}

func (s *Service) transmit(ctx context.Context) {
	frame := s.buildFrame()
	s.log.Info("lora tx", "frame", frame)
	res := s.svc.RequestHardware(ctx, s.p.DeviceKey, "send", []any{[]byte(frame + "\r\n")}, nil, 3*time.Second)
	if !res.OK {
		s.log.Error("lora send failed", "code", string(res.Code), "error", res.Error)
		return
	}
	if res = s.svc.RequestHardware(ctx, s.p.DeviceKey, "flush", nil, nil, 3*time.Second); !res.OK {
		s.log.Warn("lora flush failed", "code", string(res.Code), "error", res.Error)
	}
}

func (s *Service) Run(ctx context.Context) error {
	tick := time.NewTicker(time.Duration(s.p.TransmitInterval * float64(time.Second)))
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
		s.transmit(ctx)
	}
}

func (s *Service) OnMessage(ctx context.Context, msg *kernel.Message) error {
	if action, _ := msg.Payload["action"].(string); action == "force_transmit" {
		s.transmit(ctx)
	}
	return nil
}
