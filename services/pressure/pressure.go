// Package pressure converts the calibrated sensor voltage held in storage
// into PSI and publishes it.
package pressure

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

const KeyPressurePSI = "current_pressure_psi"

type Params struct {
	VoltageStorageKey string  `yaml:"voltage_storage_key" json:"voltage_storage_key"`
	ReadInterval      float64 `yaml:"read_interval_s" json:"read_interval_s"`
	VToMPaSlope       float64 `yaml:"v_to_mpa_slope" json:"v_to_mpa_slope"`
	VToMPaIntercept   float64 `yaml:"v_to_mpa_intercept" json:"v_to_mpa_intercept"`
	PSIPerMPa         float64 `yaml:"psi_per_mpa" json:"psi_per_mpa"`
	BroadcastAs       string  `yaml:"broadcast_as" json:"broadcast_as"`
}

func (p *Params) applyDefaults() {
	if p.ReadInterval <= 0 {
		p.ReadInterval = 10
	}
	if p.VToMPaSlope == 0 {
		p.VToMPaSlope = 12.5
	}
	if p.VToMPaIntercept == 0 {
		p.VToMPaIntercept = -1.25
	}
	if p.PSIPerMPa == 0 {
		p.PSIPerMPa = 145.038
	}
	if p.BroadcastAs == "" {
		p.BroadcastAs = "pressure_update"
	}
}

func init() {
	kernel.RegisterService("pressure_monitor", func(svc *kernel.Service) (kernel.Handler, error) {
		var p Params
		if err := config.Decode(svc.Params(), &p); err != nil {
			return nil, fmt.Errorf("pressure: bad params: %w", err)
		}
		p.applyDefaults()
		if p.VoltageStorageKey == "" {
			return nil, fmt.Errorf("pressure: voltage_storage_key is required")
		}
		return &Service{svc: svc, p: p, log: svc.Log()}, nil
	})
}

type Service struct {
	kernel.NopHandler

	svc *kernel.Service
	p   Params
	log *slog.Logger

	lastVoltage float64
	haveVoltage bool
	lastPSI     int
	havePSI     bool
}

func (s *Service) convert(ctx context.Context) {
	raw, ok := s.svc.Storage().Get(s.p.VoltageStorageKey)
	if !ok {
		return
	}
	voltage, ok := hwman.AsFloat(raw)
	if !ok {
		s.log.Warn("voltage storage key holds a non-number", "key", s.p.VoltageStorageKey, "value", raw)
		return
	}
	if s.haveVoltage && math.Abs(s.lastVoltage-voltage) < 1e-4 {
		return
	}
	s.lastVoltage = voltage
	s.haveVoltage = true

	mpa := s.p.VToMPaSlope*voltage + s.p.VToMPaIntercept
	psi := int(math.Round(mpa * s.p.PSIPerMPa))

	if s.havePSI && s.lastPSI == psi {
		return
	}
	s.lastPSI = psi
	s.havePSI = true
	s.log.Info("pressure updated", "psi", psi, "mpa", mpa, "voltage", voltage)

	st := s.svc.Storage()
	st.Set(KeyPressurePSI, psi)
	st.MarkDirty(KeyPressurePSI)
	s.svc.Send(kernel.RecipientBroadcast, s.p.BroadcastAs, kernel.Payload{
		"psi":                psi,
		"mpa":                math.Round(mpa*1000) / 1000,
		"source_voltage_key": s.p.VoltageStorageKey,
		"voltage_value":      voltage,
	})
}

func (s *Service) Run(ctx context.Context) error {
	tick := time.NewTicker(time.Duration(s.p.ReadInterval * float64(time.Second)))
	defer tick.Stop()
	for {
		if err := s.svc.WaitWhilePaused(ctx); err != nil {
			return nil
		}
		s.convert(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

func (s *Service) Cleanup(ctx context.Context) error {
	s.havePSI = false
	return nil
}
