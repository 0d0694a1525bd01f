// Package storagesaver periodically asks the kernel to flush dirty storage
// to disk.
package storagesaver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"microos-go/config"
	"microos-go/kernel"
)

type Params struct {
	SaveInterval float64 `yaml:"save_interval_s" json:"save_interval_s"`
}

func init() {
	kernel.RegisterService("storage_saver", func(svc *kernel.Service) (kernel.Handler, error) {
		var p Params
		if err := config.Decode(svc.Params(), &p); err != nil {
			return nil, fmt.Errorf("storagesaver: bad params: %w", err)
		}
		if p.SaveInterval <= 0 {
			p.SaveInterval = 300
		}
		return &Service{svc: svc, p: p, log: svc.Log()}, nil
	})
}

type Service struct {
	kernel.NopHandler

	svc *kernel.Service
	p   Params
	log *slog.Logger

	dirty chan struct{}
}

func (s *Service) Setup(ctx context.Context) error {
	s.dirty = make(chan struct{}, 1)
	s.log.Info("periodic storage save enabled", "interval_s", s.p.SaveInterval)
	return nil
}

func (s *Service) requestSave() {
	s.log.Info("storage dirty, requesting save")
	s.svc.Send(kernel.RecipientOS, kernel.MsgOSCommand, kernel.Payload{
		"action": kernel.CmdSaveStorage,
	})
}

func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(s.p.SaveInterval * float64(time.Second))
	debounce := 30 * time.Second
	if debounce > interval {
		debounce = interval
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		case <-s.dirty:
			// Batch bursts of updates, then save well before the full
			// interval elapses.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(debounce):
			}
			tick.Reset(interval)
		}
		if err := s.svc.WaitWhilePaused(ctx); err != nil {
			return nil
		}
		s.requestSave()
	}
}

// OnMessage pulls the save forward when the map becomes dirty.
func (s *Service) OnMessage(ctx context.Context, msg *kernel.Message) error {
	if msg.Type == kernel.MsgStorageUpdate {
		select {
		case s.dirty <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Service) Cleanup(ctx context.Context) error {
	// Best effort: the kernel saves on shutdown regardless.
	return nil
}
