// services/sweeper.go
package services

import (
	"context"

	"gem-duel-system/logger"

	"go.uber.org/zap"
)

// Sweeper runs the periodic lifecycle passes in a fixed order.
type Sweeper struct {
	Duels     *DuelService
	Allocator *Allocator
}

func NewSweeper(duels *DuelService, allocator *Allocator) *Sweeper {
	return &Sweeper{Duels: duels, Allocator: allocator}
}

type SweepResult struct {
	ExpiredPending  int `json:"expired_pending"`
	ExpiredAccepted int `json:"expired_accepted"`
	Forfeited       int `json:"forfeited"`
	AutoConfirmed   int `json:"auto_confirmed"`
	ServersReaped   int `json:"servers_reaped"`
}

// RunOnce executes every pass. A failing pass is logged and the rest still run.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	var r SweepResult
	passes := []struct {
		name string
		run  func(context.Context) (int, error)
		out  *int
	}{
		{"expire_pending", s.Duels.ExpirePending, &r.ExpiredPending},
		{"expire_accepted", s.Duels.ExpireAccepted, &r.ExpiredAccepted},
		{"forfeit", s.Duels.Forfeit, &r.Forfeited},
		{"auto_confirm", s.Duels.AutoConfirm, &r.AutoConfirmed},
		{"reap_servers", s.Allocator.Reap, &r.ServersReaped},
	}
	for _, p := range passes {
		if ctx.Err() != nil {
			return r
		}
		n, err := p.run(ctx)
		if err != nil {
			logger.Error("[SWEEPER] pass failed", zap.String("pass", p.name), zap.Error(err))
			continue
		}
		*p.out = n
	}
	if r != (SweepResult{}) {
		logger.Info("[SWEEPER] pass complete",
			zap.Int("expired_pending", r.ExpiredPending),
			zap.Int("expired_accepted", r.ExpiredAccepted),
			zap.Int("forfeited", r.Forfeited),
			zap.Int("auto_confirmed", r.AutoConfirmed),
			zap.Int("servers_reaped", r.ServersReaped))
	}
	return r
}
