package service

import (
	"context"
	"log/slog"
	"time"
)

// IdleSupervisor fires once the service has had no open connections and no
// activity for Limit, and at least Grace has passed since StartedAt.
type IdleSupervisor struct {
	Clock     *ActivityClock
	Limit     time.Duration
	Grace     time.Duration
	Tick      time.Duration
	StartedAt time.Time
	// Active returns the number of open connections.
	Active func() int
	// OnIdle is called at most once. Returning false means the shutdown was
	// refused (a connection raced in) and supervision continues.
	OnIdle func() bool
	Logger *slog.Logger
}

// Expired reports whether the idle conditions hold at now, ignoring open
// connections.
func (s *IdleSupervisor) Expired(now time.Time) bool {
	if now.Sub(s.StartedAt) < s.Grace {
		return false
	}
	return s.Clock.IdleFor(now) > s.Limit
}

// Run ticks until ctx ends or OnIdle accepts a shutdown.
func (s *IdleSupervisor) Run(ctx context.Context) {
	tick := s.Tick
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.Active() > 0 || !s.Expired(now) {
				continue
			}
			if s.Logger != nil {
				s.Logger.Info("idle limit reached",
					"idle_for", s.Clock.IdleFor(now).String(),
					"limit", s.Limit.String(),
				)
			}
			if s.OnIdle() {
				return
			}
		}
	}
}
