package cascade

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper drives the server-side timeout authority: it periodically runs
// the next-round check over every live consultation, so expiry and
// escalation never depend on a doctor's browser tab staying open.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	log      zerolog.Logger
}

func NewSweeper(engine *Engine, interval time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{engine: engine, interval: interval, log: log}
}

// Run blocks until ctx is cancelled. One sweep runs immediately so a
// restarted server catches up on overdue rounds without waiting a tick.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("cascade sweeper started")

	s.engine.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("cascade sweeper stopped")
			return
		case <-ticker.C:
			s.engine.Sweep(ctx)
		}
	}
}
