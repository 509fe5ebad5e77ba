package settlement

import (
    "context"
    "time"

    "github.com/tempandmajor/commonly-sub010/internal/logging"
)

// Sweeper runs the periodic settlement work as a supervised service:
// recovering stale claims, deciding events past their deadline and
// retrying pending settlements, in that order.
type Sweeper struct {
    engine   *Engine
    interval time.Duration
}

// NewSweeper returns a Sweeper ticking every interval.
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
    if interval <= 0 {
        interval = 30 * time.Second
    }
    return &Sweeper{engine: engine, interval: interval}
}

func (s *Sweeper) String() string { return "settlement-sweeper" }

// Serve sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Serve(ctx context.Context) error {
    ticker := time.NewTicker(s.interval)
    defer ticker.Stop()
    for {
        s.RunOnce(ctx)
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-ticker.C:
        }
    }
}

// RunOnce performs a single sweep.  Failures are logged; the next tick
// tries again.
func (s *Sweeper) RunOnce(ctx context.Context) {
    now := s.engine.now().UTC()
    log := logging.Ctx(ctx)
    if err := s.engine.ReapStale(ctx, now); err != nil {
        log.Error().Err(err).Msg("reap stale claims")
    }
    decided, err := s.engine.SweepDeadlines(ctx, now)
    if err != nil {
        log.Error().Err(err).Msg("deadline sweep")
    }
    if decided > 0 {
        log.Info().Int("events", decided).Msg("deadline sweep decided events")
    }
    if err := s.engine.RetryPending(ctx, now); err != nil {
        log.Error().Err(err).Msg("retry pending settlements")
    }
}
