// Package settlement decides the funding outcome of events and settles
// their reservations: capturing every hold of a funded event and
// cancelling every hold of a failed one.
//
// The decision is a single conditional update out of in_progress, so the
// goal trigger and the deadline sweep may race freely; only the winner
// settles.  Each reservation is then claimed individually (phase
// settling) before the gateway is called, which keeps a retry, a
// concurrent sweep and a late cancel from touching the same hold twice.
package settlement

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "time"

    "golang.org/x/sync/errgroup"
    "golang.org/x/time/rate"

    "github.com/tempandmajor/commonly-sub010/internal/cache"
    "github.com/tempandmajor/commonly-sub010/internal/gateway"
    "github.com/tempandmajor/commonly-sub010/internal/ledger"
    "github.com/tempandmajor/commonly-sub010/internal/logging"
    "github.com/tempandmajor/commonly-sub010/internal/metrics"
    "github.com/tempandmajor/commonly-sub010/internal/model"
    "github.com/tempandmajor/commonly-sub010/internal/queue"
    "github.com/tempandmajor/commonly-sub010/internal/repository"
)

// Mode selects what settling does to a reservation's hold.
type Mode string

const (
    ModeCapture Mode = "capture"
    ModeCancel  Mode = "cancel"
)

// ModeFor returns the settlement mode implied by a decided funding status.
func ModeFor(s model.FundingStatus) Mode {
    if s == model.FundingFunded {
        return ModeCapture
    }
    return ModeCancel
}

// Config tunes an Engine.
type Config struct {
    // Concurrency caps simultaneous gateway calls within one Settle.
    Concurrency int
    // RPS caps gateway calls per second across the engine; zero means
    // unlimited.
    RPS float64
    // RetryBudget is the number of failed attempts after which a
    // reservation is reported as stuck.  It keeps being retried.
    RetryBudget int
    RetryBase   time.Duration
    RetryMax    time.Duration
    // ClaimLease is how long a phase claim may be held before the reaper
    // considers its owner dead.
    ClaimLease time.Duration
}

func (c *Config) defaults() {
    if c.Concurrency < 1 {
        c.Concurrency = 8
    }
    if c.RetryBudget < 1 {
        c.RetryBudget = 8
    }
    if c.RetryBase <= 0 {
        c.RetryBase = 30 * time.Second
    }
    if c.RetryMax < c.RetryBase {
        c.RetryMax = time.Hour
    }
    if c.ClaimLease <= 0 {
        c.ClaimLease = 5 * time.Minute
    }
}

// Deps are the collaborators of an Engine.  Notifier and Cache may be nil.
type Deps struct {
    DB           *sql.DB
    Events       *repository.EventRepo
    Reservations *repository.ReservationRepo
    Ledger       *ledger.Ledger
    Gateway      gateway.Gateway
    Notifier     queue.Notifier
    Cache        cache.Invalidator
}

// Engine decides funding outcomes and settles reservations.
type Engine struct {
    db           *sql.DB
    events       *repository.EventRepo
    reservations *repository.ReservationRepo
    ledger       *ledger.Ledger
    gateway      gateway.Gateway
    notifier     queue.Notifier
    cache        cache.Invalidator
    limiter      *rate.Limiter
    cfg          Config
    now          func() time.Time
}

// NewEngine returns an Engine wired to d.
func NewEngine(d Deps, cfg Config) *Engine {
    cfg.defaults()
    limit := rate.Inf
    if cfg.RPS > 0 {
        limit = rate.Limit(cfg.RPS)
    }
    e := &Engine{
        db:           d.DB,
        events:       d.Events,
        reservations: d.Reservations,
        ledger:       d.Ledger,
        gateway:      d.Gateway,
        notifier:     d.Notifier,
        cache:        d.Cache,
        limiter:      rate.NewLimiter(limit, cfg.Concurrency),
        cfg:          cfg,
        now:          time.Now,
    }
    if e.notifier == nil {
        e.notifier = queue.Nop{}
    }
    if e.cache == nil {
        e.cache = cache.NopInvalidator{}
    }
    return e
}

// WithClock replaces the engine's clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
    e.now = now
    return e
}

// Transition moves an event out of in_progress.  It reports whether this
// call made the decision.
func (e *Engine) Transition(ctx context.Context, eventID uint64, to model.FundingStatus, trigger string) (bool, error) {
    if !to.Terminal() {
        return false, fmt.Errorf("transition event %d: %q is not a funding outcome: %w", eventID, to, model.ErrValidation)
    }
    won, err := e.events.TransitionStatus(ctx, eventID, to, e.now().UTC())
    if err != nil {
        return false, fmt.Errorf("transition event %d to %s: %w", eventID, to, err)
    }
    if won {
        metrics.FundingTransitions.WithLabelValues(string(to), trigger).Inc()
        logging.Ctx(ctx).Info().Uint64("event_id", eventID).Str("status", string(to)).
            Str("trigger", trigger).Msg("funding decided")
        e.cache.Invalidate(ctx, eventID)
    }
    return won, nil
}

// GoalReached funds an event whose pledges cover its goal before the
// deadline and captures its reservations.  It does nothing when the
// event is already decided or the goal is not actually met.
func (e *Engine) GoalReached(ctx context.Context, eventID uint64) error {
    ev, err := e.events.GetByID(ctx, nil, eventID)
    if err != nil {
        return err
    }
    if ev.FundingStatus != model.FundingInProgress || !ev.GoalReached() {
        return nil
    }
    if !e.now().Before(ev.PledgeDeadline) {
        // The deadline sweep decides this one.
        return nil
    }
    won, err := e.Transition(ctx, eventID, model.FundingFunded, "goal_reached")
    if err != nil || !won {
        return err
    }
    return e.Settle(ctx, eventID, ModeCapture)
}

// SweepDeadlines decides every in_progress event whose deadline has
// passed at now and settles those it decided.  It returns how many
// events it decided.
func (e *Engine) SweepDeadlines(ctx context.Context, now time.Time) (int, error) {
    due, err := e.events.ListDue(ctx, now)
    if err != nil {
        return 0, fmt.Errorf("list due events: %w", err)
    }
    var (
        decided int
        errs    []error
    )
    for _, ev := range due {
        if ctx.Err() != nil {
            errs = append(errs, ctx.Err())
            break
        }
        to := model.FundingFailed
        if ev.GoalReached() {
            to = model.FundingFunded
        }
        won, err := e.Transition(ctx, ev.ID, to, "deadline")
        if err != nil {
            errs = append(errs, err)
            continue
        }
        if !won {
            continue
        }
        decided++
        if err := e.Settle(ctx, ev.ID, ModeFor(to)); err != nil {
            errs = append(errs, err)
        }
    }
    return decided, errors.Join(errs...)
}

// Settle settles every reservation of a decided event that is free to
// claim.  Gateway failures do not fail the call: the reservation is
// scheduled for retry and picked up by RetryPending.
func (e *Engine) Settle(ctx context.Context, eventID uint64, mode Mode) error {
    return e.settle(ctx, eventID, mode, e.now().UTC())
}

func (e *Engine) settle(ctx context.Context, eventID uint64, mode Mode, now time.Time) error {
    start := time.Now()
    defer func() {
        metrics.SettlementDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
    }()

    reserved, err := e.reservations.ListReservedByEvent(ctx, eventID)
    if err != nil {
        return fmt.Errorf("list reservations of event %d: %w", eventID, err)
    }

    // Siblings keep going when one reservation fails.
    var g errgroup.Group
    g.SetLimit(e.cfg.Concurrency)
    errs := make([]error, len(reserved))
    for i, res := range reserved {
        g.Go(func() error {
            errs[i] = e.settleOne(ctx, res, mode, now)
            return nil
        })
    }
    _ = g.Wait()

    if settled, err := e.events.MarkSettled(ctx, eventID, e.now().UTC()); err != nil {
        errs = append(errs, fmt.Errorf("mark event %d settled: %w", eventID, err))
    } else if settled {
        logging.Ctx(ctx).Info().Uint64("event_id", eventID).Str("mode", string(mode)).Msg("event settled")
        e.cache.Invalidate(ctx, eventID)
    }
    e.refreshGauges(ctx)
    return errors.Join(errs...)
}

// settleOne claims and settles a single reservation.  It returns an
// error only for database failures; gateway failures are recorded on
// the reservation.
func (e *Engine) settleOne(ctx context.Context, res model.Reservation, mode Mode, now time.Time) error {
    log := logging.Ctx(ctx).With().Uint64("reservation_id", res.ID).Str("mode", string(mode)).Logger()

    claimed, err := e.reservations.ClaimForSettlement(ctx, res.ID, now)
    if err != nil {
        return fmt.Errorf("claim reservation %d: %w", res.ID, err)
    }
    if !claimed {
        metrics.RecordSettlement(string(mode), "skipped")
        return nil
    }

    if err := e.limiter.Wait(ctx); err != nil {
        // Shutting down; hand the claim back without spending an attempt.
        rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
        defer cancel()
        _, rerr := e.reservations.ReleaseClaim(rctx, res.ID, model.PhaseSettling, model.PhaseSettlementPending)
        return errors.Join(err, rerr)
    }

    var gwErr error
    if mode == ModeCapture {
        gwErr = e.gateway.Capture(ctx, res.AuthorizationID)
    } else {
        gwErr = e.gateway.Cancel(ctx, res.AuthorizationID)
    }

    to := model.ReservationConfirmed
    if mode == ModeCancel {
        to = model.ReservationCancelled
    }
    if gwErr != nil && mode == ModeCapture && gateway.Code(gwErr) == gateway.CodeUnexpectedState {
        // The hold was voided or lapsed before capture; nothing can be
        // collected any more.
        log.Warn().Err(gwErr).Msg("hold no longer capturable, cancelling reservation")
        to, gwErr = model.ReservationCancelled, nil
    }
    if gwErr != nil {
        cause := fmt.Errorf("%w: %w", model.ErrPaymentCaptureFailed, gwErr)
        if mode == ModeCancel {
            cause = fmt.Errorf("%w: %w", model.ErrPaymentCancelFailed, gwErr)
        }
        log.Warn().Err(cause).Int("attempt", res.Attempts+1).Msg("settlement attempt failed")
        e.deferRetry(ctx, res, cause)
        return nil
    }

    fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
    defer cancel()
    err = repository.WithTx(fctx, e.db, func(tx *sql.Tx) error {
        if to == model.ReservationConfirmed {
            if err := e.ledger.Promote(fctx, tx, res.EventID, res.Quantity); err != nil {
                return err
            }
        } else if err := e.ledger.Release(fctx, tx, res.EventID, res.Quantity); err != nil {
            return err
        }
        ok, err := e.reservations.FinalizeTx(fctx, tx, res.ID, model.PhaseSettling, to, e.now().UTC())
        if err != nil {
            return err
        }
        if !ok {
            return fmt.Errorf("reservation %d left phase settling: %w", res.ID, model.ErrConcurrencyConflict)
        }
        return nil
    })
    if err != nil {
        // The claim stays until the reaper returns it to pending; the
        // gateway call is idempotent on the next attempt.
        metrics.RecordSettlement(string(mode), "finalize_failed")
        return fmt.Errorf("finalize reservation %d: %w", res.ID, err)
    }

    metrics.RecordSettlement(string(mode), string(to))
    typ := queue.TypeReservationConfirmed
    if to == model.ReservationCancelled {
        typ = queue.TypeReservationCancelled
    }
    res.Status, res.Phase = to, model.PhaseIdle
    e.notifier.Notify(fctx, queue.NewNotification(typ, res, e.now().UTC()))
    log.Debug().Str("status", string(to)).Msg("reservation settled")
    return nil
}

// deferRetry hands a claimed reservation back as settlement_pending with
// its next attempt pushed out exponentially.
func (e *Engine) deferRetry(ctx context.Context, res model.Reservation, cause error) {
    attempts := res.Attempts + 1
    next := e.now().UTC().Add(e.retryDelay(attempts))

    wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
    defer cancel()
    if _, err := e.reservations.MarkSettlementPending(wctx, res.ID, attempts, next, cause.Error()); err != nil {
        logging.Ctx(ctx).Error().Err(err).Uint64("reservation_id", res.ID).Msg("could not schedule settlement retry")
        return
    }
    metrics.RecordSettlement("retry", "scheduled")
    if attempts >= e.cfg.RetryBudget {
        logging.Ctx(ctx).Error().
            Str("alert", "settlement_stuck").
            Uint64("reservation_id", res.ID).
            Uint64("event_id", res.EventID).
            Int("attempts", attempts).
            Err(cause).
            Msg("settlement retry budget exhausted")
    }
}

// retryDelay returns RetryBase doubled for every attempt after the
// first, capped at RetryMax.
func (e *Engine) retryDelay(attempts int) time.Duration {
    d := e.cfg.RetryBase
    for i := 1; i < attempts; i++ {
        d *= 2
        if d >= e.cfg.RetryMax {
            return e.cfg.RetryMax
        }
    }
    return d
}

// RetryPending re-runs settlement for every decided event that is not
// yet fully settled.  Reservations whose retry time is after now are
// left alone.
func (e *Engine) RetryPending(ctx context.Context, now time.Time) error {
    open, err := e.events.ListUnsettled(ctx)
    if err != nil {
        return fmt.Errorf("list unsettled events: %w", err)
    }
    var errs []error
    for _, ev := range open {
        if ctx.Err() != nil {
            errs = append(errs, ctx.Err())
            break
        }
        if err := e.settle(ctx, ev.ID, ModeFor(ev.FundingStatus), now.UTC()); err != nil {
            errs = append(errs, err)
        }
    }
    return errors.Join(errs...)
}

// ReapStale recovers claims whose owner stopped before releasing them:
// placeholders that never got their hold are removed and their capacity
// released, abandoned cancels go back to idle and abandoned settlements
// back to pending.
func (e *Engine) ReapStale(ctx context.Context, now time.Time) error {
    cutoff := now.Add(-e.cfg.ClaimLease)
    var errs []error

    placeholders, err := e.reservations.ListStale(ctx, model.PhaseAuthorizing, cutoff)
    if err != nil {
        errs = append(errs, err)
    }
    for _, res := range placeholders {
        err := repository.WithTx(ctx, e.db, func(tx *sql.Tx) error {
            if err := e.ledger.Release(ctx, tx, res.EventID, res.Quantity); err != nil {
                return err
            }
            deleted, err := e.reservations.DeletePlaceholderTx(ctx, tx, res.ID)
            if err != nil {
                return err
            }
            if !deleted {
                return errGone
            }
            return nil
        })
        switch {
        case errors.Is(err, errGone):
        case err != nil:
            errs = append(errs, fmt.Errorf("reap placeholder %d: %w", res.ID, err))
        default:
            e.reaped(ctx, res, model.PhaseAuthorizing)
            e.cache.Invalidate(ctx, res.EventID)
        }
    }

    for phase, back := range map[model.Phase]model.Phase{
        model.PhaseCancelling: model.PhaseIdle,
        model.PhaseSettling:   model.PhaseSettlementPending,
    } {
        stale, err := e.reservations.ListStale(ctx, phase, cutoff)
        if err != nil {
            errs = append(errs, err)
            continue
        }
        for _, res := range stale {
            ok, err := e.reservations.ReleaseClaim(ctx, res.ID, phase, back)
            if err != nil {
                errs = append(errs, fmt.Errorf("release %s claim of %d: %w", phase, res.ID, err))
                continue
            }
            if ok {
                e.reaped(ctx, res, phase)
            }
        }
    }
    return errors.Join(errs...)
}

var errGone = errors.New("already removed")

func (e *Engine) reaped(ctx context.Context, res model.Reservation, phase model.Phase) {
    metrics.StaleClaimsRecovered.WithLabelValues(string(phase)).Inc()
    logging.Ctx(ctx).Warn().Uint64("reservation_id", res.ID).Str("phase", string(phase)).
        Msg("recovered stale claim")
}

func (e *Engine) refreshGauges(ctx context.Context) {
    if n, err := e.reservations.CountPending(ctx, 0); err == nil {
        metrics.SettlementPending.Set(float64(n))
    }
    if n, err := e.reservations.CountPending(ctx, e.cfg.RetryBudget); err == nil {
        metrics.SettlementStuck.Set(float64(n))
    }
}
