// Package reservation implements creating and cancelling reservations.
//
// A reservation is created in three steps so that no database transaction
// is open while the payment provider is called:
//
//  1. take capacity and insert a placeholder (phase authorizing);
//  2. authorize the payment outside any transaction;
//  3. attach the authorization and add the amount to the event's pledges.
//
// A failure after step 1 is compensated by deleting the placeholder and
// releasing its capacity, after cancelling the hold when one exists.
package reservation

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "strconv"
    "sync"
    "time"

    "github.com/tempandmajor/commonly-sub010/internal/cache"
    "github.com/tempandmajor/commonly-sub010/internal/gateway"
    "github.com/tempandmajor/commonly-sub010/internal/ledger"
    "github.com/tempandmajor/commonly-sub010/internal/logging"
    "github.com/tempandmajor/commonly-sub010/internal/metrics"
    "github.com/tempandmajor/commonly-sub010/internal/model"
    "github.com/tempandmajor/commonly-sub010/internal/queue"
    "github.com/tempandmajor/commonly-sub010/internal/repository"
    "github.com/tempandmajor/commonly-sub010/internal/validation"
)

// FundingTrigger is told when an event's pledges reach its goal.
type FundingTrigger interface {
    GoalReached(ctx context.Context, eventID uint64) error
}

// Config tunes a Manager.
type Config struct {
    Currency   string
    MaxTickets int
    // CleanupTimeout bounds compensation work, which runs even after the
    // request context is gone.
    CleanupTimeout time.Duration
}

// Deps are the collaborators of a Manager.  Notifier, Cache and Funding
// may be nil.
type Deps struct {
    DB           *sql.DB
    Events       *repository.EventRepo
    Reservations *repository.ReservationRepo
    Ledger       *ledger.Ledger
    Gateway      gateway.Gateway
    Notifier     queue.Notifier
    Cache        cache.Invalidator
    Funding      FundingTrigger
}

// Manager creates and cancels reservations.
type Manager struct {
    db           *sql.DB
    events       *repository.EventRepo
    reservations *repository.ReservationRepo
    ledger       *ledger.Ledger
    gateway      gateway.Gateway
    notifier     queue.Notifier
    cache        cache.Invalidator
    funding      FundingTrigger
    cfg          Config
    now          func() time.Time

    wg sync.WaitGroup
}

// NewManager returns a Manager wired to d.
func NewManager(d Deps, cfg Config) *Manager {
    if cfg.Currency == "" {
        cfg.Currency = "usd"
    }
    if cfg.MaxTickets <= 0 {
        cfg.MaxTickets = 10
    }
    if cfg.CleanupTimeout <= 0 {
        cfg.CleanupTimeout = 30 * time.Second
    }
    m := &Manager{
        db:           d.DB,
        events:       d.Events,
        reservations: d.Reservations,
        ledger:       d.Ledger,
        gateway:      d.Gateway,
        notifier:     d.Notifier,
        cache:        d.Cache,
        funding:      d.Funding,
        cfg:          cfg,
        now:          time.Now,
    }
    if m.notifier == nil {
        m.notifier = queue.Nop{}
    }
    if m.cache == nil {
        m.cache = cache.NopInvalidator{}
    }
    return m
}

// WithClock replaces the manager's clock.
func (m *Manager) WithClock(now func() time.Time) *Manager {
    m.now = now
    return m
}

// Wait blocks until every goal-reached trigger started by Create has
// returned.
func (m *Manager) Wait() { m.wg.Wait() }

// CreateInput is a request to reserve Quantity tickets of an event.
type CreateInput struct {
    UserID           uint64 `json:"-" validate:"required"`
    EventID          uint64 `json:"-" validate:"required"`
    Quantity         int    `json:"quantity" validate:"required,min=1"`
    PaymentMethodRef string `json:"payment_method_ref" validate:"required,max=255"`
}

// Create reserves tickets and authorizes their payment.
func (m *Manager) Create(ctx context.Context, in CreateInput) (model.Reservation, error) {
    res, err := m.create(ctx, in)
    metrics.ReservationsCreated.WithLabelValues(createOutcome(err)).Inc()
    return res, err
}

func (m *Manager) create(ctx context.Context, in CreateInput) (model.Reservation, error) {
    if err := validation.Struct(in); err != nil {
        return model.Reservation{}, err
    }
    if err := validation.Var("quantity", in.Quantity, "max="+strconv.Itoa(m.cfg.MaxTickets)); err != nil {
        return model.Reservation{}, err
    }

    ev, err := m.events.GetByID(ctx, nil, in.EventID)
    if err != nil {
        return model.Reservation{}, err
    }
    now := m.now().UTC()
    if !ev.AcceptsReservations(now) {
        return model.Reservation{}, model.ErrDeadlinePassed
    }

    res := model.Reservation{
        EventID:    ev.ID,
        UserID:     in.UserID,
        Quantity:   uint32(in.Quantity),
        TotalCents: int64(in.Quantity) * ev.TicketPriceCents,
    }
    // Capacity first: the event row lock taken by the ledger serializes
    // concurrent creates before the reservation insert touches the index.
    err = repository.WithTx(ctx, m.db, func(tx *sql.Tx) error {
        if err := m.ledger.Reserve(ctx, tx, ev.ID, res.Quantity); err != nil {
            return err
        }
        return m.reservations.InsertPlaceholderTx(ctx, tx, &res, now)
    })
    if err != nil {
        return model.Reservation{}, fmt.Errorf("reserve tickets: %w", err)
    }

    auth, err := m.gateway.Authorize(ctx, gateway.AuthorizeRequest{
        AmountCents:      res.TotalCents,
        Currency:         m.cfg.Currency,
        PaymentMethodRef: in.PaymentMethodRef,
        IdempotencyKey:   "reservation-" + strconv.FormatUint(res.ID, 10) + "-authorize",
        Metadata: map[string]string{
            "reservation_id": strconv.FormatUint(res.ID, 10),
            "event_id":       strconv.FormatUint(res.EventID, 10),
            "user_id":        strconv.FormatUint(res.UserID, 10),
        },
    })
    if err != nil {
        logging.Ctx(ctx).Info().Err(err).Uint64("reservation_id", res.ID).Msg("payment authorization failed")
        m.compensate(ctx, res, "authorize_failed")
        return model.Reservation{}, fmt.Errorf("%w: %v", model.ErrPaymentAuthorizationFailed, err)
    }

    var updated model.Event
    err = repository.WithTx(ctx, m.db, func(tx *sql.Tx) error {
        var err error
        updated, err = m.events.AddPledgedTx(ctx, tx, ev.ID, res.TotalCents, now)
        if err != nil {
            return err
        }
        ok, err := m.reservations.AttachAuthorizationTx(ctx, tx, res.ID, auth.ID)
        if err != nil {
            return err
        }
        if !ok {
            return fmt.Errorf("placeholder %d no longer pending: %w", res.ID, model.ErrConcurrencyConflict)
        }
        return nil
    })
    if err != nil {
        logging.Ctx(ctx).Error().Err(err).Uint64("reservation_id", res.ID).Msg("attach authorization failed, rolling back")
        m.voidHold(ctx, auth.ID)
        m.compensate(ctx, res, "attach_failed")
        return model.Reservation{}, fmt.Errorf("%w: %v", model.ErrPaymentAuthorizationFailed, err)
    }
    res.AuthorizationID = auth.ID
    res.Phase = model.PhaseIdle

    if updated.GoalReached() && updated.FundingStatus == model.FundingInProgress {
        m.triggerGoal(ctx, ev.ID)
    }
    m.cache.Invalidate(ctx, ev.ID)
    m.notifier.Notify(ctx, queue.NewNotification(queue.TypeReservationCreated, res, now))
    logging.Ctx(ctx).Info().Uint64("reservation_id", res.ID).Uint64("event_id", ev.ID).
        Uint32("quantity", res.Quantity).Msg("reservation created")
    return res, nil
}

// compensate deletes a placeholder and releases its capacity.  The
// release is rolled back unless this call deleted the row itself, so
// running it twice, or after the stale-claim reaper, cannot release the
// same tickets again.
func (m *Manager) compensate(ctx context.Context, res model.Reservation, reason string) {
    ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CleanupTimeout)
    defer cancel()
    err := repository.WithTx(ctx, m.db, func(tx *sql.Tx) error {
        if err := m.ledger.Release(ctx, tx, res.EventID, res.Quantity); err != nil {
            return err
        }
        deleted, err := m.reservations.DeletePlaceholderTx(ctx, tx, res.ID)
        if err != nil {
            return err
        }
        if !deleted {
            return errNothingToUndo
        }
        return nil
    })
    if errors.Is(err, errNothingToUndo) {
        return
    }
    if err != nil {
        // The reaper retries once the claim lease expires.
        logging.Ctx(ctx).Error().Err(err).Uint64("reservation_id", res.ID).Str("reason", reason).
            Msg("reservation compensation failed")
        return
    }
    metrics.CompensationsTotal.WithLabelValues(reason).Inc()
    m.cache.Invalidate(ctx, res.EventID)
}

// voidHold cancels an authorization that will not be attached.  An
// uncancelled hold still lapses at the provider.
func (m *Manager) voidHold(ctx context.Context, authorizationID string) {
    ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CleanupTimeout)
    defer cancel()
    if err := m.gateway.Cancel(ctx, authorizationID); err != nil {
        logging.Ctx(ctx).Error().Err(err).Str("authorization_id", authorizationID).
            Msg("could not void orphaned authorization")
    }
}

func (m *Manager) triggerGoal(ctx context.Context, eventID uint64) {
    if m.funding == nil {
        return
    }
    bg := context.WithoutCancel(ctx)
    m.wg.Add(1)
    go func() {
        defer m.wg.Done()
        if err := m.funding.GoalReached(bg, eventID); err != nil {
            logging.Ctx(bg).Error().Err(err).Uint64("event_id", eventID).Msg("goal reached trigger failed")
        }
    }()
}

var (
    errClaimLost     = errors.New("cancel claim lost")
    errNothingToUndo = errors.New("placeholder already removed")
)

// Cancel cancels a reservation on behalf of its owner and voids its
// payment hold.  Cancelling a reservation that is already terminal
// succeeds without side effects.
func (m *Manager) Cancel(ctx context.Context, reservationID, actorUserID uint64) (model.Reservation, error) {
    res, err := m.cancel(ctx, reservationID, actorUserID)
    metrics.ReservationsCancelled.WithLabelValues(cancelOutcome(err)).Inc()
    return res, err
}

func (m *Manager) cancel(ctx context.Context, reservationID, actorUserID uint64) (model.Reservation, error) {
    res, err := m.reservations.GetByIDForUser(ctx, reservationID, actorUserID)
    if err != nil {
        return model.Reservation{}, err
    }
    if res.Status.Terminal() {
        return res, nil
    }
    if res.Phase == model.PhaseAuthorizing {
        return model.Reservation{}, fmt.Errorf("reservation %d is still being created: %w", res.ID, model.ErrConcurrencyConflict)
    }

    now := m.now().UTC()
    err = repository.WithTx(ctx, m.db, func(tx *sql.Tx) error {
        open, err := m.events.LockInProgressTx(ctx, tx, res.EventID, now)
        if err != nil {
            return err
        }
        if !open {
            return model.ErrSettlementInProgress
        }
        claimed, err := m.reservations.ClaimForCancelTx(ctx, tx, res.ID, now)
        if err != nil {
            return err
        }
        if !claimed {
            return errClaimLost
        }
        return nil
    })
    if errors.Is(err, errClaimLost) {
        current, gerr := m.reservations.GetByID(ctx, nil, res.ID)
        if gerr != nil {
            return model.Reservation{}, gerr
        }
        if current.Status.Terminal() {
            return current, nil
        }
        return model.Reservation{}, fmt.Errorf("reservation %d is busy: %w", res.ID, model.ErrConcurrencyConflict)
    }
    if err != nil {
        return model.Reservation{}, err
    }

    if err := m.gateway.Cancel(ctx, res.AuthorizationID); err != nil {
        logging.Ctx(ctx).Warn().Err(err).Uint64("reservation_id", res.ID).Msg("payment cancel failed")
        m.releaseClaim(ctx, res.ID)
        return model.Reservation{}, fmt.Errorf("%w: %v", model.ErrPaymentCancelFailed, err)
    }

    // The hold is gone; finish even if the caller has left.
    fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CleanupTimeout)
    defer cancel()
    err = repository.WithTx(fctx, m.db, func(tx *sql.Tx) error {
        if err := m.ledger.Release(fctx, tx, res.EventID, res.Quantity); err != nil {
            return err
        }
        if _, err := m.events.AddPledgedTx(fctx, tx, res.EventID, -res.TotalCents, now); err != nil {
            return err
        }
        ok, err := m.reservations.FinalizeTx(fctx, tx, res.ID, model.PhaseCancelling, model.ReservationCancelled, now)
        if err != nil {
            return err
        }
        if !ok {
            return fmt.Errorf("reservation %d left phase cancelling: %w", res.ID, model.ErrConcurrencyConflict)
        }
        return nil
    })
    if err != nil {
        // Left in phase cancelling; the reaper hands it back to settlement,
        // which finalizes it as cancelled once the provider reports the
        // hold as canceled.
        return model.Reservation{}, fmt.Errorf("finalize cancel: %w", err)
    }

    res.Status = model.ReservationCancelled
    res.Phase = model.PhaseIdle
    res.SettledAt = &now
    m.cache.Invalidate(fctx, res.EventID)
    m.notifier.Notify(fctx, queue.NewNotification(queue.TypeReservationCancelled, res, now))
    logging.Ctx(ctx).Info().Uint64("reservation_id", res.ID).Msg("reservation cancelled")
    return res, nil
}

func (m *Manager) releaseClaim(ctx context.Context, id uint64) {
    ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CleanupTimeout)
    defer cancel()
    if _, err := m.reservations.ReleaseClaim(ctx, id, model.PhaseCancelling, model.PhaseIdle); err != nil {
        logging.Ctx(ctx).Error().Err(err).Uint64("reservation_id", id).Msg("release cancel claim failed")
    }
}

// Get returns a reservation owned by userID.
func (m *Manager) Get(ctx context.Context, id, userID uint64) (model.Reservation, error) {
    return m.reservations.GetByIDForUser(ctx, id, userID)
}

// ListByUser returns the reservations of userID, newest first.
func (m *Manager) ListByUser(ctx context.Context, userID uint64) ([]model.Reservation, error) {
    return m.reservations.ListByUser(ctx, userID)
}

func createOutcome(err error) string {
    switch {
    case err == nil:
        return "ok"
    case errors.Is(err, model.ErrValidation):
        return "invalid"
    case errors.Is(err, model.ErrCapacityExceeded):
        return "capacity_exceeded"
    case errors.Is(err, model.ErrDuplicateReservation):
        return "duplicate"
    case errors.Is(err, model.ErrDeadlinePassed):
        return "deadline_passed"
    case errors.Is(err, model.ErrPaymentAuthorizationFailed):
        return "authorization_failed"
    case errors.Is(err, model.ErrNotFound):
        return "not_found"
    default:
        return "error"
    }
}

func cancelOutcome(err error) string {
    switch {
    case err == nil:
        return "ok"
    case errors.Is(err, model.ErrSettlementInProgress):
        return "settlement_in_progress"
    case errors.Is(err, model.ErrPaymentCancelFailed):
        return "gateway_failed"
    case errors.Is(err, model.ErrConcurrencyConflict):
        return "conflict"
    case errors.Is(err, model.ErrForbidden), errors.Is(err, model.ErrNotFound):
        return "rejected"
    default:
        return "error"
    }
}
