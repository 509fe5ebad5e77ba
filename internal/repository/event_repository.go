package repository

import (
    "context"
    "database/sql"
    "errors"
    "time"

    "github.com/tempandmajor/commonly-sub010/internal/model"
)

// EventRepo manages persistence for events.  Capacity counters are
// written only by package ledger; this repository reads them and owns the
// funding status and pledged amount columns.
type EventRepo struct {
    db *sql.DB
}

// NewEventRepo returns a new EventRepo bound to the given database.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// DB exposes the underlying sql.DB so that callers can begin
// transactions spanning the event, reservation and ledger writes.
func (r *EventRepo) DB() *sql.DB { return r.db }

const eventColumns = `id, organizer_id, title, total_capacity, reserved_count, sold_count,
    ticket_price_cents, funding_goal_cents, pledged_cents, pledge_deadline_ms,
    funding_status, settled_at_ms, created_at_ms, updated_at_ms`

type scanner interface {
    Scan(dest ...any) error
}

func scanEvent(s scanner) (model.Event, error) {
    var (
        e          model.Event
        deadlineMs int64
        status     string
        settledMs  sql.NullInt64
        createdMs  int64
        updatedMs  int64
    )
    err := s.Scan(
        &e.ID, &e.OrganizerID, &e.Title, &e.TotalCapacity, &e.ReservedCount, &e.SoldCount,
        &e.TicketPriceCents, &e.FundingGoalCents, &e.PledgedCents, &deadlineMs,
        &status, &settledMs, &createdMs, &updatedMs,
    )
    if err != nil {
        return model.Event{}, err
    }
    e.PledgeDeadline = fromMillis(deadlineMs)
    e.FundingStatus = model.FundingStatus(status)
    e.SettledAt = nullableTime(settledMs)
    e.CreatedAt = fromMillis(createdMs)
    e.UpdatedAt = fromMillis(updatedMs)
    return e, nil
}

// Create inserts a new event in the in_progress state and populates the
// generated ID and timestamps on e.
func (r *EventRepo) Create(ctx context.Context, e *model.Event, now time.Time) error {
    const q = `INSERT INTO events (organizer_id, title, total_capacity, ticket_price_cents,
                   funding_goal_cents, pledge_deadline_ms, funding_status, created_at_ms, updated_at_ms)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
    res, err := r.db.ExecContext(ctx, q,
        e.OrganizerID, e.Title, e.TotalCapacity, e.TicketPriceCents,
        e.FundingGoalCents, toMillis(e.PledgeDeadline), string(model.FundingInProgress),
        toMillis(now), toMillis(now))
    if err != nil {
        return err
    }
    id, err := res.LastInsertId()
    if err != nil {
        return err
    }
    e.ID = uint64(id)
    e.FundingStatus = model.FundingInProgress
    e.ReservedCount, e.SoldCount, e.PledgedCents = 0, 0, 0
    e.CreatedAt = fromMillis(toMillis(now))
    e.UpdatedAt = e.CreatedAt
    return nil
}

// GetByID loads a single event through q, which may be a transaction.
// It returns ErrEventNotFound when no row exists.
func (r *EventRepo) GetByID(ctx context.Context, q DBTX, id uint64) (model.Event, error) {
    if q == nil {
        q = r.db
    }
    e, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
    if errors.Is(err, sql.ErrNoRows) {
        return model.Event{}, ErrEventNotFound
    }
    return e, err
}

// ListOpen returns events still accepting reservations at now, soonest
// deadline first.
func (r *EventRepo) ListOpen(ctx context.Context, now time.Time, limit int) ([]model.Event, error) {
    if limit <= 0 || limit > 200 {
        limit = 50
    }
    const q = `SELECT ` + eventColumns + ` FROM events
               WHERE funding_status = ? AND pledge_deadline_ms > ?
               ORDER BY pledge_deadline_ms ASC, id ASC
               LIMIT ?`
    return r.list(ctx, q, string(model.FundingInProgress), toMillis(now), limit)
}

// ListDue returns in_progress events whose pledge deadline is at or
// before now.  These are the candidates of a deadline sweep.
func (r *EventRepo) ListDue(ctx context.Context, now time.Time) ([]model.Event, error) {
    const q = `SELECT ` + eventColumns + ` FROM events
               WHERE funding_status = ? AND pledge_deadline_ms <= ?
               ORDER BY pledge_deadline_ms ASC, id ASC`
    return r.list(ctx, q, string(model.FundingInProgress), toMillis(now))
}

// ListUnsettled returns events whose funding outcome is decided but that
// still have reservations waiting for settlement.
func (r *EventRepo) ListUnsettled(ctx context.Context) ([]model.Event, error) {
    const q = `SELECT ` + eventColumns + ` FROM events
               WHERE funding_status <> ? AND settled_at_ms IS NULL
               ORDER BY id ASC`
    return r.list(ctx, q, string(model.FundingInProgress))
}

func (r *EventRepo) list(ctx context.Context, q string, args ...any) ([]model.Event, error) {
    rows, err := r.db.QueryContext(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    events := make([]model.Event, 0)
    for rows.Next() {
        e, err := scanEvent(rows)
        if err != nil {
            return nil, err
        }
        events = append(events, e)
    }
    if err := rows.Err(); err != nil {
        return nil, err
    }
    return events, nil
}

// TransitionStatus moves an event out of in_progress.  The update is
// conditional on the current status, so among concurrent callers exactly
// one observes true.
func (r *EventRepo) TransitionStatus(ctx context.Context, id uint64, to model.FundingStatus, now time.Time) (bool, error) {
    const q = `UPDATE events SET funding_status = ?, updated_at_ms = ?
               WHERE id = ? AND funding_status = ?`
    res, err := r.db.ExecContext(ctx, q, string(to), toMillis(now), id, string(model.FundingInProgress))
    if err != nil {
        return false, err
    }
    return rowsAffectedOne(res)
}

// LockInProgressTx takes the event row lock inside tx if and only if the
// event is still in_progress.  A concurrent TransitionStatus blocks until
// tx ends, so work done in tx cannot interleave with a funding decision.
func (r *EventRepo) LockInProgressTx(ctx context.Context, tx *sql.Tx, id uint64, now time.Time) (bool, error) {
    const q = `UPDATE events SET updated_at_ms = ? WHERE id = ? AND funding_status = ?`
    res, err := tx.ExecContext(ctx, q, toMillis(now), id, string(model.FundingInProgress))
    if err != nil {
        return false, err
    }
    return rowsAffectedOne(res)
}

// AddPledgedTx adjusts the pledged amount by delta (which may be
// negative) and returns the updated event.
func (r *EventRepo) AddPledgedTx(ctx context.Context, tx *sql.Tx, id uint64, delta int64, now time.Time) (model.Event, error) {
    const q = `UPDATE events SET pledged_cents = pledged_cents + ?, updated_at_ms = ? WHERE id = ?`
    res, err := tx.ExecContext(ctx, q, delta, toMillis(now), id)
    if err != nil {
        return model.Event{}, err
    }
    ok, err := rowsAffectedOne(res)
    if err != nil {
        return model.Event{}, err
    }
    if !ok {
        return model.Event{}, ErrEventNotFound
    }
    return r.GetByID(ctx, tx, id)
}

// MarkSettled stamps settled_at once the funding outcome is decided and
// no reservation of the event is still reserved.  It reports whether the
// stamp was written by this call.
func (r *EventRepo) MarkSettled(ctx context.Context, id uint64, now time.Time) (bool, error) {
    const q = `UPDATE events SET settled_at_ms = ?, updated_at_ms = ?
               WHERE id = ? AND funding_status <> ? AND settled_at_ms IS NULL
                 AND NOT EXISTS (SELECT 1 FROM reservations WHERE event_id = ? AND status = ?)`
    res, err := r.db.ExecContext(ctx, q, toMillis(now), toMillis(now), id,
        string(model.FundingInProgress), id, string(model.ReservationReserved))
    if err != nil {
        return false, err
    }
    return rowsAffectedOne(res)
}
