package repository

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "time"

    "github.com/tempandmajor/commonly-sub010/internal/database"
    "github.com/tempandmajor/commonly-sub010/internal/model"
)

// ReservationRepo provides the conditional reads and writes that drive
// the reservation state machine.  Every write that moves a reservation
// names the status and phase it expects to find, so a write by a stale
// actor matches no row instead of overwriting a newer state.
type ReservationRepo struct {
    db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

// DB exposes the underlying sql.DB.
func (r *ReservationRepo) DB() *sql.DB { return r.db }

const reservationColumns = `id, event_id, user_id, quantity, total_cents, status, authorization_id,
    phase, attempts, next_attempt_ms, last_error, reserved_at_ms, settled_at_ms`

func scanReservation(s scanner) (model.Reservation, error) {
    var (
        res        model.Reservation
        status     string
        authID     sql.NullString
        phase      string
        nextMs     sql.NullInt64
        reservedMs int64
        settledMs  sql.NullInt64
    )
    err := s.Scan(
        &res.ID, &res.EventID, &res.UserID, &res.Quantity, &res.TotalCents, &status, &authID,
        &phase, &res.Attempts, &nextMs, &res.LastError, &reservedMs, &settledMs,
    )
    if err != nil {
        return model.Reservation{}, err
    }
    res.Status = model.ReservationStatus(status)
    if authID.Valid {
        res.AuthorizationID = authID.String
    }
    res.Phase = model.Phase(phase)
    res.NextAttemptAt = nullableTime(nextMs)
    res.ReservedAt = fromMillis(reservedMs)
    res.SettledAt = nullableTime(settledMs)
    return res, nil
}

// InsertPlaceholderTx inserts a reservation in status reserved and phase
// authorizing, before any payment hold exists.  The unique index over
// (user_id, event_id, active_slot) rejects a second active reservation
// for the same user and event; that case is reported as
// model.ErrDuplicateReservation.
func (r *ReservationRepo) InsertPlaceholderTx(ctx context.Context, tx *sql.Tx, res *model.Reservation, now time.Time) error {
    const q = `INSERT INTO reservations (event_id, user_id, quantity, total_cents, status, active_slot,
                   phase, claimed_at_ms, reserved_at_ms)
               VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`
    result, err := tx.ExecContext(ctx, q,
        res.EventID, res.UserID, res.Quantity, res.TotalCents, string(model.ReservationReserved),
        string(model.PhaseAuthorizing), toMillis(now), toMillis(now))
    if err != nil {
        if database.IsUniqueViolation(err) {
            return model.ErrDuplicateReservation
        }
        return err
    }
    id, err := result.LastInsertId()
    if err != nil {
        return err
    }
    res.ID = uint64(id)
    res.Status = model.ReservationReserved
    res.Phase = model.PhaseAuthorizing
    res.ReservedAt = fromMillis(toMillis(now))
    return nil
}

// DeletePlaceholderTx removes a reservation that never obtained a payment
// hold.  Only rows still in phase authorizing are removed.
func (r *ReservationRepo) DeletePlaceholderTx(ctx context.Context, tx *sql.Tx, id uint64) (bool, error) {
    const q = `DELETE FROM reservations WHERE id = ? AND status = ? AND phase = ?`
    res, err := tx.ExecContext(ctx, q, id, string(model.ReservationReserved), string(model.PhaseAuthorizing))
    if err != nil {
        return false, err
    }
    return rowsAffectedOne(res)
}

// AttachAuthorizationTx records the gateway hold on a placeholder and
// returns it to the idle phase.
func (r *ReservationRepo) AttachAuthorizationTx(ctx context.Context, tx *sql.Tx, id uint64, authorizationID string) (bool, error) {
    const q = `UPDATE reservations SET authorization_id = ?, phase = ?, claimed_at_ms = NULL
               WHERE id = ? AND status = ? AND phase = ?`
    res, err := tx.ExecContext(ctx, q, authorizationID, string(model.PhaseIdle),
        id, string(model.ReservationReserved), string(model.PhaseAuthorizing))
    if err != nil {
        return false, err
    }
    return rowsAffectedOne(res)
}

// GetByID loads a reservation through q, which may be a transaction.
func (r *ReservationRepo) GetByID(ctx context.Context, q DBTX, id uint64) (model.Reservation, error) {
    if q == nil {
        q = r.db
    }
    res, err := scanReservation(q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id))
    if errors.Is(err, sql.ErrNoRows) {
        return model.Reservation{}, ErrReservationNotFound
    }
    return res, err
}

// GetByIDForUser returns a reservation owned by userID.  It returns
// ErrReservationNotFound when the reservation does not exist and
// ErrForbidden when it belongs to somebody else.
func (r *ReservationRepo) GetByIDForUser(ctx context.Context, id, userID uint64) (model.Reservation, error) {
    res, err := r.GetByID(ctx, nil, id)
    if err != nil {
        return model.Reservation{}, err
    }
    if res.UserID != userID {
        return model.Reservation{}, ErrForbidden
    }
    return res, nil
}

// ListByUser returns every reservation of a user, newest first.
// Placeholders still waiting for their payment hold are omitted.
func (r *ReservationRepo) ListByUser(ctx context.Context, userID uint64) ([]model.Reservation, error) {
    const q = `SELECT ` + reservationColumns + ` FROM reservations
               WHERE user_id = ? AND phase <> ?
               ORDER BY reserved_at_ms DESC, id DESC`
    return r.list(ctx, q, userID, string(model.PhaseAuthorizing))
}

// ListByEvent returns every reservation of an event except placeholders
// whose hold is still being authorized, newest first.
func (r *ReservationRepo) ListByEvent(ctx context.Context, eventID uint64) ([]model.Reservation, error) {
    const q = `SELECT ` + reservationColumns + ` FROM reservations
               WHERE event_id = ? AND phase <> ?
               ORDER BY reserved_at_ms DESC, id DESC`
    return r.list(ctx, q, eventID, string(model.PhaseAuthorizing))
}

// ListReservedByEvent returns the reservations of an event that still
// await settlement.
func (r *ReservationRepo) ListReservedByEvent(ctx context.Context, eventID uint64) ([]model.Reservation, error) {
    const q = `SELECT ` + reservationColumns + ` FROM reservations
               WHERE event_id = ? AND status = ?
               ORDER BY id ASC`
    return r.list(ctx, q, eventID, string(model.ReservationReserved))
}

// ListStale returns reserved reservations that have been held in phase
// since before cutoff.
func (r *ReservationRepo) ListStale(ctx context.Context, phase model.Phase, cutoff time.Time) ([]model.Reservation, error) {
    const q = `SELECT ` + reservationColumns + ` FROM reservations
               WHERE status = ? AND phase = ? AND claimed_at_ms IS NOT NULL AND claimed_at_ms < ?
               ORDER BY id ASC`
    return r.list(ctx, q, string(model.ReservationReserved), string(phase), toMillis(cutoff))
}

func (r *ReservationRepo) list(ctx context.Context, q string, args ...any) ([]model.Reservation, error) {
    rows, err := r.db.QueryContext(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := make([]model.Reservation, 0)
    for rows.Next() {
        res, err := scanReservation(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, res)
    }
    if err := rows.Err(); err != nil {
        return nil, err
    }
    return out, nil
}

// ClaimForCancelTx moves an authorized, idle reservation into phase
// cancelling.  It reports false when the reservation is not in that
// state, e.g. because settlement or another cancel holds it.
func (r *ReservationRepo) ClaimForCancelTx(ctx context.Context, tx *sql.Tx, id uint64, now time.Time) (bool, error) {
    const q = `UPDATE reservations SET phase = ?, claimed_at_ms = ?
               WHERE id = ? AND status = ? AND phase = ? AND authorization_id IS NOT NULL`
    res, err := tx.ExecContext(ctx, q, string(model.PhaseCancelling), toMillis(now),
        id, string(model.ReservationReserved), string(model.PhaseIdle))
    if err != nil {
        return false, err
    }
    return rowsAffectedOne(res)
}

// ClaimForSettlement moves a reservation into phase settling.  Idle
// reservations are always claimable; pending ones only once their retry
// time has come.
func (r *ReservationRepo) ClaimForSettlement(ctx context.Context, id uint64, now time.Time) (bool, error) {
    const q = `UPDATE reservations SET phase = ?, claimed_at_ms = ?
               WHERE id = ? AND status = ? AND authorization_id IS NOT NULL
                 AND (phase = ? OR (phase = ? AND (next_attempt_ms IS NULL OR next_attempt_ms <= ?)))`
    res, err := r.db.ExecContext(ctx, q, string(model.PhaseSettling), toMillis(now),
        id, string(model.ReservationReserved),
        string(model.PhaseIdle), string(model.PhaseSettlementPending), toMillis(now))
    if err != nil {
        return false, err
    }
    return rowsAffectedOne(res)
}

// ReleaseClaim returns a reservation held in phase from back to phase to
// without changing its status.
func (r *ReservationRepo) ReleaseClaim(ctx context.Context, id uint64, from, to model.Phase) (bool, error) {
    const q = `UPDATE reservations SET phase = ?, claimed_at_ms = NULL
               WHERE id = ? AND status = ? AND phase = ?`
    res, err := r.db.ExecContext(ctx, q, string(to), id, string(model.ReservationReserved), string(from))
    if err != nil {
        return false, err
    }
    return rowsAffectedOne(res)
}

// MarkSettlementPending records a failed settlement attempt on a
// reservation held in phase settling and schedules the next attempt.
func (r *ReservationRepo) MarkSettlementPending(ctx context.Context, id uint64, attempts int, next time.Time, lastErr string) (bool, error) {
    if len(lastErr) > 500 {
        lastErr = lastErr[:500]
    }
    const q = `UPDATE reservations SET phase = ?, claimed_at_ms = NULL, attempts = ?, next_attempt_ms = ?, last_error = ?
               WHERE id = ? AND status = ? AND phase = ?`
    res, err := r.db.ExecContext(ctx, q, string(model.PhaseSettlementPending), attempts, toMillis(next), lastErr,
        id, string(model.ReservationReserved), string(model.PhaseSettling))
    if err != nil {
        return false, err
    }
    return rowsAffectedOne(res)
}

// FinalizeTx moves a reservation held in phase from to a terminal
// status.  Confirmed reservations keep their active slot; every other
// terminal status frees it so the user may reserve again.
func (r *ReservationRepo) FinalizeTx(ctx context.Context, tx *sql.Tx, id uint64, from model.Phase, to model.ReservationStatus, now time.Time) (bool, error) {
    if !to.Terminal() {
        return false, fmt.Errorf("finalize reservation %d: status %q is not terminal", id, to)
    }
    var slot any
    if to.Active() {
        slot = 1
    }
    const q = `UPDATE reservations SET status = ?, active_slot = ?, phase = ?, claimed_at_ms = NULL,
                   next_attempt_ms = NULL, last_error = '', settled_at_ms = ?
               WHERE id = ? AND status = ? AND phase = ?`
    res, err := tx.ExecContext(ctx, q, string(to), slot, string(model.PhaseIdle), toMillis(now),
        id, string(model.ReservationReserved), string(from))
    if err != nil {
        return false, err
    }
    return rowsAffectedOne(res)
}

// CountPending returns how many reservations wait in phase
// settlement_pending with at least minAttempts failed attempts.
func (r *ReservationRepo) CountPending(ctx context.Context, minAttempts int) (int, error) {
    const q = `SELECT COUNT(*) FROM reservations WHERE status = ? AND phase = ? AND attempts >= ?`
    var n int
    err := r.db.QueryRowContext(ctx, q, string(model.ReservationReserved), string(model.PhaseSettlementPending), minAttempts).Scan(&n)
    return n, err
}
