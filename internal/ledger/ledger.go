// Package ledger owns the capacity counters of an event.  reserved_count
// and sold_count are only ever changed here, each change being a single
// conditional UPDATE, so reserved_count + sold_count never exceeds
// total_capacity no matter how many callers race.
package ledger

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "time"

    "github.com/tempandmajor/commonly-sub010/internal/model"
    "github.com/tempandmajor/commonly-sub010/internal/repository"
)

// Counters is a point-in-time view of an event's capacity.
type Counters struct {
    Total     uint32 `json:"total"`
    Reserved  uint32 `json:"reserved"`
    Sold      uint32 `json:"sold"`
    Available uint32 `json:"available"`
}

// Ledger applies capacity changes.  Every method takes the DBTX to run
// on, so the change commits or rolls back with the caller's transaction.
type Ledger struct {
    db  *sql.DB
    now func() time.Time
}

// New returns a Ledger reading snapshots from db.
func New(db *sql.DB) *Ledger {
    return &Ledger{db: db, now: time.Now}
}

// WithClock replaces the clock used to check pledge deadlines.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
    l.now = now
    return l
}

// Reserve takes qty tickets out of the available pool of an event that
// is still accepting reservations.
func (l *Ledger) Reserve(ctx context.Context, q repository.DBTX, eventID uint64, qty uint32) error {
    if qty == 0 {
        return fmt.Errorf("reserve: quantity must be positive: %w", model.ErrValidation)
    }
    now := l.now().UTC()
    const stmt = `UPDATE events SET reserved_count = reserved_count + ?, updated_at_ms = ?
                  WHERE id = ? AND funding_status = ? AND pledge_deadline_ms > ?
                    AND total_capacity - reserved_count - sold_count >= ?`
    res, err := q.ExecContext(ctx, stmt, qty, now.UnixMilli(), eventID,
        string(model.FundingInProgress), now.UnixMilli(), qty)
    if err != nil {
        return fmt.Errorf("reserve %d tickets of event %d: %w", qty, eventID, err)
    }
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 1 {
        return nil
    }
    return l.classify(ctx, q, eventID, now)
}

// classify explains why a Reserve matched no row.
func (l *Ledger) classify(ctx context.Context, q repository.DBTX, eventID uint64, now time.Time) error {
    var (
        status     string
        deadlineMs int64
    )
    err := q.QueryRowContext(ctx,
        `SELECT funding_status, pledge_deadline_ms FROM events WHERE id = ?`, eventID,
    ).Scan(&status, &deadlineMs)
    if errors.Is(err, sql.ErrNoRows) {
        return repository.ErrEventNotFound
    }
    if err != nil {
        return err
    }
    if model.FundingStatus(status) != model.FundingInProgress || now.UnixMilli() >= deadlineMs {
        return model.ErrDeadlinePassed
    }
    return model.ErrCapacityExceeded
}

// Release returns qty reserved tickets to the available pool.  The
// counter is clamped at zero so a repeated release cannot drive it
// negative.
func (l *Ledger) Release(ctx context.Context, q repository.DBTX, eventID uint64, qty uint32) error {
    const stmt = `UPDATE events
                  SET reserved_count = CASE WHEN reserved_count >= ? THEN reserved_count - ? ELSE 0 END,
                      updated_at_ms = ?
                  WHERE id = ?`
    res, err := q.ExecContext(ctx, stmt, qty, qty, l.now().UTC().UnixMilli(), eventID)
    if err != nil {
        return fmt.Errorf("release %d tickets of event %d: %w", qty, eventID, err)
    }
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 0 {
        return repository.ErrEventNotFound
    }
    return nil
}

// Promote moves qty tickets from reserved to sold once their payment has
// been captured.
func (l *Ledger) Promote(ctx context.Context, q repository.DBTX, eventID uint64, qty uint32) error {
    const stmt = `UPDATE events
                  SET reserved_count = reserved_count - ?, sold_count = sold_count + ?, updated_at_ms = ?
                  WHERE id = ? AND reserved_count >= ?`
    res, err := q.ExecContext(ctx, stmt, qty, qty, l.now().UTC().UnixMilli(), eventID, qty)
    if err != nil {
        return fmt.Errorf("promote %d tickets of event %d: %w", qty, eventID, err)
    }
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 0 {
        return fmt.Errorf("promote %d tickets of event %d: %w", qty, eventID, model.ErrConcurrencyConflict)
    }
    return nil
}

// Snapshot reads the current counters of an event.
func (l *Ledger) Snapshot(ctx context.Context, eventID uint64) (Counters, error) {
    var c Counters
    err := l.db.QueryRowContext(ctx,
        `SELECT total_capacity, reserved_count, sold_count FROM events WHERE id = ?`, eventID,
    ).Scan(&c.Total, &c.Reserved, &c.Sold)
    if errors.Is(err, sql.ErrNoRows) {
        return Counters{}, repository.ErrEventNotFound
    }
    if err != nil {
        return Counters{}, err
    }
    if used := c.Reserved + c.Sold; used < c.Total {
        c.Available = c.Total - used
    }
    return c, nil
}
