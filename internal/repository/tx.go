package repository

import (
    "context"
    "database/sql"
    "time"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so that single-statement
// operations can run standalone or inside a caller's transaction.
type DBTX interface {
    ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
    QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
    QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction and commits when fn returns nil.
// Any error or panic rolls the transaction back.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
    tx, err := db.BeginTx(ctx, nil)
    if err != nil {
        return err
    }
    committed := false
    defer func() {
        if !committed {
            _ = tx.Rollback()
        }
    }()
    if err := fn(tx); err != nil {
        return err
    }
    if err := tx.Commit(); err != nil {
        return err
    }
    committed = true
    return nil
}

// rowsAffectedOne reports whether a conditional update matched a row.
func rowsAffectedOne(res sql.Result) (bool, error) {
    n, err := res.RowsAffected()
    if err != nil {
        return false, err
    }
    return n > 0, nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableTime(v sql.NullInt64) *time.Time {
    if !v.Valid {
        return nil
    }
    t := fromMillis(v.Int64)
    return &t
}
