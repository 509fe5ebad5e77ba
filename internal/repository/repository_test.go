package repository

import (
    "context"
    "database/sql"
    "errors"
    "path/filepath"
    "testing"
    "time"

    "github.com/tempandmajor/commonly-sub010/internal/database"
    "github.com/tempandmajor/commonly-sub010/internal/model"
)

func openTempStore(t *testing.T) *sql.DB {
    t.Helper()
    db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "repo.db"))
    if err != nil {
        t.Fatalf("open sqlite: %v", err)
    }
    t.Cleanup(func() { _ = db.Close() })
    if err := database.Migrate(context.Background(), db, database.SQLite); err != nil {
        t.Fatalf("migrate: %v", err)
    }
    return db
}

func seedEvent(t *testing.T, events *EventRepo, now time.Time) model.Event {
    t.Helper()
    e := model.Event{
        OrganizerID:      7,
        Title:            "Rooftop jazz night",
        TotalCapacity:    10,
        TicketPriceCents: 2500,
        FundingGoalCents: 10000,
        PledgeDeadline:   now.Add(24 * time.Hour),
    }
    if err := events.Create(context.Background(), &e, now); err != nil {
        t.Fatalf("create event: %v", err)
    }
    return e
}

func insertAuthorized(t *testing.T, db *sql.DB, reservations *ReservationRepo, eventID, userID uint64, now time.Time) model.Reservation {
    t.Helper()
    ctx := context.Background()
    res := model.Reservation{EventID: eventID, UserID: userID, Quantity: 2, TotalCents: 5000}
    err := WithTx(ctx, db, func(tx *sql.Tx) error {
        return reservations.InsertPlaceholderTx(ctx, tx, &res, now)
    })
    if err != nil {
        t.Fatalf("insert placeholder: %v", err)
    }
    err = WithTx(ctx, db, func(tx *sql.Tx) error {
        ok, err := reservations.AttachAuthorizationTx(ctx, tx, res.ID, "pi_test")
        if err == nil && !ok {
            t.Fatalf("attach authorization matched no row")
        }
        return err
    })
    if err != nil {
        t.Fatalf("attach authorization: %v", err)
    }
    return res
}

func TestEventCreateAndGet(t *testing.T) {
    t.Parallel()

    db := openTempStore(t)
    events := NewEventRepo(db)
    now := time.UnixMilli(1_700_000_000_000).UTC()
    e := seedEvent(t, events, now)

    got, err := events.GetByID(context.Background(), nil, e.ID)
    if err != nil {
        t.Fatalf("get event: %v", err)
    }
    if got.FundingStatus != model.FundingInProgress {
        t.Fatalf("status = %q, want %q", got.FundingStatus, model.FundingInProgress)
    }
    if !got.PledgeDeadline.Equal(e.PledgeDeadline) {
        t.Fatalf("deadline = %v, want %v", got.PledgeDeadline, e.PledgeDeadline)
    }
    if got.Available() != 10 {
        t.Fatalf("available = %d, want 10", got.Available())
    }

    _, err = events.GetByID(context.Background(), nil, e.ID+100)
    if !errors.Is(err, model.ErrNotFound) {
        t.Fatalf("missing event err = %v, want ErrNotFound", err)
    }
}

func TestEventTransitionHasSingleWinner(t *testing.T) {
    t.Parallel()

    db := openTempStore(t)
    events := NewEventRepo(db)
    now := time.Now().UTC()
    e := seedEvent(t, events, now)
    ctx := context.Background()

    won, err := events.TransitionStatus(ctx, e.ID, model.FundingFunded, now)
    if err != nil || !won {
        t.Fatalf("first transition = %v, %v; want true, nil", won, err)
    }
    won, err = events.TransitionStatus(ctx, e.ID, model.FundingFailed, now)
    if err != nil || won {
        t.Fatalf("second transition = %v, %v; want false, nil", won, err)
    }
    got, _ := events.GetByID(ctx, nil, e.ID)
    if got.FundingStatus != model.FundingFunded {
        t.Fatalf("status = %q, want funded", got.FundingStatus)
    }
}

func TestListDueAndOpen(t *testing.T) {
    t.Parallel()

    db := openTempStore(t)
    events := NewEventRepo(db)
    ctx := context.Background()
    now := time.Now().UTC()
    open := seedEvent(t, events, now)
    past := model.Event{OrganizerID: 1, Title: "past", TotalCapacity: 5, TicketPriceCents: 100,
        FundingGoalCents: 500, PledgeDeadline: now.Add(-time.Minute)}
    if err := events.Create(ctx, &past, now.Add(-time.Hour)); err != nil {
        t.Fatalf("create past event: %v", err)
    }

    due, err := events.ListDue(ctx, now)
    if err != nil {
        t.Fatalf("list due: %v", err)
    }
    if len(due) != 1 || due[0].ID != past.ID {
        t.Fatalf("due = %+v, want only event %d", due, past.ID)
    }
    listed, err := events.ListOpen(ctx, now, 10)
    if err != nil {
        t.Fatalf("list open: %v", err)
    }
    if len(listed) != 1 || listed[0].ID != open.ID {
        t.Fatalf("open = %+v, want only event %d", listed, open.ID)
    }
}

func TestDuplicateActiveReservationRejected(t *testing.T) {
    t.Parallel()

    db := openTempStore(t)
    events := NewEventRepo(db)
    reservations := NewReservationRepo(db)
    ctx := context.Background()
    now := time.Now().UTC()
    e := seedEvent(t, events, now)
    first := insertAuthorized(t, db, reservations, e.ID, 42, now)

    dup := model.Reservation{EventID: e.ID, UserID: 42, Quantity: 1, TotalCents: 2500}
    err := WithTx(ctx, db, func(tx *sql.Tx) error {
        return reservations.InsertPlaceholderTx(ctx, tx, &dup, now)
    })
    if !errors.Is(err, model.ErrDuplicateReservation) {
        t.Fatalf("duplicate insert err = %v, want ErrDuplicateReservation", err)
    }

    // A cancelled reservation frees the slot.
    err = WithTx(ctx, db, func(tx *sql.Tx) error {
        if ok, err := reservations.ClaimForCancelTx(ctx, tx, first.ID, now); err != nil || !ok {
            t.Fatalf("claim for cancel = %v, %v", ok, err)
        }
        _, err := reservations.FinalizeTx(ctx, tx, first.ID, model.PhaseCancelling, model.ReservationCancelled, now)
        return err
    })
    if err != nil {
        t.Fatalf("cancel: %v", err)
    }
    err = WithTx(ctx, db, func(tx *sql.Tx) error {
        return reservations.InsertPlaceholderTx(ctx, tx, &dup, now)
    })
    if err != nil {
        t.Fatalf("insert after cancel: %v", err)
    }
}

func TestClaimsAreExclusive(t *testing.T) {
    t.Parallel()

    db := openTempStore(t)
    events := NewEventRepo(db)
    reservations := NewReservationRepo(db)
    ctx := context.Background()
    now := time.Now().UTC()
    e := seedEvent(t, events, now)
    res := insertAuthorized(t, db, reservations, e.ID, 1, now)

    ok, err := reservations.ClaimForSettlement(ctx, res.ID, now)
    if err != nil || !ok {
        t.Fatalf("claim for settlement = %v, %v; want true", ok, err)
    }
    ok, err = reservations.ClaimForSettlement(ctx, res.ID, now)
    if err != nil || ok {
        t.Fatalf("second claim = %v, %v; want false", ok, err)
    }
    err = WithTx(ctx, db, func(tx *sql.Tx) error {
        ok, err := reservations.ClaimForCancelTx(ctx, tx, res.ID, now)
        if ok {
            t.Fatalf("cancel claim succeeded while settling")
        }
        return err
    })
    if err != nil {
        t.Fatalf("cancel claim: %v", err)
    }

    next := now.Add(time.Minute)
    if ok, err := reservations.MarkSettlementPending(ctx, res.ID, 1, next, "gateway down"); err != nil || !ok {
        t.Fatalf("mark pending = %v, %v", ok, err)
    }
    if ok, _ := reservations.ClaimForSettlement(ctx, res.ID, now); ok {
        t.Fatalf("claim succeeded before the retry was due")
    }
    if ok, _ := reservations.ClaimForSettlement(ctx, res.ID, next); !ok {
        t.Fatalf("claim failed once the retry was due")
    }

    got, err := reservations.GetByID(ctx, nil, res.ID)
    if err != nil {
        t.Fatalf("get: %v", err)
    }
    if got.Attempts != 1 || got.LastError != "gateway down" {
        t.Fatalf("attempts = %d, last error = %q", got.Attempts, got.LastError)
    }
}

func TestFinalizeConfirmedKeepsSlotAndMarksSettled(t *testing.T) {
    t.Parallel()

    db := openTempStore(t)
    events := NewEventRepo(db)
    reservations := NewReservationRepo(db)
    ctx := context.Background()
    now := time.Now().UTC()
    e := seedEvent(t, events, now)
    res := insertAuthorized(t, db, reservations, e.ID, 5, now)

    if won, _ := events.TransitionStatus(ctx, e.ID, model.FundingFunded, now); !won {
        t.Fatal("transition lost")
    }
    if ok, _ := events.MarkSettled(ctx, e.ID, now); ok {
        t.Fatal("event marked settled with a reserved reservation left")
    }
    if ok, _ := reservations.ClaimForSettlement(ctx, res.ID, now); !ok {
        t.Fatal("claim lost")
    }
    err := WithTx(ctx, db, func(tx *sql.Tx) error {
        ok, err := reservations.FinalizeTx(ctx, tx, res.ID, model.PhaseSettling, model.ReservationConfirmed, now)
        if err == nil && !ok {
            t.Fatal("finalize matched no row")
        }
        return err
    })
    if err != nil {
        t.Fatalf("finalize: %v", err)
    }

    dup := model.Reservation{EventID: e.ID, UserID: 5, Quantity: 1, TotalCents: 2500}
    err = WithTx(ctx, db, func(tx *sql.Tx) error {
        return reservations.InsertPlaceholderTx(ctx, tx, &dup, now)
    })
    if !errors.Is(err, model.ErrDuplicateReservation) {
        t.Fatalf("insert next to confirmed err = %v, want ErrDuplicateReservation", err)
    }
    if ok, err := events.MarkSettled(ctx, e.ID, now); err != nil || !ok {
        t.Fatalf("mark settled = %v, %v; want true", ok, err)
    }
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
    t.Parallel()

    db := openTempStore(t)
    reservations := NewReservationRepo(db)
    ctx := context.Background()
    err := WithTx(ctx, db, func(tx *sql.Tx) error {
        _, err := reservations.FinalizeTx(ctx, tx, 1, model.PhaseSettling, model.ReservationReserved, time.Now())
        return err
    })
    if err == nil {
        t.Fatal("expected error for non-terminal status")
    }
}

func TestListStaleAndOwnership(t *testing.T) {
    t.Parallel()

    db := openTempStore(t)
    events := NewEventRepo(db)
    reservations := NewReservationRepo(db)
    ctx := context.Background()
    now := time.Now().UTC()
    e := seedEvent(t, events, now)

    placeholder := model.Reservation{EventID: e.ID, UserID: 9, Quantity: 1, TotalCents: 2500}
    err := WithTx(ctx, db, func(tx *sql.Tx) error {
        return reservations.InsertPlaceholderTx(ctx, tx, &placeholder, now.Add(-10*time.Minute))
    })
    if err != nil {
        t.Fatalf("insert placeholder: %v", err)
    }

    stale, err := reservations.ListStale(ctx, model.PhaseAuthorizing, now.Add(-5*time.Minute))
    if err != nil {
        t.Fatalf("list stale: %v", err)
    }
    if len(stale) != 1 || stale[0].ID != placeholder.ID {
        t.Fatalf("stale = %+v, want placeholder %d", stale, placeholder.ID)
    }

    mine, err := reservations.ListByUser(ctx, 9)
    if err != nil {
        t.Fatalf("list by user: %v", err)
    }
    if len(mine) != 0 {
        t.Fatalf("placeholder listed for user: %+v", mine)
    }

    if _, err := reservations.GetByIDForUser(ctx, placeholder.ID, 10); !errors.Is(err, ErrForbidden) {
        t.Fatalf("foreign get err = %v, want ErrForbidden", err)
    }
}
