package settlement

import (
    "context"
    "database/sql"
    "path/filepath"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/tempandmajor/commonly-sub010/internal/database"
    "github.com/tempandmajor/commonly-sub010/internal/gateway"
    "github.com/tempandmajor/commonly-sub010/internal/ledger"
    "github.com/tempandmajor/commonly-sub010/internal/model"
    "github.com/tempandmajor/commonly-sub010/internal/queue"
    "github.com/tempandmajor/commonly-sub010/internal/repository"
    "github.com/tempandmajor/commonly-sub010/internal/reservation"
)

type fixture struct {
    db       *sql.DB
    events   *repository.EventRepo
    resv     *repository.ReservationRepo
    ledger   *ledger.Ledger
    gw       *gateway.Memory
    sent     *queue.Recorder
    engine   *Engine
    mgr      *reservation.Manager
    eventID  uint64
    deadline time.Time
}

// newFixture creates an event of 10 tickets at 2500 with a goal of 10000
// and a deadline one hour away.  When trigger is set the manager reports
// reached goals to the engine.
func newFixture(t *testing.T, trigger bool, cfg Config) *fixture {
    t.Helper()
    db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "settlement.db"))
    if err != nil {
        t.Fatalf("open sqlite: %v", err)
    }
    t.Cleanup(func() { _ = db.Close() })
    ctx := context.Background()
    if err := database.Migrate(ctx, db, database.SQLite); err != nil {
        t.Fatalf("migrate: %v", err)
    }

    f := &fixture{
        db:       db,
        events:   repository.NewEventRepo(db),
        resv:     repository.NewReservationRepo(db),
        ledger:   ledger.New(db),
        gw:       gateway.NewMemory(),
        sent:     &queue.Recorder{},
        deadline: time.Now().Add(time.Hour).UTC(),
    }
    ev := model.Event{OrganizerID: 1, Title: "rooftop set", TotalCapacity: 10,
        TicketPriceCents: 2500, FundingGoalCents: 10000, PledgeDeadline: f.deadline}
    if err := f.events.Create(ctx, &ev, time.Now()); err != nil {
        t.Fatalf("create event: %v", err)
    }
    f.eventID = ev.ID

    f.engine = NewEngine(Deps{
        DB: db, Events: f.events, Reservations: f.resv, Ledger: f.ledger,
        Gateway: f.gw, Notifier: f.sent,
    }, cfg)
    deps := reservation.Deps{
        DB: db, Events: f.events, Reservations: f.resv, Ledger: f.ledger,
        Gateway: f.gw, Notifier: f.sent,
    }
    if trigger {
        deps.Funding = f.engine
    }
    f.mgr = reservation.NewManager(deps, reservation.Config{MaxTickets: 10})
    t.Cleanup(f.mgr.Wait)
    return f
}

func (f *fixture) reserve(t *testing.T, userID uint64, qty int) model.Reservation {
    t.Helper()
    res, err := f.mgr.Create(context.Background(), reservation.CreateInput{
        UserID: userID, EventID: f.eventID, Quantity: qty, PaymentMethodRef: "pm_card_visa",
    })
    if err != nil {
        t.Fatalf("reserve for user %d: %v", userID, err)
    }
    return res
}

func (f *fixture) event(t *testing.T) model.Event {
    t.Helper()
    ev, err := f.events.GetByID(context.Background(), nil, f.eventID)
    if err != nil {
        t.Fatalf("get event: %v", err)
    }
    return ev
}

func (f *fixture) reservation(t *testing.T, id uint64) model.Reservation {
    t.Helper()
    res, err := f.resv.GetByID(context.Background(), nil, id)
    if err != nil {
        t.Fatalf("get reservation %d: %v", id, err)
    }
    return res
}

func (f *fixture) counters(t *testing.T) ledger.Counters {
    t.Helper()
    c, err := f.ledger.Snapshot(context.Background(), f.eventID)
    if err != nil {
        t.Fatalf("snapshot: %v", err)
    }
    return c
}

// pendingError returns last_error of the one reservation waiting for a
// settlement retry.
func (f *fixture) pendingError(t *testing.T) string {
    t.Helper()
    list, err := f.resv.ListByEvent(context.Background(), f.eventID)
    if err != nil {
        t.Fatalf("list reservations: %v", err)
    }
    for _, r := range list {
        if r.Phase == model.PhaseSettlementPending {
            return r.LastError
        }
    }
    t.Fatal("no reservation waiting for a settlement retry")
    return ""
}

func TestGoalReachedCapturesEveryReservation(t *testing.T) {
    t.Parallel()

    f := newFixture(t, true, Config{})
    a := f.reserve(t, 1, 2)
    b := f.reserve(t, 2, 2)
    f.mgr.Wait()

    ev := f.event(t)
    if ev.FundingStatus != model.FundingFunded {
        t.Fatalf("funding status = %s, want funded", ev.FundingStatus)
    }
    if ev.SettledAt == nil {
        t.Fatal("event not marked settled")
    }
    for _, id := range []uint64{a.ID, b.ID} {
        if res := f.reservation(t, id); res.Status != model.ReservationConfirmed || res.Phase != model.PhaseIdle {
            t.Fatalf("reservation %d = %s/%q, want confirmed and idle", id, res.Status, res.Phase)
        }
    }
    want := ledger.Counters{Total: 10, Reserved: 0, Sold: 4, Available: 6}
    if c := f.counters(t); c != want {
        t.Fatalf("counters = %+v, want %+v", c, want)
    }
    if n := f.gw.Count(gateway.StatusCaptured); n != 2 {
        t.Fatalf("captured holds = %d, want 2", n)
    }
    if n := f.sent.Count(queue.TypeReservationConfirmed); n != 2 {
        t.Fatalf("confirmed notifications = %d, want 2", n)
    }
}

func TestDeadlineWithoutGoalCancelsEverything(t *testing.T) {
    t.Parallel()

    f := newFixture(t, true, Config{})
    res := f.reserve(t, 1, 3)
    f.mgr.Wait()

    later := f.deadline.Add(time.Minute)
    f.engine.WithClock(func() time.Time { return later })
    decided, err := f.engine.SweepDeadlines(context.Background(), later)
    if err != nil {
        t.Fatalf("sweep: %v", err)
    }
    if decided != 1 {
        t.Fatalf("decided = %d, want 1", decided)
    }

    if ev := f.event(t); ev.FundingStatus != model.FundingFailed || ev.SettledAt == nil {
        t.Fatalf("event = %s settled %v, want failed and settled", ev.FundingStatus, ev.SettledAt)
    }
    if got := f.reservation(t, res.ID); got.Status != model.ReservationCancelled {
        t.Fatalf("reservation status = %s, want cancelled", got.Status)
    }
    if c := f.counters(t); c.Reserved != 0 || c.Sold != 0 || c.Available != 10 {
        t.Fatalf("counters = %+v, want everything released", c)
    }
    if a, _ := f.gw.Get(res.AuthorizationID); a.Status != gateway.StatusCanceled {
        t.Fatalf("hold status = %s, want canceled", a.Status)
    }

    // A second sweep finds nothing left to decide.
    if decided, err := f.engine.SweepDeadlines(context.Background(), later); err != nil || decided != 0 {
        t.Fatalf("second sweep = %d, %v; want 0, nil", decided, err)
    }
}

func TestDeadlineWithGoalFunds(t *testing.T) {
    t.Parallel()

    f := newFixture(t, false, Config{})
    for u := uint64(1); u <= 4; u++ {
        f.reserve(t, u, 1)
    }

    later := f.deadline.Add(time.Second)
    f.engine.WithClock(func() time.Time { return later })
    // Past the deadline the goal trigger defers to the sweep.
    if err := f.engine.GoalReached(context.Background(), f.eventID); err != nil {
        t.Fatalf("goal reached: %v", err)
    }
    if ev := f.event(t); ev.FundingStatus != model.FundingInProgress {
        t.Fatalf("funding status = %s, want in_progress", ev.FundingStatus)
    }

    if _, err := f.engine.SweepDeadlines(context.Background(), later); err != nil {
        t.Fatalf("sweep: %v", err)
    }
    if ev := f.event(t); ev.FundingStatus != model.FundingFunded {
        t.Fatalf("funding status = %s, want funded", ev.FundingStatus)
    }
    if c := f.counters(t); c.Sold != 4 || c.Reserved != 0 {
        t.Fatalf("counters = %+v, want 4 sold", c)
    }
}

func TestConcurrentTriggersSettleOnce(t *testing.T) {
    t.Parallel()

    f := newFixture(t, false, Config{Concurrency: 4})
    for u := uint64(1); u <= 4; u++ {
        f.reserve(t, u, 1)
    }

    ctx := context.Background()
    var wg sync.WaitGroup
    for i := 0; i < 6; i++ {
        wg.Add(2)
        go func() {
            defer wg.Done()
            if err := f.engine.GoalReached(ctx, f.eventID); err != nil {
                t.Errorf("goal reached: %v", err)
            }
        }()
        go func() {
            defer wg.Done()
            if err := f.engine.RetryPending(ctx, time.Now()); err != nil {
                t.Errorf("retry pending: %v", err)
            }
        }()
    }
    wg.Wait()
    // A trigger that lost the race may have returned before the winner
    // finished; settle whatever is left.
    if err := f.engine.RetryPending(ctx, time.Now()); err != nil {
        t.Fatalf("retry pending: %v", err)
    }

    if n := f.gw.Calls(gateway.OpCapture); n != 4 {
        t.Fatalf("capture calls = %d, want 4", n)
    }
    if n := f.sent.Count(queue.TypeReservationConfirmed); n != 4 {
        t.Fatalf("confirmed notifications = %d, want 4", n)
    }
    want := ledger.Counters{Total: 10, Reserved: 0, Sold: 4, Available: 6}
    if c := f.counters(t); c != want {
        t.Fatalf("counters = %+v, want %+v", c, want)
    }
}

func TestFailedCaptureIsRetried(t *testing.T) {
    t.Parallel()

    now := time.Now().UTC()
    f := newFixture(t, false, Config{RetryBase: time.Minute, RetryMax: time.Hour})
    f.engine.WithClock(func() time.Time { return now })
    for u := uint64(1); u <= 4; u++ {
        f.reserve(t, u, 1)
    }
    ctx := context.Background()

    f.gw.FailNext(gateway.OpCapture, &gateway.Error{Op: gateway.OpCapture, Code: gateway.CodeUnavailable, Retryable: true})
    if err := f.engine.GoalReached(ctx, f.eventID); err != nil {
        t.Fatalf("goal reached: %v", err)
    }

    pending, err := f.resv.CountPending(ctx, 1)
    if err != nil {
        t.Fatalf("count pending: %v", err)
    }
    if pending != 1 {
        t.Fatalf("pending = %d, want 1", pending)
    }
    if ev := f.event(t); ev.SettledAt != nil {
        t.Fatal("event marked settled with a pending reservation")
    }
    if got := f.pendingError(t); !strings.HasPrefix(got, model.ErrPaymentCaptureFailed.Error()) {
        t.Fatalf("last error = %q, want prefix %q", got, model.ErrPaymentCaptureFailed)
    }

    // Not due yet.
    if err := f.engine.RetryPending(ctx, now.Add(30*time.Second)); err != nil {
        t.Fatalf("early retry: %v", err)
    }
    if n := f.gw.Calls(gateway.OpCapture); n != 4 {
        t.Fatalf("capture calls after early retry = %d, want 4", n)
    }

    if err := f.engine.RetryPending(ctx, now.Add(2*time.Minute)); err != nil {
        t.Fatalf("retry: %v", err)
    }
    if n := f.gw.Calls(gateway.OpCapture); n != 5 {
        t.Fatalf("capture calls = %d, want 5", n)
    }
    if c := f.counters(t); c.Sold != 4 || c.Reserved != 0 {
        t.Fatalf("counters = %+v, want 4 sold", c)
    }
    if ev := f.event(t); ev.SettledAt == nil {
        t.Fatal("event not settled after retry")
    }
}

func TestFailedCancelRecordsCause(t *testing.T) {
    t.Parallel()

    f := newFixture(t, true, Config{RetryBase: time.Minute, RetryMax: time.Hour})
    res := f.reserve(t, 1, 2)
    f.mgr.Wait()

    later := f.deadline.Add(time.Minute)
    f.engine.WithClock(func() time.Time { return later })
    f.gw.FailNext(gateway.OpCancel, &gateway.Error{Op: gateway.OpCancel, Code: gateway.CodeUnavailable, Retryable: true})
    if _, err := f.engine.SweepDeadlines(context.Background(), later); err != nil {
        t.Fatalf("sweep: %v", err)
    }

    got := f.reservation(t, res.ID)
    if got.Phase != model.PhaseSettlementPending || got.Attempts != 1 {
        t.Fatalf("reservation = %s attempts %d, want settlement_pending after 1", got.Phase, got.Attempts)
    }
    if !strings.HasPrefix(got.LastError, model.ErrPaymentCancelFailed.Error()) {
        t.Fatalf("last error = %q, want prefix %q", got.LastError, model.ErrPaymentCancelFailed)
    }
    if c := f.counters(t); c.Reserved != 2 {
        t.Fatalf("counters = %+v, want the seats still reserved", c)
    }
}

func TestRetryBudgetExhaustion(t *testing.T) {
    t.Parallel()

    now := time.Now().UTC()
    f := newFixture(t, false, Config{RetryBudget: 2, RetryBase: time.Second, RetryMax: time.Second})
    f.engine.WithClock(func() time.Time { return now })
    res := f.reserve(t, 1, 4)
    ctx := context.Background()

    unavailable := &gateway.Error{Op: gateway.OpCapture, Code: gateway.CodeUnavailable, Retryable: true}
    f.gw.FailNext(gateway.OpCapture, unavailable, unavailable)
    if err := f.engine.GoalReached(ctx, f.eventID); err != nil {
        t.Fatalf("goal reached: %v", err)
    }
    if err := f.engine.RetryPending(ctx, now.Add(2*time.Second)); err != nil {
        t.Fatalf("retry: %v", err)
    }

    got := f.reservation(t, res.ID)
    if got.Phase != model.PhaseSettlementPending || got.Attempts != 2 {
        t.Fatalf("reservation = %q after %d attempts, want settlement_pending after 2", got.Phase, got.Attempts)
    }
    if got.LastError == "" {
        t.Fatal("last error not recorded")
    }
    stuck, err := f.resv.CountPending(ctx, 2)
    if err != nil {
        t.Fatalf("count stuck: %v", err)
    }
    if stuck != 1 {
        t.Fatalf("stuck = %d, want 1", stuck)
    }

    // Retries continue past the budget.
    if err := f.engine.RetryPending(ctx, now.Add(4*time.Second)); err != nil {
        t.Fatalf("retry: %v", err)
    }
    if got := f.reservation(t, res.ID); got.Status != model.ReservationConfirmed {
        t.Fatalf("status = %s, want confirmed", got.Status)
    }
}

func TestCaptureOfVoidedHoldCancels(t *testing.T) {
    t.Parallel()

    f := newFixture(t, false, Config{})
    res := f.reserve(t, 1, 4)
    ctx := context.Background()

    if err := f.gw.Cancel(ctx, res.AuthorizationID); err != nil {
        t.Fatalf("void hold: %v", err)
    }
    if err := f.engine.GoalReached(ctx, f.eventID); err != nil {
        t.Fatalf("goal reached: %v", err)
    }

    if got := f.reservation(t, res.ID); got.Status != model.ReservationCancelled {
        t.Fatalf("status = %s, want cancelled", got.Status)
    }
    if c := f.counters(t); c.Reserved != 0 || c.Sold != 0 {
        t.Fatalf("counters = %+v, want nothing reserved or sold", c)
    }
    if ev := f.event(t); ev.SettledAt == nil {
        t.Fatal("event not settled")
    }
}

func TestReapStaleClaims(t *testing.T) {
    t.Parallel()

    f := newFixture(t, false, Config{ClaimLease: 5 * time.Minute})
    ctx := context.Background()
    old := time.Now().Add(-10 * time.Minute)

    // A placeholder whose creator died before authorizing.
    orphan := model.Reservation{EventID: f.eventID, UserID: 1, Quantity: 2, TotalCents: 5000}
    err := repository.WithTx(ctx, f.db, func(tx *sql.Tx) error {
        if err := f.ledger.Reserve(ctx, tx, f.eventID, orphan.Quantity); err != nil {
            return err
        }
        return f.resv.InsertPlaceholderTx(ctx, tx, &orphan, old)
    })
    if err != nil {
        t.Fatalf("insert placeholder: %v", err)
    }

    // A cancel that never finished.
    cancelling := f.reserve(t, 2, 1)
    err = repository.WithTx(ctx, f.db, func(tx *sql.Tx) error {
        ok, err := f.resv.ClaimForCancelTx(ctx, tx, cancelling.ID, old)
        if err == nil && !ok {
            t.Error("cancel claim not taken")
        }
        return err
    })
    if err != nil {
        t.Fatalf("claim for cancel: %v", err)
    }

    // A settlement that never finished.
    settling := f.reserve(t, 3, 1)
    if ok, err := f.resv.ClaimForSettlement(ctx, settling.ID, old); err != nil || !ok {
        t.Fatalf("claim for settlement = %v, %v", ok, err)
    }

    // A fresh claim inside its lease is left alone.
    fresh := f.reserve(t, 4, 1)
    if ok, err := f.resv.ClaimForSettlement(ctx, fresh.ID, time.Now()); err != nil || !ok {
        t.Fatalf("fresh claim = %v, %v", ok, err)
    }

    if err := f.engine.ReapStale(ctx, time.Now()); err != nil {
        t.Fatalf("reap: %v", err)
    }

    if _, err := f.resv.GetByID(ctx, nil, orphan.ID); err == nil {
        t.Fatal("stale placeholder still present")
    }
    if c := f.counters(t); c.Reserved != 3 {
        t.Fatalf("reserved = %d, want 3", c.Reserved)
    }
    if got := f.reservation(t, cancelling.ID); got.Phase != model.PhaseIdle {
        t.Fatalf("cancelling phase = %q, want idle", got.Phase)
    }
    if got := f.reservation(t, settling.ID); got.Phase != model.PhaseSettlementPending {
        t.Fatalf("settling phase = %q, want settlement_pending", got.Phase)
    }
    if got := f.reservation(t, fresh.ID); got.Phase != model.PhaseSettling {
        t.Fatalf("fresh phase = %q, want settling", got.Phase)
    }

    // Reaping again is a no-op.
    if err := f.engine.ReapStale(ctx, time.Now()); err != nil {
        t.Fatalf("second reap: %v", err)
    }
    if c := f.counters(t); c.Reserved != 3 {
        t.Fatalf("reserved after second reap = %d, want 3", c.Reserved)
    }
}

func TestRetryDelay(t *testing.T) {
    t.Parallel()

    e := NewEngine(Deps{}, Config{RetryBase: 30 * time.Second, RetryMax: time.Hour})
    tests := []struct {
        attempts int
        want     time.Duration
    }{
        {1, 30 * time.Second},
        {2, time.Minute},
        {3, 2 * time.Minute},
        {7, 32 * time.Minute},
        {8, time.Hour},
        {40, time.Hour},
    }
    for _, tt := range tests {
        if got := e.retryDelay(tt.attempts); got != tt.want {
            t.Errorf("retryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
        }
    }
}

func TestTransitionRejectsInProgress(t *testing.T) {
    t.Parallel()

    f := newFixture(t, false, Config{})
    if _, err := f.engine.Transition(context.Background(), f.eventID, model.FundingInProgress, "manual"); err == nil {
        t.Fatal("expected an error moving to in_progress")
    }
    won, err := f.engine.Transition(context.Background(), f.eventID, model.FundingFailed, "manual")
    if err != nil || !won {
        t.Fatalf("transition = %v, %v", won, err)
    }
    won, err = f.engine.Transition(context.Background(), f.eventID, model.FundingFunded, "manual")
    if err != nil || won {
        t.Fatalf("second transition = %v, %v; want false, nil", won, err)
    }
}

func TestSweeperRunOnce(t *testing.T) {
    t.Parallel()

    f := newFixture(t, false, Config{})
    res := f.reserve(t, 1, 1)
    later := f.deadline.Add(time.Minute)
    f.engine.WithClock(func() time.Time { return later })

    s := NewSweeper(f.engine, time.Minute)
    if s.String() != "settlement-sweeper" {
        t.Fatalf("String() = %q", s.String())
    }
    s.RunOnce(context.Background())

    if ev := f.event(t); ev.FundingStatus != model.FundingFailed {
        t.Fatalf("funding status = %s, want failed", ev.FundingStatus)
    }
    if got := f.reservation(t, res.ID); got.Status != model.ReservationCancelled {
        t.Fatalf("status = %s, want cancelled", got.Status)
    }
}

func TestSweeperStopsWithContext(t *testing.T) {
    t.Parallel()

    f := newFixture(t, false, Config{})
    ctx, cancel := context.WithCancel(context.Background())
    done := make(chan error, 1)
    go func() { done <- NewSweeper(f.engine, time.Hour).Serve(ctx) }()
    cancel()
    select {
    case err := <-done:
        if err != context.Canceled {
            t.Fatalf("Serve() = %v, want context.Canceled", err)
        }
    case <-time.After(5 * time.Second):
        t.Fatal("sweeper did not stop")
    }
}
