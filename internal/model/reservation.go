package model

import "time"

// ReservationStatus is the lifecycle state of a reservation.  Every
// status other than reserved is terminal.
type ReservationStatus string

const (
    ReservationReserved  ReservationStatus = "reserved"
    ReservationConfirmed ReservationStatus = "confirmed"
    ReservationCancelled ReservationStatus = "cancelled"
    ReservationRefunded  ReservationStatus = "refunded"
)

// Terminal reports whether the reservation can no longer change.
func (s ReservationStatus) Terminal() bool {
    return s != ReservationReserved
}

// Active reports whether the status counts towards the one active
// reservation per user and event rule.
func (s ReservationStatus) Active() bool {
    return s == ReservationReserved || s == ReservationConfirmed
}

// Phase marks an in-flight operation on a reserved reservation.  A
// phase is a claim: only the actor that moved the row into a phase may
// move it out again.
type Phase string

const (
    PhaseIdle              Phase = ""
    PhaseAuthorizing       Phase = "authorizing"
    PhaseCancelling        Phase = "cancelling"
    PhaseSettling          Phase = "settling"
    PhaseSettlementPending Phase = "settlement_pending"
)

// Reservation records a user's pledge for a number of tickets of an
// event, backed by a payment authorization hold.
//
// Fields:
//  ID              – primary key identifier.
//  EventID         – event being reserved.
//  UserID          – user who made the reservation.
//  Quantity        – number of tickets.
//  TotalCents      – quantity times the ticket price.
//  Status          – reserved, confirmed, cancelled or refunded.
//  AuthorizationID – gateway authorization hold backing the pledge.
//  Phase           – operation currently holding the reservation.
//  Attempts        – failed settlement attempts so far.
//  NextAttemptAt   – earliest retry of a pending settlement.
//  LastError       – last settlement failure, for operators.
//  ReservedAt      – creation timestamp.
//  SettledAt       – when the reservation reached a terminal status.
type Reservation struct {
    ID              uint64            // reservations.id
    EventID         uint64            // reservations.event_id
    UserID          uint64            // reservations.user_id
    Quantity        uint32            // reservations.quantity
    TotalCents      int64             // reservations.total_cents
    Status          ReservationStatus // reservations.status
    AuthorizationID string            // reservations.authorization_id (empty until authorized)
    Phase           Phase             // reservations.phase
    Attempts        int               // reservations.attempts
    NextAttemptAt   *time.Time        // reservations.next_attempt_ms (nullable)
    LastError       string            // reservations.last_error
    ReservedAt      time.Time         // reservations.reserved_at_ms
    SettledAt       *time.Time        // reservations.settled_at_ms (nullable)
}
