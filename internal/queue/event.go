// Package queue defines the notification messages exchanged over RabbitMQ
// together with the publisher and the background consumer.
package queue

import (
    "time"

    "github.com/tempandmajor/commonly-sub010/internal/model"
)

// NotificationQueue is the durable queue every notification is routed to.
const NotificationQueue = "reservation.notifications"

// Notification types.
const (
    TypeReservationCreated   = "reservation.created"
    TypeReservationConfirmed = "reservation.confirmed"
    TypeReservationCancelled = "reservation.cancelled"
)

// Notification is published whenever a reservation changes in a way the
// buyer should hear about.  It carries enough information for downstream
// consumers (email, analytics) to act without querying the database.
type Notification struct {
    Type             string    `json:"type"`
    ReservationID    uint64    `json:"reservation_id"`
    EventID          uint64    `json:"event_id"`
    UserID           uint64    `json:"user_id"`
    Quantity         uint32    `json:"quantity"`
    TotalAmountCents int64     `json:"total_amount_cents"`
    OccurredAt       time.Time `json:"occurred_at"`
}

// NewNotification builds a notification of type typ for res.
func NewNotification(typ string, res model.Reservation, at time.Time) Notification {
    return Notification{
        Type:             typ,
        ReservationID:    res.ID,
        EventID:          res.EventID,
        UserID:           res.UserID,
        Quantity:         res.Quantity,
        TotalAmountCents: res.TotalCents,
        OccurredAt:       at.UTC(),
    }
}
