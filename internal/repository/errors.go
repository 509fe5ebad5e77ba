// Package repository defines the SQL data access for events and
// reservations.  The same queries run on MySQL and SQLite: timestamps are
// stored as UTC milliseconds and every placeholder is '?'.
//
// Transactions that touch both tables lock the event row first and the
// reservation row second, so concurrent writers cannot deadlock on MySQL.
//
// Sentinel errors wrap the domain errors in package model so that
// handlers can match either the specific or the general value with
// errors.Is.
package repository

import (
    "fmt"

    "github.com/tempandmajor/commonly-sub010/internal/model"
)

// ErrForbidden is returned when the caller attempts an operation
// on a resource they do not own. Handlers should translate this
// into an HTTP 403 response.
var ErrForbidden = model.ErrForbidden

// ErrConflict is returned when a conditional update matched no row
// because another actor changed the row first.
var ErrConflict = model.ErrConcurrencyConflict

// ErrEventNotFound indicates that an event was not located in the DB.
var ErrEventNotFound = fmt.Errorf("event %w", model.ErrNotFound)

// ErrReservationNotFound indicates that a reservation was not located in the DB.
var ErrReservationNotFound = fmt.Errorf("reservation %w", model.ErrNotFound)
