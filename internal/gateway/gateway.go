// Package gateway talks to the payment provider.  Funds are only ever
// authorized when a reservation is created; the settlement engine later
// captures or cancels each authorization exactly once.  Every operation
// is idempotent: Authorize per idempotency key, Capture and Cancel per
// authorization ID, and repeating a finished capture or cancel succeeds.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Operation names, used in errors, metrics and fault injection.
const (
	OpAuthorize = "authorize"
	OpCapture   = "capture"
	OpCancel    = "cancel"
)

// Status of an authorization at the provider.
type Status string

const (
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	StatusCanceled   Status = "canceled"
)

// AuthorizeRequest places a hold of AmountCents on a payment method.
type AuthorizeRequest struct {
	AmountCents      int64
	Currency         string
	PaymentMethodRef string
	IdempotencyKey   string
	Metadata         map[string]string
}

// Authorization is a hold created by Authorize.
type Authorization struct {
	ID          string
	Status      Status
	AmountCents int64
	Currency    string
}

// Gateway is the payment provider as seen by the reservation manager and
// the settlement engine.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error)
	Capture(ctx context.Context, authorizationID string) error
	Cancel(ctx context.Context, authorizationID string) error
}

// Error is returned by every Gateway implementation.  Retryable marks
// failures worth another attempt with the same idempotency key, such as
// timeouts, rate limiting and provider outages.
type Error struct {
	Op        string
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway %s: %s: %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a gateway failure worth retrying.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return false
}

// Code returns the provider error code carried by err, if any.
func Code(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return ""
}

// Error codes shared by the implementations.
const (
	CodeDeclined        = "card_declined"
	CodeUnexpectedState = "payment_intent_unexpected_state"
	CodeNotFound        = "resource_missing"
	CodeCircuitOpen     = "circuit_open"
	CodeUnavailable     = "unavailable"
)
