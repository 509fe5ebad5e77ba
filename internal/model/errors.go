package model

import "errors"

// Domain errors shared by the ledger, the reservation manager and the
// settlement engine.  Handlers translate them into HTTP responses with
// errors.Is, so callers must wrap rather than replace them.
var (
    ErrValidation                 = errors.New("validation failed")
    ErrNotFound                   = errors.New("not found")
    ErrForbidden                  = errors.New("forbidden")
    ErrCapacityExceeded           = errors.New("capacity exceeded")
    ErrDuplicateReservation       = errors.New("duplicate reservation")
    ErrDeadlinePassed             = errors.New("pledge deadline passed")
    ErrPaymentAuthorizationFailed = errors.New("payment authorization failed")
    ErrPaymentCaptureFailed       = errors.New("payment capture failed")
    ErrPaymentCancelFailed        = errors.New("payment cancel failed")
    ErrConcurrencyConflict        = errors.New("concurrency conflict")
    ErrSettlementInProgress       = errors.New("event funding already decided")
)
