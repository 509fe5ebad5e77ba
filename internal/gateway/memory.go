package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DeclinedPaymentMethod is refused by Memory on every Authorize.
const DeclinedPaymentMethod = "pm_card_declined"

// Memory is an in-process Gateway for development and tests.  It keeps
// the same idempotency rules as the real provider and lets callers queue
// failures per operation.
type Memory struct {
	mu     sync.Mutex
	auths  map[string]*Authorization
	byKey  map[string]string
	faults map[string][]error
	calls  map[string]int
}

// NewMemory returns an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		auths:  make(map[string]*Authorization),
		byKey:  make(map[string]string),
		faults: make(map[string][]error),
		calls:  make(map[string]int),
	}
}

// FailNext makes the next len(errs) calls of op return errs in order.
// A nil entry lets that call through.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

// Calls returns how many times op has been invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Get returns a copy of the authorization with the given ID.
func (m *Memory) Get(id string) (Authorization, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auths[id]
	if !ok {
		return Authorization{}, false
	}
	return *a, true
}

// Count returns how many authorizations are in status s.
func (m *Memory) Count(s Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.auths {
		if a.Status == s {
			n++
		}
	}
	return n
}

// fault must be called with mu held.
func (m *Memory) fault(op string) error {
	m.calls[op]++
	queue := m.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.faults[op] = queue[1:]
	return err
}

func (m *Memory) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	if err := ctx.Err(); err != nil {
		return Authorization{}, &Error{Op: OpAuthorize, Message: "context done", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(OpAuthorize); err != nil {
		return Authorization{}, err
	}
	if req.IdempotencyKey != "" {
		if id, ok := m.byKey[req.IdempotencyKey]; ok {
			return *m.auths[id], nil
		}
	}
	if req.AmountCents <= 0 || strings.TrimSpace(req.PaymentMethodRef) == "" {
		return Authorization{}, &Error{Op: OpAuthorize, Code: "parameter_invalid", Message: "amount and payment method are required"}
	}
	if req.PaymentMethodRef == DeclinedPaymentMethod {
		return Authorization{}, &Error{Op: OpAuthorize, Code: CodeDeclined, Message: "your card was declined"}
	}
	a := &Authorization{
		ID:          "pi_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Status:      StatusAuthorized,
		AmountCents: req.AmountCents,
		Currency:    strings.ToLower(req.Currency),
	}
	m.auths[a.ID] = a
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = a.ID
	}
	return *a, nil
}

func (m *Memory) Capture(ctx context.Context, authorizationID string) error {
	return m.finish(ctx, OpCapture, authorizationID, StatusCaptured)
}

func (m *Memory) Cancel(ctx context.Context, authorizationID string) error {
	return m.finish(ctx, OpCancel, authorizationID, StatusCanceled)
}

func (m *Memory) finish(ctx context.Context, op, id string, to Status) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: op, Message: "context done", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(op); err != nil {
		return err
	}
	a, ok := m.auths[id]
	if !ok {
		return &Error{Op: op, Code: CodeNotFound, Message: "no such payment intent: " + id}
	}
	switch a.Status {
	case to:
		return nil
	case StatusAuthorized:
		a.Status = to
		return nil
	default:
		return &Error{Op: op, Code: CodeUnexpectedState, Message: "payment intent " + id + " is " + string(a.Status)}
	}
}
