package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tempandmajor/commonly-sub010/internal/logging"
	"github.com/tempandmajor/commonly-sub010/internal/metrics"
)

// ResilientConfig tunes the retry and circuit breaker wrapper.
type ResilientConfig struct {
	Name            string
	MaxRetries      uint
	CallTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
	// BreakerMinRequests and BreakerFailureRatio decide when to trip.
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
}

func (c ResilientConfig) withDefaults() ResilientConfig {
	if c.Name == "" {
		c.Name = "payment-gateway"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 30 * time.Second
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = 10
	}
	if c.BreakerFailureRatio <= 0 {
		c.BreakerFailureRatio = 0.6
	}
	return c
}

// Resilient wraps a Gateway with per-call timeouts, retries with
// exponential backoff and a circuit breaker.  Only retryable failures are
// retried and only they count against the breaker; a declined card is a
// valid answer from a healthy provider.
type Resilient struct {
	next Gateway
	cfg  ResilientConfig
	cb   *gobreaker.CircuitBreaker[any]
}

// NewResilient wraps next.
func NewResilient(next Gateway, cfg ResilientConfig) *Resilient {
	cfg = cfg.withDefaults()
	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("payment gateway circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
	})
	return &Resilient{next: next, cfg: cfg, cb: cb}
}

func (r *Resilient) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	var auth Authorization
	err := r.call(ctx, OpAuthorize, func(ctx context.Context) error {
		a, err := r.next.Authorize(ctx, req)
		if err == nil {
			auth = a
		}
		return err
	})
	return auth, err
}

func (r *Resilient) Capture(ctx context.Context, authorizationID string) error {
	return r.call(ctx, OpCapture, func(ctx context.Context) error {
		return r.next.Capture(ctx, authorizationID)
	})
}

func (r *Resilient) Cancel(ctx context.Context, authorizationID string) error {
	return r.call(ctx, OpCancel, func(ctx context.Context) error {
		return r.next.Cancel(ctx, authorizationID)
	})
}

func (r *Resilient) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	attempt := func() (struct{}, error) {
		_, err := r.cb.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
			defer cancel()
			return nil, fn(callCtx)
		})
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return struct{}{}, backoff.Permanent(&Error{Op: op, Code: CodeCircuitOpen,
				Message: "payment gateway circuit open", Retryable: true, Err: err})
		case !IsRetryable(err):
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxRetries+1),
		backoff.WithMaxElapsedTime(r.cfg.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Ctx(ctx).Warn().Err(err).Str("operation", op).Dur("retry_in", next).
				Msg("payment gateway call failed, retrying")
		}),
	)

	result := "success"
	switch {
	case err == nil:
	case Code(err) == CodeCircuitOpen:
		result = "rejected"
	default:
		result = "failure"
	}
	metrics.RecordGatewayCall(op, result, time.Since(start))
	return err
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
