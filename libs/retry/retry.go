// Package retry provides a generic exponential-backoff executor with jitter
// and per-error-code retryability. It knows nothing about the event bus and
// is reused anywhere a flaky operation needs bounded retries (external
// pricing APIs, store writes, publishes).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy is an immutable retry configuration. All mutable state (attempt
// number, computed delay) lives on the stack of Do.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt, so the
	// operation runs at most MaxRetries+1 times.
	MaxRetries int

	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// JitterFactor adds up to delay*JitterFactor of random extra delay to
	// avoid synchronized retry storms.
	JitterFactor float64

	// RetryableCodes, when non-empty, is an allow-list: only errors whose
	// code is listed are retried. NonRetryableCodes always wins and stops
	// retries immediately. Errors with no code default to retryable.
	RetryableCodes    []string
	NonRetryableCodes []string
}

// Named presets for common operation classes.
var (
	Default = Policy{
		MaxRetries:        3,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}

	// Payment operations retry cautiously and never on declined cards.
	Payment = Policy{
		MaxRetries:        2,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
		NonRetryableCodes: []string{"payment_declined", "invalid_card"},
	}

	// Inventory writes contend on hot rows; retry quickly and often.
	Inventory = Policy{
		MaxRetries:        5,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 1.5,
		JitterFactor:      0.3,
		RetryableCodes:    []string{"conflict", "timeout", "unavailable"},
	}

	// ExternalAPI covers third-party lookups (UPC, vision identification).
	ExternalAPI = Policy{
		MaxRetries:        4,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.25,
		NonRetryableCodes: []string{"unauthorized", "not_found"},
	}
)

// Coder is implemented by errors that carry a stable machine-readable code.
type Coder interface {
	Code() string
}

// CodedError attaches a code to an underlying error for policy
// classification.
type CodedError struct {
	ErrCode string
	Err     error
}

func NewCodedError(code string, err error) *CodedError {
	return &CodedError{ErrCode: code, Err: err}
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return e.ErrCode
	}
	return fmt.Sprintf("%s: %v", e.ErrCode, e.Err)
}

func (e *CodedError) Code() string { return e.ErrCode }

func (e *CodedError) Unwrap() error { return e.Err }

// ExhaustedError reports that every permitted attempt failed. It wraps the
// last attempt's error.
type ExhaustedError struct {
	Op       string
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// IsExhausted reports whether err is (or wraps) an ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// errorCode extracts the code from err or any error it wraps.
func errorCode(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

func (p Policy) retryable(err error) bool {
	code := errorCode(err)
	for _, c := range p.NonRetryableCodes {
		if c == code {
			return false
		}
	}
	if len(p.RetryableCodes) == 0 {
		return true
	}
	for _, c := range p.RetryableCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Delay computes the backoff before retry number attempt (0-based), capped
// at MaxDelay, before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

func (p Policy) delayWithJitter(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.JitterFactor > 0 {
		d += time.Duration(float64(d) * p.JitterFactor * rand.Float64())
	}
	return d
}

// Do runs op until it succeeds, a non-retryable error occurs, the context is
// cancelled, or the policy's retry budget is spent. On exhaustion it returns
// an *ExhaustedError wrapping the last failure.
func Do[T any](ctx context.Context, policy Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !policy.retryable(err) {
			return zero, err
		}
		if attempt == policy.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(policy.delayWithJitter(attempt)):
		}
	}

	return zero, &ExhaustedError{Op: op, Attempts: policy.MaxRetries + 1, LastErr: lastErr}
}

// Wrap decorates fn with Do so call sites keep retry semantics without
// repeating the policy.
func Wrap[T any](policy Policy, op string, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Do(ctx, policy, op, fn)
	}
}
