package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(), "lookup", func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 1 {
		t.Fatalf("expected one successful call, got %q after %d calls", got, calls)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(), "lookup", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Fatalf("expected success on third call, got %d after %d calls", got, calls)
	}
}

func TestDo_Exhaustion(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := Do(context.Background(), fastPolicy(), "lookup", func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if calls != 4 {
		t.Fatalf("expected 4 attempts (1 + 3 retries), got %d", calls)
	}
	var ee *ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ee.Attempts != 4 || ee.Op != "lookup" {
		t.Fatalf("unexpected exhaustion details: %+v", ee)
	}
	if !errors.Is(err, boom) {
		t.Fatal("exhaustion error must wrap the last failure")
	}
	if !IsExhausted(err) {
		t.Fatal("IsExhausted should report true")
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	policy := fastPolicy()
	policy.NonRetryableCodes = []string{"invalid_card"}

	calls := 0
	_, err := Do(context.Background(), policy, "charge", func(context.Context) (int, error) {
		calls++
		return 0, NewCodedError("invalid_card", errors.New("card rejected"))
	})
	if calls != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d calls", calls)
	}
	if IsExhausted(err) {
		t.Fatal("non-retryable failure is not exhaustion")
	}
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code() != "invalid_card" {
		t.Fatalf("expected the original coded error back, got %v", err)
	}
}

func TestDo_RetryableAllowList(t *testing.T) {
	policy := fastPolicy()
	policy.RetryableCodes = []string{"timeout"}

	// A listed code is retried.
	calls := 0
	_, _ = Do(context.Background(), policy, "op", func(context.Context) (int, error) {
		calls++
		return 0, NewCodedError("timeout", nil)
	})
	if calls != 4 {
		t.Fatalf("listed code should exhaust retries, got %d calls", calls)
	}

	// An unlisted code is not.
	calls = 0
	_, _ = Do(context.Background(), policy, "op", func(context.Context) (int, error) {
		calls++
		return 0, NewCodedError("conflict", nil)
	})
	if calls != 1 {
		t.Fatalf("unlisted code must not be retried, got %d calls", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	policy := fastPolicy()
	policy.BaseDelay = time.Minute
	policy.MaxDelay = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Do(ctx, policy, "op", func(context.Context) (int, error) {
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation during backoff took too long")
	}
}

func TestPolicy_DelayMonotoneAndCapped(t *testing.T) {
	policy := Policy{
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.5,
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := policy.Delay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > policy.MaxDelay {
			t.Fatalf("delay exceeded cap at attempt %d: %v", attempt, d)
		}
		prev = d

		withJitter := policy.delayWithJitter(attempt)
		limit := time.Duration(float64(policy.MaxDelay) * (1 + policy.JitterFactor))
		if withJitter > limit {
			t.Fatalf("jittered delay %v exceeds %v", withJitter, limit)
		}
		if withJitter < d {
			t.Fatalf("jitter must only add delay: %v < %v", withJitter, d)
		}
	}
}

func TestWrap(t *testing.T) {
	calls := 0
	fn := Wrap(fastPolicy(), "wrapped", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "done", nil
	})

	got, err := fn(context.Background())
	if err != nil || got != "done" {
		t.Fatalf("expected wrapped success, got %q err %v", got, err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}
