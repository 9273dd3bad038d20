package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/edgard/threatgram/internal/errs"
	"github.com/edgard/threatgram/internal/resilience"
)

func testConfig(maxAttempts int, waits *[]time.Duration) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.Sleep = func(_ context.Context, d time.Duration) error {
		if waits != nil {
			*waits = append(*waits, d)
		}
		return nil
	}
	return cfg
}

func TestWithRetryTransientThenSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := resilience.WithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: flaky", errs.ErrTransport)
		}
		return nil
	}, testConfig(3, nil))

	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryPermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	permanent := fmt.Errorf("%w: demoted", errs.ErrPermissionDenied)
	err := resilience.WithRetry(context.Background(), func(context.Context) error {
		calls++
		return permanent
	}, testConfig(5, nil))

	if !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent errors)", calls)
	}
}

func TestWithRetryExhaustion(t *testing.T) {
	t.Parallel()

	calls := 0
	err := resilience.WithRetry(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("%w: still down", errs.ErrTransport)
	}, testConfig(3, nil))

	if !errors.Is(err, resilience.ErrExhaustedRetries) {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if !errors.Is(err, errs.ErrTransport) {
		t.Errorf("exhaustion error does not carry the last cause: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	calls := 0
	err := resilience.WithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errs.RateLimit(5*time.Second, errors.New("429"))
		}
		return nil
	}, testConfig(3, &waits))

	if err != nil {
		t.Fatalf("expected success after throttle, got %v", err)
	}
	if len(waits) != 1 || waits[0] < 5*time.Second {
		t.Errorf("waits = %v, want one wait of at least the advised 5s", waits)
	}
}

func TestWithRetryStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := resilience.WithRetry(ctx, func(context.Context) error {
		calls++
		cancel()
		return fmt.Errorf("%w: interrupted", errs.ErrTransport)
	}, testConfig(5, nil))

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "test",
		MaxFailures: 2,
	})
	fail := func(context.Context) error { return fmt.Errorf("%w: down", errs.ErrTransport) }

	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), fail); err == nil {
			t.Fatal("expected failure to pass through a closed breaker")
		}
	}

	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected open circuit after consecutive failures, got %v", err)
	}
}
