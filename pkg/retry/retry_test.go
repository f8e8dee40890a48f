package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("got err=%v calls=%d", err, calls)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	want := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) || calls != 1 {
		t.Fatalf("expected single non-retried attempt, got err=%v calls=%d", err, calls)
	}
}

func TestDoRetriesRetryableErrorUntilSuccess(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2, Jitter: 0}
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("got err=%v calls=%d", err, calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxAttempts: 0, InitialWait: time.Second, MaxWait: time.Second, Multiplier: 1}
	err := Do(ctx, cfg, func() error {
		return Retryable(errors.New("transient"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffCappedAtMaxWait(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 3 * time.Second, Multiplier: 10, Jitter: 0}
	if got := Next(cfg, 5); got != 3*time.Second {
		t.Fatalf("expected backoff capped at MaxWait, got %v", got)
	}
}
