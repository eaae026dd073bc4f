package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestTerminalErrorStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return errors.New("terminal")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("%d calls for a terminal error, want 1", calls)
	}
}

func TestRetryableRetriedUntilSuccess(t *testing.T) {
	calls := 0
	result, err := DoWithResult(context.Background(), fastConfig(5), func() (string, error) {
		calls++
		if calls < 3 {
			return "", Retryable(fmt.Errorf("attempt %d", calls))
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("DoWithResult: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Errorf("result %q after %d calls", result, calls)
	}
}

func TestAttemptBudgetExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return Retryable(errors.New("still failing"))
	})
	if !IsRetryable(err) {
		t.Errorf("expected the last retryable error back, got %v", err)
	}
	if calls != 3 {
		t.Errorf("%d calls, want 3", calls)
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastConfig(0), func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return Retryable(errors.New("flaky"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRetryableNilStaysNil(t *testing.T) {
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) produced an error")
	}
}
