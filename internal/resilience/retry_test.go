package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestPolicyDoRetriesUntilSuccess(t *testing.T) {
	p := Linear(3, time.Millisecond, func(error) bool { return true })
	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("want success on 3rd attempt, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("want 3 attempts, got %d", attempts)
	}
}

func TestPolicyDoStopsWhenNotRetryable(t *testing.T) {
	p := Linear(5, time.Millisecond, func(error) bool { return false })
	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("want errBoom, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("non-retryable error should stop after first attempt, got %d", attempts)
	}
}

func TestPolicyDoRespectsContextCancellation(t *testing.T) {
	p := Linear(10, 50*time.Millisecond, func(error) bool { return true })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	attempts := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		attempts++
		return errBoom
	})
	if err == nil {
		t.Fatal("want error when context expires mid-retry")
	}
	if attempts >= 10 {
		t.Fatalf("context cancellation should have cut retries short, got %d attempts", attempts)
	}
}

func TestDoExponentialBacksOffDoubling(t *testing.T) {
	p := Exponential(3, 2*time.Millisecond, func(error) bool { return true })
	var timestamps []time.Time
	err := p.DoExponential(context.Background(), func(ctx context.Context) error {
		timestamps = append(timestamps, time.Now())
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("want errBoom after exhausting attempts, got %v", err)
	}
	if len(timestamps) != 3 {
		t.Fatalf("want 3 attempts, got %d", len(timestamps))
	}
	if gap := timestamps[1].Sub(timestamps[0]); gap < 2*time.Millisecond {
		t.Fatalf("want first retry after at least 2ms, got %v", gap)
	}
	if gap := timestamps[2].Sub(timestamps[1]); gap < 4*time.Millisecond {
		t.Fatalf("want second retry after at least 4ms (doubled), got %v", gap)
	}
}
