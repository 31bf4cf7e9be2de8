package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func TestDelayGrowsAndClamps(t *testing.T) {
	p := Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.DelayWithRand(tc.attempt, 0); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestDelayAppliesJitter(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}
	if got := p.DelayWithRand(1, 1); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms with full jitter sample, got %s", got)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
	var retries int
	got, err := Retry(context.Background(), p, 5, func(attempt int) (int, error) {
		if attempt < 3 {
			return 0, errFlaky
		}
		return attempt, nil
	}, func(int, error, time.Duration) { retries++ })
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got != 3 || retries != 2 {
		t.Fatalf("expected value 3 after 2 retries, got value=%d retries=%d", got, retries)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	_, err := Retry(context.Background(), p, 2, func(int) (struct{}, error) {
		return struct{}{}, errFlaky
	}, nil)
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, errFlaky) {
		t.Fatalf("expected exhausted error wrapping last failure, got %v", err)
	}
}

func TestRetryUnlimitedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p := Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	_, err := Retry(ctx, p, 0, func(int) (int, error) {
		return 0, errFlaky
	}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
