// Package backoff computes exponential retry delays with jitter and runs
// retry loops that respect context cancellation.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned by Retry when every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy describes an exponential backoff curve.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the fraction (0.0 to 1.0) of the base delay added at random.
	Jitter float64
}

// DefaultPolicy starts at 100ms and doubles up to 30s with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before the given attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter only
}

// DelayWithRand is Delay with a caller-supplied random sample in [0, 1).
func (p Policy) DelayWithRand(attempt int, sample float64) time.Duration {
	p = p.normalized()
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*sample)
	return time.Duration(total)
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds, ctx is done, or maxAttempts is reached.
// maxAttempts <= 0 retries until ctx is done. onRetry, when set, is called
// with the failed attempt number, its error and the delay before the next one.
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) (T, error), onRetry func(attempt int, err error, wait time.Duration)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, errors.Join(err, lastErr)
			}
			return zero, err
		}
		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if maxAttempts > 0 && attempt == maxAttempts {
			break
		}
		wait := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			return zero, errors.Join(err, lastErr)
		}
	}
	return zero, errors.Join(ErrAttemptsExhausted, lastErr)
}
