// Package retry re-runs failing operations with exponential or fixed backoff
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/trajcache/trajcache/pkg/errors"
)

// Policy describes how often and how patiently an operation is retried
type Policy struct {
	// Attempts counts the first call, so 1 disables retries
	Attempts int `yaml:"attempts"`

	// Delay before the first retry
	Delay time.Duration `yaml:"delay"`

	// MaxDelay caps the backoff
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier grows the delay per retry; 1 keeps it fixed
	Multiplier float64 `yaml:"multiplier"`

	// Jitter spreads each delay by up to this fraction in either direction
	Jitter float64 `yaml:"jitter"`

	// Retryable decides which errors are worth another attempt.
	// Nil retries errors carrying a retryable error code.
	Retryable func(err error) bool `yaml:"-"`

	// OnRetry runs before each sleep
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// Default retries transient failures up to five times, doubling from 100ms
func Default() Policy {
	return Policy{
		Attempts:   5,
		Delay:      100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Fixed retries every error attempts times with a constant delay
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{
		Attempts:   attempts,
		Delay:      delay,
		MaxDelay:   delay,
		Multiplier: 1,
		Retryable:  func(error) bool { return true },
	}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = errors.IsRetryable
	}
	return p
}

// Backoff returns the delay after the given failed attempt, without jitter
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Delay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter == 0 || d == 0 {
		return d
	}
	spread := float64(d) * p.Jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(d) + spread)
}

// Do calls fn until it succeeds, returns a non-retryable error, or runs out of
// attempts. Exhaustion yields a RETRY_EXHAUSTED error wrapping the last failure.
// Cancellation of ctx is returned as is.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	p = p.normalized()

	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !p.Retryable(last) {
			return last
		}
		if attempt == p.Attempts {
			break
		}

		delay := p.jittered(p.Backoff(attempt))
		if p.OnRetry != nil {
			p.OnRetry(attempt, last, delay)
		}
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if p.Attempts == 1 {
		return last
	}
	return errors.Newf(errors.ErrCodeRetryExhausted, "gave up after %d attempts", p.Attempts).
		WithComponent("retry").
		WithCause(last)
}
