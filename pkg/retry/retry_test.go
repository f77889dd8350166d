package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"testing"
	"time"

	"github.com/trajcache/trajcache/pkg/errors"
)

func fast(attempts int) Policy {
	p := Default()
	p.Attempts = attempts
	p.Delay = time.Millisecond
	p.Jitter = 0
	return p
}

func TestDoSucceedsFirstTime(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("Do() = %v after %d calls, want nil after 1", err, calls)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.NewError(errors.ErrCodeTransientIO, "write failed")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected success on the third call, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentErrors(t *testing.T) {
	permanent := errors.NewError(errors.ErrCodeCorrupt, "metadata unreadable")
	plain := fmt.Errorf("plain failure")

	for _, want := range []error{permanent, plain} {
		calls := 0
		err := Do(context.Background(), fast(4), func(context.Context) error {
			calls++
			return want
		})
		if err != want {
			t.Errorf("Expected %v returned unchanged, got %v", want, err)
		}
		if calls != 1 {
			t.Errorf("Expected 1 call for %v, got %d", want, calls)
		}
	}
}

func TestDoExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		return errors.NewError(errors.ErrCodeTransientIO, "still failing")
	})

	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if !errors.IsCode(err, errors.ErrCodeRetryExhausted) {
		t.Errorf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if !errors.IsCode(err, errors.ErrCodeTransientIO) {
		t.Errorf("Expected the last failure to be wrapped, got %v", err)
	}
}

func TestDoSingleAttemptReturnsFailure(t *testing.T) {
	want := errors.NewError(errors.ErrCodeTransientIO, "once")
	err := Do(context.Background(), fast(1), func(context.Context) error { return want })
	if err != want {
		t.Errorf("Expected the failure itself, got %v", err)
	}
}

func TestFixed(t *testing.T) {
	var delays []time.Duration
	p := Fixed(4, 2*time.Millisecond)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return fmt.Errorf("transform failed")
	})

	if err == nil || calls != 4 {
		t.Fatalf("Do() = %v after %d calls, want an error after 4", err, calls)
	}
	if len(delays) != 3 {
		t.Fatalf("Expected 3 retry callbacks, got %d", len(delays))
	}
	for i, d := range delays {
		if d != 2*time.Millisecond {
			t.Errorf("delay[%d] = %v, want 2ms", i, d)
		}
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	p := Default()
	p.Delay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, p, func(context.Context) error {
		calls++
		cancel()
		return errors.NewError(errors.ErrCodeTransientIO, "write failed")
	})

	if !stderr.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{Attempts: 5, Delay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJitterStaysInBounds(t *testing.T) {
	p := Policy{Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := p.jittered(100 * time.Millisecond)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%%", d)
		}
	}
}
