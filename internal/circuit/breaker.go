package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/trajcache/trajcache/pkg/errors"
)

// State represents the breaker state
type State int

const (
	// StateClosed lets calls through
	StateClosed State = iota
	// StateOpen rejects calls until the timeout elapses
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config contains breaker configuration
type Config struct {
	// Probe calls allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Consecutive failures that trip a closed breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Period after which a closed breaker forgets its counts
	Interval time.Duration `yaml:"interval"`

	// Period of the open state before probing
	Timeout time.Duration `yaml:"timeout"`

	ReadyToTrip   func(counts Counts) bool                `yaml:"-"`
	OnStateChange func(name string, from State, to State) `yaml:"-"`
	IsSuccessful  func(err error) bool                    `yaml:"-"`
	Clock         func() time.Time                        `yaml:"-"`
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		FailureThreshold: 5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
	}
}

// Counts holds the numbers of calls and their outcomes in the current period
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// Breaker guards a failing dependency so it is not hammered
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, config Config) *Breaker {
	d := DefaultConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = d.MaxRequests
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.ReadyToTrip == nil {
		threshold := config.FailureThreshold
		config.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= threshold }
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: config.Clock().Add(config.Interval),
	}
}

// cancellation is the caller's doing, not the dependency's
func defaultIsSuccessful(err error) bool {
	return err == nil || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// Execute runs fn if the breaker allows it. A rejected call returns a
// CIRCUIT_OPEN error without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Clock()
	state := b.currentState(now)

	if state == StateOpen {
		return errors.NewError(errors.ErrCodeCircuitOpen, "circuit breaker is open").
			WithComponent("circuit").
			WithOperation(b.name).
			WithDetail("retry_at", b.expiry)
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return errors.NewError(errors.ErrCodeCircuitOpen, "circuit breaker is probing").
			WithComponent("circuit").
			WithOperation(b.name)
	}

	b.counts.Requests++
	b.counts.LastActivity = now
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Clock()
	state := b.currentState(now)

	if b.config.IsSuccessful(err) {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// must be called with b.mu held
func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

// must be called with b.mu held
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.config.Clock())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = Counts{}
	b.setState(StateClosed, b.config.Clock())
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}
