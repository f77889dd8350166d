// Package health tracks per-component health and derives the overall state of the cache
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trajcache/trajcache/pkg/errors"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the component works with reduced functionality
	StateDegraded

	// StateReadOnly indicates reads work but durable writes do not
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of one component
type ComponentHealth struct {
	Name                 string      `json:"name"`
	State                HealthState `json:"state"`
	LastStateChange      time.Time   `json:"last_state_change"`
	LastHealthCheck      time.Time   `json:"last_health_check"`
	ConsecutiveErrors    int         `json:"consecutive_errors"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	LastErrorMessage     string      `json:"last_error_message,omitempty"`
}

// Report is the overall state plus every component, sorted by name
type Report struct {
	State      HealthState       `json:"state"`
	Components []ComponentHealth `json:"components"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before a component is degraded
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before it is unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes that restore health
	RecoveryThreshold int `yaml:"recovery_threshold"`

	Clock func() time.Time `yaml:"-"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		RecoveryThreshold:    2,
	}
}

// Tracker tracks the health of multiple components
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	d := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = d.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(d.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = d.RecoveryThreshold
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
	}
}

// RegisterComponent registers a component as healthy. Registering twice is a no-op.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := t.config.Clock()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
}

// Record records the outcome of an operation or check; nil is a success
func (t *Tracker) Record(component string, err error) {
	if err == nil {
		t.RecordSuccess(component)
		return
	}
	t.RecordError(component, err)
}

// RecordSuccess records a successful operation for a component
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastHealthCheck = t.config.Clock()
	health.ConsecutiveErrors = 0
	health.ConsecutiveSuccesses++
	if health.State != StateHealthy && health.ConsecutiveSuccesses >= t.config.RecoveryThreshold {
		t.transition(health, StateHealthy)
		health.LastErrorMessage = ""
	}
	newState := health.State
	callbacks := t.callbacks
	t.mu.Unlock()

	if newState != oldState {
		notify(callbacks, component, oldState, newState, nil)
	}
}

// RecordError records a failed operation for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastHealthCheck = t.config.Clock()
	health.ConsecutiveErrors++
	health.ConsecutiveSuccesses = 0
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := oldState
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	}
	if newState != oldState {
		t.transition(health, newState)
	}
	callbacks := t.callbacks
	t.mu.Unlock()

	if newState != oldState {
		notify(callbacks, component, oldState, newState, err)
	}
}

// must be called with t.mu held
func (t *Tracker) transition(health *ComponentHealth, state HealthState) {
	health.State = state
	health.LastStateChange = t.config.Clock()
}

func notify(callbacks []StateChangeCallback, component string, oldState, newState HealthState, err error) {
	for _, cb := range callbacks {
		cb(component, oldState, newState, err)
	}
}

// isWriteError reports errors after which reads still work
func isWriteError(err error) bool {
	return errors.IsCode(err, errors.ErrCodeCircuitOpen) ||
		errors.IsCode(err, errors.ErrCodeCapacityExhausted)
}

// GetState returns the state of a component; unknown components are unavailable
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetOverallHealth returns the worst component state
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, health := range t.components {
		if health.State > overall {
			overall = health.State
		}
	}
	return overall
}

// Report returns a copy of every component's health
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := Report{State: StateHealthy, Components: make([]ComponentHealth, 0, len(t.components))}
	for _, health := range t.components {
		report.Components = append(report.Components, *health)
		if health.State > report.State {
			report.State = health.State
		}
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})
	return report
}

// CanWrite returns true if the component accepts durable writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// AddStateChangeCallback registers a callback run after every state change,
// outside the tracker lock
func (t *Tracker) AddStateChangeCallback(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, callback)
}

// CheckFunc probes one component
type CheckFunc func(ctx context.Context) error

// Check runs every probe once and records the outcomes
func (t *Tracker) Check(ctx context.Context, checks map[string]CheckFunc) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		t.Record(name, checks[name](ctx))
	}
}
