package types

import (
	"context"
	"time"
)

// Backend defines the interface for the byte stores underneath the persistent tiers.
// Names are slash-separated; Get and Stat return a NOT_FOUND error for missing names.
type Backend interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	Stat(ctx context.Context, name string) (ObjectInfo, error)

	// List returns every object whose name starts with prefix
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	HealthCheck(ctx context.Context) error
}

// Computer produces the value for an input. It must be a pure function of the input
// and safe for concurrent use.
type Computer interface {
	Compute(ctx context.Context, input interface{}) ([]byte, error)
}

// ComputeFunc adapts a function to Computer
type ComputeFunc func(ctx context.Context, input interface{}) ([]byte, error)

// Compute calls f
func (f ComputeFunc) Compute(ctx context.Context, input interface{}) ([]byte, error) {
	return f(ctx, input)
}

// Persister is the durability tier behind the Entry Store
type Persister interface {
	Persist(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}

// AccessRecorder receives Entry Store activity. Implementations must not block.
type AccessRecorder interface {
	RecordAccess(key string, hit bool, size int64, latency time.Duration)
	RecordEviction(key string, size int64)
}

// AccessObserver is told about every lookup after the Entry Store lock is released
type AccessObserver interface {
	ObserveAccess(key string, hit bool, at time.Time)
}

// EventSource exposes the analytics event window
type EventSource interface {
	EventsSince(since time.Time) []AccessEvent
	LastEvents(n int) []AccessEvent
}

// RecordSource is what an integrity sweep walks
type RecordSource interface {
	Keys(ctx context.Context) ([]string, error)
	Retrieve(ctx context.Context, key string) (*Record, error)
	Inconsistencies(ctx context.Context) ([]Inconsistency, error)
}

// Recommender produces recommendations on demand
type Recommender interface {
	GetRecommendations() []Recommendation
}
