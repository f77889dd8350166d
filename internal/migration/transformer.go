package migration

import (
	"context"
	"fmt"
	"sync"

	"github.com/trajcache/trajcache/pkg/types"
)

// Transformer rewrites one record's value from one schema version to an adjacent one
type Transformer interface {
	Transform(ctx context.Context, rec *types.Record) ([]byte, error)
}

// TransformFunc adapts a function to Transformer
type TransformFunc func(ctx context.Context, rec *types.Record) ([]byte, error)

// Transform calls f
func (f TransformFunc) Transform(ctx context.Context, rec *types.Record) ([]byte, error) {
	return f(ctx, rec)
}

// IdentityTransformer keeps the value; only the schema number changes
type IdentityTransformer struct{}

// Transform returns the value unchanged
func (IdentityTransformer) Transform(_ context.Context, rec *types.Record) ([]byte, error) {
	return rec.Value, nil
}

type schemaPair struct {
	from, to int
}

// Registry holds transformers keyed by (from, to) schema pairs
type Registry struct {
	mu           sync.RWMutex
	transformers map[schemaPair]Transformer
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{transformers: make(map[schemaPair]Transformer)}
}

// Register installs t for from -> to. The versions must be adjacent.
func (r *Registry) Register(from, to int, t Transformer) error {
	if from == to || (to-from != 1 && from-to != 1) {
		return fmt.Errorf("transformer must connect adjacent schema versions, got %d -> %d", from, to)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[schemaPair{from, to}] = t
	return nil
}

// Lookup returns the transformer for from -> to
func (r *Registry) Lookup(from, to int) (Transformer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transformers[schemaPair{from, to}]
	return t, ok
}
