/*
Package cache implements the Entry Store, the in-memory tier of trajectory
results.

Entries are keyed by a hash of the canonicalized, quantized computation
input (see KeyDeriver), so inputs that differ only below the configured
precision share one entry.

# Eviction

The store holds at most MaxMemoryBytes. When a new value does not fit, the
entry with the lowest retention score is evicted:

	score = frequency * (maxAge - age) / size - penalty

Frequency is accesses per FrequencyWindow since creation. Penalties come
from keyed evict recommendations and are replaced wholesale each time
recommendations are applied. Ties go to the least recently accessed entry.

# Durability

With a Persister, every Set is queued to a write-behind queue that
coalesces values per key and persists them off the caller's path behind a
circuit breaker. Misses in GetOrCompute are first served from durability
before the Computer is asked.

	m, err := cache.NewManager(cache.DefaultConfig(), cache.Dependencies{
		Computer:  types.ComputeFunc(integrate),
		Persister: store,
		Recorder:  analytics,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	value, err := m.GetOrCompute(ctx, launch)

# Tuning

ApplyRecommendations consumes recommendations from analytics and
prediction: keyed evicts become penalties, a keyless evict trims the store
to PressureTargetRatio of its budget, resize changes the budget when
AutoResize is on, and preloads run in the background.
*/
package cache
