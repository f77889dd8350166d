package cache

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/trajcache/trajcache/internal/metrics"
	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

// Config represents Entry Store configuration
type Config struct {
	MaxMemoryBytes   int64         `yaml:"max_memory_bytes"`
	MaxEntryAge      time.Duration `yaml:"max_entry_age"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	FrequencyWindow  time.Duration `yaml:"frequency_window"`
	MaxEntryFraction float64       `yaml:"max_entry_fraction"`

	// Global pressure trims the store to this share of the budget
	PressureTargetRatio float64 `yaml:"pressure_target_ratio"`

	AutoResize            bool  `yaml:"auto_resize"`
	MinMemoryBytes        int64 `yaml:"min_memory_bytes"`
	MaxMemoryBytesCeiling int64 `yaml:"max_memory_bytes_ceiling"`

	PreloadConcurrency  int    `yaml:"preload_concurrency"`
	MaxRememberedInputs int    `yaml:"max_remembered_inputs"`
	KeyPrefix           string `yaml:"key_prefix"`
	KeyPrecision        int    `yaml:"key_precision"`

	WriteBehind WriteBehindConfig `yaml:"write_behind"`

	Clock   func() time.Time        `yaml:"-"`
	Logger  *utils.StructuredLogger `yaml:"-"`
	Metrics *metrics.Collector      `yaml:"-"`
}

// DefaultConfig returns the default Entry Store configuration
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes:      256 * 1024 * 1024, // 256MB
		MaxEntryAge:         time.Hour,
		CleanupInterval:     time.Minute,
		FrequencyWindow:     time.Minute,
		MaxEntryFraction:    0.5,
		PressureTargetRatio: 0.8,
		PreloadConcurrency:  4,
		MaxRememberedInputs: 10000,
		KeyPrefix:           "traj",
		KeyPrecision:        6,
	}
}

// Dependencies are the collaborators of the Entry Store. Only Computer is
// needed for GetOrCompute; the rest are optional.
type Dependencies struct {
	Computer  types.Computer
	Persister types.Persister
	Recorder  types.AccessRecorder
	Observers []types.AccessObserver
}

// PreloadResult summarizes a preload batch
type PreloadResult struct {
	Loaded  int               `json:"loaded"`
	Skipped int               `json:"skipped"`
	Failed  int               `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ApplyResult summarizes what ApplyRecommendations did
type ApplyResult struct {
	Penalized int   `json:"penalized"`
	Evicted   int   `json:"evicted"`
	Preloads  int   `json:"preloads"`
	NewMax    int64 `json:"new_max,omitempty"`
}

type entry struct {
	key          string
	value        []byte
	size         int64
	createdAt    time.Time
	lastAccessAt time.Time
	accessCount  int64
	frequency    float64
	expiresAt    time.Time
}

type eviction struct {
	key    string
	size   int64
	reason string
}

// Manager is the in-memory Entry Store with cost-aware eviction
type Manager struct {
	mu          sync.Mutex
	config      Config
	logger      *utils.StructuredLogger
	entries     map[string]*entry
	currentSize int64
	maxSize     int64
	penalties   map[string]float64
	stats       types.CacheStats

	inputsMu    sync.Mutex
	inputs      map[string]interface{}
	inputOrder  []string
	deriver     *KeyDeriver
	group       singleflight.Group
	deps        Dependencies
	writeBehind *writeBehind

	baseCtx    context.Context
	cancelBase context.CancelFunc
	background sync.WaitGroup

	running int32
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates an Entry Store
func NewManager(config Config, deps Dependencies) (*Manager, error) {
	d := DefaultConfig()
	if config.MaxMemoryBytes <= 0 {
		config.MaxMemoryBytes = d.MaxMemoryBytes
	}
	if config.MaxEntryAge <= 0 {
		config.MaxEntryAge = d.MaxEntryAge
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = d.CleanupInterval
	}
	if config.FrequencyWindow <= 0 {
		config.FrequencyWindow = d.FrequencyWindow
	}
	if config.MaxEntryFraction <= 0 {
		config.MaxEntryFraction = d.MaxEntryFraction
	}
	if config.PressureTargetRatio <= 0 {
		config.PressureTargetRatio = d.PressureTargetRatio
	}
	if config.PreloadConcurrency <= 0 {
		config.PreloadConcurrency = d.PreloadConcurrency
	}
	if config.MaxRememberedInputs <= 0 {
		config.MaxRememberedInputs = d.MaxRememberedInputs
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = d.KeyPrefix
	}
	if config.MinMemoryBytes <= 0 {
		config.MinMemoryBytes = config.MaxMemoryBytes / 4
	}
	if config.MaxMemoryBytesCeiling <= 0 {
		config.MaxMemoryBytesCeiling = config.MaxMemoryBytes * 4
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	if config.MaxEntryFraction > 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "max_entry_fraction must be in (0, 1], got %v", config.MaxEntryFraction).
			WithComponent("cache")
	}
	if config.PressureTargetRatio > 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "pressure_target_ratio must be in (0, 1], got %v", config.PressureTargetRatio).
			WithComponent("cache")
	}
	if config.MinMemoryBytes > config.MaxMemoryBytesCeiling {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "min_memory_bytes exceeds max_memory_bytes_ceiling").
			WithComponent("cache")
	}

	logger := config.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger("cache")
	} else {
		logger = logger.WithComponent("cache")
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:     config,
		logger:     logger,
		entries:    make(map[string]*entry),
		maxSize:    config.MaxMemoryBytes,
		penalties:  make(map[string]float64),
		inputs:     make(map[string]interface{}),
		deriver:    NewKeyDeriver(config.KeyPrefix, config.KeyPrecision),
		deps:       deps,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		stopCh:     make(chan struct{}),
	}
	m.stats.Capacity = m.maxSize

	if deps.Persister != nil {
		m.writeBehind = newWriteBehind(deps.Persister, config.WriteBehind, logger, config.Metrics, config.Clock)
	}

	return m, nil
}

// AddObserver registers an observer told about every lookup
func (m *Manager) AddObserver(o types.AccessObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps.Observers = append(m.deps.Observers, o)
}

// KeyDeriver returns the deriver used by GetOrCompute
func (m *Manager) KeyDeriver() *KeyDeriver {
	return m.deriver
}

// Get returns a copy of the value stored under key
func (m *Manager) Get(key string) ([]byte, bool) {
	start := m.config.Clock()

	m.mu.Lock()
	var value []byte
	var size int64
	var evicted []eviction
	hit := false

	if e, ok := m.entries[key]; ok {
		if m.expiredLocked(e, start) {
			evicted = append(evicted, m.removeLocked(key, "expired"))
			m.stats.Expired++
		} else {
			e.accessCount++
			e.lastAccessAt = start
			e.frequency = m.frequencyLocked(e, start)
			value = append([]byte(nil), e.value...)
			size = e.size
			hit = true
		}
	}
	if hit {
		m.stats.Hits++
	} else {
		m.stats.Misses++
	}
	observers := m.deps.Observers
	m.mu.Unlock()

	m.report(evicted)
	latency := m.config.Clock().Sub(start)
	m.config.Metrics.RecordCacheRequest(hit)
	if m.deps.Recorder != nil {
		m.deps.Recorder.RecordAccess(key, hit, size, latency)
	}
	for _, o := range observers {
		o.ObserveAccess(key, hit, start)
	}

	return value, hit
}

// Contains reports whether key is cached, without touching access statistics
func (m *Manager) Contains(key string) bool {
	now := m.config.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && !m.expiredLocked(e, now)
}

func (m *Manager) peek(key string) ([]byte, bool) {
	now := m.config.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.expiredLocked(e, now) {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

// Set stores value under key and queues it for durability
func (m *Manager) Set(key string, value []byte) error {
	return m.set(key, value, true)
}

func (m *Manager) set(key string, value []byte, persist bool) error {
	size := int64(len(value))
	now := m.config.Clock()

	m.mu.Lock()
	limit := int64(m.config.MaxEntryFraction * float64(m.maxSize))
	if size > limit {
		m.mu.Unlock()
		return errors.Newf(errors.ErrCodeEntryTooLarge, "entry of %d bytes exceeds limit of %d bytes", size, limit).
			WithComponent("cache").
			WithOperation("set").
			WithKey(key)
	}

	if old, ok := m.entries[key]; ok {
		m.currentSize -= old.size
		delete(m.entries, key)
	}

	var evicted []eviction
	for m.currentSize+size > m.maxSize {
		victim := m.lowestLocked(now)
		if victim == "" {
			m.mu.Unlock()
			m.report(evicted)
			return errors.NewError(errors.ErrCodeCapacityExhausted, "nothing left to evict").
				WithComponent("cache").
				WithOperation("set").
				WithKey(key)
		}
		evicted = append(evicted, m.removeLocked(victim, "capacity"))
	}

	m.entries[key] = &entry{
		key:          key,
		value:        append([]byte(nil), value...),
		size:         size,
		createdAt:    now,
		lastAccessAt: now,
		expiresAt:    now.Add(m.config.MaxEntryAge),
	}
	m.currentSize += size
	m.mu.Unlock()

	m.report(evicted)
	m.publishSize()
	if persist && m.writeBehind != nil {
		m.writeBehind.enqueue(key, append([]byte(nil), value...))
	}
	return nil
}

// Delete removes key from the store
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	_, ok := m.entries[key]
	if ok {
		m.removeLocked(key, "delete")
	}
	m.mu.Unlock()
	m.publishSize()
	return ok
}

// Clear removes every entry
func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.currentSize = 0
	m.penalties = make(map[string]float64)
	m.mu.Unlock()
	m.publishSize()
}

// must be called with m.mu held
func (m *Manager) expiredLocked(e *entry, now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// must be called with m.mu held
func (m *Manager) frequencyLocked(e *entry, now time.Time) float64 {
	elapsed := now.Sub(e.createdAt)
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	return float64(e.accessCount) / (float64(elapsed) / float64(m.config.FrequencyWindow))
}

// score is the value of keeping an entry; the lowest is evicted first.
// must be called with m.mu held
func (m *Manager) scoreLocked(e *entry, now time.Time) float64 {
	age := now.Sub(e.createdAt).Seconds()
	maxAge := m.config.MaxEntryAge.Seconds()
	size := float64(e.size)
	if size < 1 {
		size = 1
	}
	return e.frequency*(maxAge-age)/size - m.penalties[e.key]
}

// must be called with m.mu held
func (m *Manager) lowestLocked(now time.Time) string {
	var victim *entry
	var lowest float64
	for _, e := range m.entries {
		s := m.scoreLocked(e, now)
		if victim == nil || s < lowest ||
			(s == lowest && (e.lastAccessAt.Before(victim.lastAccessAt) ||
				(e.lastAccessAt.Equal(victim.lastAccessAt) && e.key < victim.key))) {
			victim, lowest = e, s
		}
	}
	if victim == nil {
		return ""
	}
	return victim.key
}

// must be called with m.mu held
func (m *Manager) removeLocked(key, reason string) eviction {
	e := m.entries[key]
	delete(m.entries, key)
	m.currentSize -= e.size
	if reason != "delete" {
		m.stats.Evictions++
	}
	return eviction{key: key, size: e.size, reason: reason}
}

// report hands evictions to analytics and metrics. Called without m.mu.
func (m *Manager) report(evicted []eviction) {
	if len(evicted) == 0 {
		return
	}
	for _, ev := range evicted {
		m.config.Metrics.RecordEviction(ev.reason)
		if m.deps.Recorder != nil {
			m.deps.Recorder.RecordEviction(ev.key, ev.size)
		}
	}
	m.publishSize()
}

func (m *Manager) publishSize() {
	if m.config.Metrics == nil {
		return
	}
	m.mu.Lock()
	size, n := m.currentSize, len(m.entries)
	m.mu.Unlock()
	m.config.Metrics.UpdateTierBytes("memory", size)
	m.config.Metrics.UpdateCacheEntries(n)
}

// GetOrCompute returns the value for input, loading it from the durability
// tier or computing it on a miss. Concurrent misses for the same key share
// one load or compute.
func (m *Manager) GetOrCompute(ctx context.Context, input interface{}) ([]byte, error) {
	key, err := m.deriver.Derive(input)
	if err != nil {
		return nil, err
	}
	m.rememberInput(key, input)

	if v, ok := m.Get(key); ok {
		return v, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		value, _, err := m.fill(ctx, key, input, true)
		return value, err
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v.([]byte)...), nil
}

// fill loads key from durability or computes it and stores the result.
// It reports whether the value came from durability.
func (m *Manager) fill(ctx context.Context, key string, input interface{}, haveInput bool) ([]byte, bool, error) {
	// a flight that finished just before this one may have stored it
	if v, ok := m.peek(key); ok {
		return v, false, nil
	}

	if m.deps.Persister != nil {
		value, err := m.deps.Persister.Load(ctx, key)
		if err == nil {
			if err := m.set(key, value, false); err != nil {
				m.logger.Debug("Warm value not cached", map[string]interface{}{"key": key, "error": err.Error()})
			}
			return value, true, nil
		}
		if !errors.IsNotFound(err) {
			m.logger.Warn("Durability load failed, recomputing", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}

	if !haveInput {
		return nil, false, errors.NewError(errors.ErrCodeNotFound, "no durable value and no remembered input").
			WithComponent("cache").
			WithOperation("fill").
			WithKey(key)
	}
	if m.deps.Computer == nil {
		return nil, false, errors.NewError(errors.ErrCodeComputeFailed, "no computer configured").
			WithComponent("cache").
			WithOperation("compute").
			WithKey(key)
	}

	value, err := m.deps.Computer.Compute(ctx, input)
	if err != nil {
		return nil, false, errors.NewError(errors.ErrCodeComputeFailed, "compute failed").
			WithComponent("cache").
			WithOperation("compute").
			WithKey(key).
			WithCause(err)
	}

	if err := m.set(key, value, true); err != nil {
		m.logger.Warn("Computed value not cached", map[string]interface{}{
			"key":   key,
			"size":  len(value),
			"error": err.Error(),
		})
	}
	return value, false, nil
}

func (m *Manager) rememberInput(key string, input interface{}) {
	m.inputsMu.Lock()
	defer m.inputsMu.Unlock()

	if _, ok := m.inputs[key]; !ok {
		m.inputOrder = append(m.inputOrder, key)
	}
	m.inputs[key] = input

	for len(m.inputOrder) > m.config.MaxRememberedInputs {
		delete(m.inputs, m.inputOrder[0])
		m.inputOrder = m.inputOrder[1:]
	}
}

func (m *Manager) inputFor(key string) (interface{}, bool) {
	m.inputsMu.Lock()
	defer m.inputsMu.Unlock()
	in, ok := m.inputs[key]
	return in, ok
}

// Preload fills keys that are not cached, from durability or by recomputing
// remembered inputs. Failures are per key and never abort the batch.
func (m *Manager) Preload(ctx context.Context, keys []string) PreloadResult {
	var loaded, skipped, failed int64
	var errMu sync.Mutex
	errs := make(map[string]string)

	g := new(errgroup.Group)
	g.SetLimit(m.config.PreloadConcurrency)

	for _, key := range keys {
		if m.Contains(key) {
			skipped++
			m.config.Metrics.RecordPreload("skipped")
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				atomic.AddInt64(&failed, 1)
				errMu.Lock()
				errs[key] = err.Error()
				errMu.Unlock()
				return nil
			}

			input, haveInput := m.inputFor(key)
			_, err, _ := m.group.Do(key, func() (interface{}, error) {
				value, _, err := m.fill(ctx, key, input, haveInput)
				return value, err
			})
			if err != nil {
				atomic.AddInt64(&failed, 1)
				m.config.Metrics.RecordPreload("failed")
				m.logger.Warn("Preload failed", map[string]interface{}{
					"key":   key,
					"error": err.Error(),
				})
				errMu.Lock()
				errs[key] = err.Error()
				errMu.Unlock()
				return nil
			}
			atomic.AddInt64(&loaded, 1)
			m.config.Metrics.RecordPreload("loaded")
			return nil
		})
	}
	_ = g.Wait()

	result := PreloadResult{Loaded: int(loaded), Skipped: int(skipped), Failed: int(failed)}
	if len(errs) > 0 {
		result.Errors = errs
	}
	return result
}

// PreloadInputs derives keys for inputs, remembers them and preloads them
func (m *Manager) PreloadInputs(ctx context.Context, inputs []interface{}) (PreloadResult, error) {
	keys := make([]string, 0, len(inputs))
	for _, in := range inputs {
		key, err := m.deriver.Derive(in)
		if err != nil {
			return PreloadResult{}, err
		}
		m.rememberInput(key, in)
		keys = append(keys, key)
	}
	return m.Preload(ctx, keys), nil
}

// ApplyRecommendations acts on recommendations from analytics and prediction.
// Preloads run in the background.
func (m *Manager) ApplyRecommendations(recs []types.Recommendation) ApplyResult {
	var result ApplyResult
	var penalties map[string]float64
	var preload []string
	trim := false
	scale := 0.0

	for _, r := range recs {
		switch r.Type {
		case types.RecommendEvict:
			if len(r.Keys) == 0 {
				trim = true
				continue
			}
			if penalties == nil {
				penalties = make(map[string]float64)
			}
			for _, k := range r.Keys {
				penalties[k] = math.Max(penalties[k], math.Max(0, r.Priority))
			}
		case types.RecommendPreload:
			preload = append(preload, r.Keys...)
		case types.RecommendResize:
			if r.Scale > 0 && scale == 0 {
				scale = r.Scale
			}
		}
	}

	now := m.config.Clock()
	var evicted []eviction

	m.mu.Lock()
	if penalties != nil {
		m.penalties = penalties
		result.Penalized = len(penalties)
	}
	if trim {
		target := int64(float64(m.maxSize) * m.config.PressureTargetRatio)
		for m.currentSize > target {
			victim := m.lowestLocked(now)
			if victim == "" {
				break
			}
			evicted = append(evicted, m.removeLocked(victim, "pressure"))
		}
	}
	current := m.maxSize
	m.mu.Unlock()
	m.report(evicted)
	result.Evicted = len(evicted)

	if scale > 0 && m.config.AutoResize {
		newMax := int64(float64(current) * scale)
		if newMax < m.config.MinMemoryBytes {
			newMax = m.config.MinMemoryBytes
		}
		if newMax > m.config.MaxMemoryBytesCeiling {
			newMax = m.config.MaxMemoryBytesCeiling
		}
		if newMax != current {
			n, _ := m.Resize(newMax)
			result.Evicted += n
			result.NewMax = newMax
		}
	}

	if len(preload) > 0 {
		result.Preloads = len(preload)
		m.background.Add(1)
		go func() {
			defer m.background.Done()
			res := m.Preload(m.baseCtx, preload)
			m.logger.Debug("Background preload finished", map[string]interface{}{
				"loaded":  res.Loaded,
				"skipped": res.Skipped,
				"failed":  res.Failed,
			})
		}()
	}

	if result.Evicted > 0 || result.NewMax > 0 {
		m.logger.Info("Applied recommendations", map[string]interface{}{
			"evicted":   result.Evicted,
			"penalized": result.Penalized,
			"preloads":  result.Preloads,
			"new_max":   result.NewMax,
		})
	}
	return result
}

// Resize changes the memory budget and evicts until it holds
func (m *Manager) Resize(newMax int64) (int, error) {
	if newMax <= 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidArgument, "invalid memory budget %d", newMax).
			WithComponent("cache").
			WithOperation("resize")
	}

	now := m.config.Clock()
	var evicted []eviction

	m.mu.Lock()
	m.maxSize = newMax
	m.stats.Capacity = newMax
	for m.currentSize > m.maxSize {
		victim := m.lowestLocked(now)
		if victim == "" {
			break
		}
		evicted = append(evicted, m.removeLocked(victim, "resize"))
	}
	m.mu.Unlock()

	m.report(evicted)
	return len(evicted), nil
}

// CleanupExpired removes entries older than the maximum entry age
func (m *Manager) CleanupExpired() int {
	now := m.config.Clock()
	var evicted []eviction

	m.mu.Lock()
	for key, e := range m.entries {
		if m.expiredLocked(e, now) {
			evicted = append(evicted, m.removeLocked(key, "expired"))
			m.stats.Expired++
		}
	}
	m.mu.Unlock()

	m.report(evicted)
	if len(evicted) > 0 {
		m.logger.Debug("Removed expired entries", map[string]interface{}{"count": len(evicted)})
	}
	return len(evicted)
}

// Start runs periodic cleanup until ctx is done or Stop is called
func (m *Manager) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return fmt.Errorf("cache manager already running")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.CleanupExpired()
			}
		}
	}()
	return nil
}

// Stop stops periodic cleanup. It is safe to call more than once.
func (m *Manager) Stop() {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 2) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

// Flush persists every pending write-behind value
func (m *Manager) Flush(ctx context.Context) error {
	if m.writeBehind == nil {
		return nil
	}
	return m.writeBehind.flush(ctx)
}

// Close stops background work and flushes pending writes
func (m *Manager) Close() error {
	m.Stop()
	m.cancelBase()
	m.background.Wait()
	if m.writeBehind != nil {
		m.writeBehind.close()
	}
	return nil
}

// Stats returns Entry Store statistics
func (m *Manager) Stats() types.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Entries = len(m.entries)
	s.Size = m.currentSize
	s.Capacity = m.maxSize
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if m.maxSize > 0 {
		s.Utilization = float64(m.currentSize) / float64(m.maxSize)
	}
	return s
}

// WriteBehindStats returns durability queue statistics
func (m *Manager) WriteBehindStats() WriteBehindStats {
	if m.writeBehind == nil {
		return WriteBehindStats{}
	}
	return m.writeBehind.getStats()
}

// Keys returns the cached keys, sorted
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Size returns the bytes held by live entries
func (m *Manager) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSize
}

// MaxSize returns the current memory budget
func (m *Manager) MaxSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSize
}

// Usage reports used bytes and the budget, for the memory sampler
func (m *Manager) Usage() (used, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSize, m.maxSize
}
