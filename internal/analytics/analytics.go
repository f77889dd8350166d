package analytics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

// Config represents access analytics configuration
type Config struct {
	MaxEvents    int `yaml:"max_events"`
	MaxSnapshots int `yaml:"max_snapshots"`
	MaxKeys      int `yaml:"max_keys"`

	PressureThreshold float64 `yaml:"pressure_threshold"`
	PressureWindow    int     `yaml:"pressure_window"`

	HotHitRate  float64       `yaml:"hot_hit_rate"`
	HotRecency  time.Duration `yaml:"hot_recency"`
	ColdHitRate float64       `yaml:"cold_hit_rate"`
	ColdAge     time.Duration `yaml:"cold_age"`

	GrowthWindow    int     `yaml:"growth_window"`
	GrowthThreshold float64 `yaml:"growth_threshold"`

	Clock  func() time.Time        `yaml:"-"`
	Logger *utils.StructuredLogger `yaml:"-"`
}

// DefaultConfig returns the default analytics configuration
func DefaultConfig() Config {
	return Config{
		MaxEvents:         10000,
		MaxSnapshots:      1000,
		MaxKeys:           10000,
		PressureThreshold: 0.8,
		PressureWindow:    5,
		HotHitRate:        0.8,
		HotRecency:        5 * time.Minute,
		ColdHitRate:       0.2,
		ColdAge:           time.Hour,
		GrowthWindow:      10,
		GrowthThreshold:   0.1,
	}
}

// Source names recommendations produced here
const Source = "analytics"

type keyStats struct {
	accesses     int64
	hits         int64
	evicted      bool
	lastAccess   time.Time
	totalSize    int64
	sizeSamples  int64
	totalLatency time.Duration
}

// Summary is a point-in-time view of the analytics state
type Summary struct {
	Events       int       `json:"events"`
	Accesses     int64     `json:"accesses"`
	Hits         int64     `json:"hits"`
	Misses       int64     `json:"misses"`
	Evictions    int64     `json:"evictions"`
	HitRate      float64   `json:"hit_rate"`
	TrackedKeys  int       `json:"tracked_keys"`
	Snapshots    int       `json:"snapshots"`
	Pressure     float64   `json:"pressure"`
	LastSnapshot time.Time `json:"last_snapshot,omitempty"`
}

// Analytics records Entry Store activity and memory samples and turns them into
// recommendations. Recording never blocks on anything but its own lock and never fails.
type Analytics struct {
	mu        sync.RWMutex
	config    Config
	logger    *utils.StructuredLogger
	events    []types.AccessEvent
	snapshots []types.MemorySnapshot
	keys      map[string]*keyStats

	accesses  int64
	hits      int64
	evictions int64
}

// New creates an analytics engine
func New(config Config) *Analytics {
	d := DefaultConfig()
	if config.MaxEvents <= 0 {
		config.MaxEvents = d.MaxEvents
	}
	if config.MaxSnapshots <= 0 {
		config.MaxSnapshots = d.MaxSnapshots
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = d.MaxKeys
	}
	if config.PressureThreshold <= 0 {
		config.PressureThreshold = d.PressureThreshold
	}
	if config.PressureWindow <= 0 {
		config.PressureWindow = d.PressureWindow
	}
	if config.HotHitRate <= 0 {
		config.HotHitRate = d.HotHitRate
	}
	if config.HotRecency <= 0 {
		config.HotRecency = d.HotRecency
	}
	if config.ColdHitRate <= 0 {
		config.ColdHitRate = d.ColdHitRate
	}
	if config.ColdAge <= 0 {
		config.ColdAge = d.ColdAge
	}
	if config.GrowthWindow < 2 {
		config.GrowthWindow = d.GrowthWindow
	}
	if config.GrowthThreshold <= 0 {
		config.GrowthThreshold = d.GrowthThreshold
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	logger := config.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger("analytics")
	} else {
		logger = logger.WithComponent("analytics")
	}

	return &Analytics{
		config: config,
		logger: logger,
		keys:   make(map[string]*keyStats),
	}
}

// RecordAccess appends an access event
func (a *Analytics) RecordAccess(key string, hit bool, size int64, latency time.Duration) {
	now := a.config.Clock()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.appendEvent(types.AccessEvent{
		Key:       key,
		Kind:      types.EventAccess,
		Hit:       hit,
		SizeBytes: size,
		Latency:   latency,
		Timestamp: now,
	})

	ks := a.stats(key, now)
	ks.accesses++
	ks.lastAccess = now
	ks.evicted = false
	if hit {
		ks.hits++
		a.hits++
	}
	if size > 0 {
		ks.totalSize += size
		ks.sizeSamples++
	}
	ks.totalLatency += latency
	a.accesses++
}

// RecordEviction appends an eviction event
func (a *Analytics) RecordEviction(key string, size int64) {
	now := a.config.Clock()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.appendEvent(types.AccessEvent{
		Key:       key,
		Kind:      types.EventEviction,
		SizeBytes: size,
		Timestamp: now,
	})
	if ks, ok := a.keys[key]; ok {
		ks.evicted = true
	}
	a.evictions++
}

// RecordMemoryUsage appends a memory snapshot
func (a *Analytics) RecordMemoryUsage(snapshot types.MemorySnapshot) {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = a.config.Clock()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.snapshots = append(a.snapshots, snapshot)
	if over := len(a.snapshots) - a.config.MaxSnapshots; over > 0 {
		a.snapshots = append(a.snapshots[:0:0], a.snapshots[over:]...)
	}
}

// must be called with a.mu held
func (a *Analytics) appendEvent(ev types.AccessEvent) {
	a.events = append(a.events, ev)
	if over := len(a.events) - a.config.MaxEvents; over > 0 {
		a.events = append(a.events[:0:0], a.events[over:]...)
	}
}

// must be called with a.mu held
func (a *Analytics) stats(key string, now time.Time) *keyStats {
	ks, ok := a.keys[key]
	if ok {
		return ks
	}

	if len(a.keys) >= a.config.MaxKeys {
		var stalest string
		var oldest time.Time
		for k, s := range a.keys {
			if stalest == "" || s.lastAccess.Before(oldest) {
				stalest, oldest = k, s.lastAccess
			}
		}
		delete(a.keys, stalest)
	}

	ks = &keyStats{lastAccess: now}
	a.keys[key] = ks
	return ks
}

// GetRecommendations derives recommendations from the recorded history, highest priority first
func (a *Analytics) GetRecommendations() []types.Recommendation {
	now := a.config.Clock()

	a.mu.RLock()
	defer a.mu.RUnlock()

	var recs []types.Recommendation
	if rec, ok := a.pressureRecommendation(); ok {
		recs = append(recs, rec)
	}
	recs = append(recs, a.keyRecommendations(now)...)
	if rec, ok := a.growthRecommendation(); ok {
		recs = append(recs, rec)
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority > recs[j].Priority })
	return recs
}

// must be called with a.mu held
func (a *Analytics) pressure() float64 {
	window := a.snapshots
	if len(window) > a.config.PressureWindow {
		window = window[len(window)-a.config.PressureWindow:]
	}

	var usedSum, heapSum float64
	var usedN, heapN int
	for _, s := range window {
		if s.Total > 0 {
			usedSum += float64(s.Used) / float64(s.Total)
			usedN++
		}
		if s.HeapTotal > 0 {
			heapSum += float64(s.HeapUsage) / float64(s.HeapTotal)
			heapN++
		}
	}

	var pressure float64
	if usedN > 0 {
		pressure = usedSum / float64(usedN)
	}
	if heapN > 0 {
		pressure = math.Max(pressure, heapSum/float64(heapN))
	}
	return pressure
}

func (a *Analytics) pressureRecommendation() (types.Recommendation, bool) {
	pressure := a.pressure()
	if pressure <= a.config.PressureThreshold {
		return types.Recommendation{}, false
	}

	confidence := types.ConfidenceMedium
	if pressure > 0.95 {
		confidence = types.ConfidenceHigh
	}

	var reclaim int64
	if last := a.snapshots[len(a.snapshots)-1]; last.Total > 0 {
		reclaim = int64(float64(last.Total) * (pressure - a.config.PressureThreshold))
	}

	return types.Recommendation{
		Type:       types.RecommendEvict,
		Priority:   pressure,
		Confidence: confidence,
		Impact:     types.Impact{Memory: -reclaim},
		Reason:     fmt.Sprintf("memory pressure %.2f above %.2f", pressure, a.config.PressureThreshold),
		Source:     Source,
	}, true
}

func (a *Analytics) keyRecommendations(now time.Time) []types.Recommendation {
	var recs []types.Recommendation
	var hot []string
	var hotRate float64
	var hotBytes int64
	var hotLatency time.Duration

	for key, ks := range a.keys {
		if ks.accesses == 0 {
			continue
		}
		hitRate := float64(ks.hits) / float64(ks.accesses)
		idle := now.Sub(ks.lastAccess)

		switch {
		case hitRate > a.config.HotHitRate && idle < a.config.HotRecency:
			hot = append(hot, key)
			hotRate += hitRate
			hotBytes += avgSize(ks)
			hotLatency += ks.totalLatency / time.Duration(ks.accesses)
		case hitRate < a.config.ColdHitRate && idle > a.config.ColdAge && !ks.evicted:
			recs = append(recs, types.Recommendation{
				Type:       types.RecommendEvict,
				Keys:       []string{key},
				Priority:   1 - hitRate,
				Confidence: types.ConfidenceMedium,
				Impact:     types.Impact{Memory: -avgSize(ks)},
				Reason:     fmt.Sprintf("cold: hit rate %.2f, idle %s", hitRate, idle.Round(time.Second)),
				Source:     Source,
			})
		}
	}

	if len(hot) > 0 {
		sort.Strings(hot)
		n := float64(len(hot))
		recs = append(recs, types.Recommendation{
			Type:       types.RecommendPreload,
			Keys:       hot,
			Priority:   hotRate / n,
			Confidence: types.ConfidenceMedium,
			Impact: types.Impact{
				Memory:      hotBytes,
				Performance: float64(hotLatency) / n / float64(time.Millisecond),
			},
			Reason: fmt.Sprintf("%d hot keys", len(hot)),
			Source: Source,
		})
	}

	// deterministic order for equal priorities
	sort.SliceStable(recs, func(i, j int) bool {
		if len(recs[i].Keys) == 0 || len(recs[j].Keys) == 0 {
			return false
		}
		return recs[i].Keys[0] < recs[j].Keys[0]
	})
	return recs
}

func (a *Analytics) growthRecommendation() (types.Recommendation, bool) {
	var ratios []float64
	for _, s := range a.snapshots {
		if s.Total > 0 {
			ratios = append(ratios, float64(s.Used)/float64(s.Total))
		}
	}
	if len(ratios) > a.config.GrowthWindow {
		ratios = ratios[len(ratios)-a.config.GrowthWindow:]
	}
	if len(ratios) < 2 {
		return types.Recommendation{}, false
	}

	slope := Slope(ratios)
	if slope <= a.config.GrowthThreshold {
		return types.Recommendation{}, false
	}

	scale := math.Max(0.5, 1-slope)
	return types.Recommendation{
		Type:       types.RecommendResize,
		Priority:   math.Min(1, slope),
		Confidence: types.ConfidenceMedium,
		Scale:      scale,
		Reason:     fmt.Sprintf("memory usage growing %.2f per sample", slope),
		Source:     Source,
	}, true
}

// Slope returns the least-squares slope of ys against their index
func Slope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func avgSize(ks *keyStats) int64 {
	if ks.sizeSamples == 0 {
		return 0
	}
	return ks.totalSize / ks.sizeSamples
}

// EventsSince returns the events recorded after since, oldest first
func (a *Analytics) EventsSince(since time.Time) []types.AccessEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	idx := sort.Search(len(a.events), func(i int) bool { return a.events[i].Timestamp.After(since) })
	out := make([]types.AccessEvent, len(a.events)-idx)
	copy(out, a.events[idx:])
	return out
}

// LastEvents returns up to n of the most recent events, oldest first
func (a *Analytics) LastEvents(n int) []types.AccessEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	if n > len(a.events) {
		n = len(a.events)
	}
	out := make([]types.AccessEvent, n)
	copy(out, a.events[len(a.events)-n:])
	return out
}

// AverageSize returns the mean recorded size for key, or 0 if unknown
func (a *Analytics) AverageSize(key string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ks, ok := a.keys[key]
	if !ok || ks.sizeSamples == 0 {
		return 0
	}
	return float64(ks.totalSize) / float64(ks.sizeSamples)
}

// AverageLatency returns the mean recorded access latency for key
func (a *Analytics) AverageLatency(key string) time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ks, ok := a.keys[key]
	if !ok || ks.accesses == 0 {
		return 0
	}
	return ks.totalLatency / time.Duration(ks.accesses)
}

// Snapshots returns a copy of the memory time series
func (a *Analytics) Snapshots() []types.MemorySnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.MemorySnapshot, len(a.snapshots))
	copy(out, a.snapshots)
	return out
}

// Summary returns aggregate counters
func (a *Analytics) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Summary{
		Events:      len(a.events),
		Accesses:    a.accesses,
		Hits:        a.hits,
		Misses:      a.accesses - a.hits,
		Evictions:   a.evictions,
		TrackedKeys: len(a.keys),
		Snapshots:   len(a.snapshots),
		Pressure:    a.pressure(),
	}
	if a.accesses > 0 {
		s.HitRate = float64(a.hits) / float64(a.accesses)
	}
	if len(a.snapshots) > 0 {
		s.LastSnapshot = a.snapshots[len(a.snapshots)-1].Timestamp
	}
	return s
}
