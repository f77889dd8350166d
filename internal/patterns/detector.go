package patterns

import (
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/trajcache/trajcache/internal/metrics"
	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

// Kind is the kind of access pattern
type Kind string

const (
	KindTemporal Kind = "temporal"
	KindSpatial  Kind = "spatial"
	KindHybrid   Kind = "hybrid"
)

// State is a pattern's lifecycle state. Expired patterns are removed and only
// ever appear in a TickResult.
type State string

const (
	StateDetected State = "detected"
	StateUpdated  State = "updated"
	StateDecaying State = "decaying"
	StateExpired  State = "expired"
)

// Pattern is a detected regularity in the access stream
type Pattern struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	State      State             `json:"state"`
	Confidence float64           `json:"confidence"`
	Strength   float64           `json:"strength"`
	FirstSeen  time.Time         `json:"first_seen"`
	LastSeen   time.Time         `json:"last_seen"`
	Frequency  float64           `json:"frequency"`
	Interval   time.Duration     `json:"interval"`
	Keys       []string          `json:"keys"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (p *Pattern) clone() Pattern {
	c := *p
	c.Keys = append([]string(nil), p.Keys...)
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// TickResult groups the patterns that changed state during one tick
type TickResult struct {
	Detected []Pattern
	Updated  []Pattern
	Decaying []Pattern
	Expired  []Pattern
	Events   int
}

// Config represents pattern detector configuration
type Config struct {
	TemporalWindow    time.Duration `yaml:"temporal_window"`
	SpatialWindowSize int           `yaml:"spatial_window_size"`
	LookAhead         int           `yaml:"look_ahead"`
	MinConfidence     float64       `yaml:"min_confidence"`
	MinStrength       float64       `yaml:"min_strength"`
	DecayFactor       float64       `yaml:"decay_factor"`
	StrengthFloor     float64       `yaml:"strength_floor"`

	Clock   func() time.Time        `yaml:"-"`
	Logger  *utils.StructuredLogger `yaml:"-"`
	Metrics *metrics.Collector      `yaml:"-"`
}

// DefaultConfig returns the default detector configuration
func DefaultConfig() Config {
	return Config{
		TemporalWindow:    time.Minute,
		SpatialWindowSize: 100,
		LookAhead:         3,
		MinConfidence:     0.5,
		MinStrength:       0.5,
		DecayFactor:       0.95,
		StrengthFloor:     0.1,
	}
}

// Detector mines the analytics event window for temporal and spatial patterns
type Detector struct {
	mu       sync.RWMutex
	source   types.EventSource
	config   Config
	logger   *utils.StructuredLogger
	patterns map[string]*Pattern

	// last LastSeen of each expired id; events up to it cannot revive the pattern
	expired map[string]time.Time
}

// NewDetector creates a detector reading from source
func NewDetector(source types.EventSource, config Config) *Detector {
	d := DefaultConfig()
	if config.TemporalWindow <= 0 {
		config.TemporalWindow = d.TemporalWindow
	}
	if config.SpatialWindowSize < 2 {
		config.SpatialWindowSize = d.SpatialWindowSize
	}
	if config.LookAhead <= 0 {
		config.LookAhead = d.LookAhead
	}
	if config.MinConfidence <= 0 {
		config.MinConfidence = d.MinConfidence
	}
	if config.MinStrength <= 0 {
		config.MinStrength = d.MinStrength
	}
	if config.DecayFactor <= 0 || config.DecayFactor >= 1 {
		config.DecayFactor = d.DecayFactor
	}
	if config.StrengthFloor <= 0 {
		config.StrengthFloor = d.StrengthFloor
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	logger := config.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger("patterns")
	} else {
		logger = logger.WithComponent("patterns")
	}

	return &Detector{
		source:   source,
		config:   config,
		logger:   logger,
		patterns: make(map[string]*Pattern),
		expired:  make(map[string]time.Time),
	}
}

// observation is what one pass measured for one pattern id
type observation struct {
	id         string
	kind       Kind
	keys       []string
	strength   float64
	confidence float64
	interval   time.Duration
	frequency  float64
	firstSeen  time.Time
	lastSeen   time.Time
	events     int
}

// Tick runs one analysis pass: temporal, spatial, decay, cleanup
func (d *Detector) Tick() TickResult {
	now := d.config.Clock()

	recent := accessesOnly(d.source.EventsSince(now.Add(-d.config.TemporalWindow)))
	tail := accessesOnly(d.source.LastEvents(d.config.SpatialWindowSize))

	observations := append(d.temporalPass(recent), d.spatialPass(tail)...)

	d.mu.Lock()
	defer d.mu.Unlock()

	result := TickResult{Events: len(recent)}
	touched := make(map[string]bool, len(observations))
	staleAfter := 2 * d.config.TemporalWindow

	for _, obs := range observations {
		if obs.strength < d.config.MinStrength || obs.confidence < d.config.MinConfidence {
			continue
		}
		if now.Sub(obs.lastSeen) > staleAfter {
			continue
		}

		existing, ok := d.patterns[obs.id]
		if !ok {
			if last, dead := d.expired[obs.id]; dead && !obs.lastSeen.After(last) {
				continue
			}
			delete(d.expired, obs.id)

			p := &Pattern{
				ID:         obs.id,
				Kind:       obs.kind,
				State:      StateDetected,
				Confidence: obs.confidence,
				Strength:   obs.strength,
				FirstSeen:  obs.firstSeen,
				LastSeen:   obs.lastSeen,
				Frequency:  obs.frequency,
				Interval:   obs.interval,
				Keys:       obs.keys,
				Metadata:   map[string]string{"events": strconv.Itoa(obs.events)},
			}
			d.patterns[obs.id] = p
			touched[obs.id] = true
			result.Detected = append(result.Detected, p.clone())
			continue
		}

		// idle ticks are pure decay
		if !obs.lastSeen.After(existing.LastSeen) {
			continue
		}

		existing.Confidence = math.Max(existing.Confidence, obs.confidence)
		existing.Strength = (existing.Strength + obs.strength) / 2
		existing.LastSeen = obs.lastSeen
		existing.Frequency = obs.frequency
		existing.Interval = obs.interval
		existing.Metadata["events"] = strconv.Itoa(obs.events)
		existing.State = StateUpdated
		if existing.Strength < d.config.MinStrength {
			existing.State = StateDecaying
		}
		touched[obs.id] = true
		result.Updated = append(result.Updated, existing.clone())
	}

	for id, p := range d.patterns {
		if !touched[id] {
			p.Strength *= d.config.DecayFactor
		}

		if p.Strength < d.config.StrengthFloor || now.Sub(p.LastSeen) > staleAfter {
			p.State = StateExpired
			result.Expired = append(result.Expired, p.clone())
			delete(d.patterns, id)
			d.expired[id] = p.LastSeen
			continue
		}

		if p.Strength < d.config.MinStrength && p.State != StateDecaying {
			p.State = StateDecaying
			result.Decaying = append(result.Decaying, p.clone())
		}
	}

	// older observations are dropped as stale, so the tombstone is no longer needed
	for id, last := range d.expired {
		if now.Sub(last) > staleAfter {
			delete(d.expired, id)
		}
	}

	sortPatterns(result.Detected)
	sortPatterns(result.Updated)
	sortPatterns(result.Decaying)
	sortPatterns(result.Expired)

	d.publish()

	if len(result.Detected)+len(result.Expired) > 0 {
		d.logger.Debug("Pattern tick", map[string]interface{}{
			"events":   result.Events,
			"detected": len(result.Detected),
			"updated":  len(result.Updated),
			"decaying": len(result.Decaying),
			"expired":  len(result.Expired),
			"active":   len(d.patterns),
		})
	}

	return result
}

// must be called with d.mu held
func (d *Detector) publish() {
	if d.config.Metrics == nil {
		return
	}
	counts := map[Kind]int{KindTemporal: 0, KindSpatial: 0, KindHybrid: 0}
	for _, p := range d.patterns {
		counts[p.Kind]++
	}
	for kind, n := range counts {
		d.config.Metrics.UpdateActivePatterns(string(kind), n)
	}
}

func (d *Detector) temporalPass(events []types.AccessEvent) []observation {
	byKey := make(map[string][]time.Time)
	for _, ev := range events {
		byKey[ev.Key] = append(byKey[ev.Key], ev.Timestamp)
	}

	var out []observation
	for key, times := range byKey {
		if len(times) < 2 {
			continue
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

		gaps := make([]float64, 0, len(times)-1)
		for i := 1; i < len(times); i++ {
			gaps = append(gaps, float64(times[i].Sub(times[i-1])))
		}
		mean, stddev := meanStddev(gaps)
		if mean <= 0 {
			continue
		}

		n := len(times)
		span := times[n-1].Sub(times[0])
		var frequency float64
		if span > 0 {
			frequency = float64(n-1) / span.Seconds()
		}

		out = append(out, observation{
			id:         "temporal:" + key,
			kind:       KindTemporal,
			keys:       []string{key},
			strength:   1 / (1 + stddev/mean),
			confidence: math.Min(1, float64(n)/10),
			interval:   time.Duration(mean),
			frequency:  frequency,
			firstSeen:  times[0],
			lastSeen:   times[n-1],
			events:     n,
		})
	}
	return out
}

func (d *Detector) spatialPass(events []types.AccessEvent) []observation {
	type pairStats struct {
		a, b      string
		count     int
		firstSeen time.Time
		lastSeen  time.Time
	}
	pairs := make(map[string]*pairStats)

	for i := range events {
		for j := i + 1; j < len(events) && j <= i+d.config.LookAhead; j++ {
			a, b := events[i].Key, events[j].Key
			if a == b {
				continue
			}
			if b < a {
				a, b = b, a
			}
			id := "spatial:" + a + "|" + b
			ps, ok := pairs[id]
			if !ok {
				ps = &pairStats{a: a, b: b, firstSeen: events[i].Timestamp}
				pairs[id] = ps
			}
			ps.count++
			if events[j].Timestamp.After(ps.lastSeen) {
				ps.lastSeen = events[j].Timestamp
			}
		}
	}

	half := float64(d.config.SpatialWindowSize) / 2
	out := make([]observation, 0, len(pairs))
	for id, ps := range pairs {
		var frequency float64
		if span := ps.lastSeen.Sub(ps.firstSeen); span > 0 {
			frequency = float64(ps.count) / span.Seconds()
		}
		out = append(out, observation{
			id:         id,
			kind:       KindSpatial,
			keys:       []string{ps.a, ps.b},
			strength:   math.Min(1, float64(ps.count)/half),
			confidence: math.Min(1, float64(ps.count)/5),
			frequency:  frequency,
			firstSeen:  ps.firstSeen,
			lastSeen:   ps.lastSeen,
			events:     ps.count,
		})
	}
	return out
}

// Patterns returns a copy of every tracked pattern, sorted by id
func (d *Detector) Patterns() []Pattern {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Pattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		out = append(out, p.clone())
	}
	sortPatterns(out)
	return out
}

// Get returns the pattern with the given id
func (d *Detector) Get(id string) (Pattern, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.patterns[id]
	if !ok {
		return Pattern{}, false
	}
	return p.clone(), true
}

// Len returns the number of tracked patterns
func (d *Detector) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.patterns)
}

func accessesOnly(events []types.AccessEvent) []types.AccessEvent {
	out := events[:0:0]
	for _, ev := range events {
		if ev.Kind == types.EventAccess || ev.Kind == "" {
			out = append(out, ev)
		}
	}
	return out
}

func meanStddev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

func sortPatterns(ps []Pattern) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
