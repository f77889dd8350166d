package patterns

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// eventLog is an in-memory EventSource
type eventLog struct {
	mu     sync.Mutex
	events []types.AccessEvent
}

func (l *eventLog) add(key string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, types.AccessEvent{Key: key, Kind: types.EventAccess, Hit: true, Timestamp: at})
}

func (l *eventLog) EventsSince(since time.Time) []types.AccessEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.AccessEvent
	for _, ev := range l.events {
		if ev.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) LastEvents(n int) []types.AccessEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.events) {
		n = len(l.events)
	}
	return append([]types.AccessEvent(nil), l.events[len(l.events)-n:]...)
}

func newTestDetector(mutate ...func(*Config)) (*Detector, *eventLog, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	log := &eventLog{}
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.Logger = utils.NewNopLogger()
	for _, m := range mutate {
		m(&cfg)
	}
	return NewDetector(log, cfg), log, clock
}

func TestRegularAccessesFormTemporalPattern(t *testing.T) {
	d, log, clock := newTestDetector()

	for i := 0; i < 5; i++ {
		log.add("x", clock.Now())
		clock.Advance(100 * time.Millisecond)
	}

	result := d.Tick()
	require.Len(t, result.Detected, 1)

	p := result.Detected[0]
	assert.Equal(t, "temporal:x", p.ID)
	assert.Equal(t, KindTemporal, p.Kind)
	assert.Equal(t, StateDetected, p.State)
	assert.GreaterOrEqual(t, p.Confidence, 0.5)
	assert.GreaterOrEqual(t, p.Strength, 0.5)
	assert.InDelta(t, 1.0, p.Strength, 1e-9)
	assert.Equal(t, 100*time.Millisecond, p.Interval)
	assert.Equal(t, []string{"x"}, p.Keys)
	assert.InDelta(t, 10.0, p.Frequency, 1e-9)
}

func TestIrregularAccessesAreWeaker(t *testing.T) {
	d, log, clock := newTestDetector(func(c *Config) { c.MinStrength = 0.01 })

	for _, gap := range []time.Duration{10, 500, 20, 900, 15, 700, 30} {
		log.add("y", clock.Now())
		clock.Advance(gap * time.Millisecond)
	}
	log.add("y", clock.Now())

	result := d.Tick()
	require.Len(t, result.Detected, 1)
	assert.Less(t, result.Detected[0].Strength, 0.7)
	assert.InDelta(t, 0.8, result.Detected[0].Confidence, 1e-9)
}

func TestBelowThresholdsNothingDetected(t *testing.T) {
	d, log, clock := newTestDetector()

	// four events only reach confidence 0.4
	for i := 0; i < 4; i++ {
		log.add("z", clock.Now())
		clock.Advance(time.Second)
	}
	assert.Empty(t, d.Tick().Detected)
	assert.Zero(t, d.Len())
}

func TestIdleTicksDecayGeometrically(t *testing.T) {
	d, log, clock := newTestDetector()

	for i := 0; i < 10; i++ {
		log.add("x", clock.Now())
		clock.Advance(100 * time.Millisecond)
	}
	require.Len(t, d.Tick().Detected, 1)

	p, ok := d.Get("temporal:x")
	require.True(t, ok)
	initial := p.Strength

	decay := DefaultConfig().DecayFactor
	for n := 1; n <= 10; n++ {
		clock.Advance(time.Second)
		result := d.Tick()
		assert.Empty(t, result.Updated)

		p, ok = d.Get("temporal:x")
		require.True(t, ok)
		assert.InDelta(t, initial*math.Pow(decay, float64(n)), p.Strength, 1e-9, "tick %d", n)
	}
}

func TestDecayingThenExpired(t *testing.T) {
	d, log, clock := newTestDetector(func(c *Config) {
		c.DecayFactor = 0.5
		c.TemporalWindow = time.Hour
	})

	for i := 0; i < 10; i++ {
		log.add("x", clock.Now())
		clock.Advance(time.Second)
	}
	require.Len(t, d.Tick().Detected, 1)

	// 1.0 -> 0.5: still at the minimum
	assert.Empty(t, d.Tick().Decaying)

	// 0.5 -> 0.25: below the minimum strength
	result := d.Tick()
	require.Len(t, result.Decaying, 1)
	assert.Equal(t, StateDecaying, result.Decaying[0].State)

	// reported once
	result = d.Tick()
	assert.Empty(t, result.Decaying)
	assert.Empty(t, result.Expired)

	// 0.125 -> 0.0625: below the floor
	result = d.Tick()
	require.Len(t, result.Expired, 1)
	assert.Equal(t, StateExpired, result.Expired[0].State)
	assert.Zero(t, d.Len())
}

func TestStalePatternsExpire(t *testing.T) {
	d, log, clock := newTestDetector()

	for i := 0; i < 10; i++ {
		log.add("x", clock.Now())
		clock.Advance(100 * time.Millisecond)
	}
	require.Len(t, d.Tick().Detected, 1)

	clock.Advance(2*time.Minute + time.Second)
	result := d.Tick()
	require.Len(t, result.Expired, 1)
	assert.Equal(t, "temporal:x", result.Expired[0].ID)
}

func TestUpdateMergesObservations(t *testing.T) {
	d, log, clock := newTestDetector(func(c *Config) { c.TemporalWindow = 10 * time.Second })

	for i := 0; i < 5; i++ {
		log.add("x", clock.Now())
		clock.Advance(100 * time.Millisecond)
	}
	first := d.Tick().Detected[0]
	assert.InDelta(t, 0.5, first.Confidence, 1e-9)

	for i := 0; i < 5; i++ {
		log.add("x", clock.Now())
		clock.Advance(100 * time.Millisecond)
	}
	result := d.Tick()
	require.Len(t, result.Updated, 1)

	updated := result.Updated[0]
	assert.Equal(t, StateUpdated, updated.State)
	assert.True(t, updated.LastSeen.After(first.LastSeen))
	assert.Equal(t, first.FirstSeen, updated.FirstSeen)
	assert.Equal(t, "10", updated.Metadata["events"])
	// the gap between the batches is 100ms too, so confidence rises to 1
	assert.InDelta(t, 1.0, updated.Confidence, 1e-9)
	assert.InDelta(t, 1.0, updated.Strength, 1e-9)
}

func TestCoAccessedKeysFormSpatialPattern(t *testing.T) {
	d, log, clock := newTestDetector(func(c *Config) { c.SpatialWindowSize = 20 })

	for i := 0; i < 10; i++ {
		log.add("a", clock.Now())
		clock.Advance(time.Millisecond)
		log.add("b", clock.Now())
		clock.Advance(5 * time.Second)
	}

	result := d.Tick()
	var spatial []Pattern
	for _, p := range result.Detected {
		if p.Kind == KindSpatial {
			spatial = append(spatial, p)
		}
	}
	require.Len(t, spatial, 1)
	assert.Equal(t, "spatial:a|b", spatial[0].ID)
	assert.Equal(t, []string{"a", "b"}, spatial[0].Keys)
	assert.InDelta(t, 1.0, spatial[0].Strength, 1e-9)
	assert.InDelta(t, 1.0, spatial[0].Confidence, 1e-9)
}

func addPairs(log *eventLog, clock *fakeClock, n int) {
	for i := 0; i < n; i++ {
		log.add("a", clock.Now())
		clock.Advance(time.Millisecond)
		log.add("b", clock.Now())
		clock.Advance(5 * time.Second)
	}
}

func TestExpiredPatternStaysExpiredWhileIdle(t *testing.T) {
	d, log, clock := newTestDetector(func(c *Config) {
		c.SpatialWindowSize = 20
		c.DecayFactor = 0.5
		c.TemporalWindow = time.Hour
	})

	addPairs(log, clock, 10)
	first := d.Tick()
	require.NotEmpty(t, first.Detected)

	expired := false
	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		result := d.Tick()
		assert.Empty(t, result.Detected, "idle tick %d", i)
		for _, p := range result.Expired {
			if p.ID == "spatial:a|b" {
				expired = true
			}
		}
	}
	assert.True(t, expired)
	assert.Zero(t, d.Len())

	// fresh accesses bring it back
	addPairs(log, clock, 10)
	result := d.Tick()
	ids := make([]string, 0, len(result.Detected))
	for _, p := range result.Detected {
		ids = append(ids, p.ID)
	}
	assert.Contains(t, ids, "spatial:a|b")
}

func TestStaleEventsDoNotRedetect(t *testing.T) {
	d, log, clock := newTestDetector(func(c *Config) { c.SpatialWindowSize = 20 })

	addPairs(log, clock, 10)
	require.NotEmpty(t, d.Tick().Detected)

	clock.Advance(3 * time.Minute)
	result := d.Tick()
	assert.Empty(t, result.Detected)
	assert.NotEmpty(t, result.Expired)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		result = d.Tick()
		assert.Empty(t, result.Detected)
		assert.Empty(t, result.Expired)
	}
	assert.Zero(t, d.Len())
}

func TestEvictionEventsAreIgnored(t *testing.T) {
	d, log, clock := newTestDetector()

	for i := 0; i < 10; i++ {
		log.mu.Lock()
		log.events = append(log.events, types.AccessEvent{Key: "e", Kind: types.EventEviction, Timestamp: clock.Now()})
		log.mu.Unlock()
		clock.Advance(100 * time.Millisecond)
	}
	assert.Empty(t, d.Tick().Detected)
}

func TestPatternsAreCopies(t *testing.T) {
	d, log, clock := newTestDetector()
	for k := 0; k < 3; k++ {
		for i := 0; i < 6; i++ {
			log.add(fmt.Sprintf("k%d", k), clock.Now().Add(time.Duration(i)*time.Second))
		}
	}
	clock.Advance(6 * time.Second)
	d.Tick()

	ps := d.Patterns()
	require.NotEmpty(t, ps)
	ps[0].Keys[0] = "mutated"
	again, ok := d.Get(ps[0].ID)
	require.True(t, ok)
	assert.NotEqual(t, "mutated", again.Keys[0])
}
