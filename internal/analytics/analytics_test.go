package analytics

import (
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

func newTestAnalytics(mutate ...func(*Config)) (*Analytics, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.Logger = utils.NewNopLogger()
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg), clock
}

func snapshot(used, total int64) types.MemorySnapshot {
	return types.MemorySnapshot{Used: used, Free: total - used, Total: total}
}

func TestNoHistoryNoRecommendations(t *testing.T) {
	a, _ := newTestAnalytics()
	assert.Empty(t, a.GetRecommendations())
	assert.Equal(t, Summary{}, a.Summary())
}

func TestMemoryPressureRecommendsEviction(t *testing.T) {
	a, _ := newTestAnalytics()

	for i := 0; i < 5; i++ {
		a.RecordMemoryUsage(snapshot(90, 100))
	}

	recs := a.GetRecommendations()
	require.Len(t, recs, 1)
	assert.Equal(t, types.RecommendEvict, recs[0].Type)
	assert.Empty(t, recs[0].Keys)
	assert.InDelta(t, 0.9, recs[0].Priority, 1e-9)
	assert.Equal(t, Source, recs[0].Source)
	assert.Less(t, recs[0].Impact.Memory, int64(0))
}

func TestPressureUsesLastWindowOnly(t *testing.T) {
	a, _ := newTestAnalytics()

	for i := 0; i < 20; i++ {
		a.RecordMemoryUsage(snapshot(95, 100))
	}
	for i := 0; i < 5; i++ {
		a.RecordMemoryUsage(snapshot(50, 100))
	}

	for _, rec := range a.GetRecommendations() {
		assert.NotEqual(t, types.RecommendEvict, rec.Type)
	}
}

func TestHeapPressure(t *testing.T) {
	a, _ := newTestAnalytics()
	for i := 0; i < 5; i++ {
		a.RecordMemoryUsage(types.MemorySnapshot{Used: 10, Total: 100, HeapUsage: 97, HeapTotal: 100})
	}

	recs := a.GetRecommendations()
	require.NotEmpty(t, recs)
	assert.Equal(t, types.RecommendEvict, recs[0].Type)
	assert.Equal(t, types.ConfidenceHigh, recs[0].Confidence)
}

func TestHotAndColdKeys(t *testing.T) {
	a, clock := newTestAnalytics()

	a.RecordAccess("cold", false, 100, time.Millisecond)
	a.RecordAccess("cold", false, 100, time.Millisecond)
	clock.Advance(2 * time.Hour)

	for i := 0; i < 10; i++ {
		a.RecordAccess("hot", true, 400, 2*time.Millisecond)
	}
	a.RecordAccess("lukewarm", true, 10, 0)
	a.RecordAccess("lukewarm", false, 10, 0)

	recs := a.GetRecommendations()
	require.Len(t, recs, 2)

	byType := map[types.RecommendationType]types.Recommendation{}
	for _, r := range recs {
		byType[r.Type] = r
	}

	evict := byType[types.RecommendEvict]
	assert.Equal(t, []string{"cold"}, evict.Keys)
	assert.InDelta(t, 1.0, evict.Priority, 1e-9)
	assert.Equal(t, int64(-100), evict.Impact.Memory)

	preload := byType[types.RecommendPreload]
	assert.Equal(t, []string{"hot"}, preload.Keys)
	assert.InDelta(t, 1.0, preload.Priority, 1e-9)
	assert.Equal(t, int64(400), preload.Impact.Memory)
	assert.InDelta(t, 2.0, preload.Impact.Performance, 1e-9)
}

func TestHotKeyCoolsDown(t *testing.T) {
	a, clock := newTestAnalytics()
	for i := 0; i < 5; i++ {
		a.RecordAccess("k", true, 1, 0)
	}
	require.Len(t, a.GetRecommendations(), 1)

	clock.Advance(10 * time.Minute)
	assert.Empty(t, a.GetRecommendations())
}

func TestEvictedColdKeyIsNotRecommendedAgain(t *testing.T) {
	a, clock := newTestAnalytics()
	a.RecordAccess("cold", false, 100, 0)
	clock.Advance(2 * time.Hour)
	require.Len(t, a.GetRecommendations(), 1)

	a.RecordEviction("cold", 100)
	assert.Empty(t, a.GetRecommendations())
	assert.Equal(t, int64(1), a.Summary().Evictions)
}

func TestGrowthRecommendsResize(t *testing.T) {
	a, _ := newTestAnalytics()

	for _, used := range []int64{10, 25, 40, 55, 70} {
		a.RecordMemoryUsage(snapshot(used, 100))
	}

	recs := a.GetRecommendations()
	require.Len(t, recs, 1)
	assert.Equal(t, types.RecommendResize, recs[0].Type)
	assert.InDelta(t, 0.15, recs[0].Priority, 1e-9)
	assert.InDelta(t, 0.85, recs[0].Scale, 1e-9)
}

func TestRecommendationsSortedByPriority(t *testing.T) {
	a, clock := newTestAnalytics()

	a.RecordAccess("cold", true, 10, 0)
	a.RecordAccess("cold", false, 10, 0)
	a.RecordAccess("cold", false, 10, 0)
	a.RecordAccess("cold", false, 10, 0)
	a.RecordAccess("cold", false, 10, 0)
	a.RecordAccess("cold", false, 10, 0)
	clock.Advance(2 * time.Hour)
	for _, used := range []int64{55, 72, 89, 99, 100} {
		a.RecordMemoryUsage(snapshot(used, 100))
	}

	recs := a.GetRecommendations()
	require.Len(t, recs, 3)
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i-1].Priority, recs[i].Priority)
	}
}

func TestSlope(t *testing.T) {
	assert.Zero(t, Slope(nil))
	assert.Zero(t, Slope([]float64{3}))
	assert.InDelta(t, 0, Slope([]float64{5, 5, 5}), 1e-12)
	assert.InDelta(t, 2, Slope([]float64{1, 3, 5, 7}), 1e-12)
	assert.InDelta(t, -0.5, Slope([]float64{1, 0.5, 0}), 1e-12)
}

func TestBoundedHistory(t *testing.T) {
	a, clock := newTestAnalytics(func(c *Config) {
		c.MaxEvents = 10
		c.MaxSnapshots = 3
		c.MaxKeys = 4
	})

	for i := 0; i < 25; i++ {
		clock.Advance(time.Second)
		a.RecordAccess(string(rune('a'+i)), true, 1, 0)
		a.RecordMemoryUsage(snapshot(int64(i), 100))
	}

	s := a.Summary()
	assert.Equal(t, 10, s.Events)
	assert.Equal(t, 3, s.Snapshots)
	assert.Equal(t, 4, s.TrackedKeys)
	assert.Equal(t, int64(25), s.Accesses)

	events := a.LastEvents(100)
	require.Len(t, events, 10)
	assert.Equal(t, "y", events[9].Key)
	assert.Equal(t, int64(24), a.Snapshots()[2].Used)
}

func TestEventQueries(t *testing.T) {
	a, clock := newTestAnalytics()
	start := clock.Now()

	a.RecordAccess("a", true, 100, 10*time.Millisecond)
	clock.Advance(time.Second)
	a.RecordAccess("a", false, 300, 30*time.Millisecond)
	clock.Advance(time.Second)
	a.RecordEviction("a", 300)

	assert.Len(t, a.EventsSince(start.Add(-time.Nanosecond)), 3)
	since := a.EventsSince(start)
	require.Len(t, since, 2)
	assert.Equal(t, types.EventEviction, since[1].Kind)

	last := a.LastEvents(1)
	require.Len(t, last, 1)
	assert.Equal(t, types.EventEviction, last[0].Kind)
	assert.Nil(t, a.LastEvents(0))

	assert.InDelta(t, 200, a.AverageSize("a"), 1e-9)
	assert.Equal(t, 20*time.Millisecond, a.AverageLatency("a"))
	assert.Zero(t, a.AverageSize("missing"))

	s := a.Summary()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
}

func TestConcurrentRecording(t *testing.T) {
	a, _ := newTestAnalytics()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.RecordAccess("k", i%2 == 0, 10, 0)
				a.RecordMemoryUsage(snapshot(10, 100))
				_ = a.GetRecommendations()
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int64(800), a.Summary().Accesses)
}
