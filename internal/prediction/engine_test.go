package prediction

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trajcache/trajcache/internal/patterns"
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

type fixedEstimator struct {
	size    float64
	latency time.Duration
}

func (f fixedEstimator) AverageSize(string) float64          { return f.size }
func (f fixedEstimator) AverageLatency(string) time.Duration { return f.latency }

func newTestEngine(est Estimator, mutate ...func(*Config)) (*Engine, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.Logger = utils.NewNopLogger()
	for _, m := range mutate {
		m(&cfg)
	}
	return NewEngine(est, cfg), clock
}

func temporal(key string, strength float64, interval time.Duration) patterns.Pattern {
	return patterns.Pattern{
		ID:         "temporal:" + key,
		Kind:       patterns.KindTemporal,
		Confidence: 1,
		Strength:   strength,
		Interval:   interval,
		Keys:       []string{key},
	}
}

func TestTemporalPrediction(t *testing.T) {
	e, clock := newTestEngine(nil)

	preds := e.PredictAccess([]patterns.Pattern{temporal("x", 0.9, 100*time.Millisecond)})
	require.Len(t, preds, 1)
	assert.Equal(t, "x", preds[0].Key)
	assert.InDelta(t, 0.9, preds[0].Probability, 1e-9)
	assert.Equal(t, types.ConfidenceHigh, preds[0].Confidence)
	assert.Equal(t, clock.Now().Add(100*time.Millisecond), preds[0].ExpectedAt)
	assert.Equal(t, "temporal:x", preds[0].PatternID)
}

func TestSpatialPredictionIsDiscounted(t *testing.T) {
	e, clock := newTestEngine(nil)

	preds := e.PredictAccess([]patterns.Pattern{{
		ID:         "spatial:a|b",
		Kind:       patterns.KindSpatial,
		Confidence: 1,
		Strength:   1,
		Keys:       []string{"a", "b"},
	}})
	require.Len(t, preds, 2)
	for _, p := range preds {
		assert.InDelta(t, 0.8, p.Probability, 1e-9)
		assert.Equal(t, clock.Now().Add(5*time.Second), p.ExpectedAt)
	}
	assert.Equal(t, "a", preds[0].Key)
	assert.Equal(t, "b", preds[1].Key)
}

func TestLowConfidenceIsDropped(t *testing.T) {
	e, _ := newTestEngine(nil)

	weak := temporal("weak", 1, time.Second)
	weak.Confidence = 0.4
	faint := patterns.Pattern{ID: "spatial:c|d", Kind: patterns.KindSpatial, Confidence: 1, Strength: 0.55, Keys: []string{"c", "d"}}

	assert.Empty(t, e.PredictAccess([]patterns.Pattern{weak, faint, temporal("low", 0.3, time.Second)}))
	assert.Empty(t, e.Tracked())
}

func TestPredictionCapEvictsLowestProbability(t *testing.T) {
	e, _ := newTestEngine(nil, func(c *Config) { c.MaxPredictions = 2 })

	e.PredictAccess([]patterns.Pattern{
		temporal("a", 0.9, time.Second),
		temporal("b", 0.6, time.Second),
		temporal("c", 0.7, time.Second),
	})

	tracked := e.Tracked()
	require.Len(t, tracked, 2)
	assert.Equal(t, "a", tracked[0].Key)
	assert.Equal(t, "c", tracked[1].Key)
}

func TestValidationFeedsAccuracy(t *testing.T) {
	e, clock := newTestEngine(nil)

	e.PredictAccess([]patterns.Pattern{temporal("x", 0.9, time.Second)})

	// far from the expected time: stays outstanding
	e.ObserveAccess("x", true, clock.Now().Add(10*time.Second))
	require.Len(t, e.Tracked(), 1)
	assert.Equal(t, 0, e.ValidatePrediction("other", clock.Now().Add(time.Second)))

	clock.Advance(time.Second)
	e.ObserveAccess("x", true, clock.Now())
	assert.Empty(t, e.Tracked())
	assert.InDelta(t, 0.9, e.Accuracy("temporal:x"), 1e-9)

	preds := e.PredictAccess([]patterns.Pattern{temporal("x", 0.9, time.Second)})
	require.Len(t, preds, 1)
	assert.InDelta(t, 0.81, preds[0].Probability, 1e-9)
	assert.Equal(t, 1.0, e.Accuracy("temporal:unknown"))
}

func TestUnvalidatedPredictionsExpireAsMisses(t *testing.T) {
	e, clock := newTestEngine(nil, func(c *Config) { c.PredictionWindow = time.Minute })

	e.PredictAccess([]patterns.Pattern{temporal("x", 0.9, time.Second)})
	clock.Advance(2 * time.Minute)

	f := e.Forecast()
	assert.Zero(t, f.Predictions)
	assert.Zero(t, e.Accuracy("temporal:x"))
	assert.Empty(t, e.PredictAccess([]patterns.Pattern{temporal("x", 0.9, time.Second)}))
}

func TestRepeatedPredictionsKeepTheirDeadline(t *testing.T) {
	e, clock := newTestEngine(nil)
	created := clock.Now()

	e.PredictAccess([]patterns.Pattern{temporal("x", 0.9, time.Second)})
	clock.Advance(500 * time.Millisecond)
	preds := e.PredictAccess([]patterns.Pattern{temporal("x", 0.7, time.Second)})

	require.Len(t, preds, 1)
	tracked := e.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, created, tracked[0].CreatedAt)
	assert.Equal(t, created.Add(time.Second), tracked[0].ExpectedAt)
	assert.InDelta(t, 0.7, tracked[0].Probability, 1e-9)
	assert.Equal(t, 1.0, e.Accuracy("temporal:x"))
}

func TestRepeatedPredictionsStillCountMisses(t *testing.T) {
	e, clock := newTestEngine(nil)

	for i := 0; i < 20; i++ {
		e.PredictAccess([]patterns.Pattern{temporal("x", 0.9, time.Second)})
		clock.Advance(time.Minute)
	}

	assert.Zero(t, e.Accuracy("temporal:x"))
	assert.Empty(t, e.Tracked())
}

func TestAccuracyWindowIsBounded(t *testing.T) {
	e, clock := newTestEngine(nil, func(c *Config) {
		c.AccuracyWindow = 2
		c.PredictionWindow = time.Minute
	})

	// one miss then two hits: the miss falls out of the window
	e.PredictAccess([]patterns.Pattern{temporal("x", 1, time.Second)})
	clock.Advance(2 * time.Minute)
	e.Forecast()
	require.Zero(t, e.Accuracy("temporal:x"))

	e.mu.Lock()
	e.recordSample("temporal:x", 1)
	e.recordSample("temporal:x", 1)
	e.mu.Unlock()
	assert.Equal(t, 1.0, e.Accuracy("temporal:x"))
}

func TestForecastAndRecommendations(t *testing.T) {
	est := fixedEstimator{size: 1000, latency: 10 * time.Millisecond}
	e, _ := newTestEngine(est, func(c *Config) { c.HighProbabilityCount = 3 })

	e.PredictAccess([]patterns.Pattern{temporal("k0", 0.9, time.Second)})

	first := e.Forecast()
	assert.False(t, first.MemoryBounds.Valid)
	assert.InDelta(t, 900, first.Memory, 1e-6)
	assert.InDelta(t, float64(9*time.Millisecond), float64(first.CPU), 1)
	assert.InDelta(t, 0.9, first.CacheSize, 1e-9)
	assert.Empty(t, e.Recommendations(first))

	e.Forecast()
	steady := e.Forecast()
	require.True(t, steady.MemoryBounds.Valid)
	assert.InDelta(t, 900, steady.MemoryBounds.Upper, 1e-6)
	assert.Empty(t, e.Recommendations(steady))

	var burst []patterns.Pattern
	for i := 1; i <= 5; i++ {
		burst = append(burst, temporal(fmt.Sprintf("k%d", i), 0.9, time.Second))
	}
	e.PredictAccess(burst)

	spike := e.Forecast()
	assert.Equal(t, 6, spike.HighProbability)
	recs := e.Recommendations(spike)
	require.Len(t, recs, 2)

	assert.Equal(t, types.RecommendEvict, recs[0].Type)
	assert.Equal(t, types.ConfidenceHigh, recs[0].Confidence)
	assert.Empty(t, recs[0].Keys)
	assert.Equal(t, Source, recs[0].Source)

	assert.Equal(t, types.RecommendPreload, recs[1].Type)
	assert.Equal(t, types.ConfidenceMedium, recs[1].Confidence)
	assert.Equal(t, []string{"k0", "k1", "k2", "k3", "k4", "k5"}, recs[1].Keys)
	assert.Equal(t, int64(6000), recs[1].Impact.Memory)
}

func TestShrinkingForecastRecommendsGrowth(t *testing.T) {
	e, clock := newTestEngine(nil)

	e.PredictAccess([]patterns.Pattern{temporal("a", 0.9, time.Second), temporal("b", 0.9, time.Second)})
	for i := 0; i < 3; i++ {
		e.Forecast()
	}

	clock.Advance(time.Second)
	e.ValidatePrediction("a", clock.Now())
	e.ValidatePrediction("b", clock.Now())

	f := e.Forecast()
	assert.Zero(t, f.CacheSize)
	recs := e.Recommendations(f)
	require.Len(t, recs, 1)
	assert.Equal(t, types.RecommendResize, recs[0].Type)
	assert.Greater(t, recs[0].Scale, 1.0)
	assert.InDelta(t, 1.5, recs[0].Scale, 1e-9)
}
