package prediction

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/trajcache/trajcache/internal/metrics"
	"github.com/trajcache/trajcache/internal/patterns"
	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

// Source names recommendations produced here
const Source = "prediction"

// spatial inference is less certain than temporal
const spatialDiscount = 0.8

// Prediction is an expected future access. Predictions are never persisted.
type Prediction struct {
	Key         string                `json:"key"`
	Probability float64               `json:"probability"`
	Confidence  types.ConfidenceLevel `json:"confidence"`
	ExpectedAt  time.Time             `json:"expected_at"`
	PatternID   string                `json:"pattern_id"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Estimator supplies per-key cost estimates for forecasts
type Estimator interface {
	AverageSize(key string) float64
	AverageLatency(key string) time.Duration
}

// Bounds is an expected range derived from forecast history
type Bounds struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Valid bool    `json:"valid"`
}

// Forecast aggregates the expected impact of the tracked predictions
type Forecast struct {
	Timestamp       time.Time     `json:"timestamp"`
	Memory          float64       `json:"memory"`
	CPU             time.Duration `json:"cpu"`
	CacheSize       float64       `json:"cache_size"`
	Predictions     int           `json:"predictions"`
	HighProbability int           `json:"high_probability"`
	MemoryBounds    Bounds        `json:"memory_bounds"`
	CacheSizeBounds Bounds        `json:"cache_size_bounds"`

	hot []Prediction
}

// Config represents prediction engine configuration
type Config struct {
	MinConfidence        float64       `yaml:"min_confidence"`
	PredictionWindow     time.Duration `yaml:"prediction_window"`
	SpatialHorizon       time.Duration `yaml:"spatial_horizon"`
	ValidationTolerance  time.Duration `yaml:"validation_tolerance"`
	MaxPredictions       int           `yaml:"max_predictions"`
	AccuracyWindow       int           `yaml:"accuracy_window"`
	HighProbabilityCount int           `yaml:"high_probability_count"`
	ForecastHistory      int           `yaml:"forecast_history"`

	Clock   func() time.Time        `yaml:"-"`
	Logger  *utils.StructuredLogger `yaml:"-"`
	Metrics *metrics.Collector      `yaml:"-"`
}

// DefaultConfig returns the default prediction configuration
func DefaultConfig() Config {
	return Config{
		MinConfidence:        0.5,
		PredictionWindow:     5 * time.Minute,
		SpatialHorizon:       5 * time.Second,
		ValidationTolerance:  2 * time.Second,
		MaxPredictions:       1000,
		AccuracyWindow:       20,
		HighProbabilityCount: 5,
		ForecastHistory:      100,
	}
}

type trackedKey struct {
	key, patternID string
}

// Engine turns patterns into predictions, forecasts and recommendations
type Engine struct {
	mu        sync.Mutex
	config    Config
	logger    *utils.StructuredLogger
	estimator Estimator

	tracked  map[trackedKey]*Prediction
	accuracy map[string][]float64
	history  []Forecast
}

// NewEngine creates a prediction engine. estimator may be nil, in which case
// forecasts carry no memory or CPU estimate.
func NewEngine(estimator Estimator, config Config) *Engine {
	d := DefaultConfig()
	if config.MinConfidence <= 0 {
		config.MinConfidence = d.MinConfidence
	}
	if config.PredictionWindow <= 0 {
		config.PredictionWindow = d.PredictionWindow
	}
	if config.SpatialHorizon <= 0 {
		config.SpatialHorizon = d.SpatialHorizon
	}
	if config.ValidationTolerance <= 0 {
		config.ValidationTolerance = d.ValidationTolerance
	}
	if config.MaxPredictions <= 0 {
		config.MaxPredictions = d.MaxPredictions
	}
	if config.AccuracyWindow <= 0 {
		config.AccuracyWindow = d.AccuracyWindow
	}
	if config.HighProbabilityCount <= 0 {
		config.HighProbabilityCount = d.HighProbabilityCount
	}
	if config.ForecastHistory < 2 {
		config.ForecastHistory = d.ForecastHistory
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	logger := config.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger("prediction")
	} else {
		logger = logger.WithComponent("prediction")
	}

	return &Engine{
		config:    config,
		logger:    logger,
		estimator: estimator,
		tracked:   make(map[trackedKey]*Prediction),
		accuracy:  make(map[string][]float64),
	}
}

// PredictAccess derives predictions from patterns and tracks them. A prediction
// still pending for the same key and pattern keeps its creation and expected
// time and only has its probability refreshed. The predictions are returned
// highest probability first.
func (e *Engine) PredictAccess(ps []patterns.Pattern) []Prediction {
	now := e.config.Clock()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.expire(now)

	var out []Prediction
	for _, p := range ps {
		if p.Confidence < e.config.MinConfidence {
			continue
		}
		e.expireMissed(p, now)

		probability := p.Strength * e.accuracyOf(p.ID)
		expected := now.Add(p.Interval)
		if p.Kind == patterns.KindSpatial || p.Interval <= 0 {
			probability *= spatialDiscount
			expected = now.Add(e.config.SpatialHorizon)
		}
		if probability < e.config.MinConfidence {
			continue
		}

		for _, key := range p.Keys {
			if pending, ok := e.tracked[trackedKey{key, p.ID}]; ok {
				pending.Probability = probability
				pending.Confidence = confidenceFor(probability)
				out = append(out, *pending)
				continue
			}
			pred := &Prediction{
				Key:         key,
				Probability: probability,
				Confidence:  confidenceFor(probability),
				ExpectedAt:  expected,
				PatternID:   p.ID,
				CreatedAt:   now,
			}
			e.tracked[trackedKey{key, p.ID}] = pred
			out = append(out, *pred)
		}
	}

	if dropped := e.enforceCap(); dropped > 0 {
		e.logger.Debug("Dropped low probability predictions", map[string]interface{}{
			"dropped": dropped,
			"cap":     e.config.MaxPredictions,
		})
	}
	e.config.Metrics.UpdateTrackedPredictions(len(e.tracked))

	sortPredictions(out)
	return out
}

// must be called with e.mu held
func (e *Engine) enforceCap() int {
	over := len(e.tracked) - e.config.MaxPredictions
	if over <= 0 {
		return 0
	}

	all := make([]trackedKey, 0, len(e.tracked))
	for k := range e.tracked {
		all = append(all, k)
	}
	sort.Slice(all, func(i, j int) bool {
		pi, pj := e.tracked[all[i]], e.tracked[all[j]]
		if pi.Probability != pj.Probability {
			return pi.Probability < pj.Probability
		}
		return pi.CreatedAt.Before(pj.CreatedAt)
	})
	for _, k := range all[:over] {
		delete(e.tracked, k)
	}
	return over
}

// expire drops predictions older than the prediction window. A prediction that
// expires unvalidated counts as a miss for its pattern.
// must be called with e.mu held
func (e *Engine) expire(now time.Time) {
	for k, p := range e.tracked {
		if now.Sub(p.CreatedAt) > e.config.PredictionWindow {
			e.recordSample(p.PatternID, 0)
			delete(e.tracked, k)
		}
	}
}

// expireMissed drops the pattern's outstanding predictions whose expected time
// passed beyond the validation tolerance, counting each as a miss.
// must be called with e.mu held
func (e *Engine) expireMissed(p patterns.Pattern, now time.Time) {
	for _, key := range p.Keys {
		k := trackedKey{key, p.ID}
		pending, ok := e.tracked[k]
		if !ok || !now.After(pending.ExpectedAt.Add(e.config.ValidationTolerance)) {
			continue
		}
		e.recordSample(p.ID, 0)
		delete(e.tracked, k)
	}
}

// must be called with e.mu held
func (e *Engine) recordSample(patternID string, sample float64) {
	samples := append(e.accuracy[patternID], sample)
	if over := len(samples) - e.config.AccuracyWindow; over > 0 {
		samples = samples[over:]
	}
	e.accuracy[patternID] = samples
}

// must be called with e.mu held
func (e *Engine) accuracyOf(patternID string) float64 {
	samples := e.accuracy[patternID]
	if len(samples) == 0 {
		return 1
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// ValidatePrediction resolves outstanding predictions for key whose expected
// time is within tolerance of at. It returns how many were resolved.
func (e *Engine) ValidatePrediction(key string, at time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	resolved := 0
	for k, p := range e.tracked {
		if k.key != key {
			continue
		}
		diff := at.Sub(p.ExpectedAt)
		if diff < 0 {
			diff = -diff
		}
		if diff > e.config.ValidationTolerance {
			continue
		}
		e.recordSample(p.PatternID, p.Probability)
		delete(e.tracked, k)
		resolved++
	}

	if resolved > 0 {
		e.config.Metrics.UpdateTrackedPredictions(len(e.tracked))
	}
	return resolved
}

// ObserveAccess implements types.AccessObserver
func (e *Engine) ObserveAccess(key string, _ bool, at time.Time) {
	e.ValidatePrediction(key, at)
}

// Accuracy returns the moving-average accuracy of a pattern, 1 when unknown
func (e *Engine) Accuracy(patternID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accuracyOf(patternID)
}

// Tracked returns the outstanding predictions, highest probability first
func (e *Engine) Tracked() []Prediction {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Prediction, 0, len(e.tracked))
	for _, p := range e.tracked {
		out = append(out, *p)
	}
	sortPredictions(out)
	return out
}

// Forecast aggregates the tracked predictions and appends the result to the
// forecast history. Bounds come from the history before this forecast.
func (e *Engine) Forecast() Forecast {
	now := e.config.Clock()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.expire(now)

	f := Forecast{Timestamp: now, Predictions: len(e.tracked)}
	for _, p := range e.tracked {
		f.CacheSize += p.Probability
		if e.estimator != nil {
			f.Memory += p.Probability * e.estimator.AverageSize(p.Key)
			f.CPU += time.Duration(p.Probability * float64(e.estimator.AverageLatency(p.Key)))
		}
		if p.Probability > 0.8 {
			f.HighProbability++
			f.hot = append(f.hot, *p)
		}
	}
	sortPredictions(f.hot)

	f.MemoryBounds = e.bounds(func(h Forecast) float64 { return h.Memory })
	f.CacheSizeBounds = e.bounds(func(h Forecast) float64 { return h.CacheSize })

	record := f
	record.hot = nil
	e.history = append(e.history, record)
	if over := len(e.history) - e.config.ForecastHistory; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}

	return f
}

// must be called with e.mu held
func (e *Engine) bounds(value func(Forecast) float64) Bounds {
	if len(e.history) < 2 {
		return Bounds{}
	}

	var mean float64
	for _, h := range e.history {
		mean += value(h)
	}
	mean /= float64(len(e.history))

	var variance float64
	for _, h := range e.history {
		d := value(h) - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(e.history)))

	return Bounds{Lower: mean - 2*stddev, Upper: mean + 2*stddev, Valid: true}
}

// Recommendations turns a forecast into recommendations for the Entry Store
func (e *Engine) Recommendations(f Forecast) []types.Recommendation {
	var recs []types.Recommendation

	if f.MemoryBounds.Valid && f.Memory > f.MemoryBounds.Upper {
		excess := f.Memory - f.MemoryBounds.Upper
		priority := 1.0
		if f.MemoryBounds.Upper > 0 {
			priority = math.Min(1, 0.5+excess/f.MemoryBounds.Upper)
		}
		recs = append(recs, types.Recommendation{
			Type:       types.RecommendEvict,
			Priority:   priority,
			Confidence: types.ConfidenceHigh,
			Impact:     types.Impact{Memory: -int64(excess)},
			Reason:     fmt.Sprintf("forecast memory %.0f above bound %.0f", f.Memory, f.MemoryBounds.Upper),
			Source:     Source,
		})
	}

	if f.HighProbability >= e.config.HighProbabilityCount {
		seen := make(map[string]bool, len(f.hot))
		var keys []string
		var sum float64
		var impact types.Impact
		for _, p := range f.hot {
			if seen[p.Key] {
				continue
			}
			seen[p.Key] = true
			keys = append(keys, p.Key)
			sum += p.Probability
			if e.estimator != nil {
				impact.Memory += int64(e.estimator.AverageSize(p.Key))
				impact.Performance += float64(e.estimator.AverageLatency(p.Key)) / float64(time.Millisecond)
			}
		}
		recs = append(recs, types.Recommendation{
			Type:       types.RecommendPreload,
			Keys:       keys,
			Priority:   sum / float64(len(keys)),
			Confidence: types.ConfidenceMedium,
			Impact:     impact,
			Reason:     fmt.Sprintf("%d high probability predictions", f.HighProbability),
			Source:     Source,
		})
	}

	if f.CacheSizeBounds.Valid && f.CacheSize < f.CacheSizeBounds.Lower {
		shortfall := (f.CacheSizeBounds.Lower - f.CacheSize) / f.CacheSizeBounds.Lower
		recs = append(recs, types.Recommendation{
			Type:       types.RecommendResize,
			Priority:   math.Min(1, shortfall),
			Confidence: types.ConfidenceLow,
			Scale:      1 + math.Min(0.5, shortfall),
			Reason:     fmt.Sprintf("forecast cache size %.1f below bound %.1f", f.CacheSize, f.CacheSizeBounds.Lower),
			Source:     Source,
		})
	}

	for _, r := range recs {
		e.config.Metrics.RecordRecommendation(string(r.Type))
	}
	return recs
}

func confidenceFor(p float64) types.ConfidenceLevel {
	switch {
	case p >= 0.8:
		return types.ConfidenceHigh
	case p >= 0.5:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}

func sortPredictions(ps []Prediction) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Probability != ps[j].Probability {
			return ps[i].Probability > ps[j].Probability
		}
		if ps[i].Key != ps[j].Key {
			return ps[i].Key < ps[j].Key
		}
		return ps[i].PatternID < ps[j].PatternID
	})
}
