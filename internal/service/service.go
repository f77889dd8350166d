package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trajcache/trajcache/internal/analytics"
	"github.com/trajcache/trajcache/internal/cache"
	"github.com/trajcache/trajcache/internal/circuit"
	"github.com/trajcache/trajcache/internal/config"
	"github.com/trajcache/trajcache/internal/integrity"
	"github.com/trajcache/trajcache/internal/metrics"
	"github.com/trajcache/trajcache/internal/migration"
	"github.com/trajcache/trajcache/internal/patterns"
	"github.com/trajcache/trajcache/internal/prediction"
	"github.com/trajcache/trajcache/internal/scheduler"
	"github.com/trajcache/trajcache/internal/storage"
	"github.com/trajcache/trajcache/internal/versions"
	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/health"
	"github.com/trajcache/trajcache/pkg/memmon"
	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

// Job names registered with the scheduler
const (
	JobAnalysis   = "analysis"
	JobCompaction = "compaction"
	JobIntegrity  = "integrity"
	JobHealth     = "health"
)

// Components tracked for health
const (
	HealthStorage    = "storage"
	HealthDurability = "durability"
	HealthIntegrity  = "integrity"
	HealthAnalysis   = "analysis"
)

// Options are the collaborators that do not come from configuration
type Options struct {
	// Computer produces values on a miss; without it GetOrCompute fails
	Computer types.Computer

	// Backend replaces the configured storage backend
	Backend types.Backend

	// Registry holds schema transformers for migrations
	Registry *migration.Registry

	Clock  func() time.Time
	Logger *utils.StructuredLogger
}

// AnalysisResult summarizes one pass of the analysis pipeline
type AnalysisResult struct {
	Events          int                    `json:"events"`
	Detected        int                    `json:"detected"`
	Updated         int                    `json:"updated"`
	Decaying        int                    `json:"decaying"`
	Expired         int                    `json:"expired"`
	Predictions     int                    `json:"predictions"`
	Forecast        prediction.Forecast    `json:"forecast"`
	Recommendations []types.Recommendation `json:"recommendations,omitempty"`
	Applied         cache.ApplyResult      `json:"applied"`
	Duration        time.Duration          `json:"duration"`
}

// VerifyResult is an integrity report plus what was repaired
type VerifyResult struct {
	Report       types.IntegrityReport `json:"report"`
	Repaired     []string              `json:"repaired,omitempty"`
	RepairErrors map[string]string     `json:"repair_errors,omitempty"`
}

// MigrationResult carries the plan and, unless it was a dry run, its outcome
type MigrationResult struct {
	Plan   *migration.Plan   `json:"plan"`
	Result *migration.Result `json:"result,omitempty"`
}

// Stats is a point-in-time view of every tier
type Stats struct {
	Cache       types.CacheStats       `json:"cache"`
	WriteBehind cache.WriteBehindStats `json:"write_behind"`
	Storage     storage.Stats          `json:"storage"`
	Analytics   analytics.Summary      `json:"analytics"`
	Patterns    int                    `json:"patterns"`
	Predictions int                    `json:"predictions"`
	Jobs        []scheduler.JobStatus  `json:"jobs,omitempty"`
	Integrity   *types.IntegrityReport `json:"integrity,omitempty"`
	Health      health.Report          `json:"health"`
}

// Service owns one instance of every component and the background pipeline
type Service struct {
	components config.Components
	logger     *utils.StructuredLogger

	metrics    *metrics.Collector
	store      *storage.Store
	versions   *versions.Store
	analytics  *analytics.Analytics
	cache      *cache.Manager
	patterns   *patterns.Detector
	prediction *prediction.Engine
	verifier   *integrity.Verifier
	migration  *migration.Engine
	memory     *memmon.MemoryMonitor
	scheduler  *scheduler.Scheduler
	health     *health.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	verifyMu  sync.Mutex
	repairing atomic.Bool
	repairMu  sync.Mutex
	repaired  []string
	repairErr map[string]string

	running   int32
	closeOnce sync.Once
	closeErr  error
}

// New constructs every component from c. ctx bounds backend setup only.
func New(ctx context.Context, c *config.Components, opts Options) (*Service, error) {
	if c == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "components are required").
			WithComponent("service")
	}
	comps := *c

	logger := opts.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger("service")
	}

	collector, err := metrics.NewCollector(comps.Metrics)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to create metrics collector").
			WithComponent("service").
			WithCause(err)
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = newBackend(ctx, &comps)
		if err != nil {
			return nil, err
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	comps.Storage.Clock, comps.Storage.Logger, comps.Storage.Metrics = clock, logger, collector
	store, err := storage.NewStore(ctx, backend, comps.Storage)
	if err != nil {
		return nil, err
	}

	s := &Service{
		logger:    logger.WithComponent("service"),
		metrics:   collector,
		store:     store,
		repairErr: make(map[string]string),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	comps.Versions.Clock, comps.Versions.Logger, comps.Versions.Metrics = clock, logger, collector
	s.versions = versions.NewStore(store, comps.Versions)

	comps.Analytics.Clock, comps.Analytics.Logger = clock, logger
	s.analytics = analytics.New(comps.Analytics)

	comps.Cache.Clock, comps.Cache.Logger, comps.Cache.Metrics = clock, logger, collector
	s.cache, err = cache.NewManager(comps.Cache, cache.Dependencies{
		Computer:  opts.Computer,
		Persister: s.versions,
		Recorder:  s.analytics,
	})
	if err != nil {
		s.cancel()
		_ = store.Close()
		return nil, err
	}

	comps.Patterns.Clock, comps.Patterns.Logger, comps.Patterns.Metrics = clock, logger, collector
	s.patterns = patterns.NewDetector(s.analytics, comps.Patterns)

	comps.Prediction.Clock, comps.Prediction.Logger, comps.Prediction.Metrics = clock, logger, collector
	s.prediction = prediction.NewEngine(s.analytics, comps.Prediction)
	s.cache.AddObserver(s.prediction)

	s.verifier = integrity.NewVerifier(store, integrity.Config{
		Clock:   clock,
		Logger:  logger,
		Metrics: collector,
		Repair:  s.repairRecord,
	})

	comps.Migration.Clock, comps.Migration.Logger, comps.Migration.Metrics = clock, logger, collector
	s.migration = migration.NewEngine(s.versions, s.verifier, opts.Registry, comps.Migration)

	comps.Memory.Usage = s.cache.Usage
	comps.Memory.OnSample = s.analytics.RecordMemoryUsage
	comps.Memory.Clock, comps.Memory.Logger = clock, logger
	s.memory = memmon.NewMemoryMonitor(comps.Memory)

	comps.Health.Clock = clock
	s.health = health.NewTracker(comps.Health)
	for _, name := range []string{HealthStorage, HealthDurability, HealthIntegrity, HealthAnalysis} {
		s.health.RegisterComponent(name)
	}
	s.health.AddStateChangeCallback(func(component string, from, to health.HealthState, err error) {
		fields := map[string]interface{}{"component": component, "from": from.String(), "to": to.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		s.logger.Warn("Component health changed", fields)
	})
	collector.SetHealthFunc(func() (bool, interface{}) {
		report := s.health.Report()
		return report.State != health.StateUnavailable, report
	})

	comps.Scheduler.Clock, comps.Scheduler.Logger = clock, logger
	s.scheduler = scheduler.New(comps.Scheduler)
	if err := s.registerJobs(comps.Schedule); err != nil {
		s.cancel()
		_ = s.cache.Close()
		_ = store.Close()
		return nil, err
	}

	s.components = comps
	return s, nil
}

func newBackend(ctx context.Context, c *config.Components) (types.Backend, error) {
	switch c.Backend {
	case config.BackendMemory:
		return storage.NewMemoryBackend(), nil
	case config.BackendS3:
		s3 := c.S3
		return storage.NewS3Backend(ctx, &s3, nil)
	case config.BackendFilesystem, "":
		return storage.NewOSBackend(c.Directory)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown storage backend %q", c.Backend).
			WithComponent("service")
	}
}

func (s *Service) registerJobs(schedule config.ScheduleConfig) error {
	jobs := []struct {
		name, spec string
		fn         scheduler.JobFunc
	}{
		{JobAnalysis, schedule.Analysis, func(ctx context.Context) error {
			_, err := s.RunAnalysis(ctx)
			s.health.Record(HealthAnalysis, err)
			return err
		}},
		{JobCompaction, schedule.Compaction, func(ctx context.Context) error {
			_, _, err := s.store.CompactIfNeeded(ctx)
			s.health.Record(HealthStorage, err)
			return err
		}},
		{JobIntegrity, schedule.Integrity, func(ctx context.Context) error {
			res, err := s.Verify(ctx, schedule.RepairOnSweep)
			if err == nil && res.Report.Error != "" {
				err = errors.NewError(errors.ErrCodeInternalError, res.Report.Error).
					WithComponent("integrity").
					WithOperation("sweep")
			}
			s.health.Record(HealthIntegrity, err)
			return err
		}},
		{JobHealth, schedule.Health, func(ctx context.Context) error {
			s.CheckHealth(ctx)
			return nil
		}},
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if err := s.scheduler.AddJob(job.name, job.spec, job.fn); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the metrics endpoint, cache cleanup, memory sampling and scheduled jobs
func (s *Service) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyInProgress, "service already running").
			WithComponent("service").
			WithOperation("start")
	}

	if err := s.metrics.Start(ctx); err != nil {
		return err
	}
	if err := s.cache.Start(ctx); err != nil {
		return err
	}
	if err := s.memory.Start(ctx); err != nil {
		return err
	}
	if err := s.scheduler.Start(); err != nil {
		return err
	}

	s.logger.Info("Service started", map[string]interface{}{
		"backend": s.components.Backend,
		"max":     utils.FormatBytes(s.cache.MaxSize()),
		"jobs":    len(s.scheduler.Status()),
	})
	return nil
}

// Close stops background work, flushes pending writes and releases the store.
// It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.scheduler.Stop()
		_ = s.memory.Stop()
		_ = s.cache.Close()
		s.cancel()

		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metrics.Stop(stopCtx); err != nil {
			s.logger.Warn("Failed to stop metrics server", map[string]interface{}{"error": err.Error()})
		}

		s.closeErr = s.store.Close()
		s.logger.Info("Service stopped")
	})
	return s.closeErr
}

// GetOrCompute returns the cached value for input, computing it on a miss
func (s *Service) GetOrCompute(ctx context.Context, input interface{}) ([]byte, error) {
	return s.cache.GetOrCompute(ctx, input)
}

// RunAnalysis runs one pass of the tuning pipeline: pattern detection, prediction,
// forecasting, and applying the merged recommendations to the Entry Store.
func (s *Service) RunAnalysis(ctx context.Context) (AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return AnalysisResult{}, err
	}
	start := time.Now()

	tick := s.patterns.Tick()
	predictions := s.prediction.PredictAccess(s.patterns.Patterns())
	forecast := s.prediction.Forecast()

	recs := append(s.analytics.GetRecommendations(), s.prediction.Recommendations(forecast)...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority > recs[j].Priority })
	applied := s.cache.ApplyRecommendations(recs)

	result := AnalysisResult{
		Events:          tick.Events,
		Detected:        len(tick.Detected),
		Updated:         len(tick.Updated),
		Decaying:        len(tick.Decaying),
		Expired:         len(tick.Expired),
		Predictions:     len(predictions),
		Forecast:        forecast,
		Recommendations: recs,
		Applied:         applied,
		Duration:        time.Since(start),
	}

	s.logger.Debug("Analysis pass finished", map[string]interface{}{
		"events":          result.Events,
		"patterns":        s.patterns.Len(),
		"predictions":     result.Predictions,
		"recommendations": len(recs),
		"evicted":         applied.Evicted,
		"preloads":        applied.Preloads,
	})
	return result, nil
}

// Verify sweeps the persistent store. With repair, corrupt and invalid records are
// restored from their latest version and half-written records are cleaned up.
func (s *Service) Verify(ctx context.Context, repair bool) (VerifyResult, error) {
	s.verifyMu.Lock()
	defer s.verifyMu.Unlock()

	s.repairMu.Lock()
	s.repaired = nil
	s.repairErr = make(map[string]string)
	s.repairMu.Unlock()

	s.repairing.Store(repair)
	report := s.verifier.PerformIntegrityCheck(ctx)
	s.repairing.Store(false)

	if repair {
		for _, issue := range report.Issues {
			if err := ctx.Err(); err != nil {
				return VerifyResult{}, err
			}
			switch issue.Kind {
			case integrity.IssueInconsistent:
				inc := types.Inconsistency{Key: issue.Key, Kind: types.InconsistencyKind(issue.Detail)}
				s.noteRepair(issue.Key, s.store.RepairInconsistency(ctx, inc))
			case integrity.IssueInvalid:
				s.noteRepair(issue.Key, s.restore(ctx, issue.Key))
			}
		}
	}

	s.repairMu.Lock()
	defer s.repairMu.Unlock()
	result := VerifyResult{Report: report, Repaired: s.repaired}
	if len(s.repairErr) > 0 {
		result.RepairErrors = s.repairErr
	}
	if len(result.Repaired) > 0 || len(result.RepairErrors) > 0 {
		s.logger.Info("Integrity repair finished", map[string]interface{}{
			"repaired": len(result.Repaired),
			"failed":   len(result.RepairErrors),
		})
	}
	return result, nil
}

// repairRecord is the verifier's repair hook; it only acts during a repairing sweep
func (s *Service) repairRecord(key string) error {
	if !s.repairing.Load() {
		return nil
	}
	err := s.restore(s.ctx, key)
	s.noteRepair(key, err)
	return err
}

func (s *Service) restore(ctx context.Context, key string) error {
	if _, err := s.versions.RevertToVersion(ctx, key, 0); err != nil {
		return err
	}
	s.cache.Delete(key)
	return nil
}

func (s *Service) noteRepair(key string, err error) {
	s.repairMu.Lock()
	defer s.repairMu.Unlock()
	if err != nil {
		s.repairErr[key] = err.Error()
		return
	}
	s.repaired = append(s.repaired, key)
}

// CheckHealth probes the storage backend and the durability breaker and
// returns the resulting health report
func (s *Service) CheckHealth(ctx context.Context) health.Report {
	s.health.Check(ctx, map[string]health.CheckFunc{
		HealthStorage: s.store.Backend().HealthCheck,
		HealthDurability: func(context.Context) error {
			wb := s.cache.WriteBehindStats()
			if wb.Breaker == circuit.StateOpen.String() {
				return errors.NewError(errors.ErrCodeCircuitOpen, "durability writes are suspended").
					WithComponent("service").
					WithDetail("pending", wb.Pending)
			}
			return nil
		},
	})
	return s.health.Report()
}

// Compact removes expired records from the persistent store
func (s *Service) Compact(ctx context.Context) (storage.CompactionResult, error) {
	return s.store.Compact(ctx)
}

// Migrate moves every live record from schema from to schema to. A dry run only plans.
func (s *Service) Migrate(ctx context.Context, from, to int, dryRun bool) (MigrationResult, error) {
	if err := s.cache.Flush(ctx); err != nil {
		s.logger.Warn("Pending writes not flushed before migration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	plan, err := s.migration.CreatePlan(ctx, from, to)
	if err != nil {
		return MigrationResult{}, err
	}
	if dryRun {
		return MigrationResult{Plan: plan}, nil
	}

	result, err := s.migration.Execute(ctx, plan)
	if result != nil && result.MigratedItems > 0 {
		// cached values still carry the old encoding
		s.cache.Clear()
	}
	return MigrationResult{Plan: plan, Result: result}, err
}

// ListVersions returns key's version history, oldest first
func (s *Service) ListVersions(ctx context.Context, key string) ([]types.VersionInfo, error) {
	return s.versions.ListVersions(ctx, key)
}

// GetVersion returns version of key; 0 means the latest
func (s *Service) GetVersion(ctx context.Context, key string, version int) ([]byte, types.VersionInfo, error) {
	return s.versions.GetVersion(ctx, key, version)
}

// RevertVersion makes a historical version the live record of key
func (s *Service) RevertVersion(ctx context.Context, key string, version int) (types.VersionInfo, error) {
	info, err := s.versions.RevertToVersion(ctx, key, version)
	if err != nil {
		return info, err
	}
	s.cache.Delete(key)
	return info, nil
}

// Stats collects statistics from every tier
func (s *Service) Stats() Stats {
	stats := Stats{
		Cache:       s.cache.Stats(),
		WriteBehind: s.cache.WriteBehindStats(),
		Storage:     s.store.Stats(),
		Analytics:   s.analytics.Summary(),
		Patterns:    s.patterns.Len(),
		Predictions: len(s.prediction.Tracked()),
		Jobs:        s.scheduler.Status(),
		Health:      s.health.Report(),
	}
	if report, ok := s.verifier.LastReport(); ok {
		stats.Integrity = &report
	}
	return stats
}

// Cache returns the Entry Store
func (s *Service) Cache() *cache.Manager {
	return s.cache
}

// Scheduler returns the background job scheduler
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Metrics returns the metrics collector
func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}
