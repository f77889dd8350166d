package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/trajcache/trajcache/internal/analytics"
	"github.com/trajcache/trajcache/internal/cache"
	"github.com/trajcache/trajcache/internal/circuit"
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
	"github.com/trajcache/trajcache/pkg/utils"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TRAJCACHE_"

// Storage backends
const (
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
	BackendS3         = "s3"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Patterns   PatternsConfig   `yaml:"patterns"`
	Prediction PredictionConfig `yaml:"prediction"`
	Storage    StorageConfig    `yaml:"storage"`
	Versions   VersionsConfig   `yaml:"versions"`
	Migration  MigrationConfig  `yaml:"migration"`
	Memory     MemoryConfig     `yaml:"memory"`
	Health     HealthConfig     `yaml:"health"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPort    int    `yaml:"metrics_port"`

	// ComponentLevels overrides LogLevel per component, e.g. {scheduler: WARN}
	ComponentLevels map[string]string `yaml:"component_levels,omitempty"`
}

// CacheConfig represents Entry Store settings. Sizes accept "256MB" style values.
type CacheConfig struct {
	MaxMemoryBytes        string        `yaml:"max_memory_bytes"`
	MaxEntryAge           time.Duration `yaml:"max_entry_age"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval"`
	FrequencyWindow       time.Duration `yaml:"frequency_window"`
	MaxEntryFraction      float64       `yaml:"max_entry_fraction"`
	PressureTargetRatio   float64       `yaml:"pressure_target_ratio"`
	AutoResize            bool          `yaml:"auto_resize"`
	MinMemoryBytes        string        `yaml:"min_memory_bytes"`
	MaxMemoryBytesCeiling string        `yaml:"max_memory_bytes_ceiling"`
	PreloadConcurrency    int           `yaml:"preload_concurrency"`
	KeyPrefix             string        `yaml:"key_prefix"`
	KeyPrecision          int           `yaml:"key_precision"`
	WriteBehind           WriteBehind   `yaml:"write_behind"`
}

// WriteBehind represents durability queue settings
type WriteBehind struct {
	MaxPending    int            `yaml:"max_pending"`
	FlushInterval time.Duration  `yaml:"flush_interval"`
	Breaker       circuit.Config `yaml:"breaker"`
}

// AnalyticsConfig represents Access Analytics settings
type AnalyticsConfig struct {
	MaxEvents         int           `yaml:"max_events"`
	MaxSnapshots      int           `yaml:"max_snapshots"`
	PressureThreshold float64       `yaml:"pressure_threshold"`
	HotHitRate        float64       `yaml:"hot_hit_rate"`
	ColdHitRate       float64       `yaml:"cold_hit_rate"`
	ColdAge           time.Duration `yaml:"cold_age"`
	GrowthThreshold   float64       `yaml:"growth_threshold"`
}

// PatternsConfig represents Pattern Detector settings
type PatternsConfig struct {
	TemporalWindow       time.Duration `yaml:"temporal_window"`
	SpatialWindowSize    int           `yaml:"spatial_window_size"`
	MinPatternConfidence float64       `yaml:"min_pattern_confidence"`
	MinPatternStrength   float64       `yaml:"min_pattern_strength"`
	PatternDecayFactor   float64       `yaml:"pattern_decay_factor"`
}

// PredictionConfig represents Prediction Engine settings
type PredictionConfig struct {
	PredictionWindow        time.Duration `yaml:"prediction_window"`
	MinPredictionConfidence float64       `yaml:"min_prediction_confidence"`
	MaxPredictions          int           `yaml:"max_predictions"`
}

// StorageConfig represents Persistent Store settings
type StorageConfig struct {
	Backend                  string           `yaml:"backend"`
	Directory                string           `yaml:"directory"`
	MaxDiskBytes             string           `yaml:"max_disk_bytes"`
	CompactionThresholdRatio float64          `yaml:"compaction_threshold_ratio"`
	Compression              string           `yaml:"compression"`
	CompressionLevel         string           `yaml:"compression_level"`
	S3                       storage.S3Config `yaml:"s3"`
}

// VersionsConfig represents Version Store settings
type VersionsConfig struct {
	EnableDiffs            bool          `yaml:"enable_diffs"`
	SnapshotInterval       int           `yaml:"snapshot_interval"`
	MaxVersionsPerKey      int           `yaml:"max_versions_per_key"`
	VersionRetentionPeriod time.Duration `yaml:"version_retention_period"`
	Schema                 int           `yaml:"schema"`
}

// MigrationConfig represents Migration Engine settings
type MigrationConfig struct {
	MigrationBatchSize     int           `yaml:"migration_batch_size"`
	MigrationConcurrency   int           `yaml:"migration_concurrency"`
	MigrationRetryAttempts int           `yaml:"migration_retry_attempts"`
	RetryBackoff           time.Duration `yaml:"retry_backoff"`
	KeepBackups            bool          `yaml:"keep_backups"`
}

// MemoryConfig represents memory sampler settings
type MemoryConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	MaxSamples     int           `yaml:"max_samples"`
}

// HealthConfig represents component health tracking settings
type HealthConfig struct {
	ErrorThreshold       int `yaml:"error_threshold"`
	UnavailableThreshold int `yaml:"unavailable_threshold"`
	RecoveryThreshold    int `yaml:"recovery_threshold"`
}

// ScheduleConfig holds the schedules of background jobs. Each accepts a cron
// expression, a descriptor such as "@hourly", or a Go duration. Empty disables the job.
type ScheduleConfig struct {
	Analysis   string `yaml:"analysis"`
	Compaction string `yaml:"compaction"`
	Integrity  string `yaml:"integrity"`
	Health     string `yaml:"health"`

	// RepairOnSweep lets scheduled integrity sweeps restore damaged records
	RepairOnSweep bool `yaml:"repair_on_sweep"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	breaker := circuit.DefaultConfig()
	s3 := storage.NewDefaultS3Config()

	return &Configuration{
		Global: GlobalConfig{
			LogLevel:       "INFO",
			LogFormat:      "text",
			MetricsEnabled: true,
			MetricsPort:    9464,
		},
		Cache: CacheConfig{
			MaxMemoryBytes:      "256MB",
			MaxEntryAge:         time.Hour,
			CleanupInterval:     time.Minute,
			FrequencyWindow:     time.Minute,
			MaxEntryFraction:    0.5,
			PressureTargetRatio: 0.8,
			PreloadConcurrency:  4,
			KeyPrefix:           "traj",
			KeyPrecision:        6,
			WriteBehind: WriteBehind{
				MaxPending:    1024,
				FlushInterval: 5 * time.Second,
				Breaker:       breaker,
			},
		},
		Analytics: AnalyticsConfig{
			MaxEvents:         10000,
			MaxSnapshots:      1000,
			PressureThreshold: 0.8,
			HotHitRate:        0.8,
			ColdHitRate:       0.2,
			ColdAge:           time.Hour,
			GrowthThreshold:   0.1,
		},
		Patterns: PatternsConfig{
			TemporalWindow:       time.Minute,
			SpatialWindowSize:    100,
			MinPatternConfidence: 0.5,
			MinPatternStrength:   0.5,
			PatternDecayFactor:   0.95,
		},
		Prediction: PredictionConfig{
			PredictionWindow:        5 * time.Minute,
			MinPredictionConfidence: 0.5,
			MaxPredictions:          1000,
		},
		Storage: StorageConfig{
			Backend:                  BackendFilesystem,
			Directory:                "/var/lib/trajcache",
			MaxDiskBytes:             "1GB",
			CompactionThresholdRatio: 0.8,
			Compression:              "zstd",
			CompressionLevel:         "default",
			S3:                       *s3,
		},
		Versions: VersionsConfig{
			EnableDiffs:            true,
			SnapshotInterval:       10,
			MaxVersionsPerKey:      10,
			VersionRetentionPeriod: 7 * 24 * time.Hour,
			Schema:                 1,
		},
		Migration: MigrationConfig{
			MigrationBatchSize:     100,
			MigrationConcurrency:   4,
			MigrationRetryAttempts: 3,
			RetryBackoff:           10 * time.Millisecond,
		},
		Memory: MemoryConfig{
			SampleInterval: 30 * time.Second,
			MaxSamples:     100,
		},
		Health: HealthConfig{
			ErrorThreshold:       3,
			UnavailableThreshold: 10,
			RecoveryThreshold:    2,
		},
		Schedule: ScheduleConfig{
			Analysis:      "30s",
			Compaction:    "@every 10m",
			Integrity:     "@hourly",
			Health:        "15s",
			RepairOnSweep: true,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").
			WithDetail("file", filename).
			WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").
			WithDetail("file", filename).
			WithCause(err)
	}

	return nil
}

// LoadFromEnv applies TRAJCACHE_* environment overrides. A malformed value is an error.
func (c *Configuration) LoadFromEnv() error {
	e := envLoader{}

	// Global settings
	e.str("LOG_LEVEL", &c.Global.LogLevel)
	e.str("LOG_FORMAT", &c.Global.LogFormat)
	e.boolean("METRICS_ENABLED", &c.Global.MetricsEnabled)
	e.integer("METRICS_PORT", &c.Global.MetricsPort)

	// Entry Store
	e.str("MAX_MEMORY_BYTES", &c.Cache.MaxMemoryBytes)
	e.duration("MAX_ENTRY_AGE", &c.Cache.MaxEntryAge)
	e.duration("CLEANUP_INTERVAL", &c.Cache.CleanupInterval)
	e.boolean("AUTO_RESIZE", &c.Cache.AutoResize)
	e.integer("KEY_PRECISION", &c.Cache.KeyPrecision)

	// Patterns and prediction
	e.duration("TEMPORAL_WINDOW", &c.Patterns.TemporalWindow)
	e.integer("SPATIAL_WINDOW_SIZE", &c.Patterns.SpatialWindowSize)
	e.float("MIN_PATTERN_CONFIDENCE", &c.Patterns.MinPatternConfidence)
	e.float("MIN_PATTERN_STRENGTH", &c.Patterns.MinPatternStrength)
	e.float("PATTERN_DECAY_FACTOR", &c.Patterns.PatternDecayFactor)
	e.duration("PREDICTION_WINDOW", &c.Prediction.PredictionWindow)
	e.float("MIN_PREDICTION_CONFIDENCE", &c.Prediction.MinPredictionConfidence)

	// Storage
	e.str("STORAGE_BACKEND", &c.Storage.Backend)
	e.str("STORAGE_DIRECTORY", &c.Storage.Directory)
	e.str("MAX_DISK_BYTES", &c.Storage.MaxDiskBytes)
	e.float("COMPACTION_THRESHOLD_RATIO", &c.Storage.CompactionThresholdRatio)
	e.str("COMPRESSION", &c.Storage.Compression)
	e.str("S3_BUCKET", &c.Storage.S3.Bucket)
	e.str("S3_PREFIX", &c.Storage.S3.Prefix)
	e.str("S3_REGION", &c.Storage.S3.Region)
	e.str("S3_ENDPOINT", &c.Storage.S3.Endpoint)

	// Versions and migration
	e.integer("MAX_VERSIONS_PER_KEY", &c.Versions.MaxVersionsPerKey)
	e.duration("VERSION_RETENTION_PERIOD", &c.Versions.VersionRetentionPeriod)
	e.integer("MIGRATION_BATCH_SIZE", &c.Migration.MigrationBatchSize)
	e.integer("MIGRATION_CONCURRENCY", &c.Migration.MigrationConcurrency)
	e.integer("MIGRATION_RETRY_ATTEMPTS", &c.Migration.MigrationRetryAttempts)

	if len(e.errs) > 0 {
		return errors.NewError(errors.ErrCodeConfigLoad, "invalid environment overrides").
			WithComponent("config").
			WithDetail("errors", strings.Join(e.errs, "; "))
	}
	return nil
}

type envLoader struct {
	errs []string
}

func (e *envLoader) lookup(name string) (string, bool) {
	val := os.Getenv(EnvPrefix + name)
	return val, val != ""
}

func (e *envLoader) fail(name, val string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, name, val, err))
}

func (e *envLoader) str(name string, dst *string) {
	if val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envLoader) integer(name string, dst *int) {
	if val, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (e *envLoader) float(name string, dst *float64) {
	if val, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = f
	}
}

func (e *envLoader) duration(name string, dst *time.Duration) {
	if val, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = d
	}
}

func (e *envLoader) boolean(name string, dst *bool) {
	if val, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = b
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to marshal config").
			WithComponent("config").
			WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to create config directory").
			WithComponent("config").
			WithCause(err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to write config file").
			WithComponent("config").
			WithCause(err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("global.log_level", err.Error())
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("global.log_format", err.Error())
	}
	for component, level := range c.Global.ComponentLevels {
		if _, err := utils.ParseLogLevel(level); err != nil {
			return invalid("global.component_levels."+component, err.Error())
		}
	}
	if c.Global.MetricsEnabled && (c.Global.MetricsPort <= 0 || c.Global.MetricsPort > 65535) {
		return invalid("global.metrics_port", "must be between 1 and 65535")
	}

	maxMemory, err := parseSize("cache.max_memory_bytes", c.Cache.MaxMemoryBytes)
	if err != nil {
		return err
	}
	if maxMemory <= 0 {
		return invalid("cache.max_memory_bytes", "must be greater than 0")
	}
	if c.Cache.MaxEntryAge <= 0 {
		return invalid("cache.max_entry_age", "must be greater than 0")
	}
	if c.Cache.CleanupInterval <= 0 {
		return invalid("cache.cleanup_interval", "must be greater than 0")
	}
	if c.Cache.MaxEntryFraction <= 0 || c.Cache.MaxEntryFraction > 1 {
		return invalid("cache.max_entry_fraction", "must be in (0, 1]")
	}
	if c.Cache.PressureTargetRatio <= 0 || c.Cache.PressureTargetRatio > 1 {
		return invalid("cache.pressure_target_ratio", "must be in (0, 1]")
	}
	if c.Cache.KeyPrecision < 0 {
		return invalid("cache.key_precision", "must not be negative")
	}
	if c.Cache.AutoResize {
		lower, err := parseSize("cache.min_memory_bytes", c.Cache.MinMemoryBytes)
		if err != nil {
			return err
		}
		upper, err := parseSize("cache.max_memory_bytes_ceiling", c.Cache.MaxMemoryBytesCeiling)
		if err != nil {
			return err
		}
		if lower > 0 && upper > 0 && lower > upper {
			return invalid("cache.min_memory_bytes", "exceeds max_memory_bytes_ceiling")
		}
	}

	if err := unitInterval("patterns.min_pattern_confidence", c.Patterns.MinPatternConfidence); err != nil {
		return err
	}
	if err := unitInterval("patterns.min_pattern_strength", c.Patterns.MinPatternStrength); err != nil {
		return err
	}
	if c.Patterns.PatternDecayFactor <= 0 || c.Patterns.PatternDecayFactor >= 1 {
		return invalid("patterns.pattern_decay_factor", "must be in (0, 1)")
	}
	if c.Patterns.TemporalWindow <= 0 {
		return invalid("patterns.temporal_window", "must be greater than 0")
	}
	if c.Patterns.SpatialWindowSize < 2 {
		return invalid("patterns.spatial_window_size", "must be at least 2")
	}
	if err := unitInterval("prediction.min_prediction_confidence", c.Prediction.MinPredictionConfidence); err != nil {
		return err
	}
	if c.Prediction.PredictionWindow <= 0 {
		return invalid("prediction.prediction_window", "must be greater than 0")
	}

	switch c.Storage.Backend {
	case BackendFilesystem:
		if c.Storage.Directory == "" {
			return invalid("storage.directory", "required for the filesystem backend")
		}
	case BackendMemory:
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return invalid("storage.s3.bucket", "required for the s3 backend")
		}
	default:
		return invalid("storage.backend", fmt.Sprintf("unknown backend %q (must be one of: %s, %s, %s)",
			c.Storage.Backend, BackendFilesystem, BackendMemory, BackendS3))
	}
	maxDisk, err := parseSize("storage.max_disk_bytes", c.Storage.MaxDiskBytes)
	if err != nil {
		return err
	}
	if maxDisk <= 0 {
		return invalid("storage.max_disk_bytes", "must be greater than 0")
	}
	if c.Storage.CompactionThresholdRatio <= 0 || c.Storage.CompactionThresholdRatio > 1 {
		return invalid("storage.compaction_threshold_ratio", "must be in (0, 1]")
	}
	switch strings.ToLower(c.Storage.Compression) {
	case "", "none", "zstd":
	default:
		return invalid("storage.compression", fmt.Sprintf("unknown compression %q", c.Storage.Compression))
	}

	if c.Versions.MaxVersionsPerKey <= 0 {
		return invalid("versions.max_versions_per_key", "must be greater than 0")
	}
	if c.Versions.VersionRetentionPeriod < 0 {
		return invalid("versions.version_retention_period", "must not be negative")
	}
	if c.Migration.MigrationBatchSize <= 0 {
		return invalid("migration.migration_batch_size", "must be greater than 0")
	}
	if c.Migration.MigrationConcurrency <= 0 {
		return invalid("migration.migration_concurrency", "must be greater than 0")
	}
	if c.Migration.MigrationRetryAttempts < 0 {
		return invalid("migration.migration_retry_attempts", "must not be negative")
	}
	if c.Health.ErrorThreshold <= 0 {
		return invalid("health.error_threshold", "must be greater than 0")
	}
	if c.Health.UnavailableThreshold < c.Health.ErrorThreshold {
		return invalid("health.unavailable_threshold", "must not be below health.error_threshold")
	}

	return nil
}

func invalid(field, reason string) error {
	return errors.Newf(errors.ErrCodeInvalidConfig, "invalid %s: %s", field, reason).
		WithComponent("config").
		WithDetail("field", field)
}

func unitInterval(field string, v float64) error {
	if v < 0 || v > 1 {
		return invalid(field, "must be in [0, 1]")
	}
	return nil
}

// parseSize accepts "" as zero
func parseSize(field, s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := utils.ParseBytes(s)
	if err != nil {
		return 0, invalid(field, err.Error())
	}
	return n, nil
}

// Components holds the configuration of every component, derived once from a
// validated Configuration. Loggers, clocks and metrics are wired by the caller.
type Components struct {
	Cache      cache.Config
	Analytics  analytics.Config
	Patterns   patterns.Config
	Prediction prediction.Config
	Storage    storage.Config
	Backend    string
	Directory  string
	S3         storage.S3Config
	Versions   versions.Config
	Migration  migration.Config
	Memory     memmon.MonitorConfig
	Health     health.TrackerConfig
	Metrics    *metrics.Config
	Scheduler  scheduler.Config
	Schedule   ScheduleConfig
}

// Derive validates the configuration and derives per-component configuration
func (c *Configuration) Derive() (*Components, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	maxMemory, _ := parseSize("cache.max_memory_bytes", c.Cache.MaxMemoryBytes)
	minMemory, _ := parseSize("cache.min_memory_bytes", c.Cache.MinMemoryBytes)
	ceiling, _ := parseSize("cache.max_memory_bytes_ceiling", c.Cache.MaxMemoryBytesCeiling)
	maxDisk, _ := parseSize("storage.max_disk_bytes", c.Storage.MaxDiskBytes)

	cacheConfig := cache.DefaultConfig()
	cacheConfig.MaxMemoryBytes = maxMemory
	cacheConfig.MaxEntryAge = c.Cache.MaxEntryAge
	cacheConfig.CleanupInterval = c.Cache.CleanupInterval
	cacheConfig.FrequencyWindow = c.Cache.FrequencyWindow
	cacheConfig.MaxEntryFraction = c.Cache.MaxEntryFraction
	cacheConfig.PressureTargetRatio = c.Cache.PressureTargetRatio
	cacheConfig.AutoResize = c.Cache.AutoResize
	cacheConfig.MinMemoryBytes = minMemory
	cacheConfig.MaxMemoryBytesCeiling = ceiling
	cacheConfig.PreloadConcurrency = c.Cache.PreloadConcurrency
	cacheConfig.KeyPrefix = c.Cache.KeyPrefix
	cacheConfig.KeyPrecision = c.Cache.KeyPrecision
	cacheConfig.WriteBehind = cache.WriteBehindConfig{
		MaxPending:    c.Cache.WriteBehind.MaxPending,
		FlushInterval: c.Cache.WriteBehind.FlushInterval,
		Breaker:       c.Cache.WriteBehind.Breaker,
	}

	analyticsConfig := analytics.DefaultConfig()
	analyticsConfig.MaxEvents = c.Analytics.MaxEvents
	analyticsConfig.MaxSnapshots = c.Analytics.MaxSnapshots
	analyticsConfig.PressureThreshold = c.Analytics.PressureThreshold
	analyticsConfig.HotHitRate = c.Analytics.HotHitRate
	analyticsConfig.ColdHitRate = c.Analytics.ColdHitRate
	analyticsConfig.ColdAge = c.Analytics.ColdAge
	analyticsConfig.GrowthThreshold = c.Analytics.GrowthThreshold

	patternsConfig := patterns.DefaultConfig()
	patternsConfig.TemporalWindow = c.Patterns.TemporalWindow
	patternsConfig.SpatialWindowSize = c.Patterns.SpatialWindowSize
	patternsConfig.MinConfidence = c.Patterns.MinPatternConfidence
	patternsConfig.MinStrength = c.Patterns.MinPatternStrength
	patternsConfig.DecayFactor = c.Patterns.PatternDecayFactor

	predictionConfig := prediction.DefaultConfig()
	predictionConfig.PredictionWindow = c.Prediction.PredictionWindow
	predictionConfig.MinConfidence = c.Prediction.MinPredictionConfidence
	predictionConfig.MaxPredictions = c.Prediction.MaxPredictions

	storageConfig := storage.DefaultConfig()
	storageConfig.MaxDiskBytes = maxDisk
	storageConfig.CompactionThreshold = c.Storage.CompactionThresholdRatio
	storageConfig.Compression = c.Storage.Compression
	storageConfig.CompressionLevel = c.Storage.CompressionLevel

	versionsConfig := versions.DefaultConfig()
	versionsConfig.EnableDiffs = c.Versions.EnableDiffs
	versionsConfig.SnapshotInterval = c.Versions.SnapshotInterval
	versionsConfig.MaxVersionsPerKey = c.Versions.MaxVersionsPerKey
	versionsConfig.RetentionPeriod = c.Versions.VersionRetentionPeriod
	versionsConfig.RecordTTL = c.Cache.MaxEntryAge
	versionsConfig.Schema = c.Versions.Schema

	migrationConfig := migration.DefaultConfig()
	migrationConfig.BatchSize = c.Migration.MigrationBatchSize
	migrationConfig.Concurrency = c.Migration.MigrationConcurrency
	migrationConfig.RetryAttempts = c.Migration.MigrationRetryAttempts
	migrationConfig.RetryBackoff = c.Migration.RetryBackoff
	migrationConfig.KeepBackups = c.Migration.KeepBackups

	memoryConfig := memmon.DefaultMonitorConfig()
	memoryConfig.SampleInterval = c.Memory.SampleInterval
	memoryConfig.MaxSamples = c.Memory.MaxSamples

	metricsConfig := metrics.DefaultConfig()
	metricsConfig.Enabled = c.Global.MetricsEnabled
	metricsConfig.Port = c.Global.MetricsPort

	return &Components{
		Cache:      cacheConfig,
		Analytics:  analyticsConfig,
		Patterns:   patternsConfig,
		Prediction: predictionConfig,
		Storage:    storageConfig,
		Backend:    c.Storage.Backend,
		Directory:  c.Storage.Directory,
		S3:         c.Storage.S3,
		Versions:   versionsConfig,
		Migration:  migrationConfig,
		Memory:     memoryConfig,
		Health: health.TrackerConfig{
			ErrorThreshold:       c.Health.ErrorThreshold,
			UnavailableThreshold: c.Health.UnavailableThreshold,
			RecoveryThreshold:    c.Health.RecoveryThreshold,
		},
		Metrics:   metricsConfig,
		Scheduler: scheduler.Config{},
		Schedule:  c.Schedule,
	}, nil
}

// NewLogger builds the root logger from the global settings
func (c *Configuration) NewLogger() (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, invalid("global.log_level", err.Error())
	}
	format, err := utils.ParseLogFormat(c.Global.LogFormat)
	if err != nil {
		return nil, invalid("global.log_format", err.Error())
	}
	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = os.Stderr
	lc.ComponentLevels = make(map[string]utils.LogLevel, len(c.Global.ComponentLevels))
	for component, name := range c.Global.ComponentLevels {
		l, err := utils.ParseLogLevel(name)
		if err != nil {
			return nil, invalid("global.component_levels."+component, err.Error())
		}
		lc.ComponentLevels[component] = l
	}
	return utils.NewStructuredLogger(lc)
}
