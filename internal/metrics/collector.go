package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trajcache/trajcache/pkg/errors"
)

// Collector exports cache, storage, versioning and migration metrics to Prometheus.
// A nil *Collector is valid and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	cacheRequests      *prometheus.CounterVec
	evictions          *prometheus.CounterVec
	tierBytes          *prometheus.GaugeVec
	cacheEntries       prometheus.Gauge
	diskOperations     *prometheus.CounterVec
	diskDuration       *prometheus.HistogramVec
	versionsCreated    *prometheus.CounterVec
	migrationItems     *prometheus.CounterVec
	integrityIssues    *prometheus.GaugeVec
	activePatterns     *prometheus.GaugeVec
	trackedPredictions prometheus.Gauge
	preloads           *prometheus.CounterVec
	compactions        prometheus.Counter
	compactedRecords   prometheus.Counter
	recommendations    *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	health HealthFunc

	server *http.Server
}

// HealthFunc reports whether the cache is serving and a JSON-encodable body
type HealthFunc func() (ok bool, body interface{})

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific disk operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "trajcache",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled && c.registry != nil
}

// Registry returns the Prometheus registry, or nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP handler serving the metrics endpoint and debug pages
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.enabled() {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start starts the metrics HTTP server
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() || c.config.Port <= 0 {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
	}
	return nil
}

// Stop stops the metrics HTTP server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordCacheRequest counts an Entry Store lookup
func (c *Collector) RecordCacheRequest(hit bool) {
	if !c.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheRequests.With(prometheus.Labels{"result": result}).Inc()
}

// RecordEviction counts an Entry Store removal
func (c *Collector) RecordEviction(reason string) {
	if !c.enabled() {
		return
	}
	c.evictions.With(prometheus.Labels{"reason": reason}).Inc()
}

// UpdateTierBytes sets the byte usage of a tier ("memory" or "disk")
func (c *Collector) UpdateTierBytes(tier string, bytes int64) {
	if !c.enabled() {
		return
	}
	c.tierBytes.With(prometheus.Labels{"tier": tier}).Set(float64(bytes))
}

// UpdateCacheEntries sets the live entry count
func (c *Collector) UpdateCacheEntries(n int) {
	if !c.enabled() {
		return
	}
	c.cacheEntries.Set(float64(n))
}

// RecordDiskOperation records a backend operation
func (c *Collector) RecordDiskOperation(operation string, duration time.Duration, err error) {
	if !c.enabled() {
		return
	}

	status := "success"
	if err != nil {
		status = classifyError(err)
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	if err != nil {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	c.mu.Unlock()

	c.diskOperations.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.diskDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
}

// RecordVersionCreated counts a new version by kind ("full" or "diff")
func (c *Collector) RecordVersionCreated(kind string) {
	if !c.enabled() {
		return
	}
	c.versionsCreated.With(prometheus.Labels{"kind": kind}).Inc()
}

// RecordMigrationItem counts a migrated item by status
func (c *Collector) RecordMigrationItem(status string) {
	if !c.enabled() {
		return
	}
	c.migrationItems.With(prometheus.Labels{"status": status}).Inc()
}

// UpdateIntegrityIssues sets the latest sweep's count for an issue kind
func (c *Collector) UpdateIntegrityIssues(kind string, n int) {
	if !c.enabled() {
		return
	}
	c.integrityIssues.With(prometheus.Labels{"kind": kind}).Set(float64(n))
}

// UpdateActivePatterns sets the number of live patterns of a kind
func (c *Collector) UpdateActivePatterns(kind string, n int) {
	if !c.enabled() {
		return
	}
	c.activePatterns.With(prometheus.Labels{"kind": kind}).Set(float64(n))
}

// UpdateTrackedPredictions sets the number of outstanding predictions
func (c *Collector) UpdateTrackedPredictions(n int) {
	if !c.enabled() {
		return
	}
	c.trackedPredictions.Set(float64(n))
}

// RecordPreload counts a preload outcome ("loaded", "computed", "skipped", "failed")
func (c *Collector) RecordPreload(outcome string) {
	if !c.enabled() {
		return
	}
	c.preloads.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordCompaction records one compaction run
func (c *Collector) RecordCompaction(removed int) {
	if !c.enabled() {
		return
	}
	c.compactions.Inc()
	c.compactedRecords.Add(float64(removed))
}

// RecordRecommendation counts an applied recommendation by type
func (c *Collector) RecordRecommendation(kind string) {
	if !c.enabled() {
		return
	}
	c.recommendations.With(prometheus.Labels{"type": kind}).Inc()
}

// GetOperations returns a copy of the per-operation disk statistics
func (c *Collector) GetOperations() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if !c.enabled() {
		return out
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetOperations clears the per-operation statistics
func (c *Collector) ResetOperations() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	counterVec := func(name, help string, labelNames ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: labels,
		}, labelNames)
	}
	gaugeVec := func(name, help string, labelNames ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: labels,
		}, labelNames)
	}

	c.cacheRequests = counterVec("cache_requests_total", "Entry Store lookups by result", "result")
	c.evictions = counterVec("evictions_total", "Entries removed from the Entry Store by reason", "reason")
	c.tierBytes = gaugeVec("tier_size_bytes", "Bytes held per tier", "tier")
	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "cache_entries", Help: "Live Entry Store entries", ConstLabels: labels,
	})
	c.diskOperations = counterVec("disk_operations_total", "Backend operations by status", "operation", "status")
	c.diskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   sub,
		Name:        "disk_operation_duration_seconds",
		Help:        "Duration of backend operations in seconds",
		Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		ConstLabels: labels,
	}, []string{"operation"})
	c.versionsCreated = counterVec("versions_created_total", "Versions written by kind", "kind")
	c.migrationItems = counterVec("migration_items_total", "Migration items by status", "status")
	c.integrityIssues = gaugeVec("integrity_issues", "Issues found by the latest integrity sweep", "kind")
	c.activePatterns = gaugeVec("active_patterns", "Live access patterns by kind", "kind")
	c.trackedPredictions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "tracked_predictions", Help: "Outstanding access predictions", ConstLabels: labels,
	})
	c.preloads = counterVec("preloads_total", "Preload outcomes", "outcome")
	c.compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "compactions_total", Help: "Compaction runs", ConstLabels: labels,
	})
	c.compactedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "compacted_records_total", Help: "Expired records removed by compaction", ConstLabels: labels,
	})
	c.recommendations = counterVec("recommendations_applied_total", "Recommendations applied by type", "type")
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheRequests,
		c.evictions,
		c.tierBytes,
		c.cacheEntries,
		c.diskOperations,
		c.diskDuration,
		c.versionsCreated,
		c.migrationItems,
		c.integrityIssues,
		c.activePatterns,
		c.trackedPredictions,
		c.preloads,
		c.compactions,
		c.compactedRecords,
		c.recommendations,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func classifyError(err error) string {
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return "not_found"
	case errors.ErrCodeCorrupt, errors.ErrCodeIntegrityMismatch:
		return "corrupt"
	case errors.ErrCodeTransientIO:
		return "io"
	default:
		return "error"
	}
}

// SetHealthFunc makes /health report fn instead of a static healthy status
func (c *Collector) SetHealthFunc(fn HealthFunc) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = fn
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	fn := c.health
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if fn == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"trajcache-metrics"}`))
		return
	}

	ok, body := fn()
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	ops := c.GetOperations()

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	type row struct {
		Operation string `json:"operation"`
		OperationMetrics
	}
	rows := make([]row, 0, len(names))
	for _, name := range names {
		rows = append(rows, row{Operation: name, OperationMetrics: ops[name]})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}
