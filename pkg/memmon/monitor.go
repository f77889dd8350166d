// Package memmon samples process and cache memory into a bounded MemorySnapshot time series
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

// UsageFunc reports the cache tier's used bytes and its budget
type UsageFunc func() (used, total int64)

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to collect memory stats
	SampleInterval time.Duration `yaml:"sample_interval"`

	// AlertThreshold is the percentage of heap growth over the baseline that triggers an alert
	AlertThreshold float64 `yaml:"alert_threshold"`

	// MaxSamples is the number of samples to keep in history
	MaxSamples int `yaml:"max_samples"`

	// Usage reports cache usage; without it Used/Total describe the Go heap
	Usage UsageFunc `yaml:"-"`

	// OnSample receives every snapshot, outside the monitor lock
	OnSample func(types.MemorySnapshot) `yaml:"-"`

	Clock func() time.Time `yaml:"-"`

	// Logger for monitoring events
	Logger *utils.StructuredLogger `yaml:"-"`
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 30 * time.Second,
		AlertThreshold: 20.0,
		MaxSamples:     100,
	}
}

// MemoryMonitor tracks memory usage
type MemoryMonitor struct {
	config MonitorConfig
	logger *utils.StructuredLogger

	mu          sync.RWMutex
	samples     []types.MemorySnapshot
	baselineSet bool
	baseline    types.MemorySnapshot
	alerts      []MemoryAlert

	// lifecycle guards stopCh, which is nil while the monitor is stopped
	lifecycle sync.Mutex
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// MemoryAlert represents a memory alert
type MemoryAlert struct {
	Timestamp time.Time
	AlertType AlertType
	Message   string
	Current   uint64
	Baseline  uint64
	GrowthPct float64
}

// AlertType represents the type of memory alert
type AlertType int

const (
	AlertTypeHeapGrowth AlertType = iota
	AlertTypeCachePressure
)

// String returns the string representation of alert type
func (t AlertType) String() string {
	switch t {
	case AlertTypeHeapGrowth:
		return "heap_growth"
	case AlertTypeCachePressure:
		return "cache_pressure"
	default:
		return "unknown"
	}
}

// NewMemoryMonitor creates a new memory monitor
func NewMemoryMonitor(config MonitorConfig) *MemoryMonitor {
	defaults := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.AlertThreshold <= 0 {
		config.AlertThreshold = defaults.AlertThreshold
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = utils.NewDefaultLogger("memmon")
	}

	return &MemoryMonitor{
		config:  config,
		logger:  config.Logger,
		samples: make([]types.MemorySnapshot, 0, config.MaxSamples),
		alerts:  make([]MemoryAlert, 0),
	}
}

// Start begins memory monitoring. A stopped monitor can be started again.
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	mm.lifecycle.Lock()
	defer mm.lifecycle.Unlock()
	if mm.stopCh != nil {
		return fmt.Errorf("monitor already running")
	}
	mm.stopCh = make(chan struct{})

	mm.logger.Info("Starting memory monitor", map[string]interface{}{
		"sample_interval": mm.config.SampleInterval,
		"alert_threshold": mm.config.AlertThreshold,
	})

	mm.wg.Add(1)
	go mm.monitorLoop(ctx, mm.stopCh)

	return nil
}

// Stop stops memory monitoring
func (mm *MemoryMonitor) Stop() error {
	mm.lifecycle.Lock()
	defer mm.lifecycle.Unlock()
	if mm.stopCh == nil {
		return nil
	}

	mm.logger.Info("Stopping memory monitor", nil)
	close(mm.stopCh)
	mm.stopCh = nil
	mm.wg.Wait()

	return nil
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context, stop <-chan struct{}) {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.config.SampleInterval)
	defer ticker.Stop()

	mm.Sample()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			mm.Sample()
		}
	}
}

// Sample collects one snapshot, records it and hands it to OnSample.
func (mm *MemoryMonitor) Sample() types.MemorySnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snapshot := types.MemorySnapshot{
		Timestamp:     mm.config.Clock(),
		HeapUsage:     memStats.HeapAlloc,
		HeapTotal:     memStats.HeapSys,
		GCCollections: memStats.NumGC,
		GCPauseTime:   time.Duration(memStats.PauseTotalNs),
	}

	if mm.config.Usage != nil {
		snapshot.Used, snapshot.Total = mm.config.Usage()
	} else {
		snapshot.Used, snapshot.Total = int64(memStats.HeapAlloc), int64(memStats.HeapSys)
	}
	snapshot.Free = snapshot.Total - snapshot.Used
	if snapshot.Free < 0 {
		snapshot.Free = 0
	}

	mm.mu.Lock()
	if !mm.baselineSet {
		mm.baseline = snapshot
		mm.baselineSet = true
	}
	mm.samples = append(mm.samples, snapshot)
	if len(mm.samples) > mm.config.MaxSamples {
		mm.samples = mm.samples[1:]
	}
	mm.analyze(snapshot)
	mm.mu.Unlock()

	if mm.config.OnSample != nil {
		mm.config.OnSample(snapshot)
	}

	return snapshot
}

// analyze must be called with the lock held
func (mm *MemoryMonitor) analyze(current types.MemorySnapshot) {
	if len(mm.samples) < 2 {
		return
	}

	if base := mm.baseline.HeapUsage; base > 0 {
		growthPct := (float64(current.HeapUsage) - float64(base)) / float64(base) * 100
		if growthPct > mm.config.AlertThreshold {
			mm.generateAlert(AlertTypeHeapGrowth, fmt.Sprintf(
				"Heap usage increased by %.2f%% (from %d to %d bytes)",
				growthPct, base, current.HeapUsage,
			), current.HeapUsage, base, growthPct)
		}
	}

	if current.Total > 0 {
		pct := float64(current.Used) / float64(current.Total) * 100
		if pct > 95 {
			mm.generateAlert(AlertTypeCachePressure, fmt.Sprintf(
				"Cache using %.2f%% of its budget", pct,
			), uint64(current.Used), uint64(current.Total), pct)
		}
	}
}

func (mm *MemoryMonitor) generateAlert(alertType AlertType, message string, current, baseline uint64, growthPct float64) {
	alert := MemoryAlert{
		Timestamp: mm.config.Clock(),
		AlertType: alertType,
		Message:   message,
		Current:   current,
		Baseline:  baseline,
		GrowthPct: growthPct,
	}

	mm.alerts = append(mm.alerts, alert)
	if len(mm.alerts) > mm.config.MaxSamples {
		mm.alerts = mm.alerts[1:]
	}

	mm.logger.Warn("Memory alert", map[string]interface{}{
		"type":       alertType.String(),
		"message":    message,
		"current":    current,
		"baseline":   baseline,
		"growth_pct": growthPct,
	})
}

// GetSamples returns the snapshot history, oldest first
func (mm *MemoryMonitor) GetSamples() []types.MemorySnapshot {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	samples := make([]types.MemorySnapshot, len(mm.samples))
	copy(samples, mm.samples)
	return samples
}

// GetAlerts returns all memory alerts
func (mm *MemoryMonitor) GetAlerts() []MemoryAlert {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	alerts := make([]MemoryAlert, len(mm.alerts))
	copy(alerts, mm.alerts)
	return alerts
}

// ResetBaseline makes the latest sample the new baseline
func (mm *MemoryMonitor) ResetBaseline() {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if n := len(mm.samples); n > 0 {
		mm.baseline = mm.samples[n-1]
	}
	mm.logger.Info("Baseline reset", map[string]interface{}{
		"heap_usage": mm.baseline.HeapUsage,
	})
}
