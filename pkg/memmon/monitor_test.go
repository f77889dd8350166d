package memmon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

func TestNewMemoryMonitor(t *testing.T) {
	monitor := NewMemoryMonitor(MonitorConfig{})

	if monitor == nil {
		t.Fatal("Expected non-nil monitor")
	}
	if monitor.config.SampleInterval != DefaultMonitorConfig().SampleInterval {
		t.Errorf("Expected default sample interval, got %v", monitor.config.SampleInterval)
	}
}

func TestMemoryMonitor_SampleUsesCacheUsage(t *testing.T) {
	var got []types.MemorySnapshot
	monitor := NewMemoryMonitor(MonitorConfig{
		Usage:    func() (int64, int64) { return 300, 1000 },
		OnSample: func(s types.MemorySnapshot) { got = append(got, s) },
		Logger:   utils.NewNopLogger(),
	})

	snapshot := monitor.Sample()

	if snapshot.Used != 300 || snapshot.Total != 1000 || snapshot.Free != 700 {
		t.Errorf("snapshot = %+v, want used=300 total=1000 free=700", snapshot)
	}
	if snapshot.HeapUsage == 0 || snapshot.HeapTotal == 0 {
		t.Error("Expected heap statistics to be populated")
	}
	if len(got) != 1 {
		t.Errorf("OnSample called %d times, want 1", len(got))
	}
}

func TestMemoryMonitor_MaxSamples(t *testing.T) {
	monitor := NewMemoryMonitor(MonitorConfig{MaxSamples: 3, Logger: utils.NewNopLogger()})

	for i := 0; i < 5; i++ {
		monitor.Sample()
	}

	if n := len(monitor.GetSamples()); n != 3 {
		t.Errorf("Expected 3 retained samples, got %d", n)
	}
}

func TestMemoryMonitor_CachePressureAlert(t *testing.T) {
	monitor := NewMemoryMonitor(MonitorConfig{
		Usage:  func() (int64, int64) { return 990, 1000 },
		Logger: utils.NewNopLogger(),
	})

	monitor.Sample()
	monitor.Sample()

	found := false
	for _, alert := range monitor.GetAlerts() {
		if alert.AlertType == AlertTypeCachePressure {
			found = true
		}
	}
	if !found {
		t.Error("Expected a cache pressure alert")
	}
}

func TestMemoryMonitor_StartStop(t *testing.T) {
	var mu sync.Mutex
	count := 0
	monitor := NewMemoryMonitor(MonitorConfig{
		SampleInterval: 20 * time.Millisecond,
		OnSample: func(types.MemorySnapshot) {
			mu.Lock()
			count++
			mu.Unlock()
		},
		Logger: utils.NewNopLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		t.Fatalf("Failed to start monitor: %v", err)
	}
	if err := monitor.Start(ctx); err == nil {
		t.Error("Expected error starting a running monitor")
	}

	time.Sleep(100 * time.Millisecond)

	if err := monitor.Stop(); err != nil {
		t.Fatalf("Failed to stop monitor: %v", err)
	}
	if err := monitor.Stop(); err != nil {
		t.Fatalf("Second Stop should be a no-op, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count < 2 {
		t.Errorf("Expected at least 2 samples, got %d", count)
	}
}

func TestMemoryMonitor_Restart(t *testing.T) {
	var mu sync.Mutex
	count := 0
	monitor := NewMemoryMonitor(MonitorConfig{
		SampleInterval: 10 * time.Millisecond,
		OnSample: func(types.MemorySnapshot) {
			mu.Lock()
			count++
			mu.Unlock()
		},
		Logger: utils.NewNopLogger(),
	})
	samples := func() int {
		mu.Lock()
		defer mu.Unlock()
		return count
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		t.Fatalf("Failed to start monitor: %v", err)
	}
	if err := monitor.Stop(); err != nil {
		t.Fatalf("Failed to stop monitor: %v", err)
	}
	afterFirst := samples()

	if err := monitor.Start(ctx); err != nil {
		t.Fatalf("Failed to restart monitor: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := monitor.Stop(); err != nil {
		t.Fatalf("Failed to stop restarted monitor: %v", err)
	}
	if err := monitor.Stop(); err != nil {
		t.Fatalf("Extra Stop should be a no-op, got %v", err)
	}

	if got := samples(); got < afterFirst+2 {
		t.Errorf("Expected the restarted monitor to keep sampling, got %d samples after %d", got, afterFirst)
	}
}
