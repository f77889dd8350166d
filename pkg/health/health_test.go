package health

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/trajcache/trajcache/pkg/errors"
)

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.RegisterComponent("storage")
	tracker.RegisterComponent("storage")

	if state := tracker.GetState("storage"); state != StateHealthy {
		t.Errorf("Expected initial state to be healthy, got %s", state)
	}
	if state := tracker.GetState("unknown"); state != StateUnavailable {
		t.Errorf("Expected unknown component to be unavailable, got %s", state)
	}
	if n := len(tracker.Report().Components); n != 1 {
		t.Errorf("Expected 1 component, got %d", n)
	}
}

func TestTracker_RecordError_Degradation(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 3
	config.UnavailableThreshold = 5
	tracker := NewTracker(config)
	tracker.RegisterComponent("storage")

	for i := 0; i < 2; i++ {
		tracker.RecordError("storage", fmt.Errorf("error %d", i))
	}
	if state := tracker.GetState("storage"); state != StateHealthy {
		t.Errorf("Expected healthy before threshold, got %s", state)
	}

	tracker.RecordError("storage", fmt.Errorf("error 2"))
	if state := tracker.GetState("storage"); state != StateDegraded {
		t.Errorf("Expected degraded at threshold, got %s", state)
	}

	tracker.RecordError("storage", fmt.Errorf("error 3"))
	tracker.RecordError("storage", fmt.Errorf("error 4"))
	if state := tracker.GetState("storage"); state != StateUnavailable {
		t.Errorf("Expected unavailable, got %s", state)
	}
}

func TestTracker_WriteErrorsAreReadOnly(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config)
	tracker.RegisterComponent("durability")

	tracker.RecordError("durability", errors.NewError(errors.ErrCodeCircuitOpen, "circuit breaker is open"))

	if state := tracker.GetState("durability"); state != StateReadOnly {
		t.Errorf("Expected read-only, got %s", state)
	}
	if tracker.CanWrite("durability") {
		t.Error("Expected read-only component to refuse writes")
	}
}

func TestTracker_Recovery(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	config.RecoveryThreshold = 2
	tracker := NewTracker(config)
	tracker.RegisterComponent("storage")

	tracker.RecordError("storage", fmt.Errorf("disk gone"))
	tracker.RecordSuccess("storage")
	if state := tracker.GetState("storage"); state != StateDegraded {
		t.Errorf("Expected degraded after one success, got %s", state)
	}

	tracker.RecordSuccess("storage")
	if state := tracker.GetState("storage"); state != StateHealthy {
		t.Errorf("Expected healthy after recovery, got %s", state)
	}

	report := tracker.Report()
	if report.Components[0].LastErrorMessage != "" {
		t.Errorf("Expected error message cleared, got %q", report.Components[0].LastErrorMessage)
	}
}

func TestTracker_StateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	config.RecoveryThreshold = 1
	tracker := NewTracker(config)
	tracker.RegisterComponent("integrity")

	var changes []string
	tracker.AddStateChangeCallback(func(component string, oldState, newState HealthState, err error) {
		changes = append(changes, fmt.Sprintf("%s:%s->%s", component, oldState, newState))
	})

	tracker.Record("integrity", fmt.Errorf("sweep failed"))
	tracker.Record("integrity", fmt.Errorf("sweep failed"))
	tracker.Record("integrity", nil)

	want := "integrity:healthy->degraded,integrity:degraded->healthy"
	if got := strings.Join(changes, ","); got != want {
		t.Errorf("Expected changes %s, got %s", want, got)
	}
}

func TestTracker_OverallHealthAndReport(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config)
	tracker.RegisterComponent("storage")
	tracker.RegisterComponent("analysis")

	if overall := tracker.GetOverallHealth(); overall != StateHealthy {
		t.Errorf("Expected healthy overall, got %s", overall)
	}

	tracker.RecordError("storage", fmt.Errorf("boom"))
	if overall := tracker.GetOverallHealth(); overall != StateDegraded {
		t.Errorf("Expected degraded overall, got %s", overall)
	}

	report := tracker.Report()
	if report.State != StateDegraded {
		t.Errorf("Expected report state degraded, got %s", report.State)
	}
	if report.Components[0].Name != "analysis" || report.Components[1].Name != "storage" {
		t.Errorf("Expected components sorted by name, got %+v", report.Components)
	}

	raw, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(raw), `"state":"degraded"`) {
		t.Errorf("Expected state encoded by name, got %s", raw)
	}
}

func TestTracker_Check(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config)
	tracker.RegisterComponent("storage")
	tracker.RegisterComponent("durability")

	tracker.Check(context.Background(), map[string]CheckFunc{
		"storage":    func(ctx context.Context) error { return fmt.Errorf("unreachable") },
		"durability": func(ctx context.Context) error { return nil },
	})

	if state := tracker.GetState("storage"); state != StateDegraded {
		t.Errorf("Expected storage degraded, got %s", state)
	}
	if state := tracker.GetState("durability"); state != StateHealthy {
		t.Errorf("Expected durability healthy, got %s", state)
	}
}

func TestTracker_ConcurrentRecording(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("storage")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if (i+j)%2 == 0 {
					tracker.RecordSuccess("storage")
				} else {
					tracker.RecordError("storage", fmt.Errorf("flaky"))
				}
				_ = tracker.Report()
			}
		}(i)
	}
	wg.Wait()
}
