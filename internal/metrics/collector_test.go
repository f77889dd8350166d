package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/trajcache/trajcache/pkg/errors"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Namespace != "trajcache" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "trajcache")
		}
		if collector.Registry() == nil {
			t.Error("enabled collector should expose a registry")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.Registry() != nil {
			t.Error("disabled collector should not have registry")
		}
		collector.RecordCacheRequest(true)
		collector.RecordDiskOperation("put", time.Millisecond, nil)
	})
}

func TestNilCollectorIsNoop(t *testing.T) {
	t.Parallel()

	var c *Collector
	c.RecordCacheRequest(false)
	c.RecordEviction("capacity")
	c.UpdateTierBytes("memory", 10)
	c.RecordDiskOperation("get", time.Millisecond, nil)
	c.RecordMigrationItem("migrated")
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on nil collector = %v", err)
	}
	if len(c.GetOperations()) != 0 {
		t.Error("nil collector should report no operations")
	}
}

func TestCacheCounters(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatal(err)
	}

	c.RecordCacheRequest(true)
	c.RecordCacheRequest(true)
	c.RecordCacheRequest(false)
	c.RecordEviction("capacity")

	if got := testutil.ToFloat64(c.cacheRequests.WithLabelValues("hit")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.cacheRequests.WithLabelValues("miss")); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.evictions.WithLabelValues("capacity")); got != 1 {
		t.Errorf("evictions = %v, want 1", got)
	}
}

func TestRecordDiskOperation(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatal(err)
	}

	c.RecordDiskOperation("put", 2*time.Millisecond, nil)
	c.RecordDiskOperation("put", 4*time.Millisecond, errors.NewError(errors.ErrCodeTransientIO, "disk"))
	c.RecordDiskOperation("get", time.Millisecond, errors.NewError(errors.ErrCodeNotFound, "gone"))

	ops := c.GetOperations()
	put := ops["put"]
	if put.Count != 2 || put.Errors != 1 {
		t.Errorf("put = %+v, want count=2 errors=1", put)
	}
	if put.AvgDuration != 3*time.Millisecond {
		t.Errorf("put avg = %v, want 3ms", put.AvgDuration)
	}
	if got := testutil.ToFloat64(c.diskOperations.WithLabelValues("put", "io")); got != 1 {
		t.Errorf("put io errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.diskOperations.WithLabelValues("get", "not_found")); got != 1 {
		t.Errorf("get not_found = %v, want 1", got)
	}

	c.ResetOperations()
	if len(c.GetOperations()) != 0 {
		t.Error("ResetOperations should clear statistics")
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(&Config{Enabled: true, Namespace: "test", Path: "/metrics"})
	if err != nil {
		t.Fatal(err)
	}
	c.RecordCacheRequest(true)
	c.RecordDiskOperation("put", time.Millisecond, nil)

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	buf := new(strings.Builder)
	_, _ = bufCopy(buf, resp)
	if !strings.Contains(buf.String(), "test_cache_requests_total") {
		t.Errorf("metrics output missing cache counter: %s", buf.String())
	}

	resp, err = http.Get(server.URL + "/debug/operations")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rows []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode debug operations: %v", err)
	}
	if len(rows) != 1 || rows[0]["operation"] != "put" {
		t.Errorf("debug operations = %v", rows)
	}
}

func bufCopy(dst *strings.Builder, resp *http.Response) (int64, error) {
	defer resp.Body.Close()
	var total int64
	chunk := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(chunk)
		dst.Write(chunk[:n])
		total += int64(n)
		if err != nil {
			return total, nil
		}
	}
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(&Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("static health status = %d, want 200", resp.StatusCode)
	}

	c.SetHealthFunc(func() (bool, interface{}) {
		return false, map[string]string{"state": "unavailable"}
	})
	resp, err = http.Get(server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["state"] != "unavailable" {
		t.Errorf("health body = %v", body)
	}
}
