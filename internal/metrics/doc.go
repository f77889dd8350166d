/*
Package metrics exports trajcache activity as Prometheus metrics.

# Overview

A Collector owns a private Prometheus registry and, when started, an HTTP
server exposing three endpoints:

	/metrics         Prometheus exposition format
	/health          200 or 503 with the body of the registered HealthFunc
	/debug/metrics   per-operation disk timings as JSON

A disabled Collector and a nil *Collector are both valid: every Record and
Update method becomes a no-op, so components take a collector unconditionally.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "trajcache",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Exported series

All names carry the configured namespace and subsystem.

	cache_requests_total{result}            Entry Store hits and misses
	evictions_total{reason}                 capacity, expired, pressure, resize
	tier_size_bytes{tier}                   memory and disk usage
	cache_entries                           live entries
	disk_operations_total{operation,status} backend calls, status is success or an error class
	                                        (not_found, corrupt, io, error)
	disk_operation_duration_seconds         backend latency histogram
	versions_created_total{kind}            full or diff
	migration_items_total{status}           migrated or failed
	integrity_issues{kind}                  findings of the latest sweep
	active_patterns{kind}                   detected access patterns
	tracked_predictions                     outstanding predictions
	preloads_total{outcome}                 warm-from-disk results
	compactions_total                       compaction runs
	compacted_records_total                 expired records removed
	recommendations_applied_total{type}     tuning recommendations applied

# Errors

RecordDiskOperation classifies failures by their pkg/errors code so the
status label stays low-cardinality:

	start := time.Now()
	err := backend.Put(ctx, name, data)
	collector.RecordDiskOperation("put", time.Since(start), err)

# Testing

Tests read values straight from the registry with
prometheus/client_golang/prometheus/testutil:

	testutil.ToFloat64(collector.cacheRequests.WithLabelValues("hit"))
*/
package metrics
