package types

import (
	"time"
)

// ObjectInfo represents metadata about an object held by a Backend
type ObjectInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// CacheStats represents Entry Store statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expired     uint64  `json:"expired"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// EventKind distinguishes access events from eviction events
type EventKind string

const (
	EventAccess   EventKind = "access"
	EventEviction EventKind = "eviction"
)

// AccessEvent is one observation in the analytics window
type AccessEvent struct {
	Key       string        `json:"key"`
	Kind      EventKind     `json:"kind"`
	Hit       bool          `json:"hit"`
	SizeBytes int64         `json:"size_bytes"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// MemorySnapshot is one point of the memory time series
type MemorySnapshot struct {
	Timestamp     time.Time     `json:"timestamp"`
	Used          int64         `json:"used"`
	Free          int64         `json:"free"`
	Total         int64         `json:"total"`
	HeapUsage     uint64        `json:"heap_usage"`
	HeapTotal     uint64        `json:"heap_total"`
	GCCollections uint32        `json:"gc_collections"`
	GCPauseTime   time.Duration `json:"gc_pause_time"`
}

// RecommendationType is the action a recommendation asks for
type RecommendationType string

const (
	RecommendEvict   RecommendationType = "evict"
	RecommendPreload RecommendationType = "preload"
	RecommendResize  RecommendationType = "resize"
)

// ConfidenceLevel grades predictions and recommendations
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// Impact estimates what acting on a recommendation changes
type Impact struct {
	Memory      int64   `json:"memory"`
	Performance float64 `json:"performance"`
}

// Recommendation is produced by analytics or prediction and consumed once by the Entry Store
type Recommendation struct {
	Type       RecommendationType `json:"type"`
	Keys       []string           `json:"keys,omitempty"`
	Priority   float64            `json:"priority"`
	Confidence ConfidenceLevel    `json:"confidence"`
	Impact     Impact             `json:"impact"`
	// Scale is the budget multiplier for resize recommendations
	Scale  float64 `json:"scale,omitempty"`
	Reason string  `json:"reason"`
	Source string  `json:"source"`
}

// RecordMetadata is the metadata half of a persisted record
type RecordMetadata struct {
	Size         int64         `json:"size"`
	CreatedAt    time.Time     `json:"created_at"`
	LastModified time.Time     `json:"last_modified"`
	TTL          time.Duration `json:"ttl"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Version      int           `json:"version"`
	Schema       int           `json:"schema"`
	Checksum     string        `json:"checksum"`
	Encoding     string        `json:"encoding"`
}

// Expired reports whether the record has outlived its TTL at now
func (m RecordMetadata) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Record is a persisted key/value pair
type Record struct {
	Key      string         `json:"key"`
	Value    []byte         `json:"-"`
	Metadata RecordMetadata `json:"metadata"`
}

// InconsistencyKind names a half-written record
type InconsistencyKind string

const (
	ValueWithoutMeta InconsistencyKind = "value_without_meta"
	MetaWithoutValue InconsistencyKind = "meta_without_value"
)

// Inconsistency is a key whose value and metadata artifacts disagree
type Inconsistency struct {
	Key  string            `json:"key"`
	Kind InconsistencyKind `json:"kind"`
}

// VersionKind tells how a version is stored
type VersionKind string

const (
	VersionFull VersionKind = "full"
	VersionDiff VersionKind = "diff"
)

// VersionInfo describes one entry in a key's version history
type VersionInfo struct {
	Key        string            `json:"key"`
	Version    int               `json:"version"`
	Timestamp  time.Time         `json:"timestamp"`
	Checksum   string            `json:"checksum"`
	Size       int64             `json:"size"`
	StoredSize int64             `json:"stored_size"`
	Kind       VersionKind       `json:"kind"`
	Comment    string            `json:"comment,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IntegrityStatus is the overall verdict of an integrity sweep
type IntegrityStatus string

const (
	StatusHealthy IntegrityStatus = "healthy"
	StatusWarning IntegrityStatus = "warning"
	StatusError   IntegrityStatus = "error"
)

// IntegrityIssue is one finding of an integrity sweep
type IntegrityIssue struct {
	Key    string `json:"key"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// IntegrityReport summarizes an integrity sweep
type IntegrityReport struct {
	Timestamp           time.Time        `json:"timestamp"`
	Status              IntegrityStatus  `json:"status"`
	TotalChecked        int              `json:"total_checked"`
	CorruptEntries      int              `json:"corrupt_entries"`
	MissingEntries      int              `json:"missing_entries"`
	InconsistentEntries int              `json:"inconsistent_entries"`
	ExpiredEntries      int              `json:"expired_entries"`
	MemoryUsage         uint64           `json:"memory_usage"`
	Duration            time.Duration    `json:"duration"`
	Issues              []IntegrityIssue `json:"issues,omitempty"`
	Error               string           `json:"error,omitempty"`
}
