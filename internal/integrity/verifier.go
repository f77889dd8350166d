package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/trajcache/trajcache/internal/metrics"
	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

// Issue kinds reported by the verifier
const (
	IssueMissing      = "missing"
	IssueCorrupt      = "corrupt"
	IssueInconsistent = "inconsistent"
	IssueExpired      = "expired"
	IssueInvalid      = "invalid"
)

// Entry is the unit checked by CheckEntryIntegrity
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
}

// EntryFromRecord converts a stored record into a checkable entry
func EntryFromRecord(rec *types.Record) *Entry {
	if rec == nil {
		return nil
	}
	return &Entry{
		Key:       rec.Key,
		Value:     rec.Value,
		Size:      rec.Metadata.Size,
		CreatedAt: rec.Metadata.CreatedAt,
		ExpiresAt: rec.Metadata.ExpiresAt,
		Checksum:  rec.Metadata.Checksum,
	}
}

// Config represents verifier configuration
type Config struct {
	// MaxFailures bounds the per-key failure table
	MaxFailures int                         `yaml:"max_failures"`
	Clock       func() time.Time            `yaml:"-"`
	Logger      *utils.StructuredLogger     `yaml:"-"`
	Metrics     *metrics.Collector          `yaml:"-"`
	HeapUsage   func() uint64               `yaml:"-"`
	Repair      func(key string) error      `yaml:"-"`
	OnReport    func(types.IntegrityReport) `yaml:"-"`
}

// Failure records why an entry failed validation
type Failure struct {
	Key    string    `json:"key"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Verifier validates entries and sweeps a record source. It never returns errors for
// the data it inspects; findings are recorded and reported.
type Verifier struct {
	mu       sync.RWMutex
	source   types.RecordSource
	config   Config
	logger   *utils.StructuredLogger
	failures map[string]Failure
	last     *types.IntegrityReport
}

// NewVerifier creates a verifier over source. source may be nil when only entry checks are used.
func NewVerifier(source types.RecordSource, config Config) *Verifier {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 10000
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.HeapUsage == nil {
		config.HeapUsage = heapUsage
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger("integrity")
	} else {
		logger = logger.WithComponent("integrity")
	}

	return &Verifier{
		source:   source,
		config:   config,
		logger:   logger,
		failures: make(map[string]Failure),
	}
}

// CheckEntryIntegrity reports whether entry is structurally valid, unexpired and
// matches its recorded size and checksum. Failures are recorded by key.
func (v *Verifier) CheckEntryIntegrity(entry *Entry) bool {
	reason := v.validate(entry)
	if reason == "" {
		v.mu.Lock()
		if entry != nil {
			delete(v.failures, entry.Key)
		}
		v.mu.Unlock()
		return true
	}

	key := ""
	if entry != nil {
		key = entry.Key
	}
	v.recordFailure(key, reason)
	return false
}

func (v *Verifier) validate(entry *Entry) string {
	if entry == nil {
		return "nil entry"
	}
	if entry.Key == "" {
		return "empty key"
	}
	if entry.Value == nil {
		return "missing value"
	}
	if int64(len(entry.Value)) != entry.Size {
		return fmt.Sprintf("size mismatch: recorded %d, actual %d", entry.Size, len(entry.Value))
	}
	if entry.Checksum != "" && CalculateChecksum(entry.Value) != entry.Checksum {
		return "checksum mismatch"
	}
	now := v.config.Clock()
	if entry.CreatedAt.IsZero() {
		return "missing creation time"
	}
	if entry.CreatedAt.After(now) {
		return "creation time in the future"
	}
	if !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
		return "expired"
	}
	return ""
}

func (v *Verifier) recordFailure(key, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.failures[key]; !exists && len(v.failures) >= v.config.MaxFailures {
		return
	}
	v.failures[key] = Failure{Key: key, Reason: reason, At: v.config.Clock()}
}

// Failures returns the recorded failures sorted by key
func (v *Verifier) Failures() []Failure {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Failure, 0, len(v.failures))
	for _, f := range v.failures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// RepairCorruptedEntry fills in a missing creation time, size and checksum, then
// revalidates once. It returns nil when the entry is still invalid.
func (v *Verifier) RepairCorruptedEntry(entry *Entry) *Entry {
	if entry == nil || entry.Key == "" || entry.Value == nil {
		return nil
	}

	repaired := *entry
	if repaired.CreatedAt.IsZero() || repaired.CreatedAt.After(v.config.Clock()) {
		repaired.CreatedAt = v.config.Clock()
	}
	repaired.Size = int64(len(repaired.Value))
	repaired.Checksum = CalculateChecksum(repaired.Value)

	if !v.CheckEntryIntegrity(&repaired) {
		return nil
	}
	return &repaired
}

// PerformIntegrityCheck sweeps every record in the source. The report status is
// error only when the sweep itself cannot complete.
func (v *Verifier) PerformIntegrityCheck(ctx context.Context) (report types.IntegrityReport) {
	start := time.Now()
	report = types.IntegrityReport{
		Timestamp: v.config.Clock(),
		Status:    types.StatusHealthy,
	}

	defer func() {
		report.Duration = time.Since(start)
		report.MemoryUsage = v.config.HeapUsage()
		v.publish(report)
	}()

	if v.source == nil {
		report.Status = types.StatusError
		report.Error = "no record source configured"
		return report
	}

	keys, err := v.source.Keys(ctx)
	if err != nil {
		report.Status = types.StatusError
		report.Error = err.Error()
		return report
	}

	inconsistencies, err := v.source.Inconsistencies(ctx)
	if err != nil {
		report.Status = types.StatusError
		report.Error = err.Error()
		return report
	}
	halfWritten := make(map[string]bool, len(inconsistencies))
	for _, inc := range inconsistencies {
		halfWritten[inc.Key] = true
		report.InconsistentEntries++
		report.Issues = append(report.Issues, types.IntegrityIssue{
			Key:    inc.Key,
			Kind:   IssueInconsistent,
			Detail: string(inc.Kind),
		})
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			report.Status = types.StatusError
			report.Error = err.Error()
			return report
		}

		report.TotalChecked++
		if halfWritten[key] {
			v.recordFailure(key, "inconsistent")
			continue
		}
		v.checkRecord(ctx, key, &report)
	}

	if len(report.Issues) > 0 {
		report.Status = types.StatusWarning
	}
	return report
}

func (v *Verifier) checkRecord(ctx context.Context, key string, report *types.IntegrityReport) {
	rec, err := v.source.Retrieve(ctx, key)
	switch {
	case err == nil:
	case errors.IsNotFound(err):
		report.MissingEntries++
		report.Issues = append(report.Issues, types.IntegrityIssue{Key: key, Kind: IssueMissing, Detail: err.Error()})
		v.recordFailure(key, "missing")
		return
	case errors.IsCode(err, errors.ErrCodeCorrupt), errors.IsCode(err, errors.ErrCodeIntegrityMismatch):
		report.CorruptEntries++
		report.Issues = append(report.Issues, types.IntegrityIssue{Key: key, Kind: IssueCorrupt, Detail: err.Error()})
		v.recordFailure(key, "corrupt")
		v.tryRepair(key)
		return
	default:
		report.MissingEntries++
		report.Issues = append(report.Issues, types.IntegrityIssue{Key: key, Kind: IssueMissing, Detail: err.Error()})
		v.recordFailure(key, err.Error())
		return
	}

	entry := EntryFromRecord(rec)
	if rec.Metadata.Expired(v.config.Clock()) {
		report.ExpiredEntries++
		report.Issues = append(report.Issues, types.IntegrityIssue{Key: key, Kind: IssueExpired})
		v.recordFailure(key, "expired")
		return
	}
	if !v.CheckEntryIntegrity(entry) {
		report.CorruptEntries++
		report.Issues = append(report.Issues, types.IntegrityIssue{Key: key, Kind: IssueInvalid, Detail: v.reasonFor(key)})
	}
}

func (v *Verifier) tryRepair(key string) {
	if v.config.Repair == nil {
		return
	}
	if err := v.config.Repair(key); err != nil {
		v.logger.Warn("repair failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func (v *Verifier) reasonFor(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.failures[key].Reason
}

func (v *Verifier) publish(report types.IntegrityReport) {
	v.mu.Lock()
	r := report
	v.last = &r
	v.mu.Unlock()

	v.config.Metrics.UpdateIntegrityIssues(IssueCorrupt, report.CorruptEntries)
	v.config.Metrics.UpdateIntegrityIssues(IssueMissing, report.MissingEntries)
	v.config.Metrics.UpdateIntegrityIssues(IssueInconsistent, report.InconsistentEntries)
	v.config.Metrics.UpdateIntegrityIssues(IssueExpired, report.ExpiredEntries)

	fields := map[string]interface{}{
		"status":       string(report.Status),
		"checked":      report.TotalChecked,
		"corrupt":      report.CorruptEntries,
		"missing":      report.MissingEntries,
		"inconsistent": report.InconsistentEntries,
		"expired":      report.ExpiredEntries,
		"duration":     report.Duration.String(),
	}
	switch report.Status {
	case types.StatusError:
		fields["error"] = report.Error
		v.logger.Error("integrity sweep failed", fields)
	case types.StatusWarning:
		v.logger.Warn("integrity sweep found issues", fields)
	default:
		v.logger.Debug("integrity sweep completed", fields)
	}

	if v.config.OnReport != nil {
		v.config.OnReport(report)
	}
}

// LastReport returns the most recent sweep report, if any
func (v *Verifier) LastReport() (types.IntegrityReport, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.last == nil {
		return types.IntegrityReport{}, false
	}
	return *v.last, true
}

// CalculateChecksum returns the hex SHA-256 digest of data
func CalculateChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GenerateVersionInfo describes data as the version following prev. prev may be nil.
func GenerateVersionInfo(data []byte, prev *types.VersionInfo) types.VersionInfo {
	info := types.VersionInfo{
		Version:    1,
		Timestamp:  time.Now(),
		Checksum:   CalculateChecksum(data),
		Size:       int64(len(data)),
		StoredSize: int64(len(data)),
		Kind:       types.VersionFull,
	}
	if prev != nil {
		info.Key = prev.Key
		info.Version = prev.Version + 1
	}
	return info
}

func heapUsage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}
