package integrity

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	keys            []string
	records         map[string]*types.Record
	failures        map[string]error
	inconsistencies []types.Inconsistency
	keysErr         error
}

func (s *fakeSource) Keys(ctx context.Context) ([]string, error) {
	if s.keysErr != nil {
		return nil, s.keysErr
	}
	return s.keys, nil
}

func (s *fakeSource) Retrieve(ctx context.Context, key string) (*types.Record, error) {
	if err, ok := s.failures[key]; ok {
		return nil, err
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotFound, "record not found").WithKey(key)
	}
	return rec, nil
}

func (s *fakeSource) Inconsistencies(ctx context.Context) ([]types.Inconsistency, error) {
	return s.inconsistencies, nil
}

func record(key string, value []byte) *types.Record {
	return &types.Record{
		Key:   key,
		Value: value,
		Metadata: types.RecordMetadata{
			Size:      int64(len(value)),
			CreatedAt: now.Add(-time.Hour),
			Checksum:  CalculateChecksum(value),
		},
	}
}

func newTestVerifier(source types.RecordSource, mutate ...func(*Config)) *Verifier {
	cfg := Config{
		Clock:     func() time.Time { return now },
		Logger:    utils.NewNopLogger(),
		HeapUsage: func() uint64 { return 4096 },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewVerifier(source, cfg)
}

func validEntry() *Entry {
	value := []byte("trajectory points")
	return &Entry{
		Key:       "traj:1",
		Value:     value,
		Size:      int64(len(value)),
		CreatedAt: now.Add(-time.Minute),
		Checksum:  CalculateChecksum(value),
	}
}

func TestCheckEntryIntegrity(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Entry) *Entry
		valid  bool
	}{
		{"valid", func(e *Entry) *Entry { return e }, true},
		{"no checksum", func(e *Entry) *Entry { e.Checksum = ""; return e }, true},
		{"nil", func(e *Entry) *Entry { return nil }, false},
		{"empty key", func(e *Entry) *Entry { e.Key = ""; return e }, false},
		{"missing value", func(e *Entry) *Entry { e.Value = nil; return e }, false},
		{"size mismatch", func(e *Entry) *Entry { e.Size++; return e }, false},
		{"checksum mismatch", func(e *Entry) *Entry { e.Value = []byte("trajectory pointz"); return e }, false},
		{"no creation time", func(e *Entry) *Entry { e.CreatedAt = time.Time{}; return e }, false},
		{"future creation time", func(e *Entry) *Entry { e.CreatedAt = now.Add(time.Minute); return e }, false},
		{"expired", func(e *Entry) *Entry { e.ExpiresAt = now; return e }, false},
		{"not yet expired", func(e *Entry) *Entry { e.ExpiresAt = now.Add(time.Second); return e }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVerifier(nil)
			assert.Equal(t, tt.valid, v.CheckEntryIntegrity(tt.mutate(validEntry())))
		})
	}
}

func TestFailuresAreRecordedAndCleared(t *testing.T) {
	v := newTestVerifier(nil)

	bad := validEntry()
	bad.Size = 1
	assert.False(t, v.CheckEntryIntegrity(bad))

	failures := v.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "traj:1", failures[0].Key)
	assert.Contains(t, failures[0].Reason, "size mismatch")
	assert.Equal(t, now, failures[0].At)

	assert.True(t, v.CheckEntryIntegrity(validEntry()))
	assert.Empty(t, v.Failures())
}

func TestFailureTableIsBounded(t *testing.T) {
	v := newTestVerifier(nil, func(c *Config) { c.MaxFailures = 3 })

	for i := 0; i < 10; i++ {
		e := validEntry()
		e.Key = fmt.Sprintf("k%d", i)
		e.Size = -1
		v.CheckEntryIntegrity(e)
	}
	assert.Len(t, v.Failures(), 3)
}

func TestRepairCorruptedEntry(t *testing.T) {
	v := newTestVerifier(nil)

	broken := validEntry()
	broken.Size = 3
	broken.Checksum = "deadbeef"
	broken.CreatedAt = time.Time{}

	repaired := v.RepairCorruptedEntry(broken)
	require.NotNil(t, repaired)
	assert.Equal(t, int64(len(broken.Value)), repaired.Size)
	assert.Equal(t, CalculateChecksum(broken.Value), repaired.Checksum)
	assert.Equal(t, now, repaired.CreatedAt)
	assert.Equal(t, int64(3), broken.Size, "the input is left untouched")

	assert.Nil(t, v.RepairCorruptedEntry(nil))
	assert.Nil(t, v.RepairCorruptedEntry(&Entry{Key: "k"}))

	expired := validEntry()
	expired.ExpiresAt = now.Add(-time.Second)
	assert.Nil(t, v.RepairCorruptedEntry(expired))
}

func TestSweepHealthy(t *testing.T) {
	source := &fakeSource{
		keys: []string{"a", "b"},
		records: map[string]*types.Record{
			"a": record("a", []byte("alpha")),
			"b": record("b", []byte("beta")),
		},
	}
	var reported []types.IntegrityReport
	v := newTestVerifier(source, func(c *Config) {
		c.OnReport = func(r types.IntegrityReport) { reported = append(reported, r) }
	})

	_, ok := v.LastReport()
	assert.False(t, ok)

	report := v.PerformIntegrityCheck(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, 2, report.TotalChecked)
	assert.Empty(t, report.Issues)
	assert.Equal(t, uint64(4096), report.MemoryUsage)
	assert.Equal(t, now, report.Timestamp)

	last, ok := v.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.TotalChecked, last.TotalChecked)
	require.Len(t, reported, 1)
}

func TestSweepClassifiesIssues(t *testing.T) {
	expired := record("expired", []byte("old"))
	expired.Metadata.ExpiresAt = now.Add(-time.Minute)
	tampered := record("tampered", []byte("value"))
	tampered.Metadata.Checksum = CalculateChecksum([]byte("other"))

	source := &fakeSource{
		keys: []string{"ok", "gone", "rotten", "expired", "tampered", "half"},
		records: map[string]*types.Record{
			"ok":       record("ok", []byte("fine")),
			"expired":  expired,
			"tampered": tampered,
		},
		failures: map[string]error{
			"rotten": errors.NewError(errors.ErrCodeCorrupt, "cannot decode value"),
		},
		inconsistencies: []types.Inconsistency{
			{Key: "half", Kind: types.ValueWithoutMeta},
			{Key: "orphan", Kind: types.MetaWithoutValue},
		},
	}

	var mu sync.Mutex
	var repaired []string
	v := newTestVerifier(source, func(c *Config) {
		c.Repair = func(key string) error {
			mu.Lock()
			defer mu.Unlock()
			repaired = append(repaired, key)
			return stderrors.New("still broken")
		}
	})

	report := v.PerformIntegrityCheck(context.Background())
	assert.Equal(t, types.StatusWarning, report.Status)
	assert.Equal(t, 6, report.TotalChecked)
	assert.Equal(t, 1, report.MissingEntries)
	assert.Equal(t, 2, report.CorruptEntries)
	assert.Equal(t, 2, report.InconsistentEntries)
	assert.Equal(t, 1, report.ExpiredEntries)
	assert.Equal(t, []string{"rotten"}, repaired)

	kinds := make(map[string]string)
	for _, issue := range report.Issues {
		kinds[issue.Key] = issue.Kind
	}
	assert.Equal(t, map[string]string{
		"half":     IssueInconsistent,
		"orphan":   IssueInconsistent,
		"gone":     IssueMissing,
		"rotten":   IssueCorrupt,
		"expired":  IssueExpired,
		"tampered": IssueInvalid,
	}, kinds)

	failed := make([]string, 0)
	for _, f := range v.Failures() {
		failed = append(failed, f.Key)
	}
	assert.Equal(t, []string{"expired", "gone", "half", "rotten", "tampered"}, failed)
}

func TestSweepErrors(t *testing.T) {
	v := newTestVerifier(nil)
	report := v.PerformIntegrityCheck(context.Background())
	assert.Equal(t, types.StatusError, report.Status)
	assert.NotEmpty(t, report.Error)

	v = newTestVerifier(&fakeSource{keysErr: stderrors.New("disk gone")})
	report = v.PerformIntegrityCheck(context.Background())
	assert.Equal(t, types.StatusError, report.Status)
	assert.Equal(t, "disk gone", report.Error)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v = newTestVerifier(&fakeSource{keys: []string{"a"}})
	report = v.PerformIntegrityCheck(ctx)
	assert.Equal(t, types.StatusError, report.Status)
	assert.Zero(t, report.TotalChecked)

	last, ok := v.LastReport()
	require.True(t, ok)
	assert.Equal(t, types.StatusError, last.Status)
}

func TestGenerateVersionInfo(t *testing.T) {
	data := []byte("v1 payload")
	first := GenerateVersionInfo(data, nil)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, int64(len(data)), first.Size)
	assert.Equal(t, CalculateChecksum(data), first.Checksum)
	assert.Equal(t, types.VersionFull, first.Kind)

	first.Key = "k"
	second := GenerateVersionInfo([]byte("v2"), &first)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, "k", second.Key)
}

func TestCalculateChecksum(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", CalculateChecksum(nil))
	assert.NotEqual(t, CalculateChecksum([]byte("a")), CalculateChecksum([]byte("b")))
}
