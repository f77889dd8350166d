package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trajcache/trajcache/internal/integrity"
	"github.com/trajcache/trajcache/internal/metrics"
	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

const (
	valuesDir = "values/"
	metaDir   = "meta/"
	metaExt   = ".json"
)

// Config represents persistent store configuration
type Config struct {
	// Root prefixes every object name, e.g. "backups/<plan>/"
	Root                string  `yaml:"root"`
	MaxDiskBytes        int64   `yaml:"max_disk_bytes"`
	CompactionThreshold float64 `yaml:"compaction_threshold_ratio"`
	Compression         string  `yaml:"compression"`
	CompressionLevel    string  `yaml:"compression_level"`
	BlockSize           int64   `yaml:"block_size"`

	Clock   func() time.Time        `yaml:"-"`
	Logger  *utils.StructuredLogger `yaml:"-"`
	Metrics *metrics.Collector      `yaml:"-"`
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		MaxDiskBytes:        1024 * 1024 * 1024, // 1GB
		CompactionThreshold: 0.8,
		Compression:         "none",
		BlockSize:           4096,
	}
}

// Stats reports disk-tier usage
type Stats struct {
	UsedBytes      int64     `json:"used_bytes"`
	MaxBytes       int64     `json:"max_bytes"`
	Count          int       `json:"count"`
	Fragmentation  float64   `json:"fragmentation"`
	Utilization    float64   `json:"utilization"`
	Compactions    int64     `json:"compactions"`
	LastCompaction time.Time `json:"last_compaction,omitempty"`
}

// CompactionResult summarizes one compaction run
type CompactionResult struct {
	Scanned    int           `json:"scanned"`
	Removed    int           `json:"removed"`
	FreedBytes int64         `json:"freed_bytes"`
	Duration   time.Duration `json:"duration"`
}

// footprint is the stored size of one key's artifacts
type footprint struct {
	value int64
	meta  int64
}

type storedMeta struct {
	Key string `json:"key"`
	types.RecordMetadata
}

// Store persists records as a value object plus a JSON metadata object per key
type Store struct {
	mu      sync.RWMutex
	backend types.Backend
	config  Config
	codec   *Codec
	locks   *KeyLock
	logger  *utils.StructuredLogger

	footprints     map[string]*footprint
	usedBytes      int64
	compactions    int64
	lastCompaction time.Time

	compacting atomic.Bool
	background sync.WaitGroup
}

// NewStore opens a store over backend, rebuilding usage counters from what is already there
func NewStore(ctx context.Context, backend types.Backend, config Config) (*Store, error) {
	defaults := DefaultConfig()
	if config.MaxDiskBytes <= 0 {
		config.MaxDiskBytes = defaults.MaxDiskBytes
	}
	if config.CompactionThreshold <= 0 || config.CompactionThreshold > 1 {
		config.CompactionThreshold = defaults.CompactionThreshold
	}
	if config.BlockSize <= 0 {
		config.BlockSize = defaults.BlockSize
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Root != "" && !strings.HasSuffix(config.Root, "/") {
		config.Root += "/"
	}

	logger := config.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger("storage")
	} else {
		logger = logger.WithComponent("storage")
	}

	codec, err := NewCodec(config.Compression, config.CompressionLevel)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid compression settings").
			WithComponent("storage").
			WithOperation("open").
			WithCause(err)
	}

	s := &Store{
		backend:    backend,
		config:     config,
		codec:      codec,
		locks:      NewKeyLock(),
		logger:     logger,
		footprints: make(map[string]*footprint),
	}

	if err := s.scan(ctx); err != nil {
		codec.Close()
		return nil, err
	}

	logger.Debug("persistent store opened", map[string]interface{}{
		"root":       config.Root,
		"records":    len(s.footprints),
		"used_bytes": s.usedBytes,
	})
	return s, nil
}

func (s *Store) scan(ctx context.Context) error {
	values, err := s.list(ctx, s.config.Root+valuesDir)
	if err != nil {
		return err
	}
	metas, err := s.list(ctx, s.config.Root+metaDir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, obj := range values {
		if key, ok := s.keyFromValueName(obj.Name); ok {
			s.footprint(key).value = obj.Size
			s.usedBytes += obj.Size
		}
	}
	for _, obj := range metas {
		if key, ok := s.keyFromMetaName(obj.Name); ok {
			s.footprint(key).meta = obj.Size
			s.usedBytes += obj.Size
		}
	}
	s.publishUsage()
	return nil
}

// Store writes record's value and then its metadata. The record's metadata is filled in
// (size, checksum, timestamps, encoding) and reflects what was persisted.
func (s *Store) Store(ctx context.Context, record *types.Record) error {
	if record == nil || record.Key == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "record key is required").
			WithComponent("storage").
			WithOperation("store")
	}

	now := normalizeTime(s.config.Clock())
	md := &record.Metadata
	md.Size = int64(len(record.Value))
	md.Checksum = integrity.CalculateChecksum(record.Value)
	if md.CreatedAt.IsZero() {
		md.CreatedAt = now
	} else {
		md.CreatedAt = normalizeTime(md.CreatedAt)
	}
	md.LastModified = now
	md.ExpiresAt = time.Time{}
	if md.TTL > 0 {
		md.ExpiresAt = now.Add(md.TTL)
	}

	if err := s.write(ctx, record, "store"); err != nil {
		return err
	}

	s.maybeCompact()
	return nil
}

// Import writes record exactly as given, keeping its metadata. Used to copy records
// between namespaces (backups, restores).
func (s *Store) Import(ctx context.Context, record *types.Record) error {
	if record == nil || record.Key == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "record key is required").
			WithComponent("storage").
			WithOperation("import")
	}
	return s.write(ctx, record, "import")
}

func (s *Store) write(ctx context.Context, record *types.Record, operation string) error {
	unlock := s.locks.Lock(record.Key)
	defer unlock()

	encoded, encoding := s.codec.Encode(record.Value)
	record.Metadata.Encoding = encoding

	metaBytes, err := json.Marshal(storedMeta{Key: record.Key, RecordMetadata: record.Metadata})
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to encode metadata").
			WithComponent("storage").
			WithOperation(operation).
			WithKey(record.Key).
			WithCause(err)
	}

	if err := s.put(ctx, s.valueName(record.Key), encoded); err != nil {
		return s.ioFailure(operation, record.Key, "failed to write value", err)
	}
	s.account(record.Key, int64(len(encoded)), -1)

	if err := s.put(ctx, s.metaName(record.Key), metaBytes); err != nil {
		return s.ioFailure(operation, record.Key, "failed to write metadata", err)
	}
	s.account(record.Key, -1, int64(len(metaBytes)))

	return nil
}

// Retrieve reads and verifies the record for key. Expired records are returned as-is;
// callers decide whether to honor ExpiresAt.
func (s *Store) Retrieve(ctx context.Context, key string) (*types.Record, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	metaBytes, err := s.get(ctx, s.metaName(key))
	if err != nil {
		return nil, s.readFailure("retrieve", key, "metadata", err)
	}
	raw, err := s.get(ctx, s.valueName(key))
	if err != nil {
		return nil, s.readFailure("retrieve", key, "value", err)
	}

	var meta storedMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, s.corrupt(key, "metadata is not valid JSON", err)
	}

	value, err := s.codec.Decode(raw, meta.Encoding)
	if err != nil {
		return nil, s.corrupt(key, "value cannot be decoded", err)
	}
	if meta.Checksum != "" && integrity.CalculateChecksum(value) != meta.Checksum {
		return nil, s.corrupt(key, "checksum mismatch", nil).
			WithDetail("expected", meta.Checksum)
	}

	return &types.Record{Key: key, Value: value, Metadata: meta.RecordMetadata}, nil
}

// Metadata reads only the metadata artifact for key
func (s *Store) Metadata(ctx context.Context, key string) (types.RecordMetadata, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	return s.readMeta(ctx, key)
}

func (s *Store) readMeta(ctx context.Context, key string) (types.RecordMetadata, error) {
	metaBytes, err := s.get(ctx, s.metaName(key))
	if err != nil {
		return types.RecordMetadata{}, s.readFailure("metadata", key, "metadata", err)
	}
	var meta storedMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return types.RecordMetadata{}, s.corrupt(key, "metadata is not valid JSON", err)
	}
	return meta.RecordMetadata, nil
}

// Delete removes both artifacts for key
func (s *Store) Delete(ctx context.Context, key string) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	return s.deleteLocked(ctx, key, "delete")
}

func (s *Store) deleteLocked(ctx context.Context, key, operation string) error {
	valueErr := s.remove(ctx, s.valueName(key))
	metaErr := s.remove(ctx, s.metaName(key))

	if valueErr == nil || errors.IsNotFound(valueErr) {
		s.account(key, 0, -1)
	}
	if metaErr == nil || errors.IsNotFound(metaErr) {
		s.account(key, -1, 0)
	}
	s.dropIfEmpty(key)

	switch {
	case errors.IsNotFound(valueErr) && errors.IsNotFound(metaErr):
		return errors.NewError(errors.ErrCodeNotFound, "record not found").
			WithComponent("storage").
			WithOperation(operation).
			WithKey(key)
	case valueErr != nil && !errors.IsNotFound(valueErr):
		return s.ioFailure(operation, key, "failed to delete value", valueErr)
	case metaErr != nil && !errors.IsNotFound(metaErr):
		return s.ioFailure(operation, key, "failed to delete metadata", metaErr)
	}
	return nil
}

// Keys lists every key that has a metadata artifact, without reading values
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	metas, err := s.list(ctx, s.config.Root+metaDir)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(metas))
	for _, obj := range metas {
		if key, ok := s.keyFromMetaName(obj.Name); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Inconsistencies lists keys with only one of their two artifacts
func (s *Store) Inconsistencies(ctx context.Context) ([]types.Inconsistency, error) {
	values, err := s.list(ctx, s.config.Root+valuesDir)
	if err != nil {
		return nil, err
	}
	metas, err := s.list(ctx, s.config.Root+metaDir)
	if err != nil {
		return nil, err
	}

	hasValue := make(map[string]bool, len(values))
	for _, obj := range values {
		if key, ok := s.keyFromValueName(obj.Name); ok {
			hasValue[key] = true
		}
	}
	hasMeta := make(map[string]bool, len(metas))
	for _, obj := range metas {
		if key, ok := s.keyFromMetaName(obj.Name); ok {
			hasMeta[key] = true
		}
	}

	var out []types.Inconsistency
	for key := range hasValue {
		if !hasMeta[key] {
			out = append(out, types.Inconsistency{Key: key, Kind: types.ValueWithoutMeta})
		}
	}
	for key := range hasMeta {
		if !hasValue[key] {
			out = append(out, types.Inconsistency{Key: key, Kind: types.MetaWithoutValue})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// RepairInconsistency removes the orphaned artifact of a half-written record
func (s *Store) RepairInconsistency(ctx context.Context, inc types.Inconsistency) error {
	unlock := s.locks.Lock(inc.Key)
	defer unlock()

	name := s.valueName(inc.Key)
	if inc.Kind == types.MetaWithoutValue {
		name = s.metaName(inc.Key)
	}
	if err := s.remove(ctx, name); err != nil && !errors.IsNotFound(err) {
		return s.ioFailure("repair", inc.Key, "failed to remove orphaned artifact", err)
	}
	if inc.Kind == types.MetaWithoutValue {
		s.account(inc.Key, -1, 0)
	} else {
		s.account(inc.Key, 0, -1)
	}
	s.dropIfEmpty(inc.Key)
	return nil
}

// Compact removes expired records. Unexpired records are never touched.
func (s *Store) Compact(ctx context.Context) (CompactionResult, error) {
	start := time.Now()
	var result CompactionResult

	keys, err := s.Keys(ctx)
	if err != nil {
		return result, err
	}

	now := s.config.Clock()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		freed, removed := s.compactKey(ctx, key, now)
		if removed {
			result.Removed++
			result.FreedBytes += freed
		}
	}

	result.Duration = time.Since(start)

	s.mu.Lock()
	s.compactions++
	s.lastCompaction = now
	s.mu.Unlock()

	s.config.Metrics.RecordCompaction(result.Removed)
	s.logger.Info("compaction completed", map[string]interface{}{
		"scanned":     result.Scanned,
		"removed":     result.Removed,
		"freed_bytes": result.FreedBytes,
		"duration":    result.Duration.String(),
	})
	return result, nil
}

func (s *Store) compactKey(ctx context.Context, key string, now time.Time) (int64, bool) {
	unlock := s.locks.Lock(key)
	defer unlock()

	meta, err := s.readMeta(ctx, key)
	if err != nil || !meta.Expired(now) {
		return 0, false
	}

	before := s.footprintSize(key)
	if err := s.deleteLocked(ctx, key, "compact"); err != nil {
		s.logger.Warn("failed to remove expired record", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return 0, false
	}
	return before, true
}

// NeedsCompaction reports whether usage has crossed the compaction threshold
func (s *Store) NeedsCompaction() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return float64(s.usedBytes)/float64(s.config.MaxDiskBytes) >= s.config.CompactionThreshold
}

// CompactIfNeeded runs Compact when usage is at or above the threshold
func (s *Store) CompactIfNeeded(ctx context.Context) (CompactionResult, bool, error) {
	if !s.NeedsCompaction() {
		return CompactionResult{}, false, nil
	}
	result, err := s.Compact(ctx)
	return result, true, err
}

func (s *Store) maybeCompact() {
	if !s.NeedsCompaction() || !s.compacting.CompareAndSwap(false, true) {
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.compacting.Store(false)

		if _, _, err := s.CompactIfNeeded(context.Background()); err != nil {
			s.logger.Warn("background compaction failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

// Stats returns usage counters
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		UsedBytes:      s.usedBytes,
		MaxBytes:       s.config.MaxDiskBytes,
		Compactions:    s.compactions,
		LastCompaction: s.lastCompaction,
		Fragmentation:  1,
	}

	var allocated int64
	for _, fp := range s.footprints {
		if fp.meta > 0 {
			stats.Count++
		}
		allocated += roundUp(fp.value, s.config.BlockSize) + roundUp(fp.meta, s.config.BlockSize)
	}
	if s.usedBytes > 0 {
		stats.Fragmentation = float64(allocated) / float64(s.usedBytes)
	}
	stats.Utilization = float64(s.usedBytes) / float64(s.config.MaxDiskBytes)
	return stats
}

// Namespace opens a store rooted under this store's root, sharing the backend
func (s *Store) Namespace(ctx context.Context, root string) (*Store, error) {
	config := s.config
	config.Root = path.Join(s.config.Root, root) + "/"
	config.Logger = s.logger
	return NewStore(ctx, s.backend, config)
}

// Purge deletes every object under this store's root
func (s *Store) Purge(ctx context.Context) error {
	objects, err := s.list(ctx, s.config.Root)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := s.remove(ctx, obj.Name); err != nil && !errors.IsNotFound(err) {
			return s.ioFailure("purge", "", "failed to remove object", err).
				WithDetail("name", obj.Name)
		}
	}

	s.mu.Lock()
	s.footprints = make(map[string]*footprint)
	s.usedBytes = 0
	s.publishUsage()
	s.mu.Unlock()
	return nil
}

// Root returns the namespace prefix of this store
func (s *Store) Root() string {
	return s.config.Root
}

// Backend returns the underlying object backend
func (s *Store) Backend() types.Backend {
	return s.backend
}

// Close waits for background compaction and releases codec resources
func (s *Store) Close() error {
	s.background.Wait()
	s.codec.Close()
	return nil
}

func (s *Store) put(ctx context.Context, name string, data []byte) error {
	start := time.Now()
	err := s.backend.Put(ctx, name, data)
	s.config.Metrics.RecordDiskOperation("put", time.Since(start), err)
	return err
}

func (s *Store) get(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	data, err := s.backend.Get(ctx, name)
	s.config.Metrics.RecordDiskOperation("get", time.Since(start), err)
	return data, err
}

func (s *Store) remove(ctx context.Context, name string) error {
	start := time.Now()
	err := s.backend.Delete(ctx, name)
	s.config.Metrics.RecordDiskOperation("delete", time.Since(start), err)
	return err
}

func (s *Store) list(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	start := time.Now()
	objects, err := s.backend.List(ctx, prefix)
	s.config.Metrics.RecordDiskOperation("list", time.Since(start), err)
	if err != nil {
		return nil, s.ioFailure("list", "", "failed to list objects", err).WithDetail("prefix", prefix)
	}
	return objects, nil
}

// account updates a key's stored sizes; -1 leaves a side unchanged
func (s *Store) account(key string, value, meta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := s.footprint(key)
	if value >= 0 {
		s.usedBytes += value - fp.value
		fp.value = value
	}
	if meta >= 0 {
		s.usedBytes += meta - fp.meta
		fp.meta = meta
	}
	s.publishUsage()
}

func (s *Store) footprint(key string) *footprint {
	fp, ok := s.footprints[key]
	if !ok {
		fp = &footprint{}
		s.footprints[key] = fp
	}
	return fp
}

func (s *Store) footprintSize(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fp, ok := s.footprints[key]; ok {
		return fp.value + fp.meta
	}
	return 0
}

func (s *Store) dropIfEmpty(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fp, ok := s.footprints[key]; ok && fp.value == 0 && fp.meta == 0 {
		delete(s.footprints, key)
	}
}

// publishUsage must be called with s.mu held
func (s *Store) publishUsage() {
	if s.config.Root == "" {
		s.config.Metrics.UpdateTierBytes("disk", s.usedBytes)
	}
}

func (s *Store) valueName(key string) string {
	return s.config.Root + valuesDir + EncodeKey(key)
}

func (s *Store) metaName(key string) string {
	return s.config.Root + metaDir + EncodeKey(key) + metaExt
}

func (s *Store) keyFromValueName(name string) (string, bool) {
	rest := strings.TrimPrefix(name, s.config.Root+valuesDir)
	if rest == name || strings.Contains(rest, "/") {
		return "", false
	}
	return DecodeKey(rest)
}

func (s *Store) keyFromMetaName(name string) (string, bool) {
	rest := strings.TrimPrefix(name, s.config.Root+metaDir)
	if rest == name || strings.Contains(rest, "/") || !strings.HasSuffix(rest, metaExt) {
		return "", false
	}
	return DecodeKey(strings.TrimSuffix(rest, metaExt))
}

func (s *Store) ioFailure(operation, key, message string, err error) *errors.CacheError {
	if ce, ok := err.(*errors.CacheError); ok && ce.Code == errors.ErrCodeInvalidConfig {
		return ce
	}
	s.logger.Warn(message, map[string]interface{}{
		"operation": operation,
		"key":       key,
		"error":     err.Error(),
	})
	return errors.NewError(errors.ErrCodeTransientIO, message).
		WithComponent("storage").
		WithOperation(operation).
		WithKey(key).
		WithCause(err)
}

func (s *Store) readFailure(operation, key, artifact string, err error) error {
	if errors.IsNotFound(err) {
		return errors.NewError(errors.ErrCodeNotFound, "record not found").
			WithComponent("storage").
			WithOperation(operation).
			WithKey(key).
			WithDetail("artifact", artifact).
			WithCause(err)
	}
	return s.ioFailure(operation, key, "failed to read "+artifact, err)
}

func (s *Store) corrupt(key, message string, cause error) *errors.CacheError {
	e := errors.NewError(errors.ErrCodeCorrupt, message).
		WithComponent("storage").
		WithOperation("retrieve").
		WithKey(key)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

// EncodeKey maps a cache key to the object-name-safe form used on disk
func EncodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeKey reverses EncodeKey
func DecodeKey(name string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Round(0)
}

func roundUp(n, block int64) int64 {
	if n <= 0 {
		return 0
	}
	return ((n + block - 1) / block) * block
}
