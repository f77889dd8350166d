package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/trajcache/trajcache/internal/integrity"
	"github.com/trajcache/trajcache/internal/metrics"
	"github.com/trajcache/trajcache/internal/storage"
	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

const (
	versionsDir = "versions/"
	infoExt     = ".info"
)

// Config represents version store configuration
type Config struct {
	EnableDiffs       bool          `yaml:"enable_diffs"`
	SnapshotInterval  int           `yaml:"snapshot_interval"`
	MaxVersionsPerKey int           `yaml:"max_versions_per_key"`
	RetentionPeriod   time.Duration `yaml:"version_retention_period"`

	// RecordTTL and Schema are applied to live records written through Persist
	RecordTTL time.Duration `yaml:"record_ttl"`
	Schema    int           `yaml:"schema"`

	Clock   func() time.Time        `yaml:"-"`
	Logger  *utils.StructuredLogger `yaml:"-"`
	Metrics *metrics.Collector      `yaml:"-"`
}

// DefaultConfig returns the default version store configuration
func DefaultConfig() Config {
	return Config{
		EnableDiffs:       true,
		SnapshotInterval:  10,
		MaxVersionsPerKey: 10,
		RetentionPeriod:   7 * 24 * time.Hour,
		Schema:            1,
	}
}

// Store keeps an append-only version history per key next to the live record store
type Store struct {
	backend types.Backend
	live    *storage.Store
	config  Config
	locks   *storage.KeyLock
	logger  *utils.StructuredLogger
}

// NewStore creates a version store that shares live's backend
func NewStore(live *storage.Store, config Config) *Store {
	defaults := DefaultConfig()
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = defaults.SnapshotInterval
	}
	if config.MaxVersionsPerKey <= 0 {
		config.MaxVersionsPerKey = defaults.MaxVersionsPerKey
	}
	if config.RetentionPeriod < 0 {
		config.RetentionPeriod = defaults.RetentionPeriod
	}
	if config.Schema <= 0 {
		config.Schema = defaults.Schema
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	logger := config.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger("versions")
	} else {
		logger = logger.WithComponent("versions")
	}

	return &Store{
		backend: live.Backend(),
		live:    live,
		config:  config,
		locks:   storage.NewKeyLock(),
		logger:  logger,
	}
}

// Live returns the record store that reverts and persists write to
func (s *Store) Live() *storage.Store {
	return s.live
}

// CreateVersion appends data as the next version of key
func (s *Store) CreateVersion(ctx context.Context, key string, data []byte, metadata map[string]string, comment string) (types.VersionInfo, error) {
	if key == "" {
		return types.VersionInfo{}, errors.NewError(errors.ErrCodeInvalidArgument, "key is required").
			WithComponent("versions").
			WithOperation("create")
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	return s.createVersion(ctx, key, data, metadata, comment)
}

func (s *Store) createVersion(ctx context.Context, key string, data []byte, metadata map[string]string, comment string) (types.VersionInfo, error) {
	infos, err := s.listInfos(ctx, key)
	if err != nil {
		return types.VersionInfo{}, err
	}

	var prev *types.VersionInfo
	if len(infos) > 0 {
		prev = &infos[len(infos)-1]
	}

	info := integrity.GenerateVersionInfo(data, prev)
	info.Key = key
	info.Timestamp = s.config.Clock().UTC().Round(0)
	info.Comment = comment
	info.Metadata = metadata

	payload := data
	if s.wantsDiff(info.Version) && prev != nil {
		base, _, err := s.reconstruct(ctx, key, infos, len(infos)-1)
		if err != nil {
			s.logger.Warn("cannot rebuild previous version, storing full snapshot", map[string]interface{}{
				"key":     key,
				"version": info.Version,
				"error":   err.Error(),
			})
		} else if delta := EncodeDelta(base, data); len(delta) < len(data) {
			payload = delta
			info.Kind = types.VersionDiff
		}
	}
	info.StoredSize = int64(len(payload))

	if err := s.writeVersion(ctx, info, payload); err != nil {
		return types.VersionInfo{}, err
	}
	s.config.Metrics.RecordVersionCreated(string(info.Kind))

	s.logger.Debug("version created", map[string]interface{}{
		"key":         key,
		"version":     info.Version,
		"kind":        string(info.Kind),
		"size":        info.Size,
		"stored_size": info.StoredSize,
	})

	if err := s.prune(ctx, key, append(infos, info)); err != nil {
		s.logger.Warn("version pruning failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	return info, nil
}

func (s *Store) wantsDiff(version int) bool {
	return s.config.EnableDiffs && version > 1 && (version-1)%s.config.SnapshotInterval != 0
}

// GetVersion reconstructs version of key; version 0 means the latest
func (s *Store) GetVersion(ctx context.Context, key string, version int) ([]byte, types.VersionInfo, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	infos, err := s.listInfos(ctx, key)
	if err != nil {
		return nil, types.VersionInfo{}, err
	}

	idx, err := findVersion(key, infos, version)
	if err != nil {
		return nil, types.VersionInfo{}, err
	}
	return s.reconstruct(ctx, key, infos, idx)
}

// ListVersions returns key's history, oldest first
func (s *Store) ListVersions(ctx context.Context, key string) ([]types.VersionInfo, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	return s.listInfos(ctx, key)
}

// RevertToVersion re-stores a historical value as the live record. History is not changed.
func (s *Store) RevertToVersion(ctx context.Context, key string, version int) (types.VersionInfo, error) {
	data, info, err := s.GetVersion(ctx, key, version)
	if err != nil {
		return types.VersionInfo{}, err
	}

	meta := s.liveMetadata(ctx, key)
	meta.Version = info.Version
	if err := s.live.Store(ctx, &types.Record{Key: key, Value: data, Metadata: meta}); err != nil {
		return types.VersionInfo{}, err
	}

	s.logger.Info("reverted live record", map[string]interface{}{
		"key":     key,
		"version": info.Version,
	})
	return info, nil
}

// Commit records data as a new version and makes it the live record with meta
func (s *Store) Commit(ctx context.Context, key string, data []byte, meta types.RecordMetadata, comment string) (types.VersionInfo, error) {
	var extra map[string]string
	if meta.Schema > 0 {
		extra = map[string]string{"schema": strconv.Itoa(meta.Schema)}
	}

	if key == "" {
		return types.VersionInfo{}, errors.NewError(errors.ErrCodeInvalidArgument, "key is required").
			WithComponent("versions").
			WithOperation("commit")
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	info, err := s.createVersion(ctx, key, data, extra, comment)
	if err != nil {
		return types.VersionInfo{}, err
	}

	meta.Version = info.Version
	if err := s.live.Store(ctx, &types.Record{Key: key, Value: data, Metadata: meta}); err != nil {
		return info, err
	}
	return info, nil
}

// Persist records data as a new version and live record of key
func (s *Store) Persist(ctx context.Context, key string, data []byte) error {
	meta := s.liveMetadata(ctx, key)
	meta.TTL = s.config.RecordTTL
	_, err := s.Commit(ctx, key, data, meta, "")
	return err
}

// Load returns the live value of key. Expired records are reported as NOT_FOUND.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	rec, err := s.live.Retrieve(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Metadata.Expired(s.config.Clock()) {
		return nil, errors.NewError(errors.ErrCodeNotFound, "record expired").
			WithComponent("versions").
			WithOperation("load").
			WithKey(key)
	}
	return rec.Value, nil
}

// DeleteHistory removes every version of key
func (s *Store) DeleteHistory(ctx context.Context, key string) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	infos, err := s.listInfos(ctx, key)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := s.removeVersion(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) liveMetadata(ctx context.Context, key string) types.RecordMetadata {
	meta, err := s.live.Metadata(ctx, key)
	if err != nil {
		return types.RecordMetadata{Schema: s.config.Schema, TTL: s.config.RecordTTL}
	}
	if meta.Schema == 0 {
		meta.Schema = s.config.Schema
	}
	return meta
}

// reconstruct rebuilds infos[idx] from the nearest full snapshot at or before it
func (s *Store) reconstruct(ctx context.Context, key string, infos []types.VersionInfo, idx int) ([]byte, types.VersionInfo, error) {
	target := infos[idx]

	start := idx
	for start >= 0 && infos[start].Kind != types.VersionFull {
		start--
	}
	if start < 0 {
		return nil, target, errors.NewError(errors.ErrCodeCorrupt, "no full snapshot precedes version").
			WithComponent("versions").
			WithOperation("get").
			WithKey(key).
			WithDetail("version", target.Version)
	}

	data, err := s.readPayload(ctx, infos[start])
	if err != nil {
		return nil, target, err
	}
	for i := start + 1; i <= idx; i++ {
		delta, err := s.readPayload(ctx, infos[i])
		if err != nil {
			return nil, target, err
		}
		data, err = ApplyDelta(data, delta)
		if err != nil {
			return nil, target, errors.NewError(errors.ErrCodeCorrupt, "cannot apply delta").
				WithComponent("versions").
				WithOperation("get").
				WithKey(key).
				WithDetail("version", infos[i].Version).
				WithCause(err)
		}
	}

	if sum := integrity.CalculateChecksum(data); sum != target.Checksum {
		return nil, target, errors.NewError(errors.ErrCodeIntegrityMismatch, "reconstructed checksum does not match").
			WithComponent("versions").
			WithOperation("get").
			WithKey(key).
			WithDetail("version", target.Version).
			WithDetail("expected", target.Checksum).
			WithDetail("actual", sum)
	}
	return data, target, nil
}

// prune drops the oldest versions that are both beyond the newest MaxVersionsPerKey and
// older than the retention period. A surviving delta at the head is rebased to a snapshot.
func (s *Store) prune(ctx context.Context, key string, infos []types.VersionInfo) error {
	excess := len(infos) - s.config.MaxVersionsPerKey
	if excess <= 0 {
		return nil
	}

	cutoff := s.config.Clock().Add(-s.config.RetentionPeriod)
	n := 0
	for n < excess && infos[n].Timestamp.Before(cutoff) {
		n++
	}
	if n == 0 {
		return nil
	}

	head := infos[n]
	if head.Kind == types.VersionDiff {
		data, _, err := s.reconstruct(ctx, key, infos, n)
		if err != nil {
			return err
		}
		oldPayload := s.payloadName(head)
		head.Kind = types.VersionFull
		head.StoredSize = int64(len(data))
		if err := s.writeVersion(ctx, head, data); err != nil {
			return err
		}
		if err := s.backend.Delete(ctx, oldPayload); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}

	for _, info := range infos[:n] {
		if err := s.removeVersion(ctx, info); err != nil {
			return err
		}
	}

	s.logger.Debug("pruned versions", map[string]interface{}{
		"key":    key,
		"pruned": n,
		"oldest": head.Version,
	})
	return nil
}

func (s *Store) listInfos(ctx context.Context, key string) ([]types.VersionInfo, error) {
	prefix := s.keyDir(key)
	objects, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, ioError("list", key, err)
	}

	infos := make([]types.VersionInfo, 0, len(objects)/2)
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Name, prefix)
		if !strings.HasSuffix(rest, infoExt) || strings.Contains(rest, "/") {
			continue
		}

		raw, err := s.backend.Get(ctx, obj.Name)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, ioError("list", key, err)
		}

		var info types.VersionInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, errors.NewError(errors.ErrCodeCorrupt, "version info is not valid JSON").
				WithComponent("versions").
				WithOperation("list").
				WithKey(key).
				WithDetail("name", obj.Name).
				WithCause(err)
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Version < infos[j].Version })
	return infos, nil
}

func (s *Store) writeVersion(ctx context.Context, info types.VersionInfo, payload []byte) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to encode version info").
			WithComponent("versions").
			WithOperation("write").
			WithKey(info.Key).
			WithCause(err)
	}
	if err := s.backend.Put(ctx, s.payloadName(info), payload); err != nil {
		return ioError("write", info.Key, err)
	}
	if err := s.backend.Put(ctx, s.infoName(info), raw); err != nil {
		return ioError("write", info.Key, err)
	}
	return nil
}

func (s *Store) readPayload(ctx context.Context, info types.VersionInfo) ([]byte, error) {
	data, err := s.backend.Get(ctx, s.payloadName(info))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewError(errors.ErrCodeCorrupt, "version payload is missing").
				WithComponent("versions").
				WithOperation("get").
				WithKey(info.Key).
				WithDetail("version", info.Version).
				WithCause(err)
		}
		return nil, ioError("get", info.Key, err)
	}
	return data, nil
}

func (s *Store) removeVersion(ctx context.Context, info types.VersionInfo) error {
	for _, name := range []string{s.payloadName(info), s.infoName(info)} {
		if err := s.backend.Delete(ctx, name); err != nil && !errors.IsNotFound(err) {
			return ioError("prune", info.Key, err)
		}
	}
	return nil
}

func (s *Store) keyDir(key string) string {
	return versionsDir + storage.EncodeKey(key) + "/"
}

func (s *Store) payloadName(info types.VersionInfo) string {
	return fmt.Sprintf("%s%d.%s", s.keyDir(info.Key), info.Version, info.Kind)
}

func (s *Store) infoName(info types.VersionInfo) string {
	return fmt.Sprintf("%s%d%s", s.keyDir(info.Key), info.Version, infoExt)
}

func findVersion(key string, infos []types.VersionInfo, version int) (int, error) {
	if len(infos) == 0 {
		return 0, errors.NewError(errors.ErrCodeNotFound, "no versions for key").
			WithComponent("versions").
			WithOperation("get").
			WithKey(key)
	}
	if version == 0 {
		return len(infos) - 1, nil
	}
	idx := sort.Search(len(infos), func(i int) bool { return infos[i].Version >= version })
	if idx == len(infos) || infos[idx].Version != version {
		return 0, errors.NewError(errors.ErrCodeNotFound, "version not found").
			WithComponent("versions").
			WithOperation("get").
			WithKey(key).
			WithDetail("version", version)
	}
	return idx, nil
}

func ioError(operation, key string, err error) error {
	return errors.NewError(errors.ErrCodeTransientIO, "version storage failed").
		WithComponent("versions").
		WithOperation(operation).
		WithKey(key).
		WithCause(err)
}
