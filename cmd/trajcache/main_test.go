package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trajcache/trajcache/internal/config"
	"github.com/trajcache/trajcache/internal/service"
	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// seedStore writes a config file for a filesystem store holding one computed trajectory
func seedStore(t *testing.T) (configPath, key string, value []byte) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.NewDefault()
	cfg.Global.LogLevel = "ERROR"
	cfg.Global.MetricsEnabled = false
	cfg.Storage.Directory = filepath.Join(dir, "data")
	cfg.Schedule = config.ScheduleConfig{}
	configPath = filepath.Join(dir, "trajcache.yaml")
	require.NoError(t, cfg.SaveToFile(configPath))

	comps, err := cfg.Derive()
	require.NoError(t, err)
	svc, err := service.New(context.Background(), comps, service.Options{
		Logger: utils.NewNopLogger(),
		Computer: types.ComputeFunc(func(ctx context.Context, input interface{}) ([]byte, error) {
			return []byte(`{"points":[0,4.9,19.6]}`), nil
		}),
	})
	require.NoError(t, err)

	input := map[string]float64{"velocity": 9.8, "angle": 90}
	value, err = svc.GetOrCompute(context.Background(), input)
	require.NoError(t, err)
	key, err = svc.Cache().KeyDeriver().Derive(input)
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	return configPath, key, value
}

func TestStatsCommand(t *testing.T) {
	configPath, _, _ := seedStore(t)

	out, err := execute("--config", configPath, "stats")
	require.NoError(t, err)

	var stats struct {
		Storage struct {
			Count int `json:"count"`
		} `json:"storage"`
		Capacity string `json:"capacity_human"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Storage.Count)
	assert.NotEmpty(t, stats.Capacity)
}

func TestVersionsCommands(t *testing.T) {
	configPath, key, value := seedStore(t)

	out, err := execute("--config", configPath, "versions", "list", key)
	require.NoError(t, err)
	var infos []types.VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].Version)

	out, err = execute("--config", configPath, "versions", "get", key, "--version", "1")
	require.NoError(t, err)
	assert.Equal(t, string(value), out)

	out, err = execute("--config", configPath, "versions", "revert", key, "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": 1`)

	_, err = execute("--config", configPath, "versions", "revert", key, "latest")
	assert.Error(t, err)

	_, err = execute("--config", configPath, "versions", "get", key, "--version", "7")
	assert.Error(t, err)
}

func TestVerifyCommand(t *testing.T) {
	configPath, _, _ := seedStore(t)

	out, err := execute("--config", configPath, "verify", "--repair")
	require.NoError(t, err)

	var result service.VerifyResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, types.StatusHealthy, result.Report.Status)
	assert.Equal(t, 1, result.Report.TotalChecked)
}

func TestCompactCommand(t *testing.T) {
	configPath, _, _ := seedStore(t)

	out, err := execute("--config", configPath, "compact")
	require.NoError(t, err)
	assert.Contains(t, out, `"removed": 0`)
}

func TestMigrateCommand(t *testing.T) {
	configPath, key, _ := seedStore(t)

	out, err := execute("--config", configPath, "migrate", "--from", "1", "--to", "2", "--dry-run")
	require.NoError(t, err)
	var dry service.MigrationResult
	require.NoError(t, json.Unmarshal([]byte(out), &dry))
	require.NotNil(t, dry.Plan)
	assert.Equal(t, []string{key}, dry.Plan.Keys)
	assert.Nil(t, dry.Result)

	out, err = execute("--config", configPath, "migrate", "--from", "1", "--to", "2")
	require.NoError(t, err)
	var res service.MigrationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotNil(t, res.Result)
	assert.True(t, res.Result.Success)
	assert.Equal(t, 1, res.Result.MigratedItems)

	_, err = execute("--config", configPath, "migrate", "--from", "1")
	assert.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute("--config", filepath.Join(t.TempDir(), "absent.yaml"), "stats")
	assert.Error(t, err)
}

func TestIdentityRegistry(t *testing.T) {
	tests := []struct {
		name     string
		from, to int
		pairs    [][2]int
	}{
		{"forward", 1, 3, [][2]int{{1, 2}, {2, 3}}},
		{"backward", 3, 1, [][2]int{{3, 2}, {2, 1}}},
		{"same", 2, 2, nil},
		{"invalid", 0, 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, err := identityRegistry(tt.from, tt.to)
			require.NoError(t, err)
			for _, p := range tt.pairs {
				_, ok := registry.Lookup(p[0], p[1])
				assert.True(t, ok, "missing %d -> %d", p[0], p[1])
			}
			_, ok := registry.Lookup(tt.to, tt.to+1)
			assert.False(t, ok)
		})
	}
}
