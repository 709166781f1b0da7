package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, RegistryBackendMemory, cfg.RegistryBackend)
}

func TestLoadNonexistentFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, cfg.Mode)
}

func TestLoadParsesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
mode: clustered
registry_name: node-a
redis_addr: localhost:6379
default_inactivity_timeout: 90s
default_max_runs: 10
temporal_task_queue: sagents-default
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeClustered, cfg.Mode)
	assert.Equal(t, RegistryBackendReplicated, cfg.RegistryBackend)
	assert.Equal(t, "node-a", cfg.RegistryName)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, Duration(90*time.Second), cfg.DefaultInactivityTimeout)
	assert.Equal(t, 10, cfg.DefaultMaxRuns)
	assert.Equal(t, "sagents-default", cfg.TemporalTaskQueue)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: local\n"), 0o600))
	t.Setenv("SAGENTS_MODE", "clustered")
	t.Setenv("SAGENTS_REGISTRY_BACKEND", "replicated")
	t.Setenv("SAGENTS_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeClustered, cfg.Mode)
	assert.Equal(t, RegistryBackendReplicated, cfg.RegistryBackend)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
}

func TestLoadClusteredModeRequiresRegistryNameAndRedis(t *testing.T) {
	t.Setenv("SAGENTS_MODE", "clustered")
	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: nonsense\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsNegativeDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_inactivity_timeout: -1s\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadMalformedYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: [this is not a scalar\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
