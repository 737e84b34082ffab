package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BEAMLINE", "i15")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "beamq.submission.queue", cfg.Consumer.QueueName)
	assert.Equal(t, "yaml", cfg.Store.Driver)
	assert.Equal(t, "i15", cfg.Consumer.Beamline)
	assert.True(t, cfg.Consumer.Autostart)
}

func TestLoadConfig_FileAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	yml := "consumer:\n  queue_name: i15.queue\n  runner: simulate\nstore:\n  driver: sqlite\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yml), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, EnvFileName), []byte("BEAMQ_LOG_LEVEL=debug\n"), 0644))
	t.Setenv("BEAMQ_LOG_LEVEL", "")
	os.Unsetenv("BEAMQ_LOG_LEVEL")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "i15.queue", cfg.Consumer.QueueName)
	assert.Equal(t, "simulate", cfg.Consumer.Runner)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2, cfg.Consumer.StatusIntervalSec)
}

func TestLoadConfig_InvalidDriver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("store:\n  driver: mvstore\n"), 0644))

	_, err := LoadConfig(dir)
	assert.ErrorContains(t, err, "store.driver")
}

func TestConfig_ApplyEnvPauseOnStart(t *testing.T) {
	t.Setenv("BEAMQ_PAUSE_ON_START", "true")
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.True(t, cfg.Consumer.PauseOnStart)

	t.Setenv("BEAMQ_PAUSE_ON_START", "maybe")
	assert.Error(t, cfg.ApplyEnv())
}
