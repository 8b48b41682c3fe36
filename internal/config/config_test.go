package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, int64(10), cfg.Concurrency.GlobalMaxConcurrentPipelines)
	require.Equal(t, int64(20), cfg.AnalysisBuffer())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Concurrency, cfg.Concurrency)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
concurrency:
  global_max_concurrent_pipelines: 4
  headroom: 1
queue:
  backend: nats
  nats_url: nats://broker:4222
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(4), cfg.Concurrency.GlobalMaxConcurrentPipelines)
	require.Equal(t, int64(1), cfg.Concurrency.Headroom)
	require.Equal(t, QueueBackendNATS, cfg.Queue.Backend)
	require.Equal(t, "nats://broker:4222", cfg.Queue.NATSURL)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
concurrency:
  global_max_concurrent_pipelines: 4
`), 0o600))

	t.Setenv("GLOBAL_MAX_CONCURRENT_PIPELINES", "7")
	t.Setenv("ANALYZER_REQUEUE_DELAY_SECONDS", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(7), cfg.Concurrency.GlobalMaxConcurrentPipelines)
	require.Equal(t, 42*time.Second, cfg.Retry.AnalyzerRequeueDelay)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := Default()
	cfg.Queue.Backend = "rabbitmq"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	cfg := Default()
	cfg.Concurrency.GlobalMaxConcurrentPipelines = 0
	require.Error(t, cfg.Validate())
}
