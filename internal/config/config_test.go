package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "rca.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "data", cfg.Snapshot.Dir)
	assert.Equal(t, "csv", cfg.Snapshot.Format)
	assert.Equal(t, 4, cfg.Orchestrator.Concurrency)
	assert.Equal(t, 2, cfg.Orchestrator.ScopeParallelism)
	assert.Equal(t, 200, cfg.Orchestrator.MaxScopes)
	assert.Equal(t, 20*time.Second, cfg.Orchestrator.AnalyzerTimeout())
	assert.Equal(t, 3, cfg.Orchestrator.TopDriversPerBrief)
	assert.Equal(t, 5, cfg.Orchestrator.HotspotsPerPortfolio)
	assert.Equal(t, 32, cfg.Admission.QueueCeiling)
	assert.Equal(t, 30, cfg.Admission.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.Admission.RateWindow())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: memory
orchestrator:
  concurrency: 2
  max_scopes: 12
admission:
  queue_ceiling: 3
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile("config.yaml", []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 2, cfg.Orchestrator.Concurrency)
	assert.Equal(t, 12, cfg.Orchestrator.MaxScopes)
	assert.Equal(t, 3, cfg.Admission.QueueCeiling)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still filled for untouched keys.
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	require.Error(t, InitLogger(LogConfig{Level: "loud", Format: "json"}))
}
