package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4, cfg.Orchestration.MaxConcurrentTasks)
	assert.Equal(t, 8, cfg.Orchestration.StepBudget)
	assert.Equal(t, 30*time.Second, cfg.Tooling.InvokeTimeout)
	assert.NoError(t, cfg.validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
orchestration:
  max_concurrent_tasks: 8
  round_timeout: 10m
  step_budget: 10
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Orchestration.MaxConcurrentTasks)
	assert.Equal(t, 10*time.Minute, cfg.Orchestration.RoundTimeout)
	assert.Equal(t, 10, cfg.Orchestration.StepBudget)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched fields keep defaults.
	assert.Equal(t, 2*time.Minute, cfg.Orchestration.TaskTimeoutMax)
	assert.Equal(t, "crewmesh.db", cfg.Database.Path)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
orchestration:
  task_timeout_min: 5m
  task_timeout_max: 1m
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task_timeout_min")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
