package rconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Budgets, cfg.Budgets)
}

func TestLoadJSONOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runr.config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"budgets":{"time_budget_minutes":45,"max_ticks":10},"workers":{"plan":"claude","implement":"codex","review":"claude"}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Budgets.TimeBudgetMinutes)
	assert.Equal(t, 10, cfg.Budgets.MaxTicks)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("RUNR_TIME_BUDGET_MINUTES", "7")
	path := filepath.Join(t.TempDir(), "runr.config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"budgets":{"time_budget_minutes":45}}`), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Budgets.TimeBudgetMinutes)
}

func TestValidateRejectsBadCollisionPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestration.CollisionPolicy = "explode"
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadRiskTriggerExpr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RiskTriggers = []RiskTrigger{{Name: "bad", Expression: "path contains ("}}
	assert.Error(t, Validate(cfg))
}

func TestAutoResumeDelayClampsToLast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoResume.DelaysMS = []int{1000, 2000}
	assert.Equal(t, int64(2000), cfg.AutoResumeDelay(5).Milliseconds())
	assert.Equal(t, int64(1000), cfg.AutoResumeDelay(0).Milliseconds())
}
