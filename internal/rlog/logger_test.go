package rlog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Level: "info", Format: FormatJSON, Output: &buf}
	logger := New(cfg)
	logger = WithComponent(logger, "supervisor")
	logger.Info("tick", "run_id", "20260101000000")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "supervisor", line["component"])
	assert.Equal(t, "tick", line["msg"])
}

func TestParseLevelTrace(t *testing.T) {
	assert.Equal(t, LevelTrace, parseLevel("trace"))
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("RUNR_DEBUG", "")
	t.Setenv("RUNR_LOG_LEVEL", "")
	t.Setenv("RUNR_LOG_FORMAT", "")
	cfg := FromEnv()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
}

func TestFromEnvDebugWins(t *testing.T) {
	t.Setenv("RUNR_DEBUG", "1")
	t.Setenv("RUNR_LOG_LEVEL", "error")
	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}
