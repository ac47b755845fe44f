package rtracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaultsToNoExporter(t *testing.T) {
	t.Setenv("RUNR_TRACE_EXPORTER", "")
	t.Setenv("RUNR_TRACE_ENDPOINT", "")
	cfg := FromEnv()
	assert.Equal(t, ExporterNone, cfg.Exporter)
}

func TestNewProviderNoExporter(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{ServiceName: "runr-test", SampleRatio: 1.0})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer("test"))
	require.NotNil(t, p.Meter("test"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderStdoutExporter(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{ServiceName: "runr-test", Exporter: ExporterStdout, SampleRatio: 1.0})
	require.NoError(t, err)
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Exporter: "bogus"})
	assert.Error(t, err)
}
