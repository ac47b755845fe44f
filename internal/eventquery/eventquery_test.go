package eventquery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weldr-dev/runr/internal/runtypes"
)

func sampleEvents() []runtypes.Event {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []runtypes.Event{
		{Seq: 1, Timestamp: base, Type: runtypes.EventRunStarted, Source: runtypes.SourceCLI},
		{Seq: 2, Timestamp: base.Add(time.Second), Type: runtypes.EventGuardViolation, Source: runtypes.SourceSupervisor,
			Payload: map[string]any{"violations": []string{".env"}}},
		{Seq: 3, Timestamp: base.Add(2 * time.Second), Type: runtypes.EventRunComplete, Source: runtypes.SourceSupervisor},
	}
}

func TestRunFiltersByType(t *testing.T) {
	exec := NewExecutor(0, 0)
	results, err := exec.Run(context.Background(), `.[] | select(.type=="guard_violation")`, sampleEvents())
	require.NoError(t, err)
	require.Len(t, results, 1)

	m, ok := results[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), m["seq"])
}

func TestRunEmptyExpressionReturnsWholeDocument(t *testing.T) {
	exec := NewExecutor(0, 0)
	results, err := exec.Run(context.Background(), "", sampleEvents())
	require.NoError(t, err)
	require.Len(t, results, 1)

	arr, ok := results[0].([]any)
	require.True(t, ok)
	assert.Len(t, arr, 3)
}

func TestValidateRejectsMalformedExpression(t *testing.T) {
	exec := NewExecutor(0, 0)
	err := exec.Validate("this is not jq (((")
	assert.Error(t, err)
}

func TestRunRejectsTooManyEvents(t *testing.T) {
	exec := NewExecutor(0, 1)
	_, err := exec.Run(context.Background(), ".", sampleEvents())
	assert.Error(t, err)
}

func TestRunTimesOutOnInfiniteLoop(t *testing.T) {
	exec := NewExecutor(10*time.Millisecond, 0)
	_, err := exec.Run(context.Background(), "def f: f; f", sampleEvents())
	assert.Error(t, err)
}
