package rmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTickIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(ticksTotal.WithLabelValues("implement"))
	RecordTick("implement")
	after := testutil.ToFloat64(ticksTotal.WithLabelValues("implement"))
	assert.Equal(t, before+1, after)
}

func TestRecordWorkerCallObservesDurationAndCount(t *testing.T) {
	before := testutil.ToFloat64(workerCalls.WithLabelValues("codex", "implement", "ok"))
	RecordWorkerCall("codex", "implement", "ok", 12.5)
	after := testutil.ToFloat64(workerCalls.WithLabelValues("codex", "implement", "ok"))
	assert.Equal(t, before+1, after)
}

func TestSetActiveRunsGauge(t *testing.T) {
	SetActiveRuns(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(activeRuns))
}

func TestRecordStopAndAutoResume(t *testing.T) {
	before := testutil.ToFloat64(stopsTotal.WithLabelValues("time_budget_exceeded"))
	RecordStop("time_budget_exceeded")
	assert.Equal(t, before+1, testutil.ToFloat64(stopsTotal.WithLabelValues("time_budget_exceeded")))

	beforeResume := testutil.ToFloat64(autoResumesTotal.WithLabelValues("stalled_timeout"))
	RecordAutoResume("stalled_timeout")
	assert.Equal(t, beforeResume+1, testutil.ToFloat64(autoResumesTotal.WithLabelValues("stalled_timeout")))
}
