package runtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStateValidate(t *testing.T) {
	reason := StopComplete
	s := &RunState{
		Phase:          PhaseStopped,
		MilestoneIndex: 1,
		Milestones:     []Milestone{{Name: "m0"}},
		StopReason:     &reason,
	}
	require.NoError(t, s.Validate())

	s.StopReason = nil
	assert.Error(t, s.Validate(), "STOPPED without stop_reason must be invalid")
}

func TestRunStateValidateMilestoneIndexBound(t *testing.T) {
	s := &RunState{
		Phase:          PhaseImplement,
		MilestoneIndex: 2,
		Milestones:     []Milestone{{Name: "m0"}},
	}
	assert.Error(t, s.Validate())
}

func TestRunStateValidateCheckpointBeforeCheckpointPhase(t *testing.T) {
	s := &RunState{
		Phase:               PhaseImplement,
		CheckpointCommitSHA: "abc123",
	}
	assert.Error(t, s.Validate())
}

func TestStopReasonFamily(t *testing.T) {
	assert.Equal(t, FamilyBudget, StopStalledTimeout.Family())
	assert.Equal(t, FamilyGuard, StopGuardViolation.Family())
	assert.Equal(t, FamilyWorker, StopWorkerUnavailable.Family())
	assert.Equal(t, FamilyReview, StopReviewLoopDetected.Family())
	assert.Equal(t, FamilyOrchestrator, StopOrchestratorTrackStopped.Family())
	assert.Equal(t, FamilyComplete, StopComplete.Family())
}

func TestStopReasonTransient(t *testing.T) {
	assert.True(t, StopStalledTimeout.Transient())
	assert.True(t, StopMaxTicksReached.Transient())
	assert.False(t, StopGuardViolation.Transient())
	assert.False(t, StopUserStop.Transient())
}

func TestFingerprintDiff(t *testing.T) {
	a := &Fingerprint{
		OS:   "linux",
		Arch: "amd64",
		KeyToolVersions: map[string]string{"git": "2.40.0"},
		LockfileHashes:  map[string]string{"go.sum": "aaa"},
	}
	b := &Fingerprint{
		OS:   "linux",
		Arch: "arm64",
		KeyToolVersions: map[string]string{"git": "2.41.0"},
		LockfileHashes:  map[string]string{"go.sum": "bbb"},
	}
	diffs := a.Diff(b)
	require.Len(t, diffs, 3)
	fields := map[string]bool{}
	for _, d := range diffs {
		fields[d.Field] = true
	}
	assert.True(t, fields["arch"])
	assert.True(t, fields["key_tool_versions.git"])
	assert.True(t, fields["lockfile_hashes.go.sum"])
}
