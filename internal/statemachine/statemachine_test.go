// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package statemachine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weldr-dev/runr/internal/runtypes"
)

func newState(phase runtypes.Phase, milestones int) *runtypes.RunState {
	ms := make([]runtypes.Milestone, milestones)
	return &runtypes.RunState{Phase: phase, Milestones: ms}
}

func TestHappyPathTransitions(t *testing.T) {
	m := New(Transitions(Budgets{MaxVerifyRetries: 2, MaxReviewRounds: 3}, false), Hooks{})
	ctx := context.Background()

	s := newState(runtypes.PhaseInit, 1)
	require.NoError(t, m.Trigger(ctx, s, EventPreflightOK))
	require.Equal(t, runtypes.PhasePlan, s.Phase)

	require.NoError(t, m.Trigger(ctx, s, EventPlanDone))
	require.Equal(t, runtypes.PhaseImplement, s.Phase)

	require.NoError(t, m.Trigger(ctx, s, EventImplementDone))
	require.Equal(t, runtypes.PhaseVerify, s.Phase)

	require.NoError(t, m.Trigger(ctx, s, EventVerifyPass))
	require.Equal(t, runtypes.PhaseReview, s.Phase)

	require.NoError(t, m.Trigger(ctx, s, EventReviewApproved))
	require.Equal(t, runtypes.PhaseCheckpoint, s.Phase)

	require.NoError(t, m.Trigger(ctx, s, EventCheckpointDone))
	require.Equal(t, runtypes.PhaseFinalize, s.Phase)

	require.NoError(t, m.Trigger(ctx, s, EventFinalizeComplete))
	require.Equal(t, runtypes.PhaseStopped, s.Phase)
	require.NotNil(t, s.StopReason)
	require.Equal(t, runtypes.StopComplete, *s.StopReason)
}

func TestFastModeSkipsPlan(t *testing.T) {
	m := New(Transitions(Budgets{MaxVerifyRetries: 1, MaxReviewRounds: 1}, true), Hooks{})
	s := newState(runtypes.PhaseInit, 1)
	require.NoError(t, m.Trigger(context.Background(), s, EventFastSkipPlan))
	require.Equal(t, runtypes.PhaseImplement, s.Phase)
}

func TestVerifyRetryBounded(t *testing.T) {
	m := New(Transitions(Budgets{MaxVerifyRetries: 1, MaxReviewRounds: 1}, false), Hooks{})
	ctx := context.Background()
	s := newState(runtypes.PhaseVerify, 1)
	s.PhaseAttempt = 0

	require.NoError(t, m.Trigger(ctx, s, EventVerifyRetry))
	require.Equal(t, runtypes.PhaseImplement, s.Phase)

	// Back at verify with phase_attempt bumped past the ceiling should block.
	s.Phase = runtypes.PhaseVerify
	s.PhaseAttempt = 2
	err := m.Trigger(ctx, s, EventVerifyRetry)
	require.Error(t, err)
	var blocked *ErrTransitionBlocked
	require.ErrorAs(t, err, &blocked)
}

func TestVerifyRetryBoundedAcrossMultipleCycles(t *testing.T) {
	// Regression test: Fire must not reset phase_attempt on the
	// VERIFY<->IMPLEMENT retry edges, or a ceiling greater than one
	// could never be reached.
	m := New(Transitions(Budgets{MaxVerifyRetries: 2, MaxReviewRounds: 1}, false), Hooks{})
	ctx := context.Background()
	s := newState(runtypes.PhaseVerify, 1)

	// First failure: retry is allowed (1 <= 2).
	s.PhaseAttempt = 1
	require.NoError(t, m.Trigger(ctx, s, EventVerifyRetry))
	require.Equal(t, runtypes.PhaseImplement, s.Phase)
	require.Equal(t, 1, s.PhaseAttempt, "phase_attempt must survive the retry edge")

	require.NoError(t, m.Trigger(ctx, s, EventImplementDone))
	require.Equal(t, runtypes.PhaseVerify, s.Phase)
	require.Equal(t, 1, s.PhaseAttempt, "phase_attempt must survive the forward edge too")

	// Second failure: retry is still allowed (2 <= 2).
	s.PhaseAttempt = 2
	require.NoError(t, m.Trigger(ctx, s, EventVerifyRetry))
	require.Equal(t, runtypes.PhaseImplement, s.Phase)

	require.NoError(t, m.Trigger(ctx, s, EventImplementDone))
	require.Equal(t, runtypes.PhaseVerify, s.Phase)

	// Third failure: ceiling exceeded (3 <= 2 is false), blocked.
	s.PhaseAttempt = 3
	err := m.Trigger(ctx, s, EventVerifyRetry)
	require.Error(t, err)
	var blocked *ErrTransitionBlocked
	require.ErrorAs(t, err, &blocked)

	// Passing verify clears the counter so REVIEW starts fresh.
	s.Phase = runtypes.PhaseVerify
	require.NoError(t, m.Trigger(ctx, s, EventVerifyPass))
	require.Equal(t, runtypes.PhaseReview, s.Phase)
	require.Equal(t, 0, s.PhaseAttempt)
}

func TestFinalizeNextMilestoneResetsPhaseAttempt(t *testing.T) {
	m := New(Transitions(Budgets{MaxVerifyRetries: 1, MaxReviewRounds: 1}, false), Hooks{})
	ctx := context.Background()

	s := newState(runtypes.PhaseFinalize, 2)
	s.PhaseAttempt = 3
	require.NoError(t, m.Trigger(ctx, s, EventFinalizeNextMilestone))
	require.Equal(t, runtypes.PhaseImplement, s.Phase)
	require.Equal(t, 1, s.MilestoneIndex)
	require.Equal(t, 0, s.PhaseAttempt)
}

func TestFinalizeAdvancesOrCompletes(t *testing.T) {
	m := New(Transitions(Budgets{MaxVerifyRetries: 1, MaxReviewRounds: 1}, false), Hooks{})
	ctx := context.Background()

	s := newState(runtypes.PhaseFinalize, 2)
	require.NoError(t, m.Trigger(ctx, s, EventFinalizeNextMilestone))
	require.Equal(t, runtypes.PhaseImplement, s.Phase)
	require.Equal(t, 1, s.MilestoneIndex)

	s2 := newState(runtypes.PhaseFinalize, 1)
	require.NoError(t, m.Trigger(ctx, s2, EventFinalizeComplete))
	require.Equal(t, runtypes.PhaseStopped, s2.Phase)
}

func TestHooksFireAroundTransition(t *testing.T) {
	var before, after int
	m := New(Transitions(Budgets{MaxVerifyRetries: 1, MaxReviewRounds: 1}, false), Hooks{
		Before: func(ctx context.Context, s *runtypes.RunState, event string) error {
			before++
			return nil
		},
		After: func(ctx context.Context, s *runtypes.RunState, from, to runtypes.Phase) error {
			after++
			require.Equal(t, runtypes.PhaseInit, from)
			require.Equal(t, runtypes.PhasePlan, to)
			return nil
		},
	})
	s := newState(runtypes.PhaseInit, 1)
	require.NoError(t, m.Trigger(context.Background(), s, EventPreflightOK))
	require.Equal(t, 1, before)
	require.Equal(t, 1, after)
}

func TestUnknownEvent(t *testing.T) {
	m := New(Transitions(Budgets{MaxVerifyRetries: 1, MaxReviewRounds: 1}, false), Hooks{})
	s := newState(runtypes.PhaseInit, 1)
	err := m.Trigger(context.Background(), s, "nonsense")
	require.Error(t, err)
	require.ErrorAs(t, err, new(ErrUnknownEvent))
}

func TestStopForcesTerminal(t *testing.T) {
	s := newState(runtypes.PhaseImplement, 1)
	Stop(s, runtypes.StopStalledTimeout)
	require.Equal(t, runtypes.PhaseStopped, s.Phase)
	require.Equal(t, runtypes.StopStalledTimeout, *s.StopReason)
}
