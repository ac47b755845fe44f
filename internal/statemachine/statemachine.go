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

// Package statemachine encodes the per-run phase graph of spec §4.5:
// INIT -> PLAN -> IMPLEMENT -> VERIFY -> REVIEW -> CHECKPOINT ->
// FINALIZE -> STOPPED, with bounded retry edges back to IMPLEMENT from
// VERIFY and REVIEW. The shape is the teacher's
// pkg/workflow.Transition{From,To,Event,Guards,Actions} generalized
// from a 5-state {created,running,paused,completed,failed} workflow
// lifecycle to this 8-phase graph; the supervisor loop is the only
// caller of Trigger.
package statemachine

import (
	"context"
	"fmt"

	"github.com/weldr-dev/runr/internal/runtypes"
)

// Guard determines whether a transition may fire, given the run's
// current state. Guards never mutate state.
type Guard func(ctx context.Context, s *runtypes.RunState) (bool, error)

// Action runs as part of firing a transition and may mutate state (the
// only place RunState fields change outside of direct caller edits).
type Action func(ctx context.Context, s *runtypes.RunState) error

// Transition is one edge of the phase graph.
type Transition struct {
	From    runtypes.Phase
	To      runtypes.Phase
	Event   string
	Guards  []Guard
	Actions []Action
}

// CanFire reports whether the transition's From phase matches and every
// guard passes.
func (t *Transition) CanFire(ctx context.Context, s *runtypes.RunState) (bool, error) {
	if s.Phase != t.From {
		return false, nil
	}
	for _, g := range t.Guards {
		ok, err := g(ctx, s)
		if err != nil {
			return false, fmt.Errorf("statemachine: guard error on event %s: %w", t.Event, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Fire runs the transition's actions then advances Phase.
func (t *Transition) Fire(ctx context.Context, s *runtypes.RunState) error {
	for _, a := range t.Actions {
		if err := a(ctx, s); err != nil {
			return fmt.Errorf("statemachine: action error on event %s: %w", t.Event, err)
		}
	}
	s.LastSuccessfulPhase = t.From
	s.Phase = t.To
	return nil
}

// Hooks mirror the teacher's BeforeTransition/AfterTransition/OnError
// triple, letting the supervisor append timeline events around every
// phase change without the state machine importing runstore.
type Hooks struct {
	Before func(ctx context.Context, s *runtypes.RunState, event string) error
	After  func(ctx context.Context, s *runtypes.RunState, from, to runtypes.Phase) error
}

// Machine holds the full transition table, keyed by event name. Only
// one transition may exist per event name, since the supervisor always
// knows which event it is triggering.
type Machine struct {
	transitions map[string]*Transition
	hooks       Hooks
}

// New builds a Machine from a transition table.
func New(transitions []*Transition, hooks Hooks) *Machine {
	m := &Machine{transitions: make(map[string]*Transition, len(transitions)), hooks: hooks}
	for _, t := range transitions {
		m.transitions[t.Event] = t
	}
	return m
}

// ErrUnknownEvent is returned by Trigger for an event with no registered transition.
type ErrUnknownEvent string

func (e ErrUnknownEvent) Error() string { return fmt.Sprintf("statemachine: unknown event %q", string(e)) }

// ErrTransitionBlocked is returned when a transition's From phase or
// guards don't match the run's current state.
type ErrTransitionBlocked struct {
	Event string
	Phase runtypes.Phase
}

func (e *ErrTransitionBlocked) Error() string {
	return fmt.Sprintf("statemachine: transition %q blocked in phase %s", e.Event, e.Phase)
}

// Trigger attempts to fire event against s, running Before/After hooks
// around a successful transition.
func (m *Machine) Trigger(ctx context.Context, s *runtypes.RunState, event string) error {
	t, ok := m.transitions[event]
	if !ok {
		return ErrUnknownEvent(event)
	}

	allowed, err := t.CanFire(ctx, s)
	if err != nil {
		return err
	}
	if !allowed {
		return &ErrTransitionBlocked{Event: event, Phase: s.Phase}
	}

	if m.hooks.Before != nil {
		if err := m.hooks.Before(ctx, s, event); err != nil {
			return fmt.Errorf("statemachine: before-transition hook: %w", err)
		}
	}

	from := s.Phase
	if err := t.Fire(ctx, s); err != nil {
		return err
	}

	if m.hooks.After != nil {
		if err := m.hooks.After(ctx, s, from, s.Phase); err != nil {
			return fmt.Errorf("statemachine: after-transition hook: %w", err)
		}
	}
	return nil
}

// AvailableEvents returns every event that could legally fire from s's
// current phase, used by diagnostics and tests.
func (m *Machine) AvailableEvents(ctx context.Context, s *runtypes.RunState) ([]string, error) {
	var events []string
	for name, t := range m.transitions {
		ok, err := t.CanFire(ctx, s)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, name)
		}
	}
	return events, nil
}

// Stop forces s directly to STOPPED with reason, bypassing the
// transition table: a stop can happen from any phase (spec §4.5 "any
// phase -> STOPPED(reason) on fatal or budget exhaustion"), so it isn't
// modeled as per-phase edges.
func Stop(s *runtypes.RunState, reason runtypes.StopReason) {
	s.Phase = runtypes.PhaseStopped
	s.StopReason = &reason
}

// Event names fired by the supervisor loop (spec §4.5 transitions).
const (
	EventPreflightOK          = "preflight_ok"
	EventFastSkipPlan         = "fast_skip_plan"
	EventPlanDone             = "plan_done"
	EventImplementDone        = "implement_done"
	EventVerifyPass           = "verify_pass"
	EventVerifyRetry          = "verify_retry"
	EventReviewApproved       = "review_approved"
	EventReviewRevise         = "review_revise"
	EventCheckpointDone       = "checkpoint_done"
	EventFinalizeNextMilestone = "finalize_next_milestone"
	EventFinalizeComplete     = "finalize_complete"
)

// maxRetryGuard bounds a retry edge by a field read off the run state
// (phase_attempt), comparing against a caller-supplied ceiling. It is a
// Guard factory so the same edge works for both verify-retry and
// review-revise bounds with different ceilings.
func maxRetryGuard(ceiling func(s *runtypes.RunState) int) Guard {
	return func(_ context.Context, s *runtypes.RunState) (bool, error) {
		return s.PhaseAttempt <= ceiling(s), nil
	}
}

// milestonesRemainGuard fires finalize_next_milestone only when more
// milestones remain after advancing the index.
func milestonesRemainGuard(_ context.Context, s *runtypes.RunState) (bool, error) {
	return s.MilestoneIndex+1 < len(s.Milestones), nil
}

// milestonesExhaustedGuard is the complement, for finalize_complete.
func milestonesExhaustedGuard(_ context.Context, s *runtypes.RunState) (bool, error) {
	return s.MilestoneIndex+1 >= len(s.Milestones), nil
}

func advanceMilestone(_ context.Context, s *runtypes.RunState) error {
	s.MilestoneIndex++
	return nil
}

// resetPhaseAttempt clears the retry counter at the two points where a
// fresh attempt cycle legitimately begins: entering REVIEW for the
// first time after VERIFY passes (so review rounds aren't pre-loaded
// with leftover verify retries) and starting a new milestone's
// IMPLEMENT. The VERIFY<->IMPLEMENT and REVIEW<->IMPLEMENT retry edges
// deliberately do not reset it, or maxRetryGuard could never bound a
// ceiling greater than one.
func resetPhaseAttempt(_ context.Context, s *runtypes.RunState) error {
	s.PhaseAttempt = 0
	return nil
}

func markComplete(_ context.Context, s *runtypes.RunState) error {
	reason := runtypes.StopComplete
	s.StopReason = &reason
	return nil
}

// Budgets bounds the retry edges of the phase graph (spec §4.5
// "bounded by max_verify_retries" / "max_review_rounds").
type Budgets struct {
	MaxVerifyRetries int
	MaxReviewRounds  int
}

// Transitions builds the canonical spec §4.5 phase graph. fast, when
// true, wires INIT directly to IMPLEMENT instead of through PLAN.
func Transitions(budgets Budgets, fast bool) []*Transition {
	ts := []*Transition{
		{From: runtypes.PhaseImplement, To: runtypes.PhaseVerify, Event: EventImplementDone},
		{
			From: runtypes.PhaseVerify, To: runtypes.PhaseReview, Event: EventVerifyPass,
			Actions: []Action{resetPhaseAttempt},
		},
		{
			From: runtypes.PhaseVerify, To: runtypes.PhaseImplement, Event: EventVerifyRetry,
			Guards: []Guard{maxRetryGuard(func(s *runtypes.RunState) int { return budgets.MaxVerifyRetries })},
		},
		{From: runtypes.PhaseReview, To: runtypes.PhaseCheckpoint, Event: EventReviewApproved},
		{
			From: runtypes.PhaseReview, To: runtypes.PhaseImplement, Event: EventReviewRevise,
			Guards: []Guard{maxRetryGuard(func(s *runtypes.RunState) int { return budgets.MaxReviewRounds })},
		},
		{From: runtypes.PhaseCheckpoint, To: runtypes.PhaseFinalize, Event: EventCheckpointDone},
		{
			From: runtypes.PhaseFinalize, To: runtypes.PhaseImplement, Event: EventFinalizeNextMilestone,
			Guards:  []Guard{milestonesRemainGuard},
			Actions: []Action{advanceMilestone, resetPhaseAttempt},
		},
		{
			From: runtypes.PhaseFinalize, To: runtypes.PhaseStopped, Event: EventFinalizeComplete,
			Guards:  []Guard{milestonesExhaustedGuard},
			Actions: []Action{markComplete},
		},
	}

	if fast {
		ts = append(ts, &Transition{From: runtypes.PhaseInit, To: runtypes.PhaseImplement, Event: EventFastSkipPlan})
	} else {
		ts = append(ts,
			&Transition{From: runtypes.PhaseInit, To: runtypes.PhasePlan, Event: EventPreflightOK},
			&Transition{From: runtypes.PhasePlan, To: runtypes.PhaseImplement, Event: EventPlanDone},
		)
	}

	return ts
}
