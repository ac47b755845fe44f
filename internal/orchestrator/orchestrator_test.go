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

package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weldr-dev/runr/internal/runtypes"
)

// fakeLauncher hands out deterministic run ids in launch order, so
// tests can assert on scheduling decisions without spawning real
// processes.
type fakeLauncher struct {
	next int
}

func (f *fakeLauncher) Launch(_ context.Context, track runtypes.Track, _ runtypes.Step) (runtypes.RunID, string, error) {
	f.next++
	return runtypes.RunID(fmt.Sprintf("run-%02d", f.next)), "/tmp/run-" + track.ID, nil
}

// fakeProbe reports a fixed terminal state per run directory, set up
// by the test before calling Advance.
type fakeProbe struct {
	states map[string]*runtypes.RunState
}

func (f *fakeProbe) Probe(runDir string) (*runtypes.RunState, error) {
	return f.states[runDir], nil
}

func newState(parallel int, policy runtypes.CollisionPolicy, tracks ...runtypes.Track) *runtypes.OrchestratorState {
	return &runtypes.OrchestratorState{
		OrchestratorID: "orch-1",
		Tracks:         tracks,
		ActiveRuns:     make(map[string]runtypes.RunID),
		Policy: runtypes.OrchestratorPolicy{
			CollisionPolicy: policy,
			Parallel:        parallel,
		},
		Status: runtypes.OrchestratorRunning,
	}
}

func trackWithAllowlist(id string, allow ...string) runtypes.Track {
	return runtypes.Track{
		ID:   id,
		Name: id,
		Steps: []runtypes.Step{
			{TaskPath: "task.md", Allowlist: allow},
		},
	}
}

func TestTickLaunchesFirstReadyTrack(t *testing.T) {
	state := newState(2, runtypes.CollisionSerialize, trackWithAllowlist("t1", "src/a/**"))
	o := New(state, &fakeLauncher{}, &fakeProbe{}, nil)

	decision, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "launch", decision.Kind)
	require.Equal(t, "t1", decision.TrackID)
	require.Equal(t, runtypes.TrackRunning, state.Tracks[0].Status)
	require.Len(t, state.ActiveRuns, 1)
}

func TestTickRespectsParallelCap(t *testing.T) {
	state := newState(1, runtypes.CollisionSerialize,
		trackWithAllowlist("t1", "src/a/**"),
		trackWithAllowlist("t2", "src/b/**"),
	)
	o := New(state, &fakeLauncher{}, &fakeProbe{}, nil)

	decision, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "launch", decision.Kind)
	require.Equal(t, "t1", decision.TrackID)

	decision2, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wait", decision2.Kind)
	require.Equal(t, runtypes.TrackWaiting, state.Tracks[1].Status)
}

func TestSerializePolicyWaitsOnOverlap(t *testing.T) {
	state := newState(2, runtypes.CollisionSerialize,
		trackWithAllowlist("t1", "src/api/**"),
		trackWithAllowlist("t2", "src/**"),
	)
	o := New(state, &fakeLauncher{}, &fakeProbe{}, nil)

	_, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.TrackRunning, state.Tracks[0].Status)

	decision, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wait", decision.Kind)
	require.Equal(t, runtypes.TrackWaiting, state.Tracks[1].Status)
}

func TestFailPolicyBlocksOnOverlap(t *testing.T) {
	state := newState(2, runtypes.CollisionFail,
		trackWithAllowlist("t1", "src/api/**"),
		trackWithAllowlist("t2", "src/**"),
	)
	o := New(state, &fakeLauncher{}, &fakeProbe{}, nil)

	_, err := o.Tick(context.Background())
	require.NoError(t, err)

	decision, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "blocked", decision.Kind)
	require.Equal(t, "t2", decision.TrackID)
	require.Equal(t, runtypes.TrackStopped, state.Tracks[1].Status)
	require.Len(t, decision.CollidingRuns, 1)
}

func TestForcePolicyLaunchesDespiteOverlap(t *testing.T) {
	state := newState(2, runtypes.CollisionForce,
		trackWithAllowlist("t1", "src/api/**"),
		trackWithAllowlist("t2", "src/**"),
	)
	o := New(state, &fakeLauncher{}, &fakeProbe{}, nil)

	_, err := o.Tick(context.Background())
	require.NoError(t, err)

	decision, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "launch", decision.Kind)
	require.Equal(t, runtypes.TrackRunning, state.Tracks[1].Status)
}

func TestOwnershipRequiredBlocksStepWithoutOwns(t *testing.T) {
	state := newState(2, runtypes.CollisionSerialize, trackWithAllowlist("t1"))
	state.Policy.OwnershipRequired = true
	o := New(state, &fakeLauncher{}, &fakeProbe{}, nil)

	decision, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "blocked", decision.Kind)
	require.Equal(t, runtypes.TrackStopped, state.Tracks[0].Status)
}

func TestAdvanceCompletesTrackAndReleasesClaim(t *testing.T) {
	state := newState(2, runtypes.CollisionSerialize, trackWithAllowlist("t1", "src/a/**"))
	launcher := &fakeLauncher{}
	probe := &fakeProbe{states: make(map[string]*runtypes.RunState)}
	o := New(state, launcher, probe, nil)

	_, err := o.Tick(context.Background())
	require.NoError(t, err)
	runDir := state.Tracks[0].Steps[0].RunDir

	probe.states[runDir] = &runtypes.RunState{Phase: runtypes.PhaseStopped, StopReason: stopPtr(runtypes.StopComplete)}
	require.NoError(t, o.Advance(nil))

	require.Equal(t, runtypes.TrackComplete, state.Tracks[0].Status)
	require.Empty(t, state.ActiveRuns)
	_, claimed := o.Claims.ClaimFor("t1")
	require.False(t, claimed)
}

func TestAdvanceStopsTrackOnChildFailure(t *testing.T) {
	state := newState(2, runtypes.CollisionSerialize, trackWithAllowlist("t1", "src/a/**"))
	launcher := &fakeLauncher{}
	probe := &fakeProbe{states: make(map[string]*runtypes.RunState)}
	o := New(state, launcher, probe, nil)

	_, err := o.Tick(context.Background())
	require.NoError(t, err)
	runDir := state.Tracks[0].Steps[0].RunDir

	probe.states[runDir] = &runtypes.RunState{Phase: runtypes.PhaseStopped, StopReason: stopPtr(runtypes.StopGuardViolation)}
	require.NoError(t, o.Advance(nil))

	require.Equal(t, runtypes.TrackStopped, state.Tracks[0].Status)
}

func TestTickReturnsDoneWhenAllTracksTerminal(t *testing.T) {
	state := newState(2, runtypes.CollisionSerialize, trackWithAllowlist("t1", "src/a/**"))
	state.Tracks[0].Status = runtypes.TrackComplete
	o := New(state, &fakeLauncher{}, &fakeProbe{}, nil)

	decision, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", decision.Kind)
	require.Equal(t, runtypes.OrchestratorComplete, state.Status)
}

func TestReconcileSurfacesTerminalChildOnRestart(t *testing.T) {
	state := newState(2, runtypes.CollisionSerialize, trackWithAllowlist("t1", "src/a/**"))
	state.Tracks[0].Status = runtypes.TrackRunning
	state.Tracks[0].Steps[0].RunDir = "/tmp/run-t1"
	state.Tracks[0].Steps[0].RunID = "run-01"
	state.ActiveRuns["t1"] = "run-01"

	probe := &fakeProbe{states: map[string]*runtypes.RunState{
		"/tmp/run-t1": {Phase: runtypes.PhaseStopped, StopReason: stopPtr(runtypes.StopComplete)},
	}}
	o := New(state, &fakeLauncher{}, probe, nil)

	require.NoError(t, o.Reconcile())
	require.Equal(t, runtypes.TrackComplete, state.Tracks[0].Status)
}

func stopPtr(r runtypes.StopReason) *runtypes.StopReason { return &r }
