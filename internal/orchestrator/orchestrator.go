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

// Package orchestrator schedules multiple tracks of a multi-run
// orchestration in parallel, serializing or blocking on file-scope
// collisions per the configured CollisionPolicy, and launching child
// runs through a process-like contract rather than in-process calls
// (spec §4.11). It is grounded on the teacher's
// internal/controller.Controller, which composes a runner.Runner with
// a scheduler and a leader elector; here an Orchestrator composes a
// Scheduler tick loop with the ownership claim book, and child runs
// are launched as process-equivalents of runner.Runner.Start rather
// than in-process goroutines.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weldr-dev/runr/internal/ownership"
	"github.com/weldr-dev/runr/internal/rlog"
	"github.com/weldr-dev/runr/internal/rmetrics"
	"github.com/weldr-dev/runr/internal/runtypes"
)

// Launcher starts one step's run as an external process-equivalent,
// returning the run identifier and its on-disk run directory once the
// run has been durably initialized (spec §4.11 "launches the child run
// ... via a Supervisor-equivalent process contract that returns
// {run_id, run_dir}").
type Launcher interface {
	Launch(ctx context.Context, track runtypes.Track, step runtypes.Step) (runID runtypes.RunID, runDir string, err error)
}

// RunProbe reads the terminal status of a previously-launched run,
// used both for live waiting and for crash-safe reconciliation on
// resume (spec §4.11 "Reconciliation on resume").
type RunProbe interface {
	Probe(runDir string) (*runtypes.RunState, error)
}

// Orchestrator owns one OrchestratorState and drives its tracks
// through the scheduling decision loop.
type Orchestrator struct {
	State    *runtypes.OrchestratorState
	Claims   *ownership.Book
	Launcher Launcher
	Probe    RunProbe
	Log      *slog.Logger

	// waitStreaks counts consecutive ticks a track has spent in
	// TrackWaiting, keyed by track id; used only to detect a genuine
	// mutual-wait cycle worth breaking via the deadlock tiebreak
	// (spec §4.10 "deadlock tiebreak"), not to resolve ordinary
	// single-sided serialization.
	waitStreaks map[string]int
}

// New builds an Orchestrator from a freshly-constructed
// OrchestratorState (spec §4.11, §6.1 orchestrations/<orch_id>/).
func New(state *runtypes.OrchestratorState, launcher Launcher, probe RunProbe, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = rlog.New(rlog.DefaultConfig())
	}
	book := ownership.NewBook()
	for trackID, claim := range state.FileClaims {
		book.Claim(trackID, claim.RunID, claim.OwnsNormalized) //nolint:errcheck // rehydrating a prior claim can't collide with itself
	}
	return &Orchestrator{
		State:       state,
		Claims:      book,
		Launcher:    launcher,
		Probe:       probe,
		Log:         rlog.WithComponent(log, "orchestrator"),
		waitStreaks: make(map[string]int),
	}
}

// currentStep returns the step a track is waiting on, or false if the
// track has exhausted its steps.
func currentStep(t *runtypes.Track) (runtypes.Step, bool) {
	if t.CurrentStep < 0 || t.CurrentStep >= len(t.Steps) {
		return runtypes.Step{}, false
	}
	return t.Steps[t.CurrentStep], true
}

// claimPatterns returns the patterns a step's launch should reserve:
// its explicit owns metadata when ownership is required, else its
// declared allowlist (spec §4.10, two collision layers unified under
// one claim book for scheduling purposes).
func (o *Orchestrator) claimPatterns(step runtypes.Step) []string {
	if o.State.Policy.OwnershipRequired {
		return step.OwnsNormalized
	}
	return step.Allowlist
}

// Tick runs one scheduling decision per spec §4.11: scan tracks in
// their declared order and return exactly one of done/launch/wait/
// blocked. A launch decision has already been acted on (claim
// acquired, child launched, active_runs recorded) by the time it is
// returned; wait and blocked launch nothing, but they record the
// track's new status (waiting, or stopped when blocked).
func (o *Orchestrator) Tick(ctx context.Context) (runtypes.SchedulerDecision, error) {
	if o.allTerminal() {
		o.finalizeStatus()
		return runtypes.SchedulerDecision{Kind: "done"}, nil
	}

	activeCount := 0
	for i := range o.State.Tracks {
		if o.State.Tracks[i].Status == runtypes.TrackRunning {
			activeCount++
		}
	}

	for i := range o.State.Tracks {
		track := &o.State.Tracks[i]
		if track.Status == runtypes.TrackComplete || track.Status == runtypes.TrackStopped || track.Status == runtypes.TrackFailed {
			continue
		}
		if track.Status == runtypes.TrackRunning {
			continue
		}

		step, ok := currentStep(track)
		if !ok {
			track.Status = runtypes.TrackComplete
			continue
		}

		if o.State.Policy.OwnershipRequired && len(step.OwnsNormalized) == 0 {
			track.Status = runtypes.TrackStopped
			rmetrics.RecordCollision(string(o.State.Policy.CollisionPolicy), "ownership_missing")
			return runtypes.SchedulerDecision{
				Kind: "blocked", TrackID: track.ID,
				Reason: "ownership_required but step declares no owns metadata",
			}, nil
		}

		patterns := o.claimPatterns(step)
		collisions := o.Claims.Collisions(track.ID, patterns)

		forced := false
		if len(collisions) > 0 {
			decision, err := o.resolveCollision(track, collisions)
			if err != nil {
				return runtypes.SchedulerDecision{}, err
			}
			if decision.Kind == "blocked" {
				return decision, nil
			}
			if decision.Kind == "wait" {
				o.waitStreaks[track.ID]++
				track.Status = runtypes.TrackWaiting
				continue
			}
			forced = true // force policy: fall through and launch anyway.
		} else {
			o.waitStreaks[track.ID] = 0
		}

		if activeCount >= o.State.Policy.Parallel {
			track.Status = runtypes.TrackWaiting
			continue
		}

		runID, runDir, err := o.launch(ctx, track, step, forced)
		if err != nil {
			return runtypes.SchedulerDecision{}, err
		}
		return runtypes.SchedulerDecision{Kind: "launch", TrackID: track.ID, Reason: string(runID) + " " + runDir}, nil
	}

	return runtypes.SchedulerDecision{Kind: "wait", Reason: "no track ready to launch"}, nil
}

// resolveCollision applies the configured CollisionPolicy to a
// detected pattern overlap (spec §4.10 layer 1/2, §4.11 "blocked").
// serialize waits; fail blocks; force proceeds, ignoring the overlap.
func (o *Orchestrator) resolveCollision(track *runtypes.Track, collisions []ownership.Collision) (runtypes.SchedulerDecision, error) {
	kind := "parallel_file_collision"
	if o.State.Policy.OwnershipRequired {
		kind = "ownership_violation"
	}

	switch o.State.Policy.CollisionPolicy {
	case runtypes.CollisionForce:
		rmetrics.RecordCollision(string(o.State.Policy.CollisionPolicy), kind)
		return runtypes.SchedulerDecision{Kind: "force"}, nil

	case runtypes.CollisionFail:
		rmetrics.RecordCollision(string(o.State.Policy.CollisionPolicy), kind)
		track.Status = runtypes.TrackStopped
		colliding := make([]runtypes.RunID, 0, len(collisions))
		for _, c := range collisions {
			colliding = append(colliding, c.ExistingRunID)
		}
		return runtypes.SchedulerDecision{
			Kind: "blocked", TrackID: track.ID, Reason: "blocked_on_collision",
			CollidingRuns: colliding,
		}, nil

	default: // serialize
		rmetrics.RecordCollision(string(o.State.Policy.CollisionPolicy), kind)
		o.breakDeadlockIfCycled(track, collisions)
		return runtypes.SchedulerDecision{Kind: "wait", Reason: "serialize: waiting on collision"}, nil
	}
}

// breakDeadlockIfCycled detects the narrow case spec §4.10 calls out:
// two tracks that have each been waiting on the other's claim for
// several consecutive ticks. Past deadlockStreakLimit, the track whose
// colliding run id sorts lexicographically larger (the strictly later
// start, per ownership.Yield) is force-stopped so the earlier track can
// proceed; this never fires for ordinary one-sided serialization, only
// a genuine mutual cycle.
const deadlockStreakLimit = 3

func (o *Orchestrator) breakDeadlockIfCycled(track *runtypes.Track, collisions []ownership.Collision) {
	if o.waitStreaks[track.ID] < deadlockStreakLimit {
		return
	}
	for _, c := range collisions {
		other, ok := o.trackByID(c.ExistingTrackID)
		if !ok || other.Status != runtypes.TrackRunning {
			continue
		}
		if o.waitStreaks[c.ExistingTrackID] < deadlockStreakLimit {
			continue
		}
		// Both sides have been stuck a while: the lexicographically
		// later run yields so the earlier one can make progress.
		thisRun := lastRunIDOf(track)
		otherRun := lastRunIDOf(other)
		if thisRun == "" || otherRun == "" {
			continue
		}
		if yielding := ownership.Yield(thisRun, otherRun); thisRun == yielding {
			track.Status = runtypes.TrackStopped
		}
	}
}

func (o *Orchestrator) trackByID(id string) (*runtypes.Track, bool) {
	for i := range o.State.Tracks {
		if o.State.Tracks[i].ID == id {
			return &o.State.Tracks[i], true
		}
	}
	return nil, false
}

// launch acquires the ownership claim, invokes the Launcher, and
// records the new active run (spec §4.11 "Upon launch"). forced is set
// when the collision policy is force: the claim is still recorded (so
// Advance has something to release later) but the overlap that force
// is meant to ignore must not itself block the claim.
func (o *Orchestrator) launch(ctx context.Context, track *runtypes.Track, step runtypes.Step, forced bool) (runtypes.RunID, string, error) {
	runID, runDir, err := o.Launcher.Launch(ctx, *track, step)
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: launch track %s: %w", track.ID, err)
	}

	patterns := o.claimPatterns(step)
	if len(patterns) > 0 {
		if forced {
			o.Claims.ClaimForce(track.ID, runID, patterns)
		} else if _, err := o.Claims.Claim(track.ID, runID, patterns); err != nil {
			return "", "", fmt.Errorf("orchestrator: claim after launch for track %s: %w", track.ID, err)
		}
	}

	track.Status = runtypes.TrackRunning
	track.Steps[track.CurrentStep].RunID = runID
	track.Steps[track.CurrentStep].RunDir = runDir
	if o.State.ActiveRuns == nil {
		o.State.ActiveRuns = make(map[string]runtypes.RunID)
	}
	o.State.ActiveRuns[track.ID] = runID
	o.waitStreaks[track.ID] = 0
	o.State.UpdatedAt = time.Now().UTC()

	o.Log.Info("track launched", "track_id", track.ID, "run_id", string(runID))
	return runID, runDir, nil
}

// Advance checks every currently-running track's active run for a
// terminal state and, if terminal, records the StepResult, releases
// its ownership claim, and advances (or terminates) the track. It is
// the live-polling counterpart to Reconcile and is safe to call
// repeatedly (spec §4.11 "Upon a child's terminal event").
func (o *Orchestrator) Advance(elapsed func(runDir string) time.Duration) error {
	for i := range o.State.Tracks {
		track := &o.State.Tracks[i]
		if track.Status != runtypes.TrackRunning {
			continue
		}
		runID, ok := o.State.ActiveRuns[track.ID]
		if !ok {
			continue
		}
		step, ok := currentStep(track)
		if !ok {
			continue
		}
		if step.RunDir == "" {
			continue
		}

		state, err := o.Probe.Probe(step.RunDir)
		if err != nil {
			return fmt.Errorf("orchestrator: probe track %s run %s: %w", track.ID, runID, err)
		}
		if state == nil || !state.Stopped() {
			continue // still running; re-enter wait next tick
		}

		result := runtypes.StepResult{Status: "complete"}
		if state.StopReason != nil && *state.StopReason != runtypes.StopComplete {
			result.Status = "stopped"
			result.StopReason = string(*state.StopReason)
		}
		if elapsed != nil {
			result.ElapsedMS = elapsed(step.RunDir).Milliseconds()
		}
		track.Steps[track.CurrentStep].Result = &result

		o.Claims.Release(track.ID)
		delete(o.State.ActiveRuns, track.ID)

		if result.Status != "complete" {
			track.Status = runtypes.TrackStopped
			continue
		}

		track.CurrentStep++
		if track.CurrentStep >= len(track.Steps) {
			track.Status = runtypes.TrackComplete
		} else {
			track.Status = runtypes.TrackPending
		}
	}
	return nil
}

// Reconcile implements spec §4.11 "Reconciliation on resume": for
// every recorded active_runs[track], probe the child run's state.json.
// If terminal, Reconcile passes the result to Advance in the same call,
// so the step is recorded and the track moves on; otherwise the track
// is left running so the scheduler starts a new wait on it.
// Probing is idempotent, so Reconcile is crash-safe to call on every
// orchestrator restart.
func (o *Orchestrator) Reconcile() error {
	return o.Advance(nil)
}

func (o *Orchestrator) allTerminal() bool {
	for _, t := range o.State.Tracks {
		if t.Status != runtypes.TrackComplete && t.Status != runtypes.TrackStopped && t.Status != runtypes.TrackFailed {
			return false
		}
	}
	return true
}

// finalizeStatus sets the orchestrator's terminal status once every
// track has reached a terminal state: complete if every track
// completed, stopped if any track stopped or failed.
func (o *Orchestrator) finalizeStatus() {
	for _, t := range o.State.Tracks {
		if t.Status != runtypes.TrackComplete {
			o.State.Status = runtypes.OrchestratorStopped
			o.State.UpdatedAt = time.Now().UTC()
			return
		}
	}
	o.State.Status = runtypes.OrchestratorComplete
	o.State.UpdatedAt = time.Now().UTC()
}

// lastRunIDOf returns the most recently assigned run id for a track's
// current (or last attempted) step, used only by the deadlock
// tiebreak (spec §4.10).
func lastRunIDOf(t *runtypes.Track) runtypes.RunID {
	for i := len(t.Steps) - 1; i >= 0; i-- {
		if t.Steps[i].RunID != "" {
			return t.Steps[i].RunID
		}
	}
	return ""
}
