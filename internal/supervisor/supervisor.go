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

// Package supervisor drives one run's phase graph: Plan -> Implement ->
// Verify -> Review -> Checkpoint -> Finalize, enforcing budgets and
// stall detection, retrying or falling back on typed worker failures,
// and recording every step to the run's event log (spec §4.6). It is
// grounded on the teacher's internal/controller/runner tick/lifecycle
// driver, generalized from a single-pass workflow executor to a
// resumable, budget-aware phase loop with its own retry vocabulary.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/weldr-dev/runr/internal/gitrepo"
	"github.com/weldr-dev/runr/internal/rconfig"
	"github.com/weldr-dev/runr/internal/receipt"
	"github.com/weldr-dev/runr/internal/rlog"
	"github.com/weldr-dev/runr/internal/rmetrics"
	"github.com/weldr-dev/runr/internal/runstore"
	"github.com/weldr-dev/runr/internal/runtypes"
	"github.com/weldr-dev/runr/internal/scopeguard"
	"github.com/weldr-dev/runr/internal/statemachine"
	"github.com/weldr-dev/runr/internal/verification"
	"github.com/weldr-dev/runr/internal/verifier"
	"github.com/weldr-dev/runr/internal/worker"
)

// Clock abstracts time so tests can control wall-time budget exceedance
// without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time     { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Supervisor drives one RunState through the phase graph.
type Supervisor struct {
	Store    *runstore.Store
	State    *runtypes.RunState
	Machine  *statemachine.Machine
	Repo     *gitrepo.Repo
	Workers  *worker.Registry
	Verifier verifier.Verifier
	Guard    *scopeguard.Guard
	Policy   *verification.Policy
	Config   *rconfig.Config
	Log      *slog.Logger
	Clock    Clock

	// WorkerTimeout overrides Config.MaxWorkerCall() for the stall guard
	// when nonzero. Config only carries minute granularity, so tests that
	// need to exercise a stall without waiting a full minute set this
	// directly instead.
	WorkerTimeout time.Duration

	startedAt        time.Time
	tickCount        int
	parseRetried     bool
	fallbackUsed     bool
	lastPhaseSeen    runtypes.Phase
	lastChangedFiles []string
	phaseBeforeStop  runtypes.Phase
}

// New builds a Supervisor. Machine is constructed by the caller (via
// statemachine.New) so CLI and orchestrator callers can share the same
// transition table construction path.
func New(store *runstore.Store, state *runtypes.RunState, machine *statemachine.Machine, repo *gitrepo.Repo, workers *worker.Registry, v verifier.Verifier, guard *scopeguard.Guard, policy *verification.Policy, cfg *rconfig.Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = rlog.New(rlog.DefaultConfig())
	}
	return &Supervisor{
		Store: store, State: state, Machine: machine, Repo: repo,
		Workers: workers, Verifier: v, Guard: guard, Policy: policy,
		Config: cfg, Log: rlog.WithComponent(rlog.WithRun(log, string(state.RunID)), "supervisor"),
		Clock: realClock{}, lastPhaseSeen: state.Phase,
	}
}

// Run drives the supervisor loop until the run reaches STOPPED,
// returning the final state. Exactly one of Run's own errors and
// StopReason being set means a fatal (non-guard) failure occurred;
// guard/budget/worker/review stops are reported through StopReason,
// not a returned error.
func (sp *Supervisor) Run(ctx context.Context) (*runtypes.RunState, error) {
	sp.startedAt = sp.Clock.Now()

	for !sp.State.Stopped() {
		if err := sp.tick(ctx); err != nil {
			return sp.State, err
		}
		if err := sp.persist(); err != nil {
			return sp.State, err
		}
		if sp.maybeAutoResume() {
			continue
		}
	}
	return sp.State, nil
}

// persist writes the state snapshot and advances the fallback/parse
// retry bookkeeping that's scoped to "the current phase", not the
// whole run.
func (sp *Supervisor) persist() error {
	sp.State.UpdatedAt = time.Now().UTC()
	if sp.State.Phase != sp.lastPhaseSeen {
		sp.parseRetried = false
		sp.fallbackUsed = false
		sp.lastPhaseSeen = sp.State.Phase
	}
	if err := sp.Store.WriteState(sp.State); err != nil {
		return fmt.Errorf("supervisor: persist state: %w", err)
	}
	return nil
}

// tick executes one supervisor iteration (spec §4.6 "Tick procedure").
func (sp *Supervisor) tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "supervisor.tick", trace.WithAttributes(
		attribute.String("runr.run_id", string(sp.State.RunID)),
		attribute.String("runr.phase", string(sp.State.Phase)),
	))
	defer span.End()

	sp.tickCount++
	rmetrics.RecordTick(string(sp.State.Phase))

	// Step 1: budgets.
	if sp.Config.Budgets.MaxTicks > 0 && sp.tickCount > sp.Config.Budgets.MaxTicks {
		return sp.stop(runtypes.StopMaxTicksReached, map[string]any{"ticks": sp.tickCount})
	}
	elapsed := sp.Clock.Now().Sub(sp.startedAt)
	if budget := sp.Config.TimeBudget(); budget > 0 && elapsed >= budget {
		return sp.stop(runtypes.StopTimeBudgetExceed, map[string]any{"elapsed_ms": elapsed.Milliseconds()})
	}

	switch sp.State.Phase {
	case runtypes.PhaseInit:
		return sp.doInit(ctx)
	case runtypes.PhasePlan:
		return sp.doPlan(ctx)
	case runtypes.PhaseImplement:
		return sp.doImplement(ctx)
	case runtypes.PhaseVerify:
		return sp.doVerify(ctx)
	case runtypes.PhaseReview:
		return sp.doReview(ctx)
	case runtypes.PhaseCheckpoint:
		return sp.doCheckpoint(ctx)
	case runtypes.PhaseFinalize:
		return sp.doFinalize(ctx)
	default:
		return fmt.Errorf("supervisor: unhandled phase %s", sp.State.Phase)
	}
}

// stop transitions to STOPPED with reason, appending the stop event
// and recording the metric. It never returns an error itself; the
// caller's tick() simply returns its result to unwind the loop.
func (sp *Supervisor) stop(reason runtypes.StopReason, payload map[string]any) error {
	sp.phaseBeforeStop = sp.State.Phase
	statemachine.Stop(sp.State, reason)
	rmetrics.RecordStop(string(reason))
	if payload == nil {
		payload = map[string]any{}
	}
	payload["reason"] = string(reason)
	_, err := sp.Store.AppendEvent(runtypes.EventStop, runtypes.SourceSupervisor, payload)
	sp.writeReceipt()
	return err
}

// writeReceipt renders the spec §7 stop receipt (summary line, detail
// sections, suggested command) to summary.md. Best-effort: a failure
// here never masks the stop itself, since the timeline is already the
// durable record of why the run stopped.
func (sp *Supervisor) writeReceipt() {
	events, err := sp.Store.ReadTimeline()
	if err != nil {
		sp.Log.Warn("receipt: read timeline", rlog.Error(err))
		return
	}
	r := receipt.BuildForRun(sp.State, events)
	if err := sp.Store.WriteSummary(receipt.RenderMarkdown(r)); err != nil {
		sp.Log.Warn("receipt: write summary.md", rlog.Error(err))
	}
}

func (sp *Supervisor) appendPhaseStart(phase runtypes.Phase) error {
	_, err := sp.Store.AppendEvent(runtypes.EventPhaseStart, runtypes.SourceSupervisor, map[string]any{"phase": string(phase)})
	return err
}

// maybeAutoResume implements spec §4.6 "Auto-resume": on a transient
// stop with auto_resume enabled and the attempt ceiling not yet hit, it
// restores the phase the run was in before the stop, clears the stop
// reason, and sleeps a backoff (counted against wall time) before the
// loop continues. Returns true if it resumed in place.
func (sp *Supervisor) maybeAutoResume() bool {
	if !sp.State.Stopped() || sp.State.StopReason == nil {
		return false
	}
	if !sp.State.StopReason.Transient() || !sp.Config.AutoResume.Enabled {
		return false
	}
	if sp.State.AutoResumeCount >= sp.Config.AutoResume.MaxAutoResumes {
		return false
	}

	delay := sp.Config.AutoResumeDelay(sp.State.AutoResumeCount)
	reason := *sp.State.StopReason
	sp.State.AutoResumeCount++
	sp.State.StopReason = nil
	sp.State.Phase = sp.resumePhaseAfterStop(reason)

	rmetrics.RecordAutoResume(string(reason))
	sp.Store.AppendEvent(runtypes.EventRunResumed, runtypes.SourceSupervisor, map[string]any{
		"auto_resume":        true,
		"recovered_reason":   string(reason),
		"auto_resume_count":  sp.State.AutoResumeCount,
		"backoff_ms":         delay.Milliseconds(),
	})
	sp.Clock.Sleep(delay)
	return true
}

// resumePhaseAfterStop picks the phase to re-enter after a transient
// stop. A stall always interrupted an in-flight worker call, so the
// phase that was active when stop() fired is re-entered directly;
// budget stops re-enter the last phase that successfully completed.
func (sp *Supervisor) resumePhaseAfterStop(reason runtypes.StopReason) runtypes.Phase {
	if reason == runtypes.StopStalledTimeout {
		return sp.phaseBeforeStop
	}
	if sp.State.LastSuccessfulPhase == "" {
		return runtypes.PhaseInit
	}
	return sp.State.LastSuccessfulPhase
}
