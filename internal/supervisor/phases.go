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

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weldr-dev/runr/internal/gitrepo"
	"github.com/weldr-dev/runr/internal/rmetrics"
	"github.com/weldr-dev/runr/internal/runtypes"
	"github.com/weldr-dev/runr/internal/statemachine"
	"github.com/weldr-dev/runr/internal/verification"
	"github.com/weldr-dev/runr/internal/worker"
	"github.com/weldr-dev/runr/pkg/rerrors"
)

// tracer is the supervisor's OTel tracer; every worker call opens a
// span under it (SPEC_FULL.md §4.6 "every supervisor tick and worker
// call opens a span"). Exporting is whatever rtracing.NewProvider
// registered as the global TracerProvider; a no-op provider (the
// default before rtracing is wired in) makes this free.
var tracer = otel.Tracer("github.com/weldr-dev/runr/internal/supervisor")

// doInit fires the INIT -> PLAN (or INIT -> IMPLEMENT in fast mode)
// transition; preflight itself has already run by the time the
// supervisor is constructed (spec §4.4 "a run only proceeds when
// guard.ok").
func (sp *Supervisor) doInit(ctx context.Context) error {
	event := statemachine.EventPreflightOK
	if sp.Config.Fast {
		event = statemachine.EventFastSkipPlan
	}
	from := sp.State.Phase
	if err := sp.Machine.Trigger(ctx, sp.State, event); err != nil {
		return fmt.Errorf("supervisor: init transition: %w", err)
	}
	rmetrics.RecordPhaseTransition(string(from), string(sp.State.Phase))
	return sp.appendPhaseStart(sp.State.Phase)
}

// doPlan calls the configured plan worker. An empty milestone list is
// a valid plan (spec §8 "empty milestones list triggers immediate
// FINALIZE -> STOPPED(complete)"): the run skips straight to FINALIZE
// without ever entering IMPLEMENT.
func (sp *Supervisor) doPlan(ctx context.Context) error {
	res, stalled, err := sp.callWorker(ctx, runtypes.PhasePlan, sp.Config.Workers.Plan, sp.Config.Workers.Plan, func(c context.Context, w worker.Worker, req worker.Request) (any, error) {
		return w.PlanTask(c, req)
	})
	if stalled {
		return sp.stop(runtypes.StopStalledTimeout, map[string]any{"phase": "PLAN"})
	}
	if err != nil {
		return sp.handleWorkerError(ctx, err, runtypes.StopPlanParseFailed)
	}

	plan := res.(*worker.Plan)
	sp.State.Milestones = plan.Milestones
	if _, err := sp.Store.AppendEvent(runtypes.EventPlanGenerated, runtypes.SourceWorker, map[string]any{
		"milestone_count": len(plan.Milestones),
	}); err != nil {
		return err
	}

	if len(plan.Milestones) == 0 {
		sp.State.LastSuccessfulPhase = runtypes.PhasePlan
		sp.State.PhaseAttempt = 0
		sp.State.Phase = runtypes.PhaseFinalize
		rmetrics.RecordPhaseTransition(string(runtypes.PhasePlan), string(runtypes.PhaseFinalize))
		return sp.appendPhaseStart(runtypes.PhaseFinalize)
	}

	from := sp.State.Phase
	if err := sp.Machine.Trigger(ctx, sp.State, statemachine.EventPlanDone); err != nil {
		return err
	}
	rmetrics.RecordPhaseTransition(string(from), string(sp.State.Phase))
	return sp.appendPhaseStart(sp.State.Phase)
}

func (sp *Supervisor) currentMilestone() (runtypes.Milestone, bool) {
	if sp.State.MilestoneIndex < 0 || sp.State.MilestoneIndex >= len(sp.State.Milestones) {
		return runtypes.Milestone{}, false
	}
	return sp.State.Milestones[sp.State.MilestoneIndex], true
}

// doImplement calls the configured implement worker, then scope-checks
// its changed files before advancing to VERIFY (spec §4.5
// "IMPLEMENT -> VERIFY on worker success + scope check pass").
func (sp *Supervisor) doImplement(ctx context.Context) error {
	res, stalled, err := sp.callWorker(ctx, runtypes.PhaseImplement, sp.Config.Workers.Implement, sp.Config.Workers.Fallback, func(c context.Context, w worker.Worker, req worker.Request) (any, error) {
		return w.Implement(c, req)
	})
	if stalled {
		return sp.stop(runtypes.StopStalledTimeout, map[string]any{"phase": "IMPLEMENT"})
	}
	if err != nil {
		return sp.handleWorkerError(ctx, err, runtypes.StopImplementParseFailed)
	}

	impl := res.(*worker.Implementation)
	sp.lastChangedFiles = impl.ChangedFiles
	if err := sp.Guard.CheckPaths(impl.ChangedFiles); err != nil {
		var gerr *rerrors.GuardError
		if errors.As(err, &gerr) {
			if _, evErr := sp.Store.AppendEvent(runtypes.EventGuardViolation, runtypes.SourceSupervisor, map[string]any{
				"violations": gerr.Violations,
			}); evErr != nil {
				return evErr
			}
		}
		return sp.stop(runtypes.StopGuardViolation, map[string]any{"phase": "IMPLEMENT"})
	}

	if _, err := sp.Store.AppendEvent(runtypes.EventImplementComplete, runtypes.SourceWorker, map[string]any{
		"changed_files": impl.ChangedFiles,
	}); err != nil {
		return err
	}

	from := sp.State.Phase
	if err := sp.Machine.Trigger(ctx, sp.State, statemachine.EventImplementDone); err != nil {
		return err
	}
	rmetrics.RecordPhaseTransition(string(from), string(sp.State.Phase))
	return sp.appendPhaseStart(sp.State.Phase)
}

// doVerify selects tiers via VerificationPolicy and runs each in order,
// retrying IMPLEMENT on a recoverable failure up to max_verify_retries
// (spec §4.3, §4.5).
func (sp *Supervisor) doVerify(ctx context.Context) error {
	milestone, ok := sp.currentMilestone()
	riskLevel := runtypes.RiskLow
	if ok {
		riskLevel = milestone.RiskLevel
	}
	isRunEnd := sp.State.MilestoneIndex+1 >= len(sp.State.Milestones)

	tiers, reasons, err := sp.Policy.Select(verification.Input{
		ChangedFiles:   sp.lastChangedFiles,
		RiskLevel:      riskLevel,
		IsMilestoneEnd: true,
		IsRunEnd:       isRunEnd,
	})
	if err != nil {
		return fmt.Errorf("supervisor: select verification tiers: %w", err)
	}
	if _, err := sp.Store.AppendEvent(runtypes.EventVerification, runtypes.SourceSupervisor, map[string]any{
		"tiers": tiers, "reasons": reasons,
	}); err != nil {
		return err
	}

	evidence := &runtypes.VerificationEvidence{Tiers: tiers, Reasons: reasons, Results: map[string]any{}}

	verifyCtx := ctx
	var cancel context.CancelFunc
	if d := sp.Config.MaxVerifyTimePerMilestone(); d > 0 {
		verifyCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	for _, tier := range tiers {
		result, verr := sp.Verifier.Verify(verifyCtx, tier, sp.Repo.Root())
		if verr != nil && result == nil {
			return fmt.Errorf("supervisor: verifier tier %s: %w", tier, verr)
		}
		evidence.Results[tier] = result

		if result.Passed {
			rmetrics.RecordVerification(tier, "pass")
			if _, err := sp.Store.AppendEvent(runtypes.EventTierPassed, runtypes.SourceSupervisor, map[string]any{
				"tier": tier, "duration_ms": result.Duration.Milliseconds(),
			}); err != nil {
				return err
			}
			continue
		}

		rmetrics.RecordVerification(tier, "fail")
		if _, err := sp.Store.AppendEvent(runtypes.EventTierFailed, runtypes.SourceSupervisor, map[string]any{
			"tier": tier, "retry": sp.State.PhaseAttempt, "log": result.Log,
		}); err != nil {
			return err
		}

		sp.State.LastVerificationEvidence = evidence
		sp.State.PhaseAttempt++
		from := sp.State.Phase
		if tErr := sp.Machine.Trigger(ctx, sp.State, statemachine.EventVerifyRetry); tErr != nil {
			return sp.stop(runtypes.StopVerificationMaxRetries, map[string]any{
				"tier": tier, "next_action": "resume", "suggested_command": "runr resume " + string(sp.State.RunID),
			})
		}
		rmetrics.RecordPhaseTransition(string(from), string(sp.State.Phase))
		return sp.appendPhaseStart(sp.State.Phase)
	}

	sp.State.LastVerificationEvidence = evidence
	if _, err := sp.Store.AppendEvent(runtypes.EventVerifyComplete, runtypes.SourceSupervisor, map[string]any{"tiers": tiers}); err != nil {
		return err
	}

	from := sp.State.Phase
	if err := sp.Machine.Trigger(ctx, sp.State, statemachine.EventVerifyPass); err != nil {
		return err
	}
	rmetrics.RecordPhaseTransition(string(from), string(sp.State.Phase))
	return sp.appendPhaseStart(sp.State.Phase)
}

// doReview calls the configured review worker, tracking revise rounds
// against max_review_rounds (spec §4.5, review family stop reason).
func (sp *Supervisor) doReview(ctx context.Context) error {
	res, stalled, err := sp.callWorker(ctx, runtypes.PhaseReview, sp.Config.Workers.Review, sp.Config.Workers.Fallback, func(c context.Context, w worker.Worker, req worker.Request) (any, error) {
		return w.Review(c, req)
	})
	if stalled {
		return sp.stop(runtypes.StopStalledTimeout, map[string]any{"phase": "REVIEW"})
	}
	if err != nil {
		return sp.handleWorkerError(ctx, err, runtypes.StopReviewParseFailed)
	}

	review := res.(*worker.Review)
	if _, err := sp.Store.AppendEvent(runtypes.EventReviewComplete, runtypes.SourceWorker, map[string]any{
		"verdict": string(review.Verdict), "notes": review.Notes,
	}); err != nil {
		return err
	}

	if review.Verdict == worker.VerdictApproved {
		from := sp.State.Phase
		if err := sp.Machine.Trigger(ctx, sp.State, statemachine.EventReviewApproved); err != nil {
			return err
		}
		rmetrics.RecordPhaseTransition(string(from), string(sp.State.Phase))
		return sp.appendPhaseStart(sp.State.Phase)
	}

	sp.State.PhaseAttempt++
	from := sp.State.Phase
	if err := sp.Machine.Trigger(ctx, sp.State, statemachine.EventReviewRevise); err != nil {
		return sp.stop(runtypes.StopReviewLoopDetected, map[string]any{
			"rounds": sp.State.PhaseAttempt, "max": sp.Config.Budgets.MaxReviewRounds,
		})
	}
	rmetrics.RecordPhaseTransition(string(from), string(sp.State.Phase))
	return sp.appendPhaseStart(sp.State.Phase)
}

// doCheckpoint commits all changes with the canonical checkpoint
// subject (spec §6.3) and records the commit SHA.
func (sp *Supervisor) doCheckpoint(ctx context.Context) error {
	subject := gitrepo.CheckpointSubject(string(sp.State.RunID), sp.State.MilestoneIndex)
	sha, err := sp.Repo.CommitAll(ctx, subject)
	if err != nil {
		return fmt.Errorf("supervisor: checkpoint commit: %w", err)
	}
	sp.State.CheckpointCommitSHA = sha

	if _, err := sp.Store.AppendEvent(runtypes.EventCheckpoint, runtypes.SourceSupervisor, map[string]any{
		"sha": sha, "milestone": sp.State.MilestoneIndex,
	}); err != nil {
		return err
	}
	if _, err := sp.Store.AppendEvent(runtypes.EventMilestoneComplete, runtypes.SourceSupervisor, map[string]any{
		"milestone": sp.State.MilestoneIndex,
	}); err != nil {
		return err
	}

	from := sp.State.Phase
	if err := sp.Machine.Trigger(ctx, sp.State, statemachine.EventCheckpointDone); err != nil {
		return err
	}
	rmetrics.RecordPhaseTransition(string(from), string(sp.State.Phase))
	return sp.appendPhaseStart(sp.State.Phase)
}

// doFinalize advances to the next milestone's IMPLEMENT phase or stops
// complete, per spec §4.5 "FINALIZE -> STOPPED(complete) when
// milestone_index + 1 == len(milestones)".
func (sp *Supervisor) doFinalize(ctx context.Context) error {
	if len(sp.State.Milestones) == 0 || sp.State.MilestoneIndex+1 >= len(sp.State.Milestones) {
		if err := sp.Machine.Trigger(ctx, sp.State, statemachine.EventFinalizeComplete); err != nil {
			return err
		}
		if _, err := sp.Store.AppendEvent(runtypes.EventRunComplete, runtypes.SourceSupervisor, nil); err != nil {
			return err
		}
		return sp.stop(runtypes.StopComplete, nil)
	}

	from := sp.State.Phase
	if err := sp.Machine.Trigger(ctx, sp.State, statemachine.EventFinalizeNextMilestone); err != nil {
		return err
	}
	rmetrics.RecordPhaseTransition(string(from), string(sp.State.Phase))
	return sp.appendPhaseStart(sp.State.Phase)
}

// handleWorkerError implements spec §4.6 steps 4-5: a parse failure is
// retried once with a tightened prompt (the retry shows up only as a
// parse_failed event with retry=true; no reliability.infra_retries
// counter is kept); repeated failure stops with the matching reason. worker_unavailable falls back to a configured worker if one
// exists, else stops.
func (sp *Supervisor) handleWorkerError(ctx context.Context, err error, parseFailReason runtypes.StopReason) error {
	var werr *rerrors.WorkerError
	if !errors.As(err, &werr) {
		return err
	}

	switch werr.Kind {
	case "parse_failed":
		if !sp.parseRetried {
			sp.parseRetried = true
			if _, evErr := sp.Store.AppendEvent(runtypes.EventParseFailed, runtypes.SourceWorker, map[string]any{
				"worker": werr.Worker, "retry": true,
			}); evErr != nil {
				return evErr
			}
			return nil // re-attempt the same phase next tick with a tightened prompt
		}
		if _, evErr := sp.Store.AppendEvent(runtypes.EventParseFailed, runtypes.SourceWorker, map[string]any{
			"worker": werr.Worker, "retry": false,
		}); evErr != nil {
			return evErr
		}
		return sp.stop(parseFailReason, map[string]any{"worker": werr.Worker})

	case "worker_unavailable":
		if sp.Config.Workers.Fallback != "" && !sp.fallbackUsed {
			sp.fallbackUsed = true
			if _, evErr := sp.Store.AppendEvent(runtypes.EventWorkerFallback, runtypes.SourceSupervisor, map[string]any{
				"from": werr.Worker, "to": sp.Config.Workers.Fallback,
			}); evErr != nil {
				return evErr
			}
			return nil // re-attempt the same phase next tick using the fallback worker
		}
		return sp.stop(runtypes.StopWorkerUnavailable, map[string]any{"worker": werr.Worker})

	case "timeout":
		// The worker's own call-level timeout fired before our stall
		// guard did; treat it the same as a stall (spec §4.6 step 6).
		return sp.stop(runtypes.StopStalledTimeout, map[string]any{"worker": werr.Worker})

	default:
		return err
	}
}

// workerResult is the payload delivered on the result channel of a
// stall-guarded worker call.
type workerResult struct {
	val any
	err error
}

// callWorker resolves the named worker (falling back to fallbackName if
// set and this phase attempt already failed over), builds the phase's
// Request, and races the call against max_worker_call_minutes. stalled
// is true only when the call was killed for exceeding that budget; a
// goroutine keeps draining the result channel afterward so a late
// arrival is recorded as late_worker_result_ignored rather than leaked.
func (sp *Supervisor) callWorker(ctx context.Context, phase runtypes.Phase, primaryName, fallbackName string, fn func(context.Context, worker.Worker, worker.Request) (any, error)) (any, bool, error) {
	name := primaryName
	if sp.fallbackUsed && fallbackName != "" {
		name = fallbackName
	}

	w, err := sp.Workers.Get(name)
	if err != nil {
		return nil, false, err
	}

	timeout := sp.WorkerTimeout
	if timeout == 0 {
		timeout = sp.Config.MaxWorkerCall()
	}

	req := worker.Request{
		Phase:   sp.State.Phase,
		Timeout: timeout,
	}
	if m, ok := sp.currentMilestone(); ok {
		req.TaskText = m.Name
	}
	if sp.parseRetried {
		req.TaskText = "(tightened prompt) " + req.TaskText
	}

	callCtx, cancel := context.WithCancel(ctx)
	resultCh := make(chan workerResult, 1)
	start := time.Now()
	go func() {
		spanCtx, span := tracer.Start(callCtx, "worker.call", trace.WithAttributes(
			attribute.String("runr.worker", name),
			attribute.String("runr.phase", string(phase)),
		))
		val, callErr := fn(spanCtx, w, req)
		if callErr != nil {
			span.SetStatus(codes.Error, callErr.Error())
		}
		span.End()
		resultCh <- workerResult{val: val, err: callErr}
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-resultCh:
		cancel()
		outcome := "ok"
		if res.err != nil {
			outcome = "error"
		}
		rmetrics.RecordWorkerCall(name, string(phase), outcome, time.Since(start).Seconds())
		return res.val, false, res.err

	case <-timeoutCh:
		cancel()
		rmetrics.RecordWorkerCall(name, string(phase), "stalled", time.Since(start).Seconds())
		go sp.drainLateResult(resultCh)
		return nil, true, nil
	}
}

// drainLateResult blocks (in its own goroutine) until a stall-killed
// worker call finally returns, then records that the result arrived too
// late to affect a run that has already moved on (spec §4.6 step 6,
// §5 "Cancellation").
func (sp *Supervisor) drainLateResult(ch <-chan workerResult) {
	<-ch
	sp.Store.AppendEvent(runtypes.EventLateWorkerResultIgnored, runtypes.SourceSupervisor, nil)
}
