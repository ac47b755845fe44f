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

// Package runtypes holds the plain data vocabulary shared by runstore,
// statemachine, supervisor, resume, ownership and orchestrator. No
// package in this tree depends on behavior; only structs and enums
// live here, so the behavioral packages can depend on this one without
// depending on each other.
package runtypes

import "time"

// RunID is opaque but, by construction, a 14-digit UTC timestamp
// (YYYYMMDDhhmmss), so lexicographic sort equals chronological sort.
type RunID string

// NewRunID mints a RunID from the current UTC time.
func NewRunID() RunID { return RunID(time.Now().UTC().Format("20060102150405")) }

// Phase is a state in the per-run phase graph.
type Phase string

const (
	PhaseInit       Phase = "INIT"
	PhasePlan       Phase = "PLAN"
	PhaseImplement  Phase = "IMPLEMENT"
	PhaseVerify     Phase = "VERIFY"
	PhaseReview     Phase = "REVIEW"
	PhaseCheckpoint Phase = "CHECKPOINT"
	PhaseFinalize   Phase = "FINALIZE"
	PhaseStopped    Phase = "STOPPED"
)

// RiskLevel classifies how invasive a milestone's expected change is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// StopReason enumerates every terminal reason a run can stop for,
// grouped into families for receipt rendering (see StopReasonFamily).
type StopReason string

const (
	StopComplete StopReason = "complete"

	// Budget family.
	StopMaxTicksReached   StopReason = "max_ticks_reached"
	StopTimeBudgetExceed  StopReason = "time_budget_exceeded"
	StopStalledTimeout    StopReason = "stalled_timeout"

	// Guard family.
	StopGuardViolation      StopReason = "guard_violation"
	StopPlanScopeViolation  StopReason = "plan_scope_violation"
	StopOwnershipViolation  StopReason = "ownership_violation"
	StopParallelCollision   StopReason = "parallel_file_collision"

	// Verification family.
	StopVerificationMaxRetries StopReason = "verification_failed_max_retries"

	// Worker family.
	StopPlanParseFailed       StopReason = "plan_parse_failed"
	StopImplementParseFailed  StopReason = "implement_parse_failed"
	StopReviewParseFailed     StopReason = "review_parse_failed"
	StopWorkerUnavailable     StopReason = "worker_unavailable"

	// Review family.
	StopReviewLoopDetected StopReason = "review_loop_detected"

	// Orchestrator family.
	StopOrchestratorTrackStopped StopReason = "orchestrator_track_stopped"

	// User-initiated (equivalent to a stall timeout, but attributed to the user).
	StopUserStop StopReason = "user_stop"
)

// StopReasonFamily groups a StopReason for receipt rendering and for
// deciding eligibility for auto-resume.
type StopReasonFamily string

const (
	FamilyComplete      StopReasonFamily = "complete"
	FamilyBudget        StopReasonFamily = "budget"
	FamilyGuard         StopReasonFamily = "guard"
	FamilyVerification  StopReasonFamily = "verification"
	FamilyWorker        StopReasonFamily = "worker"
	FamilyReview        StopReasonFamily = "review"
	FamilyOrchestrator  StopReasonFamily = "orchestrator"
)

// Family returns the grouping family for a stop reason.
func (r StopReason) Family() StopReasonFamily {
	switch r {
	case StopComplete:
		return FamilyComplete
	case StopMaxTicksReached, StopTimeBudgetExceed, StopStalledTimeout, StopUserStop:
		return FamilyBudget
	case StopGuardViolation, StopPlanScopeViolation, StopOwnershipViolation, StopParallelCollision:
		return FamilyGuard
	case StopVerificationMaxRetries:
		return FamilyVerification
	case StopPlanParseFailed, StopImplementParseFailed, StopReviewParseFailed, StopWorkerUnavailable:
		return FamilyWorker
	case StopReviewLoopDetected:
		return FamilyReview
	case StopOrchestratorTrackStopped:
		return FamilyOrchestrator
	default:
		return FamilyGuard
	}
}

// Transient reports whether the stop is eligible for auto-resume
// (budget and stall stops only, per spec §4.6 "Auto-resume").
func (r StopReason) Transient() bool {
	switch r {
	case StopMaxTicksReached, StopTimeBudgetExceed, StopStalledTimeout:
		return true
	default:
		return false
	}
}

// Milestone is one unit of work within a run that ends in a checkpoint commit.
type Milestone struct {
	Name          string    `json:"name"`
	RiskLevel     RiskLevel `json:"risk_level"`
	FilesExpected []string  `json:"files_expected,omitempty"`
}

// ScopeLock bounds what a run may touch.
type ScopeLock struct {
	Allowlist        []string `json:"allowlist"`
	Denylist         []string `json:"denylist"`
	LockfilePatterns []string `json:"lockfile_patterns"`
	AllowDeps        bool     `json:"allow_deps"`
}

// VerificationEvidence is the last recorded verifier outcome.
type VerificationEvidence struct {
	Tiers   []string       `json:"tiers"`
	Reasons []string       `json:"reasons"`
	Results map[string]any `json:"results"`
}

// RunState is the per-run snapshot described in spec §3.
type RunState struct {
	RunID       RunID  `json:"run_id"`
	RepoPath    string `json:"repo_path"`
	Phase       Phase  `json:"phase"`

	MilestoneIndex int         `json:"milestone_index"`
	Milestones     []Milestone `json:"milestones"`
	PhaseAttempt   int         `json:"phase_attempt"`

	LastSuccessfulPhase Phase `json:"last_successful_phase"`

	ScopeLock ScopeLock `json:"scope_lock"`

	OwnedPathsRaw        []string `json:"owned_paths_raw"`
	OwnedPathsNormalized []string `json:"owned_paths_normalized"`

	CurrentBranch    string `json:"current_branch"`
	PlannedRunBranch string `json:"planned_run_branch"`

	// WorktreePath is non-empty when this run executes inside a
	// dedicated git worktree (spec §6.1 .agent-worktrees/<run_id>/)
	// rather than directly in the shared repo working tree. Resume
	// uses it to decide whether worktree reattachment (spec §4.7
	// step 2) applies at all.
	WorktreePath string `json:"worktree_path,omitempty"`

	CheckpointCommitSHA string `json:"checkpoint_commit_sha,omitempty"`

	LastVerificationEvidence *VerificationEvidence `json:"last_verification_evidence,omitempty"`

	StopReason *StopReason `json:"stop_reason,omitempty"`

	AutoResumeCount int       `json:"auto_resume_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Stopped reports whether the run has reached its terminal phase.
func (s *RunState) Stopped() bool {
	return s.Phase == PhaseStopped
}

// Validate checks the invariants spec §3 names for RunState. It does
// not mutate the receiver.
func (s *RunState) Validate() error {
	if s.MilestoneIndex > len(s.Milestones) {
		return errInvariant("milestone_index > len(milestones)")
	}
	if (s.Phase == PhaseStopped) != (s.StopReason != nil) {
		return errInvariant("phase == STOPPED must hold iff stop_reason is set")
	}
	if s.CheckpointCommitSHA != "" {
		switch s.Phase {
		case PhaseCheckpoint, PhaseFinalize, PhaseStopped:
		default:
			return errInvariant("checkpoint_commit_sha set before CHECKPOINT phase")
		}
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return "runtypes: invariant violated: " + string(e) }

func errInvariant(msg string) error { return invariantError(msg) }
