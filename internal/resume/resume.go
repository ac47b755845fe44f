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

// Package resume discovers the last checkpoint for a run, reconciles
// its worktree and environment fingerprint against the current
// machine, and produces a ResumePlan the supervisor re-enters from
// (spec §4.7). It is grounded on the teacher's
// internal/controller/checkpoint.Manager (Load/ListInterrupted) and
// internal/controller/runner/replay.go, generalized from a single
// JSON checkpoint blob to a git-log checkpoint scan since this
// system's durability anchor is a commit, not a file.
package resume

import (
	"context"
	"fmt"
	"sort"

	"github.com/weldr-dev/runr/internal/fingerprint"
	"github.com/weldr-dev/runr/internal/gitrepo"
	"github.com/weldr-dev/runr/internal/runstore"
	"github.com/weldr-dev/runr/internal/runtypes"
	"github.com/weldr-dev/runr/pkg/rerrors"
)

// CheckpointSource names where a resume plan's checkpoint came from.
type CheckpointSource string

const (
	SourceRunSpecific CheckpointSource = "run_specific"
	SourceLegacy       CheckpointSource = "legacy"
	SourceNone         CheckpointSource = "none"
)

// Checkpoint is the resolved checkpoint a resume plan continues from.
type Checkpoint struct {
	SHA             string           `json:"sha,omitempty"`
	MilestoneIndex  int              `json:"milestone_index"`
	Source          CheckpointSource `json:"source"`
}

// RepoState reports the working tree's cleanliness at resume time.
type RepoState struct {
	WorkingTreeClean bool     `json:"working_tree_clean"`
	DirtyPathsSample []string `json:"dirty_paths_sample,omitempty"`
	DirtyCount       int      `json:"dirty_count"`
}

// Delta summarizes what changed since the last checkpoint.
type Delta struct {
	Diffstat          []string `json:"diffstat,omitempty"`
	LockfilesChanged  bool     `json:"lockfiles_changed"`
	IgnoredNoiseCount int      `json:"ignored_noise_count"`
	IgnoredNoiseSample []string `json:"ignored_noise_sample,omitempty"`
}

// ResumeSpec is the resume-specific portion of a Plan.
type ResumeSpec struct {
	FromMilestoneIndex int             `json:"from_milestone_index"`
	Phase              runtypes.Phase  `json:"phase"`
	RemainingMilestones int            `json:"remaining_milestones"`
}

// Plan is the wire contract ResumePlan (schema_version=1), spec §6.3.
type Plan struct {
	SchemaVersion   int        `json:"schema_version"`
	RunID           string     `json:"run_id"`
	RepoPath        string     `json:"repo_path"`
	EffectiveRepoPath string   `json:"effective_repo_path"`
	Checkpoint      Checkpoint `json:"checkpoint"`
	Resume          ResumeSpec `json:"resume"`
	RepoState       RepoState  `json:"repo_state"`
	Delta           Delta      `json:"delta"`
	Warnings        []string   `json:"warnings,omitempty"`
}

// Overrides are the caller-supplied knobs spec §4.7 "Entry points" names.
type Overrides struct {
	TimeBudgetMinutes int
	MaxTicks          int
	AllowDeps         bool
	Force             bool
	AutoStash         bool
	PlanOnly          bool
}

// ErrRunNotFound is returned when state.json (or config.snapshot.json)
// is missing from the run directory (spec §4.7 step 1).
var ErrRunNotFound = fmt.Errorf("resume: run_not_found")

// Engine implements spec §4.7 steps 1-7 in Discover, which loads the run's
// persisted state, reattaches/validates the worktree, diffs the
// environment fingerprint, asserts (or stashes) a clean tree, scans
// git log for the latest checkpoint, and returns the resulting Plan
// plus the reconciliation events that should be appended before the
// supervisor resumes.
type Engine struct {
	Store *runstore.Store
	Repo  *gitrepo.Repo

	// MainRepo is the repo rooted at the shared working directory (not
	// a worktree), used only to run `git worktree add`/`worktree list`
	// when the run being resumed used a dedicated worktree. Left nil
	// for runs that operate directly in the shared tree, in which case
	// worktree reattachment (spec §4.7 step 2) is skipped entirely.
	MainRepo *gitrepo.Repo
}

// New builds an Engine over an already-initialized run store and a
// repo rooted at the run's (or worktree's) working directory.
func New(store *runstore.Store, repo *gitrepo.Repo) *Engine {
	return &Engine{Store: store, Repo: repo}
}

// PendingEvent is one event the caller should append via
// runstore.Store.AppendEvent once it has committed to proceeding past
// --plan mode; Discover itself never appends anything; side effects
// belong to the caller so --plan mode stays truly side-effect free.
type PendingEvent struct {
	Type    runtypes.EventType
	Source  runtypes.EventSource
	Payload map[string]any
}

// Result bundles the computed plan with the RunState it should be
// applied to and any events the caller should append before resuming.
type Result struct {
	Plan   *Plan
	State  *runtypes.RunState
	Events []PendingEvent
}

// Discover runs the full resume reconciliation pass for runID.
func (e *Engine) Discover(ctx context.Context, runID runtypes.RunID, branchName string, overrides Overrides) (*Result, error) {
	state, err := e.Store.ReadState()
	if err != nil {
		return nil, fmt.Errorf("resume: read state: %w", err)
	}
	if state == nil {
		return nil, ErrRunNotFound
	}
	rawCfg, err := e.Store.ReadConfigSnapshot()
	if err != nil {
		return nil, fmt.Errorf("resume: read config snapshot: %w", err)
	}
	if rawCfg == nil {
		return nil, ErrRunNotFound
	}

	var warnings []string
	var events []PendingEvent

	if state.WorktreePath != "" && e.MainRepo != nil {
		branch := state.PlannedRunBranch
		if branch == "" {
			branch = state.CurrentBranch
		}
		base, headErr := e.MainRepo.HeadSHA(ctx)
		if headErr != nil {
			return nil, fmt.Errorf("resume: resolve base sha for worktree reattach: %w", headErr)
		}
		result, rErr := e.MainRepo.Reattach(ctx, state.WorktreePath, branch, base)
		if rErr != nil {
			return nil, fmt.Errorf("resume: reattach worktree: %w", rErr)
		}
		switch {
		case result.Recreated:
			events = append(events, PendingEvent{
				Type: runtypes.EventWorktreeRecreated, Source: runtypes.SourceCLI,
				Payload: map[string]any{"path": state.WorktreePath, "branch": branch},
			})
		case result.BranchMismatch:
			events = append(events, PendingEvent{
				Type: runtypes.EventWorktreeBranchMismatch, Source: runtypes.SourceCLI,
				Payload: map[string]any{"path": state.WorktreePath, "expected": branch, "actual": result.ActualBranch},
			})
			if !overrides.Force {
				return nil, &rerrors.GuardError{Kind: "dirty_worktree", Violations: []string{
					fmt.Sprintf("worktree %s is on branch %q, expected %q", state.WorktreePath, result.ActualBranch, branch),
				}}
			}
			warnings = append(warnings, fmt.Sprintf("worktree branch mismatch (%s != %s); proceeding with --force", result.ActualBranch, branch))
		}
	}

	if fpWarnings, fpErr := e.diffFingerprint(ctx, rawCfg, !overrides.PlanOnly); fpErr != nil {
		return nil, fpErr
	} else if len(fpWarnings) > 0 {
		if !overrides.Force {
			return nil, &rerrors.GuardError{Kind: "fingerprint_mismatch", Violations: fpWarnings}
		}
		warnings = append(warnings, fpWarnings...)
	}

	clean, err := e.Repo.IsClean(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume: check clean tree: %w", err)
	}

	repoState := RepoState{WorkingTreeClean: clean}
	if !clean {
		changed, cErr := e.Repo.ChangedFiles(ctx)
		if cErr != nil {
			return nil, fmt.Errorf("resume: changed files: %w", cErr)
		}
		repoState.DirtyCount = len(changed)
		repoState.DirtyPathsSample = sampleLimit(changed, 10)

		if overrides.AutoStash {
			stashName := fmt.Sprintf("runr-resume-%s", runID)
			stashed, sErr := e.Repo.StashPush(ctx, stashName)
			if sErr != nil {
				return nil, fmt.Errorf("resume: auto stash: %w", sErr)
			}
			if stashed {
				events = append(events, PendingEvent{
					Type: runtypes.EventAutoStashCreated, Source: runtypes.SourceCLI,
					Payload: map[string]any{"stash": stashName, "file_count": len(changed)},
				})
				repoState.WorkingTreeClean = true
			}
		} else if !overrides.Force {
			return nil, &rerrors.GuardError{Kind: "dirty_worktree", Violations: repoState.DirtyPathsSample}
		} else {
			warnings = append(warnings, "working tree dirty; proceeding with --force")
		}
	}

	cp, source, err := e.discoverCheckpoint(ctx, branchName, string(runID))
	if err != nil {
		return nil, err
	}

	remaining := 0
	if cp.Milestone+1 < len(state.Milestones) {
		remaining = len(state.Milestones) - (cp.Milestone + 1)
	}
	fromIdx := cp.Milestone + 1

	delta := Delta{}
	if cp.SHA != "" {
		head, hErr := e.Repo.HeadSHA(ctx)
		if hErr == nil && head != cp.SHA {
			diffFiles, dErr := e.Repo.DiffNameOnly(ctx, cp.SHA, head)
			if dErr == nil {
				delta.Diffstat = diffFiles
				for _, f := range diffFiles {
					if isLockfilePath(f) {
						delta.LockfilesChanged = true
					}
				}
			}
		}
	}

	phase := runtypes.PhaseImplement
	if fromIdx >= len(state.Milestones) {
		phase = runtypes.PhaseFinalize
	}

	plan := &Plan{
		SchemaVersion:     1,
		RunID:             string(runID),
		RepoPath:          state.RepoPath,
		EffectiveRepoPath: e.Repo.Root(),
		Checkpoint: Checkpoint{
			SHA: cp.SHA, MilestoneIndex: cp.Milestone, Source: source,
		},
		Resume: ResumeSpec{
			FromMilestoneIndex:  fromIdx,
			Phase:               phase,
			RemainingMilestones: remaining,
		},
		RepoState: repoState,
		Delta:     delta,
		Warnings:  warnings,
	}

	if overrides.PlanOnly {
		return &Result{Plan: plan}, nil
	}

	newState := *state
	newState.MilestoneIndex = fromIdx
	newState.Phase = phase
	newState.StopReason = nil
	newState.PhaseAttempt = 0
	if cp.SHA != "" {
		newState.CheckpointCommitSHA = cp.SHA
	}

	events = append(events, PendingEvent{
		Type: runtypes.EventResume, Source: runtypes.SourceCLI,
		Payload: map[string]any{"plan": plan},
	})
	events = append(events, PendingEvent{
		Type: runtypes.EventRunResumed, Source: runtypes.SourceCLI,
		Payload: map[string]any{
			"checkpoint_source":  string(source),
			"from_milestone":     fromIdx,
			"auto_resume":        false,
		},
	})

	return &Result{Plan: plan, State: &newState, Events: events}, nil
}

// discoverCheckpoint implements spec §4.7 step 5: scan git log for
// the canonical chore(runr) subject first; fall back to the legacy
// chore(agent) subject only when no run-specific commit exists; if
// neither is found, the run starts from milestone 0 with no
// checkpoint at all.
func (e *Engine) discoverCheckpoint(ctx context.Context, branchName, runID string) (gitrepo.CheckpointCommit, CheckpointSource, error) {
	found, err := e.Repo.LatestCheckpointForRun(ctx, branchName, runID)
	if err != nil {
		return gitrepo.CheckpointCommit{}, SourceNone, fmt.Errorf("resume: scan checkpoints: %w", err)
	}
	if found == nil {
		// No checkpoint at all: Milestone -1 so fromIdx (Milestone+1)
		// resolves to 0, the first milestone (spec §4.7 step 5 "if none
		// found, start from milestone 0").
		return gitrepo.CheckpointCommit{Milestone: -1}, SourceNone, nil
	}
	if found.Legacy {
		return *found, SourceLegacy, nil
	}
	return *found, SourceRunSpecific, nil
}

// diffFingerprint implements spec §4.7 step 3: re-capture the
// environment fingerprint and diff it against the one stored at run
// start. A missing stored fingerprint (older run, or fingerprint.json
// never written) is not itself a mismatch — there's nothing to diff
// against. The freshly captured fingerprint is persisted either way so
// the next resume has something to compare.
func (e *Engine) diffFingerprint(ctx context.Context, rawCfg []byte, persist bool) ([]string, error) {
	current := fingerprint.Capture(ctx, e.Repo.Root(), rawCfg)

	stored, err := e.Store.ReadFingerprint()
	if err != nil {
		return nil, fmt.Errorf("resume: read fingerprint: %w", err)
	}

	var warnings []string
	if stored != nil {
		for _, d := range stored.Diff(&current) {
			warnings = append(warnings, fmt.Sprintf("fingerprint drift: %s: %q -> %q", d.Field, d.Original, d.Current))
		}
	}

	if persist {
		if err := e.Store.WriteFingerprint(&current); err != nil {
			return nil, fmt.Errorf("resume: write fingerprint: %w", err)
		}
	}
	return warnings, nil
}

func sampleLimit(items []string, n int) []string {
	sort.Strings(items)
	if len(items) <= n {
		return items
	}
	return items[:n]
}

func isLockfilePath(path string) bool {
	switch path {
	case "package-lock.json", "yarn.lock", "pnpm-lock.yaml", "go.sum", "Cargo.lock", "poetry.lock":
		return true
	}
	return false
}
