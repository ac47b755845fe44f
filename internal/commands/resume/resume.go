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

// Package resume implements "runr resume", which reconciles a stopped
// run's worktree and environment against the current machine and
// either prints the resulting plan (--plan-only) or re-enters the
// supervisor loop from the discovered checkpoint.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weldr-dev/runr/internal/cliapp"
	"github.com/weldr-dev/runr/internal/credentials"
	"github.com/weldr-dev/runr/internal/gitrepo"
	"github.com/weldr-dev/runr/internal/rconfig"
	"github.com/weldr-dev/runr/internal/rlog"
	"github.com/weldr-dev/runr/internal/resume"
	"github.com/weldr-dev/runr/internal/runstore"
	"github.com/weldr-dev/runr/internal/runtypes"
	"github.com/weldr-dev/runr/internal/scopeguard"
	"github.com/weldr-dev/runr/internal/statemachine"
	"github.com/weldr-dev/runr/internal/supervisor"
	"github.com/weldr-dev/runr/internal/verification"
	"github.com/weldr-dev/runr/internal/verifier"
	"github.com/weldr-dev/runr/internal/worker"
	"github.com/weldr-dev/runr/pkg/rerrors"
)

// NewCommand builds "runr resume".
func NewCommand() *cobra.Command {
	var (
		repoPath          string
		branch            string
		timeBudgetMinutes int
		maxTicks          int
		allowDeps         bool
		force             bool
		autoStash         bool
		planOnly          bool
	)

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a stopped run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeMain(cmd.Context(), runtypes.RunID(args[0]), repoPath, branch, resume.Overrides{
				TimeBudgetMinutes: timeBudgetMinutes,
				MaxTicks:          maxTicks,
				AllowDeps:         allowDeps,
				Force:             force,
				AutoStash:         autoStash,
				PlanOnly:          planOnly,
			})
		},
	}

	cmd.Flags().StringVar(&repoPath, "repo", ".", "path to the repository (or its worktree) to resume in")
	cmd.Flags().StringVar(&branch, "branch", "", "branch to scan for the run's checkpoint commits (default: the run's recorded branch)")
	cmd.Flags().IntVar(&timeBudgetMinutes, "time-budget", 0, "override the resumed run's remaining time budget, in minutes")
	cmd.Flags().IntVar(&maxTicks, "max-ticks", 0, "override the resumed run's remaining tick budget")
	cmd.Flags().BoolVar(&allowDeps, "allow-deps", false, "permit touching declared lockfiles for the remainder of the run")
	cmd.Flags().BoolVar(&force, "force", false, "proceed despite a dirty tree, branch mismatch, or fingerprint drift")
	cmd.Flags().BoolVar(&autoStash, "auto-stash", false, "stash a dirty tree automatically instead of failing or prompting")
	cmd.Flags().BoolVar(&planOnly, "plan-only", false, "print the resume plan without mutating state or resuming the loop")

	return cmd
}

func resumeMain(ctx context.Context, runID runtypes.RunID, repoPath, branch string, overrides resume.Overrides) error {
	repo, err := gitrepo.Open(ctx, repoPath)
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "open repository", err)
	}

	storeDir := runstore.RunDir(repo.Root(), runID)
	store := runstore.Open(storeDir)

	if !overrides.AutoStash && !overrides.Force {
		clean, cleanErr := repo.IsClean(ctx)
		if cleanErr == nil && !clean {
			ok, pErr := cliapp.Confirm(fmt.Sprintf("working tree is dirty; stash changes and resume %s?", runID), true)
			if pErr == nil && ok {
				overrides.AutoStash = true
			}
		}
	}

	engine := resume.New(store, repo)

	result, err := engine.Discover(ctx, runID, branch, overrides)
	if err != nil {
		return translateResumeErr(err)
	}

	if overrides.PlanOnly {
		data, mErr := json.MarshalIndent(result.Plan, "", "  ")
		if mErr != nil {
			return cliapp.NewExitError(cliapp.ExitRunFailed, "render resume plan", mErr)
		}
		fmt.Println(string(data))
		return nil
	}

	for _, warning := range result.Plan.Warnings {
		fmt.Println(cliapp.RenderWarn(warning))
	}
	for _, pe := range result.Events {
		if _, aErr := store.AppendEvent(pe.Type, pe.Source, pe.Payload); aErr != nil {
			return cliapp.NewExitError(cliapp.ExitRunFailed, "append resume event", aErr)
		}
	}
	if err := store.WriteState(result.State); err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "persist resumed state", err)
	}

	cfg, err := rconfig.Load(cliapp.GetConfigPath())
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "load config", err)
	}
	if overrides.TimeBudgetMinutes > 0 {
		cfg.Budgets.TimeBudgetMinutes = overrides.TimeBudgetMinutes
	}
	if overrides.MaxTicks > 0 {
		cfg.Budgets.MaxTicks = overrides.MaxTicks
	}
	if overrides.AllowDeps {
		cfg.Scope.AllowDeps = true
	}
	if overrides.AllowDeps {
		result.State.ScopeLock.AllowDeps = true
	}

	guard, err := scopeguard.New(result.State.ScopeLock.Allowlist, result.State.ScopeLock.Denylist, result.State.ScopeLock.LockfilePatterns)
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitGuardViolation, "rebuild scope guard", err)
	}
	policy, err := buildPolicy(cfg)
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "compile risk triggers", err)
	}

	credReg := credentials.DefaultRegistry("runr")
	workers := worker.DefaultRegistry(credReg)

	budgets := statemachine.Budgets{
		MaxVerifyRetries: cfg.Budgets.MaxVerifyRetries,
		MaxReviewRounds:  cfg.Budgets.MaxReviewRounds,
	}
	machine := statemachine.New(statemachine.Transitions(budgets, cfg.Fast), statemachine.Hooks{})

	cmdVerifier := verifier.NewCommandVerifier(verifier.CommandSet{
		Tier0: []string{"true"},
		Tier1: []string{"true"},
		Tier2: []string{"true"},
	}, cfg.MaxVerifyTimePerMilestone())

	log := rlog.New(rlog.DefaultConfig())
	sp := supervisor.New(store, result.State, machine, repo, workers, cmdVerifier, guard, policy, cfg, log)

	final, err := sp.Run(ctx)
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "run supervisor", err)
	}

	fmt.Println(cliapp.RenderOK(fmt.Sprintf("run %s stopped in phase %s", final.RunID, final.Phase)))
	if final.StopReason != nil && *final.StopReason != runtypes.StopComplete {
		code := cliapp.ExitRunFailed
		switch final.StopReason.Family() {
		case runtypes.FamilyGuard:
			code = cliapp.ExitGuardViolation
		case runtypes.FamilyVerification:
			code = cliapp.ExitVerificationFailed
		case runtypes.FamilyWorker:
			code = cliapp.ExitWorkerUnavailable
		}
		return cliapp.NewExitError(code, "run stopped", nil)
	}
	return nil
}

func translateResumeErr(err error) error {
	if errors.Is(err, resume.ErrRunNotFound) {
		return cliapp.NewExitError(cliapp.ExitRunNotFound, "run not found", err)
	}
	var guardErr *rerrors.GuardError
	if errors.As(err, &guardErr) {
		return cliapp.NewExitError(cliapp.ExitGuardViolation, "resume blocked", err)
	}
	return cliapp.NewExitError(cliapp.ExitRunFailed, "discover resume plan", err)
}

func buildPolicy(cfg *rconfig.Config) (*verification.Policy, error) {
	triggers := make([]*verification.Trigger, 0, len(cfg.RiskTriggers))
	for _, rt := range cfg.RiskTriggers {
		t, err := verification.CompileTrigger(rt.Name, rt.Expression)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return verification.NewPolicy(triggers), nil
}
