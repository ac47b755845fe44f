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

// Package run implements "runr run", the command that starts a new
// supervised run: load config, open the repo, build the preflight
// gate, and drive the supervisor loop to completion. Grounded on the
// teacher's internal/commands/run flag-heavy cobra command pattern.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/weldr-dev/runr/internal/cliapp"
	"github.com/weldr-dev/runr/internal/credentials"
	"github.com/weldr-dev/runr/internal/gitrepo"
	"github.com/weldr-dev/runr/internal/preflight"
	"github.com/weldr-dev/runr/internal/rconfig"
	"github.com/weldr-dev/runr/internal/rlog"
	"github.com/weldr-dev/runr/internal/runstore"
	"github.com/weldr-dev/runr/internal/runtypes"
	"github.com/weldr-dev/runr/internal/scopeguard"
	"github.com/weldr-dev/runr/internal/statemachine"
	"github.com/weldr-dev/runr/internal/supervisor"
	"github.com/weldr-dev/runr/internal/verification"
	"github.com/weldr-dev/runr/internal/verifier"
	"github.com/weldr-dev/runr/internal/worker"
)

// NewCommand builds "runr run".
func NewCommand() *cobra.Command {
	var (
		milestonesPath  string
		riskLevel       string
		allowlist       []string
		denylist        []string
		lockfiles       []string
		allowDeps       bool
		fast            bool
		keychainService string
	)

	cmd := &cobra.Command{
		Use:   "run [repo-path]",
		Short: "Start a new supervised agent run",
		Long: `Start a new supervised run of the phase graph (INIT, PLAN, IMPLEMENT,
VERIFY, REVIEW, CHECKPOINT, FINALIZE) against the repository at
repo-path (default: current directory), gated by a preflight pass
that checks scope, dirty-tree state, and worker availability.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoPath := "."
			if len(args) == 1 {
				repoPath = args[0]
			}
			return runMain(cmd.Context(), repoPath, milestonesPath, riskLevel, allowlist, denylist, lockfiles, allowDeps, fast, keychainService)
		},
	}

	cmd.Flags().StringVar(&milestonesPath, "milestones", "", "path to a JSON file listing milestones for this run")
	cmd.Flags().StringVar(&riskLevel, "risk", "low", "default risk level for milestones that don't declare one (low|medium|high)")
	cmd.Flags().StringSliceVar(&allowlist, "allow", nil, "glob patterns the run may touch")
	cmd.Flags().StringSliceVar(&denylist, "deny", nil, "glob patterns the run may never touch")
	cmd.Flags().StringSliceVar(&lockfiles, "lockfile", nil, "glob patterns treated as dependency lockfiles")
	cmd.Flags().BoolVar(&allowDeps, "allow-deps", false, "permit touching declared lockfiles")
	cmd.Flags().BoolVar(&fast, "fast", false, "skip PLAN for single-milestone low-risk runs")
	cmd.Flags().StringVar(&keychainService, "keychain-service", "runr", "OS keychain service name credentials are stored under")

	return cmd
}

func runMain(ctx context.Context, repoPath, milestonesPath, riskLevel string, allowlist, denylist, lockfiles []string, allowDeps, fast bool, keychainService string) error {
	cfg, err := rconfig.Load(cliapp.GetConfigPath())
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "load config", err)
	}
	if fast {
		cfg.Fast = true
	}

	log := rlog.New(rlog.DefaultConfig())

	repo, err := gitrepo.Open(ctx, repoPath)
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "open repository", err)
	}

	runID := runtypes.NewRunID()
	storeDir := runstore.RunDir(repo.Root(), runID)
	store := runstore.Open(storeDir)
	if err := store.Init(); err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "initialize run store", err)
	}

	milestones, err := loadMilestones(milestonesPath, runtypes.RiskLevel(riskLevel))
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "load milestones", err)
	}

	scope := runtypes.ScopeLock{
		Allowlist:        mergeDefault(allowlist, cfg.Scope.Allowlist),
		Denylist:         mergeDefault(denylist, cfg.Scope.Denylist),
		LockfilePatterns: mergeDefault(lockfiles, cfg.Scope.LockfilePatterns),
		AllowDeps:        allowDeps || cfg.Scope.AllowDeps,
	}

	guard, err := scopeguard.New(scope.Allowlist, scope.Denylist, scope.LockfilePatterns)
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitGuardViolation, "build scope guard", err)
	}

	policy, err := buildPolicy(cfg)
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "compile risk triggers", err)
	}

	credReg := credentials.DefaultRegistry(keychainService)
	workers := worker.DefaultRegistry(credReg)

	pingTargets := make([]preflight.PingTarget, 0, len(workers.Names()))
	for _, name := range workers.Names() {
		w, err := workers.Get(name)
		if err != nil {
			continue
		}
		if cw, ok := w.(*worker.CLIWorker); ok {
			pingTargets = append(pingTargets, preflight.PingTarget{Name: name, Detect: cw.Detect, Retries: 2})
		}
	}

	configBytes, _ := store.ReadConfigSnapshot()
	if len(configBytes) == 0 {
		if err := store.WriteConfigSnapshot(cfg); err != nil {
			return cliapp.NewExitError(cliapp.ExitRunFailed, "snapshot config", err)
		}
		configBytes, _ = store.ReadConfigSnapshot()
	}

	pf, err := preflight.Run(ctx, repo, preflight.Config{
		ScopeLock:   scope,
		PingTargets: pingTargets,
		VerificationIn: verification.Input{
			RiskLevel: milestones[0].RiskLevel,
		},
		Policy:      policy,
		ConfigBytes: configBytes,
	})
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "run preflight", err)
	}
	if !pf.Guard.OK {
		for _, reason := range pf.Guard.Reasons {
			fmt.Fprintln(os.Stderr, cliapp.RenderFail(reason))
		}
		return cliapp.NewExitError(cliapp.ExitGuardViolation, "preflight failed", nil)
	}
	if err := store.WriteFingerprint(&pf.Fingerprint); err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "persist fingerprint", err)
	}

	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		branch = ""
	}

	state := &runtypes.RunState{
		RunID:            runID,
		RepoPath:         repo.Root(),
		Phase:            runtypes.PhaseInit,
		Milestones:       milestones,
		ScopeLock:        scope,
		CurrentBranch:    branch,
		PlannedRunBranch: fmt.Sprintf("runr/%s", runID),
	}

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

	sp := supervisor.New(store, state, machine, repo, workers, cmdVerifier, guard, policy, cfg, log)

	final, err := sp.Run(ctx)
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "run supervisor", err)
	}

	fmt.Println(cliapp.RenderOK(fmt.Sprintf("run %s stopped in phase %s", final.RunID, final.Phase)))
	if final.StopReason != nil {
		fmt.Println(cliapp.Muted.Render(fmt.Sprintf("  reason: %s", *final.StopReason)))
	}
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

func mergeDefault(flagVal, configVal []string) []string {
	if len(flagVal) > 0 {
		return flagVal
	}
	return configVal
}

func loadMilestones(path string, defaultRisk runtypes.RiskLevel) ([]runtypes.Milestone, error) {
	if path == "" {
		return []runtypes.Milestone{{Name: "default", RiskLevel: defaultRisk}}, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var milestones []runtypes.Milestone
	if err := json.Unmarshal(data, &milestones); err != nil {
		return nil, err
	}
	if len(milestones) == 0 {
		return nil, fmt.Errorf("run: %s declares no milestones", path)
	}
	return milestones, nil
}
