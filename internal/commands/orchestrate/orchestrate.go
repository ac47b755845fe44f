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

// Package orchestrate implements "runr orchestrate", which drives
// multiple tracks of runs in parallel against one repository,
// resolving file-scope collisions per the configured policy. Grounded
// on the teacher's internal/controller.Controller tick-loop shape,
// narrowed to this module's Orchestrator/Launcher/RunProbe contract.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/weldr-dev/runr/internal/cliapp"
	"github.com/weldr-dev/runr/internal/credentials"
	"github.com/weldr-dev/runr/internal/gitrepo"
	"github.com/weldr-dev/runr/internal/orchestrator"
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

// trackSpec is the on-disk input format for "runr orchestrate", one
// entry per track.
type trackSpec struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Steps []stepSpec `json:"steps"`
}

type stepSpec struct {
	TaskPath  string   `json:"task_path"`
	Allowlist []string `json:"allowlist,omitempty"`
	OwnsRaw   []string `json:"owns_raw,omitempty"`
}

// NewCommand builds "runr orchestrate".
func NewCommand() *cobra.Command {
	var (
		repoPath          string
		tracksPath        string
		collisionPolicy   string
		parallel          int
		ownershipRequired bool
		pollInterval      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "orchestrate <tracks-file>",
		Short: "Drive multiple tracks of runs against one repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracksPath = args[0]
			return orchestrateMain(cmd.Context(), repoPath, tracksPath, runtypes.CollisionPolicy(collisionPolicy), parallel, ownershipRequired, pollInterval)
		},
	}

	cmd.Flags().StringVar(&repoPath, "repo", ".", "path to the repository the tracks operate on")
	cmd.Flags().StringVar(&collisionPolicy, "collision-policy", string(runtypes.CollisionSerialize), "serialize|fail|force")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "max tracks running concurrently")
	cmd.Flags().BoolVar(&ownershipRequired, "ownership-required", false, "require every step to declare owns_raw before it may launch")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "how often to tick the scheduler while tracks are running")

	return cmd
}

func orchestrateMain(ctx context.Context, repoPath, tracksPath string, collisionPolicy runtypes.CollisionPolicy, parallel int, ownershipRequired bool, pollInterval time.Duration) error {
	repo, err := gitrepo.Open(ctx, repoPath)
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "open repository", err)
	}

	specs, err := loadTrackSpecs(tracksPath)
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "load tracks", err)
	}

	cfg, err := rconfig.Load(cliapp.GetConfigPath())
	if err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "load config", err)
	}

	orchID := uuid.New().String()
	orchDir := orchestrator.OrchestrationDir(repo.Root(), orchID)
	store := orchestrator.OpenStore(orchDir)
	if err := store.Init(); err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "initialize orchestration store", err)
	}

	tracks := make([]runtypes.Track, 0, len(specs))
	for _, spec := range specs {
		steps := make([]runtypes.Step, 0, len(spec.Steps))
		for _, s := range spec.Steps {
			steps = append(steps, runtypes.Step{TaskPath: s.TaskPath, Allowlist: s.Allowlist, OwnsRaw: s.OwnsRaw, OwnsNormalized: s.OwnsRaw})
		}
		tracks = append(tracks, runtypes.Track{ID: spec.ID, Name: spec.Name, Steps: steps, Status: runtypes.TrackPending})
	}

	state := &runtypes.OrchestratorState{
		OrchestratorID: orchID,
		Tracks:         tracks,
		ActiveRuns:     make(map[string]runtypes.RunID),
		FileClaims:     make(map[string]runtypes.OwnershipClaim),
		Policy: runtypes.OrchestratorPolicy{
			CollisionPolicy:   collisionPolicy,
			Parallel:          parallel,
			Fast:              cfg.Fast,
			TimeBudget:        cfg.TimeBudget(),
			MaxTicks:          cfg.Budgets.MaxTicks,
			OwnershipRequired: ownershipRequired,
		},
		Status: runtypes.OrchestratorRunning,
	}

	log := rlog.New(rlog.DefaultConfig())
	launcher := &inProcessLauncher{repo: repo, cfg: cfg, log: log}
	o := orchestrator.New(state, launcher, runProbe{}, log)

	fmt.Println(cliapp.RenderOK(fmt.Sprintf("orchestration %s starting (%d tracks)", orchID, len(tracks))))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		decision, err := o.Tick(ctx)
		if err != nil {
			return cliapp.NewExitError(cliapp.ExitRunFailed, "orchestrator tick", err)
		}
		if decision.Kind == "done" {
			break
		}
		if err := store.WriteState(state); err != nil {
			return cliapp.NewExitError(cliapp.ExitRunFailed, "persist orchestrator state", err)
		}

		select {
		case <-ctx.Done():
			return cliapp.NewExitError(cliapp.ExitRunFailed, "orchestrate", ctx.Err())
		case <-ticker.C:
		}

		if err := o.Advance(nil); err != nil {
			return cliapp.NewExitError(cliapp.ExitRunFailed, "advance tracks", err)
		}
	}

	if err := store.WriteState(state); err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "persist final orchestrator state", err)
	}
	if err := orchestrator.WriteTerminalArtifacts(store, state); err != nil {
		return cliapp.NewExitError(cliapp.ExitRunFailed, "write terminal artifacts", err)
	}

	fmt.Println(cliapp.RenderOK(fmt.Sprintf("orchestration %s finished: %s", orchID, state.Status)))
	return nil
}

func loadTrackSpecs(path string) ([]trackSpec, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var specs []trackSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("orchestrate: %s declares no tracks", path)
	}
	return specs, nil
}

// inProcessLauncher starts each step's run as a supervisor goroutine
// within this process rather than shelling out to a separate runr
// binary invocation; Probe reads the run's on-disk state independent
// of the goroutine, preserving the process-equivalent contract
// Launcher/RunProbe describe.
type inProcessLauncher struct {
	repo *gitrepo.Repo
	cfg  *rconfig.Config
	log  *slog.Logger
}

func (l *inProcessLauncher) Launch(ctx context.Context, track runtypes.Track, step runtypes.Step) (runtypes.RunID, string, error) {
	runID := runtypes.NewRunID()
	runDir := runstore.RunDir(l.repo.Root(), runID)
	store := runstore.Open(runDir)
	if err := store.Init(); err != nil {
		return "", "", fmt.Errorf("orchestrate: init run store for track %s: %w", track.ID, err)
	}

	scope := runtypes.ScopeLock{Allowlist: step.Allowlist}
	guard, err := scopeguard.New(scope.Allowlist, nil, nil)
	if err != nil {
		return "", "", fmt.Errorf("orchestrate: build scope guard for track %s: %w", track.ID, err)
	}
	policy := verification.NewPolicy(nil)

	credReg := credentials.DefaultRegistry("runr")
	workers := worker.DefaultRegistry(credReg)

	state := &runtypes.RunState{
		RunID:      runID,
		RepoPath:   l.repo.Root(),
		Phase:      runtypes.PhaseInit,
		Milestones: []runtypes.Milestone{{Name: step.TaskPath, RiskLevel: runtypes.RiskLow}},
		ScopeLock:  scope,
	}

	budgets := statemachine.Budgets{MaxVerifyRetries: l.cfg.Budgets.MaxVerifyRetries, MaxReviewRounds: l.cfg.Budgets.MaxReviewRounds}
	machine := statemachine.New(statemachine.Transitions(budgets, l.cfg.Fast), statemachine.Hooks{})

	cmdVerifier := verifier.NewCommandVerifier(verifier.CommandSet{
		Tier0: []string{"true"}, Tier1: []string{"true"}, Tier2: []string{"true"},
	}, l.cfg.MaxVerifyTimePerMilestone())

	sp := supervisor.New(store, state, machine, l.repo, workers, cmdVerifier, guard, policy, l.cfg, l.log)

	go func() {
		// Errors surface through state.json's stop_reason/terminal
		// artifacts, which Probe reads; there's no separate channel back
		// to the orchestrator loop for an in-process launch.
		_, _ = sp.Run(context.Background())
	}()

	return runID, runDir, nil
}

// runProbe reads a launched run's terminal state straight off disk,
// matching how a resumed orchestrator would reconcile against a
// genuinely separate process's output.
type runProbe struct{}

func (runProbe) Probe(runDir string) (*runtypes.RunState, error) {
	return runstore.Open(runDir).ReadState()
}
