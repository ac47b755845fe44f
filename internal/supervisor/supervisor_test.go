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
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weldr-dev/runr/internal/gitrepo"
	"github.com/weldr-dev/runr/internal/rconfig"
	"github.com/weldr-dev/runr/internal/runstore"
	"github.com/weldr-dev/runr/internal/runtypes"
	"github.com/weldr-dev/runr/internal/scopeguard"
	"github.com/weldr-dev/runr/internal/statemachine"
	"github.com/weldr-dev/runr/internal/verification"
	"github.com/weldr-dev/runr/internal/verifier"
	"github.com/weldr-dev/runr/internal/worker"
	"github.com/weldr-dev/runr/pkg/rerrors"
)

// fakeWorker lets each test script the three capability calls independently.
type fakeWorker struct {
	name      string
	planFn    func(context.Context, worker.Request) (*worker.Plan, error)
	implFn    func(context.Context, worker.Request) (*worker.Implementation, error)
	reviewFn  func(context.Context, worker.Request) (*worker.Review, error)
}

func (f *fakeWorker) Name() string { return f.name }

func (f *fakeWorker) PlanTask(ctx context.Context, req worker.Request) (*worker.Plan, error) {
	return f.planFn(ctx, req)
}

func (f *fakeWorker) Implement(ctx context.Context, req worker.Request) (*worker.Implementation, error) {
	return f.implFn(ctx, req)
}

func (f *fakeWorker) Review(ctx context.Context, req worker.Request) (*worker.Review, error) {
	return f.reviewFn(ctx, req)
}

func onePlan(milestones ...runtypes.Milestone) func(context.Context, worker.Request) (*worker.Plan, error) {
	return func(context.Context, worker.Request) (*worker.Plan, error) {
		return &worker.Plan{Milestones: milestones}, nil
	}
}

func implementWith(files ...string) func(context.Context, worker.Request) (*worker.Implementation, error) {
	return func(context.Context, worker.Request) (*worker.Implementation, error) {
		return &worker.Implementation{ChangedFiles: files}, nil
	}
}

func reviewWith(verdict worker.ReviewVerdict) func(context.Context, worker.Request) (*worker.Review, error) {
	return func(context.Context, worker.Request) (*worker.Review, error) {
		return &worker.Review{Verdict: verdict}, nil
	}
}

func newTestGitRepo(t *testing.T) *gitrepo.Repo {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if err := cmd.Run(); err != nil {
			t.Skipf("git not available: %v", err)
		}
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "init")

	repo, err := gitrepo.Open(context.Background(), dir)
	require.NoError(t, err)
	return repo
}

// harness bundles a constructed Supervisor with the fake worker backing
// its plan/implement/review calls, so a test can swap one call's
// behavior mid-run without rebuilding everything else.
type harness struct {
	sp *Supervisor
	w  *fakeWorker
}

func newHarness(t *testing.T, cfg *rconfig.Config) *harness {
	t.Helper()

	store := runstore.Open(filepath.Join(t.TempDir(), "run"))
	require.NoError(t, store.Init())

	state := &runtypes.RunState{RunID: "20260101000000", Phase: runtypes.PhaseInit}

	machine := statemachine.New(statemachine.Transitions(statemachine.Budgets{
		MaxVerifyRetries: cfg.Budgets.MaxVerifyRetries,
		MaxReviewRounds:  cfg.Budgets.MaxReviewRounds,
	}, cfg.Fast), statemachine.Hooks{})

	repo := newTestGitRepo(t)

	w := &fakeWorker{
		name:     "codex",
		planFn:   onePlan(runtypes.Milestone{Name: "m1", RiskLevel: runtypes.RiskLow}),
		implFn:   implementWith("src/a.go"),
		reviewFn: reviewWith(worker.VerdictApproved),
	}
	reg := worker.NewRegistry()
	reg.Register("codex", w)
	reg.Register("claude", w)

	guard, err := scopeguard.New([]string{"src/**"}, nil, nil)
	require.NoError(t, err)

	policy := verification.NewPolicy(nil)

	v := verifier.NewCommandVerifier(verifier.CommandSet{Tier0: []string{"true"}}, time.Second)

	cfg.Workers = rconfig.PhaseWorkers{Plan: "codex", Implement: "codex", Review: "codex", Fallback: "claude"}

	sp := New(store, state, machine, repo, reg, v, guard, policy, cfg, nil)
	return &harness{sp: sp, w: w}
}

func baseConfig() *rconfig.Config {
	cfg := rconfig.DefaultConfig()
	cfg.Budgets = rconfig.BudgetConfig{
		MaxWorkerCallMinutes:       15,
		MaxTicks:                  50,
		MaxVerifyTimePerMilestoneS: 60,
		MaxVerifyRetries:           2,
		MaxReviewRounds:            2,
	}
	return cfg
}

func TestHappyPathReachesComplete(t *testing.T) {
	h := newHarness(t, baseConfig())

	final, err := h.sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.PhaseStopped, final.Phase)
	require.NotNil(t, final.StopReason)
	require.Equal(t, runtypes.StopComplete, *final.StopReason)
	require.NotEmpty(t, final.CheckpointCommitSHA)

	events, err := h.sp.Store.ReadTimeline()
	require.NoError(t, err)
	var types []runtypes.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	require.Contains(t, types, runtypes.EventPlanGenerated)
	require.Contains(t, types, runtypes.EventImplementComplete)
	require.Contains(t, types, runtypes.EventVerifyComplete)
	require.Contains(t, types, runtypes.EventReviewComplete)
	require.Contains(t, types, runtypes.EventCheckpoint)
	require.Contains(t, types, runtypes.EventRunComplete)
}

func TestEmptyMilestonesSkipsToComplete(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.w.planFn = onePlan()

	final, err := h.sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.StopComplete, *final.StopReason)
	require.Empty(t, final.CheckpointCommitSHA)
}

func TestScopeViolationStopsRun(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.w.implFn = implementWith("outside/scope.go")

	final, err := h.sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.StopGuardViolation, *final.StopReason)

	events, err := h.sp.Store.ReadTimeline()
	require.NoError(t, err)
	var sawViolation bool
	for _, e := range events {
		if e.Type == runtypes.EventGuardViolation {
			sawViolation = true
		}
	}
	require.True(t, sawViolation)
}

func TestVerifyRetryExhaustionStops(t *testing.T) {
	cfg := baseConfig()
	cfg.Budgets.MaxVerifyRetries = 1
	h := newHarness(t, cfg)
	h.sp.Verifier = verifier.NewCommandVerifier(verifier.CommandSet{Tier0: []string{"false"}}, time.Second)

	final, err := h.sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.StopVerificationMaxRetries, *final.StopReason)
}

func TestVerifyRetryExhaustionStopsWithCeilingAboveOne(t *testing.T) {
	// Regression test for a bug where the statemachine reset
	// phase_attempt on every transition fired, including the
	// VERIFY<->IMPLEMENT retry edges themselves: with a ceiling
	// greater than one the guard could never block, and the run
	// looped until max_ticks_reached instead of stopping with
	// verification_failed_max_retries.
	cfg := baseConfig()
	cfg.Budgets.MaxVerifyRetries = 2
	h := newHarness(t, cfg)
	h.sp.Verifier = verifier.NewCommandVerifier(verifier.CommandSet{Tier0: []string{"false"}}, time.Second)

	final, err := h.sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.StopVerificationMaxRetries, *final.StopReason)
}

func TestReviewLoopDetectedStopsWithCeilingAboveOne(t *testing.T) {
	cfg := baseConfig()
	cfg.Budgets.MaxReviewRounds = 2
	h := newHarness(t, cfg)
	h.w.reviewFn = reviewWith(worker.VerdictRevise)

	final, err := h.sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.StopReviewLoopDetected, *final.StopReason)
}

func TestReviewLoopDetectedStops(t *testing.T) {
	cfg := baseConfig()
	cfg.Budgets.MaxReviewRounds = 1
	h := newHarness(t, cfg)
	h.w.reviewFn = reviewWith(worker.VerdictRevise)

	final, err := h.sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.StopReviewLoopDetected, *final.StopReason)
}

func TestStalledWorkerCallStopsRun(t *testing.T) {
	cfg := baseConfig()
	cfg.Fast = true
	h := newHarness(t, cfg)
	h.sp.WorkerTimeout = 20 * time.Millisecond
	h.w.implFn = func(ctx context.Context, req worker.Request) (*worker.Implementation, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	final, err := h.sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.StopStalledTimeout, *final.StopReason)

	// Give the detached drain goroutine a moment to append its event
	// before the test process exits.
	time.Sleep(50 * time.Millisecond)
	events, err := h.sp.Store.ReadTimeline()
	require.NoError(t, err)
	var sawLate bool
	for _, e := range events {
		if e.Type == runtypes.EventLateWorkerResultIgnored {
			sawLate = true
		}
	}
	require.True(t, sawLate)
}

func TestParseFailedRetriesOnceThenStops(t *testing.T) {
	cfg := baseConfig()
	cfg.Fast = true
	h := newHarness(t, cfg)

	var calls int32
	h.w.implFn = func(context.Context, worker.Request) (*worker.Implementation, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &rerrors.WorkerError{Kind: "parse_failed", Worker: "codex"}
	}

	final, err := h.sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.StopImplementParseFailed, *final.StopReason)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestMaxTicksReachedStopsRun(t *testing.T) {
	cfg := baseConfig()
	cfg.Fast = true
	cfg.Budgets.MaxTicks = 1
	h := newHarness(t, cfg)
	h.w.implFn = func(context.Context, worker.Request) (*worker.Implementation, error) {
		t.Fatal("should never be called: max ticks exhausted on the first tick")
		return nil, nil
	}

	final, err := h.sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.StopMaxTicksReached, *final.StopReason)
}

func TestAutoResumeRecoversFromTransientStop(t *testing.T) {
	cfg := baseConfig()
	cfg.Fast = true
	cfg.AutoResume = rconfig.AutoResumeConfig{Enabled: true, MaxAutoResumes: 1, DelaysMS: []int{0}}
	h := newHarness(t, cfg)
	h.sp.WorkerTimeout = 20 * time.Millisecond

	var calls int32
	h.w.implFn = func(ctx context.Context, req worker.Request) (*worker.Implementation, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &worker.Implementation{ChangedFiles: []string{"src/a.go"}}, nil
	}

	final, err := h.sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, runtypes.StopComplete, *final.StopReason)
	require.Equal(t, 1, final.AutoResumeCount)

	events, err := h.sp.Store.ReadTimeline()
	require.NoError(t, err)
	var sawResume bool
	for _, e := range events {
		if e.Type == runtypes.EventRunResumed {
			sawResume = true
		}
	}
	require.True(t, sawResume)
}
