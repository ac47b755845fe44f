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

package resume

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weldr-dev/runr/internal/gitrepo"
	"github.com/weldr-dev/runr/internal/runstore"
	"github.com/weldr-dev/runr/internal/runtypes"
)

func newTestRepo(t *testing.T) (*gitrepo.Repo, string) {
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
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "init")

	r, err := gitrepo.Open(context.Background(), dir)
	require.NoError(t, err)
	return r, dir
}

func setupRun(t *testing.T, repo *gitrepo.Repo, runID runtypes.RunID, milestones int) *runstore.Store {
	t.Helper()
	store := runstore.Open(runstore.RunDir(repo.Root(), runID))
	require.NoError(t, store.Init())

	ms := make([]runtypes.Milestone, milestones)
	for i := range ms {
		ms[i] = runtypes.Milestone{Name: "m", RiskLevel: runtypes.RiskLow}
	}
	state := &runtypes.RunState{
		RunID: runID, RepoPath: repo.Root(), Phase: runtypes.PhaseStopped,
		Milestones: ms,
	}
	require.NoError(t, store.WriteState(state))
	require.NoError(t, store.WriteConfigSnapshot(map[string]any{"version": 1}))
	return store
}

func TestDiscoverReturnsRunNotFoundWithoutState(t *testing.T) {
	repo, _ := newTestRepo(t)
	store := runstore.Open(runstore.RunDir(repo.Root(), "20260101000000"))
	require.NoError(t, store.Init())

	eng := New(store, repo)
	_, err := eng.Discover(context.Background(), "20260101000000", "", Overrides{})
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestDiscoverWithNoCheckpointStartsAtMilestoneZero(t *testing.T) {
	repo, _ := newTestRepo(t)
	runID := runtypes.RunID("20260101000000")
	store := setupRun(t, repo, runID, 3)

	eng := New(store, repo)
	res, err := eng.Discover(context.Background(), runID, "", Overrides{})
	require.NoError(t, err)
	require.Equal(t, SourceNone, res.Plan.Checkpoint.Source)
	require.Equal(t, 0, res.Plan.Resume.FromMilestoneIndex)
	require.Equal(t, runtypes.PhaseImplement, res.Plan.Resume.Phase)
	require.Equal(t, 3, res.Plan.Resume.RemainingMilestones)
}

func TestDiscoverFindsRunSpecificCheckpoint(t *testing.T) {
	repo, dir := newTestRepo(t)
	runID := runtypes.RunID("20260101000000")
	store := setupRun(t, repo, runID, 4)

	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	sha, err := repo.CommitAll(ctx, gitrepo.CheckpointSubject(string(runID), 2))
	require.NoError(t, err)

	eng := New(store, repo)
	res, err := eng.Discover(ctx, runID, "", Overrides{})
	require.NoError(t, err)
	require.Equal(t, SourceRunSpecific, res.Plan.Checkpoint.Source)
	require.Equal(t, sha, res.Plan.Checkpoint.SHA)
	require.Equal(t, 3, res.Plan.Resume.FromMilestoneIndex)
	require.Equal(t, 1, res.Plan.Resume.RemainingMilestones)
	require.Equal(t, runtypes.PhaseImplement, res.Plan.Resume.Phase)
}

func TestDiscoverFallsBackToLegacyCheckpoint(t *testing.T) {
	repo, dir := newTestRepo(t)
	runID := runtypes.RunID("20260101000000")
	store := setupRun(t, repo, runID, 3)

	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	_, err := repo.CommitAll(ctx, "chore(agent): checkpoint milestone 1")
	require.NoError(t, err)

	eng := New(store, repo)
	res, err := eng.Discover(ctx, runID, "", Overrides{})
	require.NoError(t, err)
	require.Equal(t, SourceLegacy, res.Plan.Checkpoint.Source)
	require.Equal(t, 2, res.Plan.Resume.FromMilestoneIndex)
}

func TestDiscoverResumeFromLastMilestoneGoesToFinalize(t *testing.T) {
	repo, dir := newTestRepo(t)
	runID := runtypes.RunID("20260101000000")
	store := setupRun(t, repo, runID, 2)

	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	_, err := repo.CommitAll(ctx, gitrepo.CheckpointSubject(string(runID), 1))
	require.NoError(t, err)

	eng := New(store, repo)
	res, err := eng.Discover(ctx, runID, "", Overrides{})
	require.NoError(t, err)
	require.Equal(t, runtypes.PhaseFinalize, res.Plan.Resume.Phase)
	require.Equal(t, 0, res.Plan.Resume.RemainingMilestones)
}

func TestDiscoverPlanOnlyHasNoSideEffects(t *testing.T) {
	repo, _ := newTestRepo(t)
	runID := runtypes.RunID("20260101000000")
	store := setupRun(t, repo, runID, 2)

	eng := New(store, repo)
	res, err := eng.Discover(context.Background(), runID, "", Overrides{PlanOnly: true})
	require.NoError(t, err)
	require.Nil(t, res.State)
	require.Empty(t, res.Events)
}

func TestDiscoverRefusesDirtyTreeWithoutForceOrStash(t *testing.T) {
	repo, dir := newTestRepo(t)
	runID := runtypes.RunID("20260101000000")
	store := setupRun(t, repo, runID, 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("dirty"), 0o644))

	eng := New(store, repo)
	_, err := eng.Discover(context.Background(), runID, "", Overrides{})
	require.Error(t, err)
}

func TestDiscoverAutoStashesDirtyTree(t *testing.T) {
	repo, dir := newTestRepo(t)
	runID := runtypes.RunID("20260101000000")
	store := setupRun(t, repo, runID, 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("dirty"), 0o644))

	eng := New(store, repo)
	res, err := eng.Discover(context.Background(), runID, "", Overrides{AutoStash: true})
	require.NoError(t, err)
	require.True(t, res.Plan.RepoState.WorkingTreeClean)

	var sawStash bool
	for _, ev := range res.Events {
		if ev.Type == runtypes.EventAutoStashCreated {
			sawStash = true
		}
	}
	require.True(t, sawStash)
}

func TestDiscoverAppendsResumeEvents(t *testing.T) {
	repo, _ := newTestRepo(t)
	runID := runtypes.RunID("20260101000000")
	store := setupRun(t, repo, runID, 1)

	eng := New(store, repo)
	res, err := eng.Discover(context.Background(), runID, "", Overrides{})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	require.Equal(t, runtypes.EventResume, res.Events[0].Type)
	require.Equal(t, runtypes.EventRunResumed, res.Events[1].Type)
	require.NotNil(t, res.State)
	require.Nil(t, res.State.StopReason)
	require.Equal(t, runtypes.PhaseImplement, res.State.Phase)
}
