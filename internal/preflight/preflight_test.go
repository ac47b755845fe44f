package preflight

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weldr-dev/runr/internal/gitrepo"
	"github.com/weldr-dev/runr/internal/runtypes"
)

func newTestRepo(t *testing.T) *gitrepo.Repo {
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

func TestRunPassesWithCleanRepoAndNoChanges(t *testing.T) {
	repo := newTestRepo(t)
	res, err := Run(context.Background(), repo, Config{
		ScopeLock: runtypes.ScopeLock{Allowlist: []string{"**"}},
		SkipPing:  true,
	})
	require.NoError(t, err)
	assert.True(t, res.Guard.OK)
	assert.False(t, res.Guard.Dirty)
}

func TestRunDetectsScopeViolation(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo.Root(), "secret.env"), []byte("X=1\n"), 0o644))

	res, err := Run(context.Background(), repo, Config{
		ScopeLock: runtypes.ScopeLock{Allowlist: []string{"src/**"}},
		SkipPing:  true,
	})
	require.NoError(t, err)
	assert.False(t, res.Guard.OK)
	assert.Contains(t, res.Guard.ScopeViolations, "secret.env")
	assert.True(t, res.Guard.Dirty)
}

func TestRunDetectsLockfileViolationWithoutAllowDeps(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo.Root(), "go.sum"), []byte("x\n"), 0o644))

	res, err := Run(context.Background(), repo, Config{
		ScopeLock: runtypes.ScopeLock{Allowlist: []string{"**"}, LockfilePatterns: []string{"go.sum"}},
		SkipPing:  true,
	})
	require.NoError(t, err)
	assert.False(t, res.Guard.OK)
	assert.Contains(t, res.Guard.LockfileViolations, "go.sum")
}

func TestRunAllowsLockfileWithAllowDeps(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo.Root(), "go.sum"), []byte("x\n"), 0o644))

	res, err := Run(context.Background(), repo, Config{
		ScopeLock: runtypes.ScopeLock{Allowlist: []string{"**"}, LockfilePatterns: []string{"go.sum"}, AllowDeps: true},
		SkipPing:  true,
	})
	require.NoError(t, err)
	assert.True(t, res.Guard.OK)
}

func TestRunPingSkippedByDefault(t *testing.T) {
	repo := newTestRepo(t)
	res, err := Run(context.Background(), repo, Config{ScopeLock: runtypes.ScopeLock{Allowlist: []string{"**"}}})
	require.NoError(t, err)
	assert.True(t, res.Ping.Skipped)
	assert.True(t, res.Ping.OK)
}

func TestRunPingFailsWhenTargetUnavailable(t *testing.T) {
	repo := newTestRepo(t)
	res, err := Run(context.Background(), repo, Config{
		ScopeLock:   runtypes.ScopeLock{Allowlist: []string{"**"}},
		PingTargets: []PingTarget{{Name: "codex", Detect: func() bool { return false }}},
	})
	require.NoError(t, err)
	assert.False(t, res.Ping.OK)
	assert.False(t, res.Ping.Skipped)
	require.Len(t, res.Ping.Results, 1)
	assert.False(t, res.Ping.Results[0].OK)
}
