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

// Package gitrepo wraps the git plumbing the control plane needs:
// branch and worktree management, commits, dirty-tree checks and
// checkpoint-commit discovery. Every run operates inside a real git
// worktree, so the control plane's git operations all go through here.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Repo runs git commands rooted at a fixed working directory.
type Repo struct {
	dir string
}

// Open discovers the git repository root containing startPath and
// returns a Repo rooted there. It does not require startPath itself to
// be the root.
func Open(ctx context.Context, startPath string) (*Repo, error) {
	if startPath == "" {
		return nil, fmt.Errorf("gitrepo: startPath is empty")
	}
	abs, err := filepath.Abs(startPath)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: resolve %s: %w", startPath, err)
	}

	r := &Repo{dir: abs}
	out, err := r.Run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("gitrepo: %s is not inside a git repository: %w", startPath, err)
	}
	r.dir = strings.TrimSpace(out)
	return r, nil
}

// AtWorktree returns a Repo rooted at an already-known worktree path,
// without re-resolving it through rev-parse. Used when attaching to a
// worktree the orchestrator created for a track.
func AtWorktree(path string) *Repo {
	return &Repo{dir: path}
}

// Root returns the repo's working directory.
func (r *Repo) Root() string { return r.dir }

// Run executes a git subcommand rooted at the repo directory and
// returns its stdout untrimmed. Stderr is folded into the returned
// error on failure.
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("gitrepo: no git subcommand given")
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("gitrepo: git %s timed out or canceled: %w", args[0], ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("gitrepo: git %s: %s", args[0], msg)
		}
		return "", fmt.Errorf("gitrepo: git %s: %w", args[0], err)
	}

	return stdout.String(), nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" if detached.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HeadSHA returns the full SHA of HEAD.
func (r *Repo) HeadSHA(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CreateAndCheckoutBranch creates branchName from the current HEAD and
// checks it out. Returns an error if the branch already exists.
func (r *Repo) CreateAndCheckoutBranch(ctx context.Context, branchName string) error {
	_, err := r.Run(ctx, "checkout", "-b", branchName)
	return err
}

// CheckoutBranch checks out an existing branch.
func (r *Repo) CheckoutBranch(ctx context.Context, branchName string) error {
	_, err := r.Run(ctx, "checkout", branchName)
	return err
}

// BranchExists reports whether a local branch exists. git show-ref
// --quiet exits non-zero with no stderr when the ref is absent, so any
// error here means "not found" rather than a fatal failure.
func (r *Repo) BranchExists(ctx context.Context, branchName string) (bool, error) {
	_, err := r.Run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branchName)
	return err == nil, nil
}

// IsClean reports whether the worktree has no staged or unstaged changes.
// Untracked files are ignored, matching `git status --porcelain` with
// tracked-only semantics used for the dirty-tree guard.
func (r *Repo) IsClean(ctx context.Context) (bool, error) {
	out, err := r.Run(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// ChangedFiles returns files with uncommitted changes, tracked and untracked.
func (r *Repo) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := r.Run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelainPaths(out), nil
}

func parsePorcelainPaths(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		paths = append(paths, strings.TrimSpace(line[3:]))
	}
	return paths
}

// StashPush stashes tracked and untracked changes under message. Returns
// false if there was nothing to stash.
func (r *Repo) StashPush(ctx context.Context, message string) (bool, error) {
	out, err := r.Run(ctx, "stash", "push", "--include-untracked", "-m", message)
	if err != nil {
		return false, err
	}
	return !strings.Contains(out, "No local changes to save"), nil
}

// StashPop restores the most recent stash.
func (r *Repo) StashPop(ctx context.Context) error {
	_, err := r.Run(ctx, "stash", "pop")
	return err
}

// CommitAll stages all changes and commits them with subject, returning
// the new commit SHA. Used for checkpoint commits (spec §4.9).
func (r *Repo) CommitAll(ctx context.Context, subject string) (string, error) {
	if _, err := r.Run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := r.Run(ctx, "commit", "--allow-empty", "-m", subject); err != nil {
		return "", err
	}
	return r.HeadSHA(ctx)
}

// DiffNameOnly returns the files changed between two refs.
func (r *Repo) DiffNameOnly(ctx context.Context, base, head string) ([]string, error) {
	out, err := r.Run(ctx, "diff", "--name-only", base, head)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// WorktreeAdd creates a new worktree at path on a new branch branching
// from baseRef, used by the orchestrator to isolate parallel tracks.
func (r *Repo) WorktreeAdd(ctx context.Context, path, branchName, baseRef string) error {
	_, err := r.Run(ctx, "worktree", "add", "-b", branchName, path, baseRef)
	return err
}

// WorktreeRemove removes a worktree, forcing removal of untracked state.
func (r *Repo) WorktreeRemove(ctx context.Context, path string) error {
	_, err := r.Run(ctx, "worktree", "remove", "--force", path)
	return err
}

// WorktreePrune cleans up administrative files for worktrees whose
// directories no longer exist.
func (r *Repo) WorktreePrune(ctx context.Context) error {
	_, err := r.Run(ctx, "worktree", "prune")
	return err
}

// ReattachResult reports what Reattach had to do to bring a run's
// worktree back into a usable state (spec §4.7 step 2).
type ReattachResult struct {
	Recreated      bool
	BranchMismatch bool
	ActualBranch   string
}

// Reattach verifies that path is a worktree checked out on branchName
// (whether that worktree is clean is not checked here): if the
// directory is missing, it is recreated from baseSHA
// with --force (spec §4.7 "recreate if missing (with --force)"); if it
// exists but is checked out on a different branch, that is reported as
// a mismatch rather than silently fixed, since switching branches under
// a resuming run could discard its own in-progress state.
func (r *Repo) Reattach(ctx context.Context, path, branchName, baseSHA string) (ReattachResult, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if _, err := r.Run(ctx, "worktree", "add", "--force", "-b", branchName, path, baseSHA); err != nil {
			// Branch may already exist from a prior attempt; retry
			// without -b against the existing branch.
			if _, err2 := r.Run(ctx, "worktree", "add", "--force", path, branchName); err2 != nil {
				return ReattachResult{}, fmt.Errorf("gitrepo: recreate worktree %s: %w", path, err)
			}
		}
		return ReattachResult{Recreated: true}, nil
	}

	wt := AtWorktree(path)
	actual, err := wt.CurrentBranch(ctx)
	if err != nil {
		return ReattachResult{}, fmt.Errorf("gitrepo: read worktree branch at %s: %w", path, err)
	}
	if actual != branchName {
		return ReattachResult{BranchMismatch: true, ActualBranch: actual}, nil
	}
	return ReattachResult{}, nil
}
