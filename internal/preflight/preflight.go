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

// Package preflight composes RepoContext construction, ScopeGuard,
// VerificationPolicy, and an optional worker-binary ping into the one
// gate a run passes through before entering PLAN (spec §4.4). A run
// only proceeds when Result.Guard.OK is true.
package preflight

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/weldr-dev/runr/internal/fingerprint"
	"github.com/weldr-dev/runr/internal/gitrepo"
	"github.com/weldr-dev/runr/internal/runtypes"
	"github.com/weldr-dev/runr/internal/scopeguard"
	"github.com/weldr-dev/runr/internal/verification"
)

// GuardResult reports the scope/dirty-tree check outcome.
type GuardResult struct {
	OK                bool
	Reasons           []string
	Dirty             bool
	ScopeViolations   []string
	LockfileViolations []string
}

// PingTarget is a worker binary to probe before the run starts.
type PingTarget struct {
	Name string
	// Detect reports whether the binary is present and answers a
	// handshake (e.g. `--version`); workers supply this via
	// worker.CLIWorker.Detect, kept as a func to avoid preflight
	// importing the worker package's exec machinery directly.
	Detect func() bool

	// Retries is the number of additional attempts after the first
	// failed Detect call. Zero means no retry (single attempt).
	Retries int
	// Backoff paces retries; zero picks defaultPingBackoff. Attempts
	// are spaced at least Backoff apart via a rate.Limiter; each retry
	// waits out the full interval before probing again.
	Backoff time.Duration
}

// PingOutcome is one probed target's result.
type PingOutcome struct {
	Name string
	OK   bool
}

// PingResult aggregates every probed worker binary.
type PingResult struct {
	OK      bool
	Skipped bool
	Results []PingOutcome
}

// Result is the full preflight output (spec §4.4).
type Result struct {
	RepoContext runtypes.RepoContext
	Guard       GuardResult
	Ping        PingResult
	Tiers       []string
	TierReasons []string

	// Fingerprint is the environment snapshot captured at run start
	// (spec §4.9); the caller persists it via Store.WriteFingerprint so
	// a later resume has something to diff against (spec §4.7 step 3).
	Fingerprint runtypes.Fingerprint
}

// Config configures one preflight pass.
type Config struct {
	ScopeLock      runtypes.ScopeLock
	PingTargets    []PingTarget
	SkipPing       bool
	VerificationIn verification.Input
	Policy         *verification.Policy

	// ConfigBytes is the raw loaded config, folded into the fingerprint's
	// config_hash field so config drift shows up on resume.
	ConfigBytes []byte
}

// Run executes the preflight gate against repo.
func Run(ctx context.Context, repo *gitrepo.Repo, cfg Config) (*Result, error) {
	res := &Result{}

	repoCtx, err := buildRepoContext(ctx, repo)
	if err != nil {
		return nil, err
	}
	res.RepoContext = repoCtx

	guard, err := scopeguard.New(cfg.ScopeLock.Allowlist, cfg.ScopeLock.Denylist, cfg.ScopeLock.LockfilePatterns)
	if err != nil {
		return nil, err
	}

	clean, err := repo.IsClean(ctx)
	if err != nil {
		return nil, err
	}

	var scopeViolations, lockfileViolations []string
	for _, f := range repoCtx.ChangedFiles {
		if guard.IsLockfile(f) {
			if !cfg.ScopeLock.AllowDeps {
				lockfileViolations = append(lockfileViolations, f)
			}
			continue
		}
		if !guard.Allowed(f) {
			scopeViolations = append(scopeViolations, f)
		}
	}

	gr := GuardResult{
		Dirty:              !clean,
		ScopeViolations:    scopeViolations,
		LockfileViolations: lockfileViolations,
	}
	gr.OK = len(scopeViolations) == 0 && len(lockfileViolations) == 0
	if !gr.OK {
		if len(scopeViolations) > 0 {
			gr.Reasons = append(gr.Reasons, "changed files outside allowlist or inside denylist")
		}
		if len(lockfileViolations) > 0 {
			gr.Reasons = append(gr.Reasons, "lockfile changed without allow_deps")
		}
	}
	res.Guard = gr

	res.Ping = runPing(cfg)
	res.Fingerprint = fingerprint.Capture(ctx, repo.Root(), cfg.ConfigBytes)

	if cfg.Policy != nil {
		tiers, reasons, err := cfg.Policy.Select(cfg.VerificationIn)
		if err != nil {
			return nil, err
		}
		res.Tiers, res.TierReasons = tiers, reasons
	}

	return res, nil
}

// defaultPingBackoff paces retries when a target doesn't set its own.
const defaultPingBackoff = 500 * time.Millisecond

func runPing(cfg Config) PingResult {
	if cfg.SkipPing || len(cfg.PingTargets) == 0 {
		return PingResult{OK: true, Skipped: true}
	}

	out := PingResult{OK: true}
	for _, target := range cfg.PingTargets {
		ok := pingWithRetry(target)
		out.Results = append(out.Results, PingOutcome{Name: target.Name, OK: ok})
		if !ok {
			out.OK = false
		}
	}
	return out
}

// pingWithRetry runs target.Detect up to target.Retries+1 times,
// pacing attempts with a rate.Limiter the way the teacher's
// filewatcher debounces repeated fsnotify events, generalized here to
// space out repeated probes of a worker binary that may still be
// starting up.
func pingWithRetry(target PingTarget) bool {
	if target.Detect == nil {
		return false
	}
	if target.Detect() {
		return true
	}
	if target.Retries <= 0 {
		return false
	}

	backoff := target.Backoff
	if backoff <= 0 {
		backoff = defaultPingBackoff
	}
	limiter := rate.NewLimiter(rate.Every(backoff), 1)
	// The limiter starts with a full burst token, so drain it before
	// the retry loop pacing takes effect on the first wait below.
	limiter.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), backoff*time.Duration(target.Retries+1)*2)
	defer cancel()

	for i := 0; i < target.Retries; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return false
		}
		if target.Detect() {
			return true
		}
	}
	return false
}

func buildRepoContext(ctx context.Context, repo *gitrepo.Repo) (runtypes.RepoContext, error) {
	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		return runtypes.RepoContext{}, err
	}
	changed, err := repo.ChangedFiles(ctx)
	if err != nil {
		return runtypes.RepoContext{}, err
	}
	return runtypes.RepoContext{
		GitRoot:       repo.Root(),
		CurrentBranch: branch,
		ChangedFiles:  changed,
	}, nil
}

// defaultPingTimeout bounds a worker handshake probe; kept here so
// supervisors share one constant rather than hardcoding it at call sites.
const defaultPingTimeout = 5 * time.Second

// DefaultPingTimeout returns the bounded timeout a ping probe should use.
func DefaultPingTimeout() time.Duration { return defaultPingTimeout }
