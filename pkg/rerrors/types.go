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

// Package rerrors holds the typed error families used across the
// control plane: Guard, Budget, Verification, Worker, Review,
// Collision and System, per spec §7.
package rerrors

import "fmt"

// GuardError reports a scope, lockfile, or dirty-tree violation found
// at preflight or after a worker call. Local recovery: none — the run
// stops with the matching StopReason.
type GuardError struct {
	Kind       string   // "scope_violation" | "lockfile_violation" | "dirty_worktree" | "ping_failed" | "fingerprint_mismatch"
	Violations []string // offending paths, when applicable
}

func (e *GuardError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("guard: %s", e.Kind)
	}
	return fmt.Sprintf("guard: %s: %v", e.Kind, e.Violations)
}

// BudgetError reports a time, tick, or stall exceedance. Eligible for
// bounded auto-resume.
type BudgetError struct {
	Kind  string // "time_budget_exceeded" | "max_ticks_reached" | "stalled_timeout"
	Limit string
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("budget: %s (limit %s)", e.Kind, e.Limit)
}

// VerificationError reports a tier failure. Recoverable unless the
// Verifier marks it Fatal.
type VerificationError struct {
	Tier  string
	Fatal bool
	Log   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification: tier %s failed (log: %s)", e.Tier, e.Log)
}

// WorkerError reports a typed worker failure: parse_failed,
// worker_unavailable, or timeout (spec §4.8).
type WorkerError struct {
	Kind   string // "parse_failed" | "worker_unavailable" | "timeout"
	Worker string
	Cause  error
}

func (e *WorkerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("worker %s: %s: %v", e.Worker, e.Kind, e.Cause)
	}
	return fmt.Sprintf("worker %s: %s", e.Worker, e.Kind)
}

func (e *WorkerError) Unwrap() error { return e.Cause }

// ReviewError reports a detected revise/implement/review cycle that
// exceeded max_review_rounds.
type ReviewError struct {
	Rounds int
	Max    int
}

func (e *ReviewError) Error() string {
	return fmt.Sprintf("review: loop detected after %d/%d rounds", e.Rounds, e.Max)
}

// CollisionError reports an ownership or allowlist overlap blocking a
// launch, emitted by preflight or the orchestrator's launch guard.
type CollisionError struct {
	Kind          string // "parallel_file_collision" | "ownership_violation"
	Pattern       string
	CollidingWith string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("collision: %s on pattern %q (colliding with %s)", e.Kind, e.Pattern, e.CollidingWith)
}

// SystemError wraps a filesystem, git, or self-JSON failure. These are
// fatal and never retried (spec §7 "System" family).
type SystemError struct {
	Op    string
	Cause error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system: %s: %v", e.Op, e.Cause)
}

func (e *SystemError) Unwrap() error { return e.Cause }
