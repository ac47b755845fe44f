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

package runtypes

import "time"

// EventSource identifies who appended an Event.
type EventSource string

const (
	SourceCLI          EventSource = "cli"
	SourceSupervisor    EventSource = "supervisor"
	SourceWorker        EventSource = "worker"
	SourceOrchestrator  EventSource = "orchestrator"
)

// EventType is an open string enum; new types may be added without
// breaking old readers since payload is free-form. The ones below are
// the contract-bearing set from spec §6.2.
type EventType string

const (
	EventRunStarted             EventType = "run_started"
	EventPreflight               EventType = "preflight"
	EventPhaseStart              EventType = "phase_start"
	EventPlanGenerated           EventType = "plan_generated"
	EventMilestoneComplete       EventType = "milestone_complete"
	EventImplementComplete       EventType = "implement_complete"
	EventVerification            EventType = "verification"
	EventTierPassed              EventType = "tier_passed"
	EventTierFailed              EventType = "tier_failed"
	EventVerifyComplete          EventType = "verify_complete"
	EventReviewComplete          EventType = "review_complete"
	EventParseFailed             EventType = "parse_failed"
	EventWorkerFallback          EventType = "worker_fallback"
	EventStalledTimeout          EventType = "stalled_timeout"
	EventLateWorkerResultIgnored EventType = "late_worker_result_ignored"
	EventGuardViolation          EventType = "guard_violation"
	EventWorktreeCreated         EventType = "worktree_created"
	EventWorktreeRecreated       EventType = "worktree_recreated"
	EventWorktreeBranchMismatch  EventType = "worktree_branch_mismatch"
	EventNodeModulesSymlinked    EventType = "node_modules_symlinked"
	EventFreshTarget             EventType = "fresh_target"
	EventResume                  EventType = "resume"
	EventRunResumed              EventType = "run_resumed"
	EventAutoStashCreated        EventType = "auto_stash_created"
	EventIgnoredChanges          EventType = "ignored_changes"
	EventStop                    EventType = "stop"
	EventRunComplete             EventType = "run_complete"
	EventWorkerStats             EventType = "worker_stats"
	EventCheckpoint              EventType = "checkpoint"

	// Orchestrator-prefixed family; orchestrator package appends a
	// specific suffix (e.g. "orchestrator_track_launched").
	EventOrchestratorPrefix EventType = "orchestrator_"
)

// Event is one append-only timeline entry.
type Event struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Fingerprint is a captured snapshot of environment identity, used to
// detect drift across resumes (spec §4.9).
type Fingerprint struct {
	NodeOrRuntimeVersion string            `json:"node_or_runtime_version"`
	OS                   string            `json:"os"`
	Arch                 string            `json:"arch"`
	KeyToolVersions      map[string]string `json:"key_tool_versions"`
	ConfigHash           string            `json:"config_hash"`
	LockfileHashes       map[string]string `json:"lockfile_hashes"`
	CapturedAt           time.Time         `json:"captured_at"`
}

// FingerprintDiff is one field-level mismatch between two fingerprints.
type FingerprintDiff struct {
	Field    string `json:"field"`
	Original string `json:"original"`
	Current  string `json:"current"`
}

// Diff compares two fingerprints field by field, per spec §4.9.
func (f *Fingerprint) Diff(current *Fingerprint) []FingerprintDiff {
	var diffs []FingerprintDiff
	add := func(field, orig, cur string) {
		if orig != cur {
			diffs = append(diffs, FingerprintDiff{Field: field, Original: orig, Current: cur})
		}
	}
	add("node_or_runtime_version", f.NodeOrRuntimeVersion, current.NodeOrRuntimeVersion)
	add("os", f.OS, current.OS)
	add("arch", f.Arch, current.Arch)
	add("config_hash", f.ConfigHash, current.ConfigHash)
	for tool, ver := range f.KeyToolVersions {
		add("key_tool_versions."+tool, ver, current.KeyToolVersions[tool])
	}
	for tool, ver := range current.KeyToolVersions {
		if _, ok := f.KeyToolVersions[tool]; !ok {
			add("key_tool_versions."+tool, "", ver)
		}
	}
	for name, hash := range f.LockfileHashes {
		add("lockfile_hashes."+name, hash, current.LockfileHashes[name])
	}
	for name, hash := range current.LockfileHashes {
		if _, ok := f.LockfileHashes[name]; !ok {
			add("lockfile_hashes."+name, "", hash)
		}
	}
	return diffs
}

// RepoContext is the repository state captured at preflight time.
type RepoContext struct {
	GitRoot       string   `json:"git_root"`
	CurrentBranch string   `json:"current_branch"`
	RunBranch     string   `json:"run_branch"`
	DefaultBranch string   `json:"default_branch"`
	ChangedFiles  []string `json:"changed_files"`
}
