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

// CollisionPolicy controls how the orchestrator reacts to overlapping
// file scopes between tracks (spec §4.10-4.11).
type CollisionPolicy string

const (
	CollisionSerialize CollisionPolicy = "serialize"
	CollisionFail      CollisionPolicy = "fail"
	CollisionForce     CollisionPolicy = "force"
)

// OwnershipClaim is a reservation, held by a track, of one or more
// glob patterns.
type OwnershipClaim struct {
	TrackID         string   `json:"track_id"`
	RunID           RunID    `json:"run_id,omitempty"`
	OwnsRaw         []string `json:"owns_raw"`
	OwnsNormalized  []string `json:"owns_normalized"`
}

// OrchestratorPolicy is the immutable policy set for one orchestration.
type OrchestratorPolicy struct {
	CollisionPolicy   CollisionPolicy `json:"collision_policy"`
	Parallel          int             `json:"parallel"`
	Fast              bool            `json:"fast"`
	AutoResume        bool            `json:"auto_resume"`
	TimeBudget        time.Duration   `json:"time_budget"`
	MaxTicks          int             `json:"max_ticks"`
	OwnershipRequired bool            `json:"ownership_required"`
}

// OrchestratorStatus is the top-level lifecycle status of an
// orchestration.
type OrchestratorStatus string

const (
	OrchestratorRunning  OrchestratorStatus = "running"
	OrchestratorComplete OrchestratorStatus = "complete"
	OrchestratorStopped  OrchestratorStatus = "stopped"
	OrchestratorFailed   OrchestratorStatus = "failed"
)

// TrackStatus is the lifecycle status of one track.
type TrackStatus string

const (
	TrackPending  TrackStatus = "pending"
	TrackRunning  TrackStatus = "running"
	TrackWaiting  TrackStatus = "waiting"
	TrackComplete TrackStatus = "complete"
	TrackStopped  TrackStatus = "stopped"
	TrackFailed   TrackStatus = "failed"
)

// StepResult is the terminal outcome of one launched step.
type StepResult struct {
	Status     string `json:"status"` // complete | stopped | timeout
	StopReason string `json:"stop_reason,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

// Step is one task within a track.
type Step struct {
	TaskPath       string   `json:"task_path"`
	Allowlist      []string `json:"allowlist,omitempty"`
	OwnsRaw        []string `json:"owns_raw,omitempty"`
	OwnsNormalized []string `json:"owns_normalized,omitempty"`

	RunID  RunID       `json:"run_id,omitempty"`
	RunDir string      `json:"run_dir,omitempty"`
	Result *StepResult `json:"result,omitempty"`
}

// Track is an ordered sequence of task steps scheduled by the orchestrator.
type Track struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Steps       []Step      `json:"steps"`
	CurrentStep int         `json:"current_step"`
	Status      TrackStatus `json:"status"`
}

// OrchestratorState is the persisted state of a multi-track orchestration.
type OrchestratorState struct {
	OrchestratorID string                    `json:"orchestrator_id"`
	Tracks         []Track                   `json:"tracks"`
	ActiveRuns     map[string]RunID          `json:"active_runs"` // track_id -> run_id
	FileClaims     map[string]OwnershipClaim `json:"file_claims"` // pattern -> claim
	Policy         OrchestratorPolicy        `json:"policy"`
	Status         OrchestratorStatus        `json:"status"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// SchedulerDecision is the outcome of one orchestrator tick.
type SchedulerDecision struct {
	Kind          string `json:"kind"` // done | launch | wait | blocked
	TrackID       string `json:"track_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	CollidingRuns []RunID `json:"colliding_runs,omitempty"`
}

// StopReceipt is the user-visible rendering of a stopped run or
// orchestration (spec §7 "User-visible behavior on stop").
type StopReceipt struct {
	SummaryLine      string           `json:"summary_line"`
	DetailSections   []ReceiptSection `json:"detail_sections"`
	SuggestedCommand string           `json:"suggested_command,omitempty"`
	StopReasonFamily StopReasonFamily `json:"stop_reason_family"`
}

// ReceiptSection is one named block of the multi-section diagnostic
// written to summary.md.
type ReceiptSection struct {
	Title string   `json:"title"`
	Lines []string `json:"lines"`
}
