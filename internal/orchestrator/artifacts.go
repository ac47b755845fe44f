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

package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weldr-dev/runr/internal/receipt"
	"github.com/weldr-dev/runr/internal/runtypes"
)

// Summary is the machine-readable rollup written to summary.json, the
// first terminal artifact (spec §6.1).
type Summary struct {
	OrchestratorID string              `json:"orchestrator_id"`
	Status         runtypes.OrchestratorStatus `json:"status"`
	Tracks         []TrackSummary      `json:"tracks"`
}

// TrackSummary is one track's rollup within Summary.
type TrackSummary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	StepsCompleted int    `json:"steps_completed"`
	StepsTotal     int    `json:"steps_total"`
}

// BuildSummary derives a Summary from the current OrchestratorState.
func BuildSummary(state *runtypes.OrchestratorState) Summary {
	s := Summary{OrchestratorID: state.OrchestratorID, Status: state.Status}
	for _, t := range state.Tracks {
		completed := 0
		for _, step := range t.Steps {
			if step.Result != nil && step.Result.Status == "complete" {
				completed++
			}
		}
		s.Tracks = append(s.Tracks, TrackSummary{
			ID: t.ID, Name: t.Name, Status: string(t.Status),
			StepsCompleted: completed, StepsTotal: len(t.Steps),
		})
	}
	return s
}

// RenderOrchestrationMarkdown builds the human-readable orchestration.md
// companion to summary.json.
func RenderOrchestrationMarkdown(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Orchestration %s\n\n", s.OrchestratorID)
	fmt.Fprintf(&b, "Status: **%s**\n\n", s.Status)
	fmt.Fprintf(&b, "| Track | Status | Steps |\n|---|---|---|\n")
	for _, t := range s.Tracks {
		fmt.Fprintf(&b, "| %s | %s | %d/%d |\n", t.Name, t.Status, t.StepsCompleted, t.StepsTotal)
	}
	return b.String()
}

// BuildReceipt derives the StopReceipt rendering for an orchestration,
// following the same shape as a run's stop receipt (spec §7) but
// rolled up across tracks instead of phases.
func BuildReceipt(s Summary) runtypes.StopReceipt {
	family := runtypes.FamilyComplete
	if s.Status != runtypes.OrchestratorComplete {
		family = runtypes.FamilyOrchestrator
	}

	completed, total := 0, len(s.Tracks)
	var lines []string
	for _, t := range s.Tracks {
		if t.Status == string(runtypes.TrackComplete) {
			completed++
		}
		lines = append(lines, fmt.Sprintf("%s: %s (%d/%d steps)", t.Name, t.Status, t.StepsCompleted, t.StepsTotal))
	}

	return runtypes.StopReceipt{
		SummaryLine: fmt.Sprintf("orchestration %s: %d/%d tracks complete", s.OrchestratorID, completed, total),
		DetailSections: []runtypes.ReceiptSection{
			{Title: "Tracks", Lines: lines},
		},
		StopReasonFamily: family,
	}
}

// RenderReceiptMarkdown turns a StopReceipt into the receipt.md prose
// form. It delegates to internal/receipt so the orchestration-level
// and run-level receipts render through the same code path.
func RenderReceiptMarkdown(r runtypes.StopReceipt) string {
	return receipt.RenderMarkdown(r)
}

// WriteTerminalArtifacts writes the four terminal artifacts in the
// order spec §4.11 requires: summary.json, then orchestration.md, then
// receipt.json+receipt.md, and complete.json|stop.json strictly last,
// so a consumer that observes the final file can trust every earlier
// one already exists (spec §6.1 "Terminal artifacts order (critical)").
func WriteTerminalArtifacts(store *Store, state *runtypes.OrchestratorState) error {
	summary := BuildSummary(state)

	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal summary.json: %w", err)
	}
	if err := store.WriteHandoff("summary.json", summaryJSON); err != nil {
		return fmt.Errorf("orchestrator: write summary.json: %w", err)
	}

	if err := store.WriteHandoff("orchestration.md", []byte(RenderOrchestrationMarkdown(summary))); err != nil {
		return fmt.Errorf("orchestrator: write orchestration.md: %w", err)
	}

	rcpt := BuildReceipt(summary)
	receiptJSON, err := json.MarshalIndent(rcpt, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal receipt.json: %w", err)
	}
	if err := store.WriteHandoff("receipt.json", receiptJSON); err != nil {
		return fmt.Errorf("orchestrator: write receipt.json: %w", err)
	}
	if err := store.WriteHandoff("receipt.md", []byte(RenderReceiptMarkdown(rcpt))); err != nil {
		return fmt.Errorf("orchestrator: write receipt.md: %w", err)
	}

	terminalName := "stop.json"
	if state.Status == runtypes.OrchestratorComplete {
		terminalName = "complete.json"
	}
	terminalPayload, err := json.MarshalIndent(map[string]any{
		"orchestrator_id": state.OrchestratorID,
		"status":          state.Status,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal %s: %w", terminalName, err)
	}
	if err := store.WriteHandoff(terminalName, terminalPayload); err != nil {
		return fmt.Errorf("orchestrator: write %s: %w", terminalName, err)
	}
	return nil
}
