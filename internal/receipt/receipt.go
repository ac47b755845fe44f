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

// Package receipt renders the user-visible stop receipt spec §7
// describes: a one-line summary, a multi-section markdown diagnostic,
// and a suggested next command, derived from a stopped run's state and
// timeline. It is grounded on the teacher's internal/output formatter
// split (JSON vs. text rendering of the same underlying data) and on
// internal/cli/timeline/renderer.go for walking an event slice into
// prose sections; the orchestrator's own receipt (spec §6.1
// handoffs/receipt.md) reuses RenderMarkdown so both levels render
// through one code path.
package receipt

import (
	"fmt"
	"strings"

	"github.com/weldr-dev/runr/internal/runtypes"
)

// BuildForRun derives a StopReceipt from a stopped RunState and the
// events appended during its final phase, per spec §7 "User-visible
// behavior on stop": (a) a summary line, (b) detail sections (guard
// violations, verifier log paths, ping results), (c) a suggested
// command keyed off the stop reason.
func BuildForRun(state *runtypes.RunState, events []runtypes.Event) runtypes.StopReceipt {
	if state.StopReason == nil {
		return runtypes.StopReceipt{SummaryLine: fmt.Sprintf("run %s: in progress (phase %s)", state.RunID, state.Phase)}
	}
	reason := *state.StopReason
	family := reason.Family()

	r := runtypes.StopReceipt{
		SummaryLine:      summaryLine(state, reason),
		StopReasonFamily: family,
		SuggestedCommand: suggestedCommand(state, reason),
	}

	if sec := milestoneSection(state); sec != nil {
		r.DetailSections = append(r.DetailSections, *sec)
	}
	if sec := guardSection(events); sec != nil {
		r.DetailSections = append(r.DetailSections, *sec)
	}
	if sec := verificationSection(state); sec != nil {
		r.DetailSections = append(r.DetailSections, *sec)
	}
	if sec := workerSection(events); sec != nil {
		r.DetailSections = append(r.DetailSections, *sec)
	}
	if state.CheckpointCommitSHA != "" {
		r.DetailSections = append(r.DetailSections, runtypes.ReceiptSection{
			Title: "Checkpoint",
			Lines: []string{fmt.Sprintf("commit %s", state.CheckpointCommitSHA)},
		})
	}
	return r
}

func summaryLine(state *runtypes.RunState, reason runtypes.StopReason) string {
	if reason == runtypes.StopComplete {
		return fmt.Sprintf("run %s: complete (%d milestone(s))", state.RunID, len(state.Milestones))
	}
	return fmt.Sprintf("run %s: stopped — %s (phase %s, milestone %d/%d)",
		state.RunID, reason, state.Phase, state.MilestoneIndex+1, len(state.Milestones))
}

// suggestedCommand implements spec §7's "(c) a suggested_command ...
// computed from the stop reason": a resume command for anything
// recoverable, a pointer at the scope config for guard failures, and
// nothing at all once the run has already finished cleanly.
func suggestedCommand(state *runtypes.RunState, reason runtypes.StopReason) string {
	switch reason.Family() {
	case runtypes.FamilyComplete:
		return ""
	case runtypes.FamilyGuard:
		return "# Review .agent/runr.config.json scope settings"
	default:
		return "runr resume " + string(state.RunID)
	}
}

func milestoneSection(state *runtypes.RunState) *runtypes.ReceiptSection {
	if len(state.Milestones) == 0 {
		return nil
	}
	var lines []string
	for i, m := range state.Milestones {
		marker := " "
		switch {
		case i < state.MilestoneIndex:
			marker = "x"
		case i == state.MilestoneIndex:
			marker = ">"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s (risk=%s)", marker, m.Name, m.RiskLevel))
	}
	return &runtypes.ReceiptSection{Title: "Milestones", Lines: lines}
}

// guardSection walks the timeline for the most recent guard_violation
// event and lists its offending paths (spec §8 scenario 2: "summary.md
// lists .env under 'Scope violations'").
func guardSection(events []runtypes.Event) *runtypes.ReceiptSection {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Type != runtypes.EventGuardViolation {
			continue
		}
		var lines []string
		if raw, ok := ev.Payload["violations"]; ok {
			for _, p := range toStringSlice(raw) {
				lines = append(lines, p)
			}
		}
		if len(lines) == 0 {
			lines = []string{"(no paths recorded)"}
		}
		return &runtypes.ReceiptSection{Title: "Scope violations", Lines: lines}
	}
	return nil
}

func verificationSection(state *runtypes.RunState) *runtypes.ReceiptSection {
	ev := state.LastVerificationEvidence
	if ev == nil {
		return nil
	}
	var lines []string
	for _, tier := range ev.Tiers {
		result, ok := ev.Results[tier]
		if !ok {
			continue
		}
		m, ok := result.(map[string]any)
		if !ok {
			lines = append(lines, tier)
			continue
		}
		logPath, _ := m["Log"].(string)
		passed, _ := m["Passed"].(bool)
		status := "failed"
		if passed {
			status = "passed"
		}
		if logPath != "" {
			lines = append(lines, fmt.Sprintf("%s: %s (log: %s)", tier, status, logPath))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s", tier, status))
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return &runtypes.ReceiptSection{Title: "Verification", Lines: lines}
}

// workerSection surfaces the last parse_failed/worker_fallback event
// so "why did this stop" is answerable without grepping the timeline.
func workerSection(events []runtypes.Event) *runtypes.ReceiptSection {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		switch ev.Type {
		case runtypes.EventParseFailed:
			worker, _ := ev.Payload["worker"].(string)
			return &runtypes.ReceiptSection{Title: "Worker", Lines: []string{fmt.Sprintf("%s: parse_failed", worker)}}
		case runtypes.EventWorkerFallback:
			from, _ := ev.Payload["from"].(string)
			to, _ := ev.Payload["to"].(string)
			return &runtypes.ReceiptSection{Title: "Worker", Lines: []string{fmt.Sprintf("fell back from %s to %s", from, to)}}
		}
	}
	return nil
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// RenderMarkdown turns a StopReceipt into the receipt.md / summary.md
// prose form shared by both run-level and orchestrator-level receipts
// (spec §6.1, §7).
func RenderMarkdown(r runtypes.StopReceipt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.SummaryLine)
	for _, sec := range r.DetailSections {
		fmt.Fprintf(&b, "## %s\n\n", sec.Title)
		for _, line := range sec.Lines {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		b.WriteString("\n")
	}
	if r.SuggestedCommand != "" {
		fmt.Fprintf(&b, "Suggested next step:\n\n    %s\n", r.SuggestedCommand)
	}
	return b.String()
}
