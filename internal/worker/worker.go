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

// Package worker defines the Worker capability set (PlanTask, Implement,
// Review) and a named-variant registry, generalized from the teacher's
// internal/llm provider registry (which selects an LLM provider by
// config name) to selecting a coding-agent worker by name (spec §4.8).
package worker

import (
	"context"
	"time"

	"github.com/weldr-dev/runr/internal/runtypes"
)

// Request is the input to every Worker call.
type Request struct {
	Phase           runtypes.Phase
	TaskText        string
	ContextPack     map[string]any
	PriorReviewNotes string
	Timeout         time.Duration
}

// Plan is the typed result of PlanTask.
type Plan struct {
	Milestones []runtypes.Milestone
}

// Implementation is the typed result of Implement.
type Implementation struct {
	ChangedFiles []string
	Diff         string
	Message      string
}

// ReviewVerdict is the outcome of a Review call.
type ReviewVerdict string

const (
	VerdictApproved ReviewVerdict = "approved"
	VerdictRevise   ReviewVerdict = "revise"
)

// Review is the typed result of Review.
type Review struct {
	Verdict ReviewVerdict
	Notes   string
}

// Worker is polymorphic over the three phase capabilities a coding
// agent provides. Typed failures (parse_failed, worker_unavailable,
// timeout) are returned as *rerrors.WorkerError, never as ad hoc errors,
// so the supervisor can dispatch on Kind.
type Worker interface {
	Name() string
	PlanTask(ctx context.Context, req Request) (*Plan, error)
	Implement(ctx context.Context, req Request) (*Implementation, error)
	Review(ctx context.Context, req Request) (*Review, error)
}
