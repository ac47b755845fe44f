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

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/weldr-dev/runr/internal/credentials"
	"github.com/weldr-dev/runr/internal/runtypes"
	"github.com/weldr-dev/runr/pkg/rerrors"
)

// CLIWorker shells out to a named coding-agent binary (the "codex" or
// "claude" CLI), passing the task text as-is on stdin and
// parsing a single JSON object back from stdout. Detection follows the
// claude-code provider's PATH lookup idiom; invocation follows the
// same provider's --version probe (exec.CommandContext with a captured
// stderr for error attribution).
type CLIWorker struct {
	name    string
	binary  string
	RunArgs []string // extra args appended to every invocation, e.g. ["--json"]

	// EnvCredentials maps an environment variable name the binary
	// expects (e.g. "ANTHROPIC_API_KEY") to a credentials reference
	// ("keychain:anthropic", "env:ANTHROPIC_API_KEY", or a bare
	// literal). Resolved through Credentials on every call rather than
	// once at construction, so a keychain entry added mid-run is picked
	// up without restarting the supervisor.
	EnvCredentials map[string]string
	// Credentials resolves EnvCredentials; nil disables resolution and
	// the subprocess inherits the supervisor's own environment only.
	Credentials *credentials.Registry
}

// NewCLIWorker returns a CLIWorker for binary under name. Detect must be
// called (directly, or via Ping in the preflight package) before the
// worker is used; a missing binary surfaces as worker_unavailable at
// call time regardless.
func NewCLIWorker(name, binary string, runArgs ...string) *CLIWorker {
	return &CLIWorker{name: name, binary: binary, RunArgs: runArgs}
}

// WithCredentials attaches a credential registry and the env-var ->
// reference map the binary needs, returning w for chaining at
// registration time (see DefaultRegistry).
func (w *CLIWorker) WithCredentials(reg *credentials.Registry, envRefs map[string]string) *CLIWorker {
	w.Credentials = reg
	w.EnvCredentials = envRefs
	return w
}

// Name implements Worker.
func (w *CLIWorker) Name() string { return w.name }

// Detect reports whether the worker binary is present on PATH.
func (w *CLIWorker) Detect() bool {
	_, err := exec.LookPath(w.binary)
	return err == nil
}

type cliEnvelope struct {
	Kind string `json:"kind"` // "plan" | "implementation" | "review"

	Milestones []struct {
		Name          string   `json:"name"`
		RiskLevel     string   `json:"risk_level"`
		FilesExpected []string `json:"files_expected,omitempty"`
	} `json:"milestones,omitempty"`

	ChangedFiles []string `json:"changed_files,omitempty"`
	Diff         string   `json:"diff,omitempty"`
	Message      string   `json:"message,omitempty"`

	Verdict string `json:"verdict,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (w *CLIWorker) call(ctx context.Context, req Request) (*cliEnvelope, error) {
	if !w.Detect() {
		return nil, &rerrors.WorkerError{Kind: "worker_unavailable", Worker: w.name, Cause: fmt.Errorf("%s not found on PATH", w.binary)}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(callCtx, w.binary, w.RunArgs...)
	cmd.Stdin = strings.NewReader(req.TaskText)
	if w.Credentials != nil && len(w.EnvCredentials) > 0 {
		cmd.Env = append(os.Environ(), w.Credentials.ResolveEnv(callCtx, w.EnvCredentials)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if callCtx.Err() != nil {
		return nil, &rerrors.WorkerError{Kind: "timeout", Worker: w.name, Cause: callCtx.Err()}
	}
	if err != nil {
		return nil, &rerrors.WorkerError{Kind: "worker_unavailable", Worker: w.name, Cause: fmt.Errorf("%s: %w (stderr: %s)", w.binary, err, strings.TrimSpace(stderr.String()))}
	}

	var env cliEnvelope
	if jsonErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &env); jsonErr != nil {
		return nil, &rerrors.WorkerError{Kind: "parse_failed", Worker: w.name, Cause: jsonErr}
	}
	return &env, nil
}

// PlanTask implements Worker.
func (w *CLIWorker) PlanTask(ctx context.Context, req Request) (*Plan, error) {
	env, err := w.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if env.Kind != "plan" {
		return nil, &rerrors.WorkerError{Kind: "parse_failed", Worker: w.name, Cause: fmt.Errorf("expected kind=plan, got %q", env.Kind)}
	}

	milestones := make([]runtypes.Milestone, 0, len(env.Milestones))
	for _, m := range env.Milestones {
		milestones = append(milestones, runtypes.Milestone{
			Name:          m.Name,
			RiskLevel:     runtypes.RiskLevel(m.RiskLevel),
			FilesExpected: m.FilesExpected,
		})
	}
	return &Plan{Milestones: milestones}, nil
}

// Implement implements Worker.
func (w *CLIWorker) Implement(ctx context.Context, req Request) (*Implementation, error) {
	env, err := w.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if env.Kind != "implementation" {
		return nil, &rerrors.WorkerError{Kind: "parse_failed", Worker: w.name, Cause: fmt.Errorf("expected kind=implementation, got %q", env.Kind)}
	}
	return &Implementation{ChangedFiles: env.ChangedFiles, Diff: env.Diff, Message: env.Message}, nil
}

// Review implements Worker.
func (w *CLIWorker) Review(ctx context.Context, req Request) (*Review, error) {
	env, err := w.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if env.Kind != "review" {
		return nil, &rerrors.WorkerError{Kind: "parse_failed", Worker: w.name, Cause: fmt.Errorf("expected kind=review, got %q", env.Kind)}
	}
	verdict := ReviewVerdict(env.Verdict)
	if verdict != VerdictApproved && verdict != VerdictRevise {
		return nil, &rerrors.WorkerError{Kind: "parse_failed", Worker: w.name, Cause: fmt.Errorf("unknown verdict %q", env.Verdict)}
	}
	return &Review{Verdict: verdict, Notes: env.Notes}, nil
}

// DefaultRegistry returns a Registry with the two production worker
// names wired to their CLI binaries (spec §4.8: "at least two named
// workers... codex and claude"), each resolving its API key through
// credReg so a runr.config.json can reference a keychain entry instead
// of an env var the CI runner would have to populate directly.
func DefaultRegistry(credReg *credentials.Registry) *Registry {
	reg := NewRegistry()
	reg.Register("codex", NewCLIWorker("codex", "codex", "exec", "--json").
		WithCredentials(credReg, map[string]string{"OPENAI_API_KEY": "keychain:openai"}))
	reg.Register("claude", NewCLIWorker("claude", "claude", "--print", "--output-format", "json").
		WithCredentials(credReg, map[string]string{"ANTHROPIC_API_KEY": "keychain:anthropic"}))
	return reg
}
