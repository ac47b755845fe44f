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

// Package verifier runs the verification tiers VerificationPolicy
// selects: tier0 (lint/typecheck), tier1 (build), tier2 (tests). Each
// tier shells a configured command inside the run's worktree, in the
// same os/exec + captured-stderr idiom as internal/gitrepo.
package verifier

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Tier names, matching spec §4.3.
const (
	Tier0 = "tier0"
	Tier1 = "tier1"
	Tier2 = "tier2"
)

// Result is the outcome of running one tier.
type Result struct {
	Tier     string
	Passed   bool
	Log      string
	Duration time.Duration
}

// Verifier runs a single verification tier against a worktree.
type Verifier interface {
	Verify(ctx context.Context, tier string, repoDir string) (*Result, error)
}

// CommandSet maps each tier to the shell command that implements it.
type CommandSet struct {
	Tier0 []string // e.g. ["npm", "run", "lint"]
	Tier1 []string // e.g. ["npm", "run", "build"]
	Tier2 []string // e.g. ["npm", "test"]
}

// CommandVerifier runs CommandSet entries via exec.CommandContext.
type CommandVerifier struct {
	Commands CommandSet
	Timeout  time.Duration
}

// NewCommandVerifier returns a CommandVerifier with the given per-call timeout.
func NewCommandVerifier(cmds CommandSet, timeout time.Duration) *CommandVerifier {
	return &CommandVerifier{Commands: cmds, Timeout: timeout}
}

func (v *CommandVerifier) commandFor(tier string) ([]string, error) {
	switch tier {
	case Tier0:
		return v.Commands.Tier0, nil
	case Tier1:
		return v.Commands.Tier1, nil
	case Tier2:
		return v.Commands.Tier2, nil
	default:
		return nil, fmt.Errorf("verifier: unknown tier %q", tier)
	}
}

// Verify implements Verifier.
func (v *CommandVerifier) Verify(ctx context.Context, tier string, repoDir string) (*Result, error) {
	argv, err := v.commandFor(tier)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return &Result{Tier: tier, Passed: true, Log: "no command configured, tier skipped"}, nil
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if v.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(callCtx, argv[0], argv[1:]...)
	cmd.Dir = repoDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	duration := time.Since(start)

	if callCtx.Err() != nil {
		return &Result{Tier: tier, Passed: false, Log: strings.TrimSpace(out.String()), Duration: duration}, callCtx.Err()
	}

	return &Result{
		Tier:     tier,
		Passed:   err == nil,
		Log:      strings.TrimSpace(out.String()),
		Duration: duration,
	}, nil
}
