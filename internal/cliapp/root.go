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

package cliapp

import "github.com/spf13/cobra"

// NewRootCommand builds the bare "runr" root command with its global
// flags registered, matching the teacher's internal/cli.NewRootCommand:
// subcommands are attached by the caller (cmd/runr/main.go), not here.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runr",
		Short: "runr - supervises long-running AI coding agents against a git repository",
		Long: `runr drives external worker processes (planning, implementation, review)
through a deterministic phase machine against a git repository, enforces
scope guards on file and dependency changes, and records every run as a
replayable event timeline.

Run 'runr run <repo>' to start a supervised run.
Run 'runr resume <run-id>' to reconcile and continue a stopped run.
Run 'runr orchestrate <tracks-file>' to schedule multiple tracks in parallel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, jsonOut, config := RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: .agent/runr.config.json)")

	return cmd
}
