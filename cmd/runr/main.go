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

// Command runr is the thin cobra shell wiring the control-plane
// packages together: run, resume, orchestrate, receipt show, events
// query and watch.
// Per spec.md's Non-goals, argument parsing and UX belong to the
// out-of-scope front end; this binary exists only so the packages
// link into something runnable, matching the teacher's
// cmd/conductor/main.go subcommand-registration style.
package main

import (
	"github.com/weldr-dev/runr/internal/cliapp"
	"github.com/weldr-dev/runr/internal/commands/events"
	"github.com/weldr-dev/runr/internal/commands/orchestrate"
	"github.com/weldr-dev/runr/internal/commands/receipt"
	"github.com/weldr-dev/runr/internal/commands/resume"
	"github.com/weldr-dev/runr/internal/commands/run"
	"github.com/weldr-dev/runr/internal/commands/watch"
)

// Version information, injected via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cliapp.SetVersion(version, commit)

	rootCmd := cliapp.NewRootCommand()
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(resume.NewCommand())
	rootCmd.AddCommand(orchestrate.NewCommand())
	rootCmd.AddCommand(receipt.NewCommand())
	rootCmd.AddCommand(events.NewCommand())
	rootCmd.AddCommand(watch.NewCommand())

	if err := rootCmd.Execute(); err != nil {
		cliapp.HandleExitError(err)
	}
}
