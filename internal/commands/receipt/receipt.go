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

// Package receipt implements "runr receipt show", which reads a run's
// state and timeline straight off disk and renders the spec §7
// stop receipt, the same rendering the supervisor itself writes to
// summary.md on a terminal phase. Grounded on the teacher's
// internal/commands/management history-viewer pattern: a thin cobra
// command that opens a store, reads a projection, and prints it.
package receipt

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weldr-dev/runr/internal/cliapp"
	receiptpkg "github.com/weldr-dev/runr/internal/receipt"
	"github.com/weldr-dev/runr/internal/runstore"
	"github.com/weldr-dev/runr/internal/runtypes"
)

// NewCommand builds "runr receipt".
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Inspect a run's stop receipt",
	}
	cmd.AddCommand(newShowCommand())
	return cmd
}

func newShowCommand() *cobra.Command {
	var repoPath string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Render the stop receipt for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := runtypes.RunID(args[0])
			root := repoPath
			if root == "" {
				root = "."
			}
			dir := runstore.RunDir(root, runID)
			store := runstore.Open(dir)

			state, err := store.ReadState()
			if err != nil {
				return cliapp.NewExitError(cliapp.ExitRunNotFound, "run not found: "+string(runID), err)
			}
			events, err := store.ReadTimeline()
			if err != nil {
				return cliapp.NewExitError(cliapp.ExitRunFailed, "reading timeline", err)
			}

			r := receiptpkg.BuildForRun(state, events)

			if cliapp.GetJSON() {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}

			fmt.Fprintln(cmd.OutOrStdout(), receiptpkg.RenderMarkdown(r))
			return nil
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "repository root (defaults to current directory)")
	return cmd
}
