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

// Package events implements "runr events query", a thin cobra wrapper
// around internal/eventquery so an operator can filter a run's
// timeline.jsonl with a jq expression from the command line.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weldr-dev/runr/internal/cliapp"
	"github.com/weldr-dev/runr/internal/eventquery"
	"github.com/weldr-dev/runr/internal/runstore"
	"github.com/weldr-dev/runr/internal/runtypes"
)

// NewCommand builds "runr events".
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect a run's event timeline",
	}
	cmd.AddCommand(newQueryCommand())
	return cmd
}

func newQueryCommand() *cobra.Command {
	var repoPath string

	cmd := &cobra.Command{
		Use:   "query <run-id> [jq-expression]",
		Short: "Run a jq expression over a run's timeline.jsonl",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			expression := ""
			if len(args) == 2 {
				expression = args[1]
			}

			root := repoPath
			if root == "" {
				root = "."
			}
			store := runstore.Open(runstore.RunDir(root, runtypes.RunID(runID)))
			events, err := store.ReadTimeline()
			if err != nil {
				return cliapp.NewExitError(cliapp.ExitRunNotFound, "run not found: "+runID, err)
			}

			exec := eventquery.NewExecutor(0, 0)
			results, err := exec.Run(cmd.Context(), expression, events)
			if err != nil {
				return cliapp.NewExitError(cliapp.ExitRunFailed, "query failed", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, r := range results {
				if err := enc.Encode(r); err != nil {
					return fmt.Errorf("events query: encode result: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "repository root (defaults to current directory)")
	return cmd
}
