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

// Package watch implements "runr watch", which live-tails a run's
// timeline.jsonl so an operator can follow a supervisor loop from a
// second terminal without polling.
package watch

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weldr-dev/runr/internal/cliapp"
	"github.com/weldr-dev/runr/internal/runstore"
	"github.com/weldr-dev/runr/internal/runtypes"
	watchpkg "github.com/weldr-dev/runr/internal/watch"
)

// NewCommand builds "runr watch".
func NewCommand() *cobra.Command {
	var repoPath string
	var backlog bool

	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Live-tail a run's event timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := repoPath
			if root == "" {
				root = "."
			}
			runID := runtypes.RunID(args[0])
			store := runstore.Open(runstore.RunDir(root, runID))

			if backlog {
				events, err := store.ReadTimeline()
				if err != nil {
					return cliapp.NewExitError(cliapp.ExitRunNotFound, "run not found: "+string(runID), err)
				}
				for _, ev := range events {
					printEvent(cmd, ev)
				}
			}

			w, err := watchpkg.New(store.TimelinePath(), nil)
			if err != nil {
				return cliapp.NewExitError(cliapp.ExitRunFailed, "starting watch", err)
			}
			defer w.Stop()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			w.Start(ctx)

			for {
				select {
				case ev, ok := <-w.Events():
					if !ok {
						return nil
					}
					printEvent(cmd, ev)
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "repository root (defaults to current directory)")
	cmd.Flags().BoolVar(&backlog, "backlog", true, "print existing events before tailing new ones")
	return cmd
}

func printEvent(cmd *cobra.Command, ev runtypes.Event) {
	fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s %s (%s)\n", ev.Seq, ev.Timestamp.Format("15:04:05"), ev.Type, ev.Source)
}
