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

package gitrepo

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// checkpointSubject matches "chore(runr): checkpoint <run_id> milestone <n>".
// Written by the supervisor at every CHECKPOINT phase (spec §4.9); never
// matched against a legacy-format commit.
var checkpointSubject = regexp.MustCompile(`^chore\(runr\): checkpoint (\S+) milestone (\d+)$`)

// legacyCheckpointSubject matches the pre-runr subject form
// "chore(agent): checkpoint milestone <n>", which carries no run id.
// Resume only reads this format; runr never writes it (spec §9 open
// question: legacy checkpoint format is read-only, write-never).
var legacyCheckpointSubject = regexp.MustCompile(`^chore\(agent\): checkpoint milestone (\d+)$`)

// CheckpointCommit is one parsed checkpoint commit from git log.
type CheckpointCommit struct {
	SHA         string
	RunID       string // empty for legacy-format commits
	Milestone   int
	Legacy      bool
	Subject     string
	CommittedAt time.Time
}

const logSep = "\x1f"

// FindCheckpoints walks the log of branchName (or HEAD, if empty) and
// returns every checkpoint commit in newest-first order, matching both
// the current and legacy subject formats.
func (r *Repo) FindCheckpoints(ctx context.Context, branchName string) ([]CheckpointCommit, error) {
	args := []string{"log", "--format=%H" + logSep + "%s" + logSep + "%cI"}
	if branchName != "" {
		args = append(args, branchName)
	}

	out, err := r.Run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var commits []CheckpointCommit
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, logSep, 3)
		if len(parts) != 3 {
			continue
		}
		sha, subject, committedAtRaw := parts[0], parts[1], parts[2]

		if m := checkpointSubject.FindStringSubmatch(subject); m != nil {
			milestone, convErr := strconv.Atoi(m[2])
			if convErr != nil {
				continue
			}
			committedAt, _ := time.Parse(time.RFC3339, committedAtRaw)
			commits = append(commits, CheckpointCommit{
				SHA:         sha,
				RunID:       m[1],
				Milestone:   milestone,
				Subject:     subject,
				CommittedAt: committedAt,
			})
			continue
		}

		if m := legacyCheckpointSubject.FindStringSubmatch(subject); m != nil {
			milestone, convErr := strconv.Atoi(m[1])
			if convErr != nil {
				continue
			}
			committedAt, _ := time.Parse(time.RFC3339, committedAtRaw)
			commits = append(commits, CheckpointCommit{
				SHA:         sha,
				Milestone:   milestone,
				Legacy:      true,
				Subject:     subject,
				CommittedAt: committedAt,
			})
		}
	}

	return commits, nil
}

// LatestCheckpointForRun returns the most recent checkpoint commit
// written for runID, preferring the current subject format. Legacy
// commits are only considered when no current-format commit exists for
// runID, since they predate per-run attribution.
func (r *Repo) LatestCheckpointForRun(ctx context.Context, branchName, runID string) (*CheckpointCommit, error) {
	commits, err := r.FindCheckpoints(ctx, branchName)
	if err != nil {
		return nil, err
	}

	for _, c := range commits {
		if !c.Legacy && c.RunID == runID {
			cc := c
			return &cc, nil
		}
	}
	for _, c := range commits {
		if c.Legacy {
			cc := c
			return &cc, nil
		}
	}
	return nil, nil
}

// CheckpointSubject formats the current-format checkpoint commit subject.
func CheckpointSubject(runID string, milestone int) string {
	return "chore(runr): checkpoint " + runID + " milestone " + strconv.Itoa(milestone)
}
