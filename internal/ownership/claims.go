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

// Package ownership tracks which orchestrator track owns which glob
// patterns of the repository, detects overlapping claims between
// concurrently-launched tracks, and resolves the deadlock tiebreak
// when two tracks mutually wait on each other (spec §4.10).
package ownership

import (
	"sort"
	"sync"

	"github.com/weldr-dev/runr/internal/runtypes"
	"github.com/weldr-dev/runr/internal/scopeguard"
	"github.com/weldr-dev/runr/pkg/rerrors"
)

// Book is the live set of ownership claims for one orchestrator run.
type Book struct {
	mu      sync.Mutex
	claims  map[string]runtypes.OwnershipClaim // trackID -> claim
}

// NewBook returns an empty claim book.
func NewBook() *Book {
	return &Book{claims: make(map[string]runtypes.OwnershipClaim)}
}

// Collision describes an existing claim that overlaps a requested one.
type Collision struct {
	ExistingTrackID string
	ExistingRunID   runtypes.RunID
	PatternA        string
	PatternB        string
}

// Collisions returns every existing claim (other than excludeTrackID)
// whose owned patterns overlap owns.
func (b *Book) Collisions(excludeTrackID string, owns []string) []Collision {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Collision
	for trackID, claim := range b.claims {
		if trackID == excludeTrackID {
			continue
		}
		if overlap, pa, pb := scopeguard.AnyOverlap(claim.OwnsNormalized, owns); overlap {
			out = append(out, Collision{
				ExistingTrackID: trackID,
				ExistingRunID:   claim.RunID,
				PatternA:        pa,
				PatternB:        pb,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExistingTrackID < out[j].ExistingTrackID })
	return out
}

// Claim records a track's ownership of owns, failing with a
// CollisionError if any pattern overlaps an existing claim. Callers
// that want serialize/force semantics instead of a hard failure should
// check Collisions first and decide before calling Claim.
func (b *Book) Claim(trackID string, runID runtypes.RunID, owns []string) (*runtypes.OwnershipClaim, error) {
	if collisions := b.Collisions(trackID, owns); len(collisions) > 0 {
		c := collisions[0]
		return nil, &rerrors.CollisionError{
			Kind:          "ownership_violation",
			Pattern:       c.PatternB,
			CollidingWith: string(c.ExistingRunID),
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	claim := runtypes.OwnershipClaim{
		TrackID:        trackID,
		RunID:          runID,
		OwnsRaw:        owns,
		OwnsNormalized: owns,
	}
	b.claims[trackID] = claim
	return &claim, nil
}

// ClaimForce records trackID's claim unconditionally, without checking
// for overlap. It exists for the orchestrator's force collision policy
// (spec §4.11 "force proceeds, ignoring the overlap"), which needs to
// record the claim for later release bookkeeping even though it never
// blocks the launch on it.
func (b *Book) ClaimForce(trackID string, runID runtypes.RunID, owns []string) *runtypes.OwnershipClaim {
	b.mu.Lock()
	defer b.mu.Unlock()
	claim := runtypes.OwnershipClaim{
		TrackID:        trackID,
		RunID:          runID,
		OwnsRaw:        owns,
		OwnsNormalized: owns,
	}
	b.claims[trackID] = claim
	return &claim
}

// Release removes trackID's claim, freeing its patterns for reuse.
func (b *Book) Release(trackID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claims, trackID)
}

// ClaimFor returns the current claim for a track, if any.
func (b *Book) ClaimFor(trackID string) (runtypes.OwnershipClaim, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.claims[trackID]
	return c, ok
}

// Snapshot returns a copy of all current claims, keyed by track ID, for
// persisting OrchestratorState.FileClaims.
func (b *Book) Snapshot() map[string]runtypes.OwnershipClaim {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]runtypes.OwnershipClaim, len(b.claims))
	for k, v := range b.claims {
		out[k] = v
	}
	return out
}

// Yield resolves a mutual-wait deadlock between two runs competing for
// overlapping ownership: the lexicographically larger RunID yields,
// since RunIDs are timestamp-derived and the smaller (earlier) run
// keeps priority (spec §4.10 "deadlock tiebreak").
func Yield(a, b runtypes.RunID) runtypes.RunID {
	if string(a) > string(b) {
		return a
	}
	return b
}
