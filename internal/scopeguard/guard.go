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

// Package scopeguard enforces a run's ScopeLock: the allowlist/denylist
// glob pair and lockfile patterns that bound what a worker is permitted
// to touch (spec §4.4). It never inspects file contents, only paths.
package scopeguard

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/weldr-dev/runr/pkg/rerrors"
)

// Guard evaluates changed-file paths against a ScopeLock.
type Guard struct {
	allow     []string
	deny      []string
	lockfiles []string
}

// New builds a Guard, validating that every pattern compiles. An empty
// allowlist means "nothing is allowed" (spec §4.4 "no implicit scope"),
// matching the teacher's permission model.
func New(allow, deny, lockfiles []string) (*Guard, error) {
	for _, p := range allow {
		if _, err := doublestar.Match(normalize(p), "x"); err != nil {
			return nil, fmt.Errorf("scopeguard: invalid allow pattern %q: %w", p, err)
		}
	}
	for _, p := range deny {
		if _, err := doublestar.Match(normalize(p), "x"); err != nil {
			return nil, fmt.Errorf("scopeguard: invalid deny pattern %q: %w", p, err)
		}
	}
	for _, p := range lockfiles {
		if _, err := doublestar.Match(normalize(p), "x"); err != nil {
			return nil, fmt.Errorf("scopeguard: invalid lockfile pattern %q: %w", p, err)
		}
	}
	return &Guard{allow: allow, deny: deny, lockfiles: lockfiles}, nil
}

func normalize(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	return strings.TrimPrefix(path, "./")
}

func matchesAny(path string, patterns []string) bool {
	np := normalize(path)
	for _, pattern := range patterns {
		p := normalize(pattern)
		if matched, _ := doublestar.Match(p, np); matched {
			return true
		}
	}
	return false
}

// Allowed reports whether path is permitted: it must match the
// allowlist and must not match the denylist. Denylist wins on overlap.
func (g *Guard) Allowed(path string) bool {
	if matchesAny(path, g.deny) {
		return false
	}
	if len(g.allow) == 0 {
		return false
	}
	return matchesAny(path, g.allow)
}

// IsLockfile reports whether path matches a declared lockfile pattern.
// Lockfile writes are permitted only when the ScopeLock's AllowDeps
// flag is set; callers enforce that separately from path scope.
func (g *Guard) IsLockfile(path string) bool {
	return matchesAny(path, g.lockfiles)
}

// CheckPaths validates a batch of changed file paths, returning a
// single GuardError naming every violation when any path is outside
// the allowlist or inside the denylist.
func (g *Guard) CheckPaths(paths []string) error {
	var violations []string
	for _, p := range paths {
		if !g.Allowed(p) {
			violations = append(violations, p)
		}
	}
	if len(violations) > 0 {
		return &rerrors.GuardError{Kind: "scope_violation", Violations: violations}
	}
	return nil
}

// Allowlist returns the configured allow patterns.
func (g *Guard) Allowlist() []string { return g.allow }

// Denylist returns the configured deny patterns.
func (g *Guard) Denylist() []string { return g.deny }
