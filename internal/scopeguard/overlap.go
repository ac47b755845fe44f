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

package scopeguard

import "strings"

// PatternsOverlap reports whether two allowlist glob patterns could
// ever match the same path. Full glob-intersection is undecidable in
// general, so this is intentionally conservative: it compares the
// static (non-wildcard) prefix of each pattern and treats one prefix
// containing the other as an overlap (identical patterns always
// overlap); no glob matching is done. A false positive here just means two ownership claims
// serialize when they didn't strictly need to; a false negative would
// let two tracks write the same file concurrently, which is the error
// we can't afford.
func PatternsOverlap(a, b string) bool {
	a, b = normalize(a), normalize(b)
	if a == b {
		return true
	}

	prefixA, prefixB := staticPrefix(a), staticPrefix(b)
	if strings.HasPrefix(prefixA, prefixB) || strings.HasPrefix(prefixB, prefixA) {
		return true
	}
	return false
}

// staticPrefix returns the portion of a glob pattern before its first
// wildcard character, up to the last preceding path separator, so
// "internal/foo/**/*.go" yields "internal/foo/".
func staticPrefix(pattern string) string {
	idx := strings.IndexAny(pattern, "*?[{")
	if idx == -1 {
		return pattern
	}
	prefix := pattern[:idx]
	if slash := strings.LastIndex(prefix, "/"); slash != -1 {
		return prefix[:slash+1]
	}
	return ""
}

// AnyOverlap reports whether any pattern in a overlaps any pattern in b.
func AnyOverlap(a, b []string) (bool, string, string) {
	for _, pa := range a {
		for _, pb := range b {
			if PatternsOverlap(pa, pb) {
				return true, pa, pb
			}
		}
	}
	return false, "", ""
}
