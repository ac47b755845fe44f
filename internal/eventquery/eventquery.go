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

// Package eventquery runs jq expressions over a run's timeline.jsonl so
// an operator can filter/project events ("runr events query <run-id>
// '.[] | select(.type==\"guard_violation\")'") without writing a
// throwaway script. It is grounded on the teacher's internal/jq
// Executor: same timeout/size-bounded compile-and-run shape, narrowed
// to always operate on a decoded []runtypes.Event rather than arbitrary
// workflow step output.
package eventquery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/weldr-dev/runr/internal/runtypes"
)

// DefaultTimeout bounds a single query's evaluation.
const DefaultTimeout = 2 * time.Second

// DefaultMaxEvents bounds how many events a query may be run over, so
// a pathologically long timeline can't hang an interactive query.
const DefaultMaxEvents = 200_000

// Executor evaluates jq expressions against a run's event slice.
type Executor struct {
	Timeout   time.Duration
	MaxEvents int
}

// NewExecutor returns an Executor with bounds defaulted when zero.
func NewExecutor(timeout time.Duration, maxEvents int) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Executor{Timeout: timeout, MaxEvents: maxEvents}
}

// Validate compiles expression without running it, for early feedback
// on a malformed query before spending time decoding the timeline.
func (e *Executor) Validate(expression string) error {
	query, err := gojq.Parse(expression)
	if err != nil {
		return fmt.Errorf("eventquery: parse: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("eventquery: compile: %w", err)
	}
	return nil
}

// Run evaluates expression against events, returning every emitted
// result value. Events are passed through as generic JSON (map[string]any)
// rather than the typed struct, since jq expressions index by field
// name and don't care about Go types.
func (e *Executor) Run(ctx context.Context, expression string, events []runtypes.Event) ([]any, error) {
	if len(events) > e.MaxEvents {
		return nil, fmt.Errorf("eventquery: %d events exceeds max %d", len(events), e.MaxEvents)
	}
	data, err := toGeneric(events)
	if err != nil {
		return nil, err
	}
	if expression == "" {
		return []any{data}, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("eventquery: parse: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("eventquery: compile: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	type outcome struct {
		results []any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		iter := code.Run(data)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				done <- outcome{err: err}
				return
			}
			results = append(results, v)
		}
		done <- outcome{results: results}
	}()

	select {
	case o := <-done:
		return o.results, o.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("eventquery: timed out after %s", e.Timeout)
	}
}

// toGeneric round-trips events through JSON so gojq sees plain
// map[string]any values instead of a typed struct it can't index into
// by field tag.
func toGeneric(events []runtypes.Event) (any, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("eventquery: marshal events: %w", err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("eventquery: unmarshal events: %w", err)
	}
	return data, nil
}
