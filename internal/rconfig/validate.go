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

package rconfig

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/weldr-dev/runr/internal/runtypes"
)

// Validate checks a loaded Config for internally-consistent values and
// compiles every risk trigger expression, so a malformed expr fails
// fast at load time instead of at the first matching file.
func Validate(cfg *Config) error {
	if cfg.Budgets.TimeBudgetMinutes <= 0 {
		return fmt.Errorf("rconfig: budgets.time_budget_minutes must be positive")
	}
	if cfg.Budgets.MaxTicks <= 0 {
		return fmt.Errorf("rconfig: budgets.max_ticks must be positive")
	}
	if cfg.Budgets.MaxVerifyRetries < 0 {
		return fmt.Errorf("rconfig: budgets.max_verify_retries must not be negative")
	}
	if cfg.Budgets.MaxReviewRounds < 0 {
		return fmt.Errorf("rconfig: budgets.max_review_rounds must not be negative")
	}

	switch cfg.Orchestration.CollisionPolicy {
	case runtypes.CollisionSerialize, runtypes.CollisionFail, runtypes.CollisionForce, "":
	default:
		return fmt.Errorf("rconfig: unknown orchestration.collision_policy %q", cfg.Orchestration.CollisionPolicy)
	}
	if cfg.Orchestration.Parallel < 0 {
		return fmt.Errorf("rconfig: orchestration.parallel must not be negative")
	}

	if cfg.Workers.Plan == "" || cfg.Workers.Implement == "" || cfg.Workers.Review == "" {
		return fmt.Errorf("rconfig: workers.plan, workers.implement and workers.review must all be set")
	}

	for _, t := range cfg.RiskTriggers {
		if t.Expression == "" {
			return fmt.Errorf("rconfig: risk trigger %q has an empty expr", t.Name)
		}
		if _, err := expr.Compile(t.Expression, expr.Env(map[string]any{"path": ""})); err != nil {
			return fmt.Errorf("rconfig: risk trigger %q: %w", t.Name, err)
		}
	}

	return nil
}
