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

// Package verification implements VerificationPolicy: given a change's
// risk level and context, it selects which verifier.Tier set runs
// (spec §4.3). Risk triggers are expr-lang expressions evaluated
// against each changed file path, the same library the teacher's
// condition evaluator in pkg/workflow uses for guard expressions.
package verification

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/weldr-dev/runr/internal/runtypes"
	"github.com/weldr-dev/runr/internal/verifier"
)

// Trigger is a compiled risk-trigger expression.
type Trigger struct {
	Name    string
	program *vm.Program
}

// CompileTrigger compiles a risk-trigger expression against a path string.
func CompileTrigger(name, expression string) (*Trigger, error) {
	program, err := expr.Compile(expression, expr.Env(map[string]any{"path": ""}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("verification: compile trigger %q: %w", name, err)
	}
	return &Trigger{Name: name, program: program}, nil
}

// Matches reports whether the trigger's expression evaluates true for path.
func (t *Trigger) Matches(path string) (bool, error) {
	out, err := expr.Run(t.program, map[string]any{"path": path})
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	return ok && matched, nil
}

// Input is the request to Select.
type Input struct {
	ChangedFiles []string
	RiskLevel    runtypes.RiskLevel
	IsMilestoneEnd bool
	IsRunEnd       bool
}

// Policy selects verification tiers from an Input.
type Policy struct {
	Triggers []*Trigger
}

// NewPolicy builds a Policy from named risk-trigger expressions.
func NewPolicy(triggers []*Trigger) *Policy {
	return &Policy{Triggers: triggers}
}

// Select returns the tiers to run and the reasons each was selected, in
// the fixed order tier0 < tier1 < tier2 (spec §4.3).
func (p *Policy) Select(in Input) (tiers []string, reasons []string, err error) {
	tiers = append(tiers, verifier.Tier0)
	reasons = append(reasons, "tier0 always runs")

	tier1Reason := ""
	if in.RiskLevel == runtypes.RiskMedium || in.RiskLevel == runtypes.RiskHigh {
		tier1Reason = fmt.Sprintf("risk_level=%s >= medium", in.RiskLevel)
	} else if in.IsMilestoneEnd {
		tier1Reason = "milestone end"
	} else {
		for _, t := range p.Triggers {
			for _, f := range in.ChangedFiles {
				matched, mErr := t.Matches(f)
				if mErr != nil {
					return nil, nil, fmt.Errorf("verification: trigger %q: %w", t.Name, mErr)
				}
				if matched {
					tier1Reason = fmt.Sprintf("risk trigger %q matched %s", t.Name, f)
					break
				}
			}
			if tier1Reason != "" {
				break
			}
		}
	}
	if tier1Reason != "" {
		tiers = append(tiers, verifier.Tier1)
		reasons = append(reasons, tier1Reason)
	}

	if in.RiskLevel == runtypes.RiskHigh {
		tiers = append(tiers, verifier.Tier2)
		reasons = append(reasons, "risk_level=high")
	} else if in.IsRunEnd {
		tiers = append(tiers, verifier.Tier2)
		reasons = append(reasons, "run end")
	}

	return tiers, reasons, nil
}
