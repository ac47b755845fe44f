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

// Package rconfig loads and validates .agent/runr.config.json (or the
// equivalent .yaml form), merging file settings over built-in defaults
// and applying environment overrides. ConfigDir locates the XDG user
// config directory; Load does not read user defaults from it.
package rconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weldr-dev/runr/internal/runtypes"
)

// LogConfig mirrors rlog.Config's shape so it can be declared in the
// config file without importing rlog (avoids an import cycle with
// packages that configure logging before anything else is wired up).
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ScopeConfig is the on-disk form of a run's default ScopeLock.
type ScopeConfig struct {
	Allowlist        []string `yaml:"allowlist" json:"allowlist"`
	Denylist         []string `yaml:"denylist" json:"denylist"`
	LockfilePatterns []string `yaml:"lockfile_patterns" json:"lockfile_patterns"`
	AllowDeps        bool     `yaml:"allow_deps" json:"allow_deps"`
}

// RiskTrigger is an expr-lang boolean expression evaluated against a
// changed file path; a match forces tier1 verification regardless of
// risk_level (spec §4.3 "any changed file matches a declared risk
// trigger").
type RiskTrigger struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expr" json:"expr"`
}

// BudgetConfig holds the per-run timeouts of spec §5 "Timeouts".
type BudgetConfig struct {
	MaxWorkerCallMinutes       int `yaml:"max_worker_call_minutes" json:"max_worker_call_minutes"`
	TimeBudgetMinutes          int `yaml:"time_budget_minutes" json:"time_budget_minutes"`
	MaxTicks                   int `yaml:"max_ticks" json:"max_ticks"`
	MaxVerifyTimePerMilestoneS int `yaml:"max_verify_time_per_milestone_seconds" json:"max_verify_time_per_milestone_seconds"`
	MaxVerifyRetries           int `yaml:"max_verify_retries" json:"max_verify_retries"`
	MaxReviewRounds            int `yaml:"max_review_rounds" json:"max_review_rounds"`
}

// AutoResumeConfig controls transient-stop auto-resume (spec §4.6).
type AutoResumeConfig struct {
	Enabled        bool  `yaml:"enabled" json:"enabled"`
	MaxAutoResumes int   `yaml:"max_auto_resumes" json:"max_auto_resumes"`
	DelaysMS       []int `yaml:"delays_ms" json:"delays_ms"`
}

// PhaseWorkers maps a phase capability to a named worker, with an
// optional fallback (spec §4.6 step 5, §9 "Dynamic dispatch").
type PhaseWorkers struct {
	Plan      string `yaml:"plan" json:"plan"`
	Implement string `yaml:"implement" json:"implement"`
	Review    string `yaml:"review" json:"review"`
	Fallback  string `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// OrchestrationConfig holds defaults for multi-track orchestration.
type OrchestrationConfig struct {
	CollisionPolicy   runtypes.CollisionPolicy `yaml:"collision_policy" json:"collision_policy"`
	Parallel          int                      `yaml:"parallel" json:"parallel"`
	OwnershipRequired bool                     `yaml:"ownership_required" json:"ownership_required"`
}

// Config is the complete runr configuration.
type Config struct {
	Version int `yaml:"version,omitempty" json:"version,omitempty"`

	Log           LogConfig           `yaml:"log" json:"log"`
	Scope         ScopeConfig         `yaml:"scope" json:"scope"`
	RiskTriggers  []RiskTrigger       `yaml:"risk_triggers,omitempty" json:"risk_triggers,omitempty"`
	Budgets       BudgetConfig        `yaml:"budgets" json:"budgets"`
	AutoResume    AutoResumeConfig    `yaml:"auto_resume" json:"auto_resume"`
	Workers       PhaseWorkers        `yaml:"workers" json:"workers"`
	Orchestration OrchestrationConfig `yaml:"orchestration" json:"orchestration"`
	Fast          bool                `yaml:"fast,omitempty" json:"fast,omitempty"`
}

// DefaultConfig returns the built-in defaults, used when no config
// file is present.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Log:     LogConfig{Level: "info", Format: "json"},
		Budgets: BudgetConfig{
			MaxWorkerCallMinutes:       15,
			TimeBudgetMinutes:          120,
			MaxTicks:                  500,
			MaxVerifyTimePerMilestoneS: 600,
			MaxVerifyRetries:           2,
			MaxReviewRounds:            3,
		},
		AutoResume: AutoResumeConfig{
			Enabled:        false,
			MaxAutoResumes: 2,
			DelaysMS:       []int{5000, 30000},
		},
		Workers: PhaseWorkers{Plan: "claude", Implement: "codex", Review: "claude"},
		Orchestration: OrchestrationConfig{
			CollisionPolicy: runtypes.CollisionSerialize,
			Parallel:        1,
		},
	}
}

// Load reads a config file (JSON or YAML, sniffed by extension),
// overlays RUNR_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("rconfig: read %s: %w", path, err)
		}
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("rconfig: parse yaml %s: %w", path, err)
			}
		} else {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("rconfig: parse json %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RUNR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RUNR_TIME_BUDGET_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Budgets.TimeBudgetMinutes = n
		}
	}
	if v := os.Getenv("RUNR_MAX_TICKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Budgets.MaxTicks = n
		}
	}
	if v := os.Getenv("RUNR_AUTO_RESUME"); v == "true" || v == "1" {
		cfg.AutoResume.Enabled = true
	}
}

// TimeBudget returns the configured wall-time budget as a Duration.
func (c *Config) TimeBudget() time.Duration {
	return time.Duration(c.Budgets.TimeBudgetMinutes) * time.Minute
}

// MaxWorkerCall returns the configured per-worker-call timeout.
func (c *Config) MaxWorkerCall() time.Duration {
	return time.Duration(c.Budgets.MaxWorkerCallMinutes) * time.Minute
}

// MaxVerifyTimePerMilestone returns the configured per-milestone verify timeout.
func (c *Config) MaxVerifyTimePerMilestone() time.Duration {
	return time.Duration(c.Budgets.MaxVerifyTimePerMilestoneS) * time.Second
}

// AutoResumeDelay returns the backoff for the given (0-based) resume attempt,
// clamping to the last configured delay once attempts exhaust the list.
func (c *Config) AutoResumeDelay(attempt int) time.Duration {
	delays := c.AutoResume.DelaysMS
	if len(delays) == 0 {
		return 5 * time.Second
	}
	if attempt >= len(delays) {
		attempt = len(delays) - 1
	}
	return time.Duration(delays[attempt]) * time.Millisecond
}
