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

// Package rmetrics exposes the control plane's Prometheus metrics:
// tick counts, phase transitions, verification outcomes, worker calls
// and orchestrator collisions. Registered directly against the
// default registry via promauto, the same registry the OTel
// Prometheus reader built in internal/rtracing registers with. This
// package does not serve an HTTP endpoint itself.
package rmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ticksTotal counts supervisor tick loop iterations by phase.
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runr_supervisor_ticks_total",
			Help: "Total supervisor ticks by run phase",
		},
		[]string{"phase"},
	)

	// phaseTransitions counts phase-to-phase transitions.
	phaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runr_phase_transitions_total",
			Help: "Total phase transitions by from/to phase",
		},
		[]string{"from", "to"},
	)

	// verificationResults counts verification outcomes by tier and result.
	verificationResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runr_verification_results_total",
			Help: "Total verification attempts by tier and result",
		},
		[]string{"tier", "result"},
	)

	// workerCalls counts worker invocations by worker name, phase and outcome.
	workerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runr_worker_calls_total",
			Help: "Total worker calls by worker, phase and outcome",
		},
		[]string{"worker", "phase", "outcome"},
	)

	// workerCallDuration observes worker call latency in seconds.
	workerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runr_worker_call_duration_seconds",
			Help:    "Worker call duration in seconds by worker and phase",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34m
		},
		[]string{"worker", "phase"},
	)

	// stopsTotal counts terminal runs by stop reason.
	stopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runr_run_stops_total",
			Help: "Total terminated runs by stop reason",
		},
		[]string{"stop_reason"},
	)

	// autoResumesTotal counts automatic resumes by stop reason being recovered from.
	autoResumesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runr_auto_resumes_total",
			Help: "Total automatic resumes by recovered stop reason",
		},
		[]string{"stop_reason"},
	)

	// orchestratorCollisions counts collision-policy decisions by policy and kind.
	orchestratorCollisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runr_orchestrator_collisions_total",
			Help: "Total orchestrator collision decisions by policy and kind",
		},
		[]string{"policy", "kind"},
	)

	// activeRuns tracks the number of runs currently in a non-terminal phase.
	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runr_active_runs",
			Help: "Number of runs currently in a non-terminal phase",
		},
	)
)

// RecordTick increments the tick counter for phase.
func RecordTick(phase string) {
	ticksTotal.WithLabelValues(phase).Inc()
}

// RecordPhaseTransition increments the from->to transition counter.
func RecordPhaseTransition(from, to string) {
	phaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordVerification increments the verification result counter.
func RecordVerification(tier, result string) {
	verificationResults.WithLabelValues(tier, result).Inc()
}

// RecordWorkerCall increments the worker call counter and observes its duration.
func RecordWorkerCall(worker, phase, outcome string, durationSeconds float64) {
	workerCalls.WithLabelValues(worker, phase, outcome).Inc()
	workerCallDuration.WithLabelValues(worker, phase).Observe(durationSeconds)
}

// RecordStop increments the terminal stop-reason counter.
func RecordStop(stopReason string) {
	stopsTotal.WithLabelValues(stopReason).Inc()
}

// RecordAutoResume increments the auto-resume counter for the stop reason being recovered from.
func RecordAutoResume(stopReason string) {
	autoResumesTotal.WithLabelValues(stopReason).Inc()
}

// RecordCollision increments the orchestrator collision counter.
func RecordCollision(policy, kind string) {
	orchestratorCollisions.WithLabelValues(policy, kind).Inc()
}

// SetActiveRuns sets the active-runs gauge.
func SetActiveRuns(n int) {
	activeRuns.Set(float64(n))
}
