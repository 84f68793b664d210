// Kiln is a compute-job scheduling service.
// Copyright (C) 2025 Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus counters and histograms for job
// lifecycle events: transitions, runner submission/polling outcomes, and
// periodic-action durations.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobTransitions    *prometheus.CounterVec
	jobFailures       *prometheus.CounterVec
	runnerSubmissions *prometheus.CounterVec
	runnerPolls       *prometheus.CounterVec
	periodicDuration  *prometheus.HistogramVec
)

// Periodic action names, used as the "action" label on periodicDuration.
const (
	ActionTryRun      = "try_run"
	ActionTryComplete = "try_complete"
	ActionOldJobs     = "old_jobs"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used
// by tests to ensure clean state between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveTransition records a job moving from one state to another.
func ObserveTransition(from, to string) {
	f := sanitizeLabel(from, "unknown")
	t := sanitizeLabel(to, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobTransitions != nil {
		jobTransitions.WithLabelValues(f, t).Inc()
	}
}

// ObserveFailure records a job being routed to FAILED, tagged by the
// category of the triggering error (sanity, invalid_state, runner, ...).
func ObserveFailure(cause string) {
	c := sanitizeLabel(cause, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobFailures != nil {
		jobFailures.WithLabelValues(c).Inc()
	}
}

// ObserveRunnerSubmission records the outcome of submitting a job to a
// named Runner.
func ObserveRunnerSubmission(runnerName string, ok bool) {
	r := sanitizeLabel(runnerName, "unknown")
	outcome := "ok"
	if !ok {
		outcome = "error"
	}

	mu.RLock()
	defer mu.RUnlock()
	if runnerSubmissions != nil {
		runnerSubmissions.WithLabelValues(r, outcome).Inc()
	}
}

// ObserveRunnerPoll records the status returned by a Runner's
// CheckCompleted call (running, done, unknown).
func ObserveRunnerPoll(runnerName, status string) {
	r := sanitizeLabel(runnerName, "unknown")
	s := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if runnerPolls != nil {
		runnerPolls.WithLabelValues(r, s).Inc()
	}
}

// ObservePeriodicAction records the wall-clock duration of one firing of
// a PeriodicAction callback.
func ObservePeriodicAction(action string, d time.Duration) {
	a := sanitizeLabel(action, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if periodicDuration != nil {
		periodicDuration.WithLabelValues(a).Observe(durationSeconds(d))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "job",
		Name:      "transitions_total",
		Help:      "Total job state transitions, by source and destination state.",
	}, []string{"from", "to"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "job",
		Name:      "failures_total",
		Help:      "Total jobs routed to FAILED, by triggering error category.",
	}, []string{"cause"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "runner",
		Name:      "submissions_total",
		Help:      "Total job submissions to a Runner, by runner name and outcome.",
	}, []string{"runner", "outcome"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "runner",
		Name:      "polls_total",
		Help:      "Total CheckCompleted polls, by runner name and reported status.",
	}, []string{"runner", "status"})

	periodic := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kiln",
		Subsystem: "daemon",
		Name:      "periodic_action_duration_seconds",
		Help:      "Duration of one firing of a periodic action callback.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"action"})

	registry.MustRegister(transitions, failures, submissions, polls, periodic)

	reg = registry
	jobTransitions = transitions
	jobFailures = failures
	runnerSubmissions = submissions
	runnerPolls = polls
	periodicDuration = periodic
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
