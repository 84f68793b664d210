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

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveTransitionExposedOnHandler(t *testing.T) {
	Reset()
	ObserveTransition("INCOMING", "PREPROCESSING")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	if !strings.Contains(body, "kiln_job_transitions_total") {
		t.Fatalf("expected transitions metric in output, got:\n%s", body)
	}
	if !strings.Contains(body, `from="INCOMING"`) || !strings.Contains(body, `to="PREPROCESSING"`) {
		t.Fatalf("expected from/to labels in output, got:\n%s", body)
	}
}

func TestObserveFailureSanitizesLabel(t *testing.T) {
	Reset()
	ObserveFailure("job/internal sanity error!")

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, "kiln_job_failures_total") {
		t.Fatalf("expected failures metric in output, got:\n%s", body)
	}
	if strings.Contains(body, `cause="job/internal sanity error!"`) {
		t.Fatal("label should have been sanitized, not passed through raw")
	}
}

func TestObserveRunnerSubmissionAndPoll(t *testing.T) {
	Reset()
	ObserveRunnerSubmission("sge", true)
	ObserveRunnerSubmission("sge", false)
	ObserveRunnerPoll("sge", "done")

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, "kiln_runner_submissions_total") {
		t.Fatalf("expected submissions metric, got:\n%s", body)
	}
	if !strings.Contains(body, "kiln_runner_polls_total") {
		t.Fatalf("expected polls metric, got:\n%s", body)
	}
}

func TestObservePeriodicActionRecordsDuration(t *testing.T) {
	Reset()
	ObservePeriodicAction(ActionTryRun, 250*time.Millisecond)

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, "kiln_daemon_periodic_action_duration_seconds") {
		t.Fatalf("expected periodic action histogram, got:\n%s", body)
	}
}

func TestResetClearsPriorObservations(t *testing.T) {
	Reset()
	ObserveTransition("RUNNING", "POSTPROCESSING")
	Reset()

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	if strings.Contains(body, `from="RUNNING"`) {
		t.Fatal("Reset should have cleared prior observations")
	}
}
