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

package job

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"kiln/internal/config"
	"kiln/internal/jobmeta"
	"kiln/internal/jobstate"
	"kiln/internal/runner"
	"kiln/internal/store"
)

type fakeMailer struct {
	failures    []string
	completions []string
}

func (f *fakeMailer) SendFailure(ctx context.Context, serviceName, jobName, traceback string) error {
	f.failures = append(f.failures, jobName+":"+traceback)
	return nil
}

func (f *fakeMailer) SendCompletion(ctx context.Context, serviceName, jobName, to string) error {
	f.completions = append(f.completions, jobName+":"+to)
	return nil
}

type stubRunner struct {
	name       string
	submitErr  error
	submittedAt string
	status     runner.Status
}

func (r *stubRunner) Name() string { return r.name }
func (r *stubRunner) Submit(ctx context.Context, dir string) (string, error) {
	if r.submitErr != nil {
		return "", r.submitErr
	}
	r.submittedAt = dir
	return "42", nil
}
func (r *stubRunner) CheckCompleted(ctx context.Context, id string) runner.Status {
	return r.status
}

type fakeHooks struct {
	preprocessErr error
	skipRun       bool
	runner        runner.Runner
	runErr        error
	postErr       error
	reschedule    bool
	archiveErr    error
	expireErr     error
}

func (h *fakeHooks) Preprocess(ctx context.Context, j *Job) error {
	if h.skipRun {
		if err := j.SkipRun(); err != nil {
			return err
		}
	}
	return h.preprocessErr
}

func (h *fakeHooks) Run(ctx context.Context, j *Job) (runner.Runner, error) {
	if h.runErr != nil {
		return nil, h.runErr
	}
	return h.runner, nil
}

func (h *fakeHooks) Rerun(ctx context.Context, j *Job, data any) (runner.Runner, error) {
	return h.runner, nil
}

func (h *fakeHooks) Postprocess(ctx context.Context, j *Job) error {
	if h.reschedule {
		if err := j.RescheduleRun("again"); err != nil {
			return err
		}
	}
	return h.postErr
}

func (h *fakeHooks) Complete(ctx context.Context, j *Job) error { return nil }
func (h *fakeHooks) Archive(ctx context.Context, j *Job) error  { return h.archiveErr }
func (h *fakeHooks) Expire(ctx context.Context, j *Job) error   { return h.expireErr }

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	dirs := map[jobstate.State]string{}
	for _, s := range jobstate.All() {
		if s == jobstate.Expired {
			continue
		}
		d := filepath.Join(root, string(s))
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
		dirs[s] = d
	}
	return &config.Config{
		ServiceName: "kiln",
		Directories: dirs,
		Socket:      "",
	}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "kiln.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.CreateTables(ctx); err != nil {
		t.Fatalf("CreateTables: %v", err)
	}
	return s
}

func newTestJob(t *testing.T, st *store.Store, cfg *config.Config, name string, state jobstate.State, hooks Hooks, mail *fakeMailer) *Job {
	t.Helper()
	ctx := context.Background()
	dir := filepath.Join(cfg.DirectoryFor(state), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir job dir: %v", err)
	}
	meta := jobmeta.New(map[string]any{
		"user": "alice", "passwd": "", "contact_email": "", "url": "",
		"directory": dir, "submit_time": nil, "preprocess_time": nil,
		"run_time": nil, "postprocess_time": nil, "end_time": nil,
		"archive_time": nil, "expire_time": nil, "runner_id": nil, "failure": nil,
	})
	if err := st.InsertJob(ctx, name, meta, state); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	j, err := New(name, state, meta, st, cfg, runner.NewRegistry(), mail, hooks, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return j
}

func TestTryRunMovesToRunningAndSubmits(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	r := &stubRunner{name: "stub"}
	hooks := &fakeHooks{runner: r}
	j := newTestJob(t, st, cfg, "j1", jobstate.Incoming, hooks, mail)

	if err := j.TryRun(context.Background()); err != nil {
		t.Fatalf("TryRun: %v", err)
	}
	if j.State() != jobstate.Running {
		t.Fatalf("state = %s, want RUNNING", j.State())
	}
	runnerID, _ := j.Metadata().Get("runner_id")
	if runnerID != "stub:42" {
		t.Fatalf("runner_id = %v, want stub:42", runnerID)
	}
	if r.submittedAt == "" {
		t.Fatal("expected Submit to have been called with the job directory")
	}

	_, gotState, err := st.GetJobByName(context.Background(), "j1", "")
	if err != nil {
		t.Fatalf("GetJobByName: %v", err)
	}
	if gotState != jobstate.Running {
		t.Fatalf("persisted state = %s, want RUNNING", gotState)
	}
}

func TestTryRunSkipRunGoesStraightToCompleted(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	hooks := &fakeHooks{skipRun: true}
	j := newTestJob(t, st, cfg, "j2", jobstate.Incoming, hooks, mail)

	if err := j.TryRun(context.Background()); err != nil {
		t.Fatalf("TryRun: %v", err)
	}
	if j.State() != jobstate.Completed {
		t.Fatalf("state = %s, want COMPLETED", j.State())
	}
}

func TestTryRunSanityFailureRoutesToFailed(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	hooks := &fakeHooks{}
	j := newTestJob(t, st, cfg, "j3", jobstate.Incoming, hooks, mail)
	// Remove the job directory out from under the sanity check.
	dir := j.directory()
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	if err := j.TryRun(context.Background()); err == nil {
		t.Fatal("expected TryRun to return the sanity error")
	}
	if j.State() != jobstate.Failed {
		t.Fatalf("state = %s, want FAILED", j.State())
	}
	if len(mail.failures) != 1 {
		t.Fatalf("expected one failure email, got %d", len(mail.failures))
	}
}

func TestTryRunPreprocessFailureRoutesToFailed(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	hooks := &fakeHooks{preprocessErr: os.ErrInvalid}
	j := newTestJob(t, st, cfg, "j4", jobstate.Incoming, hooks, mail)

	if err := j.TryRun(context.Background()); err == nil {
		t.Fatal("expected TryRun to propagate preprocess failure")
	}
	if j.State() != jobstate.Failed {
		t.Fatalf("state = %s, want FAILED", j.State())
	}
	failureText, _ := j.Metadata().Get("failure")
	if failureText == "" || failureText == nil {
		t.Fatal("expected failure column to be set")
	}
}

func TestTryCompleteNoopWhenNotDone(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	r := &stubRunner{name: "stub", status: runner.Running}
	hooks := &fakeHooks{runner: r}
	j := newTestJob(t, st, cfg, "j5", jobstate.Running, hooks, mail)
	j.Metadata().Set("runner_id", "stub:1")
	j.runners.Register(r)

	if err := j.TryComplete(context.Background()); err != nil {
		t.Fatalf("TryComplete: %v", err)
	}
	if j.State() != jobstate.Running {
		t.Fatalf("state = %s, want unchanged RUNNING", j.State())
	}
}

func TestTryCompleteMarksCompletedWhenDone(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	r := &stubRunner{name: "stub", status: runner.Done}
	hooks := &fakeHooks{runner: r}
	j := newTestJob(t, st, cfg, "j6", jobstate.Running, hooks, mail)
	j.Metadata().Set("runner_id", "stub:1")
	j.runners.Register(r)
	if err := os.WriteFile(j.jobStateFilePath(), []byte("DONE\n"), 0o644); err != nil {
		t.Fatalf("seed job-state file: %v", err)
	}
	if contact, _ := j.Metadata().Get("contact_email"); contact == "" {
		j.Metadata().Set("contact_email", "user@example.com")
	}

	if err := j.TryComplete(context.Background()); err != nil {
		t.Fatalf("TryComplete: %v", err)
	}
	if j.State() != jobstate.Completed {
		t.Fatalf("state = %s, want COMPLETED", j.State())
	}
	if len(mail.completions) != 1 {
		t.Fatalf("expected one completion email, got %d", len(mail.completions))
	}
}

func TestTryCompleteReschedulesRun(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	r := &stubRunner{name: "stub", status: runner.Done}
	hooks := &fakeHooks{runner: r, reschedule: true}
	j := newTestJob(t, st, cfg, "j7", jobstate.Running, hooks, mail)
	j.Metadata().Set("runner_id", "stub:1")
	j.runners.Register(r)
	if err := os.WriteFile(j.jobStateFilePath(), []byte("DONE\n"), 0o644); err != nil {
		t.Fatalf("seed job-state file: %v", err)
	}

	if err := j.TryComplete(context.Background()); err != nil {
		t.Fatalf("TryComplete: %v", err)
	}
	if j.State() != jobstate.Running {
		t.Fatalf("state = %s, want RUNNING after reschedule", j.State())
	}
}

func TestHasCompletedRetriesWhenRunnerAheadOfStateFile(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	r := &stubRunner{name: "stub", status: runner.Done}
	hooks := &fakeHooks{runner: r}
	j := newTestJob(t, st, cfg, "j8", jobstate.Running, hooks, mail)
	j.Metadata().Set("runner_id", "stub:1")
	j.runners.Register(r)

	orig := sleepStateFileWait
	defer func() { sleepStateFileWait = orig }()
	calls := 0
	sleepStateFileWait = func(ctx context.Context) { calls++ }

	err := j.TryComplete(context.Background())
	if err == nil {
		t.Fatal("expected a RunnerError when the state file never catches up")
	}
	if calls != stateFileWaitAttempts {
		t.Fatalf("retried %d times, want %d", calls, stateFileWaitAttempts)
	}
	if j.State() != jobstate.Failed {
		t.Fatalf("state = %s, want FAILED", j.State())
	}
}

func TestTryArchiveMovesDirectoryAndRunsHook(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	archived := false
	hooks := &recordingHooks{onArchive: func() { archived = true }}
	j := newTestJob(t, st, cfg, "j9", jobstate.Completed, hooks, mail)

	if err := j.TryArchive(context.Background()); err != nil {
		t.Fatalf("TryArchive: %v", err)
	}
	if j.State() != jobstate.Archived {
		t.Fatalf("state = %s, want ARCHIVED", j.State())
	}
	if !archived {
		t.Fatal("expected Archive hook to run")
	}
	dir := j.directory()
	if filepath.Dir(dir) != cfg.DirectoryFor(jobstate.Archived) {
		t.Fatalf("directory = %s, not moved under archived root", dir)
	}
}

func TestTryExpireRemovesDirectory(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	hooks := &recordingHooks{}
	j := newTestJob(t, st, cfg, "j10", jobstate.Archived, hooks, mail)
	dir := j.directory()

	if err := j.TryExpire(context.Background()); err != nil {
		t.Fatalf("TryExpire: %v", err)
	}
	if j.State() != jobstate.Expired {
		t.Fatalf("state = %s, want EXPIRED", j.State())
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("expected job directory to have been removed")
	}
	if d, _ := j.Metadata().Get("directory"); d != nil {
		t.Fatalf("directory column = %v, want nil after expiry", d)
	}
}

func TestResubmitMovesFailedToIncoming(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	hooks := &recordingHooks{}
	j := newTestJob(t, st, cfg, "j11", jobstate.Failed, hooks, mail)

	if err := j.Resubmit(context.Background()); err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if j.State() != jobstate.Incoming {
		t.Fatalf("state = %s, want INCOMING", j.State())
	}
}

func TestResubmitRejectsWrongState(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	hooks := &recordingHooks{}
	j := newTestJob(t, st, cfg, "j12", jobstate.Running, hooks, mail)

	if err := j.Resubmit(context.Background()); err == nil {
		t.Fatal("expected Resubmit to reject a RUNNING job")
	}
}

func TestFailMovesDirectoryAndRecordsReason(t *testing.T) {
	st := testStore(t)
	cfg := testConfig(t, t.TempDir())
	mail := &fakeMailer{}
	hooks := &recordingHooks{}
	j := newTestJob(t, st, cfg, "j13", jobstate.Running, hooks, mail)

	cause := context.DeadlineExceeded
	if err := j.Fail(context.Background(), cause); err != cause {
		t.Fatalf("Fail should return the original cause, got %v", err)
	}
	if j.State() != jobstate.Failed {
		t.Fatalf("state = %s, want FAILED", j.State())
	}
	if filepath.Dir(j.directory()) != cfg.DirectoryFor(jobstate.Failed) {
		t.Fatalf("directory = %s, want it under %s", j.directory(), cfg.DirectoryFor(jobstate.Failed))
	}
	reason, _ := j.Metadata().Get("failure")
	if reason == "" {
		t.Fatal("expected failure reason to be recorded")
	}
	if len(mail.failures) != 1 {
		t.Fatalf("expected one admin failure email, got %d", len(mail.failures))
	}
}

// recordingHooks is a Hooks with no-op behavior except an optional
// onArchive callback, used where fakeHooks' fuller surface is unneeded.
type recordingHooks struct {
	onArchive func()
}

func (h *recordingHooks) Preprocess(ctx context.Context, j *Job) error { return nil }
func (h *recordingHooks) Run(ctx context.Context, j *Job) (runner.Runner, error) {
	return nil, nil
}
func (h *recordingHooks) Rerun(ctx context.Context, j *Job, data any) (runner.Runner, error) {
	return nil, nil
}
func (h *recordingHooks) Postprocess(ctx context.Context, j *Job) error { return nil }
func (h *recordingHooks) Complete(ctx context.Context, j *Job) error    { return nil }
func (h *recordingHooks) Archive(ctx context.Context, j *Job) error {
	if h.onArchive != nil {
		h.onArchive()
	}
	return nil
}
func (h *recordingHooks) Expire(ctx context.Context, j *Job) error { return nil }
