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

// Package job implements the six-step job transition protocol: pre-checks,
// legality check, directory move, atomic database write, user hook invocation (with
// the working directory temporarily set to the job directory), and
// routing any hook failure to the FAILED state with an admin email.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"kiln/internal/config"
	"kiln/internal/ctxkeys"
	"kiln/internal/jobmeta"
	"kiln/internal/jobstate"
	"kiln/internal/mailer"
	"kiln/internal/metrics"
	"kiln/internal/runner"
	"kiln/internal/store"
)

// stateFileWaitAttempts and stateFileWaitInterval bound the retry loop
// TryComplete runs when the Runner reports a job finished but the
// job-state file in the job directory does not yet agree.
const (
	stateFileWaitAttempts  = 5
	stateFileWaitInterval  = 5 * time.Second
	jobStateFileName       = "job-state"
	jobStateFileDoneMarker = "DONE"
)

// SanityError reports a job row or job directory that is not in a state
// the engine can safely operate on.
type SanityError struct {
	msg string
}

func (e *SanityError) Error() string { return e.msg }

func sanityErrorf(format string, args ...any) error {
	return &SanityError{msg: fmt.Sprintf(format, args...)}
}

// FailEscalationError reports that Fail itself could not record a job's
// failure (the database write or directory move that promotes it to
// FAILED errored out). The caller — normally the daemon's main loop —
// cannot trust the row to reflect reality and must stop processing
// rather than retry, per the engine's fail-escalation contract.
type FailEscalationError struct {
	JobName    string
	Cause      error
	Escalation error
}

func (e *FailEscalationError) Error() string {
	return fmt.Sprintf("job %s: failed to record failure (original cause: %v): %v", e.JobName, e.Cause, e.Escalation)
}

func (e *FailEscalationError) Unwrap() error { return e.Escalation }

// failureCategory classifies cause into one of the error taxonomy names
// for the kiln_job_failures_total metric, falling back to "other" for
// hook-originated errors the engine does not itself define.
func failureCategory(cause error) string {
	switch {
	case errorsAs[*SanityError](cause):
		return "sanity"
	case errorsAs[*jobstate.InvalidStateError](cause):
		return "invalid_state"
	case errorsAs[*runner.RunnerError](cause):
		return "runner"
	case errorsAs[*config.ConfigError](cause):
		return "config"
	default:
		return "other"
	}
}

func errorsAs[T error](err error) bool {
	_, ok := err.(T)
	return ok
}

// Hooks are the user-supplied callbacks invoked at each lifecycle step,
// always with the current working directory set to the job directory
// (except Expire, which runs after the directory has been removed).
// Preprocess may call SkipRun, and Postprocess may call RescheduleRun, on
// the *Job it is passed to influence the transition that follows.
type Hooks interface {
	// Preprocess prepares an incoming job to run. If it calls j.SkipRun(),
	// the job moves directly to COMPLETED once Preprocess returns.
	Preprocess(ctx context.Context, j *Job) error
	// Run returns the Runner that should execute the job's cluster work.
	// The protocol submits it (Runner.Submit) and persists the resulting
	// runner_id; Run itself does not submit anything.
	Run(ctx context.Context, j *Job) (runner.Runner, error)
	// Rerun is called instead of Run when postprocessing requested a
	// reschedule; data is whatever was passed to RescheduleRun.
	Rerun(ctx context.Context, j *Job, data any) (runner.Runner, error)
	// Postprocess runs after a job's cluster work finishes. If it calls
	// j.RescheduleRun(data), the job returns to RUNNING instead of
	// completing.
	Postprocess(ctx context.Context, j *Job) error
	// Complete runs once, when a job reaches COMPLETED.
	Complete(ctx context.Context, j *Job) error
	// Archive runs when a completed job reaches its archive time.
	Archive(ctx context.Context, j *Job) error
	// Expire runs when an archived job reaches its expire time, after
	// its directory has already been removed.
	Expire(ctx context.Context, j *Job) error
}

// NopHooks implements Hooks with no-ops, useful as an embeddable base for
// services that only need to override a subset of the lifecycle.
type NopHooks struct{}

func (NopHooks) Preprocess(ctx context.Context, j *Job) error { return nil }
func (NopHooks) Run(ctx context.Context, j *Job) (runner.Runner, error) {
	return nil, fmt.Errorf("job: Run must be implemented")
}
func (NopHooks) Rerun(ctx context.Context, j *Job, data any) (runner.Runner, error) {
	return nil, fmt.Errorf("job: Rerun must be implemented")
}
func (NopHooks) Postprocess(ctx context.Context, j *Job) error { return nil }
func (NopHooks) Complete(ctx context.Context, j *Job) error    { return nil }
func (NopHooks) Archive(ctx context.Context, j *Job) error     { return nil }
func (NopHooks) Expire(ctx context.Context, j *Job) error      { return nil }

// Job is a single in-memory handle on one job row: its name, its current
// FSM state, and its dirty-tracked metadata. It is not safe for concurrent
// use by multiple goroutines.
type Job struct {
	name  string
	state *jobstate.JobState
	meta  *jobmeta.Metadata

	db      *store.Store
	cfg     *config.Config
	runners *runner.Registry
	mail    mailer.Mailer
	hooks   Hooks
	logger  *slog.Logger

	skipRun        bool
	rescheduleRun  bool
	rescheduleData any
}

// New wraps a row already loaded from the store into a Job ready for
// transition-protocol operations.
func New(name string, state jobstate.State, meta *jobmeta.Metadata, db *store.Store,
	cfg *config.Config, runners *runner.Registry, mail mailer.Mailer, hooks Hooks, logger *slog.Logger) (*Job, error) {
	js, err := jobstate.New(state)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		name: name, state: js, meta: meta,
		db: db, cfg: cfg, runners: runners, mail: mail, hooks: hooks, logger: logger,
	}, nil
}

// Name returns the job's name (its primary key).
func (j *Job) Name() string { return j.name }

// State returns the job's current lifecycle state.
func (j *Job) State() jobstate.State { return j.state.Get() }

// Metadata gives access to the job's non-state columns, e.g. for reading
// directory/contact_email/url or for a Hooks implementation to stash
// service-specific fields registered via store.AddField.
func (j *Job) Metadata() *jobmeta.Metadata { return j.meta }

func (j *Job) directory() string {
	v, _ := j.meta.Get("directory")
	s, _ := v.(string)
	return s
}

func (j *Job) jobStateFilePath() string {
	return filepath.Join(j.directory(), jobStateFileName)
}

func (j *Job) log(ctx context.Context) *slog.Logger {
	return j.logger.With(
		slog.String("job", j.name),
		slog.String("correlation_id", ctxkeys.GetCorrelationID(ctx)),
	)
}

// SkipRun tells the protocol to skip RUNNING/POSTPROCESSING and move
// straight to COMPLETED once Preprocess returns. Valid only while in
// PREPROCESSING; intended to be called from a Hooks.Preprocess
// implementation.
func (j *Job) SkipRun() error {
	if j.State() != jobstate.Preprocessing {
		return jobstate.Invalidf("job %s: SkipRun is only valid from PREPROCESSING, got %s", j.name, j.State())
	}
	j.skipRun = true
	return nil
}

// RescheduleRun tells the protocol to return to RUNNING (via Hooks.Rerun)
// instead of completing, once Postprocess returns. Valid only while in
// POSTPROCESSING; intended to be called from a Hooks.Postprocess
// implementation. data is passed through to Rerun unchanged.
func (j *Job) RescheduleRun(data any) error {
	if j.State() != jobstate.Postprocessing {
		return jobstate.Invalidf("job %s: RescheduleRun is only valid from POSTPROCESSING, got %s", j.name, j.State())
	}
	j.rescheduleRun = true
	j.rescheduleData = data
	return nil
}

// syncMetadata writes dirty metadata to the store without touching state,
// mirroring the "only write if something changed" idiom used throughout.
func (j *Job) syncMetadata(ctx context.Context) error {
	if !j.meta.NeedsSync() {
		return nil
	}
	return j.db.UpdateJob(ctx, j.name, j.meta)
}

// setState runs the core of the transition protocol: legality check,
// conditional directory move, atomic database write of metadata plus the
// new state. EXPIRED is special-cased to delete the directory instead of
// moving it. Any error here is considered unrecoverable by the caller's
// enclosing fail() path, since the row may now disagree with the
// in-memory state.
func (j *Job) setState(ctx context.Context, newState jobstate.State) error {
	oldState := j.State()
	if err := j.state.Transition(newState); err != nil {
		return err
	}

	if newState == jobstate.Expired {
		if dir := j.directory(); dir != "" {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("job: remove expired directory %s: %w", dir, err)
			}
		}
		j.meta.Set("directory", nil)
	} else if dir := j.directory(); dir != "" {
		target := filepath.Join(j.cfg.DirectoryFor(newState), j.name)
		target = filepath.Clean(target)
		if target != dir {
			if err := os.Rename(dir, target); err != nil {
				return fmt.Errorf("job: move directory %s -> %s: %w", dir, target, err)
			}
			j.meta.Set("directory", target)
		}
	}

	if err := j.db.ChangeJobState(ctx, j.name, j.meta, oldState, newState); err != nil {
		return fmt.Errorf("job: change state %s -> %s: %w", oldState, newState, err)
	}
	metrics.ObserveTransition(string(oldState), string(newState))
	return nil
}

// runInJobDirectory temporarily chdirs to the job directory, runs fn, and
// restores the previous working directory afterward, matching the
// teacher protocol's convention that hooks always run rooted at the job's
// own directory.
func (j *Job) runInJobDirectory(fn func() error) error {
	dir := j.directory()
	if dir == "" {
		return fn()
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("job: getwd: %w", err)
	}
	if err := os.Chdir(dir); err != nil {
		return fmt.Errorf("job: chdir %s: %w", dir, err)
	}
	defer os.Chdir(cwd)
	return fn()
}

// frontendSanityCheck verifies the row was populated correctly before any
// transition is attempted. An invalid directory is cleared and synced
// first, so a subsequent Fail() can still move (a now-nil) directory
// without itself failing.
func (j *Job) frontendSanityCheck(ctx context.Context) error {
	if j.name == "" {
		return sanityErrorf("job: frontend did not set a job name")
	}
	dir := j.directory()
	if dir == "" {
		return sanityErrorf("job %s: frontend did not set the directory field", j.name)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		j.meta.Set("directory", nil)
		if syncErr := j.syncMetadata(ctx); syncErr != nil {
			return syncErr
		}
		return sanityErrorf("job %s: directory %s is not a directory", j.name, dir)
	}
	return nil
}

// TryRun takes an INCOMING job and attempts to start it, implementing
// spec section 4.5.1: sanity check, PREPROCESSING, user Preprocess hook,
// then either straight to COMPLETED (if the hook called SkipRun) or
// RUNNING followed by submission to a Runner.
func (j *Job) TryRun(ctx context.Context) error {
	if err := j.tryRun(ctx); err != nil {
		return j.Fail(ctx, err)
	}
	return nil
}

func (j *Job) tryRun(ctx context.Context) error {
	if err := j.frontendSanityCheck(ctx); err != nil {
		return err
	}

	j.meta.Set("preprocess_time", time.Now().UTC())
	if err := j.setState(ctx, jobstate.Preprocessing); err != nil {
		return err
	}

	_ = os.Remove(j.jobStateFilePath())

	j.skipRun = false
	if err := j.runInJobDirectory(func() error { return j.hooks.Preprocess(ctx, j) }); err != nil {
		return err
	}

	if j.skipRun {
		if err := j.syncMetadata(ctx); err != nil {
			return err
		}
		return j.markJobCompleted(ctx)
	}

	j.meta.Set("run_time", time.Now().UTC())
	if err := j.setState(ctx, jobstate.Running); err != nil {
		return err
	}
	r, err := j.runInJobDirectoryRunner(ctx, func() (runner.Runner, error) { return j.hooks.Run(ctx, j) })
	if err != nil {
		return err
	}
	return j.startRunner(ctx, r)
}

// runInJobDirectoryRunner is runInJobDirectory specialized for hooks that
// return a (Runner, error) pair, since Go cannot express a generic
// "method value" the way the original's single meth(*args) dispatch did.
func (j *Job) runInJobDirectoryRunner(ctx context.Context, fn func() (runner.Runner, error)) (runner.Runner, error) {
	dir := j.directory()
	if dir == "" {
		return fn()
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("job: getwd: %w", err)
	}
	if err := os.Chdir(dir); err != nil {
		return nil, fmt.Errorf("job: chdir %s: %w", dir, err)
	}
	defer os.Chdir(cwd)
	return fn()
}

// startRunner registers r, submits the job directory to it, and persists
// the resulting runner_id, using UpdateJob (not ChangeJobState) since no
// state change accompanies it.
func (j *Job) startRunner(ctx context.Context, r runner.Runner) error {
	if err := j.runners.Register(r); err != nil {
		return err
	}
	id, err := r.Submit(ctx, j.directory())
	metrics.ObserveRunnerSubmission(r.Name(), err == nil)
	if err != nil {
		return fmt.Errorf("job %s: submit to runner %s: %w", j.name, r.Name(), err)
	}
	j.meta.Set("runner_id", runner.Join(r.Name(), id))
	return j.syncMetadata(ctx)
}

// jobStateFileDone reports whether the job-state file says the job's
// wrapper script reached DONE. A missing file means the job is still
// running (or has not started).
func (j *Job) jobStateFileDone() bool {
	data, err := os.ReadFile(j.jobStateFilePath())
	if err != nil {
		return false
	}
	return trimEOL(string(data)) == jobStateFileDoneMarker
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func (j *Job) runnerCheckCompleted(ctx context.Context) (runner.Status, error) {
	runnerID, _ := j.meta.Get("runner_id")
	idStr, _ := runnerID.(string)
	name, id, err := runner.Split(idStr)
	if err != nil {
		return runner.Unknown, err
	}
	r, ok := j.runners.Lookup(name)
	if !ok {
		return runner.Unknown, runner.Errorf("job %s: no registered runner named %q", j.name, name)
	}
	status := r.CheckCompleted(ctx, id)
	metrics.ObserveRunnerPoll(name, status.String())
	return status, nil
}

// hasCompleted implements spec section 4.5.2: a job has completed once
// the job-state file says DONE and the Runner does not report it still
// running (Done or Unknown). If the Runner
// reports done but the file does not yet agree, it is retried a few
// times (the file may lag due to NFS caching or a multi-task batch job)
// before a RunnerError is raised, signalling the underlying batch job
// likely failed outright.
func (j *Job) hasCompleted(ctx context.Context) (bool, error) {
	batchStatus, err := j.runnerCheckCompleted(ctx)
	if err != nil {
		return false, err
	}
	stateFileDone := j.jobStateFileDone()

	if stateFileDone && batchStatus != runner.Running {
		return true, nil
	}
	if batchStatus == runner.Done && !stateFileDone {
		for attempt := 0; attempt < stateFileWaitAttempts; attempt++ {
			if j.jobStateFileDone() {
				return true, nil
			}
			sleepStateFileWait(ctx)
		}
		runnerID, _ := j.meta.Get("runner_id")
		return false, runner.Errorf(
			"runner claims job %s is complete, but job-state file in job directory (%s) claims it is not; "+
				"this usually means the underlying batch system job failed",
			runnerID, j.directory())
	}
	return false, nil
}

// sleepStateFileWait is a package variable so tests can shrink or skip the
// retry delay without waiting the real stateFileWaitInterval.
var sleepStateFileWait = func(ctx context.Context) {
	t := time.NewTimer(stateFileWaitInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// TryComplete takes a RUNNING job, checks whether it has finished, and if
// so processes postprocessing (spec section 4.5.2). It is a no-op,
// returning nil, if the job has not yet completed.
func (j *Job) TryComplete(ctx context.Context) error {
	if err := j.tryComplete(ctx); err != nil {
		return j.Fail(ctx, err)
	}
	return nil
}

func (j *Job) tryComplete(ctx context.Context) error {
	if j.State() != jobstate.Running {
		return jobstate.Invalidf("job %s: TryComplete expects RUNNING, got %s", j.name, j.State())
	}
	done, err := j.hasCompleted(ctx)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	_ = os.Remove(j.jobStateFilePath())

	j.meta.Set("postprocess_time", time.Now().UTC())
	if err := j.setState(ctx, jobstate.Postprocessing); err != nil {
		return err
	}

	j.rescheduleRun = false
	j.rescheduleData = nil
	if err := j.runInJobDirectory(func() error { return j.hooks.Postprocess(ctx, j) }); err != nil {
		return err
	}

	if j.rescheduleRun {
		if err := j.setState(ctx, jobstate.Running); err != nil {
			return err
		}
		r, err := j.runInJobDirectoryRunner(ctx, func() (runner.Runner, error) {
			return j.hooks.Rerun(ctx, j, j.rescheduleData)
		})
		if err != nil {
			return err
		}
		return j.startRunner(ctx, r)
	}
	return j.markJobCompleted(ctx)
}

// markJobCompleted implements spec section 4.5.3: stamps end/archive/expire
// times from the configured retention windows, transitions to COMPLETED,
// runs the Complete hook, syncs, and emails the job's contact address if
// one was given.
func (j *Job) markJobCompleted(ctx context.Context) error {
	end := time.Now().UTC()
	j.meta.Set("end_time", end)

	if j.cfg.OldJobs.Archive != nil {
		j.meta.Set("archive_time", end.Add(*j.cfg.OldJobs.Archive))
	} else {
		j.meta.Set("archive_time", nil)
	}
	if j.cfg.OldJobs.Expire != nil {
		j.meta.Set("expire_time", end.Add(*j.cfg.OldJobs.Expire))
	} else {
		j.meta.Set("expire_time", nil)
	}

	if err := j.setState(ctx, jobstate.Completed); err != nil {
		return err
	}
	if err := j.runInJobDirectory(func() error { return j.hooks.Complete(ctx, j) }); err != nil {
		return err
	}
	if err := j.syncMetadata(ctx); err != nil {
		return err
	}
	return j.sendCompletionEmail(ctx)
}

func (j *Job) sendCompletionEmail(ctx context.Context) error {
	if j.mail == nil {
		return nil
	}
	contact, _ := j.meta.Get("contact_email")
	to, _ := contact.(string)
	if to == "" {
		return nil
	}
	if err := j.mail.SendCompletion(ctx, j.cfg.ServiceName, j.name, to); err != nil {
		j.log(ctx).Warn("failed to send job completion email", slog.Any("error", err))
	}
	return nil
}

// TryArchive moves a COMPLETED job to ARCHIVED once its archive_time has
// passed, per spec section 4.5.4.
func (j *Job) TryArchive(ctx context.Context) error {
	if err := j.tryArchive(ctx); err != nil {
		return j.Fail(ctx, err)
	}
	return nil
}

func (j *Job) tryArchive(ctx context.Context) error {
	if err := j.setState(ctx, jobstate.Archived); err != nil {
		return err
	}
	if err := j.runInJobDirectory(func() error { return j.hooks.Archive(ctx, j) }); err != nil {
		return err
	}
	return j.syncMetadata(ctx)
}

// TryExpire moves an ARCHIVED job to EXPIRED once its expire_time has
// passed, per spec section 4.5.5. The directory is removed by setState as
// a side effect of the transition itself, before the Expire hook runs.
func (j *Job) TryExpire(ctx context.Context) error {
	if err := j.tryExpire(ctx); err != nil {
		return j.Fail(ctx, err)
	}
	return nil
}

func (j *Job) tryExpire(ctx context.Context) error {
	if err := j.setState(ctx, jobstate.Expired); err != nil {
		return err
	}
	if err := j.hooks.Expire(ctx, j); err != nil {
		return err
	}
	return j.syncMetadata(ctx)
}

// Resubmit makes a FAILED job eligible to run again, per spec section
// 4.5.6. It best-effort notifies the daemon over its control socket so
// the job is picked up promptly rather than waiting for the next poll;
// a socket error is ignored, since the periodic poll is a correct (if
// slower) fallback.
func (j *Job) Resubmit(ctx context.Context) error {
	if j.State() != jobstate.Failed {
		return jobstate.Invalidf("job %s: Resubmit expects FAILED, got %s", j.name, j.State())
	}
	if err := j.setState(ctx, jobstate.Incoming); err != nil {
		return j.Fail(ctx, err)
	}
	j.notifyIncoming(ctx)
	return nil
}

func (j *Job) notifyIncoming(ctx context.Context) {
	if j.cfg == nil || j.cfg.Socket == "" {
		return
	}
	conn, err := net.DialTimeout("unix", j.cfg.Socket, time.Second)
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = conn.Write([]byte("INCOMING " + j.name))
}

// Fail implements spec section 4.5.7: it force-transitions the job to
// FAILED (always a legal arc), records the failure text, and emails the
// admin. Once FAILED is recorded it returns cause unchanged; only when
// recording FAILED itself errors does it return a *FailEscalationError,
// which the daemon treats as fatal.
func (j *Job) Fail(ctx context.Context, cause error) error {
	if cause == nil {
		return nil
	}
	j.log(ctx).Error("job failed", slog.Any("error", cause))

	reason := cause.Error()
	j.meta.Set("failure", reason)
	metrics.ObserveFailure(failureCategory(cause))
	if err := j.setState(ctx, jobstate.Failed); err != nil {
		return &FailEscalationError{JobName: j.name, Cause: cause, Escalation: err}
	}
	if j.mail != nil {
		if err := j.mail.SendFailure(ctx, j.cfg.ServiceName, j.name, reason); err != nil {
			j.log(ctx).Warn("failed to send admin failure email", slog.Any("error", err))
		}
	}
	return cause
}
