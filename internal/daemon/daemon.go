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

// Package daemon is the WebService: the long-running process that owns
// the state-file singleton lock, listens on a UNIX control socket for
// wakeup notifications, and drives the three PeriodicActions (incoming,
// completed, old-jobs) that advance every job through its lifecycle.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kiln/internal/config"
	"kiln/internal/ctxkeys"
	"kiln/internal/job"
	"kiln/internal/jobmeta"
	"kiln/internal/jobstate"
	"kiln/internal/mailer"
	"kiln/internal/metrics"
	"kiln/internal/periodic"
	"kiln/internal/runner"
	"kiln/internal/store"
	"kiln/pkg/crypto"
)

// StateFileError reports a problem acquiring or reading the daemon's
// singleton state file: a predecessor is still alive, or a predecessor
// crashed and left a poisoned marker behind.
type StateFileError struct {
	msg string
}

func (e *StateFileError) Error() string { return e.msg }

func stateFileErrorf(format string, args ...any) error {
	return &StateFileError{msg: fmt.Sprintf(format, args...)}
}

const failedStateFilePrefix = "FAILED: "

// wakeupBacklog bounds how many pending wakeups the control socket can
// queue before new ones are dropped (a dropped wakeup just means the job
// is picked up on the next periodic poll instead of immediately).
const wakeupBacklog = 8

// oldJobsDivisor implements spec's "process_old_jobs interval = floor(min(archive, expire) / 10)"
// cadence rule.
const oldJobsDivisor = 10

// Daemon is the WebService: it owns the database, the runner registry,
// the mailer, and a single Hooks implementation shared by every job it
// processes (one kiln daemon serves one web service, same as the
// reference implementation it is modeled on).
type Daemon struct {
	cfg     *config.Config
	db      *store.Store
	runners *runner.Registry
	mail    mailer.Mailer
	hooks   job.Hooks
	logger  *slog.Logger

	incoming      *periodic.Action
	completed     *periodic.Action
	oldJobs       *periodic.Action
	wake          chan struct{}
	listener      *net.UnixListener
	stateFilePath string

	fatalMu sync.Mutex
	fatal   error

	httpAddr   string
	httpServer *http.Server
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithPollInterval overrides the cadence of all three PeriodicActions,
// bypassing the check_minutes/oldjobs-derived defaults. Intended for
// tests.
func WithPollInterval(d time.Duration) Option {
	return func(srv *Daemon) {
		srv.incoming = periodic.New(d, srv.incoming.Callback())
		srv.completed = periodic.New(d, srv.completed.Callback())
		srv.oldJobs = periodic.New(d, srv.oldJobs.Callback())
	}
}

// WithHTTPAddr starts an admin HTTP server on addr alongside the main
// loop, exposing health/readiness probes, Prometheus metrics, and a
// read-only job lookup endpoint. Left unset, no HTTP server is started.
func WithHTTPAddr(addr string) Option {
	return func(srv *Daemon) { srv.httpAddr = addr }
}

// New builds a Daemon ready to Run. hooks is the single user-supplied
// lifecycle implementation used for every job the daemon processes.
func New(cfg *config.Config, db *store.Store, runners *runner.Registry, mail mailer.Mailer, hooks job.Hooks, logger *slog.Logger, opts ...Option) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Daemon{
		cfg: cfg, db: db, runners: runners, mail: mail, hooks: hooks, logger: logger,
		wake: make(chan struct{}, wakeupBacklog),
	}

	checkInterval := time.Duration(cfg.CheckMinutes) * time.Minute
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	srv.incoming = periodic.New(checkInterval, func() {
		ctx, _ := ctxkeys.EnsureCorrelationID(context.Background())
		srv.forEachInState(ctx, jobstate.Incoming, "", (*job.Job).TryRun)
	})
	srv.completed = periodic.New(checkInterval, func() {
		ctx, _ := ctxkeys.EnsureCorrelationID(context.Background())
		srv.forEachInState(ctx, jobstate.Running, "", (*job.Job).TryComplete)
	})
	srv.oldJobs = periodic.New(oldJobsInterval(cfg, checkInterval), func() {
		ctx, _ := ctxkeys.EnsureCorrelationID(context.Background())
		srv.forEachInState(ctx, jobstate.Completed, "archive_time", (*job.Job).TryArchive)
		srv.forEachInState(ctx, jobstate.Archived, "expire_time", (*job.Job).TryExpire)
	})

	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// oldJobsInterval implements the spec's process_old_jobs cadence: floor
// of the smaller of the archive/expire retention windows, divided by 10.
// Falls back to checkInterval when both are NEVER (nil).
func oldJobsInterval(cfg *config.Config, checkInterval time.Duration) time.Duration {
	var smallest *time.Duration
	for _, d := range []*time.Duration{cfg.OldJobs.Archive, cfg.OldJobs.Expire} {
		if d == nil {
			continue
		}
		if smallest == nil || *d < *smallest {
			smallest = d
		}
	}
	if smallest == nil {
		return checkInterval
	}
	interval := *smallest / oldJobsDivisor
	if interval <= 0 {
		return time.Second
	}
	return interval
}

// acquireStateFile implements spec section 4.7's startup discipline: a
// state file containing "FAILED: ..." means a predecessor crashed and the
// administrator must delete it before the daemon will start; a state file
// containing a still-live pid means a predecessor is already running;
// anything else (missing, or a stale pid) is safe to claim by overwriting
// it with this process's own pid.
func (d *Daemon) acquireStateFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return stateFileErrorf("read state file %s: %v", path, err)
		}
	} else {
		content := strings.TrimSpace(string(data))
		if strings.HasPrefix(content, failedStateFilePrefix) {
			return stateFileErrorf("state file %s reports a prior crash (%s); delete it manually once the cause is resolved",
				path, strings.TrimPrefix(content, failedStateFilePrefix))
		}
		if pid, perr := strconv.Atoi(content); perr == nil && pidAlive(pid) {
			return stateFileErrorf("state file %s names pid %d, which is still running", path, pid)
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return stateFileErrorf("write state file %s: %v", path, err)
	}
	d.stateFilePath = path
	return nil
}

// pidAlive reports whether pid names a live process, via the zero-signal
// kill(2) liveness probe the spec names explicitly.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// releaseStateFile removes the state file, signalling a clean shutdown to
// the next invocation.
func (d *Daemon) releaseStateFile() {
	if d.stateFilePath == "" {
		return
	}
	_ = os.Remove(d.stateFilePath)
}

// poisonStateFile is called when an error escapes the main loop that the
// engine cannot route through the normal per-job Fail path (typically a
// FailEscalationError: Fail itself could not record a failure). The state
// file is rewritten to the poisoned form so the next startup refuses to
// run until an administrator investigates, per spec section 4.7/7.
func (d *Daemon) poisonStateFile(cause error) {
	d.logger.Error("daemon exiting on unrecoverable error; poisoning state file", slog.Any("error", cause))
	if d.stateFilePath == "" {
		return
	}
	msg := failedStateFilePrefix + cause.Error()
	_ = os.WriteFile(d.stateFilePath, []byte(msg), 0o644)
	d.stateFilePath = ""
	if d.mail != nil {
		_ = d.mail.SendFailure(context.Background(), d.cfg.ServiceName, "<daemon>", msg)
	}
}

// Run is the daemon's main loop. It acquires the state file, sanity-sweeps
// any jobs a prior crash left in a transient state, opens the control
// socket, and then repeatedly suspends on the smallest of the three
// PeriodicActions' time-to-next (or a socket wakeup, or shutdown),
// mirroring spec section 5's single-suspension-point scheduling model.
// It returns when ctx is cancelled or a SIGTERM/SIGINT is received. A
// FailEscalationError escaping a sweep poisons the state file and is
// returned to the caller, matching the reference implementation's
// "any exception inside fail itself escapes to WebService" contract.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.acquireStateFile(d.cfg.StateFile); err != nil {
		return err
	}
	defer d.releaseStateFile()

	if err := d.crashSweep(ctx); err != nil {
		d.poisonStateFile(err)
		return err
	}

	if d.cfg.Socket != "" {
		if err := d.listenSocket(d.cfg.Socket); err != nil {
			return err
		}
		defer d.listener.Close()
		go d.acceptLoop()
	}

	if d.httpAddr != "" {
		d.httpServer = &http.Server{Addr: d.httpAddr, Handler: d.router()}
		go func() {
			if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("admin http server exited", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = d.httpServer.Shutdown(shutdownCtx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for {
		now := time.Now()
		wait := d.timeToNextAction(now)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case sig := <-sigCh:
			timer.Stop()
			d.logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			return nil
		case <-d.wake:
			timer.Stop()
			d.timeAction(metrics.ActionTryRun, d.incoming.Callback())
			d.incoming.Reset()
			if err := d.lastFatal(); err != nil {
				d.poisonStateFile(err)
				return err
			}
		case <-timer.C:
		}

		if err := d.runPeriodicActions(now); err != nil {
			d.poisonStateFile(err)
			return err
		}
	}
}

// timeToNextAction returns the smallest of the three PeriodicActions'
// time-to-next, the socket-wait timeout spec section 5 describes.
func (d *Daemon) timeToNextAction(now time.Time) time.Duration {
	wait := d.incoming.TimeToNext(now)
	if c := d.completed.TimeToNext(now); c < wait {
		wait = c
	}
	if o := d.oldJobs.TimeToNext(now); o < wait {
		wait = o
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (d *Daemon) listenSocket(path string) error {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return fmt.Errorf("daemon: resolve socket %s: %w", path, err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("daemon: listen on socket %s: %w", path, err)
	}
	// Loosen permissions so the frontend (running as a different user) can
	// connect; the reference implementation shells out to setfacl for the
	// same purpose.
	_ = os.Chmod(path, 0o666)
	d.listener = l
	return nil
}

// acceptLoop accepts one connection at a time, reads a single line (the
// "INCOMING <name>" wakeup message sent by Job.Resubmit, or any other
// trigger), and signals the main loop without blocking it. The message
// content is advisory only; any successful connection is treated as
// "something changed, poll now".
func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("control socket accept error", slog.Any("error", err))
			return
		}
		d.handleWakeupConn(conn)
	}
}

func (d *Daemon) handleWakeupConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if scanner.Scan() {
		d.logger.Debug("control socket wakeup", slog.String("message", scanner.Text()))
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// runPeriodicActions calls TryAction(now) on each of the three
// PeriodicActions, timing each and reporting it to metrics. now is the
// timestamp captured at the start of the loop iteration, not when this
// function runs, matching spec section 5's "now_when_iteration_started"
// rule.
func (d *Daemon) runPeriodicActions(now time.Time) error {
	var fatal error
	d.timeAction(metrics.ActionTryRun, func() { d.incoming.TryAction(now) })
	if err := d.lastFatal(); err != nil {
		fatal = err
	}
	d.timeAction(metrics.ActionTryComplete, func() { d.completed.TryAction(now) })
	if err := d.lastFatal(); err != nil && fatal == nil {
		fatal = err
	}
	d.timeAction(metrics.ActionOldJobs, func() { d.oldJobs.TryAction(now) })
	if err := d.lastFatal(); err != nil && fatal == nil {
		fatal = err
	}
	return fatal
}

// lastFatal drains and returns the most recent fatal error recorded by
// forEachInState, if any, clearing it for the next sweep.
func (d *Daemon) lastFatal() error {
	d.fatalMu.Lock()
	defer d.fatalMu.Unlock()
	err := d.fatal
	d.fatal = nil
	return err
}

func (d *Daemon) timeAction(name string, fn func()) {
	start := time.Now()
	fn()
	metrics.ObservePeriodicAction(name, time.Since(start))
}

// forEachInState loads every job row in state (optionally restricted to
// rows whose afterTimeColumn has already passed), wraps each in a
// *job.Job, and invokes op on it. Load or wrap failures, and ordinary job
// failures, are logged and do not stop the sweep. A FailEscalationError —
// meaning Fail itself could not record the failure — is fatal: it is
// stashed for runPeriodicActions to pick up and the sweep stops early,
// since the row may no longer reflect reality.
func (d *Daemon) forEachInState(ctx context.Context, state jobstate.State, afterTimeColumn string, op func(*job.Job, context.Context) error) {
	rows, err := d.db.GetAllJobsInState(ctx, state, "", afterTimeColumn)
	if err != nil {
		d.logger.Error("failed to load jobs", slog.String("state", string(state)), slog.Any("error", err))
		return
	}
	for _, meta := range rows {
		j, err := d.wrapRow(meta, state)
		if err != nil {
			d.logger.Error("failed to construct job", slog.Any("error", err))
			continue
		}
		if err := op(j, ctx); err != nil {
			var escalation *job.FailEscalationError
			if errors.As(err, &escalation) {
				d.setFatal(escalation)
				return
			}
			d.logger.Warn("job operation returned an error", slog.String("job", j.Name()), slog.Any("error", err))
		}
	}
}

func (d *Daemon) setFatal(err error) {
	d.fatalMu.Lock()
	defer d.fatalMu.Unlock()
	d.fatal = err
}

func (d *Daemon) wrapRow(meta *jobmeta.Metadata, state jobstate.State) (*job.Job, error) {
	name, _ := meta.Get("name")
	nameStr, _ := name.(string)
	if nameStr == "" {
		return nil, fmt.Errorf("daemon: job row missing name")
	}
	return job.New(nameStr, state, meta, d.db, d.cfg, d.runners, d.mail, d.hooks, d.logger)
}

// router builds the admin HTTP surface: liveness/readiness probes,
// Prometheus metrics, and a read-only job lookup used by operators and
// the frontend's status page alike.
func (d *Daemon) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", d.handleReadyz)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/jobs/{name}", d.handleGetJob)
	return r
}

// handleReadyz reports unready if the database is unreachable; a daemon
// that can't query its own store cannot usefully serve a job lookup.
func (d *Daemon) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, _, err := d.db.GetJobByName(r.Context(), "", ""); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (d *Daemon) handleGetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	meta, state, err := d.db.GetJobByName(r.Context(), name, "")
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("no job named %q", name))
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  name,
		"state": string(state),
		"meta":  redactedSnapshot(meta),
	})
}

// redactedSnapshot scrubs the fields of a job row that must never reach
// the admin API verbatim: the passwd column (an at-rest ciphertext is
// still not something to hand back over HTTP, and a plaintext one
// certainly isn't), the job's callback url (which may embed its own
// basic-auth credentials), and anything else a service-specific AddField
// column happens to name like a secret or token.
func redactedSnapshot(meta *jobmeta.Metadata) map[string]any {
	fields := meta.Snapshot()
	if v, ok := fields["passwd"].(string); ok {
		fields["passwd"] = crypto.RedactPassword(v)
	}
	if v, ok := fields["url"].(string); ok {
		fields["url"] = crypto.RedactURL(v)
	}
	return crypto.RedactMap(fields)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// crashSweep implements spec section 4.7 startup step 2: jobs left in
// PREPROCESSING or POSTPROCESSING are the signature of a prior crash
// (those states are never supposed to be found on disk between polls),
// so each is unconditionally force-failed.
func (d *Daemon) crashSweep(ctx context.Context) error {
	for _, state := range []jobstate.State{jobstate.Preprocessing, jobstate.Postprocessing} {
		rows, err := d.db.GetAllJobsInState(ctx, state, "", "")
		if err != nil {
			return fmt.Errorf("daemon: crash sweep: load %s jobs: %w", state, err)
		}
		for _, meta := range rows {
			j, err := d.wrapRow(meta, state)
			if err != nil {
				d.logger.Error("crash sweep: failed to construct job", slog.Any("error", err))
				continue
			}
			cause := fmt.Errorf("job %s found in transient state %s at startup; the web service was shut down uncleanly", j.Name(), state)
			if err := j.Fail(ctx, cause); err != nil {
				var escalation *job.FailEscalationError
				if errors.As(err, &escalation) {
					return escalation
				}
				d.logger.Error("crash sweep: failed to fail job", slog.String("job", j.Name()), slog.Any("error", err))
			}
		}
	}
	return nil
}
