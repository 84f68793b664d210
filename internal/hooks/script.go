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

// Package hooks is the reference job.Hooks implementation shipped with
// the daemon binary: each lifecycle step that has an optional script
// (preprocess.sh, postprocess.sh, complete.sh, archive.sh) runs it from
// the job's own directory if present, treating a missing script as a
// no-op rather than an error. Run/Rerun hand the job to whatever Runner
// the caller supplied at construction time.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"kiln/internal/job"
	"kiln/internal/runner"
)

// ScriptHooks is a job.Hooks implementation driven entirely by
// conventionally-named scripts inside each job's own directory.
type ScriptHooks struct {
	Timeout time.Duration
	Logger  *slog.Logger

	// Exec runs name with args, returning combined output. Overridable
	// in tests.
	Exec func(ctx context.Context, name string, args ...string) ([]byte, error)

	// runner is the single Runner instance every job is submitted to.
	// Job.startRunner re-registers whatever Run/Rerun returns on every
	// call, so this must stay the same instance across the daemon's
	// lifetime or the registry rejects the second registration as a
	// conflicting implementation.
	runner runner.Runner
}

// New builds a ScriptHooks that submits every job's run.sh to r, the
// Runner already registered with the daemon under its own name.
func New(r runner.Runner, logger *slog.Logger) *ScriptHooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptHooks{
		Timeout: time.Minute,
		Logger:  logger,
		Exec:    defaultExec,
		runner:  r,
	}
}

func defaultExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// runScriptIfPresent runs scriptName from the job's current directory
// (Hooks are always invoked with the cwd already set to it) if the file
// exists and is executable; a missing script is a silent no-op.
func (h *ScriptHooks) runScriptIfPresent(ctx context.Context, scriptName string) error {
	path := filepath.Join(".", scriptName)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("hooks: stat %s: %w", scriptName, err)
	}
	if info.Mode()&0o111 == 0 {
		h.Logger.Warn("hook script is not executable, skipping", slog.String("script", scriptName))
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("hooks: resolve %s: %w", scriptName, err)
	}
	out, err := h.Exec(runCtx, abs)
	if err != nil {
		return fmt.Errorf("hooks: %s: %w: %s", scriptName, err, out)
	}
	return nil
}

// Preprocess runs preprocess.sh if present.
func (h *ScriptHooks) Preprocess(ctx context.Context, j *job.Job) error {
	return h.runScriptIfPresent(ctx, "preprocess.sh")
}

// Run returns the Runner that will submit run.sh for this job.
func (h *ScriptHooks) Run(ctx context.Context, j *job.Job) (runner.Runner, error) {
	return h.runner, nil
}

// Rerun reuses the same Runner; shellqueue's wrapper script convention
// does not distinguish a rerun from a first run.
func (h *ScriptHooks) Rerun(ctx context.Context, j *job.Job, data any) (runner.Runner, error) {
	return h.runner, nil
}

// Postprocess runs postprocess.sh if present.
func (h *ScriptHooks) Postprocess(ctx context.Context, j *job.Job) error {
	return h.runScriptIfPresent(ctx, "postprocess.sh")
}

// Complete runs complete.sh if present.
func (h *ScriptHooks) Complete(ctx context.Context, j *job.Job) error {
	return h.runScriptIfPresent(ctx, "complete.sh")
}

// Archive runs archive.sh if present.
func (h *ScriptHooks) Archive(ctx context.Context, j *job.Job) error {
	return h.runScriptIfPresent(ctx, "archive.sh")
}

// Expire has nothing to run against; the job directory is already gone by
// the time it is called.
func (h *ScriptHooks) Expire(ctx context.Context, j *job.Job) error { return nil }
