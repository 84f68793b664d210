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

// Package shellqueue is a reference Runner that wraps an external cluster
// batch scheduler via two binaries, submit and status, invoked as
// separate processes and parsed from their stdout.
package shellqueue

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"kiln/internal/runner"
)

// JobStateFile is the name of the file, inside the job directory, that
// the generated wrapper script uses to signal completion to the engine.
const JobStateFile = "job-state"

const wrapperScript = `#!/bin/sh
set -e
echo STARTED > %q
%s
echo DONE > %q
`

// ExecFunc runs an external command and returns its combined stdout.
// Substitutable in tests.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Runner wraps a cluster batch scheduler's submit/status binaries.
type Runner struct {
	name string

	submitBin string
	statusBin string
	command   string

	exec ExecFunc
}

// New builds a Runner registered as name, running command (the job's
// user-level work) inside a generated wrapper script, submitted via
// submitBin and polled for completion via statusBin.
func New(name, submitBin, statusBin, command string) *Runner {
	return &Runner{
		name:      name,
		submitBin: submitBin,
		statusBin: statusBin,
		command:   command,
		exec:      defaultExec,
	}
}

// WithExec overrides the exec function, for tests.
func (r *Runner) WithExec(fn ExecFunc) *Runner {
	r.exec = fn
	return r
}

// Name implements runner.Runner.
func (r *Runner) Name() string { return r.name }

// Submit writes a wrapper shell script into dir recording STARTED on
// entry and, once the command exits successfully, DONE into JobStateFile
// (the script runs under set -e), then submits it to the
// cluster scheduler via submitBin, parsing the job id from its stdout.
func (r *Runner) Submit(ctx context.Context, dir string) (string, error) {
	scriptPath := filepath.Join(dir, "run.sh")
	statePath := filepath.Join(dir, JobStateFile)
	_ = os.Remove(statePath)

	contents := fmt.Sprintf(wrapperScript, statePath, r.command, statePath)
	if err := writeAtomic(scriptPath, []byte(contents), 0o755); err != nil {
		return "", fmt.Errorf("shellqueue: write wrapper script: %w", err)
	}

	out, err := r.exec(ctx, r.submitBin, scriptPath)
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail != "" {
			return "", fmt.Errorf("shellqueue: submit: %w: %s", err, detail)
		}
		return "", fmt.Errorf("shellqueue: submit: %w", err)
	}

	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("shellqueue: submit binary produced no job id")
	}
	return id, nil
}

// CheckCompleted polls statusBin with id. A zero exit and stdout "DONE"
// means the job finished; "RUNNING" means it is still executing; any
// other outcome (non-zero exit, unrecognized output) is reported as
// Unknown so the caller retries rather than fails the job outright.
func (r *Runner) CheckCompleted(ctx context.Context, id string) runner.Status {
	out, err := r.exec(ctx, r.statusBin, id)
	if err != nil {
		return runner.Unknown
	}
	switch strings.TrimSpace(string(out)) {
	case "DONE":
		return runner.Done
	case "RUNNING":
		return runner.Running
	default:
		return runner.Unknown
	}
}

// writeAtomic writes content to a temporary file in path's directory and
// renames it into place, so a concurrent reader never observes a
// partially-written script.
func writeAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	return os.Rename(tmpName, path)
}
