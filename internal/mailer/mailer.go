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

// Package mailer sends plain-text notification email through an external
// MTA binary. Delivery itself is an opaque sink — this package only
// formats two templated messages and hands them to the binary's stdin.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Mailer sends admin-failure and user-completion notifications.
type Mailer interface {
	SendFailure(ctx context.Context, serviceName, jobName, traceback string) error
	SendCompletion(ctx context.Context, serviceName, jobName, to string) error
}

// ExecFunc runs an external command, feeding it stdin and returning its
// combined stdout/stderr. Substitutable in tests.
type ExecFunc func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func defaultExec(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// MTAMailer invokes an external MTA binary (e.g. sendmail -t) for every
// message, piping an RFC 5322-ish message to its stdin.
type MTAMailer struct {
	binPath   string
	adminAddr string
	exec      ExecFunc
}

// New builds an MTAMailer that invokes binPath for every message and
// addresses failure notifications to adminAddr.
func New(binPath, adminAddr string) *MTAMailer {
	return &MTAMailer{binPath: binPath, adminAddr: adminAddr, exec: defaultExec}
}

// WithExec overrides the exec function, for tests.
func (m *MTAMailer) WithExec(fn ExecFunc) *MTAMailer {
	m.exec = fn
	return m
}

// SendFailure notifies the admin that jobName was forced to FAILED,
// including the captured error text.
func (m *MTAMailer) SendFailure(ctx context.Context, serviceName, jobName, traceback string) error {
	msg := formatMessage(m.adminAddr,
		fmt.Sprintf("%s: job %s failed", serviceName, jobName),
		traceback)
	return m.send(ctx, msg)
}

// SendCompletion notifies a user that jobName finished, if to is set.
func (m *MTAMailer) SendCompletion(ctx context.Context, serviceName, jobName, to string) error {
	if to == "" {
		return nil
	}
	msg := formatMessage(to,
		fmt.Sprintf("%s: job %s completed", serviceName, jobName),
		fmt.Sprintf("Your job %q has completed.", jobName))
	return m.send(ctx, msg)
}

func (m *MTAMailer) send(ctx context.Context, msg []byte) error {
	out, err := m.exec(ctx, msg, m.binPath, "-t")
	if err != nil {
		return fmt.Errorf("mailer: send: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

func formatMessage(to, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "To: %s\r\nSubject: %s\r\n\r\n%s\r\n", to, subject, body)
	return buf.Bytes()
}
