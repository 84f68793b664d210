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

package mailer

import (
	"context"
	"strings"
	"testing"
)

func TestSendFailureIncludesTracebackAndAdmin(t *testing.T) {
	var gotStdin []byte
	var gotArgs []string
	m := New("/usr/sbin/sendmail", "admin@example.com").WithExec(
		func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
			gotStdin = stdin
			gotArgs = args
			return nil, nil
		})

	if err := m.SendFailure(context.Background(), "kiln", "j1", "boom: disk full"); err != nil {
		t.Fatalf("SendFailure: %v", err)
	}
	if !strings.Contains(string(gotStdin), "admin@example.com") {
		t.Fatal("message should be addressed to the admin")
	}
	if !strings.Contains(string(gotStdin), "boom: disk full") {
		t.Fatal("message should include the failure text")
	}
	if len(gotArgs) == 0 || gotArgs[0] != "-t" {
		t.Fatalf("args = %v, want [-t]", gotArgs)
	}
}

func TestSendCompletionSkippedWithoutContactEmail(t *testing.T) {
	called := false
	m := New("/usr/sbin/sendmail", "admin@example.com").WithExec(
		func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
			called = true
			return nil, nil
		})
	if err := m.SendCompletion(context.Background(), "kiln", "j1", ""); err != nil {
		t.Fatalf("SendCompletion: %v", err)
	}
	if called {
		t.Fatal("SendCompletion should not invoke the MTA when contact_email is unset")
	}
}

func TestSendCompletionAddressesUser(t *testing.T) {
	var gotStdin []byte
	m := New("/usr/sbin/sendmail", "admin@example.com").WithExec(
		func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
			gotStdin = stdin
			return nil, nil
		})
	if err := m.SendCompletion(context.Background(), "kiln", "j1", "user@example.com"); err != nil {
		t.Fatalf("SendCompletion: %v", err)
	}
	if !strings.Contains(string(gotStdin), "user@example.com") {
		t.Fatal("message should be addressed to the user's contact_email")
	}
}

func TestSendPropagatesExecFailure(t *testing.T) {
	m := New("/usr/sbin/sendmail", "admin@example.com").WithExec(
		func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
			return []byte("mailer down"), errTestExec
		})
	if err := m.SendFailure(context.Background(), "kiln", "j1", "boom"); err == nil {
		t.Fatal("expected SendFailure to propagate exec failure")
	}
}

var errTestExec = &execError{"exec failed"}

type execError struct{ msg string }

func (e *execError) Error() string { return e.msg }
