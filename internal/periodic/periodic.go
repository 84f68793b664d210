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

// Package periodic rate-limits a callback to run no more often than every
// interval seconds, driving the main-loop cadence of the daemon.
package periodic

import "time"

// Action wraps a callback with a minimum re-fire interval.
type Action struct {
	interval time.Duration
	callback func()
	last     time.Time
}

// New builds an Action. Its last-fired time starts at the zero time, so
// the first TryAction fires immediately; call Reset to defer the first
// fire by a full interval.
func New(interval time.Duration, callback func()) *Action {
	return &Action{interval: interval, callback: callback}
}

// TimeToNext returns how long, from now, until the callback becomes
// eligible to fire again. Never negative.
func (a *Action) TimeToNext(now time.Time) time.Duration {
	d := a.last.Add(a.interval).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// TryAction fires the callback if now is past the deadline, then resets
// the timer using the wall-clock time taken immediately after the
// callback returns (not `now`). This intentionally mirrors the original
// reference implementation: if the callback runs long, the next interval
// is measured from when it finished, not from when it was due, so slow
// callbacks cause the effective period to drift later rather than
// compounding a backlog.
func (a *Action) TryAction(now time.Time) {
	if now.After(a.last.Add(a.interval)) {
		a.callback()
		a.Reset()
	}
}

// Reset sets last to the current wall-clock time, deferring the next
// eligible fire by a full interval from now.
func (a *Action) Reset() {
	a.last = time.Now()
}

// Callback returns the wrapped callback, letting a caller rebuild an
// equivalent Action under a different interval (used to override the
// daemon's cadence in tests).
func (a *Action) Callback() func() {
	return a.callback
}
