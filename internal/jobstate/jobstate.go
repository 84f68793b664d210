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

// Package jobstate implements the finite-state machine governing a job's
// lifecycle: the eight legal states and the transitions allowed between
// them.
package jobstate

import "fmt"

// State is one of the eight legal job lifecycle states.
type State string

const (
	Incoming       State = "INCOMING"
	Preprocessing  State = "PREPROCESSING"
	Running        State = "RUNNING"
	Postprocessing State = "POSTPROCESSING"
	Completed      State = "COMPLETED"
	Failed         State = "FAILED"
	Expired        State = "EXPIRED"
	Archived       State = "ARCHIVED"
)

// All returns every valid state, in the canonical order.
func All() []State {
	return []State{Incoming, Preprocessing, Running, Postprocessing,
		Completed, Failed, Expired, Archived}
}

func valid(s State) bool {
	for _, v := range All() {
		if v == s {
			return true
		}
	}
	return false
}

// legalTransitions enumerates every (from, to) pair that does not require
// the target to be Failed. A transition to Failed is always legal, from
// any source state.
var legalTransitions = map[[2]State]struct{}{
	{Incoming, Preprocessing}:   {},
	{Preprocessing, Running}:    {},
	{Preprocessing, Completed}:  {},
	{Running, Postprocessing}:   {},
	{Postprocessing, Completed}: {},
	{Postprocessing, Running}:   {},
	{Completed, Archived}:       {},
	{Archived, Expired}:         {},
	{Failed, Incoming}:          {},
}

// InvalidStateError reports a rejected construction or transition.
type InvalidStateError struct {
	msg string
}

func (e *InvalidStateError) Error() string { return e.msg }

// Invalidf builds an *InvalidStateError with a formatted message, for
// callers outside this package that need to reject an operation because
// of the job's current state (e.g. SkipRun called outside PREPROCESSING).
func Invalidf(format string, args ...any) error {
	return &InvalidStateError{msg: fmt.Sprintf(format, args...)}
}

// New constructs a JobState, rejecting any string outside the eight
// recognized states.
func New(s State) (*JobState, error) {
	if !valid(s) {
		return nil, &InvalidStateError{msg: fmt.Sprintf("%q is not a valid job state", s)}
	}
	return &JobState{state: s}, nil
}

// JobState holds a single job's current lifecycle state and enforces the
// legal-transition table on every change.
type JobState struct {
	state State
}

// Get returns the current state.
func (j *JobState) Get() State {
	return j.state
}

func (j *JobState) String() string {
	return fmt.Sprintf("<JobState %s>", j.state)
}

// Transition moves to newState if (current, newState) is a legal arc, or if
// newState is Failed (always reachable, from any state). Otherwise it
// returns an *InvalidStateError and leaves the state unchanged.
func (j *JobState) Transition(newState State) error {
	if newState == Failed {
		j.state = Failed
		return nil
	}
	if _, ok := legalTransitions[[2]State{j.state, newState}]; ok {
		j.state = newState
		return nil
	}
	return &InvalidStateError{
		msg: fmt.Sprintf("cannot transition from %s to %s", j.state, newState),
	}
}
