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

// Package jobmeta holds the non-state columns of a job row, tracking
// whether any of them have changed since the last database sync.
package jobmeta

// Metadata is a dirty-tracked view of one job row, excluding the state
// column (which is owned by jobstate.JobState). The key set is fixed at
// construction; keys cannot be added or removed afterward.
type Metadata struct {
	values    map[string]any
	needsSync bool
}

// New builds a Metadata from a column-name/value row, as returned by a
// database scan. The "state" key, if present, is dropped — state lives
// in jobstate.JobState, not here.
func New(row map[string]any) *Metadata {
	values := make(map[string]any, len(row))
	for k, v := range row {
		if k == "state" {
			continue
		}
		values[k] = v
	}
	return &Metadata{values: values}
}

// NeedsSync reports whether any value has changed since the last MarkSynced.
func (m *Metadata) NeedsSync() bool {
	return m.needsSync
}

// MarkSynced clears the dirty flag, typically called right after a
// successful database write.
func (m *Metadata) MarkSynced() {
	m.needsSync = false
}

// Get returns the value stored under key. The zero value and false are
// returned if key was never part of the row.
func (m *Metadata) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// MustGet returns the value stored under key, or nil if absent. Use when
// the caller already knows the column exists (e.g. "name", "directory").
func (m *Metadata) MustGet(key string) any {
	return m.values[key]
}

// Set updates key's value, setting the dirty flag only if the value
// actually changed. Setting a key that was not part of the original row
// is a no-op on the stored data but still does not grow the key set.
func (m *Metadata) Set(key string, value any) {
	old, existed := m.values[key]
	if existed && old == value {
		return
	}
	if !existed {
		return
	}
	m.values[key] = value
	m.needsSync = true
}

// Keys returns the fixed set of column names, in no particular order.
func (m *Metadata) Keys() []string {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a shallow copy of the current values, safe for a caller
// to range over without racing further Set calls.
func (m *Metadata) Snapshot() map[string]any {
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
