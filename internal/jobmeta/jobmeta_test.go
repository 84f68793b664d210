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

package jobmeta

import "testing"

func TestNewDropsStateColumn(t *testing.T) {
	m := New(map[string]any{"name": "j1", "state": "INCOMING"})
	if _, ok := m.Get("state"); ok {
		t.Fatal("state column should have been dropped")
	}
	if v, ok := m.Get("name"); !ok || v != "j1" {
		t.Fatalf("name = %v, %v; want j1, true", v, ok)
	}
}

func TestNewStartsSynced(t *testing.T) {
	m := New(map[string]any{"name": "j1"})
	if m.NeedsSync() {
		t.Fatal("freshly constructed Metadata should not need sync")
	}
}

func TestSetMarksDirtyOnChange(t *testing.T) {
	m := New(map[string]any{"directory": "/inc/j1"})
	m.Set("directory", "/pre/j1")
	if !m.NeedsSync() {
		t.Fatal("changing a value should set needsSync")
	}
	v, _ := m.Get("directory")
	if v != "/pre/j1" {
		t.Fatalf("directory = %v, want /pre/j1", v)
	}
}

func TestSetNoopOnSameValue(t *testing.T) {
	m := New(map[string]any{"directory": "/inc/j1"})
	m.Set("directory", "/inc/j1")
	if m.NeedsSync() {
		t.Fatal("setting the same value should not set needsSync")
	}
}

func TestSetIgnoresUnknownKey(t *testing.T) {
	m := New(map[string]any{"name": "j1"})
	m.Set("bogus", "value")
	if m.NeedsSync() {
		t.Fatal("setting an unknown key must not mark dirty or grow the key set")
	}
	if _, ok := m.Get("bogus"); ok {
		t.Fatal("unknown key should not have been added")
	}
}

func TestMarkSyncedClearsDirty(t *testing.T) {
	m := New(map[string]any{"directory": "/inc/j1"})
	m.Set("directory", "/pre/j1")
	m.MarkSynced()
	if m.NeedsSync() {
		t.Fatal("MarkSynced should clear the dirty flag")
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	m := New(map[string]any{"directory": "/inc/j1"})
	snap := m.Snapshot()
	m.Set("directory", "/pre/j1")
	if snap["directory"] != "/inc/j1" {
		t.Fatal("snapshot should not be affected by later mutation")
	}
}
