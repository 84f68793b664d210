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

// Package store is the typed row gateway over the jobs table: queries by
// state, atomic row updates, and atomic state transitions. It is the only
// component that issues SQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"kiln/internal/jobmeta"
	"kiln/internal/jobstate"
	"kiln/pkg/crypto"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
	defaultTable     = "jobs"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// coreColumns are the fixed, always-present job columns (everything but
// name and state, which are handled specially).
var coreColumns = []string{
	"user", "passwd", "contact_email", "url", "directory",
	"submit_time", "preprocess_time", "run_time", "postprocess_time",
	"end_time", "archive_time", "expire_time", "runner_id", "failure",
}

// Store wraps a SQLite database connection and provides typed accessors
// over the jobs table. Additional service-specific columns can be
// registered with AddField before CreateTables is called.
type Store struct {
	db        *sql.DB
	table     string
	extraCols []fieldDef
	encryptor *crypto.Encryptor
}

type fieldDef struct {
	name   string
	sqlTyp string
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithTable overrides the default "jobs" table name.
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// WithEncryptor enables transparent encrypt-on-write/decrypt-on-read of the
// passwd column using enc.
func WithEncryptor(enc *crypto.Encryptor) Option {
	return func(s *Store) { s.encryptor = enc }
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, and returns a ready Store. Call CreateTables (or rely on it
// already existing) before using the gateway.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, table: defaultTable}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.ensureSettingsTable(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure settings table: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction. If fn returns an
// error, the transaction is rolled back; otherwise it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AddField registers a service-specific column, extending the schema
// before CreateTables emits the DDL. sqlTyp is a raw SQL column type
// fragment, e.g. "TEXT" or "INTEGER DEFAULT 0".
func (s *Store) AddField(name, sqlTyp string) {
	s.extraCols = append(s.extraCols, fieldDef{name: name, sqlTyp: sqlTyp})
}

// CreateTables emits CREATE TABLE for the jobs table (including any
// fields registered via AddField) if it does not already exist.
func (s *Store) CreateTables(ctx context.Context) error {
	var cols strings.Builder
	cols.WriteString(`
  name             TEXT PRIMARY KEY,
  state            TEXT NOT NULL DEFAULT 'INCOMING',
  user             TEXT NULL,
  passwd           TEXT NULL,
  contact_email    TEXT NULL,
  url              TEXT NULL,
  directory        TEXT NULL,
  submit_time      TIMESTAMP NULL,
  preprocess_time  TIMESTAMP NULL,
  run_time         TIMESTAMP NULL,
  postprocess_time TIMESTAMP NULL,
  end_time         TIMESTAMP NULL,
  archive_time     TIMESTAMP NULL,
  expire_time      TIMESTAMP NULL,
  runner_id        TEXT NULL,
  failure          TEXT NULL`)
	for _, f := range s.extraCols {
		fmt.Fprintf(&cols, ",\n  %s %s", f.name, f.sqlTyp)
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s\n);", s.table, cols.String())
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_state ON %s(state);", s.table, s.table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("create state index: %w", err)
	}
	return s.setSchemaVersion(ctx, 1)
}

// DeleteTables emits DROP TABLE IF EXISTS for the jobs table.
func (s *Store) DeleteTables(ctx context.Context) error {
	ddl := fmt.Sprintf("DROP TABLE IF EXISTS %s;", s.table)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// allColumns returns name, state, and every core+extra column, in the
// fixed order used by scans and inserts.
func (s *Store) allColumns() []string {
	cols := make([]string, 0, len(coreColumns)+len(s.extraCols)+2)
	cols = append(cols, "name", "state")
	cols = append(cols, coreColumns...)
	for _, f := range s.extraCols {
		cols = append(cols, f.name)
	}
	return cols
}

// GetAllJobsInState returns every job row in state, optionally filtered
// by exact name, and optionally restricted to rows whose afterTimeColumn
// is non-null and already in the past (UTC). The returned metadata
// excludes the state column; callers pair it with the known state.
func (s *Store) GetAllJobsInState(ctx context.Context, state jobstate.State, name string, afterTimeColumn string) ([]*jobmeta.Metadata, error) {
	cols := s.allColumns()
	q := fmt.Sprintf("SELECT %s FROM %s WHERE state = ?", strings.Join(cols, ", "), s.table)
	args := []any{string(state)}

	if name != "" {
		q += " AND name = ?"
		args = append(args, name)
	}
	if afterTimeColumn != "" {
		q += fmt.Sprintf(" AND %s IS NOT NULL AND %s < ?", afterTimeColumn, afterTimeColumn)
		args = append(args, time.Now().UTC())
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get all jobs in state: %w", err)
	}
	defer rows.Close()

	var out []*jobmeta.Metadata
	for rows.Next() {
		row, err := s.scanRow(cols, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, jobmeta.New(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// GetJobByName returns the unique row matching name in state, or
// ErrNotFound. state may be "" to match any state.
func (s *Store) GetJobByName(ctx context.Context, name string, state jobstate.State) (*jobmeta.Metadata, jobstate.State, error) {
	cols := s.allColumns()
	q := fmt.Sprintf("SELECT %s FROM %s WHERE name = ?", strings.Join(cols, ", "), s.table)
	args := []any{name}
	if state != "" {
		q += " AND state = ?"
		args = append(args, string(state))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("get job by name: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, "", fmt.Errorf("iterate job: %w", err)
		}
		return nil, "", ErrNotFound
	}
	row, err := s.scanRow(cols, rows)
	if err != nil {
		return nil, "", err
	}
	st := jobstate.State(fmt.Sprint(row["state"]))
	return jobmeta.New(row), st, nil
}

// UpdateJob writes every non-state column from meta to the row keyed by
// name, inside a committed transaction, and clears the dirty flag on
// success. It does not touch the state column — use ChangeJobState for
// transitions.
func (s *Store) UpdateJob(ctx context.Context, name string, meta *jobmeta.Metadata) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.writeRow(ctx, tx, name, meta, "")
	})
}

// ChangeJobState writes every non-state column from meta plus the new
// state to the row keyed by name, inside a single committed transaction,
// and clears the dirty flag on success. oldState is asserted in the WHERE
// clause so a concurrent writer cannot silently clobber the row.
func (s *Store) ChangeJobState(ctx context.Context, name string, meta *jobmeta.Metadata, oldState, newState jobstate.State) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.writeRow(ctx, tx, name, meta, ""); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET state = ? WHERE name = ? AND state = ?", s.table),
			string(newState), name, string(oldState))
		if err != nil {
			return fmt.Errorf("change job state: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrNotFound
		}
		return nil
	})
}

// encryptColumnValue transparently encrypts the passwd column on write,
// if an encryptor is configured and the value is not already encrypted.
func (s *Store) encryptColumnValue(col string, v any) (any, error) {
	if col != "passwd" || s.encryptor == nil {
		return v, nil
	}
	str, ok := v.(string)
	if !ok || str == "" || crypto.IsEncrypted(str) {
		return v, nil
	}
	enc, err := s.encryptor.Encrypt(str)
	if err != nil {
		return nil, fmt.Errorf("encrypt passwd: %w", err)
	}
	return enc, nil
}

func (s *Store) writeRow(ctx context.Context, tx *sql.Tx, name string, meta *jobmeta.Metadata, stateForColumn jobstate.State) error {
	cols := append(append([]string{}, coreColumns...), columnNames(s.extraCols)...)

	setClauses := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for _, col := range cols {
		v, _ := meta.Get(col)
		v, err := s.encryptColumnValue(col, v)
		if err != nil {
			return err
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, v)
	}
	if stateForColumn != "" {
		setClauses = append(setClauses, "state = ?")
		args = append(args, string(stateForColumn))
	}
	args = append(args, name)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE name = ?", s.table, strings.Join(setClauses, ", "))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update job row: %w", err)
	}
	meta.MarkSynced()
	return nil
}

// InsertJob inserts a brand-new job row (used by tests and administrative
// tooling; production rows are inserted by the frontend, out of scope).
func (s *Store) InsertJob(ctx context.Context, name string, meta *jobmeta.Metadata, state jobstate.State) error {
	cols := append([]string{"name", "state"}, append(append([]string{}, coreColumns...), columnNames(s.extraCols)...)...)
	placeholders := strings.Repeat("?, ", len(cols))
	placeholders = strings.TrimSuffix(placeholders, ", ")

	args := make([]any, 0, len(cols))
	args = append(args, name, string(state))
	for _, col := range cols[2:] {
		v, _ := meta.Get(col)
		v, err := s.encryptColumnValue(col, v)
		if err != nil {
			return err
		}
		args = append(args, v)
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.table, strings.Join(cols, ", "), placeholders)
	_, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) scanRow(cols []string, rows *sql.Rows) (map[string]any, error) {
	dest := make([]any, len(cols))
	raw := make([]any, len(cols))
	for i := range dest {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	out := make(map[string]any, len(cols))
	for i, col := range cols {
		v := normalizeScanned(raw[i])
		if col == "passwd" && s.encryptor != nil {
			if str, ok := v.(string); ok && str != "" {
				dec, err := s.encryptor.Decrypt(str)
				if err == nil {
					v = dec
				}
			}
		}
		out[col] = v
	}
	return out, nil
}

// normalizeScanned converts driver-returned []byte (SQLite's usual TEXT
// representation) to string, and leaves everything else untouched.
func normalizeScanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func columnNames(fields []fieldDef) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.name
	}
	return out
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
