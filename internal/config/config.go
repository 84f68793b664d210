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

// Package config holds the typed configuration record consumed by the
// daemon, and a thin environment-variable (plus flag-override) loader for
// it. It deliberately does not implement a general-purpose config-file
// parser; the backend_config/frontend_config database-auth files and the
// optional db-encryption-key file are the only files this package reads
// directly, and each is small and single-purpose (a YAML document for the
// former pair, a bare passphrase for the latter).
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kiln/internal/jobstate"
	"kiln/pkg/crypto"
)

// ConfigError reports a malformed or inconsistent configuration.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// OldJobs holds the archive/expire retention windows. A nil Duration means
// "NEVER" — the job is retained indefinitely.
type OldJobs struct {
	Archive *time.Duration
	Expire  *time.Duration
}

// DBAuth holds the credentials for one database principal, as read from a
// backend_config or frontend_config YAML file.
type DBAuth struct {
	User   string `yaml:"user"`
	Passwd string `yaml:"passwd"`
}

// Database groups the configuration naming the job database and the two
// credential files that authenticate against it.
type Database struct {
	DB             string
	BackendConfig  string
	FrontendConfig string
	Backend        DBAuth
	Frontend       DBAuth

	// EncryptionKeyFile, if set, names a file holding the passphrase that
	// protects the passwd column at rest. Resolved against InstallDir the
	// same way BackendConfig/FrontendConfig are.
	EncryptionKeyFile string

	// Encryptor is non-nil once Finish has validated a passphrase from
	// either KILN_DB_ENCRYPTION_KEY or EncryptionKeyFile. A nil Encryptor
	// means the daemon was deliberately started without at-rest
	// encryption; callers must check for that rather than assume it set.
	Encryptor *crypto.Encryptor
}

// Config is the fully-resolved, typed configuration consumed by the
// daemon. It is produced by FromEnv (optionally layered with BindFlags),
// not parsed ad hoc by callers.
type Config struct {
	AdminEmail   string
	ServiceName  string
	StateFile    string
	Socket       string
	CheckMinutes int
	HTTPAddr     string

	Database Database

	// Directories maps each job state to its configured on-disk root.
	// EXPIRED has no entry (its transition deletes the directory).
	Directories map[jobstate.State]string
	InstallDir  string

	OldJobs OldJobs

	MailerPath string
}

// DirectoryFor returns the configured directory root for state, or "" if
// none is configured (only possible for Expired).
func (c *Config) DirectoryFor(s jobstate.State) string {
	return c.Directories[s]
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// FromEnv builds a Config purely from environment variables (no flag
// parsing, no global state) and validates it. Callers that want
// command-line overrides should call BindFlags before flag.Parse, then
// re-validate with Finish.
//
// Recognized environment variables:
//
//	KILN_ADMIN_EMAIL, KILN_SERVICE_NAME, KILN_STATE_FILE, KILN_SOCKET,
//	KILN_CHECK_MINUTES, KILN_HTTP_ADDR, KILN_MAILER_PATH,
//	KILN_DB, KILN_BACKEND_CONFIG, KILN_FRONTEND_CONFIG,
//	KILN_DB_ENCRYPTION_KEY, KILN_DB_ENCRYPTION_KEY_FILE,
//	KILN_INSTALL_DIR, KILN_DIR_<STATE>, KILN_OLDJOBS_ARCHIVE,
//	KILN_OLDJOBS_EXPIRE.
//
// KILN_DB_ENCRYPTION_KEY and KILN_DB_ENCRYPTION_KEY_FILE are mutually
// exclusive; neither has a flag equivalent, so a passphrase never appears
// in a process listing.
func FromEnv() (*Config, error) {
	cfg := &Config{
		AdminEmail:   getenv("KILN_ADMIN_EMAIL", ""),
		ServiceName:  getenv("KILN_SERVICE_NAME", "kiln"),
		StateFile:    getenv("KILN_STATE_FILE", "/var/run/kiln/state"),
		Socket:       getenv("KILN_SOCKET", "/var/run/kiln/control.sock"),
		CheckMinutes: getenvInt("KILN_CHECK_MINUTES", 5),
		HTTPAddr:     getenv("KILN_HTTP_ADDR", ":8765"),
		MailerPath:   getenv("KILN_MAILER_PATH", "/usr/sbin/sendmail"),
		Database: Database{
			DB:                getenv("KILN_DB", "kiln"),
			BackendConfig:     getenv("KILN_BACKEND_CONFIG", ""),
			FrontendConfig:    getenv("KILN_FRONTEND_CONFIG", ""),
			EncryptionKeyFile: getenv("KILN_DB_ENCRYPTION_KEY_FILE", ""),
		},
		InstallDir:  getenv("KILN_INSTALL_DIR", ""),
		Directories: map[jobstate.State]string{},
	}

	for _, s := range jobstate.All() {
		if s == jobstate.Expired {
			continue
		}
		cfg.Directories[s] = os.Getenv("KILN_DIR_" + string(s))
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BindFlags registers command-line flags that override cfg's fields,
// matching the teacher daemon's "flags override env" precedence. Call
// flag.Parse, then Finish, after this.
func BindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.AdminEmail, "admin-email", cfg.AdminEmail, "admin notification address (env KILN_ADMIN_EMAIL)")
	fs.StringVar(&cfg.ServiceName, "service-name", cfg.ServiceName, "service name used in emails (env KILN_SERVICE_NAME)")
	fs.StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "daemon singleton/crash-marker file (env KILN_STATE_FILE)")
	fs.StringVar(&cfg.Socket, "socket", cfg.Socket, "UNIX control socket path (env KILN_SOCKET)")
	fs.IntVar(&cfg.CheckMinutes, "check-minutes", cfg.CheckMinutes, "periodic check interval in minutes (env KILN_CHECK_MINUTES)")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "admin HTTP listen address, empty disables it (env KILN_HTTP_ADDR)")
	fs.StringVar(&cfg.MailerPath, "mailer-path", cfg.MailerPath, "external MTA binary (env KILN_MAILER_PATH)")
	fs.StringVar(&cfg.Database.DB, "db", cfg.Database.DB, "database name (env KILN_DB)")
	fs.StringVar(&cfg.Database.BackendConfig, "backend-config", cfg.Database.BackendConfig, "backend DB auth YAML path (env KILN_BACKEND_CONFIG)")
	fs.StringVar(&cfg.Database.FrontendConfig, "frontend-config", cfg.Database.FrontendConfig, "frontend DB auth YAML path (env KILN_FRONTEND_CONFIG)")
	fs.StringVar(&cfg.Database.EncryptionKeyFile, "db-encryption-key-file", cfg.Database.EncryptionKeyFile, "file holding the passwd-column encryption passphrase (env KILN_DB_ENCRYPTION_KEY_FILE)")
	fs.StringVar(&cfg.InstallDir, "install-dir", cfg.InstallDir, "install root directory (env KILN_INSTALL_DIR)")
	for _, s := range jobstate.All() {
		if s == jobstate.Expired {
			continue
		}
		fs.StringVar(&cfg.Directories[s], "dir-"+strings.ToLower(string(s)), cfg.Directories[s], "directory for "+string(s)+" jobs (env KILN_DIR_"+string(s)+")")
	}
}

// Finish re-validates directory/oldjobs/db-auth derived fields after flags
// have been applied on top of FromEnv's result. It is safe (idempotent)
// to call more than once.
func (c *Config) Finish() error {
	return c.finish()
}

func (c *Config) finish() error {
	// INCOMING and PREPROCESSING must be explicitly configured; the rest
	// default to PREPROCESSING's directory if unset.
	for _, required := range []jobstate.State{jobstate.Incoming, jobstate.Preprocessing} {
		if c.Directories[required] == "" {
			return configErrorf("directories.%s must be configured", required)
		}
	}
	preDir := c.Directories[jobstate.Preprocessing]
	for _, s := range jobstate.All() {
		if s == jobstate.Expired || s == jobstate.Incoming || s == jobstate.Preprocessing {
			continue
		}
		if c.Directories[s] == "" {
			c.Directories[s] = preDir
		}
	}

	archive, err := ParseOldJobsDuration(getenv("KILN_OLDJOBS_ARCHIVE", "NEVER"))
	if err != nil {
		return configErrorf("oldjobs.archive: %v", err)
	}
	expire, err := ParseOldJobsDuration(getenv("KILN_OLDJOBS_EXPIRE", "NEVER"))
	if err != nil {
		return configErrorf("oldjobs.expire: %v", err)
	}
	if expire != nil && (archive == nil || *archive > *expire) {
		return configErrorf("archive time (%v) cannot be greater than expire time (%v)", archive, expire)
	}
	c.OldJobs = OldJobs{Archive: archive, Expire: expire}

	if c.Database.BackendConfig != "" {
		c.Database.BackendConfig = resolvePath(c.InstallDir, c.Database.BackendConfig)
		auth, err := loadDBAuth(c.Database.BackendConfig)
		if err != nil {
			return configErrorf("backend_config: %v", err)
		}
		c.Database.Backend = *auth
	}
	if c.Database.FrontendConfig != "" {
		c.Database.FrontendConfig = resolvePath(c.InstallDir, c.Database.FrontendConfig)
		auth, err := loadDBAuth(c.Database.FrontendConfig)
		if err != nil {
			return configErrorf("frontend_config: %v", err)
		}
		c.Database.Frontend = *auth
	}

	if err := c.resolveEncryptor(); err != nil {
		return err
	}

	return nil
}

// resolveEncryptor builds Database.Encryptor from whichever of
// KILN_DB_ENCRYPTION_KEY / EncryptionKeyFile was supplied, leaving it nil
// (encryption disabled) when neither was. Rejecting an invalid passphrase
// here, at startup, is deliberate: the alternative is discovering it the
// first time a job row is written.
func (c *Config) resolveEncryptor() error {
	key := getenv("KILN_DB_ENCRYPTION_KEY", "")
	if c.Database.EncryptionKeyFile != "" {
		if key != "" {
			return configErrorf("db_encryption_key and db_encryption_key_file are mutually exclusive")
		}
		c.Database.EncryptionKeyFile = resolvePath(c.InstallDir, c.Database.EncryptionKeyFile)
		fromFile, err := loadEncryptionKeyFile(c.Database.EncryptionKeyFile)
		if err != nil {
			return configErrorf("db_encryption_key_file: %v", err)
		}
		key = fromFile
	}
	if key == "" {
		return nil
	}

	enc, err := crypto.NewEncryptor(key, c.Database.DB)
	if err != nil {
		return configErrorf("db_encryption_key: %v", err)
	}
	c.Database.Encryptor = enc
	return nil
}

// loadEncryptionKeyFile reads a passphrase file the same way loadDBAuth
// reads a backend_config file, minus the YAML: one key, trailing
// whitespace trimmed, nothing else interpreted.
func loadEncryptionKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// resolvePath joins a possibly-relative path against baseDir, unless it is
// already absolute. Used to resolve backend_config/frontend_config paths
// relative to InstallDir when they are not given as absolute paths.
func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func loadDBAuth(path string) (*DBAuth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var auth DBAuth
	if err := yaml.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &auth, nil
}

// ParseOldJobsDuration parses the oldjobs.archive/oldjobs.expire grammar:
// "NEVER" (case-insensitive), or a decimal number followed by one of
// h (hours), d (days), m (30-day months), y (365-day years). Returns nil,
// nil for "NEVER".
func ParseOldJobsDuration(raw string) (*time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "NEVER") {
		return nil, nil
	}
	if len(trimmed) < 2 {
		return nil, fmt.Errorf("time deltas must be 'NEVER' or numbers followed by h, d, m or y; got %q", raw)
	}
	suffix := trimmed[len(trimmed)-1:]
	numPart := trimmed[:len(trimmed)-1]
	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return nil, fmt.Errorf("time deltas must be 'NEVER' or numbers followed by h, d, m or y; got %q", raw)
	}

	var d time.Duration
	switch suffix {
	case "h":
		d = time.Duration(n * float64(time.Hour))
	case "d":
		d = time.Duration(n * 24 * float64(time.Hour))
	case "m":
		d = time.Duration(n * 30 * 24 * float64(time.Hour))
	case "y":
		d = time.Duration(n * 365 * 24 * float64(time.Hour))
	default:
		return nil, fmt.Errorf("time deltas must be 'NEVER' or numbers followed by h, d, m or y (for hours, days, months, or years), e.g. 24h, 30d, 3m, 1y; got %q", raw)
	}
	return &d, nil
}
