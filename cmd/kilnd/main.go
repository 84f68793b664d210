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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"kiln/internal/config"
	"kiln/internal/daemon"
	"kiln/internal/hooks"
	"kiln/internal/mailer"
	"kiln/internal/runner"
	"kiln/internal/runner/shellqueue"
	"kiln/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kilnd exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fs := flag.NewFlagSet("kilnd", flag.ExitOnError)
	config.BindFlags(fs, cfg)
	submitBin := fs.String("submit-bin", "/usr/local/bin/kiln-submit", "cluster scheduler submit binary")
	statusBin := fs.String("status-bin", "/usr/local/bin/kiln-status", "cluster scheduler status binary")
	runnerName := fs.String("runner-name", "shellqueue", "name this runner registers as, and the prefix stored in runner_id")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if err := cfg.Finish(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var storeOpts []store.Option
	if cfg.Database.Encryptor != nil {
		storeOpts = append(storeOpts, store.WithEncryptor(cfg.Database.Encryptor))
		logger.Info("passwd column encryption enabled")
	} else {
		logger.Warn("passwd column encryption disabled; job passwords will be stored in plaintext")
	}

	db, err := store.Open(ctx, cfg.Database.DB, storeOpts...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.CreateTables(ctx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	registry := runner.NewRegistry()
	shellRunner := shellqueue.New(*runnerName, *submitBin, *statusBin, "./run.sh")
	if err := registry.Register(shellRunner); err != nil {
		return fmt.Errorf("register runner: %w", err)
	}

	mail := mailer.New(cfg.MailerPath, cfg.AdminEmail)
	jobHooks := hooks.New(shellRunner, logger)

	d := daemon.New(cfg, db, registry, mail, jobHooks, logger, daemon.WithHTTPAddr(cfg.HTTPAddr))

	logger.Info("kilnd starting",
		slog.String("service", cfg.ServiceName),
		slog.String("state_file", cfg.StateFile),
		slog.String("socket", cfg.Socket),
		slog.String("http_addr", cfg.HTTPAddr),
	)
	return d.Run(ctx)
}
