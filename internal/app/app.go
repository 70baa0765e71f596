// Package app opens a workspace and wires the engine for the CLI and server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/logging"
	"stageline/internal/migrate"
	"stageline/internal/projection"
	"stageline/internal/repo"
)

// Options tune Open.
type Options struct {
	// LogOutput receives console logs. Defaults to stderr.
	LogOutput io.Writer
	LogLevel  string
	// Project connects the configured projection sinks. Short-lived CLI
	// commands leave it off.
	Project bool
	// RequireConfig fails when the workspace has no stageline.yml.
	RequireConfig bool
	// SyncProfiles overwrites the profile table from config. An empty table
	// is always seeded.
	SyncProfiles bool
}

// Runtime is an opened workspace.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *logging.Logger

	closers []func() error
}

// Open loads config, opens and migrates the database, seeds execution
// profiles from config and builds the engine.
func Open(ctx context.Context, workspace string, opts Options) (*Runtime, error) {
	if workspace == "" {
		workspace = "."
	}
	var (
		cfg *config.Config
		err error
	)
	if opts.RequireConfig {
		cfg, err = config.Load(workspace)
	} else {
		cfg, err = config.LoadOrDefault(workspace)
	}
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: workspace, Config: cfg}

	logCfg := logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: opts.LogOutput}
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	if cfg.Log.File != "" {
		logCfg.File = resolve(workspace, cfg.Log.File)
	}
	logger, closeLog, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}
	rt.Logger = logger
	rt.closers = append(rt.closers, closeLog)

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.DB = conn
	rt.closers = append(rt.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	sync := opts.SyncProfiles
	if !sync {
		existing, err := r.ListProfiles(ctx)
		if err != nil {
			rt.Close()
			return nil, err
		}
		sync = len(existing) == 0
	}
	if sync {
		if err := SyncProfiles(ctx, r, cfg); err != nil {
			rt.Close()
			return nil, err
		}
	}

	e := engine.New(conn, cfg, workspace).WithLogger(logger)
	if opts.Project {
		sink, closeSink, err := projection.FromConfig(cfg.Projection, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("projection: %w", err)
		}
		e.Sink = sink
		rt.closers = append(rt.closers, func() error { closeSink(); return nil })
	}
	rt.Engine = e
	return rt, nil
}

// Close releases everything Open acquired, newest first.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// SyncProfiles makes the profile table mirror cfg. A config without profiles
// leaves the table alone so profiles set through the API survive.
func SyncProfiles(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if len(cfg.Profiles) == 0 {
		return nil
	}
	if err := r.ReplaceProfiles(ctx, cfg.Profiles); err != nil {
		return fmt.Errorf("sync profiles: %w", err)
	}
	return nil
}

func resolve(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
