package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/stagegate/gate"
	"github.com/dshills/stagegate/gate/agentdef"
	"github.com/dshills/stagegate/gate/emit"
	"github.com/dshills/stagegate/gate/store"
	"github.com/dshills/stagegate/gate/store/archive"
)

// app holds the wired engine for one CLI invocation.
type app struct {
	cfg      *Config
	logger   *slog.Logger
	registry *agentdef.Registry
	store    *store.FileStore[gate.Run]
	archive  archive.Archive
	metrics  *prometheus.Registry
	engine   *gate.Engine
}

func openApp(cfg *Config, logOutput io.Writer) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := cfg.Level()
	logger := newLogger(logOutput, level)

	if err := cfg.EnsureHome(); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	registry, err := agentdef.LoadDir(cfg.AgentsPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load agent definitions: %w", err)
	}
	st, err := store.NewFileStore[gate.Run](cfg.RunsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    st,
		metrics:  prometheus.NewRegistry(),
	}

	opts := []gate.Option{
		gate.WithLogger(logger),
		gate.WithEmitter(emit.NewSlogEmitter(logger, slog.LevelDebug)),
		gate.WithPauseNotifier(gate.PauseNotifierFunc(a.notifyPause)),
		gate.WithMetrics(gate.NewPrometheusMetrics(a.metrics)),
	}
	if a.archive, err = openArchive(cfg); err != nil {
		return nil, err
	}
	if a.archive != nil {
		opts = append(opts, gate.WithArchive(a.archive))
	}

	a.engine, err = gate.New(registry, st, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openArchive(cfg *Config) (archive.Archive, error) {
	switch cfg.Archive {
	case archiveSQLite:
		arch, err := archive.NewSQLiteArchive(cfg.ArchivePath())
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite archive: %w", err)
		}
		return arch, nil
	case archiveMySQL:
		arch, err := archive.NewMySQLArchive(cfg.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql archive: %w", err)
		}
		return arch, nil
	}
	return nil, nil
}

// notifyPause surfaces a pause to the operator on the log stream.
func (a *app) notifyPause(_ context.Context, notice gate.PauseNotice) {
	a.logger.Warn("review required",
		"agent", notice.AgentSlug,
		"stage", notice.Stage,
		"run_id", notice.RunID,
		"cause", notice.Cause,
		"reason", notice.Reason,
	)
}

func (a *app) key(agent string) store.Key {
	return store.Key{Workspace: a.cfg.Workspace, Session: a.cfg.Session, Agent: agent}
}

// dispatch fills in the configured workspace and session when the request
// leaves them empty.
func (a *app) dispatch(ctx context.Context, req gate.Request) (*gate.Result, error) {
	if req.Workspace == "" {
		req.Workspace = a.cfg.Workspace
	}
	if req.Session == "" {
		req.Session = a.cfg.Session
	}
	return a.engine.Dispatch(ctx, req)
}

// Close releases the archive and writes the metrics textfile when one is
// configured.
func (a *app) Close() error {
	var errs []error
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close archive: %w", err))
		}
	}
	if a.cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(a.cfg.MetricsFile, a.metrics); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}
