package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tonimelisma/crmsync/internal/config"
	"github.com/tonimelisma/crmsync/internal/sync"
)

// pidFileName is the daemon PID file, kept next to the state database.
const pidFileName = "crmsync.pid"

// stateDirPermissions: owner only; the database holds sync history.
const stateDirPermissions = 0o700

// errJobsFailed is returned after reports have been printed when at least
// one job failed, so main exits non-zero without repeating the error.
var errJobsFailed = errors.New("one or more sync jobs failed")

// syncStack is everything a sync run needs: the connected CRMs, the opened
// state store, and the engine built over them. Close releases the store.
type syncStack struct {
	Session *Session
	State   *sync.StateStore
	Engine  *sync.Engine
}

func (s *syncStack) Close() error {
	return s.State.Close()
}

// newSyncEngine connects both CRMs, opens the state database, and builds
// the engine from the resolved config.
func newSyncEngine(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*syncStack, error) {
	if cfg.StatePath == "" {
		return nil, fmt.Errorf("cannot determine state DB path: set [state] db_path or %s", config.EnvStateDB)
	}

	session, err := NewSession(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	state, err := openStateStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	engine := sync.NewEngine(&sync.EngineConfig{
		Endpoints:       session.Endpoints,
		Watermarks:      state,
		Jobs:            state,
		Policy:          cfg.Policy,
		BatchSize:       cfg.BatchSize,
		DispatchWorkers: cfg.DispatchWorkers,
		JobTimeout:      cfg.JobTimeout,
		Logger:          logger,
	})

	return &syncStack{Session: session, State: state, Engine: engine}, nil
}

// openStateStore opens the state database alone, for commands that inspect
// or edit state without talking to either CRM.
func openStateStore(cfg *config.Resolved, logger *slog.Logger) (*sync.StateStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), stateDirPermissions); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	state, err := sync.NewStateStore(cfg.StatePath, cfg.WatermarkDefault, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	return state, nil
}

// pidFilePath returns the daemon PID file location for cfg.
func pidFilePath(cfg *config.Resolved) string {
	return filepath.Join(filepath.Dir(cfg.StatePath), pidFileName)
}
