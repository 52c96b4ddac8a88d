package storage

import (
	"context"
	"fmt"
	"strings"

	logx "fpsched/pkg/logx"
)

// Store is the journal persistence API.
type Store interface {
	BeginRun(ctx context.Context, r Run) error
	FinishRun(ctx context.Context, r Run) error
	Append(ctx context.Context, recs ...Record) error
	// Recent returns up to limit records of runID, oldest first. An empty
	// runID means the latest run.
	Recent(ctx context.Context, runID string, limit int) ([]Record, error)
	Runs(ctx context.Context, limit int) ([]Run, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
