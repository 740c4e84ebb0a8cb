package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "sorokeeper/pkg/logx"
)

// Store persists outcome records.
type Store interface {
	AppendOutcome(ctx context.Context, r OutcomeRecord) error
	ListOutcomes(ctx context.Context, q Query) ([]OutcomeRecord, error)
	// PruneOutcomes deletes records older than before and returns how many.
	PruneOutcomes(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
