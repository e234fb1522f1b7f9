package storage

import (
	"context"
	"errors"
	"strings"

	"uirunner/pkg/logx"
)

// Store is the persistence API used by the app and the HTTP status routes.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	RecordJob(ctx context.Context, r JobRecord) error
	// RecentJobs returns up to limit records, newest first.
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
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
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
