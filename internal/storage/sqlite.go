package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"uirunner/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, observer, remote, command, target, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Observer, nullStr(e.Remote), e.Command, nullStr(e.Target),
		boolInt(e.OK), nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) RecordJob(ctx context.Context, r JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var slot any
	if r.SlotID != nil {
		slot = *r.SlotID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, feature, branch, client, apk, apk_source, device, record, mapping_to_load,
		                  slot_id, exit_code, cancelled, report_url, attempts, queued_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.JobID, r.Feature, r.Branch, r.Client, r.APK, r.APKSource, nullStr(r.Device), boolInt(r.Record),
		nullStr(r.MappingToLoad), slot, r.ExitCode, boolInt(r.Cancelled), nullStr(r.ReportURL), r.Attempts,
		r.QueuedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultHistorySize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, feature, branch, client, apk, apk_source, device, record, mapping_to_load,
		        slot_id, exit_code, cancelled, report_url, attempts, queued_at, finished_at
		   FROM jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			r                               JobRecord
			device, mapping, report         sql.NullString
			slot                            sql.NullInt64
			record, cancelled               int
			queuedAt, finishedAt            string
		)
		if err := rows.Scan(&r.JobID, &r.Feature, &r.Branch, &r.Client, &r.APK, &r.APKSource, &device, &record,
			&mapping, &slot, &r.ExitCode, &cancelled, &report, &r.Attempts, &queuedAt, &finishedAt); err != nil {
			return nil, err
		}
		r.Device, r.MappingToLoad, r.ReportURL = device.String, mapping.String, report.String
		r.Record, r.Cancelled = record != 0, cancelled != 0
		if slot.Valid {
			v := int(slot.Int64)
			r.SlotID = &v
		}
		r.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
