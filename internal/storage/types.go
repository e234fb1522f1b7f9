package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// HistorySize bounds the in-memory tail the file driver serves from.
	HistorySize int
}

// AuditEntry records an observer command.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Observer string    `json:"observer"`
	Remote   string    `json:"remote,omitempty"`
	Command  string    `json:"command"`
	Target   string    `json:"target,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
	MetaJSON string    `json:"meta,omitempty"`
}

// JobRecord is a finished job.
type JobRecord struct {
	JobID         int64     `json:"jobId"`
	Feature       string    `json:"feature"`
	Branch        string    `json:"branch"`
	Client        string    `json:"client"`
	APK           string    `json:"apk"`
	APKSource     string    `json:"apkSource"`
	Device        string    `json:"deviceSerial,omitempty"`
	Record        bool      `json:"record"`
	MappingToLoad string    `json:"mappingToLoad,omitempty"`
	SlotID        *int      `json:"slotId,omitempty"`
	ExitCode      int       `json:"exitCode"`
	Cancelled     bool      `json:"cancelled"`
	ReportURL     string    `json:"reportUrl,omitempty"`
	Attempts      int       `json:"attempts"`
	QueuedAt      time.Time `json:"queuedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}
