// Package job defines the job descriptor scheduled onto device workers, the
// client submission payloads, and the record/verify expansion.
package job

import (
	"strings"
	"time"
)

// SourceType says where the worker resolves the APK from.
type SourceType string

const (
	SourceRegistry SourceType = "registry"
	SourceLocal    SourceType = "local"
)

// Status is a job's position in its lifecycle as seen by observers.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusNotFound  Status = "not_found"
)

// Job is one requested test execution.
//
// A job lives in exactly one place: the queue, or a worker slot.
type Job struct {
	ID                  int64      `json:"id"`
	Feature             string     `json:"feature"`
	Branch              string     `json:"branch"`
	Client              string     `json:"client"`
	APKIdentifier       string     `json:"apkIdentifier"`
	APKSourceType       SourceType `json:"apkSourceType"`
	DeviceSerial        string     `json:"deviceSerial,omitempty"`
	HighPriority        bool       `json:"highPriority"`
	Record              bool       `json:"record"`
	MappingToLoad       string     `json:"mappingToLoad,omitempty"`
	PersistentWorkspace bool       `json:"persistentWorkspace,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	Cancelled           bool       `json:"cancelled"`

	// Attempts counts re-queues after a worker crashed mid-job.
	Attempts int `json:"attempts,omitempty"`
	// DependsOn is the id of a job that must finish successfully first.
	DependsOn int64 `json:"dependsOn,omitempty"`
}

// Status reports queued or cancelled for a queued job.
func (j Job) Status() Status {
	if j.Cancelled {
		return StatusCancelled
	}
	return StatusQueued
}

// MappingFile is the mock-mapping file a record job writes.
func (j Job) MappingFile() string {
	if !j.Record {
		return ""
	}
	return MappingFileFor(j.Feature)
}

// MappingFileFor returns "<feature>.json" for the feature's base name.
func MappingFileFor(feature string) string {
	f := strings.TrimSpace(feature)
	if i := strings.LastIndex(f, "/"); i >= 0 {
		f = f[i+1:]
	}
	f = strings.TrimSuffix(f, ".feature")
	return f + ".json"
}
