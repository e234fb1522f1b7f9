package scheduler

import (
	"uirunner/internal/job"
	"uirunner/internal/pool"
	"uirunner/internal/queue"
)

// Event types published on the bus. Observers receive them verbatim.
const (
	EventWorkerPoolUpdate  = "worker_pool_update"
	EventQueueStatusUpdate = "queue_status_update"
	EventJobStarted        = "job_started"
	EventLogUpdate         = "log_update"
	EventJobFinished       = "job_finished"
	EventReportGenerated   = "report_generated"
)

// QueueStatus is the occupancy summary observers render.
type QueueStatus struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
	Limit  int `json:"limit"`
}

type WorkerPoolUpdate struct {
	Workers []pool.Worker `json:"workers"`
}

type JobStarted struct {
	SlotID int     `json:"slotId"`
	Job    job.Job `json:"job"`
}

// LogUpdate without a SlotID is a system-level line.
type LogUpdate struct {
	SlotID  *int   `json:"slotId,omitempty"`
	LogLine string `json:"logLine"`
}

// JobFinished is terminal for a job. SlotID is absent for jobs that never
// reached a worker.
type JobFinished struct {
	SlotID    *int    `json:"slotId,omitempty"`
	JobID     int64   `json:"jobId"`
	ExitCode  int     `json:"exitCode"`
	ReportURL string  `json:"reportUrl,omitempty"`
	Cancelled bool    `json:"cancelled,omitempty"`
	Job       job.Job `json:"job"`
}

type ReportGenerated struct {
	SlotID    int    `json:"slotId"`
	ReportURL string `json:"reportUrl"`
}

// Snapshot is a consistent copy of scheduler state.
type Snapshot struct {
	Workers    []pool.Worker    `json:"workers"`
	Queue      QueueStatus      `json:"queue"`
	Jobs       []job.Job        `json:"jobs"`
	Statistics queue.Statistics `json:"statistics"`
	Pool       pool.Statistics  `json:"pool"`
}

// CancelResult mirrors the command_result observers get for cancel_job.
type CancelResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	SlotID  *int   `json:"slotId,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	CancelledFromQueue = "cancelled_from_queue"
	CancellationSent   = "cancellation_sent"
	// AlreadyTerminating means the worker was being stopped anyway; the job
	// finishes as cancelled when it exits.
	AlreadyTerminating = "already_terminating"
)

// JobStatus is the three-way status lookup.
type JobStatus struct {
	Status   job.Status `json:"status"`
	Position int        `json:"position,omitempty"`
	SlotID   *int       `json:"slotId,omitempty"`
}

type StopAllResult struct {
	Terminated []int `json:"terminated"`
	Discarded  int   `json:"discarded"`
}

func intPtr(v int) *int { return &v }
