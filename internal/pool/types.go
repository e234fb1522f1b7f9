// Package pool owns the bounded set of worker slots, each backed by one
// child process bound to a device and an automation session.
//
// A Pool is not safe for concurrent use; the scheduler loop owns it.
// Process I/O reaches the loop as Events through a Sink.
package pool

import (
	"context"
	"errors"
	"time"

	"uirunner/internal/job"
	"uirunner/internal/protocol"
)

var (
	ErrPoolFull    = errors.New("worker pool full")
	ErrNotFound    = errors.New("worker not found")
	ErrNotReady    = errors.New("worker not ready")
	ErrNoHandle    = errors.New("worker has no control channel")
	ErrTerminating = errors.New("worker already terminating")
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusBusy         Status = "busy"
	StatusTerminating  Status = "terminating"
)

// Worker is a snapshot of one slot. Status is busy iff CurrentJob is set.
type Worker struct {
	ID              int            `json:"id"`
	Status          Status         `json:"status"`
	Branch          string         `json:"branch"`
	Client          string         `json:"client"`
	APKIdentifier   string         `json:"apkIdentifier"`
	APKSourceType   job.SourceType `json:"apkSourceType"`
	DeviceSerial    string         `json:"deviceSerial,omitempty"`
	CurrentJob      *job.Job       `json:"currentJob,omitempty"`
	JobStartedAt    *time.Time     `json:"jobStartedAt,omitempty"`
	Persistent      bool           `json:"persistent"`
	AppiumSessionID string         `json:"appiumSessionId,omitempty"`
	AppiumPort      int            `json:"appiumPort,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	JobsRun         int            `json:"jobsRun"`
	NeedsReport     bool           `json:"needsReport"`
}

// Statistics summarises occupancy.
type Statistics struct {
	TotalWorkers int `json:"totalWorkers"`
	BusyWorkers  int `json:"busyWorkers"`
	IdleWorkers  int `json:"idleWorkers"`
	Initializing int `json:"initializing"`
	MaxWorkers   int `json:"maxWorkers"`
}

// Session locates a live automation session.
type Session struct {
	SlotID     int    `json:"slotId"`
	SessionID  string `json:"sessionId"`
	Port       int    `json:"port"`
	Persistent bool   `json:"persistent"`
}

// Spec is the affinity a slot is created with.
type Spec struct {
	Branch        string         `json:"branch"`
	Client        string         `json:"client"`
	APKIdentifier string         `json:"apkIdentifier"`
	APKSourceType job.SourceType `json:"apkSourceType"`
	DeviceSerial  string         `json:"deviceSerial,omitempty"`
	Persistent    bool           `json:"persistent"`
}

// SpecFor derives the slot affinity a job needs.
func SpecFor(j job.Job) Spec {
	return Spec{
		Branch:        j.Branch,
		Client:        j.Client,
		APKIdentifier: j.APKIdentifier,
		APKSourceType: j.APKSourceType,
		DeviceSerial:  j.DeviceSerial,
		Persistent:    j.PersistentWorkspace,
	}
}

// LaunchRequest asks a Launcher to start the process for a reserved slot.
// Incarnation distinguishes successive processes that reuse a slot id.
type LaunchRequest struct {
	Slot        int
	Incarnation uint64
	Spec        Spec
}

// Handle is the control channel to one running worker process.
type Handle interface {
	Send(c protocol.Control) error
	Kill() error
}

// Event is process I/O bridged back to the scheduler loop. Exactly one of
// Message or Exited is set.
type Event struct {
	Slot        int
	Incarnation uint64
	Message     *protocol.Message
	Exited      bool
	ExitCode    int
	Err         error
}

// Sink receives Events from launcher goroutines.
type Sink func(Event)

// Launcher is the worker-creation primitive. Launch returns once the process
// is started; readiness arrives later as a ready message on the sink.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest, sink Sink) (Handle, error)
}
