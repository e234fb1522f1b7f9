package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"uirunner/internal/eventbus"
	"uirunner/internal/job"
	"uirunner/internal/scheduler"
	"uirunner/internal/workspace"
)

// Client command names.
const (
	CmdRunTest          = "run_test"
	CmdRunBatch         = "run_batch"
	CmdStopTest         = "stop_test"
	CmdCancelJob        = "cancel_job"
	CmdPrioritizeJob    = "prioritize_job"
	CmdStopAllExecution = "stop_all_execution"
	CmdPrepareWorkspace = string(workspace.ActionPrepare)
	CmdCommitChanges    = string(workspace.ActionCommit)
	CmdPushChanges      = string(workspace.ActionPush)
	CmdPing             = "ping"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrRateLimited    = errors.New("rate limited")
	ErrBadPayload     = errors.New("invalid payload")
)

// Scheduler is the part of scheduler.Service the hub drives.
type Scheduler interface {
	Submit(ctx context.Context, s job.Submission) ([]int64, error)
	SubmitBatch(ctx context.Context, b job.Batch) ([]int64, error)
	CancelJob(ctx context.Context, id int64) (scheduler.CancelResult, error)
	PrioritizeJob(ctx context.Context, id int64) (bool, error)
	StopWorker(ctx context.Context, slot int) error
	StopAll(ctx context.Context) (scheduler.StopAllResult, error)
	Snapshot(ctx context.Context) (scheduler.Snapshot, error)
}

// Workspace runs git-like workspace commands.
type Workspace interface {
	Run(ctx context.Context, action workspace.Action, p workspace.Params, out func(line string)) error
}

type command struct {
	h HandlerFunc
	// long commands run off the reader goroutine.
	long bool
}

type submitted struct {
	JobIDs []int64 `json:"jobIds"`
}

type jobRef struct {
	JobID *int64 `json:"jobId"`
}

type slotRef struct {
	SlotID *int `json:"slotId"`
}

func (h *Hub) commands() map[string]command {
	return map[string]command{
		CmdRunTest:          {h: h.runTest},
		CmdRunBatch:         {h: h.runBatch},
		CmdStopTest:         {h: h.stopTest},
		CmdCancelJob:        {h: h.cancelJob},
		CmdPrioritizeJob:    {h: h.prioritizeJob},
		CmdStopAllExecution: {h: h.stopAll},
		CmdPrepareWorkspace: {h: h.workspace(workspace.ActionPrepare), long: true},
		CmdCommitChanges:    {h: h.workspace(workspace.ActionCommit), long: true},
		CmdPushChanges:      {h: h.workspace(workspace.ActionPush), long: true},
		CmdPing:             {h: h.ping},
	}
}

func (h *Hub) runTest(ctx context.Context, req *Request) (any, error) {
	s, err := job.ParseSubmission(req.Data)
	if err != nil {
		return nil, err
	}
	ids, err := h.opts.Scheduler.Submit(ctx, s)
	if err != nil {
		return nil, err
	}
	return submitted{JobIDs: ids}, nil
}

func (h *Hub) runBatch(ctx context.Context, req *Request) (any, error) {
	b, err := job.ParseBatch(req.Data)
	if err != nil {
		return nil, err
	}
	ids, err := h.opts.Scheduler.SubmitBatch(ctx, b)
	if err != nil {
		return nil, err
	}
	return submitted{JobIDs: ids}, nil
}

func (h *Hub) stopTest(ctx context.Context, req *Request) (any, error) {
	var r slotRef
	if err := decode(req.Data, &r); err != nil {
		return nil, err
	}
	if r.SlotID == nil {
		return nil, fmt.Errorf("%w: slotId is required", ErrBadPayload)
	}
	if err := h.opts.Scheduler.StopWorker(ctx, *r.SlotID); err != nil {
		return r, err
	}
	return r, nil
}

func (h *Hub) cancelJob(ctx context.Context, req *Request) (any, error) {
	id, err := jobID(req.Data)
	if err != nil {
		return nil, err
	}
	res, err := h.opts.Scheduler.CancelJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, errors.New(res.Error)
	}
	return res, nil
}

func (h *Hub) prioritizeJob(ctx context.Context, req *Request) (any, error) {
	id, err := jobID(req.Data)
	if err != nil {
		return nil, err
	}
	ok, err := h.opts.Scheduler.PrioritizeJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("job is not queued")
	}
	return jobRef{JobID: &id}, nil
}

func (h *Hub) stopAll(ctx context.Context, req *Request) (any, error) {
	return h.opts.Scheduler.StopAll(ctx)
}

func (h *Hub) ping(ctx context.Context, req *Request) (any, error) {
	return map[string]string{"pong": time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

// workspace relays each output line to every observer as a system log line.
func (h *Hub) workspace(action workspace.Action) HandlerFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		if h.opts.Workspace == nil {
			return nil, workspace.ErrNotConfigured
		}
		var p workspace.Params
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		h.systemLog(fmt.Sprintf("[%s] started by %s", action, req.Observer))
		err := h.opts.Workspace.Run(ctx, action, p, h.systemLog)
		if err != nil {
			h.systemLog(fmt.Sprintf("[%s] failed: %v", action, err))
			return nil, err
		}
		h.systemLog(fmt.Sprintf("[%s] done", action))
		return p, nil
	}
}

func (h *Hub) systemLog(line string) {
	if h.opts.Bus == nil {
		return
	}
	h.opts.Bus.Publish(eventbus.Event{
		Type: scheduler.EventLogUpdate,
		Time: time.Now(),
		Data: scheduler.LogUpdate{LogLine: line},
	})
}

func jobID(raw json.RawMessage) (int64, error) {
	var r jobRef
	if err := decode(raw, &r); err != nil {
		return 0, err
	}
	if r.JobID == nil {
		return 0, fmt.Errorf("%w: jobId is required", ErrBadPayload)
	}
	return *r.JobID, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
