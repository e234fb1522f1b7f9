// Package scheduler binds queued jobs to worker slots.
//
// Core is the single-owner state machine: it owns the queue and the pool and
// is not safe for concurrent use. Service runs a Core on one goroutine and
// bridges client commands and worker process I/O into it.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"uirunner/internal/eventbus"
	"uirunner/internal/job"
	"uirunner/internal/pool"
	"uirunner/internal/protocol"
	"uirunner/internal/queue"
	"uirunner/pkg/logx"
)

// Settings are the hot-reloadable scheduling knobs.
type Settings struct {
	MaxWorkers     int
	CrashRetryMax  int
	StuckAfter     time.Duration
	CancelGrace    time.Duration
	TerminateGrace time.Duration

	// LaunchRetryDelay spaces queue passes after a failed launch.
	LaunchRetryDelay time.Duration
}

const defaultLaunchRetryDelay = 2 * time.Second

// Starter launches the process for a freshly reserved slot. It must not
// block; the outcome comes back through Core.Launched or Core.LaunchFailed.
type Starter func(req pool.LaunchRequest)

type Core struct {
	cfg       Settings
	q         *queue.Queue
	p         *pool.Pool
	start     Starter
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time
	stuckWarn rate.Sometimes

	// later runs fn on the owning goroutine after d. Nil leaves the retry to
	// the next housekeeping pass.
	later func(d time.Duration, fn func(*Core))
}

func NewCore(cfg Settings, start Starter, bus eventbus.Bus, log logx.Logger) *Core {
	return &Core{
		cfg:       cfg,
		q:         queue.New(),
		p:         pool.New(cfg.MaxWorkers),
		start:     start,
		bus:       bus,
		log:       log.With(logx.String("comp", "scheduler")),
		now:       time.Now,
		stuckWarn: rate.Sometimes{Interval: time.Minute},
	}
}

func (c *Core) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
}

func (c *Core) queueStatus() QueueStatus {
	return QueueStatus{Active: c.p.Active(), Queued: c.q.Len(), Limit: c.p.MaxWorkers()}
}

func (c *Core) broadcastQueue() { c.publish(EventQueueStatusUpdate, c.queueStatus()) }

func (c *Core) broadcastPool() {
	c.publish(EventWorkerPoolUpdate, WorkerPoolUpdate{Workers: c.p.Workers()})
}

func (c *Core) systemLog(format string, args ...any) {
	c.publish(EventLogUpdate, LogUpdate{LogLine: fmt.Sprintf(format, args...)})
}

func (c *Core) slotLog(slot int, line string) {
	c.publish(EventLogUpdate, LogUpdate{SlotID: intPtr(slot), LogLine: line})
}

// enqueue places an id-bearing job: high priority at the front, else the tail.
func (c *Core) enqueue(j job.Job) {
	if j.HighPriority {
		c.q.PushFront(j)
		return
	}
	c.q.PushBack(j)
}

// AddJob assigns the next id, enqueues j and runs a scheduling pass.
// It never fails.
func (c *Core) AddJob(j job.Job) int64 {
	id := c.q.Assign(&j, c.now())
	c.enqueue(j)
	c.log.Info("job queued", logx.Int64("job_id", id), logx.String("feature", j.Feature), logx.Bool("high_priority", j.HighPriority))
	c.ProcessQueue()
	return id
}

// Submit expands a submission (record/verify) and enqueues every resulting
// job before a single scheduling pass, so a verify job is linked to its
// record job before either can be dispatched. Placement follows the
// submission's priority: high priority jobs go to the front in expansion
// order, which leaves a record job ahead of its verify job.
func (c *Core) Submit(s job.Submission) []int64 {
	now := c.now()
	jobs := job.Expand(s, s.Job(now))
	for i := range jobs {
		c.q.Assign(&jobs[i], now)
	}
	job.Link(jobs)

	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		if s.HighPriority {
			c.q.PushFront(j)
		} else {
			c.q.PushBack(j)
		}
		ids = append(ids, j.ID)
		c.log.Info("job queued",
			logx.Int64("job_id", j.ID),
			logx.String("feature", j.Feature),
			logx.Bool("record", j.Record),
			logx.Bool("high_priority", j.HighPriority),
			logx.Int64("depends_on", j.DependsOn),
		)
	}
	c.ProcessQueue()
	return ids
}

// SubmitBatch submits each batch entry in order.
func (c *Core) SubmitBatch(b job.Batch) []int64 {
	var ids []int64
	for _, s := range b.Jobs {
		ids = append(ids, c.Submit(s)...)
	}
	return ids
}

// ProcessQueue makes exactly one assignment attempt per job present when the
// pass starts. Jobs that cannot be placed go back to the tail; jobs added
// during the pass wait for the next one.
func (c *Core) ProcessQueue() {
	if c.q.Len() == 0 {
		c.checkIdleAndCleanup()
		c.broadcastQueue()
		return
	}
	n := c.q.Len()
	for i := 0; i < n; i++ {
		j, ok := c.q.PopFront()
		if !ok {
			break
		}
		if c.blocked(j) || !c.assignJobToWorker(j) {
			c.q.PushBack(j)
		}
	}
	c.recycleIdle()
	c.broadcastQueue()
}

// blocked reports whether j depends on a job that is still queued or running.
func (c *Core) blocked(j job.Job) bool {
	if j.DependsOn == 0 {
		return false
	}
	if c.q.Contains(j.DependsOn) {
		return true
	}
	if _, _, ok := c.p.RunningJob(j.DependsOn); ok {
		return true
	}
	_, ok := c.p.ReservedJob(j.DependsOn)
	return ok
}

// assignJobToWorker dispatches j to a matching idle worker, or reserves a new
// slot for it while capacity remains. False means neither was possible.
func (c *Core) assignJobToWorker(j job.Job) bool {
	if id, ok := c.p.FindSuitable(j); ok {
		if err := c.dispatch(id, j); err != nil {
			c.log.Warn("dispatch failed", logx.Int("slot", id), logx.Int64("job_id", j.ID), logx.Err(err))
			return false
		}
		return true
	}
	if c.p.Size() >= c.p.MaxWorkers() {
		return false
	}
	req, err := c.p.Create(pool.SpecFor(j), j, c.now())
	if err != nil {
		return false
	}
	c.log.Info("creating worker",
		logx.Int("slot", req.Slot),
		logx.String("branch", j.Branch),
		logx.String("client", j.Client),
		logx.String("apk", j.APKIdentifier),
		logx.String("device", j.DeviceSerial),
		logx.Int64("job_id", j.ID),
	)
	c.systemLog("Creating worker %d for %s/%s", req.Slot, j.Branch, j.Client)
	c.broadcastPool()
	if c.start != nil {
		c.start(req)
	}
	return true
}

func (c *Core) dispatch(slot int, j job.Job) error {
	if err := c.p.Run(slot, j, c.now()); err != nil {
		return err
	}
	c.log.Info("job started", logx.Int("slot", slot), logx.Int64("job_id", j.ID), logx.String("feature", j.Feature))
	c.publish(EventJobStarted, JobStarted{SlotID: slot, Job: j})
	c.broadcastPool()
	return nil
}

// RequeueJob puts j back at the front without losing priority.
func (c *Core) RequeueJob(j job.Job) {
	c.q.PushFront(j)
}

// recycleIdle retires one idle worker no queued job can use when the pool is
// full and work is waiting, so a slot with the right affinity can be created.
func (c *Core) recycleIdle() {
	if c.q.Len() == 0 || c.p.Size() < c.p.MaxWorkers() {
		return
	}
	queued := c.q.List()
	for _, w := range c.p.Workers() {
		if w.Status != pool.StatusReady {
			continue
		}
		useful := false
		for _, j := range queued {
			if matches(w, j) {
				useful = true
				break
			}
		}
		if useful {
			continue
		}
		if w.NeedsReport {
			if err := c.p.SendReport(w.ID); err != nil {
				c.log.Warn("report request failed", logx.Int("slot", w.ID), logx.Err(err))
			}
		}
		if err := c.p.Terminate(w.ID, c.now()); err != nil {
			c.log.Warn("recycle idle worker failed", logx.Int("slot", w.ID), logx.Err(err))
			continue
		}
		c.log.Info("recycling idle worker", logx.Int("slot", w.ID))
		c.broadcastPool()
		return
	}
}

func matches(w pool.Worker, j job.Job) bool {
	if w.Branch != j.Branch || w.Client != j.Client || w.APKIdentifier != j.APKIdentifier || w.APKSourceType != j.APKSourceType {
		return false
	}
	return j.DeviceSerial == "" || j.DeviceSerial == w.DeviceSerial
}

// checkIdleAndCleanup asks idle workers that ran jobs to finalize reports.
// Only called once the queue is drained.
func (c *Core) checkIdleAndCleanup() {
	for _, id := range c.p.IdleNeedingReport() {
		if err := c.p.SendReport(id); err != nil {
			c.log.Warn("report request failed", logx.Int("slot", id), logx.Err(err))
			continue
		}
		c.log.Debug("report requested", logx.Int("slot", id))
	}
}

// CancelJob removes a queued job, or signals the worker running it. It never
// waits for the worker to acknowledge.
func (c *Core) CancelJob(id int64) CancelResult {
	if j, ok := c.q.Remove(id); ok {
		j.Cancelled = true
		c.log.Info("job cancelled from queue", logx.Int64("job_id", id))
		c.systemLog("Job %d cancelled from queue", id)
		c.dropDependents(j.ID, "dependency cancelled")
		c.broadcastQueue()
		return CancelResult{Success: true, Status: CancelledFromQueue}
	}
	if slot, _, ok := c.p.RunningJob(id); ok {
		err := c.p.Cancel(slot, c.now())
		if errors.Is(err, pool.ErrTerminating) {
			c.log.Info("cancelled job on terminating worker", logx.Int("slot", slot), logx.Int64("job_id", id))
			return CancelResult{Success: true, Status: AlreadyTerminating, SlotID: intPtr(slot)}
		}
		if err != nil {
			// Housekeeping escalates the unacknowledged cancel.
			c.log.Warn("cancel signal failed", logx.Int("slot", slot), logx.Int64("job_id", id), logx.Err(err))
		}
		c.log.Info("cancellation sent", logx.Int("slot", slot), logx.Int64("job_id", id))
		c.broadcastPool()
		return CancelResult{Success: true, Status: CancellationSent, SlotID: intPtr(slot)}
	}
	if slot, ok := c.p.CancelReserved(id); ok {
		c.log.Info("cancelled job reserved by initializing worker", logx.Int("slot", slot), logx.Int64("job_id", id))
		return CancelResult{Success: true, Status: CancellationSent, SlotID: intPtr(slot)}
	}
	return CancelResult{Success: false, Error: "Job not found"}
}

// PrioritizeJob moves a queued job to the front and runs a pass.
func (c *Core) PrioritizeJob(id int64) bool {
	if !c.q.Promote(id) {
		return false
	}
	c.log.Info("job prioritized", logx.Int64("job_id", id))
	c.ProcessQueue()
	return true
}

// ClearQueue discards every queued job.
func (c *Core) ClearQueue() int {
	n := c.q.Clear()
	c.broadcastQueue()
	return n
}

// StopAll terminates every busy worker and discards the queue. Initializing
// workers are terminated once ready and their reserved jobs dropped.
func (c *Core) StopAll() StopAllResult {
	now := c.now()
	res := StopAllResult{Terminated: []int{}}
	for _, w := range c.p.Workers() {
		switch w.Status {
		case pool.StatusBusy:
			if err := c.p.Terminate(w.ID, now); err != nil {
				c.log.Warn("terminate failed", logx.Int("slot", w.ID), logx.Err(err))
			}
			res.Terminated = append(res.Terminated, w.ID)
		case pool.StatusInitializing:
			if j, ok := c.p.Reservation(w.ID); ok {
				c.p.CancelReserved(j.ID)
			}
			if err := c.p.Terminate(w.ID, now); err != nil {
				c.log.Warn("terminate failed", logx.Int("slot", w.ID), logx.Err(err))
			}
			res.Terminated = append(res.Terminated, w.ID)
		}
	}
	res.Discarded = c.q.Clear()
	c.log.Info("stop all", logx.Int("terminated", len(res.Terminated)), logx.Int("discarded", res.Discarded))
	c.systemLog("Stopped %d workers, discarded %d queued jobs", len(res.Terminated), res.Discarded)
	c.broadcastPool()
	c.broadcastQueue()
	return res
}

// StopWorker terminates one slot.
func (c *Core) StopWorker(slot int) error {
	if err := c.p.Terminate(slot, c.now()); err != nil {
		return err
	}
	c.log.Info("worker stop requested", logx.Int("slot", slot))
	c.broadcastPool()
	c.broadcastQueue()
	return nil
}

func (c *Core) Statistics() queue.Statistics {
	return c.q.Statistics(c.now(), c.p.Active(), c.p.MaxWorkers())
}

func (c *Core) JobStatus(id int64) JobStatus {
	if pos, ok := c.q.Position(id); ok {
		return JobStatus{Status: job.StatusQueued, Position: pos}
	}
	if slot, _, ok := c.p.RunningJob(id); ok {
		return JobStatus{Status: job.StatusRunning, SlotID: intPtr(slot)}
	}
	if slot, ok := c.p.ReservedJob(id); ok {
		return JobStatus{Status: job.StatusRunning, SlotID: intPtr(slot)}
	}
	return JobStatus{Status: job.StatusNotFound}
}

func (c *Core) QueuedJobs() []job.Job                { return c.q.List() }
func (c *Core) JobsByBranch(branch string) []job.Job { return c.q.ByBranch(branch) }
func (c *Core) JobsByClient(client string) []job.Job { return c.q.ByClient(client) }
func (c *Core) JobsByStatus(s job.Status) []job.Job  { return c.q.ByStatus(s) }
func (c *Core) Workers() []pool.Worker               { return c.p.Workers() }
func (c *Core) PoolStatistics() pool.Statistics      { return c.p.Statistics() }
func (c *Core) AppiumSessions() []pool.Session       { return c.p.AppiumSessions() }

func (c *Core) Worker(id int) (pool.Worker, bool) { return c.p.Worker(id) }

func (c *Core) WorkerBySessionID(session string) (pool.Worker, bool) {
	return c.p.WorkerBySessionID(session)
}

func (c *Core) WorkerByPersistentSessionID(session string) (pool.Worker, bool) {
	return c.p.WorkerByPersistentSessionID(session)
}

func (c *Core) Snapshot() Snapshot {
	return Snapshot{
		Workers:    c.p.Workers(),
		Queue:      c.queueStatus(),
		Jobs:       c.q.List(),
		Statistics: c.Statistics(),
		Pool:       c.p.Statistics(),
	}
}

// Apply swaps in new settings. Shrinking retires out-of-range slots after
// their current job; growing lets queued work use the new capacity now.
func (c *Core) Apply(cfg Settings) {
	prev := c.cfg
	c.cfg = cfg
	if cfg.MaxWorkers != prev.MaxWorkers {
		now := c.now()
		for _, id := range c.p.SetMaxWorkers(cfg.MaxWorkers) {
			if err := c.p.Retire(id, now); err != nil {
				c.log.Warn("retire worker failed", logx.Int("slot", id), logx.Err(err))
			}
		}
		c.log.Info("max workers changed", logx.Int("old", prev.MaxWorkers), logx.Int("new", cfg.MaxWorkers))
		c.broadcastPool()
	}
	c.ProcessQueue()
}

// finish publishes job_finished and settles record/verify dependents.
func (c *Core) finish(slot *int, j job.Job, exitCode int, reportURL string) {
	fields := []logx.Field{logx.Int64("job_id", j.ID), logx.Int("exit_code", exitCode), logx.Bool("cancelled", j.Cancelled)}
	if slot != nil {
		fields = append(fields, logx.Int("slot", *slot))
	}
	c.log.Info("job finished", fields...)
	c.publish(EventJobFinished, JobFinished{
		SlotID:    slot,
		JobID:     j.ID,
		ExitCode:  exitCode,
		ReportURL: reportURL,
		Cancelled: j.Cancelled,
		Job:       j,
	})
	if !j.Record {
		return
	}
	if exitCode == 0 && !j.Cancelled {
		c.promoteDependents(j.ID)
		return
	}
	c.dropDependents(j.ID, fmt.Sprintf("record job %d did not succeed", j.ID))
}

// promoteDependents moves jobs waiting on id to the front, keeping their order.
func (c *Core) promoteDependents(id int64) {
	deps := c.dependents(id)
	for i := len(deps) - 1; i >= 0; i-- {
		c.q.Promote(deps[i].ID)
	}
}

// dropDependents removes every queued job waiting on id and finishes it.
func (c *Core) dropDependents(id int64, reason string) {
	for _, d := range c.dependents(id) {
		j, ok := c.q.Remove(d.ID)
		if !ok {
			continue
		}
		c.systemLog("Dropping job %d (%s): %s", j.ID, j.Feature, reason)
		c.finish(nil, j, -1, "")
	}
}

func (c *Core) dependents(id int64) []job.Job {
	var out []job.Job
	for _, j := range c.q.List() {
		if j.DependsOn == id {
			out = append(out, j)
		}
	}
	return out
}

// Launched binds a started process to its slot. A process for a slot that
// no longer exists is killed.
func (c *Core) Launched(req pool.LaunchRequest, h pool.Handle) {
	if err := c.p.Attach(req.Slot, req.Incarnation, h); err != nil {
		c.log.Warn("launched worker has no slot, killing", logx.Int("slot", req.Slot), logx.Err(err))
		if kerr := h.Kill(); kerr != nil {
			c.log.Debug("kill orphaned worker failed", logx.Int("slot", req.Slot), logx.Err(kerr))
		}
		return
	}
	c.log.Debug("worker launched", logx.Int("slot", req.Slot))
}

// LaunchFailed frees the slot and re-queues its reserved job at the front.
// A failed launch spends the job's crash budget like an unexpected exit.
// The next pass is deferred so a launcher that keeps failing does not spin.
func (c *Core) LaunchFailed(req pool.LaunchRequest, err error) {
	if !c.p.Current(req.Slot, req.Incarnation) {
		return
	}
	r, _ := c.p.Remove(req.Slot)
	c.log.Warn("worker launch failed", logx.Int("slot", req.Slot), logx.Err(err))
	c.systemLog("Worker %d failed to start: %v", req.Slot, err)
	if r.Job != nil {
		j := *r.Job
		switch {
		case j.Cancelled:
			c.finish(nil, j, -1, "")
		case j.Attempts < c.cfg.CrashRetryMax:
			j.Attempts++
			c.log.Warn("re-queueing job after failed launch", logx.Int64("job_id", j.ID), logx.Int("attempt", j.Attempts))
			c.RequeueJob(j)
		default:
			c.log.Error("worker launch failed, job failed", logx.Int64("job_id", j.ID), logx.Int("attempts", j.Attempts+1))
			c.systemLog("Job %d failed: worker could not be started", j.ID)
			c.finish(nil, j, -1, "")
		}
	}
	c.broadcastPool()
	c.broadcastQueue()
	c.retryLater()
}

func (c *Core) retryLater() {
	if c.later == nil || c.q.Len() == 0 {
		return
	}
	d := c.cfg.LaunchRetryDelay
	if d <= 0 {
		d = defaultLaunchRetryDelay
	}
	c.later(d, (*Core).ProcessQueue)
}

// HandleEvent applies one worker process event. Events from a previous
// process that reused the slot id are ignored.
func (c *Core) HandleEvent(ev pool.Event) {
	if !c.p.Current(ev.Slot, ev.Incarnation) {
		return
	}
	if ev.Exited {
		c.exited(ev)
		return
	}
	if ev.Message == nil {
		return
	}
	m := *ev.Message
	switch m.Type {
	case protocol.MessageReady:
		c.ready(ev.Slot, m)
	case protocol.MessageLog:
		c.slotLog(ev.Slot, m.Line)
	case protocol.MessageDone:
		c.done(ev.Slot, m)
	case protocol.MessageReport:
		c.log.Info("report generated", logx.Int("slot", ev.Slot), logx.String("report_url", m.ReportURL))
		c.publish(EventReportGenerated, ReportGenerated{SlotID: ev.Slot, ReportURL: m.ReportURL})
	}
}

func (c *Core) ready(slot int, m protocol.Message) {
	reserved, terminating, err := c.p.MarkReady(slot, m.SessionID, m.AppiumPort, c.now())
	if err != nil {
		c.log.Warn("unexpected ready", logx.Int("slot", slot), logx.Err(err))
		return
	}
	c.log.Info("worker ready", logx.Int("slot", slot), logx.String("session_id", m.SessionID), logx.Int("appium_port", m.AppiumPort))
	c.systemLog("Worker %d ready", slot)
	if reserved != nil {
		switch {
		case reserved.Cancelled:
			c.finish(intPtr(slot), *reserved, -1, "")
		case terminating:
			c.RequeueJob(*reserved)
		default:
			if err := c.dispatch(slot, *reserved); err != nil {
				c.log.Warn("dispatch to new worker failed", logx.Int("slot", slot), logx.Err(err))
				c.RequeueJob(*reserved)
			}
		}
	}
	c.broadcastPool()
	c.ProcessQueue()
}

func (c *Core) done(slot int, m protocol.Message) {
	j, ok := c.p.Complete(slot, m.JobID, c.now())
	if !ok {
		c.log.Warn("done for unknown job", logx.Int("slot", slot), logx.Int64("job_id", m.JobID))
		return
	}
	if m.Cancelled {
		j.Cancelled = true
	}
	c.finish(intPtr(slot), j, m.ExitCode, m.ReportURL)
	c.broadcastPool()
	c.ProcessQueue()
}

// exited removes the slot. A job it still held is re-queued at the front
// while its crash budget lasts, otherwise finished with exit code -1. Jobs on
// a slot that was being terminated, or that were cancelled, are finished.
func (c *Core) exited(ev pool.Event) {
	r, ok := c.p.Remove(ev.Slot)
	if !ok {
		return
	}
	c.log.Info("worker exited",
		logx.Int("slot", ev.Slot),
		logx.String("status", string(r.Worker.Status)),
		logx.Int("exit_code", ev.ExitCode),
		logx.Err(ev.Err),
	)
	if r.Job != nil {
		j := *r.Job
		switch {
		case j.Cancelled || r.Worker.Status == pool.StatusTerminating:
			c.finish(intPtr(ev.Slot), j, -1, "")
		case j.Attempts < c.cfg.CrashRetryMax:
			j.Attempts++
			c.log.Warn("worker crashed, re-queueing job", logx.Int("slot", ev.Slot), logx.Int64("job_id", j.ID), logx.Int("attempt", j.Attempts))
			c.systemLog("Worker %d exited unexpectedly; job %d re-queued", ev.Slot, j.ID)
			c.RequeueJob(j)
		default:
			c.log.Error("worker crashed, job failed", logx.Int("slot", ev.Slot), logx.Int64("job_id", j.ID))
			c.systemLog("Worker %d exited unexpectedly; job %d failed", ev.Slot, j.ID)
			c.finish(intPtr(ev.Slot), j, -1, "")
		}
	}
	c.broadcastPool()
	c.ProcessQueue()
}

// Housekeep escalates unacknowledged cancellations to terminate and kills
// workers that ignore terminate. It then retries waiting jobs and warns
// about jobs stuck in the queue.
func (c *Core) Housekeep() {
	now := c.now()
	escalate, kill := c.p.Overdue(now, c.cfg.CancelGrace, c.cfg.TerminateGrace)
	for _, id := range escalate {
		c.log.Warn("cancellation not acknowledged, terminating worker", logx.Int("slot", id), logx.Duration("cancel_grace", c.cfg.CancelGrace))
		if err := c.p.Terminate(id, now); err != nil {
			c.log.Warn("terminate failed", logx.Int("slot", id), logx.Err(err))
		}
	}
	for _, id := range kill {
		c.log.Warn("worker ignored terminate, killing", logx.Int("slot", id), logx.Duration("terminate_grace", c.cfg.TerminateGrace))
		if err := c.p.Kill(id); err != nil {
			c.log.Warn("kill failed", logx.Int("slot", id), logx.Err(err))
		}
	}
	if len(escalate) > 0 {
		c.broadcastPool()
	}
	if c.q.Len() > 0 {
		c.ProcessQueue()
	}

	if c.cfg.StuckAfter <= 0 {
		return
	}
	var stuck []job.Job
	for _, j := range c.q.List() {
		if now.Sub(j.CreatedAt) >= c.cfg.StuckAfter {
			stuck = append(stuck, j)
		}
	}
	if len(stuck) == 0 {
		return
	}
	c.stuckWarn.Do(func() {
		oldest := stuck[0]
		for _, j := range stuck[1:] {
			if j.CreatedAt.Before(oldest.CreatedAt) {
				oldest = j
			}
		}
		c.log.Warn("jobs stuck in queue",
			logx.Int("count", len(stuck)),
			logx.Int64("oldest_job_id", oldest.ID),
			logx.Duration("oldest_wait", now.Sub(oldest.CreatedAt)),
			logx.String("device", oldest.DeviceSerial),
		)
		c.systemLog("%d job(s) waiting longer than %s; oldest is job %d", len(stuck), c.cfg.StuckAfter, oldest.ID)
	})
}

// Shutdown terminates every worker and discards the queue.
func (c *Core) Shutdown() {
	c.StopAll()
	now := c.now()
	for _, w := range c.p.Workers() {
		if w.Status != pool.StatusReady {
			continue
		}
		if err := c.p.Terminate(w.ID, now); err != nil {
			c.log.Warn("terminate failed", logx.Int("slot", w.ID), logx.Err(err))
		}
	}
	c.broadcastPool()
}

// Size is the number of live slots.
func (c *Core) Size() int { return c.p.Size() }
