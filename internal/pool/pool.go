package pool

import (
	"fmt"
	"slices"
	"time"

	"uirunner/internal/job"
	"uirunner/internal/protocol"
)

type slot struct {
	Worker

	incarnation uint64
	handle      Handle

	// reserved is the job a slot was created for, held until it is ready.
	reserved *job.Job
	// draining is a job still running on a terminating slot.
	draining *job.Job

	pendingTerminate bool
	jobStartedAt     time.Time
	cancelSentAt     time.Time
	terminateSentAt  time.Time
}

func (s *slot) snapshot() Worker {
	w := s.Worker
	if s.CurrentJob != nil {
		j := *s.CurrentJob
		started := s.jobStartedAt
		w.CurrentJob = &j
		w.JobStartedAt = &started
	}
	return w
}

func (s *slot) send(c protocol.Control) error {
	if s.handle == nil {
		return ErrNoHandle
	}
	return s.handle.Send(c)
}

// Pool holds the worker slots.
type Pool struct {
	slots       map[int]*slot
	max         int
	incarnation uint64
}

func New(maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{slots: make(map[int]*slot), max: maxWorkers}
}

func (p *Pool) Size() int       { return len(p.slots) }
func (p *Pool) MaxWorkers() int { return p.max }

// SetMaxWorkers changes capacity. Live slots are never killed: slots whose id
// falls outside the new bound are returned for graceful retirement.
func (p *Pool) SetMaxWorkers(n int) []int {
	if n < 1 {
		n = 1
	}
	p.max = n
	var retire []int
	for _, id := range p.ids() {
		if id >= n {
			retire = append(retire, id)
		}
	}
	return retire
}

func (p *Pool) ids() []int {
	out := make([]int, 0, len(p.slots))
	for id := range p.slots {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (p *Pool) get(id int) (*slot, error) {
	s, ok := p.slots[id]
	if !ok {
		return nil, fmt.Errorf("slot %d: %w", id, ErrNotFound)
	}
	return s, nil
}

// Current reports whether events from incarnation inc still belong to slot id.
func (p *Pool) Current(id int, inc uint64) bool {
	s, ok := p.slots[id]
	return ok && s.incarnation == inc
}

// FindSuitable returns the ready slot that should run j.
//
// Only ready slots with the job's branch, client, apkIdentifier and
// apkSourceType qualify. A job with a device serial needs a slot bound to
// that serial; a job without one prefers device-less slots. Persistent jobs
// prefer persistent slots. Ties go to the lowest slot id.
func (p *Pool) FindSuitable(j job.Job) (int, bool) {
	best, bestRank := -1, -1
	for _, id := range p.ids() {
		s := p.slots[id]
		if s.Status != StatusReady {
			continue
		}
		if s.Branch != j.Branch || s.Client != j.Client ||
			s.APKIdentifier != j.APKIdentifier || s.APKSourceType != j.APKSourceType {
			continue
		}
		rank := 0
		if j.DeviceSerial != "" {
			if s.DeviceSerial != j.DeviceSerial {
				continue
			}
		} else if s.DeviceSerial == "" {
			rank += 2
		}
		if j.PersistentWorkspace == s.Persistent {
			rank++
		}
		if rank > bestRank {
			best, bestRank = id, rank
		}
	}
	return best, best >= 0
}

// Create reserves the lowest free slot for spec in initializing state with
// the job it is created for. The caller launches the process.
func (p *Pool) Create(spec Spec, reserved job.Job, now time.Time) (LaunchRequest, error) {
	if len(p.slots) >= p.max {
		return LaunchRequest{}, ErrPoolFull
	}
	id := 0
	for ; id < p.max; id++ {
		if _, taken := p.slots[id]; !taken {
			break
		}
	}
	if id >= p.max {
		return LaunchRequest{}, ErrPoolFull
	}
	p.incarnation++
	s := &slot{
		Worker: Worker{
			ID:            id,
			Status:        StatusInitializing,
			Branch:        spec.Branch,
			Client:        spec.Client,
			APKIdentifier: spec.APKIdentifier,
			APKSourceType: spec.APKSourceType,
			DeviceSerial:  spec.DeviceSerial,
			Persistent:    spec.Persistent,
			CreatedAt:     now,
		},
		incarnation: p.incarnation,
		reserved:    &reserved,
	}
	p.slots[id] = s
	return LaunchRequest{Slot: id, Incarnation: s.incarnation, Spec: spec}, nil
}

// Attach binds the started process to its slot.
func (p *Pool) Attach(id int, inc uint64, h Handle) error {
	s, err := p.get(id)
	if err != nil {
		return err
	}
	if s.incarnation != inc {
		return fmt.Errorf("slot %d incarnation %d: %w", id, inc, ErrNotFound)
	}
	s.handle = h
	return nil
}

// MarkReady moves an initializing slot to ready and hands back the job it
// was reserved for. When termination was requested meanwhile, the slot goes
// straight to terminating and the reservation is returned for re-queueing.
func (p *Pool) MarkReady(id int, session string, port int, now time.Time) (reserved *job.Job, terminating bool, err error) {
	s, err := p.get(id)
	if err != nil {
		return nil, false, err
	}
	if s.Status != StatusInitializing {
		return nil, false, fmt.Errorf("slot %d is %s: %w", id, s.Status, ErrNotReady)
	}
	s.AppiumSessionID = session
	s.AppiumPort = port
	s.Status = StatusReady
	reserved, s.reserved = s.reserved, nil
	if s.pendingTerminate {
		return reserved, true, p.terminate(s, now)
	}
	return reserved, false, nil
}

// Run dispatches j to a ready slot.
func (p *Pool) Run(id int, j job.Job, now time.Time) error {
	s, err := p.get(id)
	if err != nil {
		return err
	}
	if s.Status != StatusReady {
		return fmt.Errorf("slot %d is %s: %w", id, s.Status, ErrNotReady)
	}
	if err := s.send(protocol.Run(j)); err != nil {
		return fmt.Errorf("slot %d: dispatch job %d: %w", id, j.ID, err)
	}
	s.Status = StatusBusy
	s.CurrentJob = &j
	s.jobStartedAt = now
	s.cancelSentAt = time.Time{}
	return nil
}

// Complete detaches the finished job with jobID. The slot returns to ready,
// or moves on to terminating when termination was requested while busy.
// A job draining on a terminating slot is also released here.
func (p *Pool) Complete(id int, jobID int64, now time.Time) (job.Job, bool) {
	s, ok := p.slots[id]
	if !ok {
		return job.Job{}, false
	}
	if s.draining != nil && (jobID == 0 || s.draining.ID == jobID) {
		j := *s.draining
		s.draining = nil
		s.JobsRun++
		s.NeedsReport = true
		return j, true
	}
	if s.Status != StatusBusy || s.CurrentJob == nil || (jobID != 0 && s.CurrentJob.ID != jobID) {
		return job.Job{}, false
	}
	j := *s.CurrentJob
	s.CurrentJob = nil
	s.JobsRun++
	s.NeedsReport = true
	s.Status = StatusReady
	if s.pendingTerminate {
		_ = p.terminate(s, now)
	}
	return j, true
}

// Cancel flags the running job and forwards a cancellation signal. It never
// waits for acknowledgement.
func (p *Pool) Cancel(id int, now time.Time) error {
	s, err := p.get(id)
	if err != nil {
		return err
	}
	if s.CurrentJob == nil {
		if s.draining != nil {
			s.draining.Cancelled = true
			return fmt.Errorf("slot %d: %w", id, ErrTerminating)
		}
		return fmt.Errorf("slot %d: %w", id, ErrNotReady)
	}
	s.CurrentJob.Cancelled = true
	s.cancelSentAt = now
	return s.send(protocol.Cancel(s.CurrentJob.ID))
}

// RunningJob finds the slot running jobID.
func (p *Pool) RunningJob(jobID int64) (int, job.Job, bool) {
	for _, id := range p.ids() {
		s := p.slots[id]
		if s.CurrentJob != nil && s.CurrentJob.ID == jobID {
			return id, *s.CurrentJob, true
		}
		if s.draining != nil && s.draining.ID == jobID {
			return id, *s.draining, true
		}
	}
	return 0, job.Job{}, false
}

// ReservedJob finds the initializing slot holding jobID.
func (p *Pool) ReservedJob(jobID int64) (int, bool) {
	for _, id := range p.ids() {
		if s := p.slots[id]; s.reserved != nil && s.reserved.ID == jobID {
			return id, true
		}
	}
	return 0, false
}

// Reservation returns the job an initializing slot was created for.
func (p *Pool) Reservation(id int) (job.Job, bool) {
	s, ok := p.slots[id]
	if !ok || s.reserved == nil {
		return job.Job{}, false
	}
	return *s.reserved, true
}

// CancelReserved flags the job an initializing slot holds so it is finished
// instead of dispatched once the slot is ready.
func (p *Pool) CancelReserved(jobID int64) (int, bool) {
	id, ok := p.ReservedJob(jobID)
	if !ok {
		return 0, false
	}
	p.slots[id].reserved.Cancelled = true
	return id, true
}

// Terminate marks a ready or busy slot terminating and sends terminate.
// An initializing slot terminates as soon as it reports ready.
func (p *Pool) Terminate(id int, now time.Time) error {
	s, err := p.get(id)
	if err != nil {
		return err
	}
	switch s.Status {
	case StatusInitializing:
		s.pendingTerminate = true
		return nil
	case StatusTerminating:
		return nil
	}
	return p.terminate(s, now)
}

// Retire terminates a slot once its current job finishes.
func (p *Pool) Retire(id int, now time.Time) error {
	s, err := p.get(id)
	if err != nil {
		return err
	}
	if s.Status == StatusBusy || s.Status == StatusInitializing {
		s.pendingTerminate = true
		return nil
	}
	return p.Terminate(id, now)
}

func (p *Pool) terminate(s *slot, now time.Time) error {
	if s.CurrentJob != nil {
		s.draining = s.CurrentJob
		s.CurrentJob = nil
	}
	s.Status = StatusTerminating
	s.terminateSentAt = now
	return s.send(protocol.Terminate())
}

// Removed is what a slot held when it was removed.
type Removed struct {
	Worker Worker
	// Job is the reserved, running or draining job, if any.
	Job *job.Job
}

// Remove drops a slot. Its id becomes free for the next Create.
func (p *Pool) Remove(id int) (Removed, bool) {
	s, ok := p.slots[id]
	if !ok {
		return Removed{}, false
	}
	delete(p.slots, id)
	r := Removed{Worker: s.snapshot()}
	switch {
	case s.CurrentJob != nil:
		j := *s.CurrentJob
		r.Job = &j
	case s.draining != nil:
		j := *s.draining
		r.Job = &j
	case s.reserved != nil:
		j := *s.reserved
		r.Job = &j
	}
	return r, true
}

// Kill force-stops a slot's process. The exit event removes the slot.
func (p *Pool) Kill(id int) error {
	s, err := p.get(id)
	if err != nil {
		return err
	}
	if s.handle == nil {
		return ErrNoHandle
	}
	return s.handle.Kill()
}

// Workers returns copies ordered by slot id.
func (p *Pool) Workers() []Worker {
	out := make([]Worker, 0, len(p.slots))
	for _, id := range p.ids() {
		out = append(out, p.slots[id].snapshot())
	}
	return out
}

func (p *Pool) Worker(id int) (Worker, bool) {
	s, ok := p.slots[id]
	if !ok {
		return Worker{}, false
	}
	return s.snapshot(), true
}

func (p *Pool) Statistics() Statistics {
	st := Statistics{TotalWorkers: len(p.slots), MaxWorkers: p.max}
	for _, s := range p.slots {
		switch s.Status {
		case StatusBusy:
			st.BusyWorkers++
		case StatusReady:
			st.IdleWorkers++
		case StatusInitializing:
			st.Initializing++
		}
	}
	return st
}

// Active counts slots holding a job: busy, or initializing with a reservation.
func (p *Pool) Active() int {
	n := 0
	for _, s := range p.slots {
		if s.CurrentJob != nil || s.reserved != nil {
			n++
		}
	}
	return n
}

// IdleNeedingReport lists ready slots that ran jobs since their last report.
func (p *Pool) IdleNeedingReport() []int {
	var out []int
	for _, id := range p.ids() {
		if s := p.slots[id]; s.Status == StatusReady && s.NeedsReport {
			out = append(out, id)
		}
	}
	return out
}

// SendReport asks a slot to finalize its report.
func (p *Pool) SendReport(id int) error {
	s, err := p.get(id)
	if err != nil {
		return err
	}
	if err := s.send(protocol.Report()); err != nil {
		return err
	}
	s.NeedsReport = false
	return nil
}

func (p *Pool) AppiumSessions() []Session {
	var out []Session
	for _, id := range p.ids() {
		s := p.slots[id]
		if s.AppiumSessionID == "" {
			continue
		}
		out = append(out, Session{SlotID: id, SessionID: s.AppiumSessionID, Port: s.AppiumPort, Persistent: s.Persistent})
	}
	return out
}

func (p *Pool) WorkerBySessionID(session string) (Worker, bool) {
	for _, id := range p.ids() {
		if s := p.slots[id]; session != "" && s.AppiumSessionID == session {
			return s.snapshot(), true
		}
	}
	return Worker{}, false
}

// WorkerByPersistentSessionID only considers persistent-workspace slots.
func (p *Pool) WorkerByPersistentSessionID(session string) (Worker, bool) {
	w, ok := p.WorkerBySessionID(session)
	if !ok || !w.Persistent {
		return Worker{}, false
	}
	return w, true
}

// Overdue reports slots whose cancellation went unacknowledged past
// cancelGrace, and terminating slots still alive past terminateGrace.
func (p *Pool) Overdue(now time.Time, cancelGrace, terminateGrace time.Duration) (escalate, kill []int) {
	for _, id := range p.ids() {
		s := p.slots[id]
		switch {
		case s.Status == StatusBusy && !s.cancelSentAt.IsZero() && cancelGrace > 0 && now.Sub(s.cancelSentAt) >= cancelGrace:
			escalate = append(escalate, id)
		case s.Status == StatusTerminating && !s.terminateSentAt.IsZero() && terminateGrace > 0 && now.Sub(s.terminateSentAt) >= terminateGrace:
			kill = append(kill, id)
		}
	}
	return escalate, kill
}
