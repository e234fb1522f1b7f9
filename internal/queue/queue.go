// Package queue holds pending jobs in dispatch order.
//
// A Queue is not safe for concurrent use. The scheduler loop owns it; every
// read handed to other goroutines is a copy.
package queue

import (
	"slices"
	"time"

	"uirunner/internal/job"
)

// Queue is an ordered list of jobs plus the id counter for the jobs it admits.
type Queue struct {
	jobs   []job.Job
	nextID int64
}

// Statistics is derived on demand; nothing here is stored.
type Statistics struct {
	TotalJobs       int           `json:"totalJobs"`
	Active          int           `json:"active"`
	Queued          int           `json:"queued"`
	Limit           int           `json:"limit"`
	AverageWaitTime time.Duration `json:"averageWaitTime"`
	OldestJob       *job.Job      `json:"oldestJob,omitempty"`
	NewestJob       *job.Job      `json:"newestJob,omitempty"`
}

func New() *Queue { return &Queue{} }

// Assign gives j the next id without enqueueing it.
func (q *Queue) Assign(j *job.Job, now time.Time) int64 {
	q.nextID++
	j.ID = q.nextID
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	return j.ID
}

// Add assigns the next id and appends j to the tail.
func (q *Queue) Add(j job.Job, now time.Time) int64 {
	id := q.Assign(&j, now)
	q.jobs = append(q.jobs, j)
	return id
}

func (q *Queue) PushBack(j job.Job) { q.jobs = append(q.jobs, j) }

// PushFront inserts j at the head. Used for re-queues that must keep priority.
func (q *Queue) PushFront(j job.Job) { q.jobs = slices.Insert(q.jobs, 0, j) }

func (q *Queue) PopFront() (job.Job, bool) {
	if len(q.jobs) == 0 {
		return job.Job{}, false
	}
	j := q.jobs[0]
	q.jobs[0] = job.Job{}
	q.jobs = q.jobs[1:]
	return j, true
}

func (q *Queue) Len() int { return len(q.jobs) }

func (q *Queue) index(id int64) int {
	return slices.IndexFunc(q.jobs, func(j job.Job) bool { return j.ID == id })
}

// Remove deletes the job with id and returns it.
func (q *Queue) Remove(id int64) (job.Job, bool) {
	i := q.index(id)
	if i < 0 {
		return job.Job{}, false
	}
	j := q.jobs[i]
	q.jobs = slices.Delete(q.jobs, i, i+1)
	return j, true
}

func (q *Queue) Get(id int64) (job.Job, bool) {
	i := q.index(id)
	if i < 0 {
		return job.Job{}, false
	}
	return q.jobs[i], true
}

func (q *Queue) Contains(id int64) bool { return q.index(id) >= 0 }

// List returns a copy in queue order.
func (q *Queue) List() []job.Job { return slices.Clone(q.jobs) }

// Promote moves a queued job to the front.
func (q *Queue) Promote(id int64) bool {
	j, ok := q.Remove(id)
	if !ok {
		return false
	}
	q.PushFront(j)
	return true
}

// Clear discards every queued job and returns how many there were.
func (q *Queue) Clear() int {
	n := len(q.jobs)
	clear(q.jobs)
	q.jobs = q.jobs[:0]
	return n
}

// Position is 1-based.
func (q *Queue) Position(id int64) (int, bool) {
	i := q.index(id)
	if i < 0 {
		return 0, false
	}
	return i + 1, true
}

// Statistics reports the queue against the pool's active count and limit.
func (q *Queue) Statistics(now time.Time, active, limit int) Statistics {
	st := Statistics{
		TotalJobs: len(q.jobs),
		Active:    active,
		Queued:    len(q.jobs),
		Limit:     limit,
	}
	if len(q.jobs) == 0 {
		return st
	}
	var total time.Duration
	oldest, newest := 0, 0
	for i, j := range q.jobs {
		total += now.Sub(j.CreatedAt)
		if j.CreatedAt.Before(q.jobs[oldest].CreatedAt) {
			oldest = i
		}
		if j.CreatedAt.After(q.jobs[newest].CreatedAt) {
			newest = i
		}
	}
	st.AverageWaitTime = total / time.Duration(len(q.jobs))
	o, n := q.jobs[oldest], q.jobs[newest]
	st.OldestJob, st.NewestJob = &o, &n
	return st
}

func (q *Queue) filter(keep func(job.Job) bool) []job.Job {
	out := make([]job.Job, 0)
	for _, j := range q.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}

func (q *Queue) ByBranch(branch string) []job.Job {
	return q.filter(func(j job.Job) bool { return j.Branch == branch })
}

func (q *Queue) ByClient(client string) []job.Job {
	return q.filter(func(j job.Job) bool { return j.Client == client })
}

// ByStatus matches queued or cancelled; any other status yields nothing.
func (q *Queue) ByStatus(status job.Status) []job.Job {
	return q.filter(func(j job.Job) bool { return j.Status() == status })
}
