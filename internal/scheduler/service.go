package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"uirunner/internal/eventbus"
	"uirunner/internal/job"
	"uirunner/internal/pool"
	"uirunner/internal/queue"
	"uirunner/pkg/logx"

	rtsup "uirunner/internal/runtime/supervisor"
)

const (
	defaultInbox    = 1024
	maxLoopRestarts = 10
)

var errNoLauncher = errors.New("no worker launcher configured")

type Options struct {
	Settings Settings
	Launcher pool.Launcher
	Bus      eventbus.Bus
	Log      logx.Logger

	// Housekeeping drives Core.Housekeep. Nil means every 30 seconds.
	Housekeeping cron.Schedule
	InboxSize    int
}

// Service runs a Core on a single goroutine. Every public method posts a
// request to the loop and waits for the reply; worker process events are
// posted to the same inbox, so all state changes are serialized.
type Service struct {
	mu sync.Mutex

	core     *Core
	launcher pool.Launcher
	log      logx.Logger
	schedule cron.Schedule

	inbox chan func(*Core)
	sup   *rtsup.Supervisor
	cron  *cron.Cron

	done     chan struct{}
	doneOnce sync.Once
}

func New(opts Options) *Service {
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInbox
	}
	if opts.Housekeeping == nil {
		opts.Housekeeping = cron.Every(30 * time.Second)
	}
	s := &Service{
		launcher: opts.Launcher,
		log:      opts.Log.With(logx.String("comp", "scheduler.service")),
		schedule: opts.Housekeeping,
		inbox:    make(chan func(*Core), opts.InboxSize),
		done:     make(chan struct{}),
	}
	s.core = NewCore(opts.Settings, s.launch, opts.Bus, opts.Log)
	s.core.later = s.after
	return s
}

// after posts fn to the loop once d has elapsed. A full inbox drops it;
// housekeeping covers the miss.
func (s *Service) after(d time.Duration, fn func(*Core)) {
	time.AfterFunc(d, func() {
		select {
		case <-s.done:
		default:
			s.tryPost(fn)
		}
	})
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("scheduler.loop", s.loop,
		rtsup.WithRestartBackoff(50*time.Millisecond, 5*time.Second),
		rtsup.WithMaxRestarts(maxLoopRestarts),
	)

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		s.tryPost(func(c *Core) { c.Housekeep() })
	}))
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop terminates every worker, waits for them to exit (bounded by ctx) and
// then stops the loop. Remaining processes are signalled through the
// supervisor context.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, cr := s.sup, s.cron
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
		}
	}

	if err := s.do(ctx, func(c *Core) { c.Shutdown() }); err == nil {
		t := time.NewTicker(50 * time.Millisecond)
		defer t.Stop()
	wait:
		for {
			n, err := call(ctx, s, func(c *Core) int { return c.Size() })
			if err != nil || n == 0 {
				break
			}
			select {
			case <-ctx.Done():
				break wait
			case <-t.C:
			}
		}
	}

	s.doneOnce.Do(func() { close(s.done) })
	sup.Cancel()
	err := sup.Wait(ctx)
	s.log.Info("scheduler stopped")
	return err
}

func (s *Service) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.inbox:
			fn(s.core)
		}
	}
}

// post enqueues fn unless the service has stopped.
func (s *Service) post(fn func(*Core)) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// tryPost drops fn when the inbox is full.
func (s *Service) tryPost(fn func(*Core)) {
	select {
	case s.inbox <- fn:
	default:
	}
}

func (s *Service) do(ctx context.Context, fn func(*Core)) error {
	s.mu.Lock()
	started := s.sup != nil
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	replied := make(chan struct{})
	req := func(c *Core) {
		defer close(replied)
		fn(c)
	}
	select {
	case s.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
	select {
	case <-replied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

func call[T any](ctx context.Context, s *Service, fn func(*Core) T) (T, error) {
	var out T
	err := s.do(ctx, func(c *Core) { out = fn(c) })
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// launch is the Core's Starter. It runs on the loop goroutine and hands the
// blocking spawn to a supervised goroutine. Process events are held until
// the handle is attached, so the loop never sees ready before launched.
func (s *Service) launch(req pool.LaunchRequest) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil || s.launcher == nil {
		s.tryPost(func(c *Core) { c.LaunchFailed(req, errNoLauncher) })
		return
	}
	sup.Go0(fmt.Sprintf("worker.launch.%d", req.Slot), func(ctx context.Context) {
		attached := make(chan struct{})
		sink := func(ev pool.Event) {
			select {
			case <-attached:
			case <-s.done:
				return
			}
			s.post(func(c *Core) { c.HandleEvent(ev) })
		}
		h, err := s.launcher.Launch(ctx, req, sink)
		if err != nil {
			close(attached)
			s.post(func(c *Core) { c.LaunchFailed(req, err) })
			return
		}
		if !s.post(func(c *Core) { c.Launched(req, h) }) {
			_ = h.Kill()
		}
		close(attached)
	})
}

func (s *Service) Submit(ctx context.Context, sub job.Submission) ([]int64, error) {
	return call(ctx, s, func(c *Core) []int64 { return c.Submit(sub) })
}

func (s *Service) SubmitBatch(ctx context.Context, b job.Batch) ([]int64, error) {
	return call(ctx, s, func(c *Core) []int64 { return c.SubmitBatch(b) })
}

func (s *Service) AddJob(ctx context.Context, j job.Job) (int64, error) {
	return call(ctx, s, func(c *Core) int64 { return c.AddJob(j) })
}

func (s *Service) CancelJob(ctx context.Context, id int64) (CancelResult, error) {
	return call(ctx, s, func(c *Core) CancelResult { return c.CancelJob(id) })
}

func (s *Service) PrioritizeJob(ctx context.Context, id int64) (bool, error) {
	return call(ctx, s, func(c *Core) bool { return c.PrioritizeJob(id) })
}

func (s *Service) StopWorker(ctx context.Context, slot int) error {
	res, err := call(ctx, s, func(c *Core) error { return c.StopWorker(slot) })
	if err != nil {
		return err
	}
	return res
}

func (s *Service) StopAll(ctx context.Context) (StopAllResult, error) {
	return call(ctx, s, func(c *Core) StopAllResult { return c.StopAll() })
}

func (s *Service) ClearQueue(ctx context.Context) (int, error) {
	return call(ctx, s, func(c *Core) int { return c.ClearQueue() })
}

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	return call(ctx, s, func(c *Core) Snapshot { return c.Snapshot() })
}

func (s *Service) Statistics(ctx context.Context) (queue.Statistics, error) {
	return call(ctx, s, func(c *Core) queue.Statistics { return c.Statistics() })
}

func (s *Service) JobStatus(ctx context.Context, id int64) (JobStatus, error) {
	return call(ctx, s, func(c *Core) JobStatus { return c.JobStatus(id) })
}

func (s *Service) JobsByBranch(ctx context.Context, branch string) ([]job.Job, error) {
	return call(ctx, s, func(c *Core) []job.Job { return c.JobsByBranch(branch) })
}

func (s *Service) JobsByClient(ctx context.Context, client string) ([]job.Job, error) {
	return call(ctx, s, func(c *Core) []job.Job { return c.JobsByClient(client) })
}

func (s *Service) JobsByStatus(ctx context.Context, st job.Status) ([]job.Job, error) {
	return call(ctx, s, func(c *Core) []job.Job { return c.JobsByStatus(st) })
}

func (s *Service) AppiumSessions(ctx context.Context) ([]pool.Session, error) {
	return call(ctx, s, func(c *Core) []pool.Session { return c.AppiumSessions() })
}

func (s *Service) WorkerBySessionID(ctx context.Context, session string) (pool.Worker, bool, error) {
	type res struct {
		w  pool.Worker
		ok bool
	}
	r, err := call(ctx, s, func(c *Core) res {
		w, ok := c.WorkerBySessionID(session)
		return res{w, ok}
	})
	return r.w, r.ok, err
}

func (s *Service) WorkerByPersistentSessionID(ctx context.Context, session string) (pool.Worker, bool, error) {
	type res struct {
		w  pool.Worker
		ok bool
	}
	r, err := call(ctx, s, func(c *Core) res {
		w, ok := c.WorkerByPersistentSessionID(session)
		return res{w, ok}
	})
	return r.w, r.ok, err
}

// Apply pushes reloaded settings into the loop.
func (s *Service) Apply(ctx context.Context, cfg Settings) error {
	return s.do(ctx, func(c *Core) { c.Apply(cfg) })
}
