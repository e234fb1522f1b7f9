package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uirunner/internal/eventbus"
	"uirunner/internal/job"
	"uirunner/internal/pool"
	"uirunner/internal/protocol"
	"uirunner/pkg/logx"
)

// autoLauncher reports ready right away and finishes every job it is sent
// with the configured exit code.
type autoLauncher struct {
	mu       sync.Mutex
	exitCode int
	failNext bool
	failAll  bool
	attempts int
	launched int
}

func (l *autoLauncher) Launch(ctx context.Context, req pool.LaunchRequest, sink pool.Sink) (pool.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.failAll {
		return nil, errors.New("adb: device unauthorized")
	}
	if l.failNext {
		l.failNext = false
		return nil, errors.New("emulator did not boot")
	}
	l.launched++
	h := &autoHandle{req: req, sink: sink, exitCode: l.exitCode}
	go func() {
		m := protocol.Ready("s", 4723+req.Slot)
		sink(pool.Event{Slot: req.Slot, Incarnation: req.Incarnation, Message: &m})
	}()
	return h, nil
}

type autoHandle struct {
	req      pool.LaunchRequest
	sink     pool.Sink
	exitCode int
	once     sync.Once
}

func (h *autoHandle) emit(m protocol.Message) {
	h.sink(pool.Event{Slot: h.req.Slot, Incarnation: h.req.Incarnation, Message: &m})
}

func (h *autoHandle) exit() {
	h.once.Do(func() {
		go h.sink(pool.Event{Slot: h.req.Slot, Incarnation: h.req.Incarnation, Exited: true})
	})
}

func (h *autoHandle) Send(c protocol.Control) error {
	switch c.Type {
	case protocol.ControlRun:
		go func() {
			h.emit(protocol.Log("running " + c.Job.Feature))
			h.emit(protocol.Message{Type: protocol.MessageDone, JobID: c.JobID, ExitCode: h.exitCode})
		}()
	case protocol.ControlTerminate:
		h.exit()
	}
	return nil
}

func (h *autoHandle) Kill() error { h.exit(); return nil }

func waitFor(t *testing.T, sub *eventbus.Subscription, typ string, n int) []eventbus.Event {
	t.Helper()
	var out []eventbus.Event
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case e := <-sub.C:
			if e.Type == typ {
				out = append(out, e)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s events, got %d", n, typ, len(out))
		}
	}
	return out
}

func newService(t *testing.T, l pool.Launcher, maxWorkers int) (*Service, *eventbus.Subscription) {
	t.Helper()
	bus := eventbus.New()
	sub := bus.Subscribe(4096)
	s := New(Options{
		Settings: Settings{
			MaxWorkers:       maxWorkers,
			CrashRetryMax:    1,
			TerminateGrace:   time.Second,
			LaunchRetryDelay: 10 * time.Millisecond,
		},
		Launcher: l,
		Bus:      bus,
		Log:      logx.Nop(),
	})
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		sub.Close()
	})
	return s, sub
}

func TestServiceRunsSubmittedJobs(t *testing.T) {
	t.Parallel()

	l := &autoLauncher{}
	s, sub := newService(t, l, 2)
	ctx := context.Background()

	var want []int64
	for _, f := range []string{"a", "b", "c"} {
		ids, err := s.Submit(ctx, job.Submission{Branch: "main", Client: "acme", Feature: f, APKVersion: "1"})
		require.NoError(t, err)
		want = append(want, ids...)
	}

	fin := waitFor(t, sub, EventJobFinished, 3)
	var got []int64
	for _, e := range fin {
		jf := e.Data.(JobFinished)
		assert.Zero(t, jf.ExitCode)
		require.NotNil(t, jf.SlotID)
		got = append(got, jf.JobID)
	}
	assert.ElementsMatch(t, want, got)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Jobs)
	assert.LessOrEqual(t, len(snap.Workers), 2)
	assert.Equal(t, 2, snap.Queue.Limit)
}

func TestServiceRecordVerifyOrdering(t *testing.T) {
	t.Parallel()

	s, sub := newService(t, &autoLauncher{}, 2)
	ctx := context.Background()

	ids, err := s.Submit(ctx, job.Submission{Branch: "main", Client: "acme", Feature: "login", APKVersion: "1", Record: true, HighPriority: true})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	started := waitFor(t, sub, EventJobStarted, 2)
	first := started[0].Data.(JobStarted).Job
	second := started[1].Data.(JobStarted).Job
	assert.True(t, first.Record)
	assert.Equal(t, "login.json", second.MappingToLoad)
}

func TestServiceLaunchFailureIsRetried(t *testing.T) {
	t.Parallel()

	l := &autoLauncher{failNext: true}
	s, sub := newService(t, l, 1)

	_, err := s.Submit(context.Background(), job.Submission{Branch: "main", Client: "acme", Feature: "a", APKVersion: "1"})
	require.NoError(t, err)
	waitFor(t, sub, EventJobFinished, 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, 1, l.launched)
}

func TestServiceFailsJobWhenLauncherKeepsFailing(t *testing.T) {
	t.Parallel()

	l := &autoLauncher{failAll: true}
	s, sub := newService(t, l, 1)

	ids, err := s.Submit(context.Background(), job.Submission{Branch: "main", Client: "acme", Feature: "a", APKVersion: "1"})
	require.NoError(t, err)
	fin := waitFor(t, sub, EventJobFinished, 1)
	jf := fin[0].Data.(JobFinished)
	assert.Equal(t, ids[0], jf.JobID)
	assert.Equal(t, -1, jf.ExitCode)

	// Nothing is left to retry.
	time.Sleep(100 * time.Millisecond)
	l.mu.Lock()
	assert.Equal(t, 2, l.attempts, "first launch plus one retry")
	l.mu.Unlock()

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Workers)
	assert.Equal(t, 0, snap.Queue.Queued)
}

func TestServiceCancelUnknown(t *testing.T) {
	t.Parallel()

	s, _ := newService(t, &autoLauncher{}, 1)
	res, err := s.CancelJob(context.Background(), 77)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Job not found", res.Error)

	st, err := s.JobStatus(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, job.StatusNotFound, st.Status)
}

func TestServiceStopTerminatesWorkers(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	s := New(Options{Settings: Settings{MaxWorkers: 1}, Launcher: &autoLauncher{}, Bus: bus, Log: logx.Nop()})
	s.Start(context.Background())

	sub := bus.Subscribe(1024)
	defer sub.Close()
	_, err := s.Submit(context.Background(), job.Submission{Branch: "main", Client: "acme", Feature: "a", APKVersion: "1"})
	require.NoError(t, err)
	waitFor(t, sub, EventJobFinished, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	_, err = s.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestServiceNotStarted(t *testing.T) {
	t.Parallel()

	s := New(Options{Settings: Settings{MaxWorkers: 1}, Launcher: &autoLauncher{}, Log: logx.Nop()})
	_, err := s.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}
