package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uirunner/internal/config"
	"uirunner/internal/eventbus"
	"uirunner/internal/job"
	"uirunner/internal/scheduler"
	"uirunner/internal/storage"
	"uirunner/pkg/logx"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "uirunner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestAppStartStop(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  addr: "127.0.0.1:0"
logging:
  level: error
scheduler:
  max_workers: 1
worker:
  command: ["uirunner-worker"]
  test_command: ["true"]
storage:
  driver: file
  path: `+filepath.Join(dir, "data", "uirunner")+`
`)

	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	base := "http://" + a.Addr()
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/api/history")
	require.NoError(t, err)
	var jobs []storage.JobRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	assert.Empty(t, jobs)

	resp, err = http.Get(base + "/api/status")
	require.NoError(t, err)
	var snap scheduler.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, 1, snap.Queue.Limit)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	<-a.Done()
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	_, ok := mapStorageConfig(config.Settings{})
	assert.False(t, ok)
	_, ok = mapStorageConfig(config.Settings{StorageDriver: "none"})
	assert.False(t, ok)

	sc, ok := mapStorageConfig(config.Settings{StorageDriver: "sqlite", StoragePath: "/tmp/x.db", StorageBusyTimeout: time.Second})
	require.True(t, ok)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: "/tmp/x.db", BusyTimeout: time.Second}, sc)
}

func TestMapSettings(t *testing.T) {
	t.Parallel()

	set := config.Settings{
		MaxWorkers: 3, CrashRetryMax: 2, StuckAfter: time.Minute, CancelGrace: time.Second, TerminateGrace: 2 * time.Second,
		WorkerCommand: []string{"w", "--x"}, AppiumBasePort: 5000, TestCommand: []string{"t"}, PTY: true,
		CommandRatePerSec: 7, CommandBurst: 9, AllowedOrigins: []string{"a"},
	}
	assert.Equal(t, scheduler.Settings{MaxWorkers: 3, CrashRetryMax: 2, StuckAfter: time.Minute, CancelGrace: time.Second, TerminateGrace: 2 * time.Second}, mapSchedulerSettings(set))

	l := mapLauncher(set, logx.Nop())
	assert.Equal(t, 5000, l.BasePort)
	assert.Equal(t, 2*time.Second, l.TerminateGrace)
	assert.True(t, l.PTY)

	hc := mapHubConfig(set)
	assert.Equal(t, 7, hc.CommandRatePerSec)
	assert.Equal(t, 9, hc.CommandBurst)
	assert.Equal(t, []string{"a"}, hc.AllowedOrigins)
}

func TestRecordHistory(t *testing.T) {
	t.Parallel()

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	bus := eventbus.New()
	sub := bus.Subscribe(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		recordHistory(ctx, sub, st, logx.Nop())
	}()

	slot := 0
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Type: scheduler.EventLogUpdate, Data: scheduler.LogUpdate{LogLine: "x"}})
	bus.Publish(eventbus.Event{Type: scheduler.EventJobFinished, Time: created.Add(time.Minute), Data: scheduler.JobFinished{
		SlotID: &slot, JobID: 5, ExitCode: 1, ReportURL: "http://r/5",
		Job: job.Job{ID: 5, Feature: "login", Branch: "main", Client: "acme", APKIdentifier: "1", APKSourceType: job.SourceRegistry, Record: true, CreatedAt: created},
	}})

	require.Eventually(t, func() bool {
		got, _ := st.RecentJobs(context.Background(), 10)
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := st.RecentJobs(context.Background(), 10)
	require.NoError(t, err)
	r := got[0]
	assert.EqualValues(t, 5, r.JobID)
	assert.Equal(t, "registry", r.APKSource)
	assert.True(t, r.Record)
	assert.Equal(t, created, r.QueuedAt)
	assert.Equal(t, created.Add(time.Minute), r.FinishedAt)

	cancel()
	<-done
	sub.Close()
}
