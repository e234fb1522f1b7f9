package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uirunner/internal/eventbus"
	"uirunner/internal/job"
	"uirunner/internal/queue"
	"uirunner/internal/scheduler"
	"uirunner/internal/storage"
	"uirunner/internal/workspace"
	"uirunner/pkg/logx"
)

type fakeScheduler struct {
	mu        sync.Mutex
	submitted []job.Submission
	nextID    int64
	stopped   []int
}

func (f *fakeScheduler) Submit(ctx context.Context, s job.Submission) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, s)
	f.nextID++
	return []int64{f.nextID}, nil
}

func (f *fakeScheduler) SubmitBatch(ctx context.Context, b job.Batch) ([]int64, error) {
	var ids []int64
	for _, s := range b.Jobs {
		got, _ := f.Submit(ctx, s)
		ids = append(ids, got...)
	}
	return ids, nil
}

func (f *fakeScheduler) CancelJob(ctx context.Context, id int64) (scheduler.CancelResult, error) {
	if id == 1 {
		return scheduler.CancelResult{Success: true, Status: scheduler.CancelledFromQueue}, nil
	}
	return scheduler.CancelResult{Success: false, Error: "Job not found"}, nil
}

func (f *fakeScheduler) PrioritizeJob(ctx context.Context, id int64) (bool, error) {
	return id == 1, nil
}

func (f *fakeScheduler) StopWorker(ctx context.Context, slot int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, slot)
	return nil
}

func (f *fakeScheduler) StopAll(ctx context.Context) (scheduler.StopAllResult, error) {
	return scheduler.StopAllResult{Terminated: []int{0}, Discarded: 2}, nil
}

func (f *fakeScheduler) Snapshot(ctx context.Context) (scheduler.Snapshot, error) {
	return scheduler.Snapshot{Queue: scheduler.QueueStatus{Limit: 2}, Statistics: queue.Statistics{Limit: 2}}, nil
}

type fakeWorkspace struct{}

func (fakeWorkspace) Run(ctx context.Context, a workspace.Action, p workspace.Params, out func(string)) error {
	out("checkout " + p.Branch)
	if p.Branch == "broken" {
		return errors.New("exit status 1")
	}
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (m *memAudit) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) list() []storage.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.AuditEntry(nil), m.entries...)
}

type fixture struct {
	hub   *Hub
	bus   eventbus.Bus
	sched *fakeScheduler
	audit *memAudit
	srv   *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{bus: eventbus.New(), sched: &fakeScheduler{}, audit: &memAudit{}}
	f.hub = NewHub(Options{
		Config:    cfg,
		Scheduler: f.sched,
		Workspace: fakeWorkspace{},
		Bus:       f.bus,
		Audit:     f.audit,
		Log:       logx.Nop(),
	})
	f.srv = httptest.NewServer(NewRouter(RouterDeps{Hub: f.hub}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.hub.Close(ctx)
		f.srv.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Every connection starts with a snapshot.
	fr := read(t, conn)
	require.Equal(t, EventInit, fr.Event)
	return conn
}

type rawFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func read(t *testing.T, conn *websocket.Conn) rawFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var fr rawFrame
	require.NoError(t, conn.ReadJSON(&fr))
	return fr
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) rawFrame {
	t.Helper()
	for {
		fr := read(t, conn)
		if fr.Event == event {
			return fr
		}
	}
}

func sendCommand(t *testing.T, conn *websocket.Conn, event, id string, data any) CommandResult {
	t.Helper()
	msg := map[string]any{"event": event, "id": id}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(t, conn.WriteJSON(msg))
	fr := readUntil(t, conn, EventCommandResult)
	var res CommandResult
	require.NoError(t, json.Unmarshal(fr.Data, &res))
	return res
}

func TestInitAndBroadcast(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	a := f.dial(t)
	b := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	f.bus.Publish(eventbus.Event{Type: scheduler.EventQueueStatusUpdate, Data: scheduler.QueueStatus{Active: 1, Queued: 2, Limit: 2}})
	for _, conn := range []*websocket.Conn{a, b} {
		fr := read(t, conn)
		assert.Equal(t, scheduler.EventQueueStatusUpdate, fr.Event)
		assert.JSONEq(t, `{"active":1,"queued":2,"limit":2}`, string(fr.Data))
	}
}

func TestRunTestCommand(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conn := f.dial(t)

	res := sendCommand(t, conn, CmdRunTest, "r1", map[string]any{
		"branch": "main", "client": "acme", "feature": "login", "apkVersion": "1.2.3",
	})
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, CmdRunTest, res.Command)

	res = sendCommand(t, conn, CmdRunTest, "r2", map[string]any{"branch": "main"})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	f.sched.mu.Lock()
	require.Len(t, f.sched.submitted, 1)
	assert.Equal(t, "login", f.sched.submitted[0].Feature)
	f.sched.mu.Unlock()

	entries := f.audit.list()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].OK)
	assert.Equal(t, "feature:login", entries[0].Target)
	assert.False(t, entries[1].OK)
}

func TestCancelAndPrioritize(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conn := f.dial(t)

	res := sendCommand(t, conn, CmdCancelJob, "", map[string]any{"jobId": 1})
	assert.True(t, res.Success)

	res = sendCommand(t, conn, CmdCancelJob, "", map[string]any{"jobId": 9})
	assert.False(t, res.Success)
	assert.Equal(t, "Job not found", res.Error)

	res = sendCommand(t, conn, CmdCancelJob, "", map[string]any{})
	assert.False(t, res.Success)

	res = sendCommand(t, conn, CmdPrioritizeJob, "", map[string]any{"jobId": 1})
	assert.True(t, res.Success)
	res = sendCommand(t, conn, CmdPrioritizeJob, "", map[string]any{"jobId": 2})
	assert.False(t, res.Success)
}

func TestStopCommands(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conn := f.dial(t)

	res := sendCommand(t, conn, CmdStopTest, "", map[string]any{"slotId": 1})
	assert.True(t, res.Success)
	f.sched.mu.Lock()
	assert.Equal(t, []int{1}, f.sched.stopped)
	f.sched.mu.Unlock()

	res = sendCommand(t, conn, CmdStopAllExecution, "", nil)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"terminated":[0],"discarded":2}`, mustJSON(t, res.Data))
}

func TestCommandResultOnlyToIssuer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	a := f.dial(t)
	b := f.dial(t)

	res := sendCommand(t, a, CmdPing, "p", nil)
	assert.True(t, res.Success)

	// b sees the broadcast but never a's result.
	f.bus.Publish(eventbus.Event{Type: scheduler.EventLogUpdate, Data: scheduler.LogUpdate{LogLine: "x"}})
	fr := read(t, b)
	assert.Equal(t, scheduler.EventLogUpdate, fr.Event)
}

func TestWorkspaceOutputIsRelayed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": CmdPrepareWorkspace,
		"data":  map[string]any{"branch": "main", "client": "acme"},
	}))

	var lines []string
	var res CommandResult
	for {
		fr := read(t, conn)
		if fr.Event == scheduler.EventLogUpdate {
			var lu map[string]any
			require.NoError(t, json.Unmarshal(fr.Data, &lu))
			_, hasSlot := lu["slotId"]
			assert.False(t, hasSlot)
			lines = append(lines, lu["logLine"].(string))
			continue
		}
		if fr.Event == EventCommandResult {
			require.NoError(t, json.Unmarshal(fr.Data, &res))
			break
		}
	}
	assert.True(t, res.Success, res.Error)
	assert.Contains(t, lines, "checkout main")
}

func TestUnknownCommandAndBadFrame(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conn := f.dial(t)

	res := sendCommand(t, conn, "reboot", "", nil)
	assert.False(t, res.Success)
	assert.Equal(t, ErrUnknownCommand.Error(), res.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	fr := readUntil(t, conn, EventCommandResult)
	assert.Contains(t, string(fr.Data), ErrBadPayload.Error())
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{CommandRatePerSec: 1, CommandBurst: 2})
	conn := f.dial(t)

	var limited int
	for i := 0; i < 5; i++ {
		res := sendCommand(t, conn, CmdCancelJob, "", map[string]any{"jobId": 1})
		if res.Error == ErrRateLimited.Error() {
			limited++
		}
	}
	assert.GreaterOrEqual(t, limited, 2)

	// Pings are never limited.
	res := sendCommand(t, conn, CmdPing, "", nil)
	assert.True(t, res.Success)
}

func TestOriginCheck(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{AllowedOrigins: []string{"https://ui.example.com"}})
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {"https://ui.example.com"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestHTTPRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/api/status")
	require.NoError(t, err)
	var snap scheduler.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, 2, snap.Queue.Limit)

	resp, err = http.Get(f.srv.URL + "/api/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{`{"jobId":4}`, "job:4"},
		{`{"slotId":0}`, "slot:0"},
		{`{"feature":"login","branch":"main"}`, "feature:login"},
		{`{"branch":"main"}`, "branch:main"},
		{`[]`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, auditTarget(json.RawMessage(tt.in)), tt.in)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
