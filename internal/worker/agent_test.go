package worker

import (
	"context"
	"io"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uirunner/internal/job"
	"uirunner/internal/protocol"
	"uirunner/pkg/logx"
)

type session struct {
	t    *testing.T
	ctl  *protocol.Writer
	in   *io.PipeWriter
	msgs chan protocol.Message
	done chan error
}

func startAgent(t *testing.T, cfg Config) *session {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	a := NewAgent(cfg, outW, logx.Nop())

	s := &session{t: t, ctl: protocol.NewWriter(inW), in: inW, msgs: make(chan protocol.Message, 256), done: make(chan error, 1)}
	go func() {
		sc := protocol.NewScanner(outR)
		for sc.Scan() {
			if m, ok := protocol.ParseMessage(sc.Bytes()); ok {
				s.msgs <- m
			}
		}
	}()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		s.done <- a.Run(ctx, inR)
		_ = outW.Close()
	}()
	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
	})
	return s
}

func (s *session) next(typ protocol.MessageType) protocol.Message {
	s.t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case m := <-s.msgs:
			if m.Type == typ {
				return m
			}
		case <-deadline:
			s.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (s *session) collectUntil(typ protocol.MessageType) (logs []string, last protocol.Message) {
	s.t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case m := <-s.msgs:
			if m.Type == protocol.MessageLog {
				logs = append(logs, m.Line)
			}
			if m.Type == typ {
				return logs, m
			}
		case <-deadline:
			s.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func testJob(id int64) job.Job {
	return job.Job{ID: id, Feature: "login", Branch: "main", Client: "acme", APKIdentifier: "1.0", APKSourceType: job.SourceRegistry, Record: true}
}

func TestAgentRunsJob(t *testing.T) {
	t.Parallel()

	s := startAgent(t, Config{
		AppiumPort:  4725,
		TestCommand: []string{"/bin/sh", "-c", `echo "feature={{.Feature}} mapping=$RECORD_MAPPING"; exit 3`},
	})
	ready := s.next(protocol.MessageReady)
	assert.Equal(t, 4725, ready.AppiumPort)
	assert.NotEmpty(t, ready.SessionID)

	require.NoError(t, s.ctl.Write(protocol.Run(testJob(4))))
	logs, done := s.collectUntil(protocol.MessageDone)
	assert.Contains(t, logs, "feature=login mapping=login.json")
	assert.Equal(t, int64(4), done.JobID)
	assert.Equal(t, 3, done.ExitCode)
	assert.False(t, done.Cancelled)
}

func TestAgentCancelsJob(t *testing.T) {
	t.Parallel()

	s := startAgent(t, Config{
		TestCommand: []string{"/bin/sh", "-c", "echo started; exec sleep 30"},
		KillGrace:   time.Second,
	})
	s.next(protocol.MessageReady)
	require.NoError(t, s.ctl.Write(protocol.Run(testJob(9))))
	assert.Equal(t, "started", s.next(protocol.MessageLog).Line)

	require.NoError(t, s.ctl.Write(protocol.Cancel(9)))
	done := s.next(protocol.MessageDone)
	assert.Equal(t, int64(9), done.JobID)
	assert.True(t, done.Cancelled)
	assert.NotZero(t, done.ExitCode)
}

func TestAgentRejectsSecondJobWhileBusy(t *testing.T) {
	t.Parallel()

	s := startAgent(t, Config{
		TestCommand: []string{"/bin/sh", "-c", "echo started; exec sleep 30"},
		KillGrace:   time.Second,
	})
	s.next(protocol.MessageReady)
	require.NoError(t, s.ctl.Write(protocol.Run(testJob(1))))
	s.next(protocol.MessageLog)
	require.NoError(t, s.ctl.Write(protocol.Run(testJob(2))))

	done := s.next(protocol.MessageDone)
	assert.Equal(t, int64(2), done.JobID)
	assert.Equal(t, -1, done.ExitCode)
}

func TestAgentTerminateStopsRunningJob(t *testing.T) {
	t.Parallel()

	s := startAgent(t, Config{
		TestCommand: []string{"/bin/sh", "-c", "echo started; exec sleep 30"},
		KillGrace:   time.Second,
	})
	s.next(protocol.MessageReady)
	require.NoError(t, s.ctl.Write(protocol.Run(testJob(5))))
	s.next(protocol.MessageLog)

	require.NoError(t, s.ctl.Write(protocol.Terminate()))
	done := s.next(protocol.MessageDone)
	assert.True(t, done.Cancelled)

	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not exit")
	}
}

func TestAgentReport(t *testing.T) {
	t.Parallel()

	s := startAgent(t, Config{
		Slot:          2,
		TestCommand:   []string{"/bin/true"},
		ReportCommand: []string{"/bin/sh", "-c", "echo generating; echo http://reports.local/slot-{{.Slot}}"},
	})
	s.next(protocol.MessageReady)
	require.NoError(t, s.ctl.Write(protocol.Report()))
	rep := s.next(protocol.MessageReport)
	assert.Equal(t, "http://reports.local/slot-2", rep.ReportURL)
}

func TestExpandRejectsUnknownField(t *testing.T) {
	t.Parallel()

	_, err := expand([]string{"{{.Nope}}"}, Vars{})
	require.Error(t, err)

	out, err := expand([]string{"run", "{{.Feature}}", "--port={{.AppiumPort}}"}, Vars{Feature: "pay", AppiumPort: 4723})
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "pay", "--port=4723"}, out)
}
