// Package worker is the child side of the worker protocol: it announces
// readiness, runs one test job at a time, streams its output and honors
// cancel, terminate and report control messages.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/template"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"uirunner/internal/job"
	"uirunner/internal/protocol"
	"uirunner/pkg/logx"
)

// Config is the slot binding the orchestrator launched this worker with.
type Config struct {
	Slot          int
	Branch        string
	Client        string
	APK           string
	APKSource     string
	Device        string
	Persistent    bool
	AppiumPort    int
	Dir           string
	TestCommand   []string
	ReportCommand []string
	PTY           bool
	KillGrace     time.Duration
}

// Vars are available to command templates, e.g. "{{.Feature}}".
type Vars struct {
	JobID         int64
	Feature       string
	Branch        string
	Client        string
	APK           string
	APKSource     string
	DeviceSerial  string
	AppiumPort    int
	SessionID     string
	RecordMapping string
	MappingToLoad string
	Slot          int
}

func (v Vars) env() []string {
	return []string{
		"JOB_ID=" + strconv.FormatInt(v.JobID, 10),
		"FEATURE=" + v.Feature,
		"BRANCH=" + v.Branch,
		"CLIENT=" + v.Client,
		"APK=" + v.APK,
		"APK_SOURCE=" + v.APKSource,
		"DEVICE_SERIAL=" + v.DeviceSerial,
		"APPIUM_PORT=" + strconv.Itoa(v.AppiumPort),
		"SESSION_ID=" + v.SessionID,
		"RECORD_MAPPING=" + v.RecordMapping,
		"MAPPING_TO_LOAD=" + v.MappingToLoad,
		"SLOT=" + strconv.Itoa(v.Slot),
	}
}

type running struct {
	jobID  int64
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
}

type Agent struct {
	cfg       Config
	out       *protocol.Writer
	log       logx.Logger
	sessionID string

	mu  sync.Mutex
	cur *running
}

func NewAgent(cfg Config, out io.Writer, log logx.Logger) *Agent {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	return &Agent{
		cfg:       cfg,
		out:       protocol.NewWriter(out),
		log:       log.With(logx.Int("slot", cfg.Slot)),
		sessionID: uuid.NewString(),
	}
}

func (a *Agent) SessionID() string { return a.sessionID }

func (a *Agent) send(m protocol.Message) {
	if err := a.out.Write(m); err != nil {
		a.log.Warn("write to orchestrator failed", logx.Err(err))
	}
}

func (a *Agent) vars(j job.Job) Vars {
	return Vars{
		JobID:         j.ID,
		Feature:       j.Feature,
		Branch:        j.Branch,
		Client:        j.Client,
		APK:           j.APKIdentifier,
		APKSource:     string(j.APKSourceType),
		DeviceSerial:  j.DeviceSerial,
		AppiumPort:    a.cfg.AppiumPort,
		SessionID:     a.sessionID,
		RecordMapping: j.MappingFile(),
		MappingToLoad: j.MappingToLoad,
		Slot:          a.cfg.Slot,
	}
}

// Run announces readiness and serves control messages from in until
// terminate, EOF or ctx cancellation. A running job is stopped first.
func (a *Agent) Run(ctx context.Context, in io.Reader) error {
	if len(a.cfg.TestCommand) == 0 {
		return errors.New("test command not configured")
	}
	a.send(protocol.Ready(a.sessionID, a.cfg.AppiumPort))
	a.log.Info("worker ready", logx.String("session_id", a.sessionID), logx.Int("appium_port", a.cfg.AppiumPort))

	controls := make(chan protocol.Control)
	go func() {
		defer close(controls)
		sc := protocol.NewScanner(in)
		for sc.Scan() {
			c, err := protocol.ParseControl(sc.Bytes())
			if err != nil {
				a.log.Warn("bad control message", logx.Err(err))
				continue
			}
			select {
			case controls <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.stop()
			return nil
		case c, ok := <-controls:
			if !ok {
				a.stop()
				return nil
			}
			switch c.Type {
			case protocol.ControlRun:
				a.start(ctx, *c.Job)
			case protocol.ControlCancel:
				a.cancel(c.JobID)
			case protocol.ControlTerminate:
				a.log.Info("terminate requested")
				a.stop()
				return nil
			case protocol.ControlReport:
				a.report(ctx)
			}
		}
	}
}

func (a *Agent) start(ctx context.Context, j job.Job) {
	a.mu.Lock()
	if a.cur != nil {
		busy := a.cur.jobID
		a.mu.Unlock()
		a.send(protocol.Log(fmt.Sprintf("worker busy with job %d, rejecting job %d", busy, j.ID)))
		a.send(protocol.Message{Type: protocol.MessageDone, JobID: j.ID, ExitCode: -1})
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &running{jobID: j.ID, cancel: cancel, done: make(chan struct{})}
	a.cur = r
	a.mu.Unlock()

	go func() {
		defer close(r.done)
		defer cancel()
		code := a.execute(runCtx, j)

		r.mu.Lock()
		cancelled := r.cancelled
		r.mu.Unlock()

		a.mu.Lock()
		a.cur = nil
		a.mu.Unlock()
		a.send(protocol.Message{Type: protocol.MessageDone, JobID: j.ID, ExitCode: code, Cancelled: cancelled})
	}()
}

func (a *Agent) cancel(jobID int64) {
	a.mu.Lock()
	r := a.cur
	a.mu.Unlock()
	if r == nil || (jobID != 0 && r.jobID != jobID) {
		return
	}
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	a.log.Info("cancelling job", logx.Int64("job_id", r.jobID))
	r.cancel()
}

// stop cancels the running job, if any, and waits for it to report done.
func (a *Agent) stop() {
	a.mu.Lock()
	r := a.cur
	a.mu.Unlock()
	if r == nil {
		return
	}
	a.cancel(r.jobID)
	<-r.done
}

func expand(argv []string, v Vars) ([]string, error) {
	out := make([]string, 0, len(argv))
	var buf bytes.Buffer
	for i, arg := range argv {
		t, err := template.New(strconv.Itoa(i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, err
		}
		buf.Reset()
		if err := t.Execute(&buf, v); err != nil {
			return nil, err
		}
		out = append(out, buf.String())
	}
	return out, nil
}

func (a *Agent) command(ctx context.Context, argv []string, v Vars) (*exec.Cmd, error) {
	args, err := expand(argv, v)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = a.cfg.Dir
	cmd.Env = append(os.Environ(), v.env()...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	cmd.WaitDelay = a.cfg.KillGrace
	return cmd, nil
}

// execute runs the test command for j and returns its exit code.
func (a *Agent) execute(ctx context.Context, j job.Job) int {
	log := a.log.With(logx.Int64("job_id", j.ID), logx.String("feature", j.Feature))
	cmd, err := a.command(ctx, a.cfg.TestCommand, a.vars(j))
	if err != nil {
		a.send(protocol.Log("invalid test command: " + err.Error()))
		return 127
	}
	log.Info("job started", logx.Bool("record", j.Record), logx.String("mapping_to_load", j.MappingToLoad))

	err = a.stream(cmd, func(line string) { a.send(protocol.Log(line)) })
	code := exitCode(err)
	log.Info("job finished", logx.Int("exit_code", code), logx.Err(err))
	return code
}

// stream runs cmd, forwarding output lines. Under PTY mode the command gets
// a terminal so tools that colorize or buffer differently behave as they
// would interactively.
func (a *Agent) stream(cmd *exec.Cmd, line func(string)) error {
	if a.cfg.PTY {
		f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 200})
		if err != nil {
			return err
		}
		defer f.Close()
		scanLines(f, line)
		return cmd.Wait()
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return err
	}
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanLines(pr, line)
	}()
	err := cmd.Wait()
	_ = pw.Close()
	<-scanned
	return err
}

func scanLines(r io.Reader, line func(string)) {
	sc := protocol.NewScanner(r)
	for sc.Scan() {
		line(strings.TrimRight(sc.Text(), "\r"))
	}
	_, _ = io.Copy(io.Discard, r)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 127
}

// report runs the report command; its last non-empty output line is the
// report URL.
func (a *Agent) report(ctx context.Context) {
	if len(a.cfg.ReportCommand) == 0 {
		a.log.Debug("no report command configured")
		return
	}
	v := Vars{
		Branch:     a.cfg.Branch,
		Client:     a.cfg.Client,
		APK:        a.cfg.APK,
		APKSource:  a.cfg.APKSource,
		AppiumPort: a.cfg.AppiumPort,
		SessionID:  a.sessionID,
		Slot:       a.cfg.Slot,
	}
	cmd, err := a.command(ctx, a.cfg.ReportCommand, v)
	if err != nil {
		a.send(protocol.Log("invalid report command: " + err.Error()))
		return
	}
	var last string
	err = a.stream(cmd, func(line string) {
		if strings.TrimSpace(line) != "" {
			last = strings.TrimSpace(line)
		}
		a.send(protocol.Log(line))
	})
	if err != nil {
		a.log.Warn("report command failed", logx.Err(err))
		a.send(protocol.Log("report generation failed: " + err.Error()))
		return
	}
	a.send(protocol.Message{Type: protocol.MessageReport, ReportURL: last})
}
