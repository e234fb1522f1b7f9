package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"uirunner/internal/protocol"
	"uirunner/pkg/logx"
)

// Environment keys the worker binary reads its commands from.
const (
	EnvTestCommand   = "UIRUNNER_TEST_COMMAND"
	EnvReportCommand = "UIRUNNER_REPORT_COMMAND"
	EnvPTY           = "UIRUNNER_PTY"
)

// ProcessLauncher starts the configured worker command as a child process.
type ProcessLauncher struct {
	Command        []string
	Env            map[string]string
	Dir            string
	BasePort       int
	StartTimeout   time.Duration
	TerminateGrace time.Duration
	TestCommand    []string
	ReportCommand  []string
	PTY            bool
	Log            logx.Logger
}

// Args builds the argv passed after the worker command.
func (l *ProcessLauncher) Args(req LaunchRequest) []string {
	spec := req.Spec
	args := append([]string{}, l.Command[1:]...)
	args = append(args,
		"--slot", strconv.Itoa(req.Slot),
		"--branch", spec.Branch,
		"--client", spec.Client,
		"--apk", spec.APKIdentifier,
		"--apk-source", string(spec.APKSourceType),
		"--appium-port", strconv.Itoa(l.BasePort+req.Slot),
	)
	if spec.DeviceSerial != "" {
		args = append(args, "--device", spec.DeviceSerial)
	}
	if spec.Persistent {
		args = append(args, "--persistent")
	}
	return args
}

func (l *ProcessLauncher) environ() ([]string, error) {
	env := os.Environ()
	for k, v := range l.Env {
		env = append(env, k+"="+v)
	}
	tc, err := json.Marshal(l.TestCommand)
	if err != nil {
		return nil, err
	}
	env = append(env, EnvTestCommand+"="+string(tc))
	if len(l.ReportCommand) > 0 {
		rc, err := json.Marshal(l.ReportCommand)
		if err != nil {
			return nil, err
		}
		env = append(env, EnvReportCommand+"="+string(rc))
	}
	if l.PTY {
		env = append(env, EnvPTY+"=1")
	}
	return env, nil
}

// Launch starts the process. ctx bounds the process lifetime: cancelling it
// interrupts the child and kills it after TerminateGrace.
func (l *ProcessLauncher) Launch(ctx context.Context, req LaunchRequest, sink Sink) (Handle, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("worker command not configured")
	}
	env, err := l.environ()
	if err != nil {
		return nil, fmt.Errorf("worker env: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.Command[0], l.Args(req)...)
	cmd.Env = env
	cmd.Dir = l.Dir
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = l.TerminateGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	h := &procHandle{cmd: cmd, stdin: stdin, w: protocol.NewWriter(stdin)}
	log := l.Log.With(logx.Int("slot", req.Slot), logx.Int("pid", cmd.Process.Pid))
	log.Debug("worker process started")

	emit := func(m protocol.Message) {
		sink(Event{Slot: req.Slot, Incarnation: req.Incarnation, Message: &m})
	}
	ready := make(chan struct{})
	var readyOnce sync.Once

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		pumpStdout(stdout, func(m protocol.Message) {
			if m.Type == protocol.MessageReady {
				readyOnce.Do(func() { close(ready) })
			}
			emit(m)
		})
	}()
	go func() {
		defer pumps.Done()
		pumpLines(stderr, func(line string) { emit(protocol.Log(line)) })
	}()

	if l.StartTimeout > 0 {
		go func() {
			t := time.NewTimer(l.StartTimeout)
			defer t.Stop()
			select {
			case <-ready:
			case <-ctx.Done():
			case <-t.C:
				log.Warn("worker not ready in time, killing", logx.Duration("start_timeout", l.StartTimeout))
				_ = h.Kill()
			}
		}()
	}

	go func() {
		pumps.Wait()
		err := cmd.Wait()
		readyOnce.Do(func() { close(ready) })
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		log.Debug("worker process exited", logx.Int("exit_code", code), logx.Err(err))
		sink(Event{Slot: req.Slot, Incarnation: req.Incarnation, Exited: true, ExitCode: code, Err: err})
	}()

	return h, nil
}

func pumpStdout(r io.Reader, emit func(protocol.Message)) {
	sc := protocol.NewScanner(r)
	for sc.Scan() {
		if m, ok := protocol.ParseMessage(sc.Bytes()); ok {
			emit(m)
			continue
		}
		emit(protocol.Log(sc.Text()))
	}
}

func pumpLines(r io.Reader, fn func(string)) {
	sc := protocol.NewScanner(r)
	for sc.Scan() {
		fn(sc.Text())
	}
}

type procHandle struct {
	cmd   *exec.Cmd
	stdin io.Closer
	w     *protocol.Writer

	closeOnce sync.Once
}

func (h *procHandle) Send(c protocol.Control) error {
	if err := h.w.Write(c); err != nil {
		return err
	}
	if c.Type == protocol.ControlTerminate {
		h.closeOnce.Do(func() { _ = h.stdin.Close() })
	}
	return nil
}

func (h *procHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
