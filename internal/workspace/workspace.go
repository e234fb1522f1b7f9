// Package workspace runs the configured git/workspace commands behind the
// prepare_workspace, commit_changes and push_changes client commands and
// streams their output line by line.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"text/template"
	"time"

	"uirunner/internal/protocol"
	"uirunner/pkg/logx"
)

type Action string

const (
	ActionPrepare Action = "prepare_workspace"
	ActionCommit  Action = "commit_changes"
	ActionPush    Action = "push_changes"
)

var (
	ErrNotConfigured = errors.New("workspace command not configured")
	ErrBusy          = errors.New("another workspace command is running")
	ErrBadParam      = errors.New("invalid workspace parameter")
)

// Params fill the argv templates.
type Params struct {
	Branch  string `json:"branch"`
	Client  string `json:"client"`
	Message string `json:"message,omitempty"`
}

func (p Params) validate() error {
	for name, v := range map[string]string{"branch": p.Branch, "client": p.Client} {
		if strings.HasPrefix(v, "-") || strings.ContainsAny(v, "\x00\n") {
			return fmt.Errorf("%w: %s %q", ErrBadParam, name, v)
		}
	}
	return nil
}

type Config struct {
	Dir     string
	Prepare []string
	Commit  []string
	Push    []string
	Timeout time.Duration
}

// Runner executes one workspace command at a time.
type Runner struct {
	cfg  Config
	log  logx.Logger
	busy sync.Mutex

	templates map[Action][]*template.Template
}

func New(cfg Config, log logx.Logger) (*Runner, error) {
	r := &Runner{cfg: cfg, log: log.With(logx.String("comp", "workspace")), templates: map[Action][]*template.Template{}}
	for action, argv := range map[Action][]string{
		ActionPrepare: cfg.Prepare,
		ActionCommit:  cfg.Commit,
		ActionPush:    cfg.Push,
	} {
		for i, arg := range argv {
			t, err := template.New(fmt.Sprintf("%s[%d]", action, i)).Option("missingkey=error").Parse(arg)
			if err != nil {
				return nil, fmt.Errorf("workspace %s: %w", action, err)
			}
			r.templates[action] = append(r.templates[action], t)
		}
	}
	return r, nil
}

// Argv expands the templates for action.
func (r *Runner) Argv(action Action, p Params) ([]string, error) {
	ts := r.templates[action]
	if len(ts) == 0 {
		return nil, fmt.Errorf("%s: %w", action, ErrNotConfigured)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	argv := make([]string, 0, len(ts))
	var buf bytes.Buffer
	for _, t := range ts {
		buf.Reset()
		if err := t.Execute(&buf, p); err != nil {
			return nil, fmt.Errorf("%s: %w", action, err)
		}
		argv = append(argv, buf.String())
	}
	return argv, nil
}

// Run executes action and calls out for every output line, stdout and stderr
// interleaved. It fails fast with ErrBusy when another command is running.
func (r *Runner) Run(ctx context.Context, action Action, p Params, out func(line string)) error {
	argv, err := r.Argv(action, p)
	if err != nil {
		return err
	}
	if !r.busy.TryLock() {
		return ErrBusy
	}
	defer r.busy.Unlock()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	log := r.log.With(logx.String("action", string(action)), logx.String("branch", p.Branch))
	log.Info("workspace command started", logx.String("cmd", argv[0]))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.cfg.Dir
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return fmt.Errorf("%s: start: %w", action, err)
	}

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		sc := protocol.NewScanner(pr)
		for sc.Scan() {
			if out != nil {
				out(sc.Text())
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	err = cmd.Wait()
	_ = pw.Close()
	<-scanned

	if err != nil {
		log.Warn("workspace command failed", logx.Duration("took", time.Since(start)), logx.Err(err))
		return fmt.Errorf("%s: %w", action, err)
	}
	log.Info("workspace command finished", logx.Duration("took", time.Since(start)))
	return nil
}
