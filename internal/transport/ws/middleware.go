package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"uirunner/internal/storage"
	"uirunner/pkg/logx"
)

// Request is one decoded client command.
type Request struct {
	Command  string
	ID       string
	Data     json.RawMessage
	Observer string
	Remote   string
	Logger   logx.Logger
}

// HandlerFunc returns the command_result payload. A non-nil error marks the
// result unsuccessful; the payload is still sent.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (out any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					out, err = nil, fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			out, err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("cmd", req.Command),
				logx.String("observer", req.Observer),
				logx.Duration("dur", d),
			}
			if err != nil {
				logger.Warn("command failed", append(fields, logx.Err(err))...)
			} else if d >= 750*time.Millisecond {
				logger.Info("command ok", fields...)
			} else {
				logger.Debug("command ok", fields...)
			}
			return out, err
		}
	}
}

// Auditor receives one entry per command. storage.Store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

func MWAudit(a Auditor, log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if a == nil {
			return next
		}
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			out, err := next(ctx, req)
			e := storage.AuditEntry{
				At:       start,
				Observer: req.Observer,
				Remote:   req.Remote,
				Command:  req.Command,
				Target:   auditTarget(req.Data),
				OK:       err == nil,
				TookMS:   time.Since(start).Milliseconds(),
			}
			if err != nil {
				e.Error = err.Error()
			}
			if len(req.Data) > 0 && len(req.Data) <= 4096 {
				e.MetaJSON = string(req.Data)
			}
			// The command context may already be done.
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if aerr := a.AppendAudit(actx, e); aerr != nil {
				log.Warn("audit append failed", logx.Err(aerr))
			}
			return out, err
		}
	}
}

func auditTarget(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var t struct {
		JobID   *int64 `json:"jobId"`
		SlotID  *int   `json:"slotId"`
		Feature string `json:"feature"`
		Branch  string `json:"branch"`
	}
	if json.Unmarshal(raw, &t) != nil {
		return ""
	}
	switch {
	case t.JobID != nil:
		return fmt.Sprintf("job:%d", *t.JobID)
	case t.SlotID != nil:
		return fmt.Sprintf("slot:%d", *t.SlotID)
	case t.Feature != "":
		return "feature:" + t.Feature
	case t.Branch != "":
		return "branch:" + t.Branch
	}
	return ""
}
