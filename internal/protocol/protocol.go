// Package protocol is the JSON-lines wire format between the orchestrator and
// a worker child process. Control messages flow to the child on stdin;
// messages flow back on stdout. Any stdout line that is not a protocol
// message is treated as plain log output.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"uirunner/internal/job"
)

type ControlType string

const (
	ControlRun       ControlType = "run"
	ControlCancel    ControlType = "cancel"
	ControlTerminate ControlType = "terminate"
	ControlReport    ControlType = "report"
)

// Control is sent orchestrator → worker.
type Control struct {
	Type  ControlType `json:"type"`
	Job   *job.Job    `json:"job,omitempty"`
	JobID int64       `json:"jobId,omitempty"`
}

type MessageType string

const (
	MessageReady  MessageType = "ready"
	MessageLog    MessageType = "log"
	MessageDone   MessageType = "done"
	MessageReport MessageType = "report"
)

// Message is sent worker → orchestrator.
type Message struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"sessionId,omitempty"`
	AppiumPort int         `json:"appiumPort,omitempty"`
	Line       string      `json:"line,omitempty"`
	JobID      int64       `json:"jobId,omitempty"`
	ExitCode   int         `json:"exitCode"`
	Cancelled  bool        `json:"cancelled,omitempty"`
	ReportURL  string      `json:"reportUrl,omitempty"`
}

func Run(j job.Job) Control      { return Control{Type: ControlRun, Job: &j, JobID: j.ID} }
func Cancel(jobID int64) Control { return Control{Type: ControlCancel, JobID: jobID} }
func Terminate() Control         { return Control{Type: ControlTerminate} }
func Report() Control            { return Control{Type: ControlReport} }

func Ready(session string, port int) Message {
	return Message{Type: MessageReady, SessionID: session, AppiumPort: port}
}

func Log(line string) Message { return Message{Type: MessageLog, Line: line} }

// MaxLine bounds a single protocol line.
const MaxLine = 1 << 20

var ErrUnknownType = errors.New("protocol: unknown message type")

// Writer serializes values as one JSON document per line. Safe for
// concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc}
}

func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

// NewScanner returns a line scanner sized for protocol lines.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLine)
	return sc
}

// ParseMessage decodes a worker stdout line. ok is false when the line is
// not a protocol message and should be forwarded as log output.
func ParseMessage(line []byte) (Message, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, false
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return Message{}, false
	}
	switch m.Type {
	case MessageReady, MessageLog, MessageDone, MessageReport:
		return m, true
	}
	return Message{}, false
}

// ParseControl decodes an orchestrator control line.
func ParseControl(line []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(bytes.TrimSpace(line), &c); err != nil {
		return Control{}, fmt.Errorf("protocol: %w", err)
	}
	switch c.Type {
	case ControlRun:
		if c.Job == nil {
			return Control{}, fmt.Errorf("protocol: run without job")
		}
	case ControlCancel, ControlTerminate, ControlReport:
	default:
		return Control{}, fmt.Errorf("%w %q", ErrUnknownType, c.Type)
	}
	return c, nil
}
