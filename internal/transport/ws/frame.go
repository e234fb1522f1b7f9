package ws

import (
	"encoding/json"
	"time"
)

// Server-only event types. The rest come from the scheduler verbatim.
const (
	EventInit          = "init"
	EventCommandResult = "command_result"
)

// Frame is the envelope for everything written to an observer.
type Frame struct {
	Event string    `json:"event"`
	Data  any       `json:"data,omitempty"`
	Time  time.Time `json:"ts"`
}

// inbound is a client command. ID is echoed back in the command_result.
type inbound struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CommandResult answers one command and is sent to the issuing observer only.
type CommandResult struct {
	Command   string `json:"command"`
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}
