package config

// Config is the on-disk configuration of the uirunner server.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface at load/reload time.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Worker    WorkerConfig    `json:"worker"`
	Workspace WorkspaceConfig `json:"workspace,omitempty"`
	WebSocket WebSocketConfig `json:"websocket,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type ServerConfig struct {
	// Addr is the HTTP listen address (default ":8080").
	Addr              string `json:"addr"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	// AllowedOrigins restricts WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls queueing and the worker pool bound.
//
// Defaults (when fields are omitted/zero):
//   - max_workers: 2
//   - crash_retry_max: 1
//   - stuck_after: "10m"
//   - cancel_grace: "2m"
//   - terminate_grace: "30s"
//   - launch_retry_delay: "2s"
//   - housekeeping: "@every 30s"
type SchedulerConfig struct {
	MaxWorkers     int    `json:"max_workers"`
	CrashRetryMax  int    `json:"crash_retry_max,omitempty"`
	StuckAfter     string `json:"stuck_after,omitempty"`
	CancelGrace    string `json:"cancel_grace,omitempty"`
	TerminateGrace string `json:"terminate_grace,omitempty"`
	// LaunchRetryDelay spaces queue passes after a worker fails to start.
	LaunchRetryDelay string `json:"launch_retry_delay,omitempty"`
	// Housekeeping is a cron spec (descriptors like "@every 30s" allowed).
	Housekeeping string `json:"housekeeping,omitempty"`
}

// WorkerConfig describes how worker child processes are spawned.
//
// Command is the worker binary plus fixed leading args; the pool appends the
// slot binding flags. TestCommand and ReportCommand are handed to the worker
// after "--" and are expanded per job.
type WorkerConfig struct {
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env,omitempty"`
	Dir            string            `json:"dir,omitempty"`
	AppiumBasePort int               `json:"appium_base_port,omitempty"`
	StartTimeout   string            `json:"start_timeout,omitempty"`
	TestCommand    []string          `json:"test_command"`
	ReportCommand  []string          `json:"report_command,omitempty"`
	PTY            bool              `json:"pty,omitempty"`
}

// WorkspaceConfig maps workspace commands to argv templates.
// Placeholders {{.Branch}}, {{.Client}} and {{.Message}} are expanded.
type WorkspaceConfig struct {
	Dir     string   `json:"dir,omitempty"`
	Prepare []string `json:"prepare,omitempty"`
	Commit  []string `json:"commit,omitempty"`
	Push    []string `json:"push,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

type WebSocketConfig struct {
	WriteTimeout      string `json:"write_timeout,omitempty"`
	PingInterval      string `json:"ping_interval,omitempty"`
	SendBuffer        int    `json:"send_buffer,omitempty"`
	CommandRatePerSec int    `json:"command_rate_per_sec,omitempty"`
	CommandBurst      int    `json:"command_burst,omitempty"`
}

// StorageConfig controls the optional audit/history store.
//
// Example:
//
//	storage: { driver: file, path: ./data/uirunner }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// PprofConfig mounts net/http/pprof handlers under /debug on the main router.
type PprofConfig struct {
	Enabled bool `json:"enabled"`
}
