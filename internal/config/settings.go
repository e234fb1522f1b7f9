package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Settings is the effective, typed configuration after defaults are applied.
type Settings struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	AllowedOrigins    []string

	MaxWorkers     int
	CrashRetryMax  int
	StuckAfter     time.Duration
	CancelGrace    time.Duration
	TerminateGrace time.Duration
	Housekeeping   string

	LaunchRetryDelay time.Duration

	WorkerCommand  []string
	WorkerEnv      map[string]string
	WorkerDir      string
	AppiumBasePort int
	StartTimeout   time.Duration
	TestCommand    []string
	ReportCommand  []string
	PTY            bool

	WorkspaceTimeout time.Duration

	WriteTimeout      time.Duration
	PingInterval      time.Duration
	SendBuffer        int
	CommandRatePerSec int
	CommandBurst      int

	StorageDriver      string
	StoragePath        string
	StorageBusyTimeout time.Duration
}

// HousekeepingParser accepts 5/6-field cron specs and descriptors such as "@every 30s".
var HousekeepingParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Resolve validates cfg and applies defaults.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var (
		s   Settings
		err error
	)

	s.Addr = strings.TrimSpace(cfg.Server.Addr)
	if s.Addr == "" {
		s.Addr = ":8080"
	}
	if s.ReadHeaderTimeout, err = ParseDurationOrDefault("server.read_header_timeout", cfg.Server.ReadHeaderTimeout, 5*time.Second); err != nil {
		return Settings{}, err
	}
	s.AllowedOrigins = cfg.Server.AllowedOrigins

	sc := cfg.Scheduler
	if sc.MaxWorkers < 0 {
		return Settings{}, fmt.Errorf("scheduler.max_workers must be >= 0")
	}
	s.MaxWorkers = sc.MaxWorkers
	if s.MaxWorkers == 0 {
		s.MaxWorkers = 2
	}
	if sc.CrashRetryMax < 0 {
		return Settings{}, fmt.Errorf("scheduler.crash_retry_max must be >= 0")
	}
	s.CrashRetryMax = sc.CrashRetryMax
	if s.CrashRetryMax == 0 {
		s.CrashRetryMax = 1
	}
	if s.StuckAfter, err = ParseDurationOrDefault("scheduler.stuck_after", sc.StuckAfter, 10*time.Minute); err != nil {
		return Settings{}, err
	}
	if s.CancelGrace, err = ParseDurationOrDefault("scheduler.cancel_grace", sc.CancelGrace, 2*time.Minute); err != nil {
		return Settings{}, err
	}
	if s.TerminateGrace, err = ParseDurationOrDefault("scheduler.terminate_grace", sc.TerminateGrace, 30*time.Second); err != nil {
		return Settings{}, err
	}
	if s.LaunchRetryDelay, err = ParseDurationOrDefault("scheduler.launch_retry_delay", sc.LaunchRetryDelay, 2*time.Second); err != nil {
		return Settings{}, err
	}
	s.Housekeeping = strings.TrimSpace(sc.Housekeeping)
	if s.Housekeeping == "" {
		s.Housekeeping = "@every 30s"
	}
	if _, err := HousekeepingParser.Parse(s.Housekeeping); err != nil {
		return Settings{}, fmt.Errorf("scheduler.housekeeping: invalid spec %q: %w", s.Housekeeping, err)
	}

	wc := cfg.Worker
	if len(wc.Command) == 0 || strings.TrimSpace(wc.Command[0]) == "" {
		return Settings{}, fmt.Errorf("worker.command is required")
	}
	if len(wc.TestCommand) == 0 {
		return Settings{}, fmt.Errorf("worker.test_command is required")
	}
	s.WorkerCommand = wc.Command
	s.WorkerEnv = wc.Env
	s.WorkerDir = wc.Dir
	s.AppiumBasePort = wc.AppiumBasePort
	if s.AppiumBasePort == 0 {
		s.AppiumBasePort = 4723
	}
	if s.StartTimeout, err = ParseDurationOrDefault("worker.start_timeout", wc.StartTimeout, 2*time.Minute); err != nil {
		return Settings{}, err
	}
	s.TestCommand = wc.TestCommand
	s.ReportCommand = wc.ReportCommand
	s.PTY = wc.PTY

	if s.WorkspaceTimeout, err = ParseDurationOrDefault("workspace.timeout", cfg.Workspace.Timeout, 10*time.Minute); err != nil {
		return Settings{}, err
	}

	ws := cfg.WebSocket
	if s.WriteTimeout, err = ParseDurationOrDefault("websocket.write_timeout", ws.WriteTimeout, 5*time.Second); err != nil {
		return Settings{}, err
	}
	if s.PingInterval, err = ParseDurationOrDefault("websocket.ping_interval", ws.PingInterval, 25*time.Second); err != nil {
		return Settings{}, err
	}
	s.SendBuffer = ws.SendBuffer
	if s.SendBuffer <= 0 {
		s.SendBuffer = 1024
	}
	s.CommandRatePerSec = ws.CommandRatePerSec
	if s.CommandRatePerSec <= 0 {
		s.CommandRatePerSec = 5
	}
	s.CommandBurst = ws.CommandBurst
	if s.CommandBurst <= 0 {
		s.CommandBurst = 10
	}

	if st := cfg.Storage; st != nil {
		s.StorageDriver = strings.ToLower(strings.TrimSpace(st.Driver))
		s.StoragePath = strings.TrimSpace(st.Path)
		if s.StorageBusyTimeout, err = ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return Settings{}, err
		}
		switch s.StorageDriver {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return Settings{}, fmt.Errorf("storage.driver: unknown driver %q", st.Driver)
		}
	}
	return s, nil
}
