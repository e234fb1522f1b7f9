package config

import (
	"reflect"
	"sort"
	"strings"

	logx "uirunner/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs, logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_workers", newCfg.Scheduler.MaxWorkers),
			logx.Int("scheduler.crash_retry_max", newCfg.Scheduler.CrashRetryMax),
			logx.String("scheduler.stuck_after", strings.TrimSpace(newCfg.Scheduler.StuckAfter)),
			logx.String("scheduler.housekeeping", strings.TrimSpace(newCfg.Scheduler.Housekeeping)),
		)
	}
	// Worker env may carry secrets; only report that it changed.
	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Int("worker.env_count", len(newCfg.Worker.Env)),
			logx.Bool("worker.pty", newCfg.Worker.PTY),
		)
	}
	if !reflect.DeepEqual(oldCfg.Workspace, newCfg.Workspace) {
		changed = append(changed, "workspace")
	}
	if oldCfg.WebSocket != newCfg.WebSocket {
		changed = append(changed, "websocket")
		attrs = append(attrs, logx.Int("websocket.command_rate_per_sec", newCfg.WebSocket.CommandRatePerSec))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs, logx.Bool("pprof.enabled", newCfg.Pprof.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "server", "worker", "storage", "pprof", "workspace":
			out = append(out, s)
		}
	}
	return out
}
