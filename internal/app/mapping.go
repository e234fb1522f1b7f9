package app

import (
	"uirunner/internal/config"
	"uirunner/internal/pool"
	"uirunner/internal/scheduler"
	"uirunner/internal/transport/ws"
	"uirunner/internal/workspace"
	"uirunner/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerSettings(s config.Settings) scheduler.Settings {
	return scheduler.Settings{
		MaxWorkers:       s.MaxWorkers,
		CrashRetryMax:    s.CrashRetryMax,
		StuckAfter:       s.StuckAfter,
		CancelGrace:      s.CancelGrace,
		TerminateGrace:   s.TerminateGrace,
		LaunchRetryDelay: s.LaunchRetryDelay,
	}
}

func mapLauncher(s config.Settings, log logx.Logger) *pool.ProcessLauncher {
	return &pool.ProcessLauncher{
		Command:        s.WorkerCommand,
		Env:            s.WorkerEnv,
		Dir:            s.WorkerDir,
		BasePort:       s.AppiumBasePort,
		StartTimeout:   s.StartTimeout,
		TerminateGrace: s.TerminateGrace,
		TestCommand:    s.TestCommand,
		ReportCommand:  s.ReportCommand,
		PTY:            s.PTY,
		Log:            log,
	}
}

func mapHubConfig(s config.Settings) ws.Config {
	return ws.Config{
		AllowedOrigins:    s.AllowedOrigins,
		WriteTimeout:      s.WriteTimeout,
		PingInterval:      s.PingInterval,
		SendBuffer:        s.SendBuffer,
		CommandRatePerSec: s.CommandRatePerSec,
		CommandBurst:      s.CommandBurst,
	}
}

func mapWorkspaceConfig(cfg *Config, s config.Settings) workspace.Config {
	return workspace.Config{
		Dir:     cfg.Workspace.Dir,
		Prepare: cfg.Workspace.Prepare,
		Commit:  cfg.Workspace.Commit,
		Push:    cfg.Workspace.Push,
		Timeout: s.WorkspaceTimeout,
	}
}
