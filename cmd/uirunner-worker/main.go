// Command uirunner-worker is launched by uirunner, one process per worker
// slot. It speaks JSON lines on stdin/stdout; stderr carries its own logs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"uirunner/internal/pool"
	"uirunner/internal/worker"
	"uirunner/pkg/logx"
)

func main() {
	var (
		cfg      worker.Config
		logLevel string
	)
	flag.IntVar(&cfg.Slot, "slot", 0, "worker slot id")
	flag.StringVar(&cfg.Branch, "branch", "", "test branch")
	flag.StringVar(&cfg.Client, "client", "", "client")
	flag.StringVar(&cfg.APK, "apk", "", "apk identifier")
	flag.StringVar(&cfg.APKSource, "apk-source", "registry", "apk source: registry or local")
	flag.StringVar(&cfg.Device, "device", "", "device serial")
	flag.BoolVar(&cfg.Persistent, "persistent", false, "keep the workspace between jobs")
	flag.IntVar(&cfg.AppiumPort, "appium-port", 4723, "appium server port")
	flag.StringVar(&cfg.Dir, "dir", "", "working directory for test commands")
	flag.DurationVar(&cfg.KillGrace, "kill-grace", 0, "grace period between interrupt and kill of a test command")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	log := logx.NewWriter(os.Stderr, logLevel).With(logx.String("comp", "worker"))

	var err error
	if cfg.TestCommand, err = commandFromEnv(pool.EnvTestCommand); err != nil {
		fail(err)
	}
	if cfg.ReportCommand, err = commandFromEnv(pool.EnvReportCommand); err != nil {
		fail(err)
	}
	cfg.PTY = os.Getenv(pool.EnvPTY) == "1"

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agent := worker.NewAgent(cfg, os.Stdout, log)
	if err := agent.Run(ctx, os.Stdin); err != nil {
		fail(err)
	}
}

func commandFromEnv(key string) ([]string, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return nil, nil
	}
	var argv []string
	if err := json.Unmarshal([]byte(raw), &argv); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return argv, nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "fatal:", err)
	os.Exit(1)
}
