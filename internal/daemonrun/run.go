// Package daemonrun hosts the plexbot daemon process runtime: logging setup,
// pid file management, signal handling and daemon lifecycle.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"plexbot/internal/bot"
	"plexbot/internal/config"
	"plexbot/internal/daemon"
	"plexbot/internal/deps"
	"plexbot/internal/logging"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the plexbot daemon runtime loop and blocks until a termination
// signal arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("plexbot-%s.log", runID))

	level := opts.LogLevel
	if level == "" {
		level = cfg.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.LogFormat,
		OutputPaths: []string{"stdout", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(logger, cfg)
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update plexbot.log link: %v\n", err)
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "plexbot.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	api, err := bot.Connect(cfg)
	if err != nil {
		logger.Error("telegram authentication failed", logging.Error(err))
		return fmt.Errorf("connect telegram: %w", err)
	}

	d, err := daemon.New(cfg, logger, api)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	<-signalCtx.Done()
	logger.Info("plexbot daemon shutting down")
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "plexbot.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("dependency snapshot",
		logging.Bool("telegram_token_present", strings.TrimSpace(cfg.Telegram.Token) != ""),
		logging.Bool("tmdb_key_present", strings.TrimSpace(cfg.TMDB.APIKey) != ""),
		logging.Int("workers", cfg.Downloader.Workers),
	)
	statuses := deps.CheckBinaries(deps.Requirements(cfg))
	for _, status := range statuses {
		logger.Info("external tool",
			logging.String("name", status.Name),
			logging.String("command", status.Command),
			logging.Bool("available", status.Available),
			logging.Bool("optional", status.Optional),
			logging.String("detail", status.Detail),
		)
	}
	if missing := deps.MissingRequired(statuses); len(missing) > 0 {
		logger.Warn("required tools missing; downloads will fail until installed",
			logging.String("tools", strings.Join(missing, ", ")))
	}
}
