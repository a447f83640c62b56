// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// vidurai-daemon is the event capture daemon. It listens on a
// per-user Unix socket for producer events, stabilizes the stream,
// and archives it through the two-tier store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vidurai-project/vidurai/daemon"
	"github.com/vidurai-project/vidurai/lib/config"
	"github.com/vidurai-project/vidurai/lib/version"
)

func main() {
	configPath := flag.String("config", "", "path to vidurai.yaml (default: $VIDURAI_CONFIG, then built-in defaults)")
	socketPath := flag.String("socket", "", "override the IPC socket path")
	dataDir := flag.String("data-dir", "", "override the storage base directory")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vidurai-daemon %s\n", version.Info())
		return
	}

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.IPC.SocketPath = *socketPath
	}
	if *dataDir != "" {
		cfg.Storage.BaseDir = *dataDir
	}

	instance, err := daemon.New(cfg, logger, nil)
	if err != nil {
		logger.Error("starting daemon failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("vidurai-daemon starting", "version", version.Info())
	if err := instance.Run(ctx); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration source: explicit flag, then
// VIDURAI_CONFIG, then built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("VIDURAI_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn, or error)", name)
	}
}
