// Nudge - behavioral intervention engine for personal finance apps
package main

import (
	"context"
	"os"

	"github.com/mbd888/nudge/internal/config"
	"github.com/mbd888/nudge/internal/logging"
	"github.com/mbd888/nudge/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting nudge",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Switch to the configured level and format now that we have them
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"tick_interval", cfg.TickInterval,
		"thresholds_file", cfg.ThresholdsFile,
		"redis", cfg.RedisURL != "",
		"stripe", cfg.StripeSecretKey != "",
	)

	server.Version = Version

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
