package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/app"
	"github.com/ternarybob/formrunner/internal/common"
	"github.com/ternarybob/formrunner/internal/server"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process commands from stdin (default)",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	if len(configFiles) == 0 {
		if _, err := os.Stat("formrunner.toml"); err == nil {
			configFiles = append(configFiles, "formrunner.toml")
		} else if _, err := os.Stat("deployments/local/formrunner.toml"); err == nil {
			// Fallback for running from the project root
			configFiles = append(configFiles, "deployments/local/formrunner.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Error().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		return err
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost, headless)

	logger := common.InitLogger(config)
	logger.Info().
		Str("version", common.GetVersion()).
		Str("environment", config.Environment).
		Bool("production", config.IsProduction()).
		Strs("config_files", configFiles).
		Str("log_level", config.Logging.Level).
		Bool("headless", config.Browser.Headless).
		Msg("Application configuration loaded")

	// stdout is the event and response stream
	application, err := app.New(config, logger, os.Stdout)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return err
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(application.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *server.Server
	if config.Server.Enabled {
		srv = server.New(application)
		common.SafeGo(logger, "httpServer", func() {
			if err := srv.Start(); err != nil {
				logger.Error().Err(err).Msg("Server failed")
			}
		})
		logger.Info().
			Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
			Msg("HTTP API ready")
	}

	runErr := application.Processor.Run(ctx, os.Stdin)
	if runErr != nil && ctx.Err() != nil {
		logger.Info().Msg("Interrupt signal received")
		runErr = nil
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Server shutdown failed")
		}
	}

	logger.Info().Msg("Worker stopped")
	return runErr
}
