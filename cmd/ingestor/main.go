// Package main is the entry point for the ingestor process. The ingestor
// tails the raw signal store, normalizes every appended row into the
// canonical signal schema and publishes it on the standardized-signals
// topic, at least once. It also serves the ops HTTP API that accepts
// externally submitted raw signals.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/di"
	"github.com/aristath/conductor/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		File:   cfg.LogFile,
	})
	log = log.With().Str("process", "ingestor").Logger()

	log.Info().Str("environment", cfg.Environment).Msg("Starting ingestor")

	container, err := di.BuildIngestor(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The tailer only returns with an error when the raw store stayed
	// unreachable through every backoff attempt; that is a restart.
	tailerErr := make(chan error, 1)
	go func() {
		tailerErr <- container.Tailer.Run(ctx)
	}()

	go func() {
		if err := container.Server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Ops server failed")
		}
	}()
	log.Info().Int("port", cfg.OpsPort).Msg("Ops server started")

	container.Scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		log.Info().Msg("Shutdown signal received")
	case err := <-tailerErr:
		if err != nil {
			log.Error().Err(err).Msg("Tailer failed, shutting down for restart")
			exitCode = 1
		}
	}

	container.Scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ops server forced to shutdown")
	}

	container.Close()
	log.Info().Msg("Ingestor stopped")
	os.Exit(exitCode)
}
