// Package main is the entry point for the cerebro process. Cerebro
// consumes standardized signals, decides what to do with each one
// (idempotency gate, strategy and allocation resolution, per-fund sizing,
// margin checks), and emits PENDING orders on the trading-orders topic
// with the full decision recorded in the signal store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/conductor/internal/bus"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/di"
	"github.com/aristath/conductor/pkg/logger"
)

// subscription names this process's durable claim on its topic.
const subscription = "cerebro"

// processTimeout bounds one signal end to end. It has to cover a margin
// preview per candidate account, so it is generous.
const processTimeout = 2 * time.Minute

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
	log = log.With().Str("process", "cerebro").Logger()

	log.Info().Str("environment", cfg.Environment).Msg("Starting cerebro")

	container, err := di.BuildCerebro(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = container.Bus.Subscribe(ctx, bus.TopicStandardizedSignals, subscription, func(msg *bus.Message) error {
		hctx, hcancel := context.WithTimeout(ctx, processTimeout)
		defer hcancel()
		return container.Engine.HandleMessage(hctx, msg.Payload)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to standardized signals")
	}

	go func() {
		if err := container.Server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Ops server failed")
		}
	}()
	log.Info().Int("port", cfg.OpsPort).Msg("Ops server started")

	container.Scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutdown signal received")

	container.Scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ops server forced to shutdown")
	}

	container.Close()
	log.Info().Msg("Cerebro stopped")
}
