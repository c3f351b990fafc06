// Package main is the entry point for the executor process. The executor
// owns every broker session on one goroutine: it consumes canonical orders
// and cancellation commands from the bus, places them through the broker
// adapters, folds fills into the position book and publishes confirmations
// and account snapshots. Scheduled work (account polling, backups,
// maintenance sweeps) runs through the same goroutine where it touches a
// broker.
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

// subscription names this process's durable claim on its topics.
const subscription = "executor"

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
	log = log.With().Str("process", "executor").Logger()

	log.Info().
		Str("environment", cfg.Environment).
		Bool("mock_brokers", cfg.MockBrokers).
		Bool("live_trading", cfg.LiveTrading).
		Msg("Starting executor")

	container, err := di.BuildExecutor(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	// Two contexts: subscribers stop first so nothing new is enqueued,
	// then the dispatcher drains its queue and disconnects the brokers.
	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	defer dispatchCancel()

	dispatcherDone := make(chan struct{})
	go func() {
		container.Dispatcher.Run(dispatchCtx)
		close(dispatcherDone)
	}()

	err = container.Bus.Subscribe(subCtx, bus.TopicTradingOrders, subscription, func(msg *bus.Message) error {
		return container.Dispatcher.HandleOrderMessage(msg.Payload)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to trading orders")
	}
	err = container.Bus.Subscribe(subCtx, bus.TopicOrderCommands, subscription, func(msg *bus.Message) error {
		return container.Dispatcher.HandleCommandMessage(msg.Payload)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to order commands")
	}

	go func() {
		if err := container.Server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Ops server failed")
		}
	}()
	log.Info().Int("port", cfg.OpsPort).Msg("Ops server started")

	if container.Stream != nil {
		if err := container.Stream.Start(); err != nil {
			log.Warn().Err(err).Msg("IBKR order stream unavailable, relying on order polling")
		}
	}

	container.Scheduler.Start()

	// Prime the account snapshots instead of waiting a full poll interval.
	go func() {
		if err := container.Scheduler.RunNow(container.Poller); err != nil {
			log.Warn().Err(err).Msg("Initial account poll failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutdown signal received")

	// Ordered shutdown: stop scheduled work, stop the subscribers, let the
	// dispatcher drain and disconnect, then take down the ops server.
	container.Scheduler.Stop()
	subCancel()
	if container.Stream != nil {
		if err := container.Stream.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop IBKR order stream")
		}
	}
	dispatchCancel()

	select {
	case <-dispatcherDone:
	case <-time.After(30 * time.Second):
		log.Error().Msg("Dispatcher did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ops server forced to shutdown")
	}

	container.Close()
	log.Info().Msg("Executor stopped")
}
