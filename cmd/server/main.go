package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/app"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/logger"
	"github.com/rl1809/stock-reservation/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l := logger.New(logger.Config{}, "inventory-service")
		l.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg.Log, cfg.Service.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("service stopped with error")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("service stopped")
}

// run starts tracing and the service and blocks until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	shutdownTracing, err := tracing.InitTracerProvider(ctx, cfg.Service.Name, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error().Err(err).Msg("failed to flush traces")
		}
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close connections")
		}
		log.Info().Msg("connections closed")
	}()

	log.Info().
		Str("store", cfg.Store.Driver).
		Str("broker", cfg.Broker.Driver).
		Msg("inventory service starting")

	return a.Run(ctx)
}
