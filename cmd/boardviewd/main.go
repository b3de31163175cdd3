// Command boardviewd runs the projection engine: it connects to Postgres,
// registers every read-model subscriber and keeps them caught up with the
// event log until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/aggregate"
	"github.com/nightjar-co/boardview/events"
	"github.com/nightjar-co/boardview/projections"
	"github.com/nightjar-co/boardview/views"
)

type config struct {
	DatabaseURL    string        `env:"DATABASE_URL,required"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT" envDefault:"10s"`
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"5"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"100"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "boardviewd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := boardview.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer store.Close()

	eventStore := events.New(store)

	sqlDB := stdlib.OpenDBFromPool(store.PgxPool())
	bunDB := bun.NewDB(sqlDB, pgdialect.New())
	defer bunDB.Close()

	resolver := aggregate.NewResolver(eventStore)
	registry := projections.NewRegistry()
	if _, err := views.Register(store, bunDB, registry, resolver); err != nil {
		return fmt.Errorf("register views: %w", err)
	}

	runner := projections.NewRunner(store, registry,
		projections.WithPollInterval(cfg.PollInterval),
		projections.WithRunnerLogger(log),
		projections.WithWorkerOptions(
			projections.WithBatchSize(cfg.BatchSize),
			projections.WithHandlerTimeout(cfg.HandlerTimeout),
			projections.WithMaxRetries(uint64(cfg.MaxRetries)),
			projections.WithLogger(log),
		),
	)

	log.WithField("subscribers", len(registry.Subscribers())).Info("boardviewd starting")
	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	log.Info("boardviewd stopped")
	return nil
}
