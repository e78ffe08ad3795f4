// Package main provides the outbox relay service entry point. It publishes
// committed lifecycle events to the prescription events topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/rxdesk/internal/api/handlers"
	"github.com/drfirst/rxdesk/internal/config"
	"github.com/drfirst/rxdesk/internal/infrastructure/postgres"
	"github.com/drfirst/rxdesk/internal/infrastructure/redpanda"
	"github.com/drfirst/rxdesk/internal/logging"
	"github.com/drfirst/rxdesk/internal/observability/metrics"
	"github.com/drfirst/rxdesk/internal/observability/tracing"
)

const serviceName = "outbox-relay"

var version = "dev"

// processedRetention is how long published entries stay in the outbox.
const processedRetention = 7 * 24 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("service", serviceName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		admin.Close()
		return fmt.Errorf("ensure topics: %w", err)
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outboxCfg.DeadLetterTopic = redpanda.TopicPrescriptionEventsDLQ
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)

	r := chi.NewRouter()
	health := handlers.NewHealthHandler(serviceName, version, map[string]handlers.Pinger{
		"database": pool,
		"broker":   producer,
	}, logger)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return outbox.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := outbox.CleanupProcessed(gctx, processedRetention)
				if err != nil {
					logger.Error("outbox cleanup failed", zap.Error(err))
					continue
				}
				logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	logger.Info("outbox relay running", zap.String("port", cfg.Port))
	err = g.Wait()
	logger.Info("outbox relay stopped")
	return err
}
