// Package main provides the notifier service entry point. It consumes
// prescription lifecycle events and delivers patient notifications.
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
	"github.com/drfirst/rxdesk/internal/notify"
	"github.com/drfirst/rxdesk/internal/observability/metrics"
	"github.com/drfirst/rxdesk/internal/observability/tracing"
	"github.com/drfirst/rxdesk/pkg/circuitbreaker"
	"github.com/drfirst/rxdesk/pkg/idempotency"
	"github.com/drfirst/rxdesk/pkg/workerpool"
)

const serviceName = "notifier"

var version = "dev"

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
	if cfg.NotifyWebhookURL == "" {
		return errors.New("NOTIFY_WEBHOOK_URL is required")
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

	checks := map[string]handlers.Pinger{}
	var inboxStore idempotency.Store
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("using the in-memory idempotency store; duplicates are only suppressed per process")
		inboxStore = idempotency.NewMemoryStore(nil)
	} else {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		inboxStore = idempotency.NewPGStore(pool)
		checks["database"] = pool
	}
	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.IsTerminal = workerpool.IsPermanent
	inbox := idempotency.NewInbox(inboxStore, inboxCfg, logger)

	hook, err := notify.NewWebhook(notify.WebhookConfig{
		URL:     cfg.NotifyWebhookURL,
		Timeout: 10 * time.Second,
		Breaker: circuitbreaker.DefaultConfig("notify-webhook"),
	}, m, logger)
	if err != nil {
		return err
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.NotifyWorkers
	dispatcher, err := notify.NewDispatcher(hook, inbox, poolCfg, m, logger)
	if err != nil {
		return err
	}
	checks["workers"] = dispatcher

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.KafkaGroup
	consumer, err := redpanda.NewConsumer(consumerCfg, dispatcher.Handle, m, logger)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	r := chi.NewRouter()
	health := handlers.NewHealthHandler(serviceName, version, checks, logger)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		inbox.RunCleanup(gctx)
		return nil
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
		return errors.Join(server.Shutdown(sctx), dispatcher.Stop(sctx))
	})

	logger.Info("notifier running",
		zap.String("group", cfg.KafkaGroup),
		zap.Int("workers", poolCfg.Workers))
	err = g.Wait()
	logger.Info("notifier stopped")
	return err
}
