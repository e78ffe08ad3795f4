// Package main provides the rx desk API service entry point.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/api"
	"github.com/drfirst/rxdesk/internal/api/handlers"
	"github.com/drfirst/rxdesk/internal/auth"
	"github.com/drfirst/rxdesk/internal/config"
	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/infrastructure/memstore"
	"github.com/drfirst/rxdesk/internal/infrastructure/postgres"
	"github.com/drfirst/rxdesk/internal/infrastructure/redpanda"
	"github.com/drfirst/rxdesk/internal/logging"
	"github.com/drfirst/rxdesk/internal/observability/metrics"
	"github.com/drfirst/rxdesk/internal/observability/tracing"
	"github.com/drfirst/rxdesk/internal/service"
	"github.com/drfirst/rxdesk/internal/store"
)

const serviceName = "rx-api"

var version = "dev"

// devSecret signs tokens in development when JWT_SECRET is unset.
const devSecret = "rxdesk-development-secret"

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
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("service", serviceName), zap.String("version", version))

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
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	opts := service.Options{
		Logger:       logger,
		Metrics:      m,
		Risk:         catalog.RiskPolicy{LowStockLimit: cfg.LowStockLimit, NearExpiryDays: cfg.NearExpiryDays},
		ConsumeStock: cfg.FulfillConsumesStock,
	}
	secret := cfg.JWTSecret
	if secret == "" {
		logger.Warn("JWT_SECRET unset, using the development signing secret")
		secret = devSecret
	}

	router := api.NewRouter(api.Services{
		Prescriptions: service.NewPrescriptions(st, opts),
		Inbox:         service.NewInbox(st, opts),
		Decisions:     service.NewDecisions(st, opts),
		Catalog:       service.NewCatalog(st, opts),
	}, api.RouterConfig{
		ServiceName: serviceName,
		Tokens:      auth.NewTokenManager(secret, cfg.JWTIssuer),
		CORSOrigins: cfg.CORSOrigins,
		Health:      handlers.NewHealthHandler(serviceName, version, map[string]handlers.Pinger{"store": st}, logger),
		Metrics:     metrics.Handler(reg),
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting rx API", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		return memstore.New(), func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return postgres.New(pool, redpanda.TopicPrescriptionEvents, logger), pool.Close, nil
}
