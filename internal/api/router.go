// Package api assembles the rx desk HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/api/handlers"
	"github.com/drfirst/rxdesk/internal/api/middleware"
	"github.com/drfirst/rxdesk/internal/logging"
	"github.com/drfirst/rxdesk/internal/service"
)

// Services are the use cases the API exposes.
type Services struct {
	Prescriptions *service.Prescriptions
	Inbox         *service.Inbox
	Decisions     *service.Decisions
	Catalog       *service.Catalog
}

// RouterConfig wires the router.
type RouterConfig struct {
	ServiceName string
	Tokens      middleware.TokenVerifier
	CORSOrigins []string
	Health      *handlers.HealthHandler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewRouter builds the chi router with the global middleware chain, the
// unauthenticated probes and the authenticated /api/v1 tree.
func NewRouter(svc Services, cfg RouterConfig) chi.Router {
	logger := logging.OrNop(cfg.Logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Health)
		r.Get("/ready", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(cfg.Tokens))
		r.Use(middleware.Identify)
		r.Mount("/prescriptions", handlers.NewPrescriptionHandler(svc.Prescriptions, logger).Routes())
		r.Mount("/pharmacy", handlers.NewPharmacyHandler(svc.Inbox, svc.Decisions, svc.Catalog, logger).Routes())
		r.Mount("/catalog", handlers.NewCatalogHandler(svc.Catalog, logger).Routes())
	})
	return r
}
