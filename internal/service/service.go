// Package service implements the prescription desk use cases on top of a
// transactional store. Every operation takes the calling principal
// explicitly and returns the entity it changed.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/auth"
	"github.com/drfirst/rxdesk/internal/domain"
	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
	"github.com/drfirst/rxdesk/internal/logging"
	"github.com/drfirst/rxdesk/internal/observability/metrics"
	"github.com/drfirst/rxdesk/internal/store"
)

// Options configures the services. Zero values get sensible defaults, except
// ConsumeStock which callers set from configuration.
type Options struct {
	Now          func() time.Time
	NewID        func() string
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Risk         catalog.RiskPolicy
	ConsumeStock bool
}

type base struct {
	store   store.Store
	now     func() time.Time
	newID   func() string
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func newBase(st store.Store, opts Options, name string) base {
	b := base{
		store:   st,
		now:     opts.Now,
		newID:   opts.NewID,
		logger:  logging.OrNop(opts.Logger).Named(name),
		metrics: opts.Metrics,
		tracer:  otel.Tracer("rxdesk/service/" + name),
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.newID == nil {
		b.newID = func() string { return uuid.New().String() }
	}
	return b
}

// fail converts a store failure into a StoreError and logs it. Domain errors
// pass through unchanged.
func (b base) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := domain.Store(op, err)
	if domain.KindOf(wrapped) == domain.KindStore {
		b.logger.Error("store failure", zap.String("op", op), zap.Error(err))
	}
	return wrapped
}

// emit appends a lifecycle event for p to the outbox of tx.
func (b base) emit(ctx context.Context, tx store.Tx, who auth.Principal, t prescription.EventType, p *prescription.Prescription, from prescription.Status) error {
	e, err := prescription.NewEvent(t, p, from, b.now())
	if err != nil {
		return err
	}
	e.WithActor(who.UserID, string(who.Role))
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		e.WithCorrelation(sc.TraceID().String())
	}
	return tx.AppendOutbox(ctx, e)
}

func (b base) logTransition(p prescription.Prescription, from prescription.Status, who auth.Principal) {
	b.logger.Info("prescription transition",
		zap.String("prescription_id", p.ID),
		zap.String("from", string(from)),
		zap.String("to", string(p.Status)),
		zap.String("actor", who.UserID),
		zap.String("role", string(who.Role)),
	)
}

// conflict builds the error for a compare-and-set write that matched no row.
func conflict(ctx context.Context, tx store.Tx, id string, a prescription.Action) error {
	cur, err := tx.GetPrescription(ctx, id)
	if err != nil {
		return err
	}
	if _, err := prescription.Next(cur.Status, a); err != nil {
		return err
	}
	return &prescription.DecisionConflictError{Current: cur.Status}
}
