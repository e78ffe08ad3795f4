// Package postgres implements the rxdesk store, transactional outbox and
// schema migrations on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/store"
)

// queryable is satisfied by both the pool and a transaction.
type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store runs units of work against a pgx pool.
type Store struct {
	pool        *pgxpool.Pool
	eventsTopic string
	logger      *zap.Logger
	tracer      trace.Tracer
}

// New creates a Store. Outbox rows are addressed to eventsTopic.
func New(pool *pgxpool.Pool, eventsTopic string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:        pool,
		eventsTopic: eventsTopic,
		logger:      logger,
		tracer:      otel.Tracer("postgres"),
	}
}

var _ store.Store = (*Store)(nil)

// RunInTx runs fn in a read committed transaction. Row locks taken through
// LockPrescription and LockBatches are held until commit or rollback.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.run(ctx, "postgres_tx", pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

// View runs fn in a repeatable read, read-only transaction so every query
// sees the same snapshot.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.run(ctx, "postgres_view", pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (s *Store) run(ctx context.Context, span string, opts pgx.TxOptions, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, sp := s.tracer.Start(ctx, span)
	defer sp.End()

	pgTx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := pgTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(ctx, &tx{q: pgTx, eventsTopic: s.eventsTopic}); err != nil {
		sp.RecordError(err)
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping checks the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying pool for the outbox relay and migrator.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

type tx struct {
	q           queryable
	eventsTopic string
}

var _ store.Tx = (*tx)(nil)
