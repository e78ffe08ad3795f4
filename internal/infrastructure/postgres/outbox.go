package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/domain/prescription"
	"github.com/drfirst/rxdesk/internal/observability/metrics"
)

// OutboxEntry is a lifecycle event waiting to be published.
type OutboxEntry struct {
	ID            int64
	EventID       string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// AppendOutbox writes e in the caller's transaction, keyed by prescription
// id so every event of one prescription lands on the same partition.
func (t *tx) AppendOutbox(ctx context.Context, e *prescription.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal outbox event: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO outbox (event_id, aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.AggregateID, e.AggregateType, string(e.EventType), payload, t.eventsTopic, e.AggregateID, e.Timestamp)
	if err != nil {
		return classify("append outbox", "event", e.ID, err)
	}
	return nil
}

// OutboxConfig tunes the relay.
type OutboxConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxRetries      int
	DeadLetterTopic string
	// LockID is the advisory lock that keeps relays from publishing the
	// same batch twice.
	LockID int64
}

// DefaultOutboxConfig returns the relay defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "prescription.events.dlq",
		LockID:          7310001,
	}
}

// OutboxPublisher delivers one record to the broker.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed outbox rows to the broker.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewOutbox creates a relay. m may be nil.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	if cfg.LockID == 0 {
		cfg.LockID = def.LockID
	}
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// Run polls until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) error {
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := o.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
			if _, err := o.MoveToDeadLetter(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("outbox dead letter sweep failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes up to BatchSize pending entries in creation order
// and reports how many were published. It returns zero without error when
// another relay holds the advisory lock.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	published := 0
	err := o.inLockedTx(ctx, func(tx pgx.Tx) error {
		entries, err := fetchEntries(ctx, tx, `
			SELECT id, event_id, aggregate_id, aggregate_type, event_type, payload,
			       kafka_topic, kafka_key, created_at, retry_count, last_error
			FROM outbox
			WHERE processed_at IS NULL AND retry_count < $1
			ORDER BY id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, o.config.MaxRetries, o.config.BatchSize)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("batch_size", len(entries)))

		for _, entry := range entries {
			if err := o.processEntry(ctx, tx, entry); err != nil {
				o.logger.Warn("outbox publish failed",
					zap.Int64("id", entry.ID),
					zap.String("event_type", entry.EventType),
					zap.Int("retry_count", entry.RetryCount+1),
					zap.Error(err))
				// Later events of the same prescription stay behind this one.
				break
			}
			published++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return published, err
	}
	o.metrics.Outbox(o.pending(ctx), published, 0)
	return published, nil
}

// inLockedTx runs fn in a transaction holding the relay's advisory lock.
// fn is skipped when the lock is taken.
func (o *Outbox) inLockedTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outbox transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", o.config.LockID).Scan(&acquired); err != nil {
		return fmt.Errorf("acquire outbox lock: %w", err)
	}
	if !acquired {
		return nil
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func fetchEntries(ctx context.Context, tx pgx.Tx, sql string, args ...any) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.EventID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		if _, uerr := tx.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); uerr != nil {
			o.logger.Error("failed to record outbox retry", zap.Error(uerr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}

	o.logger.Debug("outbox entry published",
		zap.Int64("id", entry.ID),
		zap.String("event_id", entry.EventID),
		zap.String("topic", entry.Topic))
	return nil
}

// deadLetter is the envelope published for entries that exhausted retries.
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int, error) {
	moved := 0
	err := o.inLockedTx(ctx, func(tx pgx.Tx) error {
		entries, err := fetchEntries(ctx, tx, `
			SELECT id, event_id, aggregate_id, aggregate_type, event_type, payload,
			       kafka_topic, kafka_key, created_at, retry_count, last_error
			FROM outbox
			WHERE processed_at IS NULL AND retry_count >= $1
			ORDER BY id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, o.config.MaxRetries, o.config.BatchSize)
		if err != nil {
			return err
		}
		for _, e := range entries {
			body, err := json.Marshal(deadLetter{
				OriginalTopic: e.Topic,
				EventID:       e.EventID,
				EventType:     e.EventType,
				AggregateID:   e.AggregateID,
				Payload:       e.Payload,
				RetryCount:    e.RetryCount,
				LastError:     e.LastError,
				CreatedAt:     e.CreatedAt,
			})
			if err != nil {
				return fmt.Errorf("marshal dead letter: %w", err)
			}
			if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, e.Key, body); err != nil {
				o.logger.Error("failed to publish dead letter", zap.Int64("id", e.ID), zap.Error(err))
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), dead_lettered = TRUE, updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
				return fmt.Errorf("mark dead letter: %w", err)
			}
			moved++
		}
		return nil
	})
	if moved > 0 {
		o.logger.Warn("outbox entries dead-lettered", zap.Int("count", moved))
		o.metrics.Outbox(o.pending(ctx), 0, moved)
	}
	return moved, err
}

// CleanupProcessed deletes entries published more than olderThan ago.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the outbox table.
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Processed     int64      `json:"processed24h"`
	DeadLettered  int64      `json:"deadLettered"`
	Failing       int64      `json:"failing"`
	OldestPending *time.Time `json:"oldestPending,omitempty"`
}

// Stats reads the current outbox counters.
func (o *Outbox) Stats(ctx context.Context) (OutboxStats, error) {
	var st OutboxStats
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE dead_lettered),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.config.MaxRetries).Scan(&st.Pending, &st.Processed, &st.DeadLettered, &st.Failing, &st.OldestPending)
	if err != nil {
		return OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return st, nil
}

func (o *Outbox) pending(ctx context.Context) int64 {
	var n int64
	if err := o.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`).Scan(&n); err != nil {
		o.logger.Debug("outbox pending count failed", zap.Error(err))
	}
	return n
}
