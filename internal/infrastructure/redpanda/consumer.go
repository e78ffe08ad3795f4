package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/observability/metrics"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers           []string
	GroupID           string
	Topics            []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxPollRecords    int
	// StartOffset is "earliest" or "latest" for a group without commits.
	StartOffset string
}

// DefaultConsumerConfig returns defaults for the notifier group.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "rxdesk-notifier",
		Topics:            []string{TopicPrescriptionEvents},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxPollRecords:    100,
		StartOffset:       "earliest",
	}
}

// Message is a consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
	// Context carries the producer's trace context.
	Context context.Context
}

// BatchHandler processes one poll worth of messages. Offsets are committed
// only after it returns nil; an error leaves the batch for redelivery.
type BatchHandler func(ctx context.Context, msgs []*Message) error

// Consumer reads a topic as part of a consumer group with manual commits.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	handler BatchHandler
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	read     int64
	failures int64
}

// NewConsumer creates a consumer. m may be nil.
func NewConsumer(cfg ConsumerConfig, handler BatchHandler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultConsumerConfig().MaxPollRecords
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.HeartbeatInterval > 0 {
		opts = append(opts, kgo.HeartbeatInterval(cfg.HeartbeatInterval))
	}
	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}
	opts = append(opts,
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
	}, nil
}

// Run polls until ctx is cancelled, then leaves the group.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()

	for {
		fetches := c.client.PollRecords(ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		for _, ferr := range fetches.Errors() {
			if errors.Is(ferr.Err, context.Canceled) {
				return nil
			}
			c.logger.Error("fetch error",
				zap.String("topic", ferr.Topic),
				zap.Int32("partition", ferr.Partition),
				zap.Error(ferr.Err))
		}

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		if err := c.process(ctx, records); err != nil {
			atomic.AddInt64(&c.failures, 1)
			c.logger.Error("batch handler failed", zap.Int("records", len(records)), zap.Error(err))
			// Rewind so the batch is fetched again.
			c.rewind(records)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.client.CommitRecords(ctx, records...); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
}

func (c *Consumer) process(ctx context.Context, records []*kgo.Record) error {
	ctx, span := c.tracer.Start(ctx, "process_batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("records", len(records))))
	defer span.End()

	msgs := make([]*Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, toMessage(ctx, r))
		atomic.AddInt64(&c.read, 1)
		c.metrics.MessageConsumed()
	}
	if err := c.handler(ctx, msgs); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// rewind seeks each partition back to the first offset of the failed batch.
func (c *Consumer) rewind(records []*kgo.Record) {
	first := make(map[string]map[int32]kgo.EpochOffset)
	for _, r := range records {
		parts := first[r.Topic]
		if parts == nil {
			parts = make(map[int32]kgo.EpochOffset)
			first[r.Topic] = parts
		}
		if cur, ok := parts[r.Partition]; !ok || r.Offset < cur.Offset {
			parts[r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
		}
	}
	c.client.SetOffsets(first)
}

func toMessage(ctx context.Context, r *kgo.Record) *Message {
	msg := &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
		Context:   extractTraceContext(ctx, r),
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead  int64
	BatchFailures int64
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesRead:  atomic.LoadInt64(&c.read),
		BatchFailures: atomic.LoadInt64(&c.failures),
	}
}
