package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/infrastructure/redpanda"
	"github.com/drfirst/rxdesk/internal/logging"
	"github.com/drfirst/rxdesk/internal/observability/metrics"
	"github.com/drfirst/rxdesk/pkg/idempotency"
	"github.com/drfirst/rxdesk/pkg/workerpool"
)

// HandlerName keys the notifier's entries in the idempotency inbox.
const HandlerName = "notifier"

type delivery struct {
	n Notification
	// parent is the producer's trace context from the record headers.
	parent trace.SpanContext
}

// Dispatcher consumes lifecycle event batches, dedupes them by event id and
// fans decision events out to a bounded worker pool.
type Dispatcher struct {
	sender  Sender
	inbox   *idempotency.Inbox
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewDispatcher creates and starts the dispatcher's worker pool.
func NewDispatcher(sender Sender, inbox *idempotency.Inbox, poolCfg workerpool.Config, m *metrics.Metrics, logger *zap.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		sender:  sender,
		inbox:   inbox,
		metrics: m,
		logger:  logging.OrNop(logger).Named("notify"),
		tracer:  otel.Tracer("rxdesk/notify"),
	}
	pool, err := workerpool.New(poolCfg, d.deliver, d.logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	d.pool = pool
	pool.Start()
	return d, nil
}

// Handle satisfies redpanda.BatchHandler. Malformed records and permanent
// delivery failures are logged and skipped; any other failure fails the
// batch so the consumer redelivers it. Deliveries that already finished are
// skipped through the inbox on redelivery.
func (d *Dispatcher) Handle(ctx context.Context, msgs []*redpanda.Message) error {
	tasks := make([]workerpool.Task, 0, len(msgs))
	for _, msg := range msgs {
		e, err := Decode(msg.Value)
		if err != nil {
			d.logger.Warn("skipping malformed event",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		n, ok, err := FromEvent(e)
		if err != nil {
			d.logger.Warn("skipping undecodable event", zap.String("event_id", e.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		var parent trace.SpanContext
		if msg.Context != nil {
			parent = trace.SpanContextFromContext(msg.Context)
		}
		tasks = append(tasks, workerpool.Task{ID: e.ID, Payload: delivery{n: n, parent: parent}})
	}
	if len(tasks) == 0 {
		return nil
	}

	var failed []error
	for _, res := range d.pool.Process(ctx, tasks) {
		if res.Err == nil {
			continue
		}
		if workerpool.IsPermanent(res.Err) {
			d.logger.Error("notification dropped",
				zap.String("event_id", res.TaskID),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
			continue
		}
		failed = append(failed, fmt.Errorf("event %s: %w", res.TaskID, res.Err))
	}
	return errors.Join(failed...)
}

func (d *Dispatcher) deliver(ctx context.Context, task workerpool.Task) error {
	job, ok := task.Payload.(delivery)
	if !ok {
		return workerpool.Permanent(fmt.Errorf("unexpected payload %T", task.Payload))
	}
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event_id", job.n.EventID),
			attribute.String("prescription_id", job.n.PrescriptionID),
			attribute.String("kind", string(job.n.Kind)),
		),
	}
	if job.parent.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: job.parent}))
	}
	ctx, span := d.tracer.Start(ctx, "deliver_notification", opts...)
	defer span.End()

	payload, err := json.Marshal(job.n)
	if err != nil {
		return workerpool.Permanent(err)
	}
	res, err := d.inbox.Process(ctx, idempotency.Key(HandlerName, job.n.EventID), HandlerName, payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			err := d.sender.Send(ctx, job.n)
			d.metrics.Notified(err)
			return nil, err
		})
	switch {
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return workerpool.Permanent(err)
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		d.logger.Debug("notification claimed by another worker", zap.String("event_id", job.n.EventID))
		return nil
	case err != nil:
		span.RecordError(err)
		return err
	}
	if res.Duplicate {
		d.logger.Debug("notification already delivered", zap.String("event_id", job.n.EventID))
		return nil
	}
	d.logger.Info("notification delivered",
		zap.String("event_id", job.n.EventID),
		zap.String("prescription_id", job.n.PrescriptionID),
		zap.String("kind", string(job.n.Kind)),
		zap.Bool("recovered", res.WasRecovered))
	return nil
}

// Stop drains the worker pool.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.pool.Stop(ctx)
}

// ErrSaturated is reported by Ping when the worker queue is nearly full.
var ErrSaturated = errors.New("notification queue saturated")

// Ping reports whether the dispatcher can accept more work. It satisfies the
// readiness check interface of the ops server.
func (d *Dispatcher) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.pool.IsHealthy() {
		return ErrSaturated
	}
	return nil
}
