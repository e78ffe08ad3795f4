package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/logging"
	"github.com/drfirst/rxdesk/internal/observability/metrics"
	"github.com/drfirst/rxdesk/pkg/circuitbreaker"
	"github.com/drfirst/rxdesk/pkg/workerpool"
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// WebhookConfig configures the webhook sender.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %d: %s", e.StatusCode, e.Body)
}

// Webhook posts notifications as JSON through a circuit breaker. Client
// errors are permanent and do not count against the breaker.
type Webhook struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewWebhook creates the sender. The breaker state is exported through m.
func NewWebhook(cfg WebhookConfig, m *metrics.Metrics, logger *zap.Logger) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = circuitbreaker.DefaultConfig("notify-webhook")
	}
	cfg.Breaker.Excluded = workerpool.IsPermanent
	next := cfg.Breaker.OnStateChange
	cfg.Breaker.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.BreakerState(name, to.Level())
		if next != nil {
			next(name, from, to)
		}
	}
	logger = logging.OrNop(logger)
	breaker, err := circuitbreaker.New(cfg.Breaker, logger)
	if err != nil {
		return nil, err
	}
	m.BreakerState(cfg.Breaker.Name, breaker.State().Level())
	return &Webhook{
		url:     cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Breaker exposes the breaker for health reporting.
func (w *Webhook) Breaker() *circuitbreaker.CircuitBreaker { return w.breaker }

// Send posts n. The event id doubles as the receiver's idempotency key.
func (w *Webhook) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return workerpool.Permanent(fmt.Errorf("encode notification: %w", err))
	}
	return w.breaker.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return workerpool.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", n.EventID)
		req.Header.Set("X-Notification-Kind", string(n.Kind))
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("post webhook: %w", err)
		}
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		serr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
		if retryable(resp.StatusCode) {
			return serr
		}
		return workerpool.Permanent(serr)
	})
}

func retryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
