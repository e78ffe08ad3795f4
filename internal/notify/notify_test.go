package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/rxdesk/internal/domain/prescription"
	"github.com/drfirst/rxdesk/internal/infrastructure/redpanda"
	"github.com/drfirst/rxdesk/pkg/circuitbreaker"
	"github.com/drfirst/rxdesk/pkg/idempotency"
	"github.com/drfirst/rxdesk/pkg/workerpool"
)

func eventRecord(t *testing.T, typ prescription.EventType, p prescription.Prescription) *redpanda.Message {
	t.Helper()
	e, err := prescription.NewEvent(typ, &p, prescription.StatusSent, time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	return &redpanda.Message{Topic: redpanda.TopicPrescriptionEvents, Key: []byte(p.ID), Value: raw}
}

func fulfilled(id string) prescription.Prescription {
	return prescription.Prescription{
		ID: id, PatientID: "pat-1", PatientName: "Ada", DoctorID: "doc-1",
		Status: prescription.StatusFulfilled, PickupInstructions: "Counter 2",
	}
}

func TestFromEvent(t *testing.T) {
	p := fulfilled("rx-1")
	e, _ := prescription.NewEvent(prescription.EventFulfilled, &p, prescription.StatusSent, time.Unix(100, 0))
	n, ok, err := FromEvent(e)
	if err != nil || !ok {
		t.Fatalf("ok=%t err=%v", ok, err)
	}
	if n.Kind != KindPickupReady || n.Message != "Your prescription is ready for pickup. Counter 2" {
		t.Errorf("notification = %+v", n)
	}

	p.Status = prescription.StatusRejected
	p.PickupInstructions = ""
	p.Rejection = &prescription.RejectionReason{Code: prescription.ReasonOutOfStock, Note: "try Friday"}
	e, _ = prescription.NewEvent(prescription.EventRejected, &p, prescription.StatusSent, time.Unix(100, 0))
	n, _, _ = FromEvent(e)
	if n.Kind != KindRejected || n.ReasonCode != "out_of_stock" || n.Message != "Your prescription could not be filled: out of stock (try Friday)" {
		t.Errorf("notification = %+v", n)
	}

	e, _ = prescription.NewEvent(prescription.EventSent, &p, prescription.StatusDraft, time.Unix(100, 0))
	if _, ok, _ := FromEvent(e); ok {
		t.Error("sent events should not notify")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("{")); err == nil {
		t.Error("expected syntax error")
	}
	if _, err := Decode([]byte(`{"id":""}`)); err == nil {
		t.Error("expected missing id error")
	}
}

type recordingSender struct {
	mu    sync.Mutex
	got   []Notification
	fails int32
}

func (s *recordingSender) Send(_ context.Context, n Notification) error {
	if atomic.AddInt32(&s.fails, -1) >= 0 {
		return errors.New("temporarily unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func newDispatcher(t *testing.T, sender Sender) *Dispatcher {
	t.Helper()
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(nil), idempotency.Config{IsTerminal: workerpool.IsPermanent}, nil)
	d, err := NewDispatcher(sender, inbox, workerpool.Config{Workers: 2, QueueSize: 8, MaxRetries: 2, RetryDelay: time.Millisecond}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d
}

func TestDispatcherDeliversDecisionsOnce(t *testing.T) {
	sender := &recordingSender{}
	d := newDispatcher(t, sender)

	p := fulfilled("rx-1")
	decided := eventRecord(t, prescription.EventFulfilled, p)
	p.Status = prescription.StatusSent
	batch := []*redpanda.Message{
		decided,
		eventRecord(t, prescription.EventSent, p),
		{Value: []byte("not json")},
	}
	if err := d.Handle(context.Background(), batch); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("delivered = %d, want 1", sender.count())
	}
	// Redelivery of the same record is deduped by the inbox.
	if err := d.Handle(context.Background(), []*redpanda.Message{decided}); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if sender.count() != 1 {
		t.Errorf("delivered after redelivery = %d, want 1", sender.count())
	}
}

func TestDispatcherPing(t *testing.T) {
	d := newDispatcher(t, &recordingSender{})
	if err := d.Ping(context.Background()); err != nil {
		t.Errorf("idle dispatcher ping: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Ping(ctx); err == nil {
		t.Error("ping with a cancelled context should fail")
	}
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	sender := &recordingSender{fails: 2}
	d := newDispatcher(t, sender)
	if err := d.Handle(context.Background(), []*redpanda.Message{eventRecord(t, prescription.EventFulfilled, fulfilled("rx-2"))}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.count() != 1 {
		t.Errorf("delivered = %d, want 1", sender.count())
	}
}

func TestDispatcherFailsBatchWhenRetriesRunOut(t *testing.T) {
	sender := &recordingSender{fails: 100}
	d := newDispatcher(t, sender)
	err := d.Handle(context.Background(), []*redpanda.Message{eventRecord(t, prescription.EventFulfilled, fulfilled("rx-3"))})
	if err == nil {
		t.Fatal("expected the batch to fail for redelivery")
	}
}

func TestWebhookSend(t *testing.T) {
	var hits int32
	status := int32(http.StatusAccepted)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Idempotency-Key") != "evt-1" || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil || n.Kind != KindPickupReady {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	breaker := circuitbreaker.DefaultConfig("test-webhook")
	breaker.FailureThreshold = 2
	hook, err := NewWebhook(WebhookConfig{URL: srv.URL, Timeout: time.Second, Breaker: breaker}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	n := Notification{EventID: "evt-1", Kind: KindPickupReady}
	ctx := context.Background()

	if err := hook.Send(ctx, n); err != nil {
		t.Fatalf("send: %v", err)
	}

	atomic.StoreInt32(&status, http.StatusUnprocessableEntity)
	for i := 0; i < 3; i++ {
		err := hook.Send(ctx, n)
		var serr *StatusError
		if !workerpool.IsPermanent(err) || !errors.As(err, &serr) || serr.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("client error = %v", err)
		}
	}
	if hook.Breaker().State() != circuitbreaker.StateClosed {
		t.Fatalf("client errors tripped the breaker")
	}

	atomic.StoreInt32(&status, http.StatusBadGateway)
	for i := 0; i < 2; i++ {
		if err := hook.Send(ctx, n); err == nil || workerpool.IsPermanent(err) {
			t.Fatalf("server error = %v", err)
		}
	}
	before := atomic.LoadInt32(&hits)
	if err := hook.Send(ctx, n); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("open breaker = %v", err)
	}
	if atomic.LoadInt32(&hits) != before {
		t.Error("open breaker still called the webhook")
	}
}

func TestNewWebhookRequiresURL(t *testing.T) {
	if _, err := NewWebhook(WebhookConfig{}, nil, nil); err == nil {
		t.Error("expected error")
	}
}
