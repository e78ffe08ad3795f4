package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Created()
	m.Decided("fulfilled", time.Millisecond)
	m.Notified(errors.New("boom"))
	m.BreakerState("webhook", 1)
}

func TestHelpersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Created()
	m.Sent()
	m.Decided("rejected", 10*time.Millisecond)
	m.Conflict()
	m.UnitsConsumed(7)
	m.Notified(nil)
	m.Notified(errors.New("down"))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"prescriptions_created_total 1",
		`prescription_decisions_total{outcome="rejected"} 1`,
		"stock_units_consumed_total 7",
		"notifications_failed_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
