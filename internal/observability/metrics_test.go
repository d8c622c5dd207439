package observability

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStatus("done")
	m.ObserveDelivery("digest", nil)
	m.ObserveChat("status")
	m.ObserveQueue(3)
	m.SocketOpened()
	m.SocketClosed()
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics("mentor_test")
	m.ObserveDelivery("digest", nil)
	m.ObserveDelivery("digest", errors.New("down"))
	m.ObserveDelivery("digest", errors.New("down"))
	m.ObserveQueue(2)
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("digest", "failed")); got != 2 {
		t.Fatalf("failed deliveries = %v", got)
	}
	if got := testutil.ToFloat64(m.QueueLength); got != 2 {
		t.Fatalf("queue length = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "mentor_test_deliveries_total") {
		t.Fatalf("metrics output missing counter:\n%s", rec.Body.String())
	}
}
