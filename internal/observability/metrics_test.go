package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCount(t *testing.T) {
	m := NewMetrics()
	m.IncAttempt()
	m.IncTrigger("ok")
	m.IncTrigger("error")
	m.IncTrigger("error")
	m.AddStreamMessages(3)
	m.AddDecodeDropped(0)

	if got := testutil.ToFloat64(m.attempts); got != 1 {
		t.Fatalf("attempts=%v", got)
	}
	if got := testutil.ToFloat64(m.triggers.WithLabelValues("error")); got != 2 {
		t.Fatalf("trigger errors=%v", got)
	}
	if got := testutil.ToFloat64(m.streamMessages); got != 3 {
		t.Fatalf("stream messages=%v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncAttempt()
	m.IncRetry()
	m.IncReconnect()
	m.IncAction("RESET")
	m.IncPoll("running")
	m.AddStreamMessages(1)
	if m.Registry() != nil {
		t.Fatalf("nil metrics returned a registry")
	}
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	m := NewMetrics()
	m.IncRetry()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "genclient_retries_total 1") {
		t.Fatalf("body:\n%s", body)
	}
}
