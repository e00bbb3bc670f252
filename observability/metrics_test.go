package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestCounterIncAccumulates(t *testing.T) {
	m := NewMetrics(zerolog.Nop())
	m.CounterInc("wsrt_connections_opened_total", map[string]string{"route": "/ws/chat"})
	m.CounterInc("wsrt_connections_opened_total", map[string]string{"route": "/ws/chat"})
	if got := m.getCounter("wsrt_connections_opened_total", map[string]string{"route": "/ws/chat"}).Value(); got != 2 {
		t.Fatalf("expected counter value 2, got %d", got)
	}
}

func TestCounterIsolatesByLabels(t *testing.T) {
	m := NewMetrics(zerolog.Nop())
	m.CounterInc("wsrt_connections_opened_total", map[string]string{"route": "/ws/chat"})
	m.CounterInc("wsrt_connections_opened_total", map[string]string{"route": "/ws/rooms"})
	if got := m.getCounter("wsrt_connections_opened_total", map[string]string{"route": "/ws/chat"}).Value(); got != 1 {
		t.Fatalf("expected isolated counter value 1, got %d", got)
	}
}

func TestGaugeIncDec(t *testing.T) {
	m := NewMetrics(zerolog.Nop())
	m.GaugeInc("wsrt_connections_active", map[string]string{"route": "/ws/chat"})
	m.GaugeInc("wsrt_connections_active", map[string]string{"route": "/ws/chat"})
	m.GaugeDec("wsrt_connections_active", map[string]string{"route": "/ws/chat"})
	if got := m.getGauge("wsrt_connections_active", map[string]string{"route": "/ws/chat"}).Value(); got != 1 {
		t.Fatalf("expected gauge value 1, got %f", got)
	}
}

func TestHistogramObserveAccumulatesSumAndCount(t *testing.T) {
	m := NewMetrics(zerolog.Nop())
	m.HistogramObserve("wsrt_connection_duration_ms", map[string]string{"route": "/ws/chat"}, 120)
	m.HistogramObserve("wsrt_connection_duration_ms", map[string]string{"route": "/ws/chat"}, 80)

	h := m.getHistogram("wsrt_connection_duration_ms", map[string]string{"route": "/ws/chat"})
	if h.count != 2 {
		t.Fatalf("expected count 2, got %d", h.count)
	}
	if h.sum != 200 {
		t.Fatalf("expected sum 200, got %f", h.sum)
	}
}

func TestTrackConnectionOpenedAndClosed(t *testing.T) {
	m := NewMetrics(zerolog.Nop())
	m.TrackConnectionOpened("/ws/chat")
	if got := m.getGauge("wsrt_connections_active", map[string]string{"route": "/ws/chat"}).Value(); got != 1 {
		t.Fatalf("expected active gauge 1 after open, got %f", got)
	}

	m.TrackConnectionClosed("/ws/chat", 250)
	if got := m.getGauge("wsrt_connections_active", map[string]string{"route": "/ws/chat"}).Value(); got != 0 {
		t.Fatalf("expected active gauge 0 after close, got %f", got)
	}
	if got := m.getCounter("wsrt_connections_closed_total", map[string]string{"route": "/ws/chat"}).Value(); got != 1 {
		t.Fatalf("expected closed counter 1, got %d", got)
	}
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	m := NewMetrics(zerolog.Nop())
	m.TrackConnectionOpened("/ws/chat")
	m.TrackUpgradeFailure("/ws/chat", "ROUTE_NOT_FOUND")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler()(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "wsrt_connections_opened_total") {
		t.Fatal("expected opened counter in exposition output")
	}
	if !strings.Contains(body, "wsrt_upgrade_failures_total") {
		t.Fatal("expected upgrade-failure counter in exposition output")
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected text/plain content type, got %q", ct)
	}
}
