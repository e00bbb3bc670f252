package health

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestReportHealthyByDefault(t *testing.T) {
	m := New(Config{})
	m.RecordOpened()
	m.RecordClosed(10 * time.Millisecond)

	r := m.Report()
	if r.Status != Healthy {
		t.Fatalf("expected Healthy, got %s", r.Status)
	}
}

func TestReportUnhealthyOnHighFailureRatio(t *testing.T) {
	m := New(Config{})
	for i := 0; i < 10; i++ {
		m.RecordUpgradeAttempt()
		m.RecordUpgradeFailure()
	}

	r := m.Report()
	if r.Status != Unhealthy {
		t.Fatalf("expected Unhealthy with 100%% upgrade failure ratio, got %s", r.Status)
	}
}

func TestReportIgnoresHandlerErrorsForFailureRatio(t *testing.T) {
	m := New(Config{})
	for i := 0; i < 10; i++ {
		m.RecordOpened()
		m.RecordError()
	}
	m.RecordUpgradeAttempt()

	r := m.Report()
	if r.Status != Healthy {
		t.Fatalf("expected Healthy: handler errors alone must not move the upgrade failure ratio, got %s", r.Status)
	}
}

func TestReportDegradedOnUpgradeRejectionsWithoutHandlerErrors(t *testing.T) {
	m := New(Config{})
	for i := 0; i < 10; i++ {
		m.RecordUpgradeAttempt()
	}
	for i := 0; i < 3; i++ {
		m.RecordUpgradeFailure()
	}

	r := m.Report()
	if r.Status != Degraded {
		t.Fatalf("expected Degraded at 30%% upgrade failure ratio with zero handler errors, got %s", r.Status)
	}
}

func TestReportDegradedOnBreakerOpen(t *testing.T) {
	m := New(Config{BreakerProbe: func() bool { return true }})
	m.RecordOpened()

	r := m.Report()
	if r.Status != Degraded {
		t.Fatalf("expected Degraded when a breaker is open, got %s", r.Status)
	}
	if !r.BreakerOpen {
		t.Fatal("expected BreakerOpen to be true")
	}
}

func TestReportDegradedOnHeapPressure(t *testing.T) {
	m := New(Config{MemoryProbe: func() float64 { return 0.85 }})
	m.RecordOpened()

	r := m.Report()
	if r.Status != Degraded {
		t.Fatalf("expected Degraded at 85%% heap, got %s", r.Status)
	}
}

func TestReportUnhealthyOnSevereHeapPressure(t *testing.T) {
	m := New(Config{MemoryProbe: func() float64 { return 0.95 }})
	m.RecordOpened()

	r := m.Report()
	if r.Status != Unhealthy {
		t.Fatalf("expected Unhealthy at 95%% heap, got %s", r.Status)
	}
}

func TestReportDegradedOnLoad(t *testing.T) {
	m := New(Config{ActiveCap: 10})
	for i := 0; i < 9; i++ {
		m.RecordOpened()
	}

	r := m.Report()
	if r.Status != Degraded {
		t.Fatalf("expected Degraded at 90%% of capacity, got %s", r.Status)
	}
}

func TestActiveTracksOpenAndClose(t *testing.T) {
	m := New(Config{})
	m.RecordOpened()
	m.RecordOpened()
	m.RecordClosed(time.Millisecond)

	if got := m.snapshot().Active; got != 1 {
		t.Fatalf("expected active=1, got %d", got)
	}
	if got := m.snapshot().Peak; got != 2 {
		t.Fatalf("expected peak=2, got %d", got)
	}
}

func TestHandlerServesStatusAndMetrics(t *testing.T) {
	m := New(Config{})
	m.RecordOpened()
	handler := m.Handler()

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-cache" {
		t.Fatal("expected Cache-Control: no-cache")
	}

	var rollup Rollup
	if err := json.Unmarshal(rec.Body.Bytes(), &rollup); err != nil {
		t.Fatalf("expected valid JSON body: %v", err)
	}

	req2 := httptest.NewRequest("GET", "/metrics", nil)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != 200 {
		t.Fatalf("expected 200 from /metrics, got %d", rec2.Code)
	}
}

func TestHandlerReturns503WhenUnhealthy(t *testing.T) {
	m := New(Config{})
	for i := 0; i < 10; i++ {
		m.RecordUpgradeAttempt()
		m.RecordUpgradeFailure()
	}
	handler := m.Handler()

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != 503 {
		t.Fatalf("expected 503 when unhealthy, got %d", rec.Code)
	}
}
