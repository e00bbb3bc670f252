package telemetry

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureExporter struct {
	spans [][]*ConnectionSpan
}

func (c *captureExporter) Export(spans []*ConnectionSpan) error {
	c.spans = append(c.spans, spans)
	return nil
}
func (c *captureExporter) Shutdown() error { return nil }

func TestStartAndEndSpanBuffers(t *testing.T) {
	exp := &captureExporter{}
	tr := NewTracer(zerolog.New(io.Discard), exp, 1.0)
	defer tr.Stop()

	span := tr.StartConnectionSpan("ws /ws/echo", nil)
	span.SetAttribute("path", "/ws/echo")
	span.AddEvent("message_in", map[string]string{"bytes": "5"})
	tr.EndConnectionSpan(span)

	tr.flush()

	if len(exp.spans) != 1 || len(exp.spans[0]) != 1 {
		t.Fatalf("expected one exported batch of one span, got %v", exp.spans)
	}
	if exp.spans[0][0].Name != "ws /ws/echo" {
		t.Fatalf("expected span name preserved, got %s", exp.spans[0][0].Name)
	}
}

func TestUnsampledSpanNeverBuffered(t *testing.T) {
	exp := &captureExporter{}
	tr := NewTracer(zerolog.New(io.Discard), exp, 0.0001)
	defer tr.Stop()

	// Force an explicitly unsampled parent context.
	parent := &SpanContext{TraceID: generateTraceID(), SpanID: generateSpanID(), Sampled: false}
	span := tr.StartConnectionSpan("ws /ws/echo", parent)
	tr.EndConnectionSpan(span)
	tr.flush()

	if len(exp.spans) != 0 {
		t.Fatalf("expected no export for an unsampled span, got %v", exp.spans)
	}
}

func TestChildSpanInheritsTraceID(t *testing.T) {
	tr := NewTracer(zerolog.New(io.Discard), nil, 1.0)
	defer tr.Stop()

	parent := &SpanContext{TraceID: generateTraceID(), SpanID: generateSpanID(), Sampled: true}
	child := tr.StartConnectionSpan("child", parent)

	if child.Context.TraceID != parent.TraceID {
		t.Fatal("expected child span to inherit the parent trace ID")
	}
	if child.Context.ParentID != parent.SpanID {
		t.Fatal("expected child span's ParentID to be the parent's SpanID")
	}
}

func TestTraceparentRoundTrip(t *testing.T) {
	ctx := SpanContext{TraceID: generateTraceID(), SpanID: generateSpanID(), Sampled: true}
	header := FormatTraceparent(ctx)

	parsed, err := ParseTraceparent(header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.TraceID != ctx.TraceID {
		t.Fatal("expected trace ID to round-trip")
	}
	if !parsed.Sampled {
		t.Fatal("expected sampled flag to round-trip")
	}
}

func TestParseTraceparentRejectsMalformed(t *testing.T) {
	if _, err := ParseTraceparent("not-a-traceparent"); err == nil {
		t.Fatal("expected an error for a malformed header")
	}
}

func TestSpanContextFromRequest(t *testing.T) {
	ctx := SpanContext{TraceID: generateTraceID(), SpanID: generateSpanID(), Sampled: true}
	req, _ := http.NewRequest(http.MethodGet, "/ws/echo", nil)
	req.Header.Set("Traceparent", FormatTraceparent(ctx))

	got := SpanContextFromRequest(req)
	if got == nil || got.TraceID != ctx.TraceID {
		t.Fatal("expected trace context to be extracted from the request header")
	}
}

func TestSpanContextFromRequestAbsent(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/ws/echo", nil)
	if got := SpanContextFromRequest(req); got != nil {
		t.Fatal("expected nil when no Traceparent header is present")
	}
}

func TestSpanDurationBeforeAndAfterEnd(t *testing.T) {
	span := &ConnectionSpan{StartTime: time.Now().Add(-5 * time.Millisecond), Attributes: map[string]string{}}
	if span.Duration() < 5*time.Millisecond {
		t.Fatal("expected duration to reflect elapsed time before End")
	}
	span.End()
	d1 := span.Duration()
	time.Sleep(time.Millisecond)
	d2 := span.Duration()
	if d1 != d2 {
		t.Fatal("expected duration to freeze once the span has ended")
	}
}
