/*
Package telemetry provides connection-lifetime tracing for the runtime.

It is a hand-rolled tracer (TraceID/SpanID/Span/Tracer/LogExporter,
periodic buffered flush, W3C Traceparent propagation) adapted from
per-HTTP-request spans to per-WebSocket-connection spans: a span now
covers the whole lifetime of a connection (open → events → close) rather
than a single request/response round trip, and propagation happens once,
off the initial upgrade request's headers, instead of per-message.
*/
package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TraceID is a 128-bit trace identifier.
type TraceID [16]byte

func (t TraceID) String() string { return hex.EncodeToString(t[:]) }

// SpanID is a 64-bit span identifier.
type SpanID [8]byte

func (s SpanID) String() string { return hex.EncodeToString(s[:]) }

func generateTraceID() TraceID {
	var id TraceID
	_, _ = rand.Read(id[:])
	return id
}

func generateSpanID() SpanID {
	var id SpanID
	_, _ = rand.Read(id[:])
	return id
}

// SpanContext holds trace propagation data.
type SpanContext struct {
	TraceID  TraceID
	SpanID   SpanID
	ParentID SpanID
	Sampled  bool
}

// ConnectionEvent is a timestamped annotation on a connection span —
// message sent/received, error, heartbeat miss, and so on.
type ConnectionEvent struct {
	Name       string
	Timestamp  time.Time
	Attributes map[string]string
}

// ConnectionSpan covers the full lifetime of one WebSocket connection.
type ConnectionSpan struct {
	mu         sync.Mutex
	Name       string
	Context    SpanContext
	StartTime  time.Time
	EndTime    time.Time
	Attributes map[string]string
	Events     []ConnectionEvent
	StatusCode string // "OK", "ERROR", "UNSET"
	StatusMsg  string
	finished   bool
}

func (s *ConnectionSpan) SetAttribute(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attributes[key] = value
}

func (s *ConnectionSpan) AddEvent(name string, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ConnectionEvent{
		Name:       name,
		Timestamp:  time.Now().UTC(),
		Attributes: attrs,
	})
}

func (s *ConnectionSpan) SetStatus(code, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StatusCode = code
	s.StatusMsg = msg
}

func (s *ConnectionSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.EndTime = time.Now().UTC()
		s.finished = true
	}
}

func (s *ConnectionSpan) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s.EndTime.Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}

// ParseTraceparent extracts trace context from a W3C Traceparent header,
// format 00-{trace_id}-{parent_id}-{flags}, read once off the initial
// upgrade request.
func ParseTraceparent(header string) (*SpanContext, error) {
	parts := strings.Split(header, "-")
	if len(parts) != 4 || parts[0] != "00" {
		return nil, fmt.Errorf("invalid traceparent format")
	}

	traceBytes, err := hex.DecodeString(parts[1])
	if err != nil || len(traceBytes) != 16 {
		return nil, fmt.Errorf("invalid trace ID")
	}
	parentBytes, err := hex.DecodeString(parts[2])
	if err != nil || len(parentBytes) != 8 {
		return nil, fmt.Errorf("invalid parent ID")
	}

	var traceID TraceID
	var parentID SpanID
	copy(traceID[:], traceBytes)
	copy(parentID[:], parentBytes)

	return &SpanContext{TraceID: traceID, SpanID: parentID, Sampled: parts[3] == "01"}, nil
}

// FormatTraceparent renders a SpanContext as a W3C Traceparent header
// value.
func FormatTraceparent(ctx SpanContext) string {
	flags := "00"
	if ctx.Sampled {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", ctx.TraceID, ctx.SpanID, flags)
}

// SpanExporter receives completed connection spans for export.
type SpanExporter interface {
	Export(spans []*ConnectionSpan) error
	Shutdown() error
}

// Tracer creates and buffers connection spans, flushing them to an
// exporter periodically or once a buffer threshold is reached.
type Tracer struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	exporter SpanExporter
	sampler  float64
	buffer   []*ConnectionSpan
	bufSize  int
	stopCh   chan struct{}
}

// NewTracer creates a Tracer. sampleRate <= 0 samples everything.
func NewTracer(logger zerolog.Logger, exporter SpanExporter, sampleRate float64) *Tracer {
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	t := &Tracer{
		logger:   logger.With().Str("component", "tracer").Logger(),
		exporter: exporter,
		sampler:  sampleRate,
		buffer:   make([]*ConnectionSpan, 0, 1000),
		bufSize:  1000,
		stopCh:   make(chan struct{}),
	}
	go t.periodicFlush()
	return t
}

func (t *Tracer) periodicFlush() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.flush()
		case <-t.stopCh:
			return
		}
	}
}

// Stop halts the periodic flush and exports whatever remains buffered.
func (t *Tracer) Stop() {
	close(t.stopCh)
	t.flush()
}

// StartConnectionSpan begins a span covering one connection's lifetime,
// optionally continuing a trace propagated from the upgrade request's
// Traceparent header.
func (t *Tracer) StartConnectionSpan(name string, parent *SpanContext) *ConnectionSpan {
	span := &ConnectionSpan{
		Name:       name,
		StartTime:  time.Now().UTC(),
		Attributes: make(map[string]string),
		StatusCode: "UNSET",
	}

	if parent != nil {
		span.Context = SpanContext{
			TraceID:  parent.TraceID,
			SpanID:   generateSpanID(),
			ParentID: parent.SpanID,
			Sampled:  parent.Sampled,
		}
		return span
	}

	sampled := t.sampler >= 1.0
	traceID := generateTraceID()
	if !sampled && t.sampler > 0 {
		v := uint32(traceID[len(traceID)-1]) | uint32(traceID[len(traceID)-2])<<8
		sampled = float64(v)/float64(0xFFFF) < t.sampler
	}
	span.Context = SpanContext{TraceID: traceID, SpanID: generateSpanID(), Sampled: sampled}
	return span
}

// EndConnectionSpan finishes the span and buffers it for export, flushing
// immediately if the buffer is full.
func (t *Tracer) EndConnectionSpan(span *ConnectionSpan) {
	span.End()
	if !span.Context.Sampled {
		return
	}

	t.mu.Lock()
	t.buffer = append(t.buffer, span)
	shouldFlush := len(t.buffer) >= t.bufSize
	t.mu.Unlock()

	if shouldFlush {
		t.flush()
	}
}

func (t *Tracer) flush() {
	t.mu.Lock()
	if len(t.buffer) == 0 {
		t.mu.Unlock()
		return
	}
	spans := t.buffer
	t.buffer = make([]*ConnectionSpan, 0, t.bufSize)
	t.mu.Unlock()

	if t.exporter != nil {
		if err := t.exporter.Export(spans); err != nil {
			t.logger.Error().Err(err).Int("spans", len(spans)).Msg("span export failed")
		}
	}
}

// Shutdown flushes remaining spans and closes the exporter.
func (t *Tracer) Shutdown() {
	t.flush()
	if t.exporter != nil {
		_ = t.exporter.Shutdown()
	}
}

// LogExporter writes spans as structured log entries, the development-mode
// default.
type LogExporter struct {
	logger zerolog.Logger
}

func NewLogExporter(logger zerolog.Logger) *LogExporter {
	return &LogExporter{logger: logger.With().Str("exporter", "log").Logger()}
}

func (e *LogExporter) Export(spans []*ConnectionSpan) error {
	for _, s := range spans {
		e.logger.Debug().
			Str("name", s.Name).
			Str("trace_id", s.Context.TraceID.String()).
			Str("span_id", s.Context.SpanID.String()).
			Dur("duration", s.Duration()).
			Str("status", s.StatusCode).
			Int("events", len(s.Events)).
			Msg("connection span")
	}
	return nil
}

func (e *LogExporter) Shutdown() error { return nil }

// SpanContextFromRequest extracts trace context from an upgrade request's
// Traceparent header, if present and well-formed.
func SpanContextFromRequest(r *http.Request) *SpanContext {
	tp := r.Header.Get("Traceparent")
	if tp == "" {
		return nil
	}
	ctx, err := ParseTraceparent(tp)
	if err != nil {
		return nil
	}
	return ctx
}
