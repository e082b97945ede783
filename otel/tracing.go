// Package otel provides OpenTelemetry integration for ChatRelay stream
// events: spans and metrics derived from the event flow, plus OTLP exporter
// setup.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/halcyon-labs/chatrelay/core"
	"github.com/halcyon-labs/chatrelay/stream"
)

// TracingHandler translates stream events into OpenTelemetry spans. Each
// stream gets one span, opened on its first observed event and closed on
// stream.end; every frame in between becomes a span event.
type TracingHandler struct {
	tracer trace.Tracer

	mu    sync.RWMutex
	spans map[string]*streamSpan // streamID -> open span
}

type streamSpan struct {
	span    trace.Span
	errored bool
}

// NewTracingHandler creates a TracingHandler that uses the given tracer to
// create spans from stream events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer: tracer,
		spans:  make(map[string]*streamSpan),
	}
}

// Handle processes one stream event. Safe for concurrent use.
func (h *TracingHandler) Handle(e stream.Event) {
	h.mu.Lock()
	ss, ok := h.spans[e.StreamID]
	if !ok {
		_, span := h.tracer.Start(context.Background(), "stream:"+e.StreamID,
			trace.WithAttributes(
				attribute.String("chatrelay.stream_id", e.StreamID),
			),
			trace.WithTimestamp(e.Time),
		)
		ss = &streamSpan{span: span}
		h.spans[e.StreamID] = ss
	}
	h.mu.Unlock()

	switch e.Frame.Kind {
	case core.FrameError:
		ss.errored = true
		msg := "upstream error"
		if s, ok := e.Frame.Payload["content"].(string); ok && s != "" {
			msg = s
		}
		ss.span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
		ss.span.AddEvent(string(e.Frame.Kind), trace.WithTimestamp(e.Time))

	case core.FrameStreamEnd:
		h.mu.Lock()
		delete(h.spans, e.StreamID)
		h.mu.Unlock()

		ss.span.SetAttributes(attribute.Int64("chatrelay.events", int64(e.Seq)))
		if ss.errored {
			ss.span.SetStatus(codes.Error, "stream failed")
		} else {
			ss.span.SetStatus(codes.Ok, "")
		}
		ss.span.End(trace.WithTimestamp(e.Time))

	default:
		ss.span.AddEvent(string(e.Frame.Kind),
			trace.WithTimestamp(e.Time),
			trace.WithAttributes(attribute.Int64("chatrelay.seq", int64(e.Seq))),
		)
	}
}

// ActiveStreamSpanContext returns the SpanContext of the stream's open span.
// Returns an empty SpanContext if the stream has no open span.
func (h *TracingHandler) ActiveStreamSpanContext(streamID string) trace.SpanContext {
	h.mu.RLock()
	ss, ok := h.spans[streamID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return ss.span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
