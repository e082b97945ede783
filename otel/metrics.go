package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/halcyon-labs/chatrelay/core"
	"github.com/halcyon-labs/chatrelay/stream"
)

// MetricsHandler translates stream events into OpenTelemetry metrics:
// counters for stored events, stream failures, and log evictions, plus a
// histogram of stream durations.
type MetricsHandler struct {
	events         metric.Int64Counter
	failures       metric.Int64Counter
	evictions      metric.Int64Counter
	resumes        metric.Int64Counter
	resumeFailures metric.Int64Counter
	streamDuration metric.Float64Histogram

	mu      sync.Mutex
	started map[string]time.Time // streamID -> first event time
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	events, err := meter.Int64Counter("chatrelay.stream.events",
		metric.WithDescription("Number of events recorded to streams"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("chatrelay.stream.failures",
		metric.WithDescription("Number of streams that carried an error frame"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter("chatrelay.stream.evictions",
		metric.WithDescription("Number of events evicted from bounded stream logs"),
	)
	if err != nil {
		return nil, err
	}

	resumes, err := meter.Int64Counter("chatrelay.resume.replays",
		metric.WithDescription("Number of successful resume replays served"),
	)
	if err != nil {
		return nil, err
	}

	resumeFailures, err := meter.Int64Counter("chatrelay.resume.failures",
		metric.WithDescription("Number of resume attempts with an unknown or evicted event id"),
	)
	if err != nil {
		return nil, err
	}

	streamDur, err := meter.Float64Histogram("chatrelay.stream.duration",
		metric.WithDescription("Duration of a stream from first event to stream.end in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		events:         events,
		failures:       failures,
		evictions:      evictions,
		resumes:        resumes,
		resumeFailures: resumeFailures,
		streamDuration: streamDur,
		started:        make(map[string]time.Time),
	}, nil
}

// Handle processes one stream event. Safe for concurrent use.
func (h *MetricsHandler) Handle(e stream.Event) {
	ctx := context.Background()

	h.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(e.Frame.Kind)),
	))

	switch e.Frame.Kind {
	case core.FrameError:
		h.failures.Add(ctx, 1)

	case core.FrameStreamEnd:
		h.mu.Lock()
		started, ok := h.started[e.StreamID]
		delete(h.started, e.StreamID)
		h.mu.Unlock()
		if ok {
			h.streamDuration.Record(ctx, e.Time.Sub(started).Seconds())
		}

	default:
		h.mu.Lock()
		if _, ok := h.started[e.StreamID]; !ok {
			h.started[e.StreamID] = e.Time
		}
		h.mu.Unlock()
	}
}

// RecordEviction counts one evicted event. Wire it to the stream store's
// OnEvict hook.
func (h *MetricsHandler) RecordEviction(streamID, eventID string) {
	h.evictions.Add(context.Background(), 1)
}

// RecordResume counts one successfully served resume replay.
func (h *MetricsHandler) RecordResume() {
	h.resumes.Add(context.Background(), 1)
}

// RecordResumeFailure counts one rejected resume attempt.
func (h *MetricsHandler) RecordResumeFailure() {
	h.resumeFailures.Add(context.Background(), 1)
}
