// Package sse delivers chat stream events to HTTP clients as Server-Sent
// Events. It supports attaching to a live stream and resuming a dropped
// connection from the last event id the client saw.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/halcyon-labs/chatrelay/core"
	"github.com/halcyon-labs/chatrelay/session"
	"github.com/halcyon-labs/chatrelay/stream"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// wireEvent is the JSON-serializable representation of a stream event sent
// in the data field of an SSE frame.
type wireEvent struct {
	StreamID string         `json:"stream_id"`
	Seq      uint64         `json:"seq"`
	Kind     string         `json:"kind"`
	Time     time.Time      `json:"time"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func toWireEvent(e stream.Event) wireEvent {
	return wireEvent{
		StreamID: e.StreamID,
		Seq:      e.Seq,
		Kind:     string(e.Frame.Kind),
		Time:     e.Time,
		Payload:  e.Frame.Payload,
	}
}

// Handler streams chat events over SSE. A fresh attach tails a stream from
// its beginning; a resume replays everything recorded after the client's
// last event id, then switches to the live tail. Duplicates across the
// replay/live boundary are skipped by sequence number.
//
// SSE format:
//
//	id: {event-id}
//	event: {kind}
//	data: {json}
//
// The id field carries the event's globally unique id, so a client (or any
// standards-compliant EventSource) can hand it back as Last-Event-ID to
// resume. A heartbeat comment ": ping\n\n" is sent every 15 seconds. The
// stream closes after a "stream.end" event or when the client disconnects.
type Handler struct {
	manager *session.Manager
	bus     *stream.Bus
	logger  *slog.Logger
	metrics Metrics
}

// Metrics observes resume outcomes. Optional.
type Metrics interface {
	RecordResume()
	RecordResumeFailure()
}

// SetMetrics attaches a resume metrics observer.
func (h *Handler) SetMetrics(m Metrics) {
	h.metrics = m
}

// NewHandler creates a Handler backed by the given session manager and bus.
func NewHandler(manager *session.Manager, bus *stream.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{manager: manager, bus: bus, logger: logger}
}

// ServeStream streams the events of streamID to the client from its current
// live tail, replaying nothing. Used right after a stream is opened, when
// the client has seen no events yet.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request, streamID string) {
	conn, ok := h.start(w)
	if !ok {
		return
	}

	sub := h.bus.Subscribe(streamID)
	defer sub.Close()

	// Replay from the start of the log: events stored between Open and this
	// attach would otherwise be lost. lastSeq dedups against the live tail.
	var lastSeq uint64
	done, err := h.replayLog(r.Context(), conn, streamID, &lastSeq)
	if err != nil || done {
		return
	}

	h.streamLive(r.Context(), conn, sub, &lastSeq)
}

// ServeResume resumes a dropped connection. The last event id comes from the
// Last-Event-ID header (EventSource reconnect) or the last_event_id query
// parameter. If the id is unknown or already evicted, the client is told so
// explicitly with a single "resume.failed" event before the stream closes:
// silence would be indistinguishable from a quiet live stream.
func (h *Handler) ServeResume(w http.ResponseWriter, r *http.Request) {
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}
	if lastEventID == "" {
		http.Error(w, "missing last_event_id", http.StatusBadRequest)
		return
	}

	conn, ok := h.start(w)
	if !ok {
		return
	}

	// The owning stream is not known until the token is resolved, so a
	// global subscription is taken before replay and filtered once the
	// stream id is known. Taking it first closes the replay/live gap.
	sub := h.bus.SubscribeAll()
	defer sub.Close()

	ctx := r.Context()
	var (
		lastSeq  uint64
		finished bool
	)
	streamID, err := h.manager.Resume(lastEventID, func(e stream.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := conn.writeEvent(e); err != nil {
			return err
		}
		lastSeq = e.Seq
		if e.Frame.Kind == core.FrameStreamEnd {
			finished = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, stream.ErrEventNotFound) {
			h.logger.Debug("resume token not found", "last_event_id", lastEventID)
			if h.metrics != nil {
				h.metrics.RecordResumeFailure()
			}
			conn.writeResumeFailed(lastEventID)
		}
		return
	}
	if h.metrics != nil {
		h.metrics.RecordResume()
	}
	if finished {
		return
	}

	h.streamLiveFiltered(ctx, conn, sub, streamID, &lastSeq)
}

// start validates streaming support and writes the SSE response headers.
func (h *Handler) start(w http.ResponseWriter) (*sseConn, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseConn{w: w, flusher: flusher}, true
}

// replayLog writes the stream's whole retained log to the connection.
// Returns true if a stream.end event was written.
func (h *Handler) replayLog(ctx context.Context, conn *sseConn, streamID string, lastSeq *uint64) (bool, error) {
	for _, e := range h.manager.Snapshot(streamID) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := conn.writeEvent(e); err != nil {
			return false, err
		}
		*lastSeq = e.Seq
		if e.Frame.Kind == core.FrameStreamEnd {
			return true, nil
		}
	}
	return false, nil
}

// streamLive forwards live events until stream.end, disconnect, or bus close.
func (h *Handler) streamLive(ctx context.Context, conn *sseConn, sub stream.Subscription, lastSeq *uint64) {
	h.streamLiveFiltered(ctx, conn, sub, "", lastSeq)
}

// streamLiveFiltered is streamLive restricted to one stream id when the
// subscription is global. An empty streamID disables the filter.
func (h *Handler) streamLiveFiltered(ctx context.Context, conn *sseConn, sub stream.Subscription, streamID string, lastSeq *uint64) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if streamID != "" && e.StreamID != streamID {
				continue
			}
			// Skip events already written during replay.
			if e.Seq <= *lastSeq {
				continue
			}
			if err := conn.writeEvent(e); err != nil {
				return
			}
			*lastSeq = e.Seq
			if e.Frame.Kind == core.FrameStreamEnd {
				return
			}

		case <-heartbeat.C:
			if err := conn.writePing(); err != nil {
				return
			}
		}
	}
}

// sseConn wraps a response writer with SSE framing.
type sseConn struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (c *sseConn) writeEvent(e stream.Event) error {
	data, err := json.Marshal(toWireEvent(e))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Frame.Kind, data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) writeResumeFailed(lastEventID string) {
	payload, err := json.Marshal(map[string]any{
		"kind":          string(core.FrameResumeFailed),
		"last_event_id": lastEventID,
	})
	if err != nil {
		return
	}
	fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", core.FrameResumeFailed, payload)
	c.flusher.Flush()
}

func (c *sseConn) writePing() error {
	if _, err := fmt.Fprint(c.w, ": ping\n\n"); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}
