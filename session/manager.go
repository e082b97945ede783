package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyon-labs/chatrelay/core"
	"github.com/halcyon-labs/chatrelay/stream"
)

// DefaultRetainFor is how long a finished session (and its stream log) is
// kept around for late resumes before Sweep reclaims it.
const DefaultRetainFor = 5 * time.Minute

// Responder produces the outbound frames for one chat exchange. The sequence
// is finite and not restartable; the channel is closed when the exchange is
// complete. A mid-stream failure is reported as a FrameError frame before the
// channel closes.
type Responder interface {
	Respond(ctx context.Context, req core.ChatRequest) (<-chan core.Frame, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, req core.ChatRequest) (<-chan core.Frame, error)

// Respond calls f.
func (f ResponderFunc) Respond(ctx context.Context, req core.ChatRequest) (<-chan core.Frame, error) {
	return f(ctx, req)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store     *stream.Store
	Bus       *stream.Bus
	Responder Responder
	RetainFor time.Duration // default DefaultRetainFor
	Logger    *slog.Logger
}

// Manager multiplexes concurrent chat sessions over the shared event store
// and bus. Each stream has exactly one writer: the goroutine draining its
// responder. Readers (live tails, replays) attach through the bus and store.
type Manager struct {
	store     *stream.Store
	bus       *stream.Bus
	responder Responder
	retainFor time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // streamID -> session
}

// NewManager creates a Manager with the given configuration.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retain := cfg.RetainFor
	if retain <= 0 {
		retain = DefaultRetainFor
	}
	return &Manager{
		store:     cfg.Store,
		bus:       cfg.Bus,
		responder: cfg.Responder,
		retainFor: retain,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Open allocates a new stream, starts the responder, and returns the session.
// The writer goroutine outlives the caller's context: a client disconnect
// cancels only delivery, never the responder, so everything produced during
// an outage lands in the log and a later resume can recover it (bounded by
// the log capacity).
func (m *Manager) Open(ctx context.Context, req core.ChatRequest) (*Session, error) {
	streamID := stream.NewStreamID()
	sess := newSession(streamID)

	m.mu.Lock()
	m.sessions[streamID] = sess
	m.mu.Unlock()

	frames, err := m.responder.Respond(context.WithoutCancel(ctx), req)
	if err != nil {
		// The responder never started: record the failure as a terminal
		// event so even this degenerate stream is replayable, then finish.
		m.record(streamID, core.NewFrame(core.FrameError).WithPayload("content", err.Error()))
		m.record(streamID, core.NewFrame(core.FrameStreamEnd))
		sess.finish(fmt.Errorf("session: upstream failed: %w", err))
		return sess, nil
	}

	go m.run(sess, frames)
	return sess, nil
}

// run is the stream's single writer. Store-then-publish ordering is the
// crux: an event reaches the transport only after it is replayable.
func (m *Manager) run(sess *Session, frames <-chan core.Frame) {
	var upstreamErr error
	for frame := range frames {
		if frame.Kind == core.FrameError {
			msg, _ := frame.Payload["content"].(string)
			upstreamErr = fmt.Errorf("session: upstream failed: %s", msg)
		}
		m.record(sess.StreamID, frame)
	}

	m.record(sess.StreamID, core.NewFrame(core.FrameStreamEnd))
	sess.finish(upstreamErr)

	if upstreamErr != nil {
		m.logger.Warn("session finished with upstream error",
			"stream_id", sess.StreamID,
			"error", upstreamErr,
		)
	}
}

func (m *Manager) record(streamID string, frame core.Frame) {
	ev := m.store.Store(streamID, frame)
	m.bus.Publish(ev)
}

// Resume replays every event recorded after lastEventID, in order, through
// deliver, and returns the owning stream id so the caller can attach to the
// live tail. stream.ErrEventNotFound means the token is unknown or evicted;
// the caller must tell the client explicitly that resumption failed.
func (m *Manager) Resume(lastEventID string, deliver func(stream.Event) error) (string, error) {
	return m.store.ReplayAfter(lastEventID, deliver)
}

// Snapshot returns the stream's currently retained events, oldest first.
func (m *Manager) Snapshot(streamID string) []stream.Event {
	return m.store.Snapshot(streamID)
}

// Get returns the session for a stream id, if it is still tracked.
func (m *Manager) Get(streamID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[streamID]
	return sess, ok
}

// Active reports the number of tracked sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep reclaims sessions that finished before now minus the retain window:
// the session is forgotten and its stream log dropped. Returns the number of
// sessions reclaimed. Intended to be driven by a maintenance schedule.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.retainFor)

	m.mu.Lock()
	var expired []string
	for id, sess := range m.sessions {
		if finishedAt, done := sess.Finished(); done && finishedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.store.Drop(id)
	}

	if len(expired) > 0 {
		m.logger.Debug("swept expired sessions", "count", len(expired))
	}
	return len(expired)
}
