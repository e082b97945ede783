package stream

import (
	"errors"
	"sync"

	"github.com/halcyon-labs/chatrelay/core"
)

// ErrEventNotFound is returned by ReplayAfter when the given event id is
// unknown or has been evicted. Disconnect-too-long is routine, not
// exceptional: callers translate this into "cannot resume, start a new
// stream".
var ErrEventNotFound = errors.New("stream: event not found")

// StoreConfig configures a Store.
type StoreConfig struct {
	// Capacity is the per-stream log capacity (default DefaultCapacity).
	Capacity int

	// OnEvict, when set, is invoked with the id of every evicted event.
	// Eviction is silent policy-driven data loss within bounds; the hook
	// exists so it can be observed via metrics and logging.
	OnEvict func(streamID, eventID string)
}

// Store is the process-wide event store. It owns one bounded log per stream
// plus a global index from event id to owning stream, giving O(1) resume
// lookup without scanning every stream.
//
// Invariant: every id in the index appears in exactly one log; evicting an
// entry removes its id from the index in the same critical section.
type Store struct {
	mu       sync.Mutex
	capacity int
	onEvict  func(streamID, eventID string)
	logs     map[string]*log   // streamID -> log
	index    map[string]string // eventID -> streamID
}

// NewStore creates a Store with the given configuration.
func NewStore(cfg StoreConfig) *Store {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		onEvict:  cfg.OnEvict,
		logs:     make(map[string]*log),
		index:    make(map[string]string),
	}
}

// Store appends a frame to the stream's log, creating the log on first use,
// and updates the global index. Append, index insert, and eviction cleanup
// happen in one critical section so no concurrent Store or ReplayAfter on the
// same stream observes a half-updated index.
func (s *Store) Store(streamID string, frame core.Frame) Event {
	s.mu.Lock()
	l, ok := s.logs[streamID]
	if !ok {
		l = newLog(streamID, s.capacity)
		s.logs[streamID] = l
	}

	ev, evictedID := l.append(frame)
	s.index[ev.ID] = streamID
	if evictedID != "" {
		delete(s.index, evictedID)
	}
	s.mu.Unlock()

	if evictedID != "" && s.onEvict != nil {
		s.onEvict(streamID, evictedID)
	}
	return ev
}

// ReplayAfter looks up the event id in the global index and, if found,
// invokes deliver once per entry strictly after it in that stream's log, in
// append order, returning the owning stream id. An unknown or evicted id
// returns ErrEventNotFound. Delivery errors abort the replay and are
// returned alongside the stream id already resolved.
func (s *Store) ReplayAfter(eventID string, deliver func(Event) error) (string, error) {
	s.mu.Lock()
	streamID, ok := s.index[eventID]
	if !ok {
		s.mu.Unlock()
		return "", ErrEventNotFound
	}

	l := s.logs[streamID]
	events, ok := l.after(eventID)
	s.mu.Unlock()

	if !ok {
		// The index said the id lives in this log; a miss here means the
		// invariant is broken. Treat it as not found rather than panicking.
		return "", ErrEventNotFound
	}

	for _, ev := range events {
		if err := deliver(ev); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}

// Snapshot returns a copy of the stream's current log, oldest first. An
// unknown stream yields nil.
func (s *Store) Snapshot(streamID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[streamID]
	if !ok {
		return nil
	}
	out := make([]Event, len(l.entries))
	copy(out, l.entries)
	return out
}

// LatestSeq returns the highest sequence number recorded for a stream
// (0 if the stream has no events).
func (s *Store) LatestSeq(streamID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[streamID]
	if !ok {
		return 0
	}
	return l.nextSeq
}

// Len reports the number of entries currently held for a stream.
func (s *Store) Len(streamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[streamID]
	if !ok {
		return 0
	}
	return l.len()
}

// IndexSize reports the total number of event ids in the global index.
func (s *Store) IndexSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Drop removes a stream's log and all of its index entries. Used to reclaim
// memory for streams that finished and were never resumed.
func (s *Store) Drop(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[streamID]
	if !ok {
		return
	}
	for _, id := range l.ids() {
		delete(s.index, id)
	}
	delete(s.logs, streamID)
}
