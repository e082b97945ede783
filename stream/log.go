package stream

import (
	"time"

	"github.com/halcyon-labs/chatrelay/core"
)

// DefaultCapacity is the per-stream log capacity. Large enough to cover
// ordinary reconnect latency, small enough to bound memory as
// O(capacity x streams).
const DefaultCapacity = 100

// log is the bounded append-only event log for one stream. It is not safe for
// concurrent use; the owning Store serializes access.
type log struct {
	streamID string
	capacity int
	nextSeq  uint64
	entries  []Event
}

func newLog(streamID string, capacity int) *log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &log{
		streamID: streamID,
		capacity: capacity,
		entries:  make([]Event, 0, capacity),
	}
}

// append records a frame and returns the new event plus the id of the entry
// evicted to make room, if any. Cleaning the evicted id out of any external
// index is the caller's responsibility.
func (l *log) append(frame core.Frame) (ev Event, evictedID string) {
	if len(l.entries) >= l.capacity {
		evictedID = l.entries[0].ID
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}

	l.nextSeq++
	ev = Event{
		ID:       newEventID(),
		StreamID: l.streamID,
		Seq:      l.nextSeq,
		Frame:    frame,
		Time:     time.Now(),
	}
	l.entries = append(l.entries, ev)
	return ev, evictedID
}

// after returns every entry strictly after the given event id, in append
// order. ok is false when the id is not present in the log — either it never
// existed here or it has been evicted. Callers must treat that as "cannot
// resume", not as "no new events".
func (l *log) after(eventID string) (events []Event, ok bool) {
	for i, e := range l.entries {
		if e.ID == eventID {
			tail := l.entries[i+1:]
			out := make([]Event, len(tail))
			copy(out, tail)
			return out, true
		}
	}
	return nil, false
}

// len reports the current number of entries.
func (l *log) len() int {
	return len(l.entries)
}

// ids returns the ids of all current entries, oldest first.
func (l *log) ids() []string {
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.ID
	}
	return out
}
