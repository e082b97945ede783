// Package stream provides the resumable event layer for ChatRelay. Each
// logical stream owns a bounded, append-only log of protocol frames; a global
// index maps every live event id to its owning stream so a reconnecting
// client can replay everything after its last-seen event without scanning.
package stream

import (
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-labs/chatrelay/core"
)

// Event is a recorded protocol frame. The ID is globally unique and never
// reused; the Seq is monotonic per stream (1-indexed) and exists so replay
// and live delivery can be merged without duplicates.
type Event struct {
	// ID is the globally unique event identifier clients use as a resume token.
	ID string

	// StreamID identifies the logical stream this event belongs to.
	StreamID string

	// Seq is the per-stream monotonic sequence number (1-indexed).
	Seq uint64

	// Frame is the opaque protocol payload.
	Frame core.Frame

	// Time is when the event was stored.
	Time time.Time
}

// NewStreamID allocates a fresh stream identifier.
func NewStreamID() string {
	return uuid.NewString()
}

func newEventID() string {
	return uuid.NewString()
}
