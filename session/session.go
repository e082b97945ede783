// Package session maps inbound chat requests to logical streams and drives
// the upstream responder for each one. Every frame a responder produces is
// recorded in the stream store before it is published for delivery, so a
// client reconnecting after a dropped connection can never have seen an event
// that was delivered but not recorded.
package session

import (
	"sync"
	"time"
)

// Session correlates one connection/reconnect lineage to a stream. It is
// created on the first message of an exchange and finishes when the responder
// completes or fails; a finished session is retained for a while so late
// resumes still find the stream, then swept.
type Session struct {
	// StreamID is the stream all of this session's events are recorded under.
	StreamID string

	// Started is when the session was opened.
	Started time.Time

	done chan struct{}

	mu         sync.Mutex
	err        error
	finishedAt time.Time
}

func newSession(streamID string) *Session {
	return &Session{
		StreamID: streamID,
		Started:  time.Now(),
		done:     make(chan struct{}),
	}
}

// Done returns a channel closed when the responder has finished (successfully
// or not) and the terminal frame has been recorded.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the responder error, if any. Valid after Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Finished reports whether the session has completed, and when.
func (s *Session) Finished() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt, !s.finishedAt.IsZero()
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.finishedAt = time.Now()
	s.mu.Unlock()
	close(s.done)
}
