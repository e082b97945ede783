package stream

import "sync"

// BusConfig configures an in-memory event bus.
type BusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// Bus distributes live events to attached connections. A stream's writer
// publishes every event after it has been stored; subscribers are transport
// attachments tailing the stream.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]*busSub // streamID -> subscribers
	globalSubs []*busSub            // subscribers for all streams
	bufSize    int
	closed     bool
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan Event

	// Close unsubscribes and releases resources.
	Close() error
}

// NewBus creates a new in-memory event bus with the given configuration.
func NewBus(config BusConfig) *Bus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		subs:    make(map[string][]*busSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to all matching subscribers. Stream-specific
// subscribers receive events matching their stream id, and global subscribers
// receive all events. If the bus is closed, the event is silently dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[event.StreamID] {
		sub.send(event)
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for a specific stream.
// Returns a Subscription that must be closed when done.
func (b *Bus) Subscribe(streamID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newBusSub(b.bufSize)
	b.subs[streamID] = append(b.subs[streamID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all streams.
// Returns a Subscription that must be closed when done.
func (b *Bus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newBusSub(b.bufSize)
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	return nil
}

// busSub is an in-memory subscription.
type busSub struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func newBusSub(bufSize int) *busSub {
	return &busSub{
		ch: make(chan Event, bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *busSub) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *busSub) Close() error {
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *busSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel.
// If the channel is full or the subscription is closed, the event is dropped.
func (s *busSub) send(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- event:
	default:
		// Drop if channel full.
	}
}

// Compile-time interface check.
var _ Subscription = (*busSub)(nil)
