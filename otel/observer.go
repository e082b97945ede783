package otel

import (
	"context"

	"github.com/halcyon-labs/chatrelay/stream"
)

// Handler consumes stream events for observability purposes.
type Handler interface {
	Handle(e stream.Event)
}

// Observer tails every stream on the bus and fans each event out to its
// handlers. It is a plain bus subscriber: if it falls behind and the bus
// drops events, telemetry degrades without affecting delivery to clients.
type Observer struct {
	bus      *stream.Bus
	handlers []Handler
}

// NewObserver creates an Observer over the given bus.
func NewObserver(bus *stream.Bus, handlers ...Handler) *Observer {
	return &Observer{bus: bus, handlers: handlers}
}

// Run blocks, dispatching events until the context is cancelled or the bus
// closes.
func (o *Observer) Run(ctx context.Context) {
	sub := o.bus.SubscribeAll()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			for _, h := range o.handlers {
				h.Handle(e)
			}
		}
	}
}
