// Package events publishes host-visible reconciliation lifecycle
// events (session_started, session_completed, session_failed,
// awaiting_master) as typed Go values, alongside the zap/prometheus
// logging and metrics every component already emits. A host application
// embedding the engine subscribes to react to sync activity (e.g. to
// refresh a UI) without scraping logs or metrics.
package events

import "context"

// Kind names the event types a Bus carries.
type Kind string

const (
	KindSessionStarted   Kind = "session_started"
	KindSessionCompleted Kind = "session_completed"
	KindSessionFailed    Kind = "session_failed"
	KindAwaitingMaster   Kind = "awaiting_master"
)

// Event is one lifecycle notification.
type Event struct {
	Kind   Kind
	Peer   string
	Table  string
	Detail string
}

// Bus fans out Events to subscribers over buffered channels. A slow or
// absent subscriber never blocks the publisher: Publish drops the event
// for any subscriber whose channel is full rather than waiting.
type Bus struct {
	register   chan chan Event
	unregister chan chan Event
	publish    chan Event
	done       chan struct{}
}

// NewBus starts a Bus's dispatch loop, which runs until ctx is done.
func NewBus(ctx context.Context) *Bus {
	b := &Bus{
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		publish:    make(chan Event, 64),
		done:       make(chan struct{}),
	}
	go b.run(ctx)
	return b
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	subscribers := make(map[chan Event]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-b.register:
			subscribers[ch] = struct{}{}
		case ch := <-b.unregister:
			delete(subscribers, ch)
		case ev := <-b.publish:
			for ch := range subscribers {
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}

// Subscribe registers a new subscriber channel with capacity buf.
// Unsubscribe must be called with the returned channel once the
// subscriber is done.
func (b *Bus) Subscribe(buf int) chan Event {
	ch := make(chan Event, buf)
	select {
	case b.register <- ch:
	case <-b.done:
	}
	return ch
}

// Unsubscribe removes ch from the fan-out set.
func (b *Bus) Unsubscribe(ch chan Event) {
	select {
	case b.unregister <- ch:
	case <-b.done:
	}
}

// Publish fans ev out to all current subscribers, non-blockingly.
func (b *Bus) Publish(ev Event) {
	select {
	case b.publish <- ev:
	case <-b.done:
	}
}
