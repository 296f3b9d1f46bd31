// Package eventbus is a call-scoped synchronous notifier used to decouple the
// call orchestrator from the UI and notification layers.
//
// There is no queuing and no persistence: Emit runs every handler inline, in
// registration order, and returns when the last one has run. A handler that
// panics is recovered and logged so it cannot break delivery to the others.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event names published by the orchestrator.
const (
	EventIncomingCall    = "call_incoming"
	EventCallAccepted    = "call_accepted"
	EventCallDeclined    = "call_declined"
	EventCallEnded       = "call_ended"
	EventCallJoined      = "call_joined"
	EventRemoteTrack     = "remote_track"
	EventConnectionState = "connection_state"
	EventCallFailed      = "call_failed"
)

// Handler receives the payload passed to Emit.
type Handler func(payload any)

type subscriber struct {
	id int
	fn Handler
}

// Bus is a minimal multi-subscriber notifier.
//
// Emit is synchronous; the zero ordering guarantee beyond registration order is
// deliberate (see the orchestrator, which reconstructs all ordering it needs
// itself).
type Bus struct {
	log zerolog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[string][]subscriber
}

func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[string][]subscriber),
	}
}

// On registers fn for event and returns a token usable with Off.
func (b *Bus) On(event string, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[event] = append(b.subs[event], subscriber{id: b.nextID, fn: fn})
	return b.nextID
}

// Off removes the subscription identified by id. Passing an unknown id is a
// no-op. Off(event, 0) removes every handler for the event.
func (b *Bus) Off(event string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == 0 {
		delete(b.subs, event)
		return
	}
	subs := b.subs[event]
	for i, s := range subs {
		if s.id == id {
			b.subs[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every handler registered for event, in registration
// order. Handlers run on the caller's goroutine.
func (b *Bus) Emit(event string, payload any) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.subs[event]))
	copy(subs, b.subs[event])
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(event, s, payload)
	}
}

func (b *Bus) deliver(event string, s subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", event).Int("subscriber", s.id).
				Interface("panic", r).Msg("event handler panicked")
		}
	}()
	s.fn(payload)
}
