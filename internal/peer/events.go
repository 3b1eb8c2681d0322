package peer

import (
	"sync"

	"tool-relay/internal/protocol"
)

// EventKind names an observation the multiplexer exposes.
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventDisconnect EventKind = "disconnect"
	EventError      EventKind = "error"
	EventMessage    EventKind = "message"
	EventToolCall   EventKind = "toolCall"
)

// Event is an immutable observation record delivered in arrival order.
type Event struct {
	Kind      EventKind
	PeerID    string
	Err       error
	Message   *protocol.Message
	Tool      string
	Arguments map[string]any
}

// emitter fans observations out to subscribed callbacks. The subscriber
// list is copied under the lock before dispatch, so callbacks may
// subscribe without corrupting an in-flight emit.
type emitter struct {
	mu   sync.Mutex
	subs map[EventKind][]func(Event)
}

func newEmitter() *emitter {
	return &emitter{subs: map[EventKind][]func(Event){}}
}

func (e *emitter) on(kind EventKind, fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[kind] = append(e.subs[kind], fn)
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	subs := make([]func(Event), len(e.subs[ev.Kind]))
	copy(subs, e.subs[ev.Kind])
	e.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
