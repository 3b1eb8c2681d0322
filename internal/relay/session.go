package relay

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tool-relay/internal/protocol"
)

// sendBuffer bounds how many frames may queue for a slow peer before the
// relay starts dropping.
const sendBuffer = 64

// Peer is one push-channel connection. It exists for the duration of the
// underlying TCP connection.
type Peer struct {
	ID   string
	Role protocol.Role

	// session is the peer's current session. Guarded by the relay mutex;
	// a caller moves between sessions on session/join.
	session *Session

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(role protocol.Role) *Peer {
	return &Peer{
		ID:   uuid.New().String(),
		Role: role,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// push queues an encoded message on the peer's push channel. Frames for a
// peer that cannot drain its buffer are dropped rather than blocking the
// routing path.
func (p *Peer) push(m *protocol.Message) {
	data, err := m.Encode()
	if err != nil {
		log.Printf("relay: encode frame for peer %s: %v", p.ID, err)
		return
	}
	select {
	case p.send <- data:
	case <-p.done:
	default:
		log.Printf("relay: dropping frame for slow peer %s", p.ID)
	}
}

// close signals the push-channel pump to stop. Idempotent.
func (p *Peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Done exposes the peer's termination signal.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Session is a named meeting point between at most one provider and any
// number of callers.
type Session struct {
	ID        string
	Provider  *Peer
	Callers   map[string]*Peer
	Tools     []protocol.Tool
	CreatedAt time.Time
}

func newSession(id string) *Session {
	return &Session{
		ID:        id,
		Callers:   map[string]*Peer{},
		CreatedAt: time.Now(),
	}
}

// idle reports whether the session has neither provider nor callers.
func (s *Session) idle() bool {
	return s.Provider == nil && len(s.Callers) == 0
}

// toolsSnapshot copies the catalogue so callers never observe later
// mutations by the provider.
func (s *Session) toolsSnapshot() []protocol.Tool {
	out := make([]protocol.Tool, len(s.Tools))
	copy(out, s.Tools)
	return out
}

func (s *Session) info() protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:          s.ID,
		HasProvider: s.Provider != nil,
		CallerCount: len(s.Callers),
		ToolCount:   len(s.Tools),
		CreatedAt:   s.CreatedAt,
	}
}

// pendingRoute pairs a forwarded request's internal id with the caller
// that originated it.
type pendingRoute struct {
	sessionID  string
	callerID   string
	originalID []byte
	method     string
	toolName   string
	enqueued   time.Time
	timer      *time.Timer
}
