package relay

import (
	"log"
	"sync"
	"time"

	"tool-relay/internal/config"
	"tool-relay/internal/protocol"
)

// Relay brokers request/response traffic between providers and callers.
// All session, peer, and pending-route mutations happen under one mutex;
// pending-route timers re-enter it before touching the table, so a
// response racing its own timeout resolves exactly once.
type Relay struct {
	requestTimeout time.Duration
	keepAlive      time.Duration
	debug          bool

	ids     *protocol.IDGenerator
	history *History
	started time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	peers    map[string]*Peer
	pending  map[string]*pendingRoute
}

// New creates a relay from the given configuration. The history store may
// be nil, which disables the audit trail.
func New(cfg *config.Relay, history *History) *Relay {
	return &Relay{
		requestTimeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		keepAlive:      time.Duration(cfg.KeepAliveMs) * time.Millisecond,
		debug:          cfg.Debug,
		ids:            protocol.NewIDGenerator("relay"),
		history:        history,
		started:        time.Now(),
		sessions:       map[string]*Session{},
		peers:          map[string]*Peer{},
		pending:        map[string]*pendingRoute{},
	}
}

// KeepAlive returns the heartbeat interval for push channels.
func (r *Relay) KeepAlive() time.Duration { return r.keepAlive }

// History returns the audit store, or nil when disabled.
func (r *Relay) History() *History { return r.history }

func (r *Relay) debugf(format string, args ...any) {
	if r.debug {
		log.Printf("relay: "+format, args...)
	}
}

// Attach registers a new peer on the given session and queues its initial
// push frames: the connected notification, and for callers a snapshot of
// the known sessions. Sessions are created lazily on first attach.
func (r *Relay) Attach(sessionID string, role protocol.Role) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessions[sessionID]
	if sess == nil {
		sess = newSession(sessionID)
		r.sessions[sessionID] = sess
		r.debugf("session %s created", sessionID)
	}

	peer := newPeer(role)
	peer.session = sess
	r.peers[peer.ID] = peer

	if role == protocol.RoleProvider {
		if incumbent := sess.Provider; incumbent != nil {
			// Takeover: the incumbent gets one terminal error, then its
			// channel closes. Pending routes stay with their callers and
			// time out normally.
			incumbent.push(&protocol.Message{
				JSONRPC: protocol.Version,
				Error:   protocol.NewError(protocol.CodeSession, "another provider connected"),
			})
			delete(r.peers, incumbent.ID)
			incumbent.session = nil
			incumbent.close()
			r.debugf("session %s: provider %s replaced by %s", sessionID, incumbent.ID, peer.ID)
		}
		sess.Provider = peer
	} else {
		sess.Callers[peer.ID] = peer
	}

	connected, err := protocol.NewNotification(protocol.MethodConnected, protocol.ConnectedParams{
		PeerID:    peer.ID,
		SessionID: sessionID,
		Role:      role,
	})
	if err == nil {
		peer.push(connected)
	}

	if role == protocol.RoleCaller {
		if listing, err := protocol.NewResponse(protocol.StringID("sessions"), protocol.SessionListResult{Sessions: r.sessionInfosLocked()}); err == nil {
			peer.push(listing)
		}
	}

	return peer
}

// Disconnect removes a peer after its push channel closed. Idempotent: a
// provider already replaced by takeover is a no-op.
func (r *Relay) Disconnect(peer *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[peer.ID]; !ok {
		return
	}
	delete(r.peers, peer.ID)
	peer.close()

	sess := peer.session
	if sess == nil {
		return
	}
	peer.session = nil

	if sess.Provider == peer {
		sess.Provider = nil
		if note, err := protocol.NewNotification(protocol.MethodProviderDisconnected, protocol.ProviderDisconnectedParams{SessionID: sess.ID}); err == nil {
			for _, caller := range sess.Callers {
				caller.push(note)
			}
		}
		r.debugf("session %s: provider %s disconnected", sess.ID, peer.ID)
	} else {
		delete(sess.Callers, peer.ID)
		r.debugf("session %s: caller %s disconnected", sess.ID, peer.ID)
	}

	r.destroyIfIdleLocked(sess)
}

func (r *Relay) destroyIfIdleLocked(sess *Session) {
	if sess.idle() {
		delete(r.sessions, sess.ID)
		r.debugf("session %s destroyed", sess.ID)
	}
}

func (r *Relay) sessionInfosLocked() []protocol.SessionInfo {
	infos := make([]protocol.SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, sess.info())
	}
	return infos
}

// Sessions returns a snapshot of the known sessions.
func (r *Relay) Sessions() []protocol.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionInfosLocked()
}

// Stats returns the session and peer counts plus the relay uptime.
func (r *Relay) Stats() (sessions, peers int, uptime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.peers), time.Since(r.started)
}

// Lookup returns the peer with the given id, if attached.
func (r *Relay) Lookup(peerID string) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[peerID]
}

// rewriteID allocates a relay-internal id for a forwarded request. Ids
// never collide across sessions: one generator serves the whole relay.
func (r *Relay) rewriteID() string {
	return r.ids.Next()
}
