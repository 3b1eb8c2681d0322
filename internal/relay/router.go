package relay

import (
	"encoding/json"
	"log"
	"time"

	"tool-relay/internal/protocol"
)

// Route processes one ingested message. The HTTP layer has already
// acknowledged the POST; every semantic outcome, including errors, flows
// down a push channel.
//
// The sessionID is the one named in the POST query. Senders are resolved
// by peerId when given, so a caller that joined another session may keep
// posting under either session id; routing always follows the peer's
// current session.
func (r *Relay) Route(sessionID, peerID string, m *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Classify() == protocol.KindResponse {
		r.resolvePendingLocked(m)
		return
	}

	sender := r.resolveSenderLocked(sessionID, peerID, m)
	if sender == nil {
		log.Printf("relay: dropping %s %q in session %s: unknown sender", m.Classify(), m.Method, sessionID)
		return
	}
	sess := sender.session
	if sess == nil {
		return
	}

	switch m.Method {
	case protocol.MethodRegisterTools:
		r.handleRegisterToolsLocked(sess, sender, m)
	case protocol.MethodListTools:
		r.handleListToolsLocked(sess, sender, m)
	case protocol.MethodCallTool:
		r.handleCallToolLocked(sess, sender, m)
	case protocol.MethodJoinSession:
		r.handleJoinSessionLocked(sender, m)
	case protocol.MethodPing:
		r.respondLocked(sender, m.ID, protocol.PongResult{Pong: true, Timestamp: time.Now().UnixMilli()})
	default:
		log.Printf("relay: dropping unroutable %s %q from peer %s", m.Classify(), m.Method, sender.ID)
	}
}

// resolveSenderLocked finds the peer a message came from. With a peerId
// the relay-wide registry answers directly; without one the sender is
// inferred from the message shape, falling back to the session's sole
// caller when that is unambiguous.
func (r *Relay) resolveSenderLocked(sessionID, peerID string, m *protocol.Message) *Peer {
	if peerID != "" {
		return r.peers[peerID]
	}
	sess := r.sessions[sessionID]
	if sess == nil {
		return nil
	}
	if m.Method == protocol.MethodRegisterTools {
		return sess.Provider
	}
	if len(sess.Callers) == 1 {
		for _, caller := range sess.Callers {
			return caller
		}
	}
	if len(sess.Callers) == 0 && sess.Provider != nil {
		return sess.Provider
	}
	return nil
}

func (r *Relay) handleRegisterToolsLocked(sess *Session, sender *Peer, m *protocol.Message) {
	if sender.Role != protocol.RoleProvider {
		log.Printf("relay: dropping tools/register from non-provider peer %s", sender.ID)
		return
	}

	var params protocol.RegisterToolsParams
	if err := m.UnmarshalParams(&params); err != nil {
		r.pushErrorLocked(sender, m.ID, protocol.AsError(err, protocol.CodeInvalidParams))
		return
	}

	// Later registrations replace the catalogue wholesale.
	sess.Tools = params.Tools
	r.debugf("session %s: %d tools registered", sess.ID, len(params.Tools))

	if note, err := protocol.NewNotification(protocol.MethodToolsUpdated, protocol.ToolsUpdatedParams{Tools: sess.toolsSnapshot()}); err == nil {
		for _, caller := range sess.Callers {
			caller.push(note)
		}
	}

	r.respondLocked(sender, m.ID, protocol.RegisterToolsResult{Success: true, Count: len(params.Tools)})
}

func (r *Relay) handleListToolsLocked(sess *Session, sender *Peer, m *protocol.Message) {
	if sess.Provider == nil {
		r.respondLocked(sender, m.ID, protocol.ListToolsResult{Tools: sess.toolsSnapshot()})
		return
	}
	r.forwardLocked(sess, sender, m)
}

func (r *Relay) handleCallToolLocked(sess *Session, sender *Peer, m *protocol.Message) {
	if sess.Provider == nil {
		r.pushErrorLocked(sender, m.ID, protocol.Errorf(protocol.CodeSession, "no provider connected in session %s", sess.ID))
		return
	}
	r.forwardLocked(sess, sender, m)
}

func (r *Relay) handleJoinSessionLocked(sender *Peer, m *protocol.Message) {
	if sender.Role != protocol.RoleCaller {
		log.Printf("relay: dropping session/join from non-caller peer %s", sender.ID)
		return
	}

	var params protocol.JoinSessionParams
	if err := m.UnmarshalParams(&params); err != nil {
		r.pushErrorLocked(sender, m.ID, protocol.AsError(err, protocol.CodeInvalidParams))
		return
	}

	target := r.sessions[params.SessionID]
	if target == nil {
		r.pushErrorLocked(sender, m.ID, protocol.Errorf(protocol.CodeSession, "session not found: %s", params.SessionID))
		return
	}

	if origin := sender.session; origin != target {
		delete(origin.Callers, sender.ID)
		target.Callers[sender.ID] = sender
		sender.session = target
		r.destroyIfIdleLocked(origin)
		r.debugf("caller %s joined session %s", sender.ID, target.ID)
	}

	r.respondLocked(sender, m.ID, protocol.JoinSessionResult{
		Success:   true,
		SessionID: target.ID,
		Tools:     target.toolsSnapshot(),
	})
}

// forwardLocked rewrites the request id, records the pending route, arms
// its timeout, and pushes the request to the session's provider.
func (r *Relay) forwardLocked(sess *Session, caller *Peer, m *protocol.Message) {
	internalID := r.rewriteID()

	route := &pendingRoute{
		sessionID:  sess.ID,
		callerID:   caller.ID,
		originalID: append([]byte(nil), m.ID...),
		method:     m.Method,
		enqueued:   time.Now(),
	}
	if m.Method == protocol.MethodCallTool {
		var params protocol.CallToolParams
		if err := m.UnmarshalParams(&params); err == nil {
			route.toolName = params.Name
		}
	}
	r.pending[internalID] = route
	route.timer = time.AfterFunc(r.requestTimeout, func() { r.expirePending(internalID) })

	fwd := *m
	fwd.ID = protocol.StringID(internalID)
	sess.Provider.push(&fwd)
	r.debugf("session %s: forwarded %s as %s for caller %s", sess.ID, m.Method, internalID, caller.ID)
}

// expirePending fires when a forwarded request outlives the timeout. For
// tools/list the caller gets the cached catalogue instead of an error, so
// a hung provider does not hide tools the relay already knows about.
func (r *Relay) expirePending(internalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	route, ok := r.pending[internalID]
	if !ok {
		return
	}
	delete(r.pending, internalID)

	caller := r.peers[route.callerID]
	if caller == nil {
		return
	}

	if route.method == protocol.MethodListTools {
		var tools []protocol.Tool
		if sess := r.sessions[route.sessionID]; sess != nil {
			tools = sess.toolsSnapshot()
		}
		r.respondLocked(caller, route.originalID, protocol.ListToolsResult{Tools: tools})
		return
	}

	r.pushErrorLocked(caller, route.originalID, protocol.Errorf(protocol.CodeTimeout, "request timed out after %s", r.requestTimeout))
}

// resolvePendingLocked routes a provider response back to its caller,
// restoring the caller's original id. Responses without a pending entry
// are dropped.
func (r *Relay) resolvePendingLocked(m *protocol.Message) {
	key := protocol.IDKey(m.ID)
	route, ok := r.pending[key]
	if !ok {
		r.debugf("dropping unmatched response id %s", key)
		return
	}
	delete(r.pending, key)
	route.timer.Stop()

	if r.history != nil && route.method == protocol.MethodCallTool {
		r.recordCall(route, m)
	}

	caller := r.peers[route.callerID]
	if caller == nil {
		r.debugf("dropping response %s: caller %s detached", key, route.callerID)
		return
	}

	out := *m
	out.ID = route.originalID
	caller.push(&out)
}

func (r *Relay) recordCall(route *pendingRoute, m *protocol.Message) {
	isError := m.Error != nil
	if !isError && len(m.Result) > 0 {
		var result protocol.CallToolResult
		if json.Unmarshal(m.Result, &result) == nil {
			isError = result.IsError
		}
	}
	rec := CallRecord{
		Session:    route.sessionID,
		Tool:       route.toolName,
		Caller:     route.callerID,
		DurationMs: time.Since(route.enqueued).Milliseconds(),
		IsError:    isError,
	}
	go func() {
		if err := r.history.Record(rec); err != nil {
			log.Printf("relay: record call history: %v", err)
		}
	}()
}

func (r *Relay) respondLocked(peer *Peer, id []byte, result any) {
	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		log.Printf("relay: encode response: %v", err)
		return
	}
	peer.push(resp)
}

func (r *Relay) pushErrorLocked(peer *Peer, id []byte, rpcErr *protocol.Error) {
	peer.push(protocol.NewErrorResponse(id, rpcErr))
}
