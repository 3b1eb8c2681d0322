package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tool-relay/internal/config"
	"tool-relay/internal/protocol"
)

func testRelay(t *testing.T, timeoutMs int) *Relay {
	t.Helper()
	cfg := config.DefaultRelay()
	cfg.RequestTimeoutMs = timeoutMs
	return New(cfg, nil)
}

// readFrame pops the next queued push frame for a peer.
func readFrame(t *testing.T, p *Peer) *protocol.Message {
	t.Helper()
	select {
	case data := <-p.send:
		msg, err := protocol.Parse(data)
		if err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push frame")
		return nil
	}
}

// tryReadFrame is readFrame for helper goroutines, which must not Fatal.
func tryReadFrame(p *Peer) (*protocol.Message, error) {
	select {
	case data := <-p.send:
		return protocol.Parse(data)
	case <-time.After(2 * time.Second):
		return nil, fmt.Errorf("timed out waiting for push frame")
	}
}

func expectNoFrame(t *testing.T, p *Peer) {
	t.Helper()
	select {
	case data := <-p.send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func mustRequest(t *testing.T, id, method string, params any) *protocol.Message {
	t.Helper()
	m, err := protocol.NewRequest(id, method, params)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestAttachPushesConnectedAndSessionList(t *testing.T) {
	r := testRelay(t, 30000)

	provider := r.Attach("alpha", protocol.RoleProvider)
	msg := readFrame(t, provider)
	if msg.Method != protocol.MethodConnected {
		t.Fatalf("first frame method = %q, want connected", msg.Method)
	}
	var conn protocol.ConnectedParams
	if err := msg.UnmarshalParams(&conn); err != nil {
		t.Fatal(err)
	}
	if conn.PeerID != provider.ID || conn.SessionID != "alpha" || conn.Role != protocol.RoleProvider {
		t.Errorf("connected params = %+v", conn)
	}

	caller := r.Attach("beta", protocol.RoleCaller)
	if readFrame(t, caller).Method != protocol.MethodConnected {
		t.Fatal("caller should get connected first")
	}

	listing := readFrame(t, caller)
	if listing.Classify() != protocol.KindResponse {
		t.Fatalf("session listing should be response-shaped, got %v", listing.Classify())
	}
	var sessions protocol.SessionListResult
	if err := json.Unmarshal(listing.Result, &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions.Sessions) != 2 {
		t.Errorf("listing has %d sessions, want 2", len(sessions.Sessions))
	}
}

func TestRegisterToolsNotifiesCallers(t *testing.T) {
	r := testRelay(t, 30000)
	provider := r.Attach("s", protocol.RoleProvider)
	caller := r.Attach("s", protocol.RoleCaller)
	readFrame(t, provider) // connected
	readFrame(t, caller)   // connected
	readFrame(t, caller)   // session listing

	tools := []protocol.Tool{{Name: "echo", Description: "echoes", InputSchema: protocol.InputSchema{Type: "object"}}}
	r.Route("s", provider.ID, mustRequest(t, "p-1", protocol.MethodRegisterTools, protocol.RegisterToolsParams{Tools: tools}))

	update := readFrame(t, caller)
	if update.Method != protocol.MethodToolsUpdated {
		t.Fatalf("caller frame = %q, want tools/updated", update.Method)
	}

	ack := readFrame(t, provider)
	if protocol.IDKey(ack.ID) != "p-1" {
		t.Errorf("ack id = %q, want p-1", protocol.IDKey(ack.ID))
	}
	var result protocol.RegisterToolsResult
	if err := json.Unmarshal(ack.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Count != 1 {
		t.Errorf("register ack = %+v", result)
	}
}

func TestListToolsWithoutProviderServesCache(t *testing.T) {
	r := testRelay(t, 30000)
	provider := r.Attach("s", protocol.RoleProvider)
	caller := r.Attach("s", protocol.RoleCaller)
	readFrame(t, provider)
	readFrame(t, caller)
	readFrame(t, caller)

	tools := []protocol.Tool{{Name: "echo", InputSchema: protocol.InputSchema{Type: "object"}}}
	r.Route("s", provider.ID, mustRequest(t, "p-1", protocol.MethodRegisterTools, protocol.RegisterToolsParams{Tools: tools}))
	readFrame(t, caller)   // tools/updated
	readFrame(t, provider) // ack

	r.Disconnect(provider)
	readFrame(t, caller) // provider/disconnected

	r.Route("s", caller.ID, mustRequest(t, "c-1", protocol.MethodListTools, nil))
	resp := readFrame(t, caller)
	if protocol.IDKey(resp.ID) != "c-1" {
		t.Fatalf("id = %q, want c-1", protocol.IDKey(resp.ID))
	}
	var result protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
		t.Errorf("cached tools = %+v", result.Tools)
	}
}

func TestForwardRewritesAndRestoresID(t *testing.T) {
	r := testRelay(t, 30000)
	provider := r.Attach("s", protocol.RoleProvider)
	caller := r.Attach("s", protocol.RoleCaller)
	readFrame(t, provider)
	readFrame(t, caller)
	readFrame(t, caller)

	r.Route("s", caller.ID, mustRequest(t, "c-42", protocol.MethodCallTool, protocol.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "hi"}}))

	fwd := readFrame(t, provider)
	internalID := protocol.IDKey(fwd.ID)
	if internalID == "c-42" {
		t.Fatal("relay must rewrite the caller id on the forward leg")
	}
	if !strings.HasPrefix(internalID, "relay-") {
		t.Errorf("internal id = %q, want relay- prefix", internalID)
	}
	if fwd.Method != protocol.MethodCallTool {
		t.Errorf("forwarded method = %q", fwd.Method)
	}

	resp, err := protocol.NewResponse(fwd.ID, protocol.CallToolResult{Content: []protocol.ContentItem{protocol.TextContent("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	r.Route("s", provider.ID, resp)

	back := readFrame(t, caller)
	if protocol.IDKey(back.ID) != "c-42" {
		t.Errorf("restored id = %q, want c-42", protocol.IDKey(back.ID))
	}

	r.mu.Lock()
	pendingLeft := len(r.pending)
	r.mu.Unlock()
	if pendingLeft != 0 {
		t.Errorf("pending table should be empty, has %d entries", pendingLeft)
	}
}

func TestForwardTimeout(t *testing.T) {
	r := testRelay(t, 200)
	provider := r.Attach("d", protocol.RoleProvider)
	caller := r.Attach("d", protocol.RoleCaller)
	readFrame(t, provider)
	readFrame(t, caller)
	readFrame(t, caller)

	start := time.Now()
	r.Route("d", caller.ID, mustRequest(t, "c-1", protocol.MethodCallTool, protocol.CallToolParams{Name: "slow"}))
	readFrame(t, provider) // forwarded request, never answered

	resp := readFrame(t, caller)
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("timeout response took %s, want < 400ms", elapsed)
	}
	if resp.Error == nil || resp.Error.Code != protocol.CodeTimeout {
		t.Fatalf("expected timeout error, got %+v", resp)
	}
	if protocol.IDKey(resp.ID) != "c-1" {
		t.Errorf("timeout error id = %q, want c-1", protocol.IDKey(resp.ID))
	}
}

func TestListToolsTimeoutFallsBackToCache(t *testing.T) {
	r := testRelay(t, 100)
	provider := r.Attach("s", protocol.RoleProvider)
	caller := r.Attach("s", protocol.RoleCaller)
	readFrame(t, provider)
	readFrame(t, caller)
	readFrame(t, caller)

	tools := []protocol.Tool{{Name: "echo", InputSchema: protocol.InputSchema{Type: "object"}}}
	r.Route("s", provider.ID, mustRequest(t, "p-1", protocol.MethodRegisterTools, protocol.RegisterToolsParams{Tools: tools}))
	readFrame(t, caller)
	readFrame(t, provider)

	r.Route("s", caller.ID, mustRequest(t, "c-9", protocol.MethodListTools, nil))
	readFrame(t, provider) // forwarded, never answered

	resp := readFrame(t, caller)
	if resp.Error != nil {
		t.Fatalf("tools/list timeout must fall back to cache, got error %+v", resp.Error)
	}
	var result protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != 1 {
		t.Errorf("fallback served %d tools, want 1", len(result.Tools))
	}
}

func TestCallToolWithoutProvider(t *testing.T) {
	r := testRelay(t, 30000)
	caller := r.Attach("lonely", protocol.RoleCaller)
	readFrame(t, caller)
	readFrame(t, caller)

	r.Route("lonely", caller.ID, mustRequest(t, "c-1", protocol.MethodCallTool, protocol.CallToolParams{Name: "x"}))

	resp := readFrame(t, caller)
	if resp.Error == nil || resp.Error.Code != protocol.CodeSession {
		t.Fatalf("expected session error, got %+v", resp)
	}
	if !strings.Contains(resp.Error.Message, "lonely") {
		t.Errorf("error should name the session: %q", resp.Error.Message)
	}
}

func TestJoinSession(t *testing.T) {
	r := testRelay(t, 30000)
	provider := r.Attach("E", protocol.RoleProvider)
	readFrame(t, provider)
	tools := []protocol.Tool{{Name: "echo", InputSchema: protocol.InputSchema{Type: "object"}}}
	r.Route("E", provider.ID, mustRequest(t, "p-1", protocol.MethodRegisterTools, protocol.RegisterToolsParams{Tools: tools}))
	readFrame(t, provider)

	caller := r.Attach("auto-1", protocol.RoleCaller)
	readFrame(t, caller)
	readFrame(t, caller)

	r.Route("auto-1", caller.ID, mustRequest(t, "c-1", protocol.MethodJoinSession, protocol.JoinSessionParams{SessionID: "E"}))

	resp := readFrame(t, caller)
	var result protocol.JoinSessionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.SessionID != "E" || len(result.Tools) != 1 {
		t.Errorf("join result = %+v", result)
	}

	// The origin session is destroyed once the caller leaves it (I4), and
	// the caller now routes inside E even when posting under the old id.
	r.mu.Lock()
	_, originAlive := r.sessions["auto-1"]
	inE := r.sessions["E"].Callers[caller.ID] != nil
	r.mu.Unlock()
	if originAlive {
		t.Error("origin session should be destroyed after join")
	}
	if !inE {
		t.Error("caller should be in session E")
	}

	r.Route("auto-1", caller.ID, mustRequest(t, "c-2", protocol.MethodCallTool, protocol.CallToolParams{Name: "echo"}))
	fwd := readFrame(t, provider)
	if fwd.Method != protocol.MethodCallTool {
		t.Errorf("provider should receive the forwarded call, got %q", fwd.Method)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	r := testRelay(t, 30000)
	caller := r.Attach("auto-1", protocol.RoleCaller)
	readFrame(t, caller)
	readFrame(t, caller)

	r.Route("auto-1", caller.ID, mustRequest(t, "c-1", protocol.MethodJoinSession, protocol.JoinSessionParams{SessionID: "Z"}))

	resp := readFrame(t, caller)
	if resp.Error == nil || resp.Error.Code != protocol.CodeSession {
		t.Fatalf("expected session error, got %+v", resp)
	}
	if !strings.Contains(resp.Error.Message, "Z") {
		t.Errorf("error should name the missing session: %q", resp.Error.Message)
	}
}

func TestProviderTakeover(t *testing.T) {
	r := testRelay(t, 30000)
	first := r.Attach("X", protocol.RoleProvider)
	readFrame(t, first)

	second := r.Attach("X", protocol.RoleProvider)
	readFrame(t, second)

	terminal := readFrame(t, first)
	if terminal.Error == nil || terminal.Error.Code != protocol.CodeSession {
		t.Fatalf("incumbent should get terminal session error, got %+v", terminal)
	}
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("incumbent channel should be closed after takeover")
	}

	r.mu.Lock()
	current := r.sessions["X"].Provider
	r.mu.Unlock()
	if current != second {
		t.Fatal("second provider should own the session")
	}

	// The session still works end to end.
	caller := r.Attach("X", protocol.RoleCaller)
	readFrame(t, caller)
	readFrame(t, caller)
	r.Route("X", caller.ID, mustRequest(t, "c-1", protocol.MethodPing, nil))
	pong := readFrame(t, caller)
	var result protocol.PongResult
	if err := json.Unmarshal(pong.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.Pong || result.Timestamp == 0 {
		t.Errorf("pong = %+v", result)
	}
}

func TestDisconnectDestroysIdleSession(t *testing.T) {
	r := testRelay(t, 30000)
	provider := r.Attach("s", protocol.RoleProvider)
	caller := r.Attach("s", protocol.RoleCaller)
	readFrame(t, provider)
	readFrame(t, caller)
	readFrame(t, caller)

	r.Disconnect(provider)
	note := readFrame(t, caller)
	if note.Method != protocol.MethodProviderDisconnected {
		t.Fatalf("caller frame = %q, want provider/disconnected", note.Method)
	}

	if sessions, _, _ := r.Stats(); sessions != 1 {
		t.Fatalf("session should survive while a caller remains, have %d", sessions)
	}

	r.Disconnect(caller)
	if sessions, peers, _ := r.Stats(); sessions != 0 || peers != 0 {
		t.Errorf("relay should be empty, have %d sessions / %d peers", sessions, peers)
	}

	// Disconnect is idempotent.
	r.Disconnect(caller)
}

func TestUnmatchedResponseDropped(t *testing.T) {
	r := testRelay(t, 30000)
	provider := r.Attach("s", protocol.RoleProvider)
	readFrame(t, provider)

	resp, err := protocol.NewResponse(protocol.StringID("relay-nope-1"), map[string]any{"ok": true})
	if err != nil {
		t.Fatal(err)
	}
	r.Route("s", provider.ID, resp)
	expectNoFrame(t, provider)
}

func TestConcurrentFanIn(t *testing.T) {
	r := testRelay(t, 5000)
	provider := r.Attach("F", protocol.RoleProvider)
	readFrame(t, provider)

	// Simulated provider: echo every forwarded call's message argument.
	go func() {
		for {
			select {
			case data := <-provider.send:
				msg, err := protocol.Parse(data)
				if err != nil || msg.Classify() != protocol.KindRequest {
					continue
				}
				var params protocol.CallToolParams
				if err := msg.UnmarshalParams(&params); err != nil {
					continue
				}
				text, _ := params.Arguments["message"].(string)
				resp, err := protocol.NewResponse(msg.ID, protocol.CallToolResult{
					Content: []protocol.ContentItem{protocol.TextContent(text)},
				})
				if err != nil {
					continue
				}
				r.Route("F", provider.ID, resp)
			case <-provider.done:
				return
			}
		}
	}()

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller := r.Attach("F", protocol.RoleCaller)
			if _, err := tryReadFrame(caller); err != nil {
				errs <- err
				return
			}
			if _, err := tryReadFrame(caller); err != nil {
				errs <- err
				return
			}

			id := fmt.Sprintf("caller-%d-req", i)
			want := fmt.Sprintf("hello-%d", i)
			req, err := protocol.NewRequest(id, protocol.MethodCallTool, protocol.CallToolParams{
				Name:      "echo",
				Arguments: map[string]any{"message": want},
			})
			if err != nil {
				errs <- err
				return
			}
			r.Route("F", caller.ID, req)

			resp, err := tryReadFrame(caller)
			if err != nil {
				errs <- err
				return
			}
			if protocol.IDKey(resp.ID) != id {
				errs <- fmt.Errorf("caller %d got id %q, want %q", i, protocol.IDKey(resp.ID), id)
				return
			}
			var result protocol.CallToolResult
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				errs <- err
				return
			}
			if len(result.Content) != 1 || result.Content[0].Text != want {
				errs <- fmt.Errorf("caller %d got %+v, want text %q", i, result.Content, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
