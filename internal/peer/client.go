package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"tool-relay/internal/protocol"
)

const postTimeout = 30 * time.Second

// State is the multiplexer connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "terminal"
}

// Handler processes one inbound request and produces one result value.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// ToolFunc executes one tool call with its arguments map.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// ToolDef pairs a tool descriptor with its executor.
type ToolDef struct {
	Tool protocol.Tool
	Run  ToolFunc
}

// Config configures a peer client. Zero values take the documented
// defaults; DisableReconnect flips the default-on auto-reconnect off.
type Config struct {
	ServerURL            string
	SessionID            string
	Role                 protocol.Role
	DisableReconnect     bool
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	ConnectionTimeout    time.Duration
	RequestTimeout       time.Duration
	Debug                bool
}

func (c *Config) applyDefaults() {
	if c.SessionID == "" {
		c.SessionID = "session-" + uuid.New().String()[:8]
	}
	if c.Role == "" {
		c.Role = protocol.RoleCaller
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

type handlerEntry struct {
	fn Handler
	// raw handlers return wire-ready result payloads; registered handlers
	// go through content normalization.
	raw bool
}

type pendingLocal struct {
	ch chan *protocol.Message
}

// Client is the request/response multiplexer used by both provider and
// caller peers. It owns the push-channel connection, correlates inbound
// responses with in-flight outbound requests, and dispatches inbound
// requests through a handler table.
type Client struct {
	cfg    Config
	httpc  *http.Client
	ids    *protocol.IDGenerator
	events *emitter

	mu         sync.Mutex
	state      State
	peerID     string
	handlers   map[string]handlerEntry
	tools      []protocol.Tool
	executors  map[string]ToolFunc
	pending    map[string]*pendingLocal
	connected  chan struct{}
	cancel     context.CancelFunc
	streamCtx  context.Context
	reconnects int
}

// NewClient creates a client. Provider clients come with the built-in
// tools/list and tools/call handlers installed.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:       cfg,
		httpc:     &http.Client{Timeout: postTimeout},
		ids:       protocol.NewIDGenerator("peer"),
		events:    newEmitter(),
		handlers:  map[string]handlerEntry{},
		executors: map[string]ToolFunc{},
		pending:   map[string]*pendingLocal{},
	}
	if cfg.Role == protocol.RoleProvider {
		c.handlers[protocol.MethodListTools] = handlerEntry{fn: c.builtinListTools, raw: true}
		c.handlers[protocol.MethodCallTool] = handlerEntry{fn: c.builtinCallTool, raw: true}
	}
	return c
}

// PeerID returns the relay-assigned peer id, empty until connected.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// SessionID returns the session this peer attached to.
func (c *Client) SessionID() string { return c.cfg.SessionID }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On subscribes to an observation kind.
func (c *Client) On(kind EventKind, fn func(Event)) {
	c.events.on(kind, fn)
}

func (c *Client) debugf(format string, args ...any) {
	if c.cfg.Debug {
		log.Printf("peer: "+format, args...)
	}
}

// Attach opens the push channel and blocks until the relay's connected
// notification arrives. Reconnects (when enabled) use exponential backoff
// from ReconnectBaseDelay, up to MaxReconnectAttempts.
func (c *Client) Attach(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return protocol.NewError(protocol.CodeConnection, "already attached")
	}
	c.state = StateConnecting
	c.connected = make(chan struct{})
	connected := c.connected

	streamCtx, cancel := context.WithCancel(context.Background())
	c.streamCtx = streamCtx
	c.cancel = cancel
	c.mu.Unlock()

	endpoint := fmt.Sprintf("%s/events?sessionId=%s&role=%s",
		strings.TrimRight(c.cfg.ServerURL, "/"),
		url.QueryEscape(c.cfg.SessionID),
		url.QueryEscape(string(c.cfg.Role)))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		cancel()
		c.setState(StateTerminal)
		return protocol.Errorf(protocol.CodeConnection, "build events request: %v", err)
	}

	sseClient := &sse.Client{
		HTTPClient: &http.Client{},
		Backoff: sse.Backoff{
			InitialInterval: c.cfg.ReconnectBaseDelay,
			Multiplier:      2,
		},
		OnRetry: func(err error, delay time.Duration) {
			// Reconnect policy is enforced here, not via go-sse limits:
			// cancelling the stream context aborts the redial.
			c.mu.Lock()
			c.reconnects++
			exhausted := c.cfg.DisableReconnect || c.reconnects > c.cfg.MaxReconnectAttempts
			c.mu.Unlock()
			if exhausted {
				cancel()
				c.onStreamLost(err, false)
				return
			}
			c.debugf("push channel lost (%v), retrying in %s", err, delay)
			c.onStreamLost(err, true)
		},
	}

	conn := sseClient.NewConnection(req)
	conn.SubscribeToAll(func(ev sse.Event) {
		c.handleFrame([]byte(ev.Data))
	})

	go func() {
		err := conn.Connect()
		c.onStreamLost(err, false)
	}()

	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	case <-time.After(c.cfg.ConnectionTimeout):
		c.Disconnect()
		return protocol.Errorf(protocol.CodeConnection, "connection to %s timed out", c.cfg.ServerURL)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// onStreamLost handles both a retryable drop (go-sse is about to redial)
// and a final close (Connect returned). In-flight requests straddling a
// reconnect always fail.
func (c *Client) onStreamLost(err error, retrying bool) {
	c.mu.Lock()
	if c.state == StateTerminal {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	if retrying {
		c.state = StateReconnecting
	} else {
		c.state = StateTerminal
	}
	peerID := c.peerID
	c.failPendingLocked(protocol.NewError(protocol.CodeConnection, "push channel closed"))
	c.mu.Unlock()

	if wasConnected {
		c.events.emit(Event{Kind: EventDisconnect, PeerID: peerID, Err: err})
	}
	if err != nil && !retrying {
		c.events.emit(Event{Kind: EventError, Err: err})
	}
}

// failPendingLocked fails every in-flight request with the given error.
func (c *Client) failPendingLocked(rpcErr *protocol.Error) {
	for id, pl := range c.pending {
		resp := protocol.NewErrorResponse(protocol.StringID(id), rpcErr)
		select {
		case pl.ch <- resp:
		default:
		}
		delete(c.pending, id)
	}
}

// Disconnect closes the push channel, fails all pending requests with a
// connection error, and inhibits auto-reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateTerminal {
		c.mu.Unlock()
		return
	}
	c.state = StateTerminal
	peerID := c.peerID
	cancel := c.cancel
	c.failPendingLocked(protocol.NewError(protocol.CodeConnection, "disconnected"))
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.events.emit(Event{Kind: EventDisconnect, PeerID: peerID})
}

// Request sends a request and awaits its correlated response. Failures
// are typed: timeout, connection loss, or the responder's own error.
// Requests are never retried.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeConnection, "not connected (state %s)", c.state)
	}
	id := c.ids.Next()
	pl := &pendingLocal{ch: make(chan *protocol.Message, 1)}
	c.pending[id] = pl
	peerID := c.peerID
	c.mu.Unlock()

	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		c.removePending(id)
		return nil, err
	}

	if err := c.post(ctx, msg, peerID); err != nil {
		c.removePending(id)
		return nil, protocol.AsError(err, protocol.CodeConnection)
	}

	select {
	case resp := <-pl.ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-time.After(c.cfg.RequestTimeout):
		c.removePending(id)
		return nil, protocol.Errorf(protocol.CodeTimeout, "request %s timed out after %s", method, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	peerID := c.peerID
	state := c.state
	c.mu.Unlock()
	if state != StateConnected {
		return protocol.Errorf(protocol.CodeConnection, "not connected (state %s)", state)
	}

	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.post(ctx, msg, peerID)
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// post delivers one message to the relay's ingest endpoint.
func (c *Client) post(ctx context.Context, msg *protocol.Message, peerID string) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/message?sessionId=%s",
		strings.TrimRight(c.cfg.ServerURL, "/"), url.QueryEscape(c.cfg.SessionID))
	if peerID != "" {
		endpoint += "&peerId=" + url.QueryEscape(peerID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read message response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return protocol.Errorf(protocol.CodeConnection, "relay rejected message with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// RegisterHandler installs a dispatch entry for a method. Return values
// are normalized to content items before being sent back.
func (c *Client) RegisterHandler(method string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = handlerEntry{fn: fn}
}

// RegisterTool adds a tool to the local catalogue. A tool with the same
// name replaces the previous entry.
func (c *Client) RegisterTool(tool protocol.Tool, fn ToolFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executors[tool.Name] = fn
	for i, existing := range c.tools {
		if existing.Name == tool.Name {
			c.tools[i] = tool
			return
		}
	}
	c.tools = append(c.tools, tool)
}

// RegisterTools announces the catalogue to the relay: the explicit
// argument when given, otherwise everything registered locally.
func (c *Client) RegisterTools(ctx context.Context, tools ...protocol.Tool) error {
	if len(tools) == 0 {
		c.mu.Lock()
		tools = make([]protocol.Tool, len(c.tools))
		copy(tools, c.tools)
		c.mu.Unlock()
	}
	_, err := c.Request(ctx, protocol.MethodRegisterTools, protocol.RegisterToolsParams{Tools: tools})
	return err
}

// Join adopts this caller into the target session.
func (c *Client) Join(ctx context.Context, sessionID string) (*protocol.JoinSessionResult, error) {
	raw, err := c.Request(ctx, protocol.MethodJoinSession, protocol.JoinSessionParams{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	var result protocol.JoinSessionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal join result: %w", err)
	}
	return &result, nil
}

// ListTools fetches the session's tool catalogue.
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	raw, err := c.Request(ctx, protocol.MethodListTools, nil)
	if err != nil {
		return nil, err
	}
	var result protocol.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tool list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool through the relay.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*protocol.CallToolResult, error) {
	raw, err := c.Request(ctx, protocol.MethodCallTool, protocol.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result protocol.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal call result: %w", err)
	}
	return &result, nil
}

// Ping round-trips through the relay.
func (c *Client) Ping(ctx context.Context) (*protocol.PongResult, error) {
	raw, err := c.Request(ctx, protocol.MethodPing, nil)
	if err != nil {
		return nil, err
	}
	var result protocol.PongResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal pong: %w", err)
	}
	return &result, nil
}
