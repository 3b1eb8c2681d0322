package peer

import (
	"context"
	"log"

	"tool-relay/internal/protocol"
)

// handleFrame processes one frame from the push channel. Frames are
// parsed sequentially in stream order; request dispatch forks so a slow
// handler never stalls response correlation.
func (c *Client) handleFrame(data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		c.debugf("dropping malformed frame: %v", err)
		return
	}

	// A terminal error frame (error member, no id) means the relay closed
	// this peer, e.g. a provider takeover.
	if msg.Classify() == protocol.KindInvalid {
		if msg.Error != nil {
			c.debugf("terminal relay error: %s", msg.Error.Message)
			c.events.emit(Event{Kind: EventError, Err: msg.Error, Message: msg})
		}
		return
	}

	switch msg.Classify() {
	case protocol.KindResponse:
		c.resolvePending(msg)
	case protocol.KindRequest:
		go c.dispatchRequest(msg)
	case protocol.KindNotification:
		c.handleNotification(msg)
	}
}

// resolvePending matches a response to its in-flight request by id.
// Unmatched responses resolve nothing and are emitted as message
// observations; this is how the session listing pushed at attach reaches
// observers.
func (c *Client) resolvePending(msg *protocol.Message) {
	key := protocol.IDKey(msg.ID)

	c.mu.Lock()
	pl, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.debugf("unmatched response id %s", key)
		c.events.emit(Event{Kind: EventMessage, Message: msg})
		return
	}
	pl.ch <- msg
}

func (c *Client) handleNotification(msg *protocol.Message) {
	switch msg.Method {
	case protocol.MethodConnected:
		var params protocol.ConnectedParams
		if err := msg.UnmarshalParams(&params); err != nil {
			c.debugf("bad connected notification: %v", err)
			return
		}
		c.mu.Lock()
		c.peerID = params.PeerID
		c.state = StateConnected
		c.reconnects = 0
		connected := c.connected
		c.mu.Unlock()

		c.debugf("connected as %s (session %s)", params.PeerID, params.SessionID)
		if connected != nil {
			select {
			case <-connected:
			default:
				close(connected)
			}
		}
		c.events.emit(Event{Kind: EventConnect, PeerID: params.PeerID})
	default:
		c.events.emit(Event{Kind: EventMessage, Message: msg})
	}
}

// dispatchRequest runs one inbound request through the handler table and
// posts the response. Handler panics and errors never escape: they become
// error responses.
func (c *Client) dispatchRequest(msg *protocol.Message) {
	c.mu.Lock()
	entry, ok := c.handlers[msg.Method]
	peerID := c.peerID
	ctx := c.streamCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if !ok {
		c.respond(ctx, protocol.NewErrorResponse(msg.ID, protocol.Errorf(protocol.CodeMethodNotFound, "method not found: %s", msg.Method)), peerID)
		return
	}

	params, err := msg.ParamsMap()
	if err != nil {
		c.respond(ctx, protocol.NewErrorResponse(msg.ID, protocol.AsError(err, protocol.CodeInvalidParams)), peerID)
		return
	}

	result, err := c.runHandler(ctx, entry, params)
	if err != nil {
		c.respond(ctx, protocol.NewErrorResponse(msg.ID, protocol.AsError(err, protocol.CodeExecution)), peerID)
		return
	}

	if !entry.raw {
		result = normalizeResult(result)
	}
	resp, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		c.respond(ctx, protocol.NewErrorResponse(msg.ID, protocol.Errorf(protocol.CodeInternal, "encode result: %v", err)), peerID)
		return
	}
	c.respond(ctx, resp, peerID)
}

func (c *Client) runHandler(ctx context.Context, entry handlerEntry, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = protocol.Errorf(protocol.CodeInternal, "handler panicked: %v", r)
		}
	}()
	return entry.fn(ctx, params)
}

func (c *Client) respond(ctx context.Context, msg *protocol.Message, peerID string) {
	if err := c.post(ctx, msg, peerID); err != nil {
		log.Printf("peer: post response: %v", err)
	}
}

// builtinListTools answers a forwarded tools/list with the local
// catalogue.
func (c *Client) builtinListTools(_ context.Context, _ map[string]any) (any, error) {
	c.mu.Lock()
	tools := make([]protocol.Tool, len(c.tools))
	copy(tools, c.tools)
	c.mu.Unlock()
	return protocol.ListToolsResult{Tools: tools}, nil
}

// builtinCallTool looks the tool up in the executor table and wraps the
// outcome in a call result. Failures stay inside the result (isError plus
// the execution code) so the response never carries both result and error
// members.
func (c *Client) builtinCallTool(ctx context.Context, params map[string]any) (any, error) {
	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	if name == "" {
		return callFailure(protocol.Errorf(protocol.CodeInvalidParams, "tool name is required")), nil
	}

	c.mu.Lock()
	fn, ok := c.executors[name]
	c.mu.Unlock()
	if !ok {
		return callFailure(protocol.Errorf(protocol.CodeToolNotFound, "tool not found: %s", name)), nil
	}

	c.events.emit(Event{Kind: EventToolCall, Tool: name, Arguments: args})

	result, err := c.runTool(ctx, fn, args)
	if err != nil {
		return callFailure(protocol.AsError(err, protocol.CodeExecution)), nil
	}

	return protocol.CallToolResult{Content: normalizeResult(result), IsError: false}, nil
}

func (c *Client) runTool(ctx context.Context, fn ToolFunc, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = protocol.Errorf(protocol.CodeExecution, "tool panicked: %v", r)
		}
	}()
	return fn(ctx, args)
}

func callFailure(rpcErr *protocol.Error) protocol.CallToolResult {
	return protocol.CallToolResult{
		Content:   []protocol.ContentItem{protocol.TextContent(rpcErr.Message)},
		IsError:   true,
		ErrorCode: rpcErr.Code,
	}
}
