package protocol

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 message set for the tool relay wire protocol.

// Version is the only accepted value of the "jsonrpc" member.
const Version = "2.0"

// Relay method names.
const (
	MethodRegisterTools = "tools/register"
	MethodListTools     = "tools/list"
	MethodCallTool      = "tools/call"
	MethodJoinSession   = "session/join"
	MethodPing          = "ping"

	// Notifications pushed by the relay.
	MethodConnected            = "connected"
	MethodToolsUpdated         = "tools/updated"
	MethodProviderDisconnected = "provider/disconnected"
)

// Role identifies which side of a session a peer is on.
type Role string

const (
	RoleProvider Role = "provider"
	RoleCaller   Role = "caller"
)

// Valid reports whether the role is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleCaller
}

// Kind classifies a message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "invalid"
}

// Message is a single JSON-RPC 2.0 message. The ID is kept raw because
// peers may use string or integer ids; the relay treats it as opaque
// except at the routing boundary.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Classify applies the classification rule: id and method present means
// request, id without method means response, method without id means
// notification.
func (m *Message) Classify() Kind {
	hasID := len(m.ID) > 0 && string(m.ID) != "null"
	switch {
	case hasID && m.Method != "":
		return KindRequest
	case hasID:
		return KindResponse
	case m.Method != "":
		return KindNotification
	}
	return KindInvalid
}

// Parse decodes a single message from a byte stream. Malformed JSON yields
// a parse error; a decoded value without jsonrpc="2.0" yields an
// invalid-request error. Batch forms are not accepted.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &Error{Code: CodeParse, Message: fmt.Sprintf("parse error: %v", err)}
	}
	if m.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid request: jsonrpc must be %q", Version)}
	}
	return &m, nil
}

// NewRequest builds a request with the given string id.
func NewRequest(id, method string, params any) (*Message, error) {
	m := &Message{JSONRPC: Version, ID: StringID(id), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		m.Params = raw
	}
	return m, nil
}

// NewNotification builds a notification (no id, no response expected).
func NewNotification(method string, params any) (*Message, error) {
	m := &Message{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		m.Params = raw
	}
	return m, nil
}

// NewResponse builds a success response addressed to the given raw id.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response addressed to the given raw id.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: rpcErr}
}

// StringID encodes a string id as its raw JSON form.
func StringID(id string) json.RawMessage {
	raw, _ := json.Marshal(id)
	return raw
}

// IDKey normalizes a raw id into a map key: string ids lose their quotes,
// everything else keeps its literal JSON text.
func IDKey(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// UnmarshalParams decodes the params member into out.
func (m *Message) UnmarshalParams(out any) error {
	if len(m.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Params, out); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

// ParamsMap decodes the params member into a generic map.
func (m *Message) ParamsMap() (map[string]any, error) {
	params := map[string]any{}
	if err := m.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	return params, nil
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
