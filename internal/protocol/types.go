package protocol

import "time"

// Tool describes a callable tool offered by a provider. Names are unique
// within a session's catalogue.
type Tool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  InputSchema    `json:"inputSchema"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// InputSchema is the JSON-schema fragment describing a tool's arguments.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single property in the input schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Content item types.
const (
	ContentText     = "text"
	ContentImage    = "image"
	ContentResource = "resource"
)

// ContentItem is one element of a tool result payload.
type ContentItem struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// resource
	URI  string `json:"uri,omitempty"`
	Blob string `json:"blob,omitempty"`
}

// TextContent builds a text item.
func TextContent(text string) ContentItem {
	return ContentItem{Type: ContentText, Text: text}
}

// ImageContent builds an image item from base64 data.
func ImageContent(data, mimeType string) ContentItem {
	return ContentItem{Type: ContentImage, Data: data, MimeType: mimeType}
}

// CallToolResult is the result shape of a tools/call round. Failures set
// IsError and carry the execution error code in ErrorCode so strict
// JSON-RPC clients never see a response with both result and error members.
type CallToolResult struct {
	Content   []ContentItem `json:"content"`
	IsError   bool          `json:"isError"`
	ErrorCode int           `json:"errorCode,omitempty"`
}

// RegisterToolsParams is the payload of tools/register.
type RegisterToolsParams struct {
	Tools []Tool `json:"tools"`
}

// RegisterToolsResult acknowledges a tools/register.
type RegisterToolsResult struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// ListToolsResult is the result of tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams is the payload of tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// JoinSessionParams is the payload of session/join.
type JoinSessionParams struct {
	SessionID string `json:"sessionId"`
}

// JoinSessionResult is the result of session/join.
type JoinSessionResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Tools     []Tool `json:"tools"`
}

// PongResult is the result of ping.
type PongResult struct {
	Pong      bool  `json:"pong"`
	Timestamp int64 `json:"timestamp"`
}

// ConnectedParams is the first notification pushed to a freshly attached
// peer; it is how a peer learns its relay-assigned id.
type ConnectedParams struct {
	PeerID    string `json:"peerId"`
	SessionID string `json:"sessionId"`
	Role      Role   `json:"role"`
}

// ToolsUpdatedParams notifies callers that the session catalogue changed.
type ToolsUpdatedParams struct {
	Tools []Tool `json:"tools"`
}

// ProviderDisconnectedParams notifies callers that the provider went away.
type ProviderDisconnectedParams struct {
	SessionID string `json:"sessionId"`
}

// SessionInfo is one entry of a session listing.
type SessionInfo struct {
	ID          string    `json:"id"`
	HasProvider bool      `json:"hasProvider"`
	CallerCount int       `json:"callerCount"`
	ToolCount   int       `json:"toolCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SessionListResult is pushed to callers at attach and served by the
// session-listing probe.
type SessionListResult struct {
	Sessions []SessionInfo `json:"sessions"`
}
