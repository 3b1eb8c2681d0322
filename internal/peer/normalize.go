package peer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"tool-relay/internal/protocol"
)

// base64Run matches a string that looks like raw base64 payload.
var base64Run = regexp.MustCompile(`^[A-Za-z0-9+/=\r\n]+$`)

// minBase64Len is the shortest bare string treated as image data.
const minBase64Len = 100

// normalizeResult coerces a handler return value into the content-item
// union: item lists pass through, single items are wrapped, strings go
// through the image heuristic, anything else is JSON-serialized text.
func normalizeResult(v any) []protocol.ContentItem {
	switch val := v.(type) {
	case []protocol.ContentItem:
		return val
	case protocol.ContentItem:
		return []protocol.ContentItem{val}
	case *protocol.ContentItem:
		if val == nil {
			return []protocol.ContentItem{protocol.TextContent("null")}
		}
		return []protocol.ContentItem{*val}
	case string:
		if item, ok := imageFromString(val); ok {
			return []protocol.ContentItem{item}
		}
		return []protocol.ContentItem{protocol.TextContent(val)}
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return []protocol.ContentItem{protocol.TextContent(fmt.Sprintf("%v", val))}
		}
		return []protocol.ContentItem{protocol.TextContent(string(data))}
	}
}

// imageFromString applies the image heuristic: a data:image/* URI, or a
// long base64-shaped run, reads as image data (png unless the URI says
// otherwise).
func imageFromString(s string) (protocol.ContentItem, bool) {
	if strings.HasPrefix(s, "data:image/") {
		mime := "image/png"
		data := s
		if end := strings.IndexAny(s, ";,"); end > len("data:") {
			mime = s[len("data:"):end]
		}
		if comma := strings.Index(s, ","); comma >= 0 {
			data = s[comma+1:]
		}
		return protocol.ImageContent(data, mime), true
	}
	if len(s) >= minBase64Len && base64Run.MatchString(s) {
		return protocol.ImageContent(s, "image/png"), true
	}
	return protocol.ContentItem{}, false
}
