package peer

import (
	"strings"
	"testing"

	"tool-relay/internal/protocol"
)

func TestNormalizeResult(t *testing.T) {
	longBase64 := strings.Repeat("iVBORw0KGgoAAAANSUhEUg", 5) // > 100 chars, base64-shaped

	tests := []struct {
		name     string
		in       any
		wantType string
		wantText string
		wantMime string
		wantLen  int
	}{
		{
			name:     "plain string becomes text",
			in:       "hello",
			wantType: protocol.ContentText,
			wantText: "hello",
			wantLen:  1,
		},
		{
			name:     "data uri becomes image with inferred mime",
			in:       "data:image/jpeg;base64,/9j/4AAQ",
			wantType: protocol.ContentImage,
			wantMime: "image/jpeg",
			wantLen:  1,
		},
		{
			name:     "gif data uri",
			in:       "data:image/gif;base64,R0lGOD",
			wantType: protocol.ContentImage,
			wantMime: "image/gif",
			wantLen:  1,
		},
		{
			name:     "long base64 run defaults to png",
			in:       longBase64,
			wantType: protocol.ContentImage,
			wantMime: "image/png",
			wantLen:  1,
		},
		{
			name:     "short base64-looking string stays text",
			in:       "aGVsbG8=",
			wantType: protocol.ContentText,
			wantText: "aGVsbG8=",
			wantLen:  1,
		},
		{
			name:     "single item is wrapped",
			in:       protocol.TextContent("x"),
			wantType: protocol.ContentText,
			wantText: "x",
			wantLen:  1,
		},
		{
			name:     "map is json-serialized",
			in:       map[string]any{"ok": true},
			wantType: protocol.ContentText,
			wantText: `{"ok":true}`,
			wantLen:  1,
		},
		{
			name:     "number is json-serialized",
			in:       42,
			wantType: protocol.ContentText,
			wantText: "42",
			wantLen:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := normalizeResult(tt.in)
			if len(items) != tt.wantLen {
				t.Fatalf("got %d items, want %d", len(items), tt.wantLen)
			}
			item := items[0]
			if item.Type != tt.wantType {
				t.Errorf("type = %q, want %q", item.Type, tt.wantType)
			}
			if tt.wantText != "" && item.Text != tt.wantText {
				t.Errorf("text = %q, want %q", item.Text, tt.wantText)
			}
			if tt.wantMime != "" && item.MimeType != tt.wantMime {
				t.Errorf("mime = %q, want %q", item.MimeType, tt.wantMime)
			}
		})
	}
}

func TestNormalizeResultPassesListsThrough(t *testing.T) {
	in := []protocol.ContentItem{protocol.TextContent("a"), protocol.ImageContent("xx", "image/png")}
	out := normalizeResult(in)
	if len(out) != 2 || out[0].Text != "a" || out[1].Type != protocol.ContentImage {
		t.Errorf("list should pass through unchanged, got %+v", out)
	}
}

func TestImageFromStringStripsDataPrefix(t *testing.T) {
	item, ok := imageFromString("data:image/png;base64,AAAA")
	if !ok {
		t.Fatal("data uri should read as image")
	}
	if item.Data != "AAAA" {
		t.Errorf("data = %q, want payload after the comma", item.Data)
	}
	if item.MimeType != "image/png" {
		t.Errorf("mime = %q", item.MimeType)
	}
}
