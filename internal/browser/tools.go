package browser

import (
	"context"
	"fmt"
	"strings"

	"tool-relay/internal/peer"
	"tool-relay/internal/protocol"
)

// Tools builds the descriptor/executor pairs for the built-in browser
// toolset over b. Register them on a provider client with RegisterTool.
func Tools(b Browser) []peer.ToolDef {
	return []peer.ToolDef{
		{
			Tool: tool("browser_snapshot", "Capture an accessibility snapshot of the current page", nil, nil),
			Run: func(ctx context.Context, _ map[string]any) (any, error) {
				return wrap(b.Snapshot(ctx))
			},
		},
		{
			Tool: tool("browser_click", "Click the element matching a CSS selector", props{
				"selector": {Type: "string", Description: "CSS selector of the element to click"},
			}, []string{"selector"}),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				selector, err := stringArg(args, "selector")
				if err != nil {
					return nil, err
				}
				return done(b.Click(ctx, selector), "clicked %s", selector)
			},
		},
		{
			Tool: tool("browser_fill", "Fill a form field with a value", props{
				"selector": {Type: "string", Description: "CSS selector of the input"},
				"value":    {Type: "string", Description: "Value to fill in"},
			}, []string{"selector", "value"}),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				selector, err := stringArg(args, "selector")
				if err != nil {
					return nil, err
				}
				value, err := stringArg(args, "value")
				if err != nil {
					return nil, err
				}
				return done(b.Fill(ctx, selector, value), "filled %s", selector)
			},
		},
		{
			Tool: tool("browser_type", "Type text into the focused element", props{
				"text": {Type: "string", Description: "Text to type"},
			}, []string{"text"}),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				text, err := stringArg(args, "text")
				if err != nil {
					return nil, err
				}
				return done(b.Type(ctx, text), "typed %d characters", len(text))
			},
		},
		{
			Tool: tool("browser_hover", "Hover over the element matching a CSS selector", props{
				"selector": {Type: "string", Description: "CSS selector of the element"},
			}, []string{"selector"}),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				selector, err := stringArg(args, "selector")
				if err != nil {
					return nil, err
				}
				return done(b.Hover(ctx, selector), "hovering %s", selector)
			},
		},
		{
			Tool: tool("browser_press", "Press a keyboard key", props{
				"key": {Type: "string", Description: "Key name, e.g. Enter or Escape"},
			}, []string{"key"}),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				key, err := stringArg(args, "key")
				if err != nil {
					return nil, err
				}
				return done(b.Press(ctx, key), "pressed %s", key)
			},
		},
		{
			Tool: tool("browser_scroll", "Scroll the page", props{
				"direction": {Type: "string", Description: "up, down, left, or right"},
				"amount":    {Type: "number", Description: "Scroll distance in pixels (default 500)"},
			}, []string{"direction"}),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				direction, err := stringArg(args, "direction")
				if err != nil {
					return nil, err
				}
				amount := intArg(args, "amount", 500)
				return done(b.Scroll(ctx, direction, amount), "scrolled %s %d", direction, amount)
			},
		},
		{
			Tool: tool("browser_get_text", "Read the text content of an element", props{
				"selector": {Type: "string", Description: "CSS selector of the element"},
			}, []string{"selector"}),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				selector, err := stringArg(args, "selector")
				if err != nil {
					return nil, err
				}
				return wrap(b.GetText(ctx, selector))
			},
		},
		{
			Tool: tool("browser_get_attribute", "Read an attribute of an element", props{
				"selector":  {Type: "string", Description: "CSS selector of the element"},
				"attribute": {Type: "string", Description: "Attribute name"},
			}, []string{"selector", "attribute"}),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				selector, err := stringArg(args, "selector")
				if err != nil {
					return nil, err
				}
				attribute, err := stringArg(args, "attribute")
				if err != nil {
					return nil, err
				}
				return wrap(b.GetAttribute(ctx, selector, attribute))
			},
		},
		{
			Tool: tool("browser_is_visible", "Check whether an element is visible", props{
				"selector": {Type: "string", Description: "CSS selector of the element"},
			}, []string{"selector"}),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				selector, err := stringArg(args, "selector")
				if err != nil {
					return nil, err
				}
				visible, err := b.IsVisible(ctx, selector)
				if err != nil {
					return nil, execErr(err)
				}
				return fmt.Sprintf("%t", visible), nil
			},
		},
		{
			Tool: tool("browser_get_url", "Read the current page URL", nil, nil),
			Run: func(ctx context.Context, _ map[string]any) (any, error) {
				return wrap(b.GetURL(ctx))
			},
		},
		{
			Tool: tool("browser_get_title", "Read the current page title", nil, nil),
			Run: func(ctx context.Context, _ map[string]any) (any, error) {
				return wrap(b.GetTitle(ctx))
			},
		},
		{
			Tool: tool("browser_screenshot", "Capture a screenshot of the current page", nil, nil),
			Run: func(ctx context.Context, _ map[string]any) (any, error) {
				data, err := b.Screenshot(ctx)
				if err != nil {
					return nil, execErr(err)
				}
				if !strings.HasPrefix(data, "data:") {
					data = "data:image/png;base64," + data
				}
				return data, nil
			},
		},
		{
			Tool: tool("browser_wait", "Wait for a number of milliseconds", props{
				"ms": {Type: "number", Description: "Milliseconds to wait"},
			}, []string{"ms"}),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				ms := intArg(args, "ms", 0)
				if ms <= 0 {
					return nil, protocol.NewError(protocol.CodeInvalidParams, "ms must be a positive number")
				}
				return done(b.Wait(ctx, ms), "waited %dms", ms)
			},
		},
		{
			Tool: tool("browser_evaluate", "Evaluate JavaScript on the page and return the result", props{
				"script": {Type: "string", Description: "JavaScript source to evaluate"},
			}, []string{"script"}),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				script, err := stringArg(args, "script")
				if err != nil {
					return nil, err
				}
				result, err := b.Evaluate(ctx, script)
				if err != nil {
					return nil, execErr(err)
				}
				return result, nil
			},
		},
	}
}

// Register installs the full toolset on a provider client.
func Register(c *peer.Client, b Browser) {
	for _, def := range Tools(b) {
		c.RegisterTool(def.Tool, def.Run)
	}
}

type props = map[string]protocol.Property

func tool(name, description string, properties props, required []string) protocol.Tool {
	return protocol.Tool{
		Name:        name,
		Description: description,
		InputSchema: protocol.InputSchema{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
	}
}

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", protocol.Errorf(protocol.CodeInvalidParams, "%s must be a non-empty string", key)
	}
	return value, nil
}

// intArg tolerates the float64 that JSON decoding produces for numbers.
func intArg(args map[string]any, key string, fallback int) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return fallback
}

func wrap(value string, err error) (any, error) {
	if err != nil {
		return nil, execErr(err)
	}
	return value, nil
}

func done(err error, format string, args ...any) (any, error) {
	if err != nil {
		return nil, execErr(err)
	}
	return fmt.Sprintf(format, args...), nil
}

func execErr(err error) error {
	return protocol.AsError(err, protocol.CodeExecution)
}
