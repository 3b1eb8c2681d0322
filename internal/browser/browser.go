// Package browser defines the built-in browser toolset a provider peer
// publishes. The actual page automation is supplied by the embedding
// process through the Browser interface; this package only maps tool
// calls onto it.
package browser

import "context"

// Browser is the page-automation surface an embedder supplies. Every
// failure it returns is reported to callers as an execution error.
type Browser interface {
	// Snapshot returns an accessibility-oriented outline of the page.
	Snapshot(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Type(ctx context.Context, text string) error
	Hover(ctx context.Context, selector string) error
	Press(ctx context.Context, key string) error
	Scroll(ctx context.Context, direction string, amount int) error
	GetText(ctx context.Context, selector string) (string, error)
	GetAttribute(ctx context.Context, selector, attribute string) (string, error)
	IsVisible(ctx context.Context, selector string) (bool, error)
	GetURL(ctx context.Context) (string, error)
	GetTitle(ctx context.Context) (string, error)
	// Screenshot returns base64-encoded PNG data.
	Screenshot(ctx context.Context) (string, error)
	Wait(ctx context.Context, ms int) error
	Evaluate(ctx context.Context, script string) (any, error)
}
