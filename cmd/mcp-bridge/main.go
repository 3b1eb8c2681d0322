// The mcp-bridge re-exports one relay session's tool catalogue as a
// Model Context Protocol server, so stock MCP agents can act as callers
// without speaking the relay protocol themselves.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"tool-relay/internal/config"
	"tool-relay/internal/peer"
	"tool-relay/internal/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	relayURL := flag.String("relay", "", "override relay URL")
	session := flag.String("session", "", "override relay session to bridge")
	port := flag.Int("port", 0, "override listen port")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := &config.Bridge{
		RelayURL: "http://localhost:8765",
		Host:     "0.0.0.0",
		Port:     8766,
	}
	if *configPath != "" {
		var err error
		cfg, err = config.LoadBridge(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *session != "" {
		cfg.Session = *session
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if cfg.Session == "" {
		log.Fatal("No session configured. Use --session or a config file")
	}

	client := peer.NewClient(peer.Config{
		ServerURL: cfg.RelayURL,
		Role:      protocol.RoleCaller,
		Debug:     cfg.Debug,
	})

	ctx := context.Background()
	if err := client.Attach(ctx); err != nil {
		log.Fatalf("Failed to attach to relay: %v", err)
	}
	if _, err := client.Join(ctx, cfg.Session); err != nil {
		log.Fatalf("Failed to join session %s: %v", cfg.Session, err)
	}

	mcpServer := server.NewMCPServer("tool-relay-bridge", "1.0.0",
		server.WithToolCapabilities(true),
	)

	bridge := &bridge{client: client, server: mcpServer}
	if err := bridge.syncTools(ctx); err != nil {
		log.Fatalf("Failed to load session tools: %v", err)
	}

	// Re-mirror the catalogue whenever the provider replaces it.
	client.On(peer.EventMessage, func(ev peer.Event) {
		if ev.Message == nil || ev.Message.Method != protocol.MethodToolsUpdated {
			return
		}
		if err := bridge.syncTools(context.Background()); err != nil {
			slog.Error("resync tools", "error", err)
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/mcp", httpServer)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	slog.Info("bridge listening",
		"address", addr,
		"relay", cfg.RelayURL,
		"session", cfg.Session,
	)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

type bridge struct {
	client *peer.Client
	server *server.MCPServer

	mu       sync.Mutex
	mirrored []string
}

// syncTools replaces the MCP server's tool set with the session's current
// catalogue.
func (b *bridge) syncTools(ctx context.Context) error {
	tools, err := b.client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list session tools: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.mirrored) > 0 {
		b.server.DeleteTools(b.mirrored...)
	}
	b.mirrored = b.mirrored[:0]

	for _, tool := range tools {
		b.server.AddTool(adaptTool(tool), b.callHandler(tool.Name))
		b.mirrored = append(b.mirrored, tool.Name)
	}
	slog.Info("session tools mirrored", "count", len(tools))
	return nil
}

// callHandler proxies one MCP tool call through the relay.
func (b *bridge) callHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := b.client.CallTool(ctx, name, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return adaptResult(result), nil
	}
}

// adaptTool converts a relay tool descriptor to its mcp-go shape.
func adaptTool(t protocol.Tool) mcp.Tool {
	properties := map[string]any{}
	for name, prop := range t.InputSchema.Properties {
		p := map[string]any{"type": prop.Type}
		if prop.Description != "" {
			p["description"] = prop.Description
		}
		properties[name] = p
	}
	schemaType := t.InputSchema.Type
	if schemaType == "" {
		schemaType = "object"
	}
	return mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       schemaType,
			Properties: properties,
			Required:   t.InputSchema.Required,
		},
	}
}

// adaptResult converts a relay call result to its mcp-go shape.
func adaptResult(result *protocol.CallToolResult) *mcp.CallToolResult {
	out := &mcp.CallToolResult{IsError: result.IsError}
	for _, item := range result.Content {
		switch item.Type {
		case protocol.ContentImage:
			out.Content = append(out.Content, mcp.ImageContent{Type: "image", Data: item.Data, MIMEType: item.MimeType})
		case protocol.ContentResource:
			out.Content = append(out.Content, mcp.TextContent{Type: "text", Text: item.URI})
		default:
			out.Content = append(out.Content, mcp.TextContent{Type: "text", Text: item.Text})
		}
	}
	return out
}
