package relay

import (
	"bufio"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/valyala/fasthttp"

	"tool-relay/internal/config"
	"tool-relay/internal/protocol"
)

// maxMessageBytes caps the ingest body size.
const maxMessageBytes = 1 << 20

// Server exposes the relay over HTTP: the push-channel attach endpoint,
// the message ingest endpoint, and the probes.
type Server struct {
	app    *fiber.App
	relay  *Relay
	config *config.Relay
}

// NewServer creates the HTTP server around a relay.
func NewServer(cfg *config.Relay, r *Relay) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Tool Relay",
		BodyLimit:             maxMessageBytes,
		DisableStartupMessage: !cfg.Debug,
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "*",
	}))

	if cfg.Debug {
		app.Use(logger.New(logger.Config{
			Format: "${time} | ${status} | ${latency} | ${method} | ${path}\n",
		}))
	}

	server := &Server{
		app:    app,
		relay:  r,
		config: cfg,
	}

	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	s.app.Get("/events", s.eventsHandler)
	s.app.Post("/message", s.messageHandler)
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/sessions", s.sessionsHandler)
	s.app.Get("/history", s.historyHandler)
}

// Start begins listening on the configured host and port.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// eventsHandler opens the long-lived push channel. Frames are
// "data: <json>" events; heartbeats are ":keepalive" comment lines. The
// pump ends when the peer's channel is closed or a write fails, which is
// how the relay detects peer loss.
func (s *Server) eventsHandler(c *fiber.Ctx) error {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sessionId is required"})
	}
	role := protocol.Role(c.Query("role"))
	if !role.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "role must be provider or caller"})
	}

	peer := s.relay.Attach(sessionID, role)
	keepAlive := s.relay.KeepAlive()
	relay := s.relay

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer relay.Disconnect(peer)

		heartbeat := time.NewTicker(keepAlive)
		defer heartbeat.Stop()

		for {
			select {
			case frame := <-peer.send:
				if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-peer.done:
				// Drain frames queued before the close, so a terminal
				// takeover error reaches the incumbent.
				for {
					select {
					case frame := <-peer.send:
						if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
							return
						}
					default:
						w.Flush()
						return
					}
				}
			}
		}
	}))

	return nil
}

// messageHandler ingests one message. The POST is acknowledged before any
// semantic processing; every semantic result flows down a push channel.
// Only shape violations surface as HTTP errors.
func (s *Server) messageHandler(c *fiber.Ctx) error {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sessionId is required"})
	}

	// The fasthttp body buffer is recycled once the handler returns; the
	// routing goroutine needs its own copy.
	body := append([]byte(nil), c.Body()...)
	msg, err := protocol.Parse(body)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	go s.relay.Route(sessionID, c.Query("peerId"), msg)

	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	sessions, peers, uptime := s.relay.Stats()
	return c.JSON(fiber.Map{
		"status":        "ok",
		"sessions":      sessions,
		"peers":         peers,
		"uptimeSeconds": uptime.Seconds(),
	})
}

func (s *Server) sessionsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"sessions": s.relay.Sessions(),
	})
}

func (s *Server) historyHandler(c *fiber.Ctx) error {
	history := s.relay.History()
	if history == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "history is not enabled"})
	}

	records, err := history.Recent(c.Query("sessionId"), c.QueryInt("limit"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"calls": records})
}
