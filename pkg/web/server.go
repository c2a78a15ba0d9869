// Package web serves the local operator API and live status stream.
package web

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/control"
	"github.com/teslashibe/apis-edge/pkg/eventlog"
	"github.com/teslashibe/apis-edge/pkg/hub"
)

// Controls is the remote control surface served over HTTP.
type Controls interface {
	Arm() error
	Disarm()
	Status() control.Status
}

// EventSource lists recent audit events.
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]eventlog.Event, error)
}

// Config configures the server.
type Config struct {
	Addr      string `yaml:"addr" json:"addr"`
	StaticDir string `yaml:"static_dir" json:"static_dir"`
}

// Server is the operator API.
type Server struct {
	app      *fiber.App
	cfg      Config
	controls Controls
	events   EventSource
	log      *slog.Logger

	statusHub *hub.Hub
	eventHub  *hub.Hub
}

// NewServer builds the fiber app. events may be nil.
func NewServer(cfg Config, controls Controls, events EventSource) *Server {
	s := &Server{
		cfg:       cfg,
		controls:  controls,
		events:    events,
		log:       log.Component("web"),
		statusHub: hub.New("status"),
		eventHub:  hub.New("events"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "APIS Edge",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/arm", s.handleArm)
	api.Post("/disarm", s.handleDisarm)
	api.Get("/events", s.handleEvents)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts the hubs and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.statusHub.Run(ctx)
	go s.eventHub.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.Addr)
		errc <- s.app.Listen(s.cfg.Addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// PublishStatus pushes a status frame to status stream clients.
func (s *Server) PublishStatus(st control.Status) {
	if err := s.statusHub.BroadcastJSON(hub.TypeStatus, st); err != nil {
		s.log.Warn("status encode failed", "error", err)
	}
}

// PublishEvent pushes an audit event to event stream clients.
func (s *Server) PublishEvent(e eventlog.Event) {
	if err := s.eventHub.BroadcastJSON(hub.TypeEvent, e); err != nil {
		s.log.Warn("event encode failed", "error", err)
	}
}

// StatusClients returns the number of status stream clients.
func (s *Server) StatusClients() int {
	return s.statusHub.ClientCount()
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
