package web

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/apis-edge/pkg/control"
	"github.com/teslashibe/apis-edge/pkg/hub"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// handleStatus returns the current device status.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.controls.Status())
}

// handleArm arms the device. Policy refusals are 403 with a reason.
func (s *Server) handleArm(c *fiber.Ctx) error {
	if err := s.controls.Arm(); err != nil {
		if reason := control.Reason(err); reason != "" {
			return c.Status(fiber.StatusForbidden).JSON(errorResponse{Error: err.Error(), Reason: reason})
		}
		s.log.Warn("arm failed", "error", err)
		return c.Status(fiber.StatusConflict).JSON(errorResponse{Error: err.Error()})
	}
	s.log.Info("armed via api", "remote", c.IP())
	return c.JSON(s.controls.Status())
}

// handleDisarm disarms the device. Always permitted.
func (s *Server) handleDisarm(c *fiber.Ctx) error {
	s.controls.Disarm()
	s.log.Info("disarmed via api", "remote", c.IP())
	return c.JSON(s.controls.Status())
}

// handleEvents returns recent audit events, newest first.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	if s.events == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: "event log not configured"})
	}
	limit := c.QueryInt("limit", defaultEventLimit)
	if limit < 1 || limit > maxEventLimit {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "limit must be between 1 and 500"})
	}
	events, err := s.events.Recent(c.UserContext(), limit)
	if err != nil {
		s.log.Error("event query failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}
	if events == nil {
		return c.JSON([]any{})
	}
	return c.JSON(events)
}

// handleStatusWS streams status frames, starting with the current status.
func (s *Server) handleStatusWS(conn *websocket.Conn) {
	first, err := hub.Encode(hub.TypeStatus, s.controls.Status())
	if err != nil {
		conn.Close()
		return
	}
	client := hub.NewClient(s.statusHub, conn, first)
	if client == nil {
		conn.Close()
		return
	}
	client.Run()
}

// handleEventsWS streams audit events as they are recorded.
func (s *Server) handleEventsWS(conn *websocket.Conn) {
	client := hub.NewClient(s.eventHub, conn)
	if client == nil {
		conn.Close()
		return
	}
	client.Run()
}
