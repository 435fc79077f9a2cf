package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"realtime-sync/internal/relay"
)

func (s *Server) handleRoot(c echo.Context) error {
	if websocket.IsWebSocketUpgrade(c.Request()) {
		return s.handleWebSocket(c)
	}

	if err := c.String(http.StatusOK, statusBody); err != nil {
		return fmt.Errorf("failed to write status response: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	if reason := s.limits.Acquire(ip); reason != LimitNone {
		slog.Warn("Rejecting WebSocket connection", "remote_ip", ip, "reason", reason.String())
		return echo.NewHTTPError(reason.StatusCode(), reason.String())
	}
	defer s.limits.Release()

	socket, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		slog.Debug("WebSocket upgrade failed", "remote_ip", ip, "error", err)
		return nil
	}

	// The session lives as long as the socket, not the request.
	ctx := context.WithoutCancel(c.Request().Context())
	relay.NewClient(socket, s.clock, s.clientOpts).Serve(ctx, s.relay)
	return nil
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status":      "ok",
		"uptime":      s.clock.Since(s.startTime).Seconds(),
		"connections": s.relay.Size(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}
