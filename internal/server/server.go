package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"realtime-sync/internal/config"
	"realtime-sync/internal/metrics"
	"realtime-sync/internal/relay"
)

// statusBody is returned for every plain HTTP request.
const statusBody = "State Sync Server\n"

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	relay       *relay.Relay
	upgrader    websocket.Upgrader
	clientOpts  relay.ClientOptions
	limits      *ConnectionLimits
	registry    *prometheus.Registry
	httpMetrics *metrics.HTTPMetrics

	startTime time.Time
}

func NewServer(cfg *config.Config, r *relay.Relay, reg *prometheus.Registry, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// Rate limits key on the socket peer address, never on forwarded headers.
	e.IPExtractor = echo.ExtractIPDirect()

	srv := &Server{
		echo:   e,
		config: cfg,
		clock:  clock,
		relay:  r,
		upgrader: websocket.Upgrader{
			CheckOrigin: NewCheckOrigin(cfg.Origins()),
		},
		clientOpts: relay.ClientOptions{
			SendBufferSize:  cfg.SendBufferSize,
			WriteTimeout:    cfg.WriteTimeout,
			PingInterval:    cfg.PingInterval,
			PongTimeout:     cfg.PongTimeout,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
		limits:      NewConnectionLimits(clock, int64(cfg.MaxConnections), cfg.ConnectRate, cfg.ConnectBurst),
		registry:    reg,
		httpMetrics: metrics.NewHTTPMetrics(reg),
		startTime:   clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Sync server listening", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
