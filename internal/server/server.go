package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay-server/internal/config"
	"relay-server/internal/metrics"
	"relay-server/internal/relay"
)

type Server struct {
	echo     *echo.Echo
	config   *config.Config
	manager  *relay.Manager
	upgrader websocket.Upgrader
	sessions relay.SessionOptions
	gatherer prometheus.Gatherer
}

func NewServer(cfg *config.Config, manager *relay.Manager, m *metrics.RelayMetrics, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:    e,
		config:  cfg,
		manager: manager,
		sessions: relay.SessionOptions{
			QueueSize: cfg.OutboundQueueSize,
			Policy:    relay.FanoutPolicy(cfg.SlowConsumerPolicy),
			Metrics:   m,
			Logger:    slog.Default(),
		},
		gatherer: gatherer,
	}
	srv.upgrader = websocket.Upgrader{CheckOrigin: srv.checkOrigin}

	srv.registerRoutes()

	return srv
}

func (s *Server) registerRoutes() {
	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "addr", s.config.ListenAddr())
	if err := s.echo.Start(s.config.ListenAddr()); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections. Sessions already upgraded keep
// running until their clients leave or the state manager stops.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// checkOrigin allows everything when no origins are configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, origin)
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("Failed to upgrade WebSocket", "remote", c.RealIP(), "error", err)
		return nil
	}

	session, err := relay.NewSession(conn, s.manager, s.sessions)
	if err != nil {
		slog.Error("Failed to register session", "error", err)
		conn.Close()
		return nil
	}

	// Blocks until the connection is gone.
	if err := session.Run(); err != nil {
		slog.Warn("Session ended with error", "session_id", session.ID(), "error", err)
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.manager.Stopped() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
