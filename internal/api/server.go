// Package api exposes extraction sessions over a loopback HTTP API.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/clipcut/clipcut-agent/internal/doctor"
	"github.com/clipcut/clipcut-agent/internal/orchestrator"
	"github.com/clipcut/clipcut-agent/internal/playback"
	"github.com/clipcut/clipcut-agent/internal/sessions"
	"github.com/clipcut/clipcut-agent/internal/workspace"
)

const defaultHeartbeat = 15 * time.Second

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port         int
	Version      string
	Orchestrator *orchestrator.Orchestrator
	Workspaces   *workspace.Manager
	Repository   sessions.Repository
	Playback     playback.FileServer
	Doctor       *doctor.CachedDoctor
	Logger       *slog.Logger
	StartTime    time.Time

	// LoopbackOnly rejects requests whose peer is not a loopback address.
	LoopbackOnly bool
	// Heartbeat is the keep-alive interval of event streams.
	Heartbeat time.Duration
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// event streams and downloads are long-lived
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

// Start serves until Shutdown. It binds before returning on bind errors.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
