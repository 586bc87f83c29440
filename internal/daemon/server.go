package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/api"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/config"
)

// Server runs the HTTP surface. Binding happens in Start so a taken
// port fails daemon startup instead of dying in a goroutine.
type Server struct {
	http     *http.Server
	logger   *zap.Logger
	listener net.Listener
}

// NewServer builds the HTTP server around the API router.
func NewServer(cfg *config.Config, apiSrv *api.Server, logger *zap.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           apiSrv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.Named("http"),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	s.listener = ln
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on :0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.http.Addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown", zap.Error(err))
	}
}
