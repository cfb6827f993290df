package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/angeloszaimis/tcp-load-balancer/pkg/netaddr"
)

const shutdownTimeout = 5 * time.Second

// Server wraps http.Server with address validation and context-driven
// shutdown.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// New validates addr and prepares a server. Nothing listens until Listen is
// called.
func New(addr string, handler http.Handler, logger *slog.Logger) (*Server, error) {
	if err := netaddr.ValidateHostPort(addr); err != nil {
		return nil, err
	}

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}, nil
}

func (s *Server) Addr() string {
	return s.server.Addr
}

// Listen binds the configured address without serving on it.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", s.server.Addr)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// A clean shutdown returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	s.logger.Info("Admin server listening", slog.String("address", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("Admin server shutdown failed", slog.Any("err", err))
		return err
	}

	s.logger.Info("Admin server stopped")
	return nil
}

// Shutdown gracefully stops the server, waiting at most five seconds for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}
