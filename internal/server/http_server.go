package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// Write timeouts do not apply to hijacked WebSocket connections.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenAndServe serves until ctx is cancelled, then closes every session
// and shuts the HTTP server down within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := CreateServer(s.cfg.Port, s.Handler())

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "listen")
		}
		return nil
	case <-ctx.Done():
	}

	return s.Shutdown(srv)
}

// Shutdown stops accepting requests, closes live sessions with a going-away
// frame and waits for both within the shutdown timeout.
func (s *Server) Shutdown(srv *http.Server) error {
	s.logger.Info().Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("HTTP server shutdown error")
		return errors.Wrap(err, "shutdown")
	}
	if err := s.hub.Shutdown(s.cfg.ShutdownTimeout); err != nil {
		return errors.Wrap(err, "close sessions")
	}

	s.logger.Info().Msg("HTTP server shutdown completed")
	return nil
}
