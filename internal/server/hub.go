package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Hub tracks running sessions so the server can stop them on shutdown.
// Routing itself belongs to the router; the hub only owns session lifetimes.
type Hub struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	logger   zerolog.Logger
}

// NewHub returns a hub whose sessions stop when parent is cancelled or
// Shutdown is called.
func NewHub(parent context.Context, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	return &Hub{
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Serve runs s on its own goroutine until it ends. Sessions started after
// shutdown began close immediately with a going-away frame.
func (h *Hub) Serve(s *Session) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		go s.Run(h.ctx)
		return
	}
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Debug().Int("sessions", count).Msg("session registered")

	go func() {
		defer h.wg.Done()
		defer h.remove(s)
		s.Run(h.ctx)
	}()
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Debug().Int("sessions", count).Msg("session unregistered")
}

// Count returns the number of running sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown tells every session to close and waits for them, or until the
// timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	h.closed = true
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info().Int("sessions", count).Msg("closing sessions")
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("all sessions closed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Int("sessions", h.Count()).Msg("session shutdown timed out")
		return context.DeadlineExceeded
	}
}
