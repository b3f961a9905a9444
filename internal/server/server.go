package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/internal/store"
	"github.com/Tyrowin/gochat/pkg/auth"
)

// Server holds the dependencies shared by the HTTP and WebSocket handlers.
type Server struct {
	cfg      Config
	store    store.Store
	router   RoomRouter
	jwt      *auth.JWT
	origins  *originPolicy
	upgrader websocket.Upgrader
	hub      *Hub
	logger   zerolog.Logger
}

// New wires a Server. Sessions it accepts stop when ctx is cancelled or
// Shutdown is called.
func New(ctx context.Context, cfg Config, st store.Store, rt RoomRouter, logger zerolog.Logger) *Server {
	cfg.Sanitize()
	logger = logger.With().Str("component", "server").Logger()

	origins := newOriginPolicy(cfg.AllowedOrigins, logger)

	return &Server{
		cfg:     cfg,
		store:   st,
		router:  rt,
		jwt:     auth.New(cfg.Auth.Secret, cfg.Auth.TokenTTL),
		origins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		hub:    NewHub(ctx, logger.With().Str("component", "hub").Logger()),
		logger: logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.SetupRoutes()
}

// Hub returns the session tracker.
func (s *Server) Hub() *Hub {
	return s.hub
}

// JWT returns the token issuer used by the server.
func (s *Server) JWT() *auth.JWT {
	return s.jwt
}
