package server

import (
	"net/http"

	"github.com/Tyrowin/gochat/pkg/metrics"
)

// SetupRoutes builds the application mux and wraps it with CORS and request
// logging.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	authed := func(h http.HandlerFunc) http.Handler { return s.requireAuth(h) }

	mux.HandleFunc("GET /{$}", HealthHandler)
	mux.HandleFunc("GET /healthz", s.ReadyHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /test", TestPageHandler)
	mux.Handle("/ws", authed(s.WebSocketHandler))

	mux.HandleFunc("POST /api/auth/signup", s.Signup)
	mux.HandleFunc("POST /api/auth/signin", s.Signin)
	mux.Handle("POST /api/auth/logout", authed(s.Logout))
	mux.Handle("GET /api/auth/user", authed(s.CurrentUser))

	mux.Handle("GET /api/rooms", authed(s.ListRooms))
	mux.Handle("POST /api/rooms", authed(s.CreateRoom))
	mux.Handle("GET /api/rooms/{id}", authed(s.GetRoom))
	mux.Handle("DELETE /api/rooms/{id}", authed(s.DeleteRoom))
	mux.Handle("POST /api/rooms/{id}/join", authed(s.JoinRoom))
	mux.Handle("POST /api/rooms/{id}/exit", authed(s.ExitRoom))

	mux.Handle("POST /api/conversations", authed(s.CreateMessage))
	mux.Handle("GET /api/conversations/{room_id}", authed(s.ListMessages))

	return s.withLogging(s.withCORS(mux))
}
