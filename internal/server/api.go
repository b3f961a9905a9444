package server

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/Tyrowin/gochat/internal/router"
	"github.com/Tyrowin/gochat/internal/store"
	"github.com/Tyrowin/gochat/pkg/auth"
)

const maxBodyBytes = 1 << 20

// connIDHeader names the live WebSocket connection an API call acts for.
const connIDHeader = "Conn-Id"

// statusFor maps store and router errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, router.ErrRouterUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg(msg)
		if status == http.StatusServiceUnavailable {
			msg = "service unavailable"
		} else {
			msg = "internal error"
		}
	}
	writeError(w, status, msg)
}

// connID reads the optional Conn-Id header. A missing header yields NoConn.
func connID(r *http.Request) (router.ConnID, error) {
	v := r.Header.Get(connIDHeader)
	if v == "" {
		return router.NoConn, nil
	}
	return router.ParseConnID(v)
}

func currentUser(r *http.Request) string {
	uid, _ := auth.UserID(r.Context())
	return uid
}

// Signup creates an account and returns a token for it.
func (s *Server) Signup(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeJSON(w, r, maxBodyBytes, &req) {
		return
	}

	u, err := s.store.CreateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		msg := "username and password are required"
		if errors.Is(err, store.ErrConflict) {
			msg = "username " + req.Username + " already exists"
		}
		s.fail(w, r, err, msg)
		return
	}
	s.issueToken(w, r, u)
}

// Signin verifies credentials and returns a token.
func (s *Server) Signin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeJSON(w, r, maxBodyBytes, &req) {
		return
	}

	u, err := s.store.VerifyUser(r.Context(), req.Username, req.Password)
	if err != nil {
		s.fail(w, r, err, "wrong username or password")
		return
	}
	s.issueToken(w, r, u)
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request, u store.User) {
	tok, err := s.jwt.Sign(u.ID)
	if err != nil {
		s.fail(w, r, err, "sign token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok, User: u})
}

// Logout acknowledges a signed-in user. Tokens are stateless, so the client
// simply discards its copy.
func (s *Server) Logout(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct{}{})
}

// CurrentUser returns the signed-in user.
func (s *Server) CurrentUser(w http.ResponseWriter, r *http.Request) {
	uid := currentUser(r)
	u, err := s.store.FindUser(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err, "user "+uid+" does not exist")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ListRooms returns every persisted room with its members.
func (s *Server) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		s.fail(w, r, err, "list rooms")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// CreateRoom persists a room owned by the caller and announces it to every
// connection except the caller's own.
func (s *Server) CreateRoom(w http.ResponseWriter, r *http.Request) {
	from, err := connID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid Conn-Id")
		return
	}
	var req createRoomRequest
	if !decodeJSON(w, r, maxBodyBytes, &req) {
		return
	}

	room, err := s.store.CreateRoom(r.Context(), currentUser(r), req.RoomName)
	if err != nil {
		s.fail(w, r, err, "room name is required")
		return
	}

	if err := s.router.CreateRoom(r.Context(), room.ID); err != nil {
		s.fail(w, r, err, "register live room")
		return
	}

	s.broadcast(r, from, router.EventCreateRoom, room)
	writeJSON(w, http.StatusOK, map[string]any{"room": room})
}

// GetRoom returns a room with its members and message history.
func (s *Server) GetRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	detail, err := s.store.GetRoom(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, "room "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// DeleteRoom removes a room the caller owns, drops its live membership and
// announces the deletion.
func (s *Server) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	from, err := connID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid Conn-Id")
		return
	}

	detail, err := s.store.GetRoom(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, "room "+id+" not found")
		return
	}
	if detail.Room.OwnerID != currentUser(r) {
		writeError(w, http.StatusForbidden, "only the owner can delete a room")
		return
	}

	if err := s.store.DeleteRoom(r.Context(), id); err != nil {
		s.fail(w, r, err, "room "+id+" not found")
		return
	}
	if err := s.router.DeleteRoom(r.Context(), id); err != nil {
		s.fail(w, r, err, "drop live room")
		return
	}

	s.broadcast(r, from, router.EventDeleteRoom, map[string]string{"room_id": id})
	writeJSON(w, http.StatusOK, struct{}{})
}

// JoinRoom records the membership and, when Conn-Id names a live
// connection of the caller, joins it to the room right away.
func (s *Server) JoinRoom(w http.ResponseWriter, r *http.Request) {
	s.membership(w, r, s.store.JoinRoom, s.router.JoinAs)
}

// ExitRoom removes the membership and, when Conn-Id is given, silently
// removes the caller's connection from the room.
func (s *Server) ExitRoom(w http.ResponseWriter, r *http.Request) {
	s.membership(w, r, s.store.ExitRoom, s.router.ExitAs)
}

func (s *Server) membership(
	w http.ResponseWriter,
	r *http.Request,
	persist func(ctx context.Context, userID, roomID string) error,
	live func(ctx context.Context, id router.ConnID, user, room string) error,
) {
	id := r.PathValue("id")
	conn, err := connID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid Conn-Id")
		return
	}
	uid := currentUser(r)

	if err := persist(r.Context(), uid, id); err != nil {
		s.fail(w, r, err, "room "+id+" not found")
		return
	}
	if conn != router.NoConn {
		if err := live(r.Context(), conn, uid, id); err != nil {
			s.fail(w, r, err, "Conn-Id "+conn.String()+" is not your connection")
			return
		}
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// CreateMessage stores a chat message and fans it out to the room, skipping
// the sender's own connection.
func (s *Server) CreateMessage(w http.ResponseWriter, r *http.Request) {
	from, err := connID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid Conn-Id")
		return
	}
	var req createMessageRequest
	if !decodeJSON(w, r, maxBodyBytes, &req) {
		return
	}

	msg, err := s.store.CreateMessage(r.Context(), currentUser(r), req.RoomID, req.Message)
	if err != nil {
		s.fail(w, r, err, "message and room_id are required")
		return
	}

	payload, err := router.Encode(router.EventMessage, msg)
	if err != nil {
		s.fail(w, r, err, "encode message")
		return
	}
	if err := s.router.SendToRoom(r.Context(), from, msg.RoomID, payload); err != nil {
		s.fail(w, r, err, "deliver message")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// ListMessages returns a room's message history, oldest first.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("room_id")
	msgs, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, "room "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// broadcast sends a global event. Failures are logged; the API call that
// triggered it has already succeeded.
func (s *Server) broadcast(r *http.Request, skip router.ConnID, eventType string, data any) {
	payload, err := router.Encode(eventType, data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("encode broadcast")
		return
	}
	if err := s.router.Broadcast(r.Context(), skip, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("broadcast failed")
	}
}
