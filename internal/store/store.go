// Package store persists users, rooms, room membership and message history.
//
// Two implementations are provided: SQLStore on database/sql (sqlite3 or
// Postgres through pgx) and MemoryStore for tests and throwaway servers.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a user, room or membership does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("already exists")

	// ErrInvalidCredentials is returned by VerifyUser on a bad username or password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidInput is returned for empty or malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the persistence collaborator used by the HTTP layer and the router.
type Store interface {
	CreateUser(ctx context.Context, username, password string) (User, error)
	VerifyUser(ctx context.Context, username, password string) (User, error)
	FindUser(ctx context.Context, id string) (User, error)

	ListRooms(ctx context.Context) ([]RoomWithUsers, error)
	GetRoom(ctx context.Context, id string) (RoomDetail, error)
	CreateRoom(ctx context.Context, ownerID, name string) (Room, error)
	DeleteRoom(ctx context.Context, id string) error
	JoinRoom(ctx context.Context, userID, roomID string) error
	ExitRoom(ctx context.Context, userID, roomID string) error

	CreateMessage(ctx context.Context, author, roomID, text string) (Message, error)
	ListMessages(ctx context.Context, roomID string) ([]Message, error)

	LoadRoomsJoinedBy(ctx context.Context, userID string) ([]string, error)
	LoadAllRooms(ctx context.Context) ([]string, error)

	Close() error
}

// normUsername trims and lowercases a username.
func normUsername(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func nowMillis() int64 { return time.Now().UnixMilli() }
