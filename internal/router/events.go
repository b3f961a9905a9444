package router

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// ConnID identifies one live connection for the lifetime of the process.
// It is random, never persisted, and not unique across restarts.
type ConnID uint64

// NoConn is never assigned; pass it as the skip id to reach everyone.
const NoConn ConnID = 0

// String formats the id the way it travels on the wire.
func (id ConnID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseConnID parses a decimal connection id, e.g. from a Conn-Id header.
func ParseConnID(s string) (ConnID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return NoConn, errors.Wrapf(err, "invalid connection id %q", s)
	}
	return ConnID(v), nil
}

// Event types carried in the envelope "type" field.
const (
	EventInit       = "init"
	EventMessage    = "message"
	EventJoinRoom   = "join_room"
	EventExitRoom   = "exit_room"
	EventCreateRoom = "create_room"
	EventDeleteRoom = "delete_room"
	EventRooms      = "rooms"
)

// Envelope is the JSON frame sent to clients: {"type": ..., "data": ...}.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// InitData is sent once when a session becomes active.
type InitData struct {
	ConnID ConnID `json:"conn_id,string"`
}

// PresenceData describes a connection entering or leaving a room.
type PresenceData struct {
	RoomID string `json:"room_id"`
	ConnID ConnID `json:"conn_id,string"`
	UserID string `json:"user_id"`
}

// Member is one connection in a room snapshot.
type Member struct {
	ConnID ConnID `json:"conn_id,string"`
	UserID string `json:"user_id"`
}

// RoomSnapshot is a point-in-time view of one room's membership.
type RoomSnapshot struct {
	RoomID  string   `json:"room_id"`
	Members []Member `json:"members"`
}

// Encode marshals an envelope of the given type.
func Encode(eventType string, data any) ([]byte, error) {
	b, err := json.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s event", eventType)
	}
	return b, nil
}
