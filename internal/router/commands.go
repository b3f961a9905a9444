package router

import "github.com/pkg/errors"

var (
	// ErrRouterUnavailable is returned when the router loop has stopped or
	// crashed. Callers treat it as fatal for their connection.
	ErrRouterUnavailable = errors.New("router unavailable")

	// ErrStoreFailure wraps errors from the persistence collaborator.
	ErrStoreFailure = errors.New("store failure")

	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("router already started")

	// ErrNotOwner is returned by JoinAs and ExitAs when the connection
	// belongs to a different user.
	ErrNotOwner = errors.New("connection belongs to another user")
)

// command is one request to the router loop. Every concrete command
// carries its own buffered reply channel so the loop never blocks on a
// slow caller.
type command interface {
	kind() string
}

type connectResult struct {
	id  ConnID
	err error
}

type connectCmd struct {
	mailbox *Mailbox
	user    string
	reply   chan connectResult
}

// roomsLoaded re-enters the queue once the store lookup started by a
// connect command has finished.
type roomsLoadedCmd struct {
	id    ConnID
	rooms []string
	err   error
	reply chan connectResult
}

type disconnectCmd struct {
	id    ConnID
	reply chan struct{}
}

// joinCmd and exitCmd skip the ownership check when user is empty.
type joinCmd struct {
	id    ConnID
	user  string
	room  string
	reply chan error
}

type exitCmd struct {
	id    ConnID
	user  string
	room  string
	reply chan error
}

type sendCmd struct {
	from  ConnID
	room  string
	msg   []byte
	reply chan struct{}
}

type broadcastCmd struct {
	skip  ConnID
	msg   []byte
	reply chan struct{}
}

type listCmd struct {
	reply chan []RoomSnapshot
}

type createRoomCmd struct {
	room  string
	reply chan struct{}
}

type deleteRoomCmd struct {
	room  string
	reply chan struct{}
}

func (connectCmd) kind() string     { return "connect" }
func (roomsLoadedCmd) kind() string { return "rooms_loaded" }
func (disconnectCmd) kind() string  { return "disconnect" }
func (joinCmd) kind() string        { return "join" }
func (exitCmd) kind() string        { return "exit" }
func (sendCmd) kind() string        { return "send" }
func (broadcastCmd) kind() string   { return "broadcast" }
func (listCmd) kind() string        { return "list" }
func (createRoomCmd) kind() string  { return "create_room" }
func (deleteRoomCmd) kind() string  { return "delete_room" }
