package router

import "context"

// Handle submits commands to a Router. It is a small value: copy it freely
// and use it from any number of goroutines.
//
// Commands from one caller reach the router in the order that caller issued
// them. Every method fails with ErrRouterUnavailable once the router has
// stopped, and with ctx.Err() if ctx ends before the reply arrives.
type Handle struct {
	queue *Queue[command]
	done  <-chan struct{}
}

// Connect registers mailbox for user and returns the new connection id.
// The connection is already a member of every room the user joined before
// when Connect returns. mailbox must not be nil.
func (h Handle) Connect(ctx context.Context, mailbox *Mailbox, user string) (ConnID, error) {
	reply := make(chan connectResult, 1)
	res, err := request(ctx, h, connectCmd{mailbox: mailbox, user: user, reply: reply}, reply)
	if err != nil {
		if ctx.Err() != nil {
			go h.abandon(reply)
		}
		return NoConn, err
	}
	return res.id, res.err
}

// abandon unregisters a connection whose caller stopped waiting for Connect.
func (h Handle) abandon(reply <-chan connectResult) {
	select {
	case res := <-reply:
		if res.err == nil {
			h.queue.Send(disconnectCmd{id: res.id, reply: make(chan struct{}, 1)})
		}
	case <-h.done:
	}
}

// Disconnect removes the connection from the registry and from every room,
// telling each room it left. Unknown ids are ignored.
func (h Handle) Disconnect(ctx context.Context, id ConnID) error {
	reply := make(chan struct{}, 1)
	_, err := request(ctx, h, disconnectCmd{id: id, reply: reply}, reply)
	return err
}

// Join adds the connection to room, creating the room if needed, and tells
// the other members. Membership in other rooms is untouched.
func (h Handle) Join(ctx context.Context, id ConnID, room string) error {
	return h.JoinAs(ctx, id, "", room)
}

// JoinAs is Join for a connection that must belong to user. It fails with
// ErrNotOwner when the connection is registered to someone else.
func (h Handle) JoinAs(ctx context.Context, id ConnID, user, room string) error {
	reply := make(chan error, 1)
	res, err := request(ctx, h, joinCmd{id: id, user: user, room: room, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// Exit silently removes the connection from room.
func (h Handle) Exit(ctx context.Context, id ConnID, room string) error {
	return h.ExitAs(ctx, id, "", room)
}

// ExitAs is Exit with the same ownership check as JoinAs.
func (h Handle) ExitAs(ctx context.Context, id ConnID, user, room string) error {
	reply := make(chan error, 1)
	res, err := request(ctx, h, exitCmd{id: id, user: user, room: room, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// SendToRoom delivers msg to every member of room except from. Unknown
// rooms are a no-op.
func (h Handle) SendToRoom(ctx context.Context, from ConnID, room string, msg []byte) error {
	reply := make(chan struct{}, 1)
	_, err := request(ctx, h, sendCmd{from: from, room: room, msg: msg, reply: reply}, reply)
	return err
}

// Broadcast delivers msg to every registered connection except skip.
func (h Handle) Broadcast(ctx context.Context, skip ConnID, msg []byte) error {
	reply := make(chan struct{}, 1)
	_, err := request(ctx, h, broadcastCmd{skip: skip, msg: msg, reply: reply}, reply)
	return err
}

// ListRooms returns a snapshot of every room and its members. Order is
// unspecified.
func (h Handle) ListRooms(ctx context.Context) ([]RoomSnapshot, error) {
	reply := make(chan []RoomSnapshot, 1)
	return request(ctx, h, listCmd{reply: reply}, reply)
}

// DeleteRoom drops room and its membership after the store has deleted it.
func (h Handle) DeleteRoom(ctx context.Context, room string) error {
	reply := make(chan struct{}, 1)
	_, err := request(ctx, h, deleteRoomCmd{room: room, reply: reply}, reply)
	return err
}

// CreateRoom makes room known with no members, so ListRooms reports it
// before anyone joins. Existing membership is kept.
func (h Handle) CreateRoom(ctx context.Context, room string) error {
	reply := make(chan struct{}, 1)
	_, err := request(ctx, h, createRoomCmd{room: room, reply: reply}, reply)
	return err
}

func request[T any](ctx context.Context, h Handle, cmd command, reply <-chan T) (T, error) {
	var zero T
	if h.queue == nil || !h.queue.Send(cmd) {
		return zero, ErrRouterUnavailable
	}

	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		// The reply may have been sent just before the loop exited.
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrRouterUnavailable
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
