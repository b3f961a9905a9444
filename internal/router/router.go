// Package router owns the live connection registry and room membership.
//
// A single goroutine (Router.Run) is the only reader and writer of that
// state. Everything else talks to it through a Handle, which turns method
// calls into commands on one unbounded FIFO queue and waits for the reply.
package router

import (
	"context"
	"math/rand/v2"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/pkg/metrics"
)

// Store is the slice of the persistence layer the router reads from.
type Store interface {
	LoadRoomsJoinedBy(ctx context.Context, userID string) ([]string, error)
	LoadAllRooms(ctx context.Context) ([]string, error)
}

// Mailbox is a connection's outbound queue. The router pushes encoded
// frames; the connection's session drains and writes them.
type Mailbox = Queue[[]byte]

// NewMailbox returns an empty outbound queue.
func NewMailbox() *Mailbox {
	return NewQueue[[]byte](64)
}

type session struct {
	mailbox *Mailbox
	user    string
}

// Router processes commands one at a time from its queue.
type Router struct {
	store   Store
	logger  zerolog.Logger
	queue   *Queue[command]
	done    chan struct{}
	started atomic.Bool
	newID   func() ConnID

	// Owned by the Run goroutine.
	sessions map[ConnID]session
	rooms    map[string]map[ConnID]struct{}
}

// Option customizes a Router.
type Option func(*Router)

// WithIDGenerator replaces the random connection id source.
func WithIDGenerator(gen func() ConnID) Option {
	return func(r *Router) {
		r.newID = gen
	}
}

// New creates a router that loads room data from store. Call Run to start it.
func New(store Store, logger zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		store:    store,
		logger:   logger.With().Str("component", "router").Logger(),
		queue:    NewQueue[command](256),
		done:     make(chan struct{}),
		newID:    func() ConnID { return ConnID(rand.Uint64()) },
		sessions: make(map[ConnID]session),
		rooms:    make(map[string]map[ConnID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle returns a façade for submitting commands to this router.
func (r *Router) Handle() Handle {
	return Handle{queue: r.queue, done: r.done}
}

// Done is closed when Run has returned.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Run seeds the room table from the store and then processes commands until
// ctx is cancelled. A panic while handling a command stops the router; it
// is logged and returned as an error, and every Handle call fails with
// ErrRouterUnavailable from then on.
func (r *Router) Run(ctx context.Context) (err error) {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("router crashed")
			err = errors.Errorf("router crashed: %v", p)
		}
		r.queue.Close()
		close(r.done)
	}()

	if err := r.seedRooms(ctx); err != nil {
		return err
	}

	r.logger.Info().Int("rooms", len(r.rooms)).Msg("router started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Int("sessions", len(r.sessions)).Msg("router stopped")
			return nil
		case <-r.queue.Ready():
			stats := r.queue.Stats()
			metrics.RouterQueueDepth.Set(float64(stats.Count))
			metrics.RouterQueueCapacity.Set(float64(stats.Capacity))
			for {
				cmd, ok := r.queue.TryReceive()
				if !ok {
					break
				}
				r.handle(ctx, cmd)
			}
		}
	}
}

func (r *Router) seedRooms(ctx context.Context) error {
	rooms, err := r.store.LoadAllRooms(ctx)
	if err != nil {
		return errors.Wrapf(ErrStoreFailure, "load rooms: %v", err)
	}
	for _, room := range rooms {
		r.room(room)
	}
	metrics.Rooms.Set(float64(len(r.rooms)))
	return nil
}

func (r *Router) handle(ctx context.Context, cmd command) {
	metrics.Commands.WithLabelValues(cmd.kind()).Inc()

	switch c := cmd.(type) {
	case connectCmd:
		r.connect(ctx, c)
	case roomsLoadedCmd:
		r.roomsLoaded(c)
	case disconnectCmd:
		r.disconnect(c.id)
		c.reply <- struct{}{}
	case joinCmd:
		c.reply <- r.join(c.id, c.user, c.room)
	case exitCmd:
		c.reply <- r.exit(c.id, c.user, c.room)
	case sendCmd:
		r.sendToRoom(c.room, c.msg, c.from)
		c.reply <- struct{}{}
	case broadcastCmd:
		r.broadcast(c.msg, c.skip)
		c.reply <- struct{}{}
	case listCmd:
		c.reply <- r.snapshot()
	case createRoomCmd:
		r.room(c.room)
		c.reply <- struct{}{}
	case deleteRoomCmd:
		r.deleteRoom(c.room)
		c.reply <- struct{}{}
	default:
		r.logger.Warn().Str("command", cmd.kind()).Msg("unhandled command")
	}

	metrics.ActiveConnections.Set(float64(len(r.sessions)))
	metrics.Rooms.Set(float64(len(r.rooms)))
}

// connect registers the session right away and hands the store lookup to a
// helper goroutine, so the loop keeps serving other commands meanwhile.
func (r *Router) connect(ctx context.Context, c connectCmd) {
	id := r.allocateID()
	r.sessions[id] = session{mailbox: c.mailbox, user: c.user}

	go func() {
		rooms, err := r.store.LoadRoomsJoinedBy(ctx, c.user)
		// A closed queue means the router stopped; the caller sees that via done.
		r.queue.Send(roomsLoadedCmd{id: id, rooms: rooms, err: err, reply: c.reply})
	}()
}

func (r *Router) roomsLoaded(c roomsLoadedCmd) {
	if c.err != nil {
		delete(r.sessions, c.id)
		r.logger.Error().Err(c.err).Str("conn_id", c.id.String()).Msg("failed to load joined rooms")
		c.reply <- connectResult{err: errors.Wrapf(ErrStoreFailure, "load joined rooms: %v", c.err)}
		return
	}

	if _, ok := r.sessions[c.id]; ok {
		for _, room := range c.rooms {
			r.room(room)[c.id] = struct{}{}
		}
	}

	r.logger.Debug().
		Str("conn_id", c.id.String()).
		Int("rooms", len(c.rooms)).
		Int("sessions", len(r.sessions)).
		Msg("connection registered")
	c.reply <- connectResult{id: c.id}
}

// allocateID draws random ids until one is neither NoConn nor in use.
func (r *Router) allocateID() ConnID {
	for {
		id := r.newID()
		if id == NoConn {
			continue
		}
		if _, taken := r.sessions[id]; !taken {
			return id
		}
	}
}

func (r *Router) disconnect(id ConnID) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)

	var left []string
	for name, members := range r.rooms {
		if _, in := members[id]; in {
			delete(members, id)
			left = append(left, name)
		}
	}

	for _, room := range left {
		r.notify(room, EventExitRoom, PresenceData{RoomID: room, ConnID: id, UserID: s.user}, NoConn)
	}

	r.logger.Debug().
		Str("conn_id", id.String()).
		Strs("left", left).
		Int("sessions", len(r.sessions)).
		Msg("connection unregistered")
}

func (r *Router) join(id ConnID, user, room string) error {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	if user != "" && s.user != user {
		return ErrNotOwner
	}
	r.room(room)[id] = struct{}{}
	r.notify(room, EventJoinRoom, PresenceData{RoomID: room, ConnID: id, UserID: s.user}, id)
	return nil
}

func (r *Router) exit(id ConnID, user, room string) error {
	if s, ok := r.sessions[id]; ok && user != "" && s.user != user {
		return ErrNotOwner
	}
	if members, ok := r.rooms[room]; ok {
		delete(members, id)
	}
	return nil
}

func (r *Router) deleteRoom(room string) {
	delete(r.rooms, room)
}

func (r *Router) sendToRoom(room string, msg []byte, skip ConnID) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	for id := range members {
		if id == skip {
			continue
		}
		r.deliver(id, msg)
	}
}

func (r *Router) broadcast(msg []byte, skip ConnID) {
	for id := range r.sessions {
		if id == skip {
			continue
		}
		r.deliver(id, msg)
	}
}

func (r *Router) deliver(id ConnID, msg []byte) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if s.mailbox.Send(msg) {
		metrics.Deliveries.Inc()
		return
	}
	metrics.DroppedDeliveries.Inc()
}

func (r *Router) notify(room, eventType string, data PresenceData, skip ConnID) {
	msg, err := Encode(eventType, data)
	if err != nil {
		r.logger.Error().Err(err).Str("room", room).Msg("failed to encode notification")
		return
	}
	r.sendToRoom(room, msg, skip)
}

func (r *Router) snapshot() []RoomSnapshot {
	out := make([]RoomSnapshot, 0, len(r.rooms))
	for name, members := range r.rooms {
		snap := RoomSnapshot{RoomID: name, Members: make([]Member, 0, len(members))}
		for id := range members {
			snap.Members = append(snap.Members, Member{ConnID: id, UserID: r.sessions[id].user})
		}
		out = append(out, snap)
	}
	return out
}

// room returns the membership set for name, creating it if absent.
func (r *Router) room(name string) map[ConnID]struct{} {
	members, ok := r.rooms[name]
	if !ok {
		members = make(map[ConnID]struct{})
		r.rooms[name] = members
	}
	return members
}
