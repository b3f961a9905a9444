package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/internal/router"
	"github.com/Tyrowin/gochat/pkg/metrics"
)

// RoomRouter is the slice of router.Handle used by the HTTP layer.
type RoomRouter interface {
	Connect(ctx context.Context, mailbox *router.Mailbox, user string) (router.ConnID, error)
	Disconnect(ctx context.Context, id router.ConnID) error
	Join(ctx context.Context, id router.ConnID, room string) error
	JoinAs(ctx context.Context, id router.ConnID, user, room string) error
	ExitAs(ctx context.Context, id router.ConnID, user, room string) error
	SendToRoom(ctx context.Context, from router.ConnID, room string, msg []byte) error
	Broadcast(ctx context.Context, skip router.ConnID, msg []byte) error
	ListRooms(ctx context.Context) ([]router.RoomSnapshot, error)
	CreateRoom(ctx context.Context, room string) error
	DeleteRoom(ctx context.Context, room string) error
}

// SessionState is the lifecycle stage of a Session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	writeWait      = 10 * time.Second
	disconnectWait = 5 * time.Second
	mailboxBatch   = 32
)

// inbound is one event from the reader goroutine: a data frame, a ping or
// pong, or the error that ended the stream.
type inbound struct {
	kind int
	data []byte
	err  error
}

type closeReason struct {
	code int
	text string
}

var alwaysReady = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Session runs the wire protocol for one WebSocket connection. It is the only
// writer of data frames on conn.
type Session struct {
	conn    *websocket.Conn
	router  RoomRouter
	user    string
	mailbox *router.Mailbox
	cfg     Config
	limiter *frameLimiter
	logger  zerolog.Logger
	now     func() time.Time

	state         atomic.Int32
	id            router.ConnID
	lastHeartbeat time.Time
}

// NewSession prepares a session for conn on behalf of user. Call Run to start it.
func NewSession(conn *websocket.Conn, rt RoomRouter, user string, cfg Config, logger zerolog.Logger) *Session {
	conn.SetReadLimit(cfg.MaxMessageSize)

	return &Session{
		conn:    conn,
		router:  rt,
		user:    user,
		mailbox: router.NewMailbox(),
		cfg:     cfg,
		limiter: newFrameLimiter(cfg.RateLimit),
		logger: logger.With().
			Str("user_id", user).
			Str("remote_addr", conn.RemoteAddr().String()).
			Logger(),
		now: time.Now,
	}
}

// State reports the current lifecycle stage.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// ID returns the connection id, or router.NoConn before Connect succeeded.
func (s *Session) ID() router.ConnID {
	if s.State() == StateConnecting {
		return router.NoConn
	}
	return s.id
}

// Run registers the connection with the router and serves it until the
// client goes away, the heartbeat times out, the router stops or ctx ends.
// It always leaves the connection closed and, if it was registered,
// disconnected from the router exactly once.
func (s *Session) Run(ctx context.Context) {
	s.state.Store(int32(StateConnecting))
	defer s.state.Store(int32(StateClosed))

	id, err := s.router.Connect(ctx, s.mailbox, s.user)
	if err != nil {
		s.logger.Error().Err(err).Msg("connect failed")
		s.mailbox.Close()
		s.closeConn(reasonFor(ctx, err))
		return
	}

	s.id = id
	s.logger = s.logger.With().Str("conn_id", id.String()).Logger()
	s.lastHeartbeat = s.now()
	s.state.Store(int32(StateActive))
	s.logger.Info().Msg("session active")

	reason := s.serve(ctx)

	s.state.Store(int32(StateClosing))
	s.logger.Info().Int("code", reason.code).Str("reason", reason.text).Msg("session closing")

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectWait)
	if err := s.router.Disconnect(dctx, id); err != nil {
		s.logger.Warn().Err(err).Msg("disconnect failed")
	}
	cancel()

	s.mailbox.Close()
	s.closeConn(reason)
}

func (s *Session) serve(ctx context.Context) closeReason {
	hello, err := router.Encode(router.EventInit, router.InitData{ConnID: s.id})
	if err != nil {
		return closeReason{websocket.CloseInternalServerErr, "encode init"}
	}
	if err := s.write(websocket.TextMessage, hello); err != nil {
		return s.writeFailed(err)
	}

	in := make(chan inbound)
	stop := make(chan struct{})
	defer close(stop)
	go s.readLoop(in, stop)

	ticker := time.NewTicker(s.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		ready := s.mailbox.Ready()
		if s.mailbox.Len() > 0 {
			ready = alwaysReady
		}

		select {
		case ev := <-in:
			if reason, done := s.handleInbound(ctx, ev); done {
				return reason
			}

		case <-ready:
			for _, msg := range s.mailbox.Drain(mailboxBatch) {
				if err := s.write(websocket.TextMessage, msg); err != nil {
					return s.writeFailed(err)
				}
			}

		case <-ticker.C:
			if s.now().Sub(s.lastHeartbeat) > s.cfg.Heartbeat.ClientTimeout {
				metrics.HeartbeatTimeouts.Inc()
				s.logger.Warn().Time("last_heartbeat", s.lastHeartbeat).Msg("heartbeat timeout")
				return closeReason{websocket.ClosePolicyViolation, "heartbeat timeout"}
			}
			if err := s.control(websocket.PingMessage, nil); err != nil {
				return s.writeFailed(err)
			}

		case <-ctx.Done():
			return closeReason{websocket.CloseGoingAway, "server shutting down"}
		}
	}
}

// readLoop forwards every frame and control event to the session loop. Ping
// and pong handlers run on this goroutine inside ReadMessage.
func (s *Session) readLoop(in chan<- inbound, stop <-chan struct{}) {
	forward := func(ev inbound) bool {
		select {
		case in <- ev:
			return true
		case <-stop:
			return false
		}
	}

	s.conn.SetPingHandler(func(data string) error {
		forward(inbound{kind: websocket.PingMessage, data: []byte(data)})
		return nil
	})
	s.conn.SetPongHandler(func(data string) error {
		forward(inbound{kind: websocket.PongMessage, data: []byte(data)})
		return nil
	})
	// The close frame surfaces as a *websocket.CloseError from ReadMessage;
	// the session loop answers it.
	s.conn.SetCloseHandler(func(int, string) error { return nil })

	for {
		kind, data, err := s.conn.ReadMessage()
		if !forward(inbound{kind: kind, data: data, err: err}) || err != nil {
			return
		}
	}
}

func (s *Session) handleInbound(ctx context.Context, ev inbound) (closeReason, bool) {
	if ev.err != nil {
		return s.readFailed(ev.err), true
	}

	switch ev.kind {
	case websocket.PingMessage:
		s.lastHeartbeat = s.now()
		if err := s.control(websocket.PongMessage, ev.data); err != nil {
			return s.writeFailed(err), true
		}
		return closeReason{}, false

	case websocket.PongMessage:
		s.lastHeartbeat = s.now()
		return closeReason{}, false

	case websocket.BinaryMessage:
		s.logger.Debug().Int("bytes", len(ev.data)).Msg("ignoring binary frame")
		return closeReason{}, false
	}

	if !s.limiter.allow() {
		// Log the first frame of each dropped run only.
		if s.limiter.dropped > 1 {
			return closeReason{}, false
		}
		s.logger.Warn().
			Int("burst", s.cfg.RateLimit.Burst).
			Dur("refill_interval", s.cfg.RateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding frame")
		return closeReason{}, false
	}

	if err := s.handleText(ctx, string(ev.data)); err != nil {
		var werr frameWriteError
		if errors.As(err, &werr) {
			return s.writeFailed(werr.err), true
		}
		return reasonFor(ctx, err), true
	}
	return closeReason{}, false
}

// handleText interprets slash commands. Other text is chat traffic that
// reaches rooms through the conversations API, so it is ignored here.
func (s *Session) handleText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/list":
		rooms, err := s.router.ListRooms(ctx)
		if err != nil {
			return err
		}
		payload, err := router.Encode(router.EventRooms, rooms)
		if err != nil {
			return err
		}
		return s.writeText(payload)

	case "/join":
		if arg == "" {
			return s.writeText([]byte("!!! room name is required"))
		}
		room := arg
		if err := s.router.Join(ctx, s.id, room); err != nil {
			return err
		}
		return s.writeText([]byte("joined " + room))

	default:
		return s.writeText([]byte("!!! unknown command: " + text))
	}
}

type frameWriteError struct{ err error }

func (e frameWriteError) Error() string { return e.err.Error() }

func (s *Session) writeText(msg []byte) error {
	if err := s.write(websocket.TextMessage, msg); err != nil {
		return frameWriteError{err}
	}
	return nil
}

func (s *Session) write(kind int, msg []byte) error {
	if err := s.conn.SetWriteDeadline(s.now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(kind, msg)
}

func (s *Session) control(kind int, data []byte) error {
	return s.conn.WriteControl(kind, data, s.now().Add(writeWait))
}

// readFailed classifies the error that ended the inbound stream.
func (s *Session) readFailed(err error) closeReason {
	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn().Int64("max_bytes", s.cfg.MaxMessageSize).Msg("message exceeded maximum size")
		return closeReason{websocket.CloseMessageTooBig, "message too big"}

	case errors.As(err, &closeErr):
		s.logger.Debug().Int("code", closeErr.Code).Str("text", closeErr.Text).Msg("client closed connection")
		return closeReason{websocket.CloseNormalClosure, ""}

	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		s.logger.Debug().Err(err).Msg("connection closed")
		return closeReason{websocket.CloseNormalClosure, ""}

	default:
		s.logger.Warn().Err(err).Msg("websocket read error")
		return closeReason{websocket.CloseProtocolError, "read error"}
	}
}

func (s *Session) writeFailed(err error) closeReason {
	if !isExpectedCloseError(err) {
		s.logger.Warn().Err(err).Msg("websocket write error")
	}
	return closeReason{websocket.CloseAbnormalClosure, "write error"}
}

// reasonFor maps a router call failure to a close reason.
func reasonFor(ctx context.Context, err error) closeReason {
	if ctx.Err() != nil {
		return closeReason{websocket.CloseGoingAway, "server shutting down"}
	}
	if errors.Is(err, router.ErrRouterUnavailable) {
		return closeReason{websocket.CloseTryAgainLater, "router unavailable"}
	}
	return closeReason{websocket.CloseInternalServerErr, "internal error"}
}

// closeConn sends a close frame, unless the stream is already gone, and
// closes the socket.
func (s *Session) closeConn(reason closeReason) {
	if reason.code != websocket.CloseAbnormalClosure {
		msg := websocket.FormatCloseMessage(reason.code, reason.text)
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, s.now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
			s.logger.Debug().Err(err).Msg("write close frame")
		}
	}
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug().Err(err).Msg("close connection")
	}
}
