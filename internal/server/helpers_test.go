package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat/internal/router"
	"github.com/Tyrowin/gochat/internal/store"
)

const testOrigin = "http://localhost:8080"

// countingRouter records Disconnect calls on top of a real router handle.
type countingRouter struct {
	RoomRouter

	mu          sync.Mutex
	disconnects map[router.ConnID]int
	total       atomic.Int32
}

func (c *countingRouter) Disconnect(ctx context.Context, id router.ConnID) error {
	c.mu.Lock()
	c.disconnects[id]++
	c.mu.Unlock()
	c.total.Add(1)
	return c.RoomRouter.Disconnect(ctx, id)
}

func (c *countingRouter) disconnectsOf(id router.ConnID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects[id]
}

type testEnv struct {
	store      *store.MemoryStore
	router     *router.Router
	rt         *countingRouter
	srv        *Server
	http       *httptest.Server
	stopRouter context.CancelFunc
}

func testConfig() Config {
	cfg := *NewConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.RateLimit.Burst = 100
	cfg.Auth.Secret = "test-secret"
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newTestEnv(t *testing.T, customize func(cfg *Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if customize != nil {
		customize(&cfg)
	}

	st := store.NewMemoryStore()
	r := router.New(st, zerolog.Nop())

	routerCtx, stopRouter := context.WithCancel(context.Background())
	go func() { _ = r.Run(routerCtx) }()

	serverCtx, stopServer := context.WithCancel(context.Background())
	rt := &countingRouter{RoomRouter: r.Handle(), disconnects: make(map[router.ConnID]int)}
	srv := New(serverCtx, cfg, st, rt, zerolog.Nop())
	hs := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		_ = srv.Hub().Shutdown(2 * time.Second)
		hs.Close()
		stopServer()
		stopRouter()
		<-r.Done()
	})

	return &testEnv{store: st, router: r, rt: rt, srv: srv, http: hs, stopRouter: stopRouter}
}

// session returns the single session the hub is running.
func (e *testEnv) session(t *testing.T) *Session {
	t.Helper()

	var s *Session
	require.Eventually(t, func() bool {
		h := e.srv.Hub()
		h.mu.Lock()
		defer h.mu.Unlock()
		for ss := range h.sessions {
			s = ss
		}
		return len(h.sessions) == 1
	}, time.Second, 10*time.Millisecond)
	return s
}

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

func (r apiResponse) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, v), string(r.body))
}

func (e *testEnv) do(t *testing.T, method, path, token string, conn router.ConnID, body any) apiResponse {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if conn != router.NoConn {
		req.Header.Set(connIDHeader, conn.String())
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return apiResponse{status: resp.StatusCode, header: resp.Header, body: b}
}

// signup creates a user and returns its token and id.
func (e *testEnv) signup(t *testing.T, username string) (string, string) {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/api/auth/signup", "", router.NoConn, credentials{Username: username, Password: "pw-" + username})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))

	var out struct {
		Token string     `json:"token"`
		User  store.User `json:"user"`
	}
	resp.decode(t, &out)
	require.NotEmpty(t, out.Token)
	return out.Token, out.User.ID
}

func (e *testEnv) createRoom(t *testing.T, token, name string) store.Room {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/api/rooms", token, router.NoConn, createRoomRequest{RoomName: name})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))

	var out struct {
		Room store.Room `json:"room"`
	}
	resp.decode(t, &out)
	return out.Room
}

func (e *testEnv) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?token=" + token
}

// dialRaw opens a WebSocket without consuming the init frame.
func (e *testEnv) dialRaw(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(token), http.Header{"Origin": {testOrigin}})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dial opens a WebSocket and returns it with the id from its init frame.
func (e *testEnv) dial(t *testing.T, token string) (*websocket.Conn, router.ConnID) {
	t.Helper()

	conn := e.dialRaw(t, token)
	env := readEnvelope(t, conn)
	require.Equal(t, router.EventInit, env.Type)

	var data router.InitData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEqual(t, router.NoConn, data.ConnID)
	return conn, data.ConnID
}

type rawEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	return data
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	return string(readFrame(t, conn))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) rawEnvelope {
	t.Helper()

	var env rawEnvelope
	data := readFrame(t, conn)
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

// expectNoFrame asserts nothing arrives within d. The connection cannot be
// read from afterwards.
func expectNoFrame(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

// readCloseCode reads until the server's close frame and returns its code.
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}
