package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat/internal/router"
	"github.com/Tyrowin/gochat/internal/store"
)

func TestAPI_SignupSigninAndCurrentUser(t *testing.T) {
	env := newTestEnv(t, nil)

	token, uid := env.signup(t, "Alice")

	resp := env.do(t, http.MethodPost, "/api/auth/signup", "", router.NoConn, credentials{Username: "alice", Password: "x"})
	assert.Equal(t, http.StatusConflict, resp.status)
	var errBody errorResponse
	resp.decode(t, &errBody)
	assert.Contains(t, errBody.Message, "already exists")

	resp = env.do(t, http.MethodPost, "/api/auth/signup", "", router.NoConn, credentials{Username: "", Password: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = env.do(t, http.MethodPost, "/api/auth/signin", "", router.NoConn, credentials{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	resp = env.do(t, http.MethodPost, "/api/auth/signin", "", router.NoConn, credentials{Username: "alice", Password: "pw-Alice"})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))

	resp = env.do(t, http.MethodGet, "/api/auth/user", token, router.NoConn, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var u store.User
	resp.decode(t, &u)
	assert.Equal(t, uid, u.ID)
	assert.Equal(t, "alice", u.Username)
	assert.NotContains(t, string(resp.body), "pw-Alice")

	resp = env.do(t, http.MethodPost, "/api/auth/logout", token, router.NoConn, nil)
	assert.Equal(t, http.StatusOK, resp.status)
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/api/auth/user", "/api/rooms", "/api/conversations/x"} {
		resp := env.do(t, http.MethodGet, path, "", router.NoConn, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.status, path)

		resp = env.do(t, http.MethodGet, path, "garbage", router.NoConn, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.status, path)
	}

	resp, err := http.Get(env.http.URL + "/ws")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_BadPayload(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.http.URL+"/api/auth/signin", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_MessageFanOutSkipsSender(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceTok, aliceID := env.signup(t, "alice")
	bobTok, _ := env.signup(t, "bob")

	alice, aliceConn := env.dial(t, aliceTok)
	bob, bobConn := env.dial(t, bobTok)

	room := env.createRoom(t, aliceTok, "general")

	// Both see the room creation broadcast since neither sent a Conn-Id.
	assert.Equal(t, router.EventCreateRoom, readEnvelope(t, alice).Type)
	assert.Equal(t, router.EventCreateRoom, readEnvelope(t, bob).Type)

	resp := env.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", aliceTok, aliceConn, nil)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	resp = env.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", bobTok, bobConn, nil)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	assert.Equal(t, router.EventJoinRoom, readEnvelope(t, alice).Type)

	resp = env.do(t, http.MethodPost, "/api/conversations", aliceTok, aliceConn,
		createMessageRequest{Message: "hi", RoomID: room.ID})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	var created store.Message
	resp.decode(t, &created)
	assert.Equal(t, "hi", created.Message)
	assert.Equal(t, aliceID, created.UserID)

	ev := readEnvelope(t, bob)
	require.Equal(t, router.EventMessage, ev.Type)
	var got store.Message
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, created, got)

	expectNoFrame(t, alice, 200*time.Millisecond)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+room.ID, bobTok, router.NoConn, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var history []store.Message
	resp.decode(t, &history)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Message)
}

func TestAPI_ReconnectRestoresJoinedRooms(t *testing.T) {
	env := newTestEnv(t, nil)
	token, uid := env.signup(t, "alice")
	room := env.createRoom(t, token, "general")

	resp := env.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", token, router.NoConn, nil)
	require.Equal(t, http.StatusOK, resp.status)

	conn, id := env.dial(t, token)
	sendText(t, conn, "/list")
	ev := readEnvelope(t, conn)
	require.Equal(t, router.EventRooms, ev.Type)

	var rooms []router.RoomSnapshot
	require.NoError(t, json.Unmarshal(ev.Data, &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, room.ID, rooms[0].RoomID)
	assert.Equal(t, []router.Member{{ConnID: id, UserID: uid}}, rooms[0].Members)
}

func TestAPI_ExitRoomStopsDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceTok, _ := env.signup(t, "alice")
	bobTok, _ := env.signup(t, "bob")
	room := env.createRoom(t, aliceTok, "general")

	bob, bobConn := env.dial(t, bobTok)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", bobTok, bobConn, nil).status)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/exit", bobTok, bobConn, nil).status)

	resp := env.do(t, http.MethodPost, "/api/conversations", aliceTok, router.NoConn,
		createMessageRequest{Message: "anyone?", RoomID: room.ID})
	require.Equal(t, http.StatusOK, resp.status)

	expectNoFrame(t, bob, 200*time.Millisecond)
}

func TestAPI_DeleteRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceTok, _ := env.signup(t, "alice")
	bobTok, _ := env.signup(t, "bob")
	room := env.createRoom(t, aliceTok, "doomed")

	bob, _ := env.dial(t, bobTok)

	resp := env.do(t, http.MethodDelete, "/api/rooms/"+room.ID, bobTok, router.NoConn, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = env.do(t, http.MethodDelete, "/api/rooms/"+room.ID, aliceTok, router.NoConn, nil)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))

	ev := readEnvelope(t, bob)
	require.Equal(t, router.EventDeleteRoom, ev.Type)
	var data map[string]string
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, room.ID, data["room_id"])

	resp = env.do(t, http.MethodGet, "/api/rooms/"+room.ID, aliceTok, router.NoConn, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)

	rooms, err := env.router.Handle().ListRooms(t.Context())
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestAPI_RoomsListAndDetail(t *testing.T) {
	env := newTestEnv(t, nil)
	token, uid := env.signup(t, "alice")
	room := env.createRoom(t, token, "general")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", token, router.NoConn, nil).status)

	resp := env.do(t, http.MethodGet, "/api/rooms", token, router.NoConn, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var rooms []store.RoomWithUsers
	resp.decode(t, &rooms)
	require.Len(t, rooms, 1)
	assert.Equal(t, "general", rooms[0].Room.Name)
	require.Len(t, rooms[0].Users, 1)
	assert.Equal(t, uid, rooms[0].Users[0].ID)

	resp = env.do(t, http.MethodGet, "/api/rooms/"+room.ID, token, router.NoConn, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var detail store.RoomDetail
	resp.decode(t, &detail)
	assert.Equal(t, uid, detail.Room.OwnerID)

	resp = env.do(t, http.MethodGet, "/api/rooms/missing", token, router.NoConn, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = env.do(t, http.MethodPost, "/api/rooms", token, router.NoConn, createRoomRequest{RoomName: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestAPI_CreatedRoomIsLiveBeforeAnyJoin(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _ := env.signup(t, "alice")
	conn, _ := env.dial(t, token)

	room := env.createRoom(t, token, "fresh")
	assert.Equal(t, router.EventCreateRoom, readEnvelope(t, conn).Type)

	sendText(t, conn, "/list")
	ev := readEnvelope(t, conn)
	require.Equal(t, router.EventRooms, ev.Type)

	var rooms []router.RoomSnapshot
	require.NoError(t, json.Unmarshal(ev.Data, &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, room.ID, rooms[0].RoomID)
	assert.Empty(t, rooms[0].Members)
}

func TestAPI_ConnIDMustBelongToCaller(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceTok, _ := env.signup(t, "alice")
	bobTok, bobID := env.signup(t, "bob")
	room := env.createRoom(t, aliceTok, "general")

	_, bobConn := env.dial(t, bobTok)

	resp := env.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", aliceTok, bobConn, nil)
	assert.Equal(t, http.StatusForbidden, resp.status, string(resp.body))

	rooms, err := env.router.Handle().ListRooms(t.Context())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Empty(t, rooms[0].Members)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", bobTok, bobConn, nil).status)
	resp = env.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/exit", aliceTok, bobConn, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)

	rooms, err = env.router.Handle().ListRooms(t.Context())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, []router.Member{{ConnID: bobConn, UserID: bobID}}, rooms[0].Members)
}

func TestAPI_InvalidConnIDHeader(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _ := env.signup(t, "alice")
	room := env.createRoom(t, token, "general")

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/api/rooms/"+room.ID+"/join", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(connIDHeader, "not-a-number")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_RouterUnavailableIs503(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _ := env.signup(t, "alice")
	room := env.createRoom(t, token, "general")

	env.stopRouter()
	<-env.router.Done()

	resp := env.do(t, http.MethodPost, "/api/conversations", token, router.NoConn,
		createMessageRequest{Message: "hello?", RoomID: room.ID})
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)

	resp = env.do(t, http.MethodGet, "/healthz", "", router.NoConn, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
}

func TestRoutes_HealthMetricsAndTestPage(t *testing.T) {
	env := newTestEnv(t, nil)

	get := func(path string) (int, string, string) {
		resp, err := http.Get(env.http.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, resp.Header.Get("Content-Type"), string(b)
	}

	status, ctype, body := get("/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "text/plain", ctype)
	assert.Equal(t, "GoChat server is running!", body)

	status, _, body = get("/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"ok"`)

	status, _, body = get("/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "gochat_")

	status, ctype, body = get("/test")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "text/html", ctype)
	assert.Contains(t, body, "GoChat WebSocket Test")

	status, _, _ = get("/nope")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRoutes_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/api/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, testOrigin, resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocket_RejectsDisallowedOrigin(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _ := env.signup(t, "alice")

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(token), http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocket_RejectsNonGET(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _ := env.signup(t, "alice")

	resp := env.do(t, http.MethodPost, "/ws", token, router.NoConn, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.status)
}
