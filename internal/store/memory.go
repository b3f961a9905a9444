package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Tyrowin/gochat/pkg/auth"
)

// MemoryStore keeps everything in process memory. It is safe for concurrent
// use and loses all data on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User            // by id
	byName   map[string]string          // username -> id
	rooms    map[string]Room            // by id
	members  map[string]map[string]bool // room id -> user ids
	messages map[string][]Message       // room id -> history
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		byName:   make(map[string]string),
		rooms:    make(map[string]Room),
		members:  make(map[string]map[string]bool),
		messages: make(map[string][]Message),
	}
}

// CreateUser registers a user; usernames are unique after lowercasing.
func (m *MemoryStore) CreateUser(_ context.Context, username, password string) (User, error) {
	username = normUsername(username)
	if username == "" || password == "" {
		return User{}, ErrInvalidInput
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return User{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byName[username]; taken {
		return User{}, ErrConflict
	}
	u := User{ID: uuid.NewString(), Username: username, PasswordHash: hash, CreatedAt: nowMillis()}
	m.users[u.ID] = u
	m.byName[username] = u.ID
	return u, nil
}

// VerifyUser checks a username and password pair.
func (m *MemoryStore) VerifyUser(_ context.Context, username, password string) (User, error) {
	m.mu.RLock()
	id, ok := m.byName[normUsername(username)]
	u := m.users[id]
	m.mu.RUnlock()

	if !ok || !auth.CheckPassword(u.PasswordHash, password) {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// FindUser returns the user with id, or ErrNotFound.
func (m *MemoryStore) FindUser(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// ListRooms returns all rooms with their members.
func (m *MemoryStore) ListRooms(_ context.Context) ([]RoomWithUsers, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RoomWithUsers, 0, len(m.rooms))
	for _, r := range m.sortedRoomsLocked() {
		out = append(out, RoomWithUsers{Room: r, Users: m.roomUsersLocked(r.ID)})
	}
	return out, nil
}

// GetRoom returns one room with members and messages.
func (m *MemoryStore) GetRoom(_ context.Context, id string) (RoomDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[id]
	if !ok {
		return RoomDetail{}, ErrNotFound
	}
	return RoomDetail{
		Room:          r,
		Users:         m.roomUsersLocked(id),
		Conversations: append([]Message{}, m.messages[id]...),
	}, nil
}

// CreateRoom adds a room owned by ownerID.
func (m *MemoryStore) CreateRoom(_ context.Context, ownerID, name string) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" || ownerID == "" {
		return Room{}, ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := Room{ID: uuid.NewString(), Name: name, CreatedAt: nowMillis(), OwnerID: ownerID}
	m.rooms[r.ID] = r
	return r, nil
}

// DeleteRoom drops the room, its memberships and its messages.
func (m *MemoryStore) DeleteRoom(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(m.rooms, id)
	delete(m.members, id)
	delete(m.messages, id)
	return nil
}

// JoinRoom adds userID to the room. It is idempotent.
func (m *MemoryStore) JoinRoom(_ context.Context, userID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	if m.members[roomID] == nil {
		m.members[roomID] = make(map[string]bool)
	}
	m.members[roomID][userID] = true
	return nil
}

// ExitRoom removes userID from the room, if present.
func (m *MemoryStore) ExitRoom(_ context.Context, userID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.members[roomID], userID)
	return nil
}

// CreateMessage appends to the room history.
func (m *MemoryStore) CreateMessage(_ context.Context, author, roomID, text string) (Message, error) {
	if strings.TrimSpace(text) == "" || author == "" {
		return Message{}, ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return Message{}, ErrNotFound
	}
	msg := Message{ID: uuid.NewString(), RoomID: roomID, UserID: author, Message: text, CreatedAt: nowMillis()}
	m.messages[roomID] = append(m.messages[roomID], msg)
	r.LastMessage = text
	m.rooms[roomID] = r
	return msg, nil
}

// ListMessages returns a copy of the room history.
func (m *MemoryStore) ListMessages(_ context.Context, roomID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.rooms[roomID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Message{}, m.messages[roomID]...), nil
}

// LoadRoomsJoinedBy lists the room ids userID belongs to.
func (m *MemoryStore) LoadRoomsJoinedBy(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, r := range m.sortedRoomsLocked() {
		if m.members[r.ID][userID] {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// LoadAllRooms lists every room id.
func (m *MemoryStore) LoadAllRooms(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.rooms))
	for _, r := range m.sortedRoomsLocked() {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) sortedRoomsLocked() []Room {
	rooms := make([]Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt != rooms[j].CreatedAt {
			return rooms[i].CreatedAt < rooms[j].CreatedAt
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}

func (m *MemoryStore) roomUsersLocked(roomID string) []User {
	users := make([]User, 0, len(m.members[roomID]))
	for uid := range m.members[roomID] {
		if u, ok := m.users[uid]; ok {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}
