package store

// User is an account. The password hash never leaves the store as JSON.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	CreatedAt    int64  `json:"-"`
}

// Room is a persisted chat room.
type Room struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LastMessage string `json:"last_message"`
	CreatedAt   int64  `json:"created_at"`
	OwnerID     string `json:"owner_id"`
}

// Message is one chat message in a room's history.
type Message struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"`
}

// RoomWithUsers is a room and the users who joined it.
type RoomWithUsers struct {
	Room  Room   `json:"room"`
	Users []User `json:"users"`
}

// RoomDetail is a room with its members and message history.
type RoomDetail struct {
	Room          Room      `json:"room"`
	Users         []User    `json:"users"`
	Conversations []Message `json:"conversations"`
}
