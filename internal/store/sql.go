package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/Tyrowin/gochat/pkg/auth"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQLStore implements Store on database/sql. Queries are written with ?
// placeholders and rebound to $n for Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn with the given driver ("sqlite3", "pgx" or
// "postgres") and verifies the connection.
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (*SQLStore, error) {
	switch driver {
	case DriverSQLite:
	case DriverPostgres, "postgres":
		driver = DriverPostgres
	default:
		return nil, errors.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}

	if driver == DriverSQLite {
		// sqlite serialises writers; one connection avoids "database is locked".
		maxOpenConns = 1
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s", driver)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// q rewrites ? placeholders for the active driver.
func (s *SQLStore) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateUser stores a new user with a bcrypt hash of password. A taken
// username yields ErrConflict.
func (s *SQLStore) CreateUser(ctx context.Context, username, password string) (User, error) {
	username = normUsername(username)
	if username == "" || password == "" {
		return User{}, ErrInvalidInput
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return User{}, err
	}

	u := User{ID: uuid.NewString(), Username: username, PasswordHash: hash, CreatedAt: nowMillis()}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (id, username, password, created_at)
		VALUES (?, ?, ?, ?)
	`), u.ID, u.Username, u.PasswordHash, u.CreatedAt)
	if isUniqueViolation(err) {
		return User{}, ErrConflict
	}
	if err != nil {
		return User{}, errors.Wrap(err, "insert user")
	}
	return u, nil
}

// VerifyUser returns the user when password matches, ErrInvalidCredentials
// otherwise. Unknown usernames get the same error.
func (s *SQLStore) VerifyUser(ctx context.Context, username, password string) (User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, username, password, created_at FROM users WHERE username = ?
	`), normUsername(username))

	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, errors.Wrap(err, "select user")
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// FindUser looks a user up by id.
func (s *SQLStore) FindUser(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, username, password, created_at FROM users WHERE id = ?
	`), id)

	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, errors.Wrap(err, "select user")
	}
	return u, nil
}

// ListRooms returns every room with its members, oldest room first.
func (s *SQLStore) ListRooms(ctx context.Context) ([]RoomWithUsers, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, last_message, created_at, owner_id
		FROM rooms
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "select rooms")
	}
	rooms, err := scanRooms(rows)
	if err != nil {
		return nil, err
	}

	out := make([]RoomWithUsers, 0, len(rooms))
	for _, r := range rooms {
		users, err := s.roomUsers(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, RoomWithUsers{Room: r, Users: users})
	}
	return out, nil
}

// GetRoom returns a room with its members and message history.
func (s *SQLStore) GetRoom(ctx context.Context, id string) (RoomDetail, error) {
	r, err := s.room(ctx, id)
	if err != nil {
		return RoomDetail{}, err
	}
	users, err := s.roomUsers(ctx, id)
	if err != nil {
		return RoomDetail{}, err
	}
	msgs, err := s.messages(ctx, id)
	if err != nil {
		return RoomDetail{}, err
	}
	return RoomDetail{Room: r, Users: users, Conversations: msgs}, nil
}

// CreateRoom inserts a room owned by ownerID.
func (s *SQLStore) CreateRoom(ctx context.Context, ownerID, name string) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" || ownerID == "" {
		return Room{}, ErrInvalidInput
	}

	r := Room{ID: uuid.NewString(), Name: name, CreatedAt: nowMillis(), OwnerID: ownerID}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO rooms (id, name, last_message, created_at, owner_id)
		VALUES (?, ?, ?, ?, ?)
	`), r.ID, r.Name, r.LastMessage, r.CreatedAt, r.OwnerID)
	if err != nil {
		return Room{}, errors.Wrap(err, "insert room")
	}
	return r, nil
}

// DeleteRoom removes a room together with its memberships and messages in
// one transaction.
func (s *SQLStore) DeleteRoom(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM conversations WHERE room_id = ?`), id); err != nil {
		return errors.Wrap(err, "delete conversations")
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM rooms_users WHERE room_id = ?`), id); err != nil {
		return errors.Wrap(err, "delete memberships")
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM rooms WHERE id = ?`), id)
	if err != nil {
		return errors.Wrap(err, "delete room")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// JoinRoom records that userID joined roomID. Joining twice is not an error.
func (s *SQLStore) JoinRoom(ctx context.Context, userID, roomID string) error {
	if _, err := s.room(ctx, roomID); err != nil {
		return err
	}
	if _, err := s.FindUser(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO rooms_users (room_id, user_id) VALUES (?, ?)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`), roomID, userID)
	return errors.Wrap(err, "insert membership")
}

// ExitRoom removes the membership. Exiting a room the user never joined is
// a no-op.
func (s *SQLStore) ExitRoom(ctx context.Context, userID, roomID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM rooms_users WHERE room_id = ? AND user_id = ?
	`), roomID, userID)
	return errors.Wrap(err, "delete membership")
}

// CreateMessage appends a message to the room history and updates the
// room's last_message in the same transaction.
func (s *SQLStore) CreateMessage(ctx context.Context, author, roomID, text string) (Message, error) {
	if strings.TrimSpace(text) == "" || author == "" {
		return Message{}, ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE rooms SET last_message = ? WHERE id = ?`), text, roomID)
	if err != nil {
		return Message{}, errors.Wrap(err, "update room")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, ErrNotFound
	}

	msg := Message{ID: uuid.NewString(), RoomID: roomID, UserID: author, Message: text, CreatedAt: nowMillis()}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO conversations (id, room_id, user_id, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), msg.ID, msg.RoomID, msg.UserID, msg.Message, msg.CreatedAt)
	if err != nil {
		return Message{}, errors.Wrap(err, "insert message")
	}
	if err := tx.Commit(); err != nil {
		return Message{}, errors.Wrap(err, "commit")
	}
	return msg, nil
}

// ListMessages returns a room's history, oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, roomID string) ([]Message, error) {
	if _, err := s.room(ctx, roomID); err != nil {
		return nil, err
	}
	return s.messages(ctx, roomID)
}

// LoadRoomsJoinedBy returns the ids of the rooms userID joined.
func (s *SQLStore) LoadRoomsJoinedBy(ctx context.Context, userID string) ([]string, error) {
	return s.ids(ctx, s.q(`
		SELECT r.id FROM rooms r
		JOIN rooms_users ru ON ru.room_id = r.id
		WHERE ru.user_id = ?
		ORDER BY r.created_at, r.id
	`), userID)
}

// LoadAllRooms returns the id of every persisted room.
func (s *SQLStore) LoadAllRooms(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM rooms ORDER BY created_at, id`)
}

func (s *SQLStore) room(ctx context.Context, id string) (Room, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, name, last_message, created_at, owner_id FROM rooms WHERE id = ?
	`), id)

	var r Room
	if err := row.Scan(&r.ID, &r.Name, &r.LastMessage, &r.CreatedAt, &r.OwnerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, errors.Wrap(err, "select room")
	}
	return r, nil
}

func (s *SQLStore) roomUsers(ctx context.Context, roomID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT u.id, u.username, u.created_at FROM users u
		JOIN rooms_users ru ON ru.user_id = u.id
		WHERE ru.room_id = ?
		ORDER BY u.username
	`), roomID)
	if err != nil {
		return nil, errors.Wrap(err, "select room users")
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		users = append(users, u)
	}
	return users, errors.Wrap(rows.Err(), "iterate users")
}

func (s *SQLStore) messages(ctx context.Context, roomID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, room_id, user_id, message, created_at FROM conversations
		WHERE room_id = ?
		ORDER BY created_at, id
	`), roomID)
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Message, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msgs = append(msgs, m)
	}
	return msgs, errors.Wrap(rows.Err(), "iterate messages")
}

func (s *SQLStore) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select room ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan room id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate room ids")
}

func scanRooms(rows *sql.Rows) ([]Room, error) {
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.LastMessage, &r.CreatedAt, &r.OwnerID); err != nil {
			return nil, errors.Wrap(err, "scan room")
		}
		rooms = append(rooms, r)
	}
	return rooms, errors.Wrap(rows.Err(), "iterate rooms")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
