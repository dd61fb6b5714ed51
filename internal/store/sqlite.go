package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var ErrNotFound = errors.New("record not found")

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err = store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS guests (
        id TEXT PRIMARY KEY, -- UUID
        name TEXT NOT NULL,
        session_id TEXT UNIQUE NOT NULL,
        created_at DATETIME NOT NULL,
        last_active_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        guest_id TEXT,
        user_id TEXT,
        title TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        CHECK ((guest_id IS NULL) <> (user_id IS NULL))
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        chat_id TEXT NOT NULL,
        content TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        created_at DATETIME NOT NULL,
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, created_at);

    CREATE TABLE IF NOT EXISTS composio_connections (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        integration_id TEXT NOT NULL,
        auth_config_id TEXT NOT NULL,
        connection_request_id TEXT NOT NULL,
        connection_id TEXT,
        status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'error')),
        redirect_url TEXT NOT NULL DEFAULT '',
        error_message TEXT,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        UNIQUE (user_id, integration_id)
    );
    CREATE INDEX IF NOT EXISTS idx_connections_request ON composio_connections (connection_request_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) CreateUser(ctx context.Context, externalUserID, passwordHash string) (*User, error) {
	user := &User{
		ID:             uuid.NewString(),
		ExternalUserID: externalUserID,
		PasswordHash:   passwordHash,
		CreatedAt:      s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, external_user_id, password_hash, created_at) VALUES (?, ?, ?, ?)",
		user.ID, user.ExternalUserID, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalUserID string) (*User, error) {
	return s.getUser(ctx, "external_user_id", externalUserID)
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *SQLiteStore) getUser(ctx context.Context, column, value string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, external_user_id, password_hash, created_at FROM users WHERE "+column+" = ?", value).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// Guest methods
func (s *SQLiteStore) CreateGuest(ctx context.Context, name, sessionID string) (*Guest, error) {
	now := s.now()
	guest := &Guest{ID: uuid.NewString(), Name: name, SessionID: sessionID, CreatedAt: now, LastActiveAt: now}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO guests (id, name, session_id, created_at, last_active_at) VALUES (?, ?, ?, ?, ?)",
		guest.ID, guest.Name, guest.SessionID, guest.CreatedAt, guest.LastActiveAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert guest: %w", err)
	}
	return guest, nil
}

func (s *SQLiteStore) GetGuestBySessionID(ctx context.Context, sessionID string) (*Guest, error) {
	var guest Guest
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, session_id, created_at, last_active_at FROM guests WHERE session_id = ?", sessionID).
		Scan(&guest.ID, &guest.Name, &guest.SessionID, &guest.CreatedAt, &guest.LastActiveAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query guest: %w", err)
	}
	return &guest, nil
}

func (s *SQLiteStore) UpdateGuestActivity(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE guests SET last_active_at = ? WHERE session_id = ?", s.now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update guest activity: %w", err)
	}
	return nil
}

// Chat methods
func (s *SQLiteStore) CreateChat(ctx context.Context, owner Owner, title string) (*Chat, error) {
	if !owner.Valid() {
		return nil, fmt.Errorf("chat needs exactly one owner")
	}
	now := s.now()
	chat := &Chat{
		ID:        uuid.NewString(),
		GuestID:   nullable(owner.GuestID),
		UserID:    nullable(owner.UserID),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO chats (id, guest_id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		chat.ID, chat.GuestID, chat.UserID, chat.Title, chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to execute chat insert: %w", err)
	}
	return chat, nil
}

const chatColumns = "id, guest_id, user_id, title, created_at, updated_at"

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var chat Chat
	var guestID, userID sql.NullString
	if err := row.Scan(&chat.ID, &guestID, &userID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
		return nil, err
	}
	if guestID.Valid {
		chat.GuestID = &guestID.String
	}
	if userID.Valid {
		chat.UserID = &userID.String
	}
	return &chat, nil
}

func ownerClause(owner Owner) (string, string) {
	if owner.UserID != "" {
		return "user_id = ?", owner.UserID
	}
	return "guest_id = ?", owner.GuestID
}

// GetChatByID returns nil when the chat does not exist or belongs to
// somebody else.
func (s *SQLiteStore) GetChatByID(ctx context.Context, chatID string, owner Owner) (*Chat, error) {
	clause, arg := ownerClause(owner)
	chat, err := scanChat(s.db.QueryRowContext(ctx,
		"SELECT "+chatColumns+" FROM chats WHERE id = ? AND "+clause, chatID, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return chat, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context, owner Owner) ([]Chat, error) {
	clause, arg := ownerClause(owner)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chatColumns+" FROM chats WHERE "+clause+" ORDER BY updated_at DESC", arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, *chat)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) UpdateChatTitle(ctx context.Context, chatID, title string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE chats SET title = ?, updated_at = ? WHERE id = ?", title, s.now(), chatID)
	if err != nil {
		return fmt.Errorf("failed to execute chat title update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) TouchChat(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE id = ?", s.now(), chatID)
	if err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	return nil
}

// DeleteChat removes the chat and its messages in one transaction.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID string, owner Owner) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin chat delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	clause, arg := ownerClause(owner)
	res, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ? AND "+clause, chatID, arg)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("failed to delete chat messages: %w", err)
	}
	return tx.Commit()
}

// Message methods
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, chat_id, content, role, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.ChatID, msg.Content, msg.Role, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	return s.queryMessages(ctx,
		"SELECT id, chat_id, content, role, created_at FROM messages WHERE chat_id = ? ORDER BY created_at ASC, rowid ASC",
		chatID)
}

// RecentMessages returns the last n messages of a chat, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, chatID string, n int) ([]Message, error) {
	messages, err := s.queryMessages(ctx, `
        SELECT id, chat_id, content, role, created_at
        FROM messages
        WHERE chat_id = ?
        ORDER BY created_at DESC, rowid DESC
        LIMIT ?
    `, chatID, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, chatID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM messages WHERE chat_id = ?", chatID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Content, &msg.Role, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
