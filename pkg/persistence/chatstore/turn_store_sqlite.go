package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/chat"
)

// sqliteDriverName is a go-sqlite3 driver that enables foreign keys on every pooled connection,
// whatever the DSN says.
const sqliteDriverName = "sqlite3_chatstore"

var registerDriverOnce sync.Once

func registerDriver() {
	registerDriverOnce.Do(func() {
		sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				_, err := conn.Exec("PRAGMA foreign_keys = ON", nil)
				return err
			},
		})
	})
}

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	registerDriver()
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN with WAL, a busy timeout and foreign keys enabled.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			chat_session_id INTEGER NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_by_user ON chat_sessions(user_id, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_by_session ON chat_messages(chat_session_id, created_at_ms DESC, id DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, conversationID, principalID int64, limit int) ([]chat.Turn, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	if conversationID <= 0 {
		return nil, errors.New("sqlite chat store: conversationID is empty")
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_session_id, user_id, role, content, created_at_ms
		FROM chat_messages
		WHERE chat_session_id = ? AND user_id = ?
		ORDER BY created_at_ms DESC, id DESC
		LIMIT ?
	`, conversationID, principalID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: query history")
	}
	defer func() { _ = rows.Close() }()

	out := make([]chat.Turn, 0, limit)
	for rows.Next() {
		var (
			t         chat.Turn
			role      string
			createdMs int64
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.PrincipalID, &role, &t.Content, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan history")
		}
		t.Role = chat.Role(role)
		t.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate history")
	}
	return out, nil
}

func (s *SQLiteStore) Append(ctx context.Context, principalID, conversationID int64, role chat.Role, content string) (chat.Turn, error) {
	if s == nil || s.db == nil {
		return chat.Turn{}, errors.New("sqlite chat store: db is nil")
	}
	if err := validateAppend(principalID, conversationID, role); err != nil {
		return chat.Turn{}, errors.Wrap(err, "sqlite chat store")
	}
	createdAt := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages(user_id, chat_session_id, role, content, created_at_ms)
		VALUES(?, ?, ?, ?, ?)
	`, principalID, conversationID, string(role), content, createdAt.UnixMilli())
	if err != nil {
		if isConstraintError(err, sqlite3.ErrConstraintForeignKey) {
			return chat.Turn{}, errors.Wrapf(ErrConversationNotFound, "sqlite chat store: append to %d", conversationID)
		}
		return chat.Turn{}, errors.Wrap(err, "sqlite chat store: append")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Turn{}, errors.Wrap(err, "sqlite chat store: append id")
	}
	return chat.Turn{
		ID:             id,
		ConversationID: conversationID,
		PrincipalID:    principalID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.UnixMilli(createdAt.UnixMilli()),
	}, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, ownerID int64, title string) (chat.Conversation, error) {
	if s == nil || s.db == nil {
		return chat.Conversation{}, errors.New("sqlite chat store: db is nil")
	}
	title = strings.TrimSpace(title)
	if ownerID <= 0 {
		return chat.Conversation{}, errors.New("sqlite chat store: ownerID is empty")
	}
	if title == "" {
		return chat.Conversation{}, errors.New("sqlite chat store: title is empty")
	}
	createdAt := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions(user_id, title, created_at_ms) VALUES(?, ?, ?)
	`, ownerID, title, createdAt.UnixMilli())
	if err != nil {
		if isConstraintError(err, sqlite3.ErrConstraintForeignKey) {
			return chat.Conversation{}, errors.Wrapf(ErrUserNotFound, "sqlite chat store: owner %d", ownerID)
		}
		return chat.Conversation{}, errors.Wrap(err, "sqlite chat store: create conversation")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "sqlite chat store: conversation id")
	}
	return chat.Conversation{ID: id, OwnerID: ownerID, Title: title, CreatedAt: time.UnixMilli(createdAt.UnixMilli())}, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID int64) (chat.Conversation, bool, error) {
	if s == nil || s.db == nil {
		return chat.Conversation{}, false, errors.New("sqlite chat store: db is nil")
	}
	var (
		c         chat.Conversation
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at_ms FROM chat_sessions WHERE id = ?
	`, conversationID).Scan(&c.ID, &c.OwnerID, &c.Title, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, false, nil
	}
	if err != nil {
		return chat.Conversation{}, false, errors.Wrap(err, "sqlite chat store: get conversation")
	}
	c.CreatedAt = time.UnixMilli(createdMs)
	return c, true, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID int64, limit int) ([]chat.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at_ms
		FROM chat_sessions
		WHERE user_id = ?
		ORDER BY created_at_ms DESC, id DESC
		LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	out := []chat.Conversation{}
	for rows.Next() {
		var (
			c         chat.Conversation
			createdMs int64
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan conversation")
		}
		c.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate conversations")
	}
	return out, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, username string) (chat.Principal, error) {
	if s == nil || s.db == nil {
		return chat.Principal{}, errors.New("sqlite chat store: db is nil")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return chat.Principal{}, errors.New("sqlite chat store: username is empty")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users(username, created_at_ms) VALUES(?, ?)
	`, username, s.now().UnixMilli())
	if err != nil {
		if isConstraintError(err, sqlite3.ErrConstraintUnique) {
			return chat.Principal{}, errors.Wrapf(ErrUserExists, "sqlite chat store: %q", username)
		}
		return chat.Principal{}, errors.Wrap(err, "sqlite chat store: create user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Principal{}, errors.Wrap(err, "sqlite chat store: user id")
	}
	return chat.Principal{ID: id, Username: username}, nil
}

func (s *SQLiteStore) LookupUser(ctx context.Context, username string) (chat.Principal, bool, error) {
	if s == nil || s.db == nil {
		return chat.Principal{}, false, errors.New("sqlite chat store: db is nil")
	}
	var p chat.Principal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username FROM users WHERE username = ?
	`, strings.TrimSpace(username)).Scan(&p.ID, &p.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Principal{}, false, nil
	}
	if err != nil {
		return chat.Principal{}, false, errors.Wrap(err, "sqlite chat store: lookup user")
	}
	return p, true, nil
}

func isConstraintError(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == code
}
