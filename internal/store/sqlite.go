package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/careline-health/careline/internal/model/chat"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
	// SQLite allows a single writer; serializing writes here keeps message
	// ordering within a session stable without busy-loop retries.
	mu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at path and
// bootstraps the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single pooled connection keeps per-connection pragmas in effect and
	// matches sqlite's single-writer model.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conditions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id),
			name       TEXT NOT NULL,
			data       TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conditions_user ON conditions(user_id);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL REFERENCES users(id),
			condition_id TEXT NOT NULL REFERENCES conditions(id),
			title        TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Timestamps are stored as integer unix nanoseconds so range ordering is
// exact regardless of the driver's text formatting.
func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(ns int64) time.Time { return time.Unix(0, ns).UTC() }

// unavailable tags a driver failure with ErrUnavailable so callers can
// classify it without knowing the driver.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, id, name string) (chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var user chat.User
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Name, &createdAt)
	if err == nil {
		user.CreatedAt = fromNanos(createdAt)
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, unavailable("get user", err)
	}

	user = chat.User{ID: id, Name: name, CreatedAt: time.Now().UTC()}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)`,
		user.ID, user.Name, toNanos(user.CreatedAt),
	); err != nil {
		return chat.User{}, unavailable("create user", err)
	}
	return user, nil
}

func (s *SQLiteStore) CreateCondition(ctx context.Context, userID, name string, data json.RawMessage) (chat.Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cond := chat.Condition{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conditions (id, user_id, name, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		cond.ID, cond.UserID, cond.Name, string(cond.Data), toNanos(cond.CreatedAt),
	); err != nil {
		if isForeignKeyViolation(err) {
			return chat.Condition{}, fmt.Errorf("create condition: user %s: %w", userID, ErrNotFound)
		}
		return chat.Condition{}, unavailable("create condition", err)
	}
	return cond, nil
}

func (s *SQLiteStore) GetCondition(ctx context.Context, id string) (chat.Condition, error) {
	cond, err := s.scanCondition(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, data, created_at FROM conditions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Condition{}, fmt.Errorf("condition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return chat.Condition{}, unavailable("get condition", err)
	}
	return cond, nil
}

func (s *SQLiteStore) FindCondition(ctx context.Context, userID, name string) (chat.Condition, bool, error) {
	cond, err := s.scanCondition(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, data, created_at FROM conditions
		 WHERE user_id = ? AND name = ? ORDER BY created_at DESC LIMIT 1`,
		userID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Condition{}, false, nil
	}
	if err != nil {
		return chat.Condition{}, false, unavailable("find condition", err)
	}
	return cond, true, nil
}

func (s *SQLiteStore) ListConditions(ctx context.Context, userID string) ([]chat.Condition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, data, created_at FROM conditions
		 WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, unavailable("list conditions", err)
	}
	defer rows.Close()

	conditions := make([]chat.Condition, 0, 8)
	for rows.Next() {
		cond, err := s.scanCondition(rows)
		if err != nil {
			return nil, unavailable("list conditions", err)
		}
		conditions = append(conditions, cond)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list conditions", err)
	}
	return conditions, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, userID, conditionID, title string) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	session := chat.Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		ConditionID: conditionID,
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, condition_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.ConditionID, session.Title,
		toNanos(session.CreatedAt), toNanos(session.UpdatedAt),
	); err != nil {
		if isForeignKeyViolation(err) {
			return chat.Session{}, fmt.Errorf("create session: %w", ErrNotFound)
		}
		return chat.Session{}, unavailable("create session", err)
	}
	return session, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (chat.Session, error) {
	var session chat.Session
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, condition_id, title, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&session.ID, &session.UserID, &session.ConditionID, &session.Title,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return chat.Session{}, unavailable("get session", err)
	}
	session.CreatedAt = fromNanos(createdAt)
	session.UpdatedAt = fromNanos(updatedAt)
	return session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID, conditionID string) ([]chat.Session, error) {
	query := `SELECT id, user_id, condition_id, title, created_at, updated_at
		 FROM sessions WHERE user_id = ?`
	args := []any{userID}
	if conditionID != "" {
		query += ` AND condition_id = ?`
		args = append(args, conditionID)
	}
	query += ` ORDER BY updated_at DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	defer rows.Close()

	sessions := make([]chat.Session, 0, 8)
	for rows.Next() {
		var session chat.Session
		var createdAt, updatedAt int64
		if err := rows.Scan(&session.ID, &session.UserID, &session.ConditionID,
			&session.Title, &createdAt, &updatedAt); err != nil {
			return nil, unavailable("list sessions", err)
		}
		session.CreatedAt = fromNanos(createdAt)
		session.UpdatedAt = fromNanos(updatedAt)
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list sessions", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return unavailable("delete session", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable("delete session", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, role chat.Role, content string) (chat.Message, error) {
	if !role.Valid() {
		return chat.Message{}, fmt.Errorf("append message: invalid role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, unavailable("append message", err)
	}
	defer tx.Rollback()

	msg := chat.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	// Bumping updated_at doubles as the session-exists check.
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, toNanos(msg.CreatedAt), sessionID)
	if err != nil {
		return chat.Message{}, unavailable("append message", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return chat.Message{}, unavailable("append message", err)
	}
	if affected == 0 {
		return chat.Message{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, toNanos(msg.CreatedAt),
	); err != nil {
		return chat.Message{}, unavailable("append message", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, unavailable("append message", err)
	}
	return msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT id, session_id, role, content, created_at FROM messages
		 WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		// Most recent limit messages, still returned oldest-first.
		query = `SELECT id, session_id, role, content, created_at FROM (
			SELECT seq, id, session_id, role, content, created_at FROM messages
			WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		var msg chat.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &createdAt); err != nil {
			return nil, unavailable("list messages", err)
		}
		msg.Role = chat.Role(role)
		msg.CreatedAt = fromNanos(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list messages", err)
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanCondition(row rowScanner) (chat.Condition, error) {
	var cond chat.Condition
	var data sql.NullString
	var createdAt int64
	if err := row.Scan(&cond.ID, &cond.UserID, &cond.Name, &data, &createdAt); err != nil {
		return chat.Condition{}, err
	}
	cond.CreatedAt = fromNanos(createdAt)
	if data.Valid && data.String != "" {
		cond.Data = json.RawMessage(data.String)
	}
	return cond, nil
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "foreign key")
}
