// Package store persists users, conditions, sessions and messages. It is
// pure data access: no prompting or windowing policy lives here.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/careline-health/careline/internal/model/chat"
)

var (
	// ErrNotFound signals that a referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable signals a persistence I/O failure.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is the entity persistence contract. All writes are atomic per call;
// implementations must tolerate concurrent readers and serialize writers so
// message ordering within a session is stable.
type Store interface {
	GetOrCreateUser(ctx context.Context, id, name string) (chat.User, error)

	CreateCondition(ctx context.Context, userID, name string, data json.RawMessage) (chat.Condition, error)
	GetCondition(ctx context.Context, id string) (chat.Condition, error)
	// FindCondition looks up a user's condition by name; the bool reports
	// whether it exists.
	FindCondition(ctx context.Context, userID, name string) (chat.Condition, bool, error)
	ListConditions(ctx context.Context, userID string) ([]chat.Condition, error)

	CreateSession(ctx context.Context, userID, conditionID, title string) (chat.Session, error)
	GetSession(ctx context.Context, id string) (chat.Session, error)
	// ListSessions returns a user's sessions newest-first, optionally
	// filtered by condition (empty conditionID means all).
	ListSessions(ctx context.Context, userID, conditionID string) ([]chat.Session, error)
	DeleteSession(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, sessionID string, role chat.Role, content string) (chat.Message, error)
	// ListMessages returns a session's messages oldest-first. A positive
	// limit caps the result to the most recent limit messages.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)

	Close() error
}
