package chat

import (
	"encoding/json"
	"time"
)

// Condition is a diagnosed topic a user chats about. The Data payload is the
// caller-supplied patient document (age, medications, lab values and so on),
// opaque to the engine beyond serialization. Conditions are immutable once
// created so historical sessions stay reproducible: new data means a new
// condition, never an edit.
type Condition struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
