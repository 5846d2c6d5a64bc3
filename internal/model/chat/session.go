package chat

import "time"

// Session captures one conversation thread between a user and the engine,
// always about a single condition.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ConditionID string    `json:"condition_id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
