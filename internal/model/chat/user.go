package chat

import "time"

// User represents a patient known to the engine. The id is whatever opaque
// key the calling system uses; the engine never invents or deletes users.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
