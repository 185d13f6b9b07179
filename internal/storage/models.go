package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Call is one relayed chat completion.
type Call struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	Model      string     `json:"model"`
	Stream     bool       `json:"stream"`
	Outcome    string     `json:"outcome"` // "pending", "json", "text", "stream", "error"
	Detail     string     `json:"detail,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StatusEvent is a status notification emitted while a call was relayed.
type StatusEvent struct {
	ID          int64     `json:"id"`
	CallID      string    `json:"call_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description"`
	Done        bool      `json:"done"`
}
