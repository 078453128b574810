package domain

import "time"

// ErrorLog is a persisted record of a failed chat turn.
type ErrorLog struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id,omitempty"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
