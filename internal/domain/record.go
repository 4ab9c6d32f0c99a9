package domain

import "time"

// SessionRecord is the journal entry kept for every session, live or closed.
type SessionRecord struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Backend        string       `json:"backend"`
	Policy         ResizePolicy `json:"policy"`
	CreatedAt      time.Time    `json:"created_at"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	ExitCode       *int         `json:"exit_code,omitempty"`
	TranscriptSize int          `json:"transcript_size"`
}
