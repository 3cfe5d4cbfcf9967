package sessions

import (
	"time"

	"github.com/google/uuid"
)

const (
	SourceRemote = "remote"
	SourceLocal  = "local"

	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Session is the persisted record of one extraction request.
type Session struct {
	ID           string    `json:"id"`
	SourceKind   string    `json:"source_kind"`
	Source       string    `json:"source"`
	Quality      string    `json:"quality,omitempty"`
	Status       string    `json:"status"`
	Phase        string    `json:"phase,omitempty"`
	Progress     int       `json:"progress"`
	SegmentCount int       `json:"segment_count"`
	Error        string    `json:"error,omitempty"`
	Outputs      []string  `json:"outputs"`
	Partial      bool      `json:"partial"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminal reports whether the session has finished.
func (s *Session) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}
