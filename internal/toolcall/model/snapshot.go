package model

import (
	"time"
)

// Snapshot is a point-in-time view of one session. PendingCalls holds
// PENDING and IN_PROGRESS entries, CompletedCalls holds terminal ones; both
// are ordered by CreatedAt.
type Snapshot struct {
	SessionID        string    `json:"session_id"`
	ConversationTurn int       `json:"conversation_turn"`
	PendingCalls     []Entry   `json:"pending_calls"`
	CompletedCalls   []Entry   `json:"completed_calls"`
	TotalCalls       int       `json:"total_calls"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Clone deep-copies the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.PendingCalls = CloneEntries(s.PendingCalls)
	out.CompletedCalls = CloneEntries(s.CompletedCalls)
	return &out
}

// Entries returns pending followed by completed entries.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, 0, len(s.PendingCalls)+len(s.CompletedCalls))
	out = append(out, s.PendingCalls...)
	out = append(out, s.CompletedCalls...)
	return out
}
