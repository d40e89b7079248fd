package models

import (
	"time"

	"voxchat/internal/language"
)

// Session is the per-user conversation memory.
type Session struct {
	UserID int64 `json:"user_id"`
	// Instruction is the system instruction fixed when the context was created.
	Instruction string       `json:"instruction"`
	Turns       []Turn       `json:"turns"`
	Language    language.Tag `json:"language"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Clone returns a deep copy that callers may keep after the store lock is released.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = make([]Turn, len(s.Turns))
	copy(out.Turns, s.Turns)
	return &out
}

// Empty reports whether the session has no turns and no instruction.
func (s *Session) Empty() bool {
	return s == nil || (len(s.Turns) == 0 && s.Instruction == "")
}
