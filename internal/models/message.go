package models

import (
	"time"

	"voxchat/internal/language"
)

// Role tags who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one immutable message inside a session.
type Turn struct {
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Language  language.Tag `json:"language"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewTurn stamps a turn with the current time.
func NewTurn(role Role, content string, lang language.Tag) Turn {
	return Turn{Role: role, Content: content, Language: lang, CreatedAt: time.Now().UTC()}
}

// Inbound is a user message as it arrives from the transport. Exactly one of
// Text or VoiceRef is set.
type Inbound struct {
	UserID    int64  `json:"user_id"`
	ChatID    int64  `json:"chat_id"`
	FirstName string `json:"first_name"`
	Text      string `json:"text"`
	VoiceRef  string `json:"voice_ref"`
	VoiceMIME string `json:"voice_mime"`
}

// IsVoice reports whether the message carries audio instead of text.
func (m Inbound) IsVoice() bool {
	return m.VoiceRef != ""
}
