package domain

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is a single entry of the conversation transcript. Turns are values;
// once appended to a transcript they are never modified.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	IsError   bool      `json:"is_error,omitempty"`
}

// ChatMessage is the provider-agnostic message shape sent to the reply service.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
