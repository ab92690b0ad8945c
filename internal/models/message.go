package models

import "time"

// Role identifies who produced a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one immutable entry in an account-scoped conversation.
// Sequence numbers are assigned by the conversation log at append time and
// are strictly increasing within a conversation.
type Message struct {
	ConversationID   string    `db:"conversation_id" json:"-"`
	Sequence         int64     `db:"sequence" json:"sequence"`
	Role             Role      `db:"role" json:"role"`
	Content          string    `db:"content" json:"content"`
	RelatedRequestID string    `db:"related_request_id" json:"related_request_id,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
