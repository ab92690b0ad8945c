package conversation

import (
	"context"

	"assistant_core/internal/models"
)

// Log is a durable, strictly ordered per-conversation message store.
// Sequence numbers within a conversation are assigned at append time,
// strictly increasing and never reused.
type Log interface {
	// Append persists a message and returns it with its assigned
	// sequence number.
	Append(ctx context.Context, conversationID string, role models.Role, content, relatedRequestID string) (models.Message, error)

	// List returns messages in ascending sequence order. A limit of 0
	// means no limit; before > 0 restricts to sequences below it.
	List(ctx context.Context, conversationID string, limit int, before int64) ([]models.Message, error)

	// Clear deletes all messages for the conversation. Irreversible.
	Clear(ctx context.Context, conversationID string) error
}
