package conversation

import (
	"context"
	"sync"
	"time"

	"assistant_core/internal/models"
)

// MemoryLog is an in-memory Log. Appends to the same conversation are
// serialized by a single mutex; sequence numbers keep increasing across
// Clear so they are never reused within a conversation's lifetime.
type MemoryLog struct {
	mu            sync.Mutex
	conversations map[string][]models.Message
	nextSequence  map[string]int64
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates an in-memory conversation log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		conversations: make(map[string][]models.Message),
		nextSequence:  make(map[string]int64),
	}
}

// Append persists a message and returns it with its assigned sequence.
func (l *MemoryLog) Append(_ context.Context, conversationID string, role models.Role, content, relatedRequestID string) (models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextSequence[conversationID] + 1
	l.nextSequence[conversationID] = seq

	msg := models.Message{
		ConversationID:   conversationID,
		Sequence:         seq,
		Role:             role,
		Content:          content,
		RelatedRequestID: relatedRequestID,
		CreatedAt:        time.Now().UTC(),
	}
	l.conversations[conversationID] = append(l.conversations[conversationID], msg)
	return msg, nil
}

// List returns messages in ascending sequence order.
func (l *MemoryLog) List(_ context.Context, conversationID string, limit int, before int64) ([]models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := l.conversations[conversationID]
	out := make([]models.Message, 0, len(all))
	for _, msg := range all {
		if before > 0 && msg.Sequence >= before {
			continue
		}
		out = append(out, msg)
	}

	if limit > 0 && len(out) > limit {
		// Keep the most recent messages; order stays ascending.
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Clear deletes all messages for the conversation.
func (l *MemoryLog) Clear(_ context.Context, conversationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conversations, conversationID)
	return nil
}
