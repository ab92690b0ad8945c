package conversation

import (
	"context"
	"fmt"
	"time"

	"assistant_core/internal/models"
	"assistant_core/internal/storage"
)

// PostgresLog is a Log backed by PostgreSQL. Sequence assignment goes
// through a per-conversation counter row; the counter survives Clear, so
// sequence numbers are never reused even after history is wiped. Concurrent
// appends to one conversation serialize on the counter row lock.
type PostgresLog struct {
	db *storage.DB
}

var _ Log = (*PostgresLog)(nil)

// NewPostgresLog creates a PostgreSQL-backed conversation log.
func NewPostgresLog(db *storage.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

// Append persists a message and returns it with its assigned sequence.
func (l *PostgresLog) Append(ctx context.Context, conversationID string, role models.Role, content, relatedRequestID string) (models.Message, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	msg := models.Message{
		ConversationID:   conversationID,
		Role:             role,
		Content:          content,
		RelatedRequestID: relatedRequestID,
		CreatedAt:        time.Now().UTC(),
	}

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO conversation_sequences (conversation_id, last_sequence)
		VALUES ($1, 1)
		ON CONFLICT (conversation_id)
			DO UPDATE SET last_sequence = conversation_sequences.last_sequence + 1
		RETURNING last_sequence
	`, conversationID).Scan(&msg.Sequence)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to assign sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_messages (conversation_id, sequence, role, content, related_request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, conversationID, msg.Sequence, msg.Role, msg.Content, msg.RelatedRequestID, msg.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("failed to commit: %w", err)
	}
	return msg, nil
}

// List returns messages in ascending sequence order.
func (l *PostgresLog) List(ctx context.Context, conversationID string, limit int, before int64) ([]models.Message, error) {
	query := `
		SELECT conversation_id, sequence, role, content, related_request_id, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
	`
	args := []interface{}{conversationID}

	if before > 0 {
		query += ` AND sequence < $2`
		args = append(args, before)
	}
	query += ` ORDER BY sequence ASC`

	var messages []models.Message
	if err := l.db.Conn().SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// Clear deletes all messages for the conversation.
func (l *PostgresLog) Clear(ctx context.Context, conversationID string) error {
	_, err := l.db.Conn().ExecContext(ctx, `
		DELETE FROM conversation_messages WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}
