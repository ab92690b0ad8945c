package storage

import (
	"context"
	"fmt"

	"assistant_core/internal/models"
)

// UsageRepository handles usage event database operations
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage event repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// InsertBatch writes a batch of usage events in a single transaction.
func (r *UsageRepository) InsertBatch(ctx context.Context, events []models.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO usage_events (request_id, account_id, kind, cost, outcome, detail, created_at)
		VALUES (:request_id, :account_id, :kind, :cost, :outcome, :detail, :created_at)
	`

	for _, ev := range events {
		if _, err := tx.NamedExecContext(ctx, query, ev); err != nil {
			return fmt.Errorf("failed to insert usage event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage events: %w", err)
	}
	return nil
}

// ListByAccount returns the most recent usage events for an account.
func (r *UsageRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.UsageEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, request_id, account_id, kind, cost, outcome, detail, created_at
		FROM usage_events
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	var events []models.UsageEvent
	if err := r.db.conn.SelectContext(ctx, &events, query, accountID, limit); err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	return events, nil
}
