package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"assistant_core/internal/models"
	"assistant_core/internal/queue"
)

// Recorder accepts terminal request outcomes for the audit trail.
type Recorder interface {
	Record(ctx context.Context, event models.UsageEvent) error
}

// NoopRecorder discards events; used when the audit trail is disabled.
type NoopRecorder struct{}

func (NoopRecorder) Record(context.Context, models.UsageEvent) error { return nil }

// QueueRecorder serializes events onto a queue for the Worker to drain.
type QueueRecorder struct {
	queue queue.Queue
}

var _ Recorder = (*QueueRecorder)(nil)

// NewQueueRecorder creates a recorder writing to q.
func NewQueueRecorder(q queue.Queue) *QueueRecorder {
	return &QueueRecorder{queue: q}
}

// Record enqueues one event.
func (r *QueueRecorder) Record(ctx context.Context, event models.UsageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}
	return r.queue.Enqueue(ctx, payload)
}
