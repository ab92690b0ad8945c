package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue using a buffered channel.
type MemoryQueue struct {
	items  chan []byte
	mu     sync.RWMutex
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}

	return &MemoryQueue{
		items: make(chan []byte, config.BatchSize*10), // room for 10 batches
	}
}

// Enqueue adds a payload to the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, payload []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DequeueWithTimeout retrieves up to maxItems payloads.
func (q *MemoryQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([][]byte, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	var items [][]byte
	deadline := time.After(timeout)

	select {
	case item := <-q.items:
		items = append(items, item)
	case <-deadline:
		return items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Drain more without blocking.
	for len(items) < maxItems {
		select {
		case item := <-q.items:
			items = append(items, item)
		default:
			return items, nil
		}
	}

	return items, nil
}

// Length returns the current queue length.
func (q *MemoryQueue) Length(_ context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	return len(q.items), nil
}

// Close shuts down the queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	close(q.items)
	return nil
}

// MemoryDeadLetter implements DeadLetter in memory.
type MemoryDeadLetter struct {
	mu     sync.Mutex
	items  []DeadLetterItem
	closed bool
}

var _ DeadLetter = (*MemoryDeadLetter)(nil)

// NewMemoryDeadLetter creates a new in-memory dead letter store.
func NewMemoryDeadLetter() *MemoryDeadLetter {
	return &MemoryDeadLetter{}
}

// Add parks a failed payload with its final error.
func (q *MemoryDeadLetter) Add(_ context.Context, payload []byte, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, DeadLetterItem{
		ID:        uuid.New().String(),
		Payload:   payload,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// List retrieves parked items, oldest first.
func (q *MemoryDeadLetter) List(_ context.Context, maxItems int) ([]DeadLetterItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	if maxItems <= 0 || maxItems > len(q.items) {
		maxItems = len(q.items)
	}

	result := make([]DeadLetterItem, maxItems)
	copy(result, q.items[:maxItems])
	return result, nil
}

// Close shuts down the dead letter store.
func (q *MemoryDeadLetter) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	return nil
}
