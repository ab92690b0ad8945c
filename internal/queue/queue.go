// Package queue moves usage events off the request path. Two backends:
// an in-memory channel queue for standalone deployments and a Redis list
// for multi-instance ones. Items are opaque JSON payloads; the worker
// draining the queue owns their shape.
package queue

import (
	"context"
	"time"
)

// Queue is a FIFO byte-payload queue.
type Queue interface {
	// Enqueue adds a payload to the queue.
	Enqueue(ctx context.Context, payload []byte) error

	// DequeueWithTimeout retrieves up to maxItems payloads, waiting at
	// most timeout for the first one. Returns an empty batch on timeout.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([][]byte, error)

	// Length returns the current queue length.
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully.
	Close() error
}

// DeadLetter holds payloads that exhausted their retries.
type DeadLetter interface {
	// Add parks a failed payload with its final error.
	Add(ctx context.Context, payload []byte, err error) error

	// List retrieves parked items, oldest first.
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Close shuts down the dead letter store.
	Close() error
}

// DeadLetterItem is one parked payload.
type DeadLetterItem struct {
	ID        string
	Payload   []byte
	Error     string
	Timestamp time.Time
}

// Config holds queue configuration.
type Config struct {
	Name          string
	BatchSize     int
	BatchTimeout  time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// DefaultConfig returns default queue configuration.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:         name,
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
	}
}
