package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using a Redis list, so multiple instances
// can share one usage pipeline.
type RedisQueue struct {
	client *redis.Client
	qKey   string
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a new Redis-backed queue.
func NewRedisQueue(config *Config) (*RedisQueue, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{
		client: client,
		qKey:   fmt.Sprintf("queue:%s", config.Name),
	}, nil
}

// NewRedisQueueWithClient wraps an existing client; used in tests.
func NewRedisQueueWithClient(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client: client,
		qKey:   fmt.Sprintf("queue:%s", name),
	}
}

// Enqueue adds a payload to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) error {
	if err := q.client.RPush(ctx, q.qKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

// DequeueWithTimeout retrieves up to maxItems payloads.
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([][]byte, error) {
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if err == redis.Nil {
		return [][]byte{}, nil // timeout, no items
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	// result[0] is the key, result[1] is the value
	items := [][]byte{[]byte(result[1])}

	// Drain more without blocking.
	for len(items) < maxItems {
		val, err := q.client.LPop(ctx, q.qKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return items, nil // return what we have so far
		}
		items = append(items, []byte(val))
	}

	return items, nil
}

// Length returns the current queue length.
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close shuts down the queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// RedisDeadLetter implements DeadLetter using a Redis hash keyed by item ID.
type RedisDeadLetter struct {
	client *redis.Client
	dlKey  string
}

var _ DeadLetter = (*RedisDeadLetter)(nil)

// NewRedisDeadLetter creates a new Redis-backed dead letter store.
func NewRedisDeadLetter(config *Config) (*RedisDeadLetter, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisDeadLetter{
		client: client,
		dlKey:  fmt.Sprintf("dlq:%s", config.Name),
	}, nil
}

// NewRedisDeadLetterWithClient wraps an existing client; used in tests.
func NewRedisDeadLetterWithClient(client *redis.Client, name string) *RedisDeadLetter {
	return &RedisDeadLetter{
		client: client,
		dlKey:  fmt.Sprintf("dlq:%s", name),
	}
}

// Add parks a failed payload with its final error.
func (q *RedisDeadLetter) Add(ctx context.Context, payload []byte, cause error) error {
	item := DeadLetterItem{
		ID:        uuid.New().String(),
		Payload:   payload,
		Error:     cause.Error(),
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", err)
	}

	if err := q.client.HSet(ctx, q.dlKey, item.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

// List retrieves parked items. Hash iteration order is unspecified, so
// callers should not rely on insertion order here.
func (q *RedisDeadLetter) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		var item DeadLetterItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			continue // Skip malformed items
		}
		items = append(items, item)

		if maxItems > 0 && len(items) >= maxItems {
			break
		}
	}
	return items, nil
}

// Close shuts down the dead letter store.
func (q *RedisDeadLetter) Close() error {
	return q.client.Close()
}
