package queue

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	client := setupTestRedis(t)
	q := NewRedisQueueWithClient(client, "usage")
	defer q.Close()

	ctx := context.Background()

	payload := []byte(`{"request_id":"req-1"}`)
	if err := q.Enqueue(ctx, payload); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	length, err := q.Length(ctx)
	if err != nil {
		t.Fatalf("Length failed: %v", err)
	}
	if length != 1 {
		t.Fatalf("Expected length 1, got %d", length)
	}

	items, err := q.DequeueWithTimeout(ctx, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("DequeueWithTimeout failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	if !bytes.Equal(items[0], payload) {
		t.Errorf("Expected %s, got %s", payload, items[0])
	}
}

func TestRedisQueue_FIFOOrder(t *testing.T) {
	client := setupTestRedis(t)
	q := NewRedisQueueWithClient(client, "usage")
	defer q.Close()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	items, err := q.DequeueWithTimeout(ctx, 5, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("DequeueWithTimeout failed: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("Expected 5 items, got %d", len(items))
	}
	for i, item := range items {
		if item[0] != byte(i) {
			t.Errorf("Item %d out of order: got %d", i, item[0])
		}
	}
}

func TestRedisDeadLetter_AddList(t *testing.T) {
	client := setupTestRedis(t)
	dlq := NewRedisDeadLetterWithClient(client, "usage")
	defer dlq.Close()

	ctx := context.Background()

	if err := dlq.Add(ctx, []byte("bad payload"), errors.New("insert failed")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	items, err := dlq.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	if items[0].Error != "insert failed" {
		t.Errorf("Expected error 'insert failed', got %q", items[0].Error)
	}
	if !bytes.Equal(items[0].Payload, []byte("bad payload")) {
		t.Errorf("Payload mismatch: got %s", items[0].Payload)
	}
}
