package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant_core/internal/models"
	"assistant_core/internal/queue"
)

// fakeStore collects inserted batches, optionally failing a set number of
// attempts first.
type fakeStore struct {
	mu        sync.Mutex
	events    []models.UsageEvent
	failFirst int
	attempts  int
}

func (s *fakeStore) InsertBatch(_ context.Context, events []models.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if s.attempts <= s.failFirst {
		return errors.New("database unavailable")
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeStore) stored() []models.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UsageEvent, len(s.events))
	copy(out, s.events)
	return out
}

func testConfig() *queue.Config {
	cfg := queue.DefaultConfig("usage-test")
	cfg.BatchSize = 10
	cfg.BatchTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func testEvent(requestID string) models.UsageEvent {
	return models.UsageEvent{
		RequestID: requestID,
		AccountID: "acct-1",
		Kind:      "chat",
		Cost:      1,
		Outcome:   models.UsageCommitted,
		CreatedAt: time.Now().UTC(),
	}
}

func TestWorker_DrainsQueueIntoStore(t *testing.T) {
	cfg := testConfig()
	q := queue.NewMemoryQueue(cfg)
	defer q.Close()
	store := &fakeStore{}

	worker := NewWorker(q, queue.NewMemoryDeadLetter(), store, cfg)
	worker.Start(context.Background())
	defer worker.Stop()

	recorder := NewQueueRecorder(q)
	for i, id := range []string{"req-1", "req-2", "req-3"} {
		ev := testEvent(id)
		ev.Cost = int64(i + 1)
		require.NoError(t, recorder.Record(context.Background(), ev))
	}

	require.Eventually(t, func() bool {
		return len(store.stored()) == 3
	}, time.Second, 5*time.Millisecond)

	events := store.stored()
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.RequestID
	}
	assert.ElementsMatch(t, []string{"req-1", "req-2", "req-3"}, ids)
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	cfg := testConfig()
	q := queue.NewMemoryQueue(cfg)
	defer q.Close()
	store := &fakeStore{failFirst: 2} // fails twice, succeeds on the third try

	worker := NewWorker(q, queue.NewMemoryDeadLetter(), store, cfg)
	worker.Start(context.Background())
	defer worker.Stop()

	require.NoError(t, NewQueueRecorder(q).Record(context.Background(), testEvent("req-1")))

	require.Eventually(t, func() bool {
		return len(store.stored()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_ParksExhaustedBatchesInDeadLetter(t *testing.T) {
	cfg := testConfig()
	q := queue.NewMemoryQueue(cfg)
	defer q.Close()
	store := &fakeStore{failFirst: 100} // never succeeds within retry budget
	dlq := queue.NewMemoryDeadLetter()

	worker := NewWorker(q, dlq, store, cfg)
	worker.Start(context.Background())
	defer worker.Stop()

	require.NoError(t, NewQueueRecorder(q).Record(context.Background(), testEvent("req-1")))

	require.Eventually(t, func() bool {
		items, err := dlq.List(context.Background(), 0)
		return err == nil && len(items) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, store.stored())
}

func TestWorker_ParksMalformedPayloads(t *testing.T) {
	cfg := testConfig()
	q := queue.NewMemoryQueue(cfg)
	defer q.Close()
	store := &fakeStore{}
	dlq := queue.NewMemoryDeadLetter()

	worker := NewWorker(q, dlq, store, cfg)
	worker.Start(context.Background())
	defer worker.Stop()

	require.NoError(t, q.Enqueue(context.Background(), []byte("not json")))
	require.NoError(t, NewQueueRecorder(q).Record(context.Background(), testEvent("req-ok")))

	require.Eventually(t, func() bool {
		items, err := dlq.List(context.Background(), 0)
		return err == nil && len(items) == 1 && len(store.stored()) == 1
	}, time.Second, 5*time.Millisecond)
}
