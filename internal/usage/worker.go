package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"assistant_core/internal/logging"
	"assistant_core/internal/models"
	"assistant_core/internal/queue"
)

// Store persists usage event batches. Satisfied by storage.UsageRepository.
type Store interface {
	InsertBatch(ctx context.Context, events []models.UsageEvent) error
}

// Worker drains the usage queue into the store in batches, retrying with
// exponential backoff and parking poisoned batches in the dead letter
// store. Losing an event never affects balances; the ledger is the source
// of truth.
type Worker struct {
	queue       queue.Queue
	dlq         queue.DeadLetter
	store       Store
	config      *queue.Config
	logger      *logging.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a usage queue worker.
func NewWorker(q queue.Queue, dlq queue.DeadLetter, store Store, config *queue.Config) *Worker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}

	return &Worker{
		queue:       q,
		dlq:         dlq,
		store:       store,
		config:      config,
		logger:      logging.NewLogger("usage-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("usage worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("usage worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// processBatch drains one batch from the queue into the store.
func (w *Worker) processBatch(ctx context.Context) {
	payloads, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if err != queue.ErrQueueClosed && ctx.Err() == nil {
			w.logger.Error("failed to dequeue usage events", "error", err)
			time.Sleep(1 * time.Second) // back off on error
		}
		return
	}

	if len(payloads) == 0 {
		return
	}

	events := make([]models.UsageEvent, 0, len(payloads))
	for _, payload := range payloads {
		var ev models.UsageEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			w.logger.Error("failed to unmarshal usage event", "error", err)
			if w.dlq != nil {
				_ = w.dlq.Add(ctx, payload, err)
			}
			continue
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return
	}

	if err := w.insertWithRetries(ctx, events); err != nil {
		w.logger.Error("usage batch dropped to dead letter", "count", len(events), "error", err)
		if w.dlq != nil {
			for _, ev := range events {
				payload, merr := json.Marshal(ev)
				if merr != nil {
					continue
				}
				_ = w.dlq.Add(ctx, payload, err)
			}
		}
	}
}

// insertWithRetries writes a batch, retrying with exponential backoff.
func (w *Worker) insertWithRetries(ctx context.Context, events []models.UsageEvent) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("retrying usage batch", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := w.store.InsertBatch(ctx, events); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("%w: %v", queue.ErrMaxRetriesExceeded, lastErr)
}
