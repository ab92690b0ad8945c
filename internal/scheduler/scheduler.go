package scheduler

import (
	"context"
	"sync"
	"time"

	"assistant_core/internal/ledger"
	"assistant_core/internal/logging"
)

// QuotaReset periodically rolls expired credit windows forward so accounts
// regain their monthly allowance even when they never issue a request.
// Lazy rollover inside the ledger remains the correctness mechanism; this
// sweep only keeps idle accounts fresh. Missed sweeps self-heal: the next
// run picks up anything still expired.
type QuotaReset struct {
	ledger   ledger.Ledger
	interval time.Duration
	logger   *logging.Logger
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewQuotaReset creates a sweep with the given interval.
func NewQuotaReset(l ledger.Ledger, interval time.Duration) *QuotaReset {
	if interval <= 0 {
		interval = time.Hour
	}
	return &QuotaReset{
		ledger:   l,
		interval: interval,
		logger:   logging.NewLogger("quota-reset"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the sweep loop. One sweep runs immediately so a restart
// never extends a window past its end by a full interval.
func (q *QuotaReset) Start() {
	go func() {
		defer close(q.doneChan)

		q.sweep(time.Now().UTC())

		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()

		for {
			select {
			case <-q.stopChan:
				return
			case now := <-ticker.C:
				q.sweep(now.UTC())
			}
		}
	}()
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (q *QuotaReset) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopChan)
	})
	<-q.doneChan
}

// sweep rolls over every account whose window has ended. A failure on one
// account is logged and does not block the rest.
func (q *QuotaReset) sweep(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), q.interval)
	defer cancel()

	due, err := q.ledger.AccountsDue(ctx, now)
	if err != nil {
		q.logger.Error("failed to list accounts due for rollover", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	var rolled int
	for _, accountID := range due {
		if err := q.ledger.Rollover(ctx, accountID, now); err != nil {
			q.logger.Error("rollover failed", "account", accountID, "error", err)
			continue
		}
		rolled++
	}
	q.logger.Info("quota sweep complete", "due", len(due), "rolled", rolled)
}
