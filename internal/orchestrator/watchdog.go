package orchestrator

import (
	"context"
	"time"

	"assistant_core/internal/models"
)

// StartWatchdog launches a background sweep that reclaims reservations
// held by requests stuck past ttl. A request can only exceed ttl when its
// goroutine is wedged beyond the provider deadline, so the sweep is a
// safety net, not part of the normal path.
func (s *Service) StartWatchdog(interval, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopChan:
				return
			case now := <-ticker.C:
				s.sweepStale(now, ttl)
			}
		}
	}()
}

// Stop halts the watchdog. In-flight requests finish on their own.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// sweepStale releases reservations for calls older than ttl and marks
// them abandoned so a late commit fails instead of double-charging.
func (s *Service) sweepStale(now time.Time, ttl time.Duration) {
	cutoff := now.Add(-ttl)

	s.mu.Lock()
	var stale []*models.Reservation
	for _, c := range s.inflight {
		if c.res == nil || c.abandoned || c.started.After(cutoff) {
			continue
		}
		c.abandoned = true
		stale = append(stale, c.res)
	}
	s.mu.Unlock()

	for _, res := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.ledger.Release(ctx, res)
		cancel()
		if err != nil {
			s.logger.Error("watchdog failed to release stale reservation", "reservation", res.ID, "error", err)
			continue
		}
		s.logger.Warn("watchdog released stale reservation", "reservation", res.ID, "account", res.AccountID)
	}
}
