package workflow

import (
	"context"
	"time"
)

// runMaintenance periodically enforces parked-run deadlines and prunes
// finished executions past the retention window.
func (e *Engine) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.expireDeadlines(ctx); n > 0 {
				e.logger.Info("Expired suspended runs", "count", n)
			}
			if n := e.pruneFinished(time.Now()); n > 0 {
				e.logger.Debug("Pruned finished runs", "count", n)
			}
		}
	}
}

// expireDeadlines delivers a JobTimeout outcome to every parked run whose
// deadline has passed. Delivery goes through Resume, so a completion racing
// the scan still wins or loses the token atomically.
func (e *Engine) expireDeadlines(ctx context.Context) int {
	now := time.Now()

	e.mu.Lock()
	var expired []string
	for token, entry := range e.parked {
		if now.After(entry.deadline) {
			expired = append(expired, token)
		}
	}
	e.mu.Unlock()

	var delivered int
	for _, token := range expired {
		err := e.Resume(ctx, token, Outcome{
			Status: 504,
			Code:   CodeJobTimeout,
			Error:  "prediction job deadline exceeded",
		})
		if err == nil {
			delivered++
		}
	}
	return delivered
}

// pruneFinished drops terminal executions older than the retention window
// from the in-memory index.
func (e *Engine) pruneFinished(now time.Time) int {
	cutoff := now.Add(-e.cfg.Retention)

	e.mu.Lock()
	defer e.mu.Unlock()

	var pruned int
	for id, exec := range e.runs {
		if exec.Terminal() && exec.FinishedAt != nil && exec.FinishedAt.Before(cutoff) {
			delete(e.runs, id)
			pruned++
		}
	}
	return pruned
}
