package services

import (
	"context"
	"log/slog"
	"time"

	"stand-queue/monitoring"
)

// RunReconciler periodically repairs fast-store drift for every queue until
// ctx is cancelled.
func (s *QueueService) RunReconciler(ctx context.Context) {
	interval := s.config.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Reconciler started", "interval", interval)

	for {
		select {
		case <-ticker.C:
			s.ReconcileAll(ctx)
		case <-ctx.Done():
			slog.Info("Reconciler stopping")
			return
		}
	}
}

// ReconcileAll repairs every queue's fast-store line against the ledger and
// refreshes the queue length gauges. It returns the total number of members
// appended or removed.
func (s *QueueService) ReconcileAll(ctx context.Context) int {
	queues, err := s.ledger.ListQueues(ctx)
	if err != nil {
		slog.Error("Reconciler could not list queues", "error", err)
		return 0
	}

	var appended, removed int
	for _, q := range queues {
		res, err := s.coord.Reconcile(ctx, q.ID)
		if err != nil {
			slog.Warn("Reconcile failed", "queueID", q.ID, "error", err)
		}
		appended += res.Appended
		removed += res.Removed
		s.recordQueueLength(ctx, q.ID)
	}

	if appended+removed > 0 {
		slog.Info("Reconciled queues", "queues", len(queues), "appended", appended, "removed", removed)
	}
	return appended + removed
}

// RestoreOnStartup rebuilds the fast-store line of every queue whose line is
// empty while the ledger still has people waiting, e.g. after Redis lost its
// data.
func (s *QueueService) RestoreOnStartup(ctx context.Context) {
	slog.Info("Restoring queue state from ledger...")

	queues, err := s.ledger.ListQueues(ctx)
	if err != nil {
		slog.Error("Error listing queues", "error", err)
		return
	}

	restored := 0
	for _, q := range queues {
		n, err := s.store.Len(ctx, q.ID)
		if err != nil {
			slog.Warn("Fast store unavailable during restore", "queueID", q.ID, "error", err)
			return
		}
		if n > 0 {
			continue
		}

		waiting, err := s.ledger.WaitingEntries(ctx, q.ID)
		if err != nil {
			slog.Error("Error loading waiting entries", "queueID", q.ID, "error", err)
			continue
		}
		if len(waiting) == 0 {
			continue
		}

		if _, err := s.coord.Rebuild(ctx, q.ID); err != nil {
			slog.Error("Error rebuilding queue", "queueID", q.ID, "error", err)
			continue
		}
		restored++
	}

	slog.Info("Queue state restored", "queues", len(queues), "rebuilt", restored)
}

func (s *QueueService) recordQueueLength(ctx context.Context, queueID int64) {
	if n, err := s.store.Len(ctx, queueID); err == nil {
		monitoring.SetQueueLength(queueID, "fast_store", int(n))
	}
	if waiting, err := s.ledger.WaitingEntries(ctx, queueID); err == nil {
		monitoring.SetQueueLength(queueID, "ledger", len(waiting))
	}
}
