// Package maintenance runs the periodic, queue-wide upkeep that doesn't
// belong to any single job: refreshing the queue-depth/active-worker
// gauges the /metrics exporter reports, and purging terminal jobs past
// their retention window (spec.md §3, §9).
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/ternarydocs/raito-crawl/internal/metrics"
	"github.com/ternarydocs/raito-crawl/internal/queue"
)

// StatsQueue is the subset of queue.Queue the metrics refresher needs.
type StatsQueue interface {
	GetStats(ctx context.Context) (queue.Stats, error)
}

// CleanupQueue is the subset of queue.Queue the retention sweep needs.
type CleanupQueue interface {
	CleanupCompleted(ctx context.Context, olderThanDays int) (int, error)
}

// RunMetricsRefresh polls GetStats every interval and pushes the result
// into the metrics package's queue-depth and active-worker gauges. Blocks
// until ctx is cancelled.
func RunMetricsRefresh(ctx context.Context, q StatsQueue, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}

	refresh := func() {
		stats, err := q.GetStats(ctx)
		if err != nil {
			log.Warn("metrics refresh: get stats failed", "error", err)
			return
		}
		metrics.SetQueueDepth("pending", stats.Pending)
		metrics.SetQueueDepth("in_progress", stats.InProgress)
		metrics.SetQueueDepth("completed", stats.Completed)
		metrics.SetQueueDepth("failed", stats.Failed)
		metrics.SetQueueDepth("cancelled", stats.Cancelled)
		metrics.SetActiveWorkers(stats.ActiveWorkers)
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// RunRetentionCleanup calls CleanupCompleted every interval, purging
// terminal jobs older than ttlDays. Blocks until ctx is cancelled.
func RunRetentionCleanup(ctx context.Context, q CleanupQueue, interval time.Duration, ttlDays int, log *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.CleanupCompleted(ctx, ttlDays)
			if err != nil {
				log.Warn("retention cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("retention cleanup removed terminal jobs", "count", n, "ttl_days", ttlDays)
			}
		}
	}
}
