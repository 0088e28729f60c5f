// Package bootstrap implements the Bootstrap Scheduler (C8): a periodic
// background routine that scans Sources with status=active and zero
// stored Entries, and enqueues a scrape job for each using parameters
// derived from the Source, per spec.md §4.7.
package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ternarydocs/raito-crawl/internal/metrics"
	"github.com/ternarydocs/raito-crawl/internal/model"
	"github.com/ternarydocs/raito-crawl/internal/queue"
)

// SourceLister is the subset of store.Store the Scheduler needs.
type SourceLister interface {
	ListActiveSourcesWithoutEntries(ctx context.Context) ([]model.Source, error)
}

// Enqueuer is the subset of queue.Queue the Scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, sourceID string, params model.JobParams, priority, lockTimeoutSecs int) (string, error)
}

// Scheduler periodically scans for never-scraped active sources and
// enqueues a job for each, swallowing DuplicateJob conflicts: the
// routine is idempotent by construction.
type Scheduler struct {
	store    SourceLister
	queue    Enqueuer
	interval time.Duration
	log      *slog.Logger
}

// New constructs a Scheduler that scans at the given interval.
func New(store SourceLister, q Enqueuer, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{store: store, queue: q, interval: interval, log: log}
}

// Run blocks, scanning every interval until ctx is cancelled. It scans
// once immediately on entry so a freshly started process doesn't wait a
// full interval before its first pass.
func (s *Scheduler) Run(ctx context.Context) {
	s.scanOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Scheduler) scanOnce(ctx context.Context) {
	sources, err := s.store.ListActiveSourcesWithoutEntries(ctx)
	if err != nil {
		s.log.Warn("bootstrap scan failed", "error", err)
		return
	}

	for _, src := range sources {
		params := model.JobParams{
			SourceURL:      src.BaseURL,
			SourceName:     src.Name,
			CrawlDepth:     src.CrawlDepth,
			Selectors:      src.Selectors,
			AllowPatterns:  src.AllowPatterns,
			IgnorePatterns: src.IgnorePatterns,
		}

		jobID, err := s.queue.Enqueue(ctx, src.ID, params, 5, 0)
		if err != nil {
			var conflict *queue.ConflictError
			if errors.As(err, &conflict) && conflict.Code == queue.CodeDuplicateJob {
				continue
			}
			s.log.Warn("bootstrap enqueue failed", "source_id", src.ID, "error", err)
			continue
		}

		metrics.RecordBootstrapEnqueued()
		s.log.Info("bootstrap enqueued job", "source_id", src.ID, "job_id", jobID)
	}
}
