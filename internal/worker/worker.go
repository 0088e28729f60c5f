// Package worker implements the Worker (C7): a long-running process
// tying the Job Queue, Domain Coordinator, Browser Session, and Crawl
// Engine together. It acquires leases, sends heartbeats, delegates to
// the Crawl Engine, reports completion/failure, and recovers orphaned
// leases on startup, per spec.md §4.6.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ternarydocs/raito-crawl/internal/crawlengine"
	"github.com/ternarydocs/raito-crawl/internal/domain"
	"github.com/ternarydocs/raito-crawl/internal/metrics"
	"github.com/ternarydocs/raito-crawl/internal/model"
	"github.com/ternarydocs/raito-crawl/internal/queue"
)

// QueueClient is the subset of queue.Queue the Worker drives.
type QueueClient interface {
	Lease(ctx context.Context, workerID string) (*model.Job, error)
	Heartbeat(ctx context.Context, jobID, workerID string) error
	Complete(ctx context.Context, jobID, workerID string, result model.ResultData) error
	Fail(ctx context.Context, jobID, workerID, errMessage string) error
	ReleaseExpired(ctx context.Context, maxAgeMinutes int) (int, error)
}

// SourceStore is the subset of store.Store the Worker needs: the
// crawl-engine persistence contract plus the Source status transition
// a completed or failed job drives.
type SourceStore interface {
	crawlengine.EntryStore
	UpdateSourceStatus(ctx context.Context, id string, status model.SourceStatus, lastScrapedAt *time.Time) error
}

// BrowserSession is the subset of browser.Session the Worker drives:
// its idle lifecycle plus the Fetcher contract the Crawl Engine needs.
type BrowserSession interface {
	crawlengine.Fetcher
	Open() error
	Close() error
	CloseIfIdle(after time.Duration)
}

// Config carries the Worker's timing knobs, sourced from
// config.WorkerConfig/CrawlerConfig at the call site.
type Config struct {
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	IdleBrowserTimeout time.Duration
	MaxWallClock       time.Duration
	ExpiryScanInterval time.Duration
	DefaultPageCap     int
	PolitenessMin      time.Duration
	PolitenessMax      time.Duration
	RespectRobotsTxt   bool
	UserAgent          string
	MaxLinksPerPage    int
}

// Worker owns one Browser Session and Domain Coordinator and runs a
// single cooperative main loop; it never crawls more than one job at a
// time (spec.md §5).
type Worker struct {
	ID string

	queue   QueueClient
	store   SourceStore
	domain  *domain.Coordinator
	session BrowserSession
	cfg     Config
	log     *slog.Logger
}

// NewID generates a worker identity of the form "worker-<8 hex>"
// (spec.md §3).
func NewID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "worker-" + hex.EncodeToString(b)
}

// New constructs a Worker. If id is empty, a fresh NewID() is generated;
// callers that want the startup expiry-reclaim idempotence spec.md §4.6
// describes across restarts must pass a stable id explicitly.
func New(id string, q QueueClient, st SourceStore, dom *domain.Coordinator, session BrowserSession, cfg Config, log *slog.Logger) *Worker {
	if id == "" {
		id = NewID()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{ID: id, queue: q, store: st, domain: dom, session: session, cfg: cfg, log: log}
}

// Run starts the Worker's main loop, blocking until ctx is cancelled. On
// entry it reclaims any expired leases so a restart with a stable
// worker id recovers its own orphaned locks (idempotent: a second call
// is a no-op).
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.queue.ReleaseExpired(ctx, 0); err != nil {
		w.log.Warn("startup release_expired failed", "worker_id", w.ID, "error", err)
	} else if n > 0 {
		metrics.RecordLeaseReclaimed(n)
		w.log.Info("reclaimed expired leases on startup", "worker_id", w.ID, "count", n)
	}

	lastExpiryScan := time.Now()

	for {
		if ctx.Err() != nil {
			return w.shutdown()
		}

		job, err := w.queue.Lease(ctx, w.ID)
		if err != nil {
			w.log.Warn("lease failed, backing off", "worker_id", w.ID, "error", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return w.shutdown()
			}
			continue
		}

		if job == nil {
			w.session.CloseIfIdle(w.cfg.IdleBrowserTimeout)
			if time.Since(lastExpiryScan) > w.cfg.ExpiryScanInterval {
				if n, err := w.queue.ReleaseExpired(ctx, 60); err == nil {
					metrics.RecordLeaseReclaimed(n)
				}
				lastExpiryScan = time.Now()
			}
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return w.shutdown()
			}
			continue
		}

		metrics.RecordJobLeased()
		w.runJob(ctx, job)
	}
}

// runJob drives one leased job end to end: heartbeat, domain busy-mark,
// crawl, and terminal completion/failure report.
func (w *Worker) runJob(parentCtx context.Context, job *model.Job) {
	jobCtx, cancel := context.WithTimeout(parentCtx, w.cfg.MaxWallClock)
	defer cancel()

	hbCtx, hbCancel := context.WithCancel(jobCtx)
	hbFailed := make(chan struct{}, 1)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		w.heartbeatLoop(hbCtx, job.ID, hbFailed)
	}()
	go func() {
		select {
		case <-hbFailed:
			cancel()
		case <-hbCtx.Done():
		}
	}()

	sourceURL := job.JobData.SourceURL
	w.domain.MarkBusy(sourceURL, job.ID)
	defer w.domain.Release(sourceURL, job.ID)

	if err := w.session.Open(); err != nil {
		hbCancel()
		hbWG.Wait()
		w.failJob(job.ID, fmt.Sprintf("browser open failed: %v", err))
		return
	}

	result, err := crawlengine.Run(jobCtx, w.session, w.store, crawlengine.Options{
		SourceID:          job.SourceID,
		StartURL:          sourceURL,
		Selectors:         job.JobData.Selectors,
		CrawlDepth:        job.JobData.CrawlDepth,
		AllowPatterns:     job.JobData.AllowPatterns,
		IgnorePatterns:    job.JobData.IgnorePatterns,
		IncludeSubdomains: job.JobData.IncludeSubdomains,
		ForceRefresh:      job.JobData.ForceRefresh,
		PageCap:           w.cfg.DefaultPageCap,
		PolitenessMin:     w.cfg.PolitenessMin,
		PolitenessMax:     w.cfg.PolitenessMax,
		RespectRobotsTxt:  w.cfg.RespectRobotsTxt,
		UserAgent:         w.cfg.UserAgent,
		MaxLinksPerPage:   w.cfg.MaxLinksPerPage,
	})

	hbCancel()
	hbWG.Wait()

	if err != nil {
		msg := err.Error()
		if parentCtx.Err() != nil {
			msg = "worker shutdown"
		} else if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			msg = "scrape exceeded max wall clock"
		}
		w.failSource(job.SourceID)
		w.failJob(job.ID, msg)
		return
	}

	now := time.Now()
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finalCancel()

	if err := w.store.UpdateSourceStatus(finalCtx, job.SourceID, model.SourceCompleted, &now); err != nil {
		w.log.Warn("update source status failed", "source_id", job.SourceID, "error", err)
	}
	if err := w.queue.Complete(finalCtx, job.ID, w.ID, model.ResultData{
		PagesScraped: result.PagesScraped,
		ScrapedURLs:  result.ScrapedURLs,
		FailedURLs:   result.FailedURLs,
	}); err != nil {
		w.log.Error("complete failed", "job_id", job.ID, "error", err)
		return
	}
	metrics.RecordJobCompleted(result.PagesScraped)
}

func (w *Worker) failSource(sourceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.UpdateSourceStatus(ctx, sourceID, model.SourceFailed, nil); err != nil {
		w.log.Warn("update source status to failed failed", "source_id", sourceID, "error", err)
	}
}

func (w *Worker) failJob(jobID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.queue.Fail(ctx, jobID, w.ID, message); err != nil {
		w.log.Error("fail failed", "job_id", jobID, "error", err)
	}
	metrics.RecordJobFailed()
}

// heartbeatLoop refreshes the job's lease every HeartbeatInterval. A
// NotOwner conflict (the job is no longer held by this worker) signals
// failed on hbFailed so the caller can cancel the in-flight crawl;
// transient errors are logged and the loop continues.
func (w *Worker) heartbeatLoop(ctx context.Context, jobID string, failed chan<- struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, jobID, w.ID); err != nil {
				var conflict *queue.ConflictError
				if errors.As(err, &conflict) {
					select {
					case failed <- struct{}{}:
					default:
					}
					return
				}
				w.log.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (w *Worker) shutdown() error {
	return w.session.Close()
}

// sleepCtx sleeps for d or until ctx is cancelled, reporting whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
