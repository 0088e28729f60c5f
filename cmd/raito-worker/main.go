// Command raito-worker runs a single Worker (C7) process: it leases
// jobs from the shared Postgres-backed Job Queue, drives the Browser
// Session and Crawl Engine, and reports completion or failure. Multiple
// instances run independently against the same queue; per-host
// exclusivity is enforced by the Domain Coordinator within this process
// only. Across processes the database's partial unique index allows one
// active job per source, so two sources sharing a host may be crawled
// concurrently by different workers (spec.md §4, §5).
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ternarydocs/raito-crawl/internal/browser"
	"github.com/ternarydocs/raito-crawl/internal/config"
	"github.com/ternarydocs/raito-crawl/internal/domain"
	"github.com/ternarydocs/raito-crawl/internal/migrate"
	"github.com/ternarydocs/raito-crawl/internal/queue"
	"github.com/ternarydocs/raito-crawl/internal/store"
	"github.com/ternarydocs/raito-crawl/internal/worker"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on graceful shutdown, 1 on
// unrecoverable startup error, per spec.md §6.
func run() int {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	workerID := flag.String("worker-id", "", "stable worker identity (generated if empty)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	cfg := config.Load(*configPath)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		return 1
	}

	if err := migrate.Run(cfg.Database.DSN); err != nil {
		logger.Error("migrations failed", "error", err)
		return 1
	}

	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		logger.Error("open db failed", "error", err)
		return 1
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	st := store.New(db)
	q := queue.New(db)
	dom := domain.New(time.Duration(cfg.Domain.WaitPollIntervalSeconds) * time.Second)

	id := *workerID
	if id == "" {
		id = worker.NewID()
	}

	navTimeout := time.Duration(cfg.Browser.NavTimeoutSecs) * time.Second
	session := browser.New(id, cfg.Browser.DataDir, navTimeout, cfg.Crawler.RequestsPerSec)

	w := worker.New(id, q, st, dom, session, worker.Config{
		PollInterval:       time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second,
		HeartbeatInterval:  time.Duration(cfg.Worker.HeartbeatIntervalSeconds) * time.Second,
		IdleBrowserTimeout: time.Duration(cfg.Worker.IdleBrowserTimeoutMins) * time.Minute,
		MaxWallClock:       time.Duration(cfg.Worker.MaxScrapeWallClockMins) * time.Minute,
		ExpiryScanInterval: time.Duration(cfg.Worker.ExpiryScanIntervalMins) * time.Minute,
		DefaultPageCap:     cfg.Crawler.PageCap,
		PolitenessMin:      time.Duration(cfg.Crawler.PolitenessMinMs) * time.Millisecond,
		PolitenessMax:      time.Duration(cfg.Crawler.PolitenessMaxMs) * time.Millisecond,
		RespectRobotsTxt:   cfg.Crawler.RespectRobotsTxt,
		MaxLinksPerPage:    cfg.Crawler.MaxLinksPerPage,
	}, logger)

	logger.Info("worker starting", "worker_id", id)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		logger.Error("worker exited with error", "worker_id", id, "error", err)
		return 1
	}

	logger.Info("worker shut down", "worker_id", id)
	return 0
}
