// Command raito-api serves the thin tool-call HTTP surface over a
// shared Postgres-backed Job Queue and Store: add_source, list_sources,
// scrape, get_job_status, cancel_job, plus /healthz and /metrics. It
// does not crawl; crawling is cmd/raito-worker's job (spec.md §6).
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ternarydocs/raito-crawl/internal/bootstrap"
	"github.com/ternarydocs/raito-crawl/internal/config"
	"github.com/ternarydocs/raito-crawl/internal/domain"
	"github.com/ternarydocs/raito-crawl/internal/httpapi"
	"github.com/ternarydocs/raito-crawl/internal/maintenance"
	"github.com/ternarydocs/raito-crawl/internal/migrate"
	"github.com/ternarydocs/raito-crawl/internal/queue"
	"github.com/ternarydocs/raito-crawl/internal/store"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on graceful shutdown, 1 on
// unrecoverable startup or server error, per spec.md §6.
func run() int {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
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

	srv := httpapi.New(st, db, q, dom, logger)

	addr := cfg.Server.Host + ":" + strconv.Itoa(serverPort(cfg.Server.Port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(addr)
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go maintenance.RunMetricsRefresh(sigCtx, q, 15*time.Second, logger)
	go maintenance.RunRetentionCleanup(sigCtx, q,
		time.Duration(cfg.Retention.CleanupIntervalMinutes)*time.Minute,
		cfg.Retention.TerminalJobTTLDays, logger)
	go bootstrap.New(st, q,
		time.Duration(cfg.Bootstrap.ScanIntervalMinutes)*time.Minute, logger).Run(sigCtx)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-sigCtx.Done():
		logger.Info("shutting down")
		if err := srv.Shutdown(); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	}

	return 0
}

func serverPort(p int) int {
	if p <= 0 {
		return 8080
	}
	return p
}
