// Package httpapi implements the thin tool-layer HTTP surface named in
// spec.md §6: add_source, list_sources, scrape, get_job_status, and
// cancel_job, plus /healthz and /metrics. It is glue over the Job Queue
// and Store, not part of the core; it mirrors the teacher's router
// middleware shape (locals injection, request-id + latency + slog
// logging) without the auth/tenant layers that don't apply here.
package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/ternarydocs/raito-crawl/internal/domain"
	"github.com/ternarydocs/raito-crawl/internal/metrics"
)

// Server wraps a configured fiber.App over the Store, Queue, and
// Domain Coordinator.
type Server struct {
	app *fiber.App
}

// Pinger is implemented by *sql.DB; it backs the /healthz database check.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// New constructs the HTTP surface. st is used for Source CRUD, db backs
// the /healthz DB ping, q is the Job Queue, and dom lets the scrape
// handler report domain-busy conflicts by source id, per spec.md §5.
func New(st SourceStore, db Pinger, q JobQueue, dom *domain.Coordinator, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use(func(c *fiber.Ctx) error {
		c.Locals("store", st)
		c.Locals("queue", q)
		c.Locals("domain", dom)
		return c.Next()
	})

	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)

		err := c.Next()

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", c.Method(),
				"path", c.Path(),
				"status", c.Response().StatusCode(),
				"latency_ms", time.Since(start).Milliseconds(),
			)
		}
		return err
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		dbStatus := "ok"
		if err := db.PingContext(ctx); err != nil {
			dbStatus = "error"
		}
		return c.JSON(fiber.Map{"status": "ok", "database": dbStatus})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
		return c.SendString(metrics.Export())
	})

	v1 := app.Group("/v1")
	v1.Post("/sources", addSourceHandler)
	v1.Get("/sources", listSourcesHandler)
	v1.Post("/sources/:id/scrape", scrapeHandler)
	v1.Get("/jobs/:id", getJobStatusHandler)
	v1.Post("/jobs/:id/cancel", cancelJobHandler)

	return &Server{app: app}
}

// Listen starts serving on addr, blocking until the server stops.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
