package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ternarydocs/raito-crawl/internal/domain"
	"github.com/ternarydocs/raito-crawl/internal/metrics"
	"github.com/ternarydocs/raito-crawl/internal/model"
	"github.com/ternarydocs/raito-crawl/internal/queue"
	"github.com/ternarydocs/raito-crawl/internal/store"
)

// JobQueue is the subset of queue.Queue the HTTP surface drives.
type JobQueue interface {
	Enqueue(ctx context.Context, sourceID string, params model.JobParams, priority, lockTimeoutSecs int) (string, error)
	GetJob(ctx context.Context, jobID string) (model.Job, error)
	CancelJob(ctx context.Context, jobID string) error
}

// SourceStore is the subset of store.Store the HTTP surface drives.
type SourceStore interface {
	CreateSource(ctx context.Context, src model.Source) (model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	GetSource(ctx context.Context, id string) (model.Source, error)
}

// response is the structured tool-call result shape shared by every
// handler: a success payload or an error object carrying {code,
// message}, never a bare exception across the process boundary
// (spec.md §7).
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(response{Success: true, Data: data})
}

func fail(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(response{Success: false, Code: code, Error: message})
}

type addSourceRequest struct {
	Name            string                `json:"name"`
	URL             string                `json:"url"`
	SourceType      model.SourceType      `json:"source_type"`
	CrawlDepth      int                   `json:"crawl_depth"`
	UpdateFrequency model.UpdateFrequency `json:"update_frequency"`
	Selectors       map[string]string     `json:"selectors"`
	AllowPatterns   []string              `json:"allow_patterns"`
	IgnorePatterns  []string              `json:"ignore_patterns"`
}

// addSourceHandler implements the add_source tool call: registers a new
// Source and returns its generated id.
func addSourceHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(SourceStore)

	var req addSourceRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid_request", "malformed request body")
	}
	if req.Name == "" || req.URL == "" {
		return fail(c, fiber.StatusBadRequest, "invalid_request", "name and url are required")
	}
	if req.CrawlDepth <= 0 {
		req.CrawlDepth = 2
	}

	src := model.Source{
		Name:            req.Name,
		BaseURL:         req.URL,
		SourceType:      req.SourceType,
		CrawlDepth:      req.CrawlDepth,
		UpdateFrequency: req.UpdateFrequency,
		Selectors:       req.Selectors,
		AllowPatterns:   req.AllowPatterns,
		IgnorePatterns:  req.IgnorePatterns,
		Status:          model.SourceActive,
	}

	created, err := st.CreateSource(c.Context(), src)
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, "store_error", err.Error())
	}
	return ok(c, fiber.StatusCreated, fiber.Map{"source_id": created.ID})
}

// listSourcesHandler implements the list_sources tool call.
func listSourcesHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(SourceStore)

	sources, err := st.ListSources(c.Context())
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, "store_error", err.Error())
	}
	return ok(c, fiber.StatusOK, fiber.Map{"sources": sources})
}

type scrapeRequest struct {
	ForceRefresh bool `json:"force_refresh"`
}

// scrapeHandler implements the scrape tool call: enqueues a job for the
// named Source, reporting a domain_busy conflict with the competing
// source ids when the target host is already being crawled, per the
// domain busy-conflict reporting supplemented feature.
func scrapeHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(SourceStore)
	q := c.Locals("queue").(JobQueue)
	dom, _ := c.Locals("domain").(*domain.Coordinator)

	sourceID := c.Params("id")
	var req scrapeRequest
	_ = c.BodyParser(&req)

	src, err := st.GetSource(c.Context(), sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(c, fiber.StatusNotFound, "source_not_found", "no such source")
		}
		return fail(c, fiber.StatusInternalServerError, "store_error", err.Error())
	}

	if dom != nil && dom.IsBusy(src.BaseURL) {
		metrics.RecordDomainBusy()
		busyJobs := dom.BusyJobs(src.BaseURL)
		var busySources []string
		for _, jobID := range busyJobs {
			if job, err := q.GetJob(c.Context(), jobID); err == nil && job.SourceID != "" {
				busySources = append(busySources, job.SourceID)
			}
		}
		return fail(c, fiber.StatusConflict, "domain_busy",
			"host is already being crawled for source(s): "+joinJobIDs(busySources)+
				" by job(s): "+joinJobIDs(busyJobs))
	}

	params := model.JobParams{
		SourceURL:      src.BaseURL,
		SourceName:     src.Name,
		CrawlDepth:     src.CrawlDepth,
		Selectors:      src.Selectors,
		AllowPatterns:  src.AllowPatterns,
		IgnorePatterns: src.IgnorePatterns,
		ForceRefresh:   req.ForceRefresh,
	}

	jobID, err := q.Enqueue(c.Context(), sourceID, params, 5, 0)
	if err != nil {
		var conflict *queue.ConflictError
		if errors.As(err, &conflict) {
			return fail(c, fiber.StatusConflict, string(conflict.Code), conflict.Message)
		}
		var validation *queue.ValidationError
		if errors.As(err, &validation) {
			return fail(c, fiber.StatusBadRequest, string(validation.Code), validation.Message)
		}
		return fail(c, fiber.StatusInternalServerError, "queue_error", err.Error())
	}

	return ok(c, fiber.StatusAccepted, fiber.Map{"job_id": jobID})
}

func joinJobIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}

// getJobStatusHandler implements the get_job_status tool call, surfacing
// the is_lock_expired supplemented feature alongside the stored status.
func getJobStatusHandler(c *fiber.Ctx) error {
	q := c.Locals("queue").(JobQueue)

	job, err := q.GetJob(c.Context(), c.Params("id"))
	if err != nil {
		var validation *queue.ValidationError
		if errors.As(err, &validation) && validation.Code == queue.CodeJobNotFound {
			return fail(c, fiber.StatusNotFound, "job_not_found", "no such job")
		}
		return fail(c, fiber.StatusInternalServerError, "queue_error", err.Error())
	}

	return ok(c, fiber.StatusOK, fiber.Map{
		"job_id":          job.ID,
		"source_id":       job.SourceID,
		"status":          job.Status,
		"created_at":      job.CreatedAt,
		"started_at":      job.StartedAt,
		"completed_at":    job.CompletedAt,
		"pages_scraped":   job.PagesScraped,
		"error_message":   job.ErrorMessage,
		"result":          job.ResultData,
		"is_lock_expired": job.IsLockExpired(time.Now()),
	})
}

// cancelJobHandler implements the cancel_job tool call. Cancellation is
// not owner-gated: any caller may cancel a pending or in-progress job.
func cancelJobHandler(c *fiber.Ctx) error {
	q := c.Locals("queue").(JobQueue)

	if err := q.CancelJob(c.Context(), c.Params("id")); err != nil {
		var validation *queue.ValidationError
		if errors.As(err, &validation) && validation.Code == queue.CodeJobNotFound {
			return fail(c, fiber.StatusNotFound, "job_not_found", "no such job")
		}
		var conflict *queue.ConflictError
		if errors.As(err, &conflict) {
			return fail(c, fiber.StatusConflict, string(conflict.Code), conflict.Message)
		}
		return fail(c, fiber.StatusInternalServerError, "queue_error", err.Error())
	}

	return ok(c, fiber.StatusOK, fiber.Map{"cancelled": true})
}
