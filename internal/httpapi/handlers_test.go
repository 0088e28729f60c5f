package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ternarydocs/raito-crawl/internal/domain"
	"github.com/ternarydocs/raito-crawl/internal/model"
	"github.com/ternarydocs/raito-crawl/internal/queue"
	"github.com/ternarydocs/raito-crawl/internal/store"
)

type fakeStore struct {
	sources map[string]model.Source
	nextID  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sources: map[string]model.Source{}}
}

func (s *fakeStore) CreateSource(_ context.Context, src model.Source) (model.Source, error) {
	s.nextID++
	src.ID = "src-generated"
	s.sources[src.ID] = src
	return src, nil
}

func (s *fakeStore) ListSources(_ context.Context) ([]model.Source, error) {
	var out []model.Source
	for _, src := range s.sources {
		out = append(out, src)
	}
	return out, nil
}

func (s *fakeStore) GetSource(_ context.Context, id string) (model.Source, error) {
	src, ok := s.sources[id]
	if !ok {
		return model.Source{}, store.ErrNotFound
	}
	return src, nil
}

type fakePinger struct{}

func (fakePinger) PingContext(_ context.Context) error { return nil }

type fakeQueue struct {
	enqueuedSource string
	enqueueErr     error
	job            model.Job
	getJobErr      error
	cancelErr      error
}

func (q *fakeQueue) Enqueue(_ context.Context, sourceID string, _ model.JobParams, _, _ int) (string, error) {
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	q.enqueuedSource = sourceID
	return "job-1", nil
}

func (q *fakeQueue) GetJob(_ context.Context, _ string) (model.Job, error) {
	return q.job, q.getJobErr
}

func (q *fakeQueue) CancelJob(_ context.Context, _ string) error {
	return q.cancelErr
}

func newTestServer(st SourceStore, q JobQueue, dom *domain.Coordinator) *Server {
	return New(st, fakePinger{}, q, dom, nil)
}

func TestAddSourceHandler(t *testing.T) {
	st := newFakeStore()
	srv := newTestServer(st, &fakeQueue{}, domain.New(time.Second))

	body, _ := json.Marshal(addSourceRequest{Name: "Docs", URL: "https://docs.example.com/"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sources", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if len(st.sources) != 1 {
		t.Fatalf("expected 1 source created, got %d", len(st.sources))
	}
}

func TestAddSourceHandlerRejectsMissingFields(t *testing.T) {
	st := newFakeStore()
	srv := newTestServer(st, &fakeQueue{}, domain.New(time.Second))

	body, _ := json.Marshal(addSourceRequest{Name: "Docs"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sources", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestScrapeHandlerReportsDomainBusy(t *testing.T) {
	st := newFakeStore()
	st.sources["src-1"] = model.Source{ID: "src-1", Name: "Docs", BaseURL: "https://docs.example.com/"}

	dom := domain.New(time.Second)
	dom.MarkBusy("https://docs.example.com/", "other-job")

	srv := newTestServer(st, &fakeQueue{}, dom)

	req := httptest.NewRequest(http.MethodPost, "/v1/sources/src-1/scrape", nil)
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 domain_busy, got %d", resp.StatusCode)
	}
}

func TestScrapeHandlerEnqueues(t *testing.T) {
	st := newFakeStore()
	st.sources["src-1"] = model.Source{ID: "src-1", Name: "Docs", BaseURL: "https://docs.example.com/"}

	q := &fakeQueue{}
	srv := newTestServer(st, q, domain.New(time.Second))

	req := httptest.NewRequest(http.MethodPost, "/v1/sources/src-1/scrape", nil)
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if q.enqueuedSource != "src-1" {
		t.Fatalf("expected src-1 enqueued, got %q", q.enqueuedSource)
	}
}

func TestScrapeHandlerSourceNotFound(t *testing.T) {
	srv := newTestServer(newFakeStore(), &fakeQueue{}, domain.New(time.Second))

	req := httptest.NewRequest(http.MethodPost, "/v1/sources/missing/scrape", nil)
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetJobStatusHandlerNotFound(t *testing.T) {
	q := &fakeQueue{getJobErr: &queue.ValidationError{Code: queue.CodeJobNotFound, Message: "no such job"}}
	srv := newTestServer(newFakeStore(), q, domain.New(time.Second))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetJobStatusHandlerReportsLockExpired(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	q := &fakeQueue{job: model.Job{
		ID:              "job-1",
		Status:          model.JobInProgress,
		LockedAt:        &past,
		LockTimeoutSecs: 60,
	}}
	srv := newTestServer(newFakeStore(), q, domain.New(time.Second))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil)
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data := body.Data.(map[string]interface{})
	if expired, _ := data["is_lock_expired"].(bool); !expired {
		t.Fatalf("expected is_lock_expired=true, got %v", data["is_lock_expired"])
	}
}

func TestCancelJobHandler(t *testing.T) {
	q := &fakeQueue{}
	srv := newTestServer(newFakeStore(), q, domain.New(time.Second))

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
