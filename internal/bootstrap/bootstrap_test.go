package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/ternarydocs/raito-crawl/internal/model"
	"github.com/ternarydocs/raito-crawl/internal/queue"
)

type fakeLister struct {
	sources []model.Source
}

func (f *fakeLister) ListActiveSourcesWithoutEntries(_ context.Context) ([]model.Source, error) {
	return f.sources, nil
}

type fakeEnqueuer struct {
	enqueued     []string
	duplicateFor map[string]bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, sourceID string, _ model.JobParams, _, _ int) (string, error) {
	if f.duplicateFor[sourceID] {
		return "", &queue.ConflictError{Code: queue.CodeDuplicateJob, Message: "exists", ExistingJobID: "existing-1"}
	}
	f.enqueued = append(f.enqueued, sourceID)
	return "job-" + sourceID, nil
}

func TestScanOnceEnqueuesCandidates(t *testing.T) {
	lister := &fakeLister{sources: []model.Source{
		{ID: "src-1", Name: "A", BaseURL: "https://a.example.com/", CrawlDepth: 2},
		{ID: "src-2", Name: "B", BaseURL: "https://b.example.com/", CrawlDepth: 1},
	}}
	enq := &fakeEnqueuer{duplicateFor: map[string]bool{}}

	s := New(lister, enq, time.Hour, nil)
	s.scanOnce(context.Background())

	if len(enq.enqueued) != 2 {
		t.Fatalf("expected 2 jobs enqueued, got %d: %v", len(enq.enqueued), enq.enqueued)
	}
}

func TestScanOnceSwallowsDuplicateJob(t *testing.T) {
	lister := &fakeLister{sources: []model.Source{
		{ID: "src-1", Name: "A", BaseURL: "https://a.example.com/"},
	}}
	enq := &fakeEnqueuer{duplicateFor: map[string]bool{"src-1": true}}

	s := New(lister, enq, time.Hour, nil)
	s.scanOnce(context.Background())

	if len(enq.enqueued) != 0 {
		t.Fatalf("expected no jobs enqueued when a duplicate exists, got %v", enq.enqueued)
	}
}

func TestRunScansImmediatelyOnEntry(t *testing.T) {
	lister := &fakeLister{sources: []model.Source{
		{ID: "src-1", Name: "A", BaseURL: "https://a.example.com/"},
	}}
	enq := &fakeEnqueuer{duplicateFor: map[string]bool{}}

	s := New(lister, enq, time.Hour, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if len(enq.enqueued) != 1 {
		t.Fatalf("expected an immediate scan on entry to enqueue 1 job, got %v", enq.enqueued)
	}
}
