package crawlengine

import (
	"context"
	"testing"
	"time"

	"github.com/ternarydocs/raito-crawl/internal/browser"
	"github.com/ternarydocs/raito-crawl/internal/model"
)

type fakeFetcher struct {
	pages map[string]*browser.PageResult
	fails map[string]bool
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string, _ map[string]string) (*browser.PageResult, error) {
	f.calls = append(f.calls, rawURL)
	if f.fails[rawURL] {
		return nil, browser.ErrContentTooShort
	}
	p, ok := f.pages[rawURL]
	if !ok {
		return &browser.PageResult{URL: rawURL, Content: ""}, nil
	}
	return p, nil
}

type fakeStore struct {
	seen    map[string]struct{}
	scraped []string
	entries []model.Entry
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: make(map[string]struct{})}
}

func (f *fakeStore) ScrapedURLSet(_ context.Context, _ string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(f.seen))
	for k := range f.seen {
		out[k] = struct{}{}
	}
	return out, nil
}

func (f *fakeStore) RecordScrapedURL(_ context.Context, _, normalizedURL string) error {
	f.scraped = append(f.scraped, normalizedURL)
	return nil
}

func (f *fakeStore) UpsertEntryByHash(_ context.Context, e model.Entry) (string, error) {
	f.entries = append(f.entries, e)
	return "entry-id", nil
}

func noJitter() (time.Duration, time.Duration) {
	return time.Millisecond, time.Millisecond
}

func TestRunDepthZeroFetchesOnlyStart(t *testing.T) {
	start := "https://docs.example.com/"
	fetcher := &fakeFetcher{pages: map[string]*browser.PageResult{
		start: {URL: start, Title: "Home", Content: "0123456789012345678901234567890", Links: []string{"https://docs.example.com/other"}},
	}}
	st := newFakeStore()
	pmin, pmax := noJitter()

	res, err := Run(context.Background(), fetcher, st, Options{
		SourceID:      "src-1",
		StartURL:      start,
		CrawlDepth:    0,
		PolitenessMin: pmin,
		PolitenessMax: pmax,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatal("expected success")
	}
	if res.PagesScraped != 1 {
		t.Fatalf("expected 1 page scraped, got %d", res.PagesScraped)
	}
	if len(fetcher.calls) != 1 {
		t.Fatalf("expected exactly 1 fetch call at depth 0, got %d: %v", len(fetcher.calls), fetcher.calls)
	}
}

func TestRunRespectsDepthBound(t *testing.T) {
	start := "https://docs.example.com/"
	lvl1 := "https://docs.example.com/guide"
	lvl2 := "https://docs.example.com/guide/deep"
	fetcher := &fakeFetcher{pages: map[string]*browser.PageResult{
		start: {URL: start, Content: "0123456789012345678901234567890", Links: []string{lvl1}},
		lvl1:  {URL: lvl1, Content: "0123456789012345678901234567890", Links: []string{lvl2}},
		lvl2:  {URL: lvl2, Content: "0123456789012345678901234567890"},
	}}
	st := newFakeStore()
	pmin, pmax := noJitter()

	res, err := Run(context.Background(), fetcher, st, Options{
		SourceID:      "src-1",
		StartURL:      start,
		CrawlDepth:    1,
		PolitenessMin: pmin,
		PolitenessMax: pmax,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.PagesScraped != 2 {
		t.Fatalf("expected 2 pages within depth 1, got %d (%v)", res.PagesScraped, res.ScrapedURLs)
	}
	for _, u := range res.ScrapedURLs {
		if u == lvl2 {
			t.Fatalf("depth-2 url %s should not have been scraped under crawl_depth=1", lvl2)
		}
	}
}

func TestRunScopeRejectsOffHost(t *testing.T) {
	start := "https://docs.example.com/"
	external := "https://other.example.org/page"
	fetcher := &fakeFetcher{pages: map[string]*browser.PageResult{
		start: {URL: start, Content: "0123456789012345678901234567890", Links: []string{external}},
	}}
	st := newFakeStore()
	pmin, pmax := noJitter()

	res, err := Run(context.Background(), fetcher, st, Options{
		SourceID:      "src-1",
		StartURL:      start,
		CrawlDepth:    3,
		PolitenessMin: pmin,
		PolitenessMax: pmax,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, u := range res.ScrapedURLs {
		if u == external {
			t.Fatalf("external host %s should have been rejected by the scope check", external)
		}
	}
}

func TestRunAllowIgnorePrecedence(t *testing.T) {
	start := "https://docs.example.com/api/"
	v2 := "https://docs.example.com/api/v2/x"
	guides := "https://docs.example.com/guides/x"
	legacy := "https://docs.example.com/api/v1/legacy/y"
	fetcher := &fakeFetcher{pages: map[string]*browser.PageResult{
		start:  {URL: start, Content: "0123456789012345678901234567890", Links: []string{v2, guides, legacy}},
		v2:     {URL: v2, Content: "0123456789012345678901234567890"},
		guides: {URL: guides, Content: "0123456789012345678901234567890"},
		legacy: {URL: legacy, Content: "0123456789012345678901234567890"},
	}}
	st := newFakeStore()
	pmin, pmax := noJitter()

	res, err := Run(context.Background(), fetcher, st, Options{
		SourceID:       "src-1",
		StartURL:       start,
		CrawlDepth:     1,
		AllowPatterns:  []string{"/api/"},
		IgnorePatterns: []string{"/api/v1/legacy/"},
		PolitenessMin:  pmin,
		PolitenessMax:  pmax,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	scraped := make(map[string]bool)
	for _, u := range res.ScrapedURLs {
		scraped[u] = true
	}
	if !scraped[v2] {
		t.Fatalf("expected %s to be scraped (matches allow, not ignore)", v2)
	}
	if scraped[guides] {
		t.Fatalf("expected %s to be rejected (no allow match)", guides)
	}
	if scraped[legacy] {
		t.Fatalf("expected %s to be rejected (ignore match)", legacy)
	}
}

func TestRunSeenURLsAreSkippedUnlessForceRefresh(t *testing.T) {
	start := "https://docs.example.com/"
	fetcher := &fakeFetcher{pages: map[string]*browser.PageResult{
		start: {URL: start, Content: "0123456789012345678901234567890"},
	}}
	st := newFakeStore()
	st.seen["https://docs.example.com/"] = struct{}{}
	pmin, pmax := noJitter()

	res, err := Run(context.Background(), fetcher, st, Options{
		SourceID:      "src-1",
		StartURL:      start,
		CrawlDepth:    0,
		PolitenessMin: pmin,
		PolitenessMax: pmax,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.PagesScraped != 0 {
		t.Fatalf("expected the already-seen start url to be skipped, got %d pages", res.PagesScraped)
	}

	res2, err := Run(context.Background(), fetcher, st, Options{
		SourceID:      "src-1",
		StartURL:      start,
		CrawlDepth:    0,
		ForceRefresh:  true,
		PolitenessMin: pmin,
		PolitenessMax: pmax,
	})
	if err != nil {
		t.Fatalf("Run (force refresh): %v", err)
	}
	if res2.PagesScraped != 1 {
		t.Fatalf("expected force_refresh to bypass the seen set, got %d pages", res2.PagesScraped)
	}
}

func TestRunRecordsFetchFailuresWithoutAbortingJob(t *testing.T) {
	start := "https://docs.example.com/"
	broken := "https://docs.example.com/broken"
	fetcher := &fakeFetcher{
		pages: map[string]*browser.PageResult{
			start: {URL: start, Content: "0123456789012345678901234567890", Links: []string{broken}},
		},
		fails: map[string]bool{broken: true},
	}
	st := newFakeStore()
	pmin, pmax := noJitter()

	res, err := Run(context.Background(), fetcher, st, Options{
		SourceID:      "src-1",
		StartURL:      start,
		CrawlDepth:    1,
		PolitenessMin: pmin,
		PolitenessMax: pmax,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatal("a fetch-level failure must not fail the whole run")
	}
	if len(res.FailedURLs) != 1 || res.FailedURLs[0] != broken {
		t.Fatalf("expected %s recorded in FailedURLs, got %v", broken, res.FailedURLs)
	}
}
