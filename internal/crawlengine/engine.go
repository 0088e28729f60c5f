// Package crawlengine implements the Crawl Engine (C6): a bounded BFS
// traversal of a single source's documentation site. It pops a URL,
// drives a Fetcher (the Browser Session), applies allow/ignore scope
// gates, discovers internal links, and persists results through an
// EntryStore, respecting crawl depth and a hard per-run page cap.
package crawlengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/ternarydocs/raito-crawl/internal/browser"
	"github.com/ternarydocs/raito-crawl/internal/model"
	"github.com/ternarydocs/raito-crawl/internal/urlnorm"
)

// Fetcher drives the Browser Session to harvest one page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, selectors map[string]string) (*browser.PageResult, error)
}

// EntryStore is the subset of Store the Crawl Engine needs: the
// dedup-index seed set, dedup-index bookkeeping, and the content upsert.
type EntryStore interface {
	ScrapedURLSet(ctx context.Context, sourceID string) (map[string]struct{}, error)
	RecordScrapedURL(ctx context.Context, sourceID, normalizedURL string) error
	UpsertEntryByHash(ctx context.Context, e model.Entry) (string, error)
}

// defaultPageCap is the hard per-run ceiling, spec.md §4.5.
const defaultPageCap = 1000

// minContentChars is the spec.md §4.5 content-length floor for a
// "successful" extraction; the Browser Session applies its own
// (stricter, selector-driven) floor of 100 before this one ever sees
// content shorter than that, but the engine enforces its own floor
// independently so a Fetcher implementation that skips the browser's
// extraction (e.g. in tests) is still held to the spec's minimum.
const minContentChars = 20

// builtinIgnorePatterns are always applied regardless of caller input:
// common off-site collaborators and versioned-doc paths.
var builtinIgnorePatterns = []string{
	`(?i)chat\.`,
	`(?i)(facebook|twitter|x\.com|linkedin|instagram|discord|slack)\.com`,
	`^mailto:`,
	`^tel:`,
	`(?i)\.exe$`,
	`/docs/v\d+\.\d+/`,
}

// Options parameterizes one crawl run.
type Options struct {
	SourceID          string
	StartURL          string
	Selectors         map[string]string
	CrawlDepth        int
	AllowPatterns     []string
	IgnorePatterns    []string
	IncludeSubdomains bool
	ForceRefresh      bool
	PageCap           int
	PolitenessMin     time.Duration
	PolitenessMax     time.Duration
	RespectRobotsTxt  bool
	UserAgent         string
	MaxLinksPerPage   int
}

// Result is the outcome of one crawl run.
type Result struct {
	Success      bool
	PagesScraped int
	Entries      []model.Entry
	ScrapedURLs  []string
	FailedURLs   []string
	Error        string
}

type queueItem struct {
	url   string
	depth int
}

// Run executes a bounded BFS crawl starting from opts.StartURL, as
// described in spec.md §4.5. Fetch failures and short-content
// extractions are recorded in Result.FailedURLs and never abort the
// run. Context cancellation, checked before each queued URL, and
// EntryStore errors are returned as errors.
func Run(ctx context.Context, fetcher Fetcher, st EntryStore, opts Options) (*Result, error) {
	pageCap := opts.PageCap
	if pageCap <= 0 {
		pageCap = defaultPageCap
	}
	politenessMin := opts.PolitenessMin
	politenessMax := opts.PolitenessMax
	if politenessMax <= 0 {
		politenessMin, politenessMax = 500*time.Millisecond, 1500*time.Millisecond
	}

	baseHost, err := urlnorm.Host(opts.StartURL)
	if err != nil {
		return nil, fmt.Errorf("crawlengine: invalid start url: %w", err)
	}

	seen := make(map[string]struct{})
	if !opts.ForceRefresh {
		seen, err = st.ScrapedURLSet(ctx, opts.SourceID)
		if err != nil {
			return nil, fmt.Errorf("crawlengine: load scraped url set: %w", err)
		}
	}

	allow, err := compilePatterns(opts.AllowPatterns)
	if err != nil {
		return nil, fmt.Errorf("crawlengine: compile allow patterns: %w", err)
	}
	ignore, err := compilePatterns(opts.IgnorePatterns)
	if err != nil {
		return nil, fmt.Errorf("crawlengine: compile ignore patterns: %w", err)
	}
	builtin, err := compilePatterns(builtinIgnorePatterns)
	if err != nil {
		return nil, fmt.Errorf("crawlengine: compile builtin ignore patterns: %w", err)
	}

	var robots *robotstxt.RobotsData
	if opts.RespectRobotsTxt {
		robots = fetchRobots(ctx, opts.StartURL, opts.UserAgent)
	}

	crawled := make(map[string]struct{})
	queued := make(map[string]struct{})
	queue := []queueItem{{url: opts.StartURL, depth: 0}}
	queued[opts.StartURL] = struct{}{}

	res := &Result{}

	for len(queue) > 0 && len(crawled) < pageCap {
		item := queue[0]
		queue = queue[1:]

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		norm, err := urlnorm.Normalize(item.url)
		if err != nil {
			continue
		}
		if _, dup := crawled[norm]; dup {
			continue
		}
		if _, was := seen[norm]; was {
			continue
		}
		if item.depth > opts.CrawlDepth {
			continue
		}
		if !inScope(norm, baseHost, opts.IncludeSubdomains) {
			continue
		}
		if !passesAllowIgnore(item.url, allow, ignore, builtin) {
			continue
		}
		if robots != nil && !robots.FindGroup(opts.UserAgent).Test(item.url) {
			continue
		}

		if len(crawled) > 0 {
			sleepPoliteness(ctx, politenessMin, politenessMax)
		}

		page, err := fetcher.Fetch(ctx, item.url, opts.Selectors)
		if err != nil {
			res.FailedURLs = append(res.FailedURLs, item.url)
			crawled[norm] = struct{}{}
			continue
		}
		if len(strings.TrimSpace(page.Content)) < minContentChars {
			res.FailedURLs = append(res.FailedURLs, item.url)
			crawled[norm] = struct{}{}
			continue
		}

		entry := model.Entry{
			SourceID:    opts.SourceID,
			URL:         page.URL,
			Title:       page.Title,
			Content:     page.Content,
			ContentHash: contentHash(page.Content),
			ExtractedAt: time.Now(),
			SectionType: model.SectionContent,
		}
		if _, err := st.UpsertEntryByHash(ctx, entry); err != nil {
			return nil, fmt.Errorf("crawlengine: upsert entry for %s: %w", item.url, err)
		}
		if err := st.RecordScrapedURL(ctx, opts.SourceID, norm); err != nil {
			return nil, fmt.Errorf("crawlengine: record scraped url for %s: %w", item.url, err)
		}

		crawled[norm] = struct{}{}
		res.Entries = append(res.Entries, entry)
		res.ScrapedURLs = append(res.ScrapedURLs, page.URL)

		if item.depth < opts.CrawlDepth {
			for _, link := range filterLinks(page.Links, baseHost, opts.MaxLinksPerPage) {
				linkNorm, err := urlnorm.Normalize(link)
				if err != nil {
					continue
				}
				if _, dup := crawled[linkNorm]; dup {
					continue
				}
				if _, was := seen[linkNorm]; was {
					continue
				}
				if _, q := queued[link]; q {
					continue
				}
				queue = append(queue, queueItem{url: link, depth: item.depth + 1})
				queued[link] = struct{}{}
			}
		}
	}

	res.PagesScraped = len(res.Entries)
	res.Success = true
	return res, nil
}

func inScope(normalizedURL, baseHost string, includeSubdomains bool) bool {
	u, err := url.Parse(normalizedURL)
	if err != nil {
		return false
	}
	host := u.Host
	if strings.EqualFold(host, baseHost) {
		return true
	}
	if includeSubdomains && strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(baseHost)) {
		return true
	}
	return false
}

func passesAllowIgnore(rawURL string, allow, ignore, builtin []*regexp.Regexp) bool {
	if len(allow) > 0 {
		matched := false
		for _, p := range allow {
			if p.MatchString(rawURL) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, p := range ignore {
		if p.MatchString(rawURL) {
			return false
		}
	}
	for _, p := range builtin {
		if p.MatchString(rawURL) {
			return false
		}
	}
	return true
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func sleepPoliteness(ctx context.Context, min, max time.Duration) {
	d := min
	if max > min {
		d = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// fetchRobots best-effort fetches and parses robots.txt for startURL's
// host. A fetch or parse failure disables the robots gate for this run
// rather than failing it: robots.txt compliance is an enrichment, not a
// correctness requirement (see DESIGN.md).
func fetchRobots(ctx context.Context, startURL, userAgent string) *robotstxt.RobotsData {
	u, err := url.Parse(startURL)
	if err != nil {
		return nil
	}
	robotsURL := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil
	}
	return data
}
