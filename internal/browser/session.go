// Package browser implements the Browser Session: one persistent
// headless-browser context per worker process, handling navigation with
// retries, element extraction, and content harvesting.
//
// Grounded on raito/internal/scraper's RodScraper (go-rod launcher setup,
// goquery-based extraction, html-to-markdown conversion), generalized
// from a per-request throwaway browser into a long-lived session that
// survives across many fetches and is explicitly opened/closed by the
// worker's idle lifecycle.
package browser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/time/rate"

	"github.com/ternarydocs/raito-crawl/internal/metrics"
)

// defaultContentSelectors is the fallback list tried, in order, when no
// selector is configured or the configured one yields too little text.
var defaultContentSelectors = []string{
	"main", "article", ".content", ".main-content", "#content",
	".documentation", "[role=main]", "body",
}

// minContentChars is the shortest trimmed text accepted as real content.
const minContentChars = 100

// userAgents rotates per Open call as part of the session's anti-automation
// posture; none of this defeats a determined anti-bot system, it only
// avoids the most obvious headless tells.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

var viewportSizes = [][2]int{{1920, 1080}, {1536, 864}, {1440, 900}, {1366, 768}}

// PageResult is the content harvested from a single page fetch.
type PageResult struct {
	URL     string
	Title   string
	Content string
	Links   []string
}

// ContentHash returns the SHA-256 hex digest of Content, used as the
// dedup key for Entry upserts.
func (p PageResult) ContentHash() string {
	sum := sha256.Sum256([]byte(p.Content))
	return hex.EncodeToString(sum[:])
}

// ErrContentTooShort is returned when extraction yields fewer than
// minContentChars characters of trimmed text.
var ErrContentTooShort = errors.New("browser: extracted content too short")

// Session owns one persistent browser context for a worker process.
// Fetch calls are expected to be serialized by the caller (the worker's
// main loop never runs two crawls concurrently).
type Session struct {
	workerID string
	dataDir  string
	timeout  time.Duration
	limiter  *rate.Limiter

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	lastUsed time.Time
}

// New constructs a Session. dataDir is the persistent user-data directory
// root; a per-worker subdirectory is created under it so cookies and
// cache survive restarts when worker_id is stable.
func New(workerID, dataDir string, timeout time.Duration, rps float64) *Session {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Session{
		workerID: workerID,
		dataDir:  filepath.Join(dataDir, workerID),
		timeout:  timeout,
		limiter:  limiter,
	}
}

// IsOpen reports whether the session currently holds a live browser.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser != nil
}

// IdleSince returns how long it's been since the last Fetch call. Zero
// duration means the session has never served a fetch.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUsed.IsZero() {
		return 0
	}
	return time.Since(s.lastUsed)
}

// Open initializes the browser context if not already open. Safe to call
// repeatedly. Removes stale Chromium singleton lock files left behind by
// an unclean prior exit before launching.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return nil
	}

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create browser data dir: %w", err)
	}
	removeStaleLocks(s.dataDir)

	l := launcher.New().UserDataDir(s.dataDir).Headless(true).NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled")
	if path, has := launcher.LookPath(); has {
		l = l.Bin(path)
	}

	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(u).Timeout(s.timeout)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect to browser: %w", err)
	}

	s.browser = browser
	s.launcher = l
	return nil
}

// removeStaleLocks deletes the Chromium singleton lock artifacts that
// survive a crashed process and otherwise prevent a new instance from
// reusing the same user-data directory.
func removeStaleLocks(dataDir string) {
	for _, name := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
		_ = os.Remove(filepath.Join(dataDir, name))
	}
}

// Close releases the browser context. Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		return nil
	}
	err := s.browser.Close()
	if s.launcher != nil {
		s.launcher.Kill()
	}
	s.browser = nil
	s.launcher = nil
	return err
}

// CloseIfIdle closes the session if it's been idle longer than after.
func (s *Session) CloseIfIdle(after time.Duration) {
	if s.IsOpen() && s.IdleSince() > after {
		_ = s.Close()
	}
}

const (
	maxFetchRetries  = 3
	retryBackoffUnit = 2 * time.Second
)

// Fetch navigates to url and extracts title, content, and links, retrying
// up to maxFetchRetries times with linear backoff (2s, 4s, 6s) on
// navigation/timeout errors. Page-level errors (short content) are
// returned directly without retry.
func (s *Session) Fetch(ctx context.Context, rawURL string, selectors map[string]string) (*PageResult, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxFetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoffUnit):
			}
		}
		result, err := s.fetchOnce(ctx, rawURL, selectors)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrContentTooShort) {
			metrics.RecordFetchFailure()
			return nil, err
		}
		lastErr = err
		if attempt < maxFetchRetries {
			metrics.RecordFetchRetry()
		}
	}
	metrics.RecordFetchFailure()
	return nil, fmt.Errorf("fetch %s: %w", rawURL, lastErr)
}

func (s *Session) fetchOnce(ctx context.Context, rawURL string, selectors map[string]string) (*PageResult, error) {
	if err := s.Open(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	b := s.browser
	s.mu.Unlock()

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return nil, err
	}
	defer func() { _ = page.Close() }()

	w, h := randomViewport()
	_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: w, Height: h, DeviceScaleFactor: 1})
	_ = proto.NetworkSetUserAgentOverride{UserAgent: randomUserAgent()}.Call(page)

	if err := page.Timeout(s.timeout).WaitLoad(); err != nil {
		return nil, err
	}

	htmlStr, err := page.HTML()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()

	return extract(rawURL, htmlStr, selectors)
}

// extract parses raw HTML into a PageResult, applying the selector
// fallback chain for content and the title fallback to h1/h2.
func extract(rawURL, htmlStr string, selectors map[string]string) (*PageResult, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		doc.Find("h1, h2").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if t := strings.TrimSpace(sel.Text()); t != "" {
				title = t
				return false
			}
			return true
		})
	}

	content := extractContent(doc, selectors)
	if len(strings.TrimSpace(content)) < minContentChars {
		return nil, ErrContentTooShort
	}

	links := extractLinks(doc, base)

	return &PageResult{URL: base.String(), Title: title, Content: content, Links: links}, nil
}

// extractContent walks the selector fallback chain, accepting the first
// candidate whose rendered text meets minContentChars, then converts that
// element's HTML to Markdown for storage. Falls back to plain text if
// conversion yields nothing usable.
func extractContent(doc *goquery.Document, selectors map[string]string) string {
	candidates := defaultContentSelectors
	if custom, ok := selectors["content"]; ok && custom != "" {
		candidates = append([]string{custom}, defaultContentSelectors...)
	}

	for _, sel := range candidates {
		node := doc.Find(sel).First()
		text := strings.TrimSpace(node.Text())
		if len(text) < minContentChars {
			continue
		}
		return renderContent(node, text)
	}
	return strings.TrimSpace(doc.Find("body").Text())
}

// renderContent converts node's inner HTML to Markdown, falling back to
// its plain text when conversion fails or produces nothing.
func renderContent(node *goquery.Selection, plainText string) string {
	inner, err := node.Html()
	if err != nil || strings.TrimSpace(inner) == "" {
		return plainText
	}
	converter := htmlmd.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(inner)
	if err != nil || strings.TrimSpace(markdown) == "" {
		return plainText
	}
	return strings.TrimSpace(markdown)
}

func extractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
			return
		}
		linkURL, err := url.Parse(href)
		if err != nil {
			return
		}
		if !linkURL.IsAbs() {
			linkURL = base.ResolveReference(linkURL)
		}
		if linkURL.Scheme != "http" && linkURL.Scheme != "https" {
			return
		}
		linkURL.Fragment = ""
		abs := linkURL.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}

func randomViewport() (int, int) {
	v := viewportSizes[rand.Intn(len(viewportSizes))]
	return v[0], v[1]
}

func randomUserAgent() string {
	return userAgents[rand.Intn(len(userAgents))]
}
