// Package domain implements the per-process Domain Coordinator: a
// host -> busy-job-set registry that enforces at most one in-flight crawl
// per normalized host within a single worker process.
//
// Coordinator is an explicitly constructed value owned by the worker
// process rather than an ambient package-level singleton, so multiple
// workers (and tests) can each hold an independent registry.
package domain

import (
	"context"
	"sync"
	"time"

	"github.com/ternarydocs/raito-crawl/internal/urlnorm"
)

// Coordinator tracks, per normalized host, the set of job IDs currently
// crawling it. All operations are O(1) and guarded by a single mutex; none
// block on I/O.
type Coordinator struct {
	mu           sync.Mutex
	busy         map[string]map[string]struct{}
	pollInterval time.Duration
}

// New constructs an empty Coordinator. pollInterval controls the polling
// granularity of WaitForAvailability; callers typically pass 1s.
func New(pollInterval time.Duration) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Coordinator{
		busy:         make(map[string]map[string]struct{}),
		pollInterval: pollInterval,
	}
}

// MarkBusy records jobID as actively crawling the host extracted from url.
func (c *Coordinator) MarkBusy(url, jobID string) {
	host, err := urlnorm.Host(url)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.busy[host]
	if !ok {
		set = make(map[string]struct{})
		c.busy[host] = set
	}
	set[jobID] = struct{}{}
}

// IsBusy reports whether url's host currently has any active crawl.
func (c *Coordinator) IsBusy(url string) bool {
	host, err := urlnorm.Host(url)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.busy[host]) > 0
}

// BusyJobs returns the job IDs currently marked busy for url's host, for
// conflict reporting by the tool-layer scrape operation.
func (c *Coordinator) BusyJobs(url string) []string {
	host, err := urlnorm.Host(url)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.busy[host]
	if !ok || len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Release removes jobID from url's host's busy set.
func (c *Coordinator) Release(url, jobID string) {
	host, err := urlnorm.Host(url)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.busy[host]
	if !ok {
		return
	}
	delete(set, jobID)
	if len(set) == 0 {
		delete(c.busy, host)
	}
}

// WaitForAvailability polls at the Coordinator's poll interval until url's
// host is no longer busy or timeout elapses. Returns true if the host
// became available, false on timeout or context cancellation.
func (c *Coordinator) WaitForAvailability(ctx context.Context, url string, timeout time.Duration) bool {
	if !c.IsBusy(url) {
		return true
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !c.IsBusy(url) {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}
