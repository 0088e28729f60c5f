// Package model holds the domain types shared across the store, queue,
// crawl engine, and worker packages.
package model

import (
	"encoding/json"
	"time"
)

// SourceType enumerates the kinds of documentation site a Source can be.
type SourceType string

const (
	SourceTypeAPI       SourceType = "api"
	SourceTypeGuide     SourceType = "guide"
	SourceTypeReference SourceType = "reference"
	SourceTypeTutorial  SourceType = "tutorial"
)

// UpdateFrequency controls how often Bootstrap considers a Source due for
// a re-scrape (advisory; the Bootstrap Scheduler only acts on
// never-scraped sources today, see internal/bootstrap).
type UpdateFrequency string

const (
	UpdateHourly UpdateFrequency = "hourly"
	UpdateDaily  UpdateFrequency = "daily"
	UpdateWeekly UpdateFrequency = "weekly"
)

// SourceStatus is the lifecycle status of a Source.
type SourceStatus string

const (
	SourceActive     SourceStatus = "active"
	SourceInProgress SourceStatus = "in_progress"
	SourceCompleted  SourceStatus = "completed"
	SourceFailed     SourceStatus = "failed"
	SourcePaused     SourceStatus = "paused"
)

// Source is a registered documentation site.
type Source struct {
	ID              string
	Name            string
	BaseURL         string
	SourceType      SourceType
	CrawlDepth      int
	UpdateFrequency UpdateFrequency
	Selectors       map[string]string
	AllowPatterns   []string
	IgnorePatterns  []string
	Status          SourceStatus
	LastScrapedAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JobStatus is the lifecycle status of a Job. Valid transitions:
// pending -> in_progress -> {completed, failed}; in_progress -> pending
// via expiry reclaim; cancel_job moves pending or in_progress to failed.
// No queue operation sets JobCancelled; it is only counted by stats and
// cleanup.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// JobParams is the structured record stored in a Job's job_data column.
type JobParams struct {
	Priority          int               `json:"priority"`
	SourceURL         string            `json:"source_url"`
	SourceName        string            `json:"source_name"`
	CrawlDepth        int               `json:"crawl_depth"`
	Selectors         map[string]string `json:"selectors,omitempty"`
	AllowPatterns     []string          `json:"allow_patterns,omitempty"`
	IgnorePatterns    []string          `json:"ignore_patterns,omitempty"`
	IncludeSubdomains bool              `json:"include_subdomains"`
	ForceRefresh      bool              `json:"force_refresh"`
}

// ResultData is the structured summary recorded on job completion.
type ResultData struct {
	PagesScraped int      `json:"pages_scraped"`
	ScrapedURLs  []string `json:"scraped_urls,omitempty"`
	FailedURLs   []string `json:"failed_urls,omitempty"`
}

// Job is one scraping task for a Source.
type Job struct {
	ID              string
	SourceID        string
	Status          JobStatus
	JobData         JobParams
	LockedBy        *string
	LockedAt        *time.Time
	LockTimeoutSecs int
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	PagesScraped    int
	ErrorMessage    *string
	ResultData      *ResultData
}

// IsLockExpired reports whether an in-progress job's lock has exceeded its
// timeout relative to now.
func (j Job) IsLockExpired(now time.Time) bool {
	if j.LockedAt == nil {
		return false
	}
	timeout := j.LockTimeoutSecs
	if timeout <= 0 {
		timeout = 3600
	}
	return now.Sub(*j.LockedAt) > time.Duration(timeout)*time.Second
}

// MarshalJobData serializes JobParams for storage in a jsonb column.
func MarshalJobData(p JobParams) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalJobData deserializes a jsonb job_data column into JobParams.
func UnmarshalJobData(raw []byte) (JobParams, error) {
	var p JobParams
	if len(raw) == 0 {
		return p, nil
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}

// ScrapedURL is the dedup-index row recording that a URL was persisted for
// a source.
type ScrapedURL struct {
	SourceID      string
	NormalizedURL string
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
}

// SectionType classifies the kind of content an Entry holds.
type SectionType string

const (
	SectionContent SectionType = "content"
	SectionCode    SectionType = "code"
	SectionExample SectionType = "example"
	SectionAPI     SectionType = "api"
)

// Entry is one stored page's extracted content.
type Entry struct {
	ID            string
	SourceID      string
	URL           string
	Title         string
	Content       string
	ContentHash   string
	ExtractedAt   time.Time
	LastUpdatedAt time.Time
	SectionType   SectionType
}
