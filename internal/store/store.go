// Package store implements durable, transactional persistence for sources,
// the scraped-URL dedup index, and content entries. Job CRUD and lease
// operations live in internal/queue, a separate component that shares this
// package's *sql.DB.
//
// A thin wrapper over a shared, pooled *sql.DB using the pgx stdlib driver,
// with hand-written SQL per method rather than a code-generated query
// layer: sqlc codegen isn't invoked in this environment, so Store methods
// execute hand-written SQL directly in the shape sqlc would have produced.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ternarydocs/raito-crawl/internal/model"
)

// ErrNotFound is returned when a lookup by ID finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Store wraps access to Postgres via a shared, pooled *sql.DB.
type Store struct {
	DB *sql.DB
}

// New creates a Store over an already-configured *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// CreateSource inserts a new Source row and returns it with generated
// fields (ID, CreatedAt, UpdatedAt) populated.
func (s *Store) CreateSource(ctx context.Context, src model.Source) (model.Source, error) {
	selectors, err := json.Marshal(src.Selectors)
	if err != nil {
		return model.Source{}, fmt.Errorf("marshal selectors: %w", err)
	}
	allow, err := json.Marshal(src.AllowPatterns)
	if err != nil {
		return model.Source{}, fmt.Errorf("marshal allow patterns: %w", err)
	}
	ignore, err := json.Marshal(src.IgnorePatterns)
	if err != nil {
		return model.Source{}, fmt.Errorf("marshal ignore patterns: %w", err)
	}

	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO sources (name, base_url, source_type, crawl_depth, update_frequency,
			selectors, allow_patterns, ignore_patterns, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		src.Name, src.BaseURL, string(src.SourceType), src.CrawlDepth, string(src.UpdateFrequency),
		selectors, allow, ignore, string(src.Status))

	if err := row.Scan(&src.ID, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return model.Source{}, fmt.Errorf("create source: %w", err)
	}
	return src, nil
}

func scanSource(row interface {
	Scan(dest ...any) error
}) (model.Source, error) {
	var src model.Source
	var selectors, allow, ignore []byte
	var lastScraped sql.NullTime
	var sourceType, updateFreq, status string

	err := row.Scan(&src.ID, &src.Name, &src.BaseURL, &sourceType, &src.CrawlDepth, &updateFreq,
		&selectors, &allow, &ignore, &status, &lastScraped, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return model.Source{}, err
	}

	src.SourceType = model.SourceType(sourceType)
	src.UpdateFrequency = model.UpdateFrequency(updateFreq)
	src.Status = model.SourceStatus(status)
	if lastScraped.Valid {
		t := lastScraped.Time
		src.LastScrapedAt = &t
	}
	if len(selectors) > 0 {
		if err := json.Unmarshal(selectors, &src.Selectors); err != nil {
			return model.Source{}, fmt.Errorf("unmarshal selectors: %w", err)
		}
	}
	if len(allow) > 0 {
		if err := json.Unmarshal(allow, &src.AllowPatterns); err != nil {
			return model.Source{}, fmt.Errorf("unmarshal allow patterns: %w", err)
		}
	}
	if len(ignore) > 0 {
		if err := json.Unmarshal(ignore, &src.IgnorePatterns); err != nil {
			return model.Source{}, fmt.Errorf("unmarshal ignore patterns: %w", err)
		}
	}
	return src, nil
}

const sourceColumns = `id, name, base_url, source_type, crawl_depth, update_frequency,
	selectors, allow_patterns, ignore_patterns, status, last_scraped_at, created_at, updated_at`

// GetSource fetches a Source by ID, returning ErrNotFound if absent.
func (s *Store) GetSource(ctx context.Context, id string) (model.Source, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Source{}, ErrNotFound
	}
	if err != nil {
		return model.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// SourceExists is a lightweight existence check. queue.Enqueue does not
// call it; it runs the same query inside its own transaction.
func (s *Store) SourceExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sources WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("source exists: %w", err)
	}
	return exists, nil
}

// ListSources returns all sources ordered by creation time.
func (s *Store) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// ListActiveSourcesWithoutEntries returns sources with status=active that
// have zero stored Entry rows, for the Bootstrap Scheduler (C8).
func (s *Store) ListActiveSourcesWithoutEntries(ctx context.Context) ([]model.Source, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+sourceColumns+` FROM sources s
		WHERE s.status = 'active'
		AND NOT EXISTS (SELECT 1 FROM entries e WHERE e.source_id = s.id)
		ORDER BY s.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list bootstrap candidates: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// UpdateSourceStatus updates a Source's status and, when lastScrapedAt is
// non-nil, its last_scraped_at timestamp.
func (s *Store) UpdateSourceStatus(ctx context.Context, id string, status model.SourceStatus, lastScrapedAt *time.Time) error {
	var err error
	if lastScrapedAt != nil {
		_, err = s.DB.ExecContext(ctx, `
			UPDATE sources SET status = $1, last_scraped_at = $2, updated_at = now() WHERE id = $3`,
			string(status), *lastScrapedAt, id)
	} else {
		_, err = s.DB.ExecContext(ctx, `
			UPDATE sources SET status = $1, updated_at = now() WHERE id = $2`,
			string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update source status: %w", err)
	}
	return nil
}

// ScrapedURLSet returns the set of normalized URLs ever persisted for a
// source, used by the Crawl Engine to seed its in-memory `seen` set at the
// start of a crawl.
func (s *Store) ScrapedURLSet(ctx context.Context, sourceID string) (map[string]struct{}, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT normalized_url FROM scraped_urls WHERE source_id = $1`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("scraped url set: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan scraped url: %w", err)
		}
		out[u] = struct{}{}
	}
	return out, rows.Err()
}

// RecordScrapedURL upserts a ScrapedUrl row: inserts on first sight, bumps
// last_seen_at on rediscovery.
func (s *Store) RecordScrapedURL(ctx context.Context, sourceID, normalizedURL string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO scraped_urls (source_id, normalized_url, first_seen_at, last_seen_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (source_id, normalized_url)
		DO UPDATE SET last_seen_at = now()`,
		sourceID, normalizedURL)
	if err != nil {
		return fmt.Errorf("record scraped url: %w", err)
	}
	return nil
}

// DeleteScrapedURLs removes all ScrapedUrl rows for a source: an explicit
// purge of the dedup index. The worker does not call it; a force_refresh
// crawl only bypasses the seen set and leaves these rows in place (see
// DESIGN.md).
func (s *Store) DeleteScrapedURLs(ctx context.Context, sourceID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM scraped_urls WHERE source_id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("delete scraped urls: %w", err)
	}
	return nil
}

// UpsertEntryByHash enforces global content_hash uniqueness: a collision
// updates the existing Entry's url/title/last_updated_at; a novel hash
// inserts a new row. Returns the entry ID.
func (s *Store) UpsertEntryByHash(ctx context.Context, e model.Entry) (string, error) {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		e.ID = id.String()
	}

	var id string
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO entries (id, source_id, url, title, content, content_hash, extracted_at,
			last_updated_at, section_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)
		ON CONFLICT (content_hash) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			last_updated_at = EXCLUDED.extracted_at
		RETURNING id`,
		e.ID, e.SourceID, e.URL, e.Title, e.Content, e.ContentHash, e.ExtractedAt, string(e.SectionType)).
		Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert entry: %w", err)
	}
	return id, nil
}

// CountEntries returns the number of Entry rows for a source, used by
// callers that want to decide whether a source has ever been scraped
// without pulling the rows themselves.
func (s *Store) CountEntries(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM entries WHERE source_id = $1`, sourceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}
