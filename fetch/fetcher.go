// Package fetch materializes single archived pages: index lookup, ranged
// segment download, record reconstruction, and cache-through, with in-flight
// deduplication so concurrent requests for the same page pay for one
// download.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	commoncrawl "github.com/gofullthrottle/common-crawl-mcp-server"
	"github.com/gofullthrottle/common-crawl-mcp-server/cache"
	"github.com/gofullthrottle/common-crawl-mcp-server/cdx"
	"github.com/gofullthrottle/common-crawl-mcp-server/objectstore"
	"github.com/gofullthrottle/common-crawl-mcp-server/telemetry"
	"github.com/gofullthrottle/common-crawl-mcp-server/warc"
)

// DefaultTTL is how long fetched pages stay cached. Archive content at a
// given capture is immutable, so the TTL only bounds disk usage.
const DefaultTTL = 7 * 24 * time.Hour

// ErrNotArchived is returned when the index has no capture of a URL in the
// requested snapshot.
var ErrNotArchived = errors.New("url not archived in snapshot")

// PageContent is one materialized page capture.
type PageContent struct {
	URL           string            `json:"url"`
	SnapshotID    string            `json:"snapshot_id"`
	Timestamp     string            `json:"timestamp"`
	MimeType      string            `json:"mime_type"`
	StatusCode    int               `json:"status_code"`
	StatusAssumed bool              `json:"status_assumed,omitempty"`
	Headers       map[string]string `json:"headers"`
	Body          []byte            `json:"body"`
}

// Fetcher fetches archived pages through the cache.
type Fetcher struct {
	index  *cdx.Client
	store  *objectstore.Client
	cache  *cache.Manager
	logger *slog.Logger
	ttl    time.Duration
	group  singleflight.Group
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithTTL sets the cache TTL for fetched pages.
func WithTTL(ttl time.Duration) Option {
	return func(f *Fetcher) {
		f.ttl = ttl
	}
}

// New creates a Fetcher. All dependencies are injected; the fetcher builds
// nothing lazily.
func New(index *cdx.Client, store *objectstore.Client, cacheManager *cache.Manager, opts ...Option) *Fetcher {
	f := &Fetcher{
		index:  index,
		store:  store,
		cache:  cacheManager,
		logger: slog.Default(),
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Page returns the archived content of url in the given snapshot. An empty
// snapshotID resolves to the latest snapshot before the cache key is built,
// so "latest" requests alias correctly once the snapshot is known.
func (f *Fetcher) Page(ctx context.Context, url, snapshotID string) (*PageContent, error) {
	if snapshotID == "" {
		latest, err := f.index.LatestSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving latest snapshot: %w", err)
		}
		snapshotID = latest
	}

	key := pageKey(url, snapshotID)

	if data, ok := f.cache.Get(ctx, key); ok {
		var page PageContent
		if err := json.Unmarshal(data, &page); err == nil {
			return &page, nil
		}
		f.logger.Warn("discarding undecodable cached page", slog.String("url", url))
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		return f.fetchAndCache(ctx, url, snapshotID, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PageContent), nil
}

// PageByRecord materializes a page from an already-known index record,
// skipping the index lookup. Used when the caller has just enumerated a
// domain and holds the record in hand.
func (f *Fetcher) PageByRecord(ctx context.Context, rec commoncrawl.IndexRecord, snapshotID string) (*PageContent, error) {
	key := pageKey(rec.URL, snapshotID)

	if data, ok := f.cache.Get(ctx, key); ok {
		var page PageContent
		if err := json.Unmarshal(data, &page); err == nil {
			return &page, nil
		}
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		page, err := f.materialize(ctx, rec, snapshotID)
		if err != nil {
			return nil, err
		}
		f.cachePage(ctx, key, page)
		return page, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PageContent), nil
}

func (f *Fetcher) fetchAndCache(ctx context.Context, url, snapshotID, key string) (*PageContent, error) {
	records, err := f.index.Search(ctx, url, snapshotID, 5, cdx.MatchExact)
	if err != nil {
		return nil, fmt.Errorf("searching index for %s: %w", url, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s in %s: %w", url, snapshotID, ErrNotArchived)
	}

	rec := pickRecord(records)

	page, err := f.materialize(ctx, rec, snapshotID)
	if err != nil {
		return nil, err
	}
	f.cachePage(ctx, key, page)
	return page, nil
}

// materialize downloads just the record's byte range from its segment file
// and reconstructs the captured HTTP response.
func (f *Fetcher) materialize(ctx context.Context, rec commoncrawl.IndexRecord, snapshotID string) (*PageContent, error) {
	segment, err := f.store.DownloadRange(ctx, rec.Filename, rec.Offset, rec.RangeEnd())
	if err != nil {
		return nil, fmt.Errorf("downloading record bytes: %w", err)
	}

	record, ok := warc.Locate(segment, rec.URL)
	if !ok {
		// The ranged read holds exactly one record; trust the index
		// row over the record's own URI spelling.
		record = firstResponse(segment)
		if record == nil {
			return nil, fmt.Errorf("no response record at %s offset %d", rec.Filename, rec.Offset)
		}
	}
	telemetry.RecordParsedRecords(ctx, 1, 0)

	resp, ok := record.ToHTTPResponse()
	if !ok {
		return nil, fmt.Errorf("record at %s offset %d is not a response", rec.Filename, rec.Offset)
	}
	if resp.StatusAssumed {
		telemetry.RecordAssumedStatus(ctx)
		f.logger.Debug("assumed status 200 for capture without header boundary",
			slog.String("url", rec.URL))
	}

	return &PageContent{
		URL:           rec.URL,
		SnapshotID:    snapshotID,
		Timestamp:     rec.Timestamp,
		MimeType:      rec.MimeType,
		StatusCode:    resp.StatusCode,
		StatusAssumed: resp.StatusAssumed,
		Headers:       resp.Headers,
		Body:          resp.Body,
	}, nil
}

func (f *Fetcher) cachePage(ctx context.Context, key string, page *PageContent) {
	data, err := json.Marshal(page)
	if err != nil {
		f.logger.Warn("failed to encode page for cache", slog.Any("error", err))
		return
	}
	if err := f.cache.Set(ctx, key, data, f.ttl); err != nil {
		f.logger.Warn("failed to cache page", slog.String("url", page.URL), slog.Any("error", err))
	}
}

// pickRecord prefers the first capture with a 200 status; otherwise the
// first capture wins.
func pickRecord(records []commoncrawl.IndexRecord) commoncrawl.IndexRecord {
	for _, rec := range records {
		if rec.StatusCode == 200 {
			return rec
		}
	}
	return records[0]
}

func firstResponse(segment []byte) *warc.Record {
	for r := range warc.Parse(segment) {
		if r.Type == "response" {
			return r
		}
	}
	return nil
}

func pageKey(url, snapshotID string) string {
	return fmt.Sprintf("page:%s:%s", snapshotID, url)
}
