// Package aggregate folds per-page archive captures into domain-level
// reports: technology adoption, link graphs with PageRank, keyword
// statistics, evolution timelines, and security header analysis. Work fans
// out under a bounded concurrency gate and partial failures never abort a
// batch.
package aggregate

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/PuerkitoBio/purell"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	commoncrawl "github.com/gofullthrottle/common-crawl-mcp-server"
	"github.com/gofullthrottle/common-crawl-mcp-server/cache"
	"github.com/gofullthrottle/common-crawl-mcp-server/fetch"
	"github.com/gofullthrottle/common-crawl-mcp-server/telemetry"
)

const (
	// DefaultConcurrency is the fan-out width for single-snapshot reports.
	DefaultConcurrency = 10

	// DefaultTimelineConcurrency is the lower width used for timeline work,
	// which multiplies the fan-out by the number of snapshots.
	DefaultTimelineConcurrency = 5

	// DefaultReportTTL is how long computed reports stay cached. Source
	// archive data is immutable, so a long TTL is safe.
	DefaultReportTTL = 7 * 24 * time.Hour
)

// IndexClient enumerates a domain's captures. Satisfied by *cdx.Client.
type IndexClient interface {
	StreamDomain(ctx context.Context, domain, snapshotID string, limit int) iter.Seq[commoncrawl.IndexRecord]
	LatestSnapshot(ctx context.Context) (string, error)
}

// PageFetcher materializes page captures. Satisfied by *fetch.Fetcher.
type PageFetcher interface {
	Page(ctx context.Context, url, snapshotID string) (*fetch.PageContent, error)
	PageByRecord(ctx context.Context, rec commoncrawl.IndexRecord, snapshotID string) (*fetch.PageContent, error)
}

// Engine computes domain-level reports. All dependencies are injected at
// construction; nothing is built lazily.
type Engine struct {
	index    IndexClient
	fetcher  PageFetcher
	cache    *cache.Manager
	logger   *slog.Logger
	width    int64
	tlWidth  int64
	ttl      time.Duration
	now      func() time.Time
	newRunID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConcurrency sets the fan-out width for single-snapshot reports.
func WithConcurrency(width int64) Option {
	return func(e *Engine) {
		e.width = width
	}
}

// WithTimelineConcurrency sets the fan-out width for timeline reports.
func WithTimelineConcurrency(width int64) Option {
	return func(e *Engine) {
		e.tlWidth = width
	}
}

// WithReportTTL sets the cache TTL for computed reports.
func WithReportTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.ttl = ttl
	}
}

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(index IndexClient, fetcher PageFetcher, cacheManager *cache.Manager, opts ...Option) *Engine {
	e := &Engine{
		index:    index,
		fetcher:  fetcher,
		cache:    cacheManager,
		logger:   slog.Default(),
		width:    DefaultConcurrency,
		tlWidth:  DefaultTimelineConcurrency,
		ttl:      DefaultReportTTL,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// resolveSnapshot turns an empty snapshot id into the latest one so cache
// keys always name a concrete snapshot.
func (e *Engine) resolveSnapshot(ctx context.Context, snapshotID string) (string, error) {
	if snapshotID != "" {
		return snapshotID, nil
	}
	return e.index.LatestSnapshot(ctx)
}

// canonicalURL is the dedup key for candidate URLs. Normalization failures
// fall back to the raw URL rather than dropping the candidate.
func canonicalURL(raw string) string {
	normalized, err := purell.NormalizeURLString(raw,
		purell.FlagsUsuallySafeGreedy|purell.FlagRemoveFragment)
	if err != nil {
		return raw
	}
	return normalized
}

// candidates enumerates a domain's index records, deduplicated by
// normalized URL and truncated to sampleSize. The index may return the same
// URL under many capture timestamps; only the first capture per URL is kept.
func (e *Engine) candidates(ctx context.Context, domain, snapshotID string, sampleSize int) []commoncrawl.IndexRecord {
	seen := make(map[string]bool, sampleSize)
	var records []commoncrawl.IndexRecord

	for rec := range e.index.StreamDomain(ctx, domain, snapshotID, 0) {
		key := canonicalURL(rec.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		records = append(records, rec)
		if len(records) >= sampleSize {
			break
		}
	}
	return records
}

// fetchAll fans the candidate records out under a bounded concurrency gate
// and folds successful fetches by URL. Results are unordered with respect to
// the input; failures are logged and counted, never raised.
func (e *Engine) fetchAll(ctx context.Context, report string, records []commoncrawl.IndexRecord, snapshotID string, width int64) map[string]*fetch.PageContent {
	sem := semaphore.NewWeighted(width)
	var mu sync.Mutex
	pages := make(map[string]*fetch.PageContent, len(records))

	var wg sync.WaitGroup
	for _, rec := range records {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(rec commoncrawl.IndexRecord) {
			defer wg.Done()
			defer sem.Release(1)

			page, err := e.fetcher.PageByRecord(ctx, rec, snapshotID)
			if err != nil {
				telemetry.RecordPageAnalysis(ctx, report, false)
				e.logger.Warn("skipping failed page fetch",
					slog.String("report", report),
					slog.String("url", rec.URL),
					slog.Any("error", err))
				return
			}
			telemetry.RecordPageAnalysis(ctx, report, true)

			mu.Lock()
			pages[canonicalURL(page.URL)] = page
			mu.Unlock()
		}(rec)
	}
	wg.Wait()

	return pages
}

// loadReport returns a previously computed report from the cache.
func loadReport[T any](ctx context.Context, e *Engine, key string) (*T, bool) {
	data, ok := e.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var report T
	if err := json.Unmarshal(data, &report); err != nil {
		e.logger.Warn("discarding undecodable cached report", slog.String("key", key))
		return nil, false
	}
	return &report, true
}

// storeReport caches a computed report under its deterministic key.
func (e *Engine) storeReport(ctx context.Context, key string, report any) {
	data, err := json.Marshal(report)
	if err != nil {
		e.logger.Warn("failed to encode report for cache", slog.Any("error", err))
		return
	}
	if err := e.cache.Set(ctx, key, data, e.ttl); err != nil {
		e.logger.Warn("failed to cache report", slog.String("key", key), slog.Any("error", err))
	}
}
