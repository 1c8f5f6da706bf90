// Package cdx implements the rate-limited client for the archive's remote
// index API: snapshot listing, positional-schema searches, and lazy paginated
// domain enumeration.
package cdx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	commoncrawl "github.com/gofullthrottle/common-crawl-mcp-server"
	"github.com/gofullthrottle/common-crawl-mcp-server/telemetry"
)

const (
	// DefaultIndexURL is the public index server.
	DefaultIndexURL = "https://index.commoncrawl.org"

	// DefaultTimeout is the per-request timeout for index queries.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxConcurrent bounds simultaneous in-flight index requests.
	DefaultMaxConcurrent = 5

	// DefaultRequestsPerSecond paces successive index requests.
	DefaultRequestsPerSecond = 2.0

	// indexLineFields is the positional schema width of one search result
	// line: [urlkey, timestamp, url, mime, status, digest, length, offset,
	// filename].
	indexLineFields = 9
)

// ErrNoSnapshots is returned when the index server lists no snapshots.
var ErrNoSnapshots = errors.New("index server returned no snapshots")

// MatchType selects the URL matching mode for index searches.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchPrefix MatchType = "prefix"
	MatchDomain MatchType = "domain"
	MatchRange  MatchType = "range"
)

// Client queries the archive index server. All requests pass through the
// client's limiter; the client performs no internal retries.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the index server base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithLimiter sets the request limiter, allowing the limiter to be shared
// with the object store client.
func WithLimiter(l *Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithNow sets the time source used for snapshot date decoding.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates an index client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultIndexURL,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = NewLimiter(DefaultMaxConcurrent, DefaultRequestsPerSecond)
	}
	return c
}

// ListSnapshots returns all crawl snapshots known to the index server,
// newest first by decoded date.
func (c *Client) ListSnapshots(ctx context.Context) ([]commoncrawl.CrawlSnapshot, error) {
	body, err := c.doGet(ctx, "collinfo", c.baseURL+"/collinfo.json")
	if err != nil {
		return nil, err
	}

	var listed []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &listed); err != nil {
		return nil, fmt.Errorf("decoding snapshot listing: %w", err)
	}

	now := c.now()
	snapshots := make([]commoncrawl.CrawlSnapshot, 0, len(listed))
	for _, s := range listed {
		date := commoncrawl.DecodeSnapshotDate(s.ID, now)
		status := commoncrawl.SnapshotComplete
		if date.Equal(now) {
			status = commoncrawl.SnapshotUnknown
		}
		snapshots = append(snapshots, commoncrawl.CrawlSnapshot{
			ID:     s.ID,
			Name:   s.Name,
			Date:   date,
			Status: status,
		})
	}
	return snapshots, nil
}

// LatestSnapshot returns the id of the snapshot with the maximum decoded
// date. Unparsable ids decode to now, so they can win at most a tie with a
// genuinely current snapshot and never crash the selection.
func (c *Client) LatestSnapshot(ctx context.Context) (string, error) {
	snapshots, err := c.ListSnapshots(ctx)
	if err != nil {
		return "", err
	}
	if len(snapshots) == 0 {
		return "", ErrNoSnapshots
	}

	latest := snapshots[0]
	for _, s := range snapshots[1:] {
		if s.Date.After(latest.Date) {
			latest = s
		}
	}
	return latest.ID, nil
}

// Search queries one snapshot's index. An empty snapshotID resolves to the
// latest snapshot. A "no captures" response from the server is an empty
// result, not an error.
func (c *Client) Search(ctx context.Context, query, snapshotID string, limit int, matchType MatchType) ([]commoncrawl.IndexRecord, error) {
	if snapshotID == "" {
		latest, err := c.LatestSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		snapshotID = latest
	}

	records, _, err := c.searchPage(ctx, query, snapshotID, limit, matchType, -1)
	return records, err
}

// StreamDomain lazily enumerates a domain's index records by advancing an
// explicit page counter. The sequence is finite and restartable by calling
// StreamDomain again; no server-side cursor is retained. It stops at the
// first empty page or once limit records have been yielded, whichever comes
// first. A limit of zero or less means no limit.
func (c *Client) StreamDomain(ctx context.Context, domain, snapshotID string, limit int) iter.Seq[commoncrawl.IndexRecord] {
	return func(yield func(commoncrawl.IndexRecord) bool) {
		yielded := 0
		for page := 0; ; page++ {
			pageLimit := 0
			if limit > 0 {
				pageLimit = limit - yielded
			}

			records, found, err := c.searchPage(ctx, domain, snapshotID, pageLimit, MatchDomain, page)
			if err != nil {
				c.logger.Warn("abandoning domain stream after failed page",
					slog.String("domain", domain),
					slog.Int("page", page),
					slog.Any("error", err))
				return
			}
			if !found || len(records) == 0 {
				return
			}

			for _, rec := range records {
				if !yield(rec) {
					return
				}
				yielded++
				if limit > 0 && yielded >= limit {
					return
				}
			}
		}
	}
}

// searchPage issues one search request. A negative page omits the page
// parameter. found is false when the server reports no captures for the
// query (or the requested page is past the end).
func (c *Client) searchPage(ctx context.Context, query, snapshotID string, limit int, matchType MatchType, page int) (records []commoncrawl.IndexRecord, found bool, err error) {
	params := url.Values{}
	params.Set("url", query)
	params.Set("output", "json")
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if matchType != "" && matchType != MatchExact {
		params.Set("matchType", string(matchType))
	}
	if page >= 0 {
		params.Set("page", strconv.Itoa(page))
	}

	searchURL := fmt.Sprintf("%s/%s-index?%s", c.baseURL, snapshotID, params.Encode())

	data, err := c.doGet(ctx, "search", searchURL)
	if err != nil {
		if errors.Is(err, errNoCaptures) {
			return nil, false, nil
		}
		return nil, false, err
	}

	parsed := 0
	skipped := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, err := parseIndexLine(line)
		if err != nil {
			skipped++
			c.logger.Warn("skipping malformed index line",
				slog.String("line", truncate(line, 120)),
				slog.Any("error", err))
			continue
		}
		parsed++
		records = append(records, rec)
	}
	telemetry.RecordIndexRecords(ctx, parsed, skipped)

	return records, true, nil
}

// errNoCaptures marks a search response meaning "nothing indexed for this
// query", which callers must see as an empty result.
var errNoCaptures = errors.New("no captures")

// doGet issues one rate-limited GET and returns the full response body on
// 200. The body is read while the request slot is still held, so the
// concurrency bound and the pacing interval cover the whole transfer, not
// just the time to headers.
func (c *Client) doGet(ctx context.Context, endpoint, requestURL string) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquiring request slot: %w", err)
	}
	defer c.limiter.Release()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		telemetry.RecordIndexRequest(ctx, endpoint, "error", time.Since(start))
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		telemetry.RecordIndexRequest(ctx, endpoint, "empty", time.Since(start))
		return nil, errNoCaptures
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		telemetry.RecordIndexRequest(ctx, endpoint, "error", time.Since(start))
		return nil, fmt.Errorf("index server returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		telemetry.RecordIndexRequest(ctx, endpoint, "error", time.Since(start))
		return nil, fmt.Errorf("reading response: %w", err)
	}

	telemetry.RecordIndexRequest(ctx, endpoint, "ok", time.Since(start))
	return data, nil
}

// parseIndexLine decodes one newline-delimited positional result:
// [urlkey, timestamp, url, mime, status, digest, length, offset, filename].
// Numeric fields arrive as JSON strings.
func parseIndexLine(line string) (commoncrawl.IndexRecord, error) {
	var fields []string
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return commoncrawl.IndexRecord{}, fmt.Errorf("parsing line: %w", err)
	}
	if len(fields) != indexLineFields {
		return commoncrawl.IndexRecord{}, fmt.Errorf("expected %d fields, got %d", indexLineFields, len(fields))
	}

	statusCode, err := strconv.Atoi(fields[4])
	if err != nil {
		return commoncrawl.IndexRecord{}, fmt.Errorf("parsing status code %q: %w", fields[4], err)
	}
	length, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return commoncrawl.IndexRecord{}, fmt.Errorf("parsing length %q: %w", fields[6], err)
	}
	offset, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return commoncrawl.IndexRecord{}, fmt.Errorf("parsing offset %q: %w", fields[7], err)
	}

	return commoncrawl.IndexRecord{
		URL:        fields[2],
		MimeType:   fields[3],
		StatusCode: statusCode,
		Digest:     fields[5],
		Timestamp:  fields[1],
		Length:     length,
		Offset:     offset,
		Filename:   fields[8],
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
