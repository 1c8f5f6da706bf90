// Package objectstore implements the streaming client for the archive's
// remote object store: anonymous ranged reads, existence probing without
// metadata calls, transparent decompression, and transfer cost accounting.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/gofullthrottle/common-crawl-mcp-server/cdx"
	"github.com/gofullthrottle/common-crawl-mcp-server/telemetry"
)

const (
	// DefaultBaseURL is the public HTTP front of the archive bucket.
	DefaultBaseURL = "https://data.commoncrawl.org"

	// DefaultTimeout is the per-request timeout for downloads.
	DefaultTimeout = 5 * time.Minute

	// DefaultCostPerGB is the assumed egress rate in USD per gigabyte,
	// used for the running cost estimate.
	DefaultCostPerGB = 0.09

	// streamChunkSize is the read granularity of StreamDecompressed.
	streamChunkSize = 64 * 1024
)

// ErrNotFound is returned when an object does not exist in the store.
// Anonymous access to a public bucket reports a missing key as either 403 or
// 404; both resolve to this error.
var ErrNotFound = errors.New("object not found")

// Client downloads objects over anonymous HTTP. All requests pass through
// the limiter, which may be shared with the index client to bound aggregate
// outbound connections. The client performs no internal retries.
type Client struct {
	baseURL   string
	client    *http.Client
	limiter   *cdx.Limiter
	logger    *slog.Logger
	costPerGB float64

	bytesTransferred atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the object store base URL.
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

// WithLimiter sets the request limiter, usually shared with the index
// client.
func WithLimiter(l *cdx.Limiter) Option {
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

// WithCostPerGB sets the per-gigabyte egress rate for cost estimates.
func WithCostPerGB(rate float64) Option {
	return func(c *Client) {
		c.costPerGB = rate
	}
}

// New creates an object store client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:    slog.Default(),
		costPerGB: DefaultCostPerGB,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = cdx.NewLimiter(cdx.DefaultMaxConcurrent, 0)
	}
	return c
}

// BytesTransferred returns the total bytes downloaded so far.
func (c *Client) BytesTransferred() int64 {
	return c.bytesTransferred.Load()
}

// EstimatedCostUSD returns the estimated egress cost of all transfers so
// far, a linear function of bytes transferred.
func (c *Client) EstimatedCostUSD() float64 {
	return c.cost(c.bytesTransferred.Load())
}

func (c *Client) cost(bytes int64) float64 {
	return float64(bytes) / (1 << 30) * c.costPerGB
}

// ResetCostTracking zeroes the transfer counters. Telemetry counters are
// cumulative and unaffected.
func (c *Client) ResetCostTracking() {
	c.bytesTransferred.Store(0)
}

// Exists reports whether an object exists. Implemented as a 1-byte range
// probe because the store rejects anonymous HEAD and metadata calls.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.probe(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Size returns the object's total size in bytes, recovered from the
// content-range metadata of a 1-byte probe rather than a separate call.
func (c *Client) Size(ctx context.Context, key string) (int64, error) {
	return c.probe(ctx, key)
}

// probe issues a bytes=0-0 range read. A satisfiable range response carries
// the total size in its Content-Range header; a range-not-satisfiable
// response still proves an (empty) object exists.
func (c *Client) probe(ctx context.Context, key string) (int64, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return 0, fmt.Errorf("acquiring request slot: %w", err)
	}
	defer c.limiter.Release()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.client.Do(req)
	if err != nil {
		telemetry.RecordObjectTransfer(ctx, "probe", "error", 0, 0, time.Since(start))
		return 0, fmt.Errorf("performing probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		size, err := totalFromContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			telemetry.RecordObjectTransfer(ctx, "probe", "error", 0, 0, time.Since(start))
			return 0, err
		}
		telemetry.RecordObjectTransfer(ctx, "probe", "ok", 0, 0, time.Since(start))
		return size, nil
	case http.StatusOK:
		// Server ignored the range header and returned the whole object.
		telemetry.RecordObjectTransfer(ctx, "probe", "ok", 0, 0, time.Since(start))
		return resp.ContentLength, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// An empty object exists but has no byte 0.
		telemetry.RecordObjectTransfer(ctx, "probe", "ok", 0, 0, time.Since(start))
		return 0, nil
	case http.StatusForbidden, http.StatusNotFound:
		telemetry.RecordObjectTransfer(ctx, "probe", "not_found", 0, 0, time.Since(start))
		return 0, fmt.Errorf("probing %s: %w", key, ErrNotFound)
	default:
		telemetry.RecordObjectTransfer(ctx, "probe", "error", 0, 0, time.Since(start))
		return 0, fmt.Errorf("probe returned unexpected status %d", resp.StatusCode)
	}
}

// totalFromContentRange extracts the total size from a Content-Range value
// of the form "bytes 0-0/12345" or "bytes */0".
func totalFromContentRange(header string) (int64, error) {
	_, total, ok := strings.Cut(header, "/")
	if !ok {
		return 0, fmt.Errorf("malformed content-range %q", header)
	}
	if total == "*" {
		return 0, fmt.Errorf("content-range %q carries no total size", header)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing content-range total %q: %w", total, err)
	}
	return size, nil
}

// Download fetches a whole object.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	return c.fetch(ctx, "download", key, -1, -1)
}

// DownloadRange fetches the inclusive byte range [start, end] of an object.
// This is how individual archive records are extracted from multi-gigabyte
// segment files without paying for the whole segment.
func (c *Client) DownloadRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid byte range %d-%d", start, end)
	}
	return c.fetch(ctx, "download_range", key, start, end)
}

func (c *Client) fetch(ctx context.Context, op, key string, start, end int64) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquiring request slot: %w", err)
	}
	defer c.limiter.Release()

	began := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if start >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		telemetry.RecordObjectTransfer(ctx, op, "error", 0, 0, time.Since(began))
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusForbidden, http.StatusNotFound:
		telemetry.RecordObjectTransfer(ctx, op, "not_found", 0, 0, time.Since(began))
		return nil, fmt.Errorf("fetching %s: %w", key, ErrNotFound)
	default:
		telemetry.RecordObjectTransfer(ctx, op, "error", 0, 0, time.Since(began))
		return nil, fmt.Errorf("store returned unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		telemetry.RecordObjectTransfer(ctx, op, "error", int64(len(data)), c.cost(int64(len(data))), time.Since(began))
		c.account(int64(len(data)))
		return nil, fmt.Errorf("reading response: %w", err)
	}

	n := int64(len(data))
	c.account(n)
	telemetry.RecordObjectTransfer(ctx, op, "ok", n, c.cost(n), time.Since(began))

	return data, nil
}

func (c *Client) account(bytes int64) {
	if bytes > 0 {
		c.bytesTransferred.Add(bytes)
	}
}

// StreamDecompressed lazily yields decompressed chunks of an object. The
// compression wrapper is detected from the first bytes of the stream; an
// object that is not actually compressed is yielded raw rather than failing.
// The sequence is finite and single-use per call.
func (c *Client) StreamDecompressed(ctx context.Context, key string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if err := c.limiter.Acquire(ctx); err != nil {
			yield(nil, fmt.Errorf("acquiring request slot: %w", err))
			return
		}
		defer c.limiter.Release()

		began := time.Now()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
		if err != nil {
			yield(nil, fmt.Errorf("creating request: %w", err))
			return
		}

		resp, err := c.client.Do(req)
		if err != nil {
			telemetry.RecordObjectTransfer(ctx, "stream", "error", 0, 0, time.Since(began))
			yield(nil, fmt.Errorf("performing request: %w", err))
			return
		}
		defer func() { _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusForbidden, http.StatusNotFound:
			telemetry.RecordObjectTransfer(ctx, "stream", "not_found", 0, 0, time.Since(began))
			yield(nil, fmt.Errorf("fetching %s: %w", key, ErrNotFound))
			return
		default:
			telemetry.RecordObjectTransfer(ctx, "stream", "error", 0, 0, time.Since(began))
			yield(nil, fmt.Errorf("store returned unexpected status %d", resp.StatusCode))
			return
		}

		counted := &countingReader{r: resp.Body}
		reader, err := maybeGunzip(counted)
		if err != nil {
			c.account(counted.n)
			telemetry.RecordObjectTransfer(ctx, "stream", "error", counted.n, c.cost(counted.n), time.Since(began))
			yield(nil, err)
			return
		}

		outcome := "ok"
		defer func() {
			c.account(counted.n)
			telemetry.RecordObjectTransfer(ctx, "stream", outcome, counted.n, c.cost(counted.n), time.Since(began))
		}()

		buf := make([]byte, streamChunkSize)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				outcome = "error"
				yield(nil, fmt.Errorf("reading stream: %w", err))
				return
			}
		}
	}
}

// maybeGunzip wraps r in a gzip reader when the stream starts with the gzip
// magic bytes and the header parses; otherwise the raw stream is returned,
// including the bytes already inspected. The first chunk is buffered so a
// failed decompression attempt loses nothing.
func maybeGunzip(r io.Reader) (io.Reader, error) {
	first := make([]byte, streamChunkSize)
	n, err := io.ReadFull(r, first)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("reading stream head: %w", err)
	}
	first = first[:n]

	if n < 2 || first[0] != 0x1f || first[1] != 0x8b {
		return io.MultiReader(bytes.NewReader(first), r), nil
	}

	zr, err := gzip.NewReader(io.MultiReader(bytes.NewReader(first), r))
	if err != nil {
		// Looks compressed but is not.
		return io.MultiReader(bytes.NewReader(first), r), nil
	}
	return zr, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

func (c *Client) objectURL(key string) string {
	return c.baseURL + "/" + strings.TrimPrefix(key, "/")
}
