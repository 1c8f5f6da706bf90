package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	commoncrawl "github.com/gofullthrottle/common-crawl-mcp-server"
)

// RemoteTier is an optional shared cache tier sitting between the in-process
// hot set and the local persistent tier. Implementations are best-effort: the
// manager treats any error as a miss and never propagates it to callers.
type RemoteTier interface {
	// Get returns the cached value, or backend-style absence via found=false.
	// ttl is the value's remaining lifetime as reported by the tier; zero
	// means unknown or unbounded.
	Get(ctx context.Context, key commoncrawl.Hash) (value []byte, ttl time.Duration, found bool, err error)

	// Set stores a value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key commoncrawl.Hash, value []byte, ttl time.Duration) error

	// Clear drops all entries owned by this process's key namespace.
	Clear(ctx context.Context) error
}

// HTTPRemote talks to a shared cache service over plain HTTP: GET/PUT/DELETE
// on /cache/{keyhash}, TTL carried in a request header.
type HTTPRemote struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// HTTPRemoteOption configures an HTTPRemote.
type HTTPRemoteOption func(*HTTPRemote)

// WithRemoteHTTPClient sets a custom HTTP client.
func WithRemoteHTTPClient(c *http.Client) HTTPRemoteOption {
	return func(r *HTTPRemote) {
		r.client = c
	}
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(logger *slog.Logger) HTTPRemoteOption {
	return func(r *HTTPRemote) {
		r.logger = logger
	}
}

// NewHTTPRemote creates a remote tier client for the given base URL.
func NewHTTPRemote(baseURL string, opts ...HTTPRemoteOption) *HTTPRemote {
	r := &HTTPRemote{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ RemoteTier = (*HTTPRemote)(nil)

func (r *HTTPRemote) entryURL(key commoncrawl.Hash) string {
	return fmt.Sprintf("%s/cache/%s", r.baseURL, key.String())
}

func (r *HTTPRemote) Get(ctx context.Context, key commoncrawl.Hash) ([]byte, time.Duration, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.entryURL(key), nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("building remote get request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, false, fmt.Errorf("remote get: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, false, fmt.Errorf("reading remote value: %w", err)
		}
		var ttl time.Duration
		if v := resp.Header.Get("X-Cache-TTL"); v != "" {
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
				ttl = time.Duration(secs) * time.Second
			}
		}
		return data, ttl, true, nil
	case http.StatusNotFound:
		return nil, 0, false, nil
	default:
		return nil, 0, false, fmt.Errorf("remote get: unexpected status %d", resp.StatusCode)
	}
}

func (r *HTTPRemote) Set(ctx context.Context, key commoncrawl.Hash, value []byte, ttl time.Duration) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.entryURL(key), bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("building remote put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if ttl > 0 {
		req.Header.Set("X-Cache-TTL", strconv.FormatInt(int64(ttl.Seconds()), 10))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote put: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("remote put: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (r *HTTPRemote) Clear(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.baseURL+"/cache", nil)
	if err != nil {
		return fmt.Errorf("building remote clear request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote clear: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("remote clear: unexpected status %d", resp.StatusCode)
	}
	return nil
}
