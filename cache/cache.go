// Package cache implements the tiered cache that absorbs repeated remote
// archive lookups: a bounded in-process hot set, an optional best-effort
// shared remote tier, and a local persistent tier of framed blobs addressed
// by a hash of the logical key, with metadata tracked in an embedded
// relational store.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync/atomic"
	"time"

	commoncrawl "github.com/gofullthrottle/common-crawl-mcp-server"
	"github.com/gofullthrottle/common-crawl-mcp-server/backend"
	"github.com/gofullthrottle/common-crawl-mcp-server/cache/metadata"
	"github.com/gofullthrottle/common-crawl-mcp-server/telemetry"
)

const (
	// DefaultMemoryCapacity bounds the in-process hot set by entry count.
	DefaultMemoryCapacity = 1000

	// DefaultMaxSizeBytes bounds the persistent tier (1 GiB).
	DefaultMaxSizeBytes = 1 << 30

	// evictionFraction is the share of entries removed per eviction pass.
	evictionFraction = 10 // one tenth
)

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRatePercent float64 `json:"hit_rate_percent"`
	Evictions      int64   `json:"evictions"`
	EntryCount     int64   `json:"entry_count"`
	SizeBytes      int64   `json:"size_bytes"`
}

// Manager coordinates the three cache tiers. Safe for concurrent use: the
// memory tier has its own lock, the metadata store is transactional per key,
// and blob writes are atomic renames, so concurrent fetches for different
// keys never block each other. Concurrent writes to the same key are
// last-write-wins, which is acceptable because archive content is immutable.
type Manager struct {
	blobs      backend.Backend
	meta       *metadata.Store
	mem        *memoryTier
	remote     RemoteTier
	logger     *slog.Logger
	now        func() time.Time
	maxBytes   int64
	memCap     int
	defaultTTL time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time source, used by tests to control TTL expiry.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRemote attaches an optional shared remote tier.
func WithRemote(remote RemoteTier) Option {
	return func(m *Manager) {
		m.remote = remote
	}
}

// WithMemoryCapacity bounds the in-process tier by entry count.
func WithMemoryCapacity(entries int) Option {
	return func(m *Manager) {
		m.memCap = entries
	}
}

// WithMaxSize bounds the persistent tier in bytes. Zero disables eviction.
func WithMaxSize(maxBytes int64) Option {
	return func(m *Manager) {
		m.maxBytes = maxBytes
	}
}

// WithDefaultTTL sets the TTL applied when Set is called with a zero TTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.defaultTTL = ttl
	}
}

// New creates a Manager rooted at dir. Blobs live under dir/blobs in sharded
// subdirectories; metadata lives in dir/metadata.db.
func New(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		logger:   slog.Default(),
		now:      time.Now,
		maxBytes: DefaultMaxSizeBytes,
		memCap:   DefaultMemoryCapacity,
	}
	for _, opt := range opts {
		opt(m)
	}

	fs, err := backend.NewFilesystem(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, fmt.Errorf("creating blob backend: %w", err)
	}
	m.blobs = fs

	meta, err := metadata.Open(filepath.Join(dir, "metadata.db"),
		metadata.WithLogger(m.logger),
		metadata.WithNow(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	m.meta = meta

	m.mem = newMemoryTier(m.memCap)

	return m, nil
}

// Close releases the metadata store.
func (m *Manager) Close() error {
	return m.meta.Close()
}

// Get returns the cached value for key, checking tiers fastest to slowest.
// A hit in a lower tier populates the tiers above it. All failures below the
// memory tier degrade to a miss; the cache is advisory, never load-bearing.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	h := commoncrawl.KeyHash(key)
	now := m.now()

	if value, ok := m.mem.get(h, now); ok {
		m.hits.Add(1)
		telemetry.RecordCacheLookup(ctx, "memory", true)
		return value, true
	}
	telemetry.RecordCacheLookup(ctx, "memory", false)

	if m.remote != nil {
		value, ttl, found, err := m.remote.Get(ctx, h)
		switch {
		case err != nil:
			m.logger.Warn("remote cache tier failed, treating as miss",
				slog.String("key_hash", h.ShortString()), slog.Any("error", err))
			telemetry.RecordCacheLookup(ctx, "remote", false)
		case found:
			m.hits.Add(1)
			telemetry.RecordCacheLookup(ctx, "remote", true)
			m.mem.set(h, value, ttl, now)
			return value, true
		default:
			telemetry.RecordCacheLookup(ctx, "remote", false)
		}
	}

	value, ttl, ok := m.getPersistent(ctx, h, now)
	telemetry.RecordCacheLookup(ctx, "disk", ok)
	if !ok {
		m.misses.Add(1)
		return nil, false
	}

	// Repopulate the higher tiers with the entry's remaining lifetime, not
	// a fresh one, so a disk hit cannot extend an entry past its deadline.
	m.hits.Add(1)
	m.mem.set(h, value, ttl, now)
	if m.remote != nil {
		if err := m.remote.Set(ctx, h, value, ttl); err != nil {
			m.logger.Warn("remote cache tier populate failed",
				slog.String("key_hash", h.ShortString()), slog.Any("error", err))
		}
	}
	return value, true
}

// getPersistent reads one entry from the persistent tier, enforcing TTL
// lazily and self-healing metadata/blob disagreements to a miss. On a hit it
// also returns the entry's remaining TTL (zero for entries without expiry).
func (m *Manager) getPersistent(ctx context.Context, h commoncrawl.Hash, now time.Time) ([]byte, time.Duration, bool) {
	entry, err := m.meta.Get(ctx, h.String())
	if err != nil {
		if !errors.Is(err, metadata.ErrNotFound) {
			m.logger.Warn("metadata read failed, treating as miss",
				slog.String("key_hash", h.ShortString()), slog.Any("error", err))
		}
		return nil, 0, false
	}

	// Remaining == 0 with a positive TTL means the entry dies this instant;
	// treat it as expired so the memory tier never reads it as unbounded.
	remaining := entry.Remaining(now)
	if entry.TTLSeconds > 0 && remaining <= 0 {
		m.deletePersistent(ctx, h)
		return nil, 0, false
	}

	rc, err := m.blobs.Read(ctx, h.ShardKey())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			// Metadata row without a blob. Drop the row so the next
			// write recreates both sides.
			m.logger.Warn("cache blob missing for metadata row, self-healing",
				slog.String("key_hash", h.ShortString()))
			if derr := m.meta.Delete(ctx, h.String()); derr != nil {
				m.logger.Warn("metadata self-heal delete failed",
					slog.String("key_hash", h.ShortString()), slog.Any("error", derr))
			}
		} else {
			m.logger.Warn("cache blob read failed, treating as miss",
				slog.String("key_hash", h.ShortString()), slog.Any("error", err))
		}
		return nil, 0, false
	}
	defer rc.Close()

	header, valueReader, err := backend.ReadFramed(rc)
	if err != nil || header.KeyHash != h.String() {
		m.logger.Warn("cache blob corrupt, self-healing",
			slog.String("key_hash", h.ShortString()), slog.Any("error", err))
		m.deletePersistent(ctx, h)
		return nil, 0, false
	}

	value, err := io.ReadAll(valueReader)
	if err != nil {
		m.logger.Warn("cache blob read failed, treating as miss",
			slog.String("key_hash", h.ShortString()), slog.Any("error", err))
		return nil, 0, false
	}

	if err := m.meta.Touch(ctx, h.String()); err != nil {
		m.logger.Warn("metadata touch failed",
			slog.String("key_hash", h.ShortString()), slog.Any("error", err))
	}

	return value, remaining, true
}

// Set writes the value to all tiers. Remote tier failures are logged and
// swallowed; a persistent tier failure is returned. A zero ttl falls back to
// the manager's default TTL, and a negative ttl stores with no expiry.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	h := commoncrawl.KeyHash(key)
	now := m.now()

	if ttl == 0 {
		ttl = m.defaultTTL
	}
	ttlSeconds := int64(ttl.Seconds())
	if ttl < 0 {
		ttlSeconds = 0
	}

	m.mem.set(h, value, ttl, now)

	if m.remote != nil {
		if err := m.remote.Set(ctx, h, value, ttl); err != nil {
			m.logger.Warn("remote cache tier write failed",
				slog.String("key_hash", h.ShortString()), slog.Any("error", err))
		}
	}

	header := &backend.EntryHeader{
		KeyHash:       h.String(),
		CreatedAt:     now.UTC().Format(time.RFC3339Nano),
		TTLSeconds:    ttlSeconds,
		ContentHash:   commoncrawl.HashBytes(value).String(),
		ContentLength: int64(len(value)),
	}

	var buf bytes.Buffer
	if err := backend.WriteFramed(&buf, header, bytes.NewReader(value)); err != nil {
		return fmt.Errorf("framing cache entry: %w", err)
	}
	if err := m.blobs.Write(ctx, h.ShardKey(), &buf); err != nil {
		return fmt.Errorf("writing cache blob: %w", err)
	}

	if err := m.meta.Put(ctx, &metadata.Entry{
		KeyHash:      h.String(),
		SizeBytes:    int64(len(value)),
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  0,
		TTLSeconds:   ttlSeconds,
	}); err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}

	m.maybeEvict(ctx)

	return nil
}

// Delete removes key from all local tiers. Idempotent.
func (m *Manager) Delete(ctx context.Context, key string) error {
	h := commoncrawl.KeyHash(key)
	m.mem.delete(h)
	return m.deletePersistent(ctx, h)
}

func (m *Manager) deletePersistent(ctx context.Context, h commoncrawl.Hash) error {
	if err := m.blobs.Delete(ctx, h.ShardKey()); err != nil {
		return fmt.Errorf("deleting cache blob: %w", err)
	}
	if err := m.meta.Delete(ctx, h.String()); err != nil {
		return fmt.Errorf("deleting cache metadata: %w", err)
	}
	return nil
}

// maybeEvict removes the least-recently-accessed tenth of entries (minimum
// one) whenever the persistent tier exceeds its size bound. Ranking uses the
// persisted last-accessed timestamps, an approximate LRU rather than an
// exact global clock. Eviction never blocks concurrent reads: each victim is
// removed with independent per-key operations.
func (m *Manager) maybeEvict(ctx context.Context) {
	if m.maxBytes <= 0 {
		return
	}

	total, err := m.meta.TotalSize(ctx)
	if err != nil {
		m.logger.Warn("cache size check failed", slog.Any("error", err))
		return
	}
	if total <= m.maxBytes {
		return
	}

	count, err := m.meta.Count(ctx)
	if err != nil {
		m.logger.Warn("cache count failed", slog.Any("error", err))
		return
	}

	victims := int(count) / evictionFraction
	if victims < 1 {
		victims = 1
	}

	keyHashes, err := m.meta.LeastRecentlyAccessed(ctx, victims)
	if err != nil {
		m.logger.Warn("eviction candidate query failed", slog.Any("error", err))
		return
	}

	evicted := 0
	for _, keyHash := range keyHashes {
		h, err := commoncrawl.ParseHash(keyHash)
		if err != nil {
			m.logger.Warn("skipping unparsable key hash during eviction",
				slog.String("key_hash", keyHash), slog.Any("error", err))
			continue
		}
		m.mem.delete(h)
		if err := m.deletePersistent(ctx, h); err != nil {
			m.logger.Warn("eviction failed for entry",
				slog.String("key_hash", h.ShortString()), slog.Any("error", err))
			continue
		}
		evicted++
	}

	m.evictions.Add(int64(evicted))
	telemetry.RecordCacheEviction(ctx, evicted)

	m.logger.Debug("evicted cache entries",
		slog.Int("evicted", evicted),
		slog.Int64("size_before", total),
		slog.Int64("max_bytes", m.maxBytes))

	if newTotal, err := m.meta.TotalSize(ctx); err == nil {
		if newCount, err := m.meta.Count(ctx); err == nil {
			telemetry.UpdateCacheState(ctx, newCount, newTotal)
		}
	}
}

// Clear drops every entry from all tiers. Remote failures are logged and
// swallowed.
func (m *Manager) Clear(ctx context.Context) error {
	m.mem.clear()

	if m.remote != nil {
		if err := m.remote.Clear(ctx); err != nil {
			m.logger.Warn("remote cache tier clear failed", slog.Any("error", err))
		}
	}

	keys, err := m.blobs.List(ctx, "")
	if err != nil {
		return fmt.Errorf("listing cache blobs: %w", err)
	}
	for _, key := range keys {
		if err := m.blobs.Delete(ctx, key); err != nil {
			return fmt.Errorf("deleting cache blob %s: %w", key, err)
		}
	}

	if err := m.meta.Clear(ctx); err != nil {
		return fmt.Errorf("clearing cache metadata: %w", err)
	}

	return nil
}

// Stats returns a snapshot of cache effectiveness counters and the current
// persistent tier footprint.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	count, err := m.meta.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting cache entries: %w", err)
	}
	size, err := m.meta.TotalSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("sizing cache: %w", err)
	}

	hits := m.hits.Load()
	misses := m.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = math.Round(float64(hits)/float64(hits+misses)*100*100) / 100
	}

	return &Stats{
		Hits:           hits,
		Misses:         misses,
		HitRatePercent: hitRate,
		Evictions:      m.evictions.Load(),
		EntryCount:     count,
		SizeBytes:      size,
	}, nil
}
