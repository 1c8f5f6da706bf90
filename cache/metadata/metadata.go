// Package metadata provides the embedded relational store for cache entry
// metadata. Every persisted blob has exactly one row here; the cache layer
// treats any disagreement between the two as a miss.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/gofullthrottle/common-crawl-mcp-server/cache/metadata/migrations"

	// SQLite driver for database/sql.
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadata: not found")

// Entry is one cache metadata row. Timestamps are stored as Unix
// milliseconds so injected test clocks keep sub-second resolution.
type Entry struct {
	KeyHash      string
	SizeBytes    int64
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	TTLSeconds   int64
}

// Expired reports whether the entry's TTL has elapsed at the given time.
// A zero TTL never expires.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > time.Duration(e.TTLSeconds)*time.Second
}

// Remaining returns the TTL left at the given time, or zero when the entry
// never expires. Negative for entries already past their deadline.
func (e *Entry) Remaining(now time.Time) time.Duration {
	if e.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(e.TTLSeconds)*time.Second - now.Sub(e.CreatedAt)
}

// Store wraps the SQLite connection holding cache entry metadata.
// All operations are single-statement and therefore independently
// transactional per key; concurrent fetches for different keys never
// block each other beyond SQLite's internal write serialization.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (creating if necessary) the metadata database at path and
// applies any pending migrations. Use ":memory:" for an ephemeral store.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	useMemory := path == ":memory:"

	var dsn string
	if useMemory {
		dsn = "file::memory:?cache=shared"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving database path: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(absPath))
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db = db
	s.logger.Debug("opened cache metadata store", "path", path)
	return s, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("initialising migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	defer func() { _ = sourceDriver.Close() }()

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put inserts or replaces the metadata row for an entry.
func (s *Store) Put(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries
			(key_hash, size_bytes, created_at, last_accessed, access_count, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.KeyHash, e.SizeBytes, e.CreatedAt.UnixMilli(), e.LastAccessed.UnixMilli(),
		e.AccessCount, e.TTLSeconds,
	)
	if err != nil {
		return fmt.Errorf("putting cache entry: %w", err)
	}
	return nil
}

// Get retrieves the metadata row for a key hash.
func (s *Store) Get(ctx context.Context, keyHash string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_hash, size_bytes, created_at, last_accessed, access_count, ttl_seconds
		FROM cache_entries WHERE key_hash = ?`, keyHash)

	var e Entry
	var createdMs, accessedMs int64
	err := row.Scan(&e.KeyHash, &e.SizeBytes, &createdMs, &accessedMs, &e.AccessCount, &e.TTLSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting cache entry: %w", err)
	}
	e.CreatedAt = time.UnixMilli(createdMs).UTC()
	e.LastAccessed = time.UnixMilli(accessedMs).UTC()
	return &e, nil
}

// Touch updates the last access time and increments the access counter.
// A missing row is not an error; the read path self-heals elsewhere.
func (s *Store) Touch(ctx context.Context, keyHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET last_accessed = ?, access_count = access_count + 1
		WHERE key_hash = ?`,
		s.now().UnixMilli(), keyHash,
	)
	if err != nil {
		return fmt.Errorf("touching cache entry: %w", err)
	}
	return nil
}

// Delete removes the metadata row for a key hash (idempotent).
func (s *Store) Delete(ctx context.Context, keyHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key_hash = ?`, keyHash)
	if err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// TotalSize returns the aggregate persisted size in bytes.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM cache_entries`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing cache entry sizes: %w", err)
	}
	return total.Int64, nil
}

// Count returns the number of metadata rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting cache entries: %w", err)
	}
	return n, nil
}

// LeastRecentlyAccessed returns up to limit key hashes ranked by the
// persisted last_accessed field, oldest first. This is the approximate
// LRU ordering eviction operates on.
func (s *Store) LeastRecentlyAccessed(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_hash FROM cache_entries
		ORDER BY last_accessed ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying LRU entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scanning LRU entry: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating LRU entries: %w", err)
	}
	return hashes, nil
}

// Keys returns all key hashes currently tracked.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_hash FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("listing cache entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scanning cache entry: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cache entries: %w", err)
	}
	return hashes, nil
}

// Clear removes every metadata row.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return fmt.Errorf("clearing cache entries: %w", err)
	}
	return nil
}
