package commoncrawl

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SnapshotStatus reports the lifecycle state of a crawl snapshot.
type SnapshotStatus string

const (
	SnapshotActive     SnapshotStatus = "active"
	SnapshotComplete   SnapshotStatus = "complete"
	SnapshotProcessing SnapshotStatus = "processing"
	SnapshotUnknown    SnapshotStatus = "unknown"
)

// CrawlSnapshot identifies one generation of the archive corpus.
// Snapshots are immutable once listed by the index server.
type CrawlSnapshot struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Date   time.Time      `json:"date"`
	Status SnapshotStatus `json:"status"`
}

// DecodeSnapshotDate derives an approximate date from a snapshot identifier
// of the form CC-MAIN-<year>-<week>. Identifiers that do not decode fall
// back to now so a single malformed id cannot break snapshot ordering.
func DecodeSnapshotDate(id string, now time.Time) time.Time {
	parts := strings.Split(id, "-")
	if len(parts) < 3 {
		return now
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil || year < 2000 || year > 3000 {
		return now
	}
	week := 1
	if len(parts) > 3 {
		if w, err := strconv.Atoi(parts[3]); err == nil && w >= 1 {
			week = w
		}
	}
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC).
		Add(time.Duration(week-1) * 7 * 24 * time.Hour)
}

// IndexRecord is one location entry returned by the index server. The
// (Filename, Offset, Length) triple is the sole addressing key into the
// object store; the same URL may appear under multiple capture timestamps.
type IndexRecord struct {
	URL        string `json:"url"`
	MimeType   string `json:"mime_type"`
	StatusCode int    `json:"status_code"`
	Digest     string `json:"digest"`
	Timestamp  string `json:"timestamp"`
	Length     int64  `json:"length"`
	Offset     int64  `json:"offset"`
	Filename   string `json:"filename"`
}

// RangeEnd returns the inclusive byte offset of the record's last byte
// within its segment file.
func (r IndexRecord) RangeEnd() int64 {
	return r.Offset + r.Length - 1
}

func (r IndexRecord) String() string {
	return fmt.Sprintf("%s@%s (%s bytes %d-%d)", r.URL, r.Timestamp, r.Filename, r.Offset, r.RangeEnd())
}
