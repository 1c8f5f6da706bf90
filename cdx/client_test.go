package cdx

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	commoncrawl "github.com/gofullthrottle/common-crawl-mcp-server"
)

func indexLine(url, timestamp string, status int, length, offset int64, filename string) string {
	return fmt.Sprintf(`["com,example)/","%s","%s","text/html","%d","SHA1DIGEST","%d","%d","%s"]`,
		timestamp, url, status, length, offset, filename)
}

func TestListSnapshots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collinfo.json", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id": "CC-MAIN-2026-04", "name": "January 2026"},
			{"id": "CC-MAIN-2025-51", "name": "December 2025"}
		]`))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))

	snapshots, err := c.ListSnapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	require.Equal(t, "CC-MAIN-2026-04", snapshots[0].ID)
	require.Equal(t, "January 2026", snapshots[0].Name)
	require.Equal(t, commoncrawl.SnapshotComplete, snapshots[0].Status)
	require.True(t, snapshots[0].Date.After(snapshots[1].Date))
}

func TestLatestSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id": "CC-MAIN-2025-51", "name": "December 2025"},
			{"id": "CC-MAIN-2026-04", "name": "January 2026"},
			{"id": "not-a-snapshot-id", "name": "Broken"}
		]`))
	}))
	defer srv.Close()

	// Pin the clock well before the listed snapshots so the malformed id's
	// fallback date cannot win.
	c := New(WithBaseURL(srv.URL), WithNow(func() time.Time {
		return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}))

	latest, err := c.LatestSnapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, "CC-MAIN-2026-04", latest)
}

func TestLatestSnapshot_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))

	_, err := c.LatestSnapshot(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshots)
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/CC-MAIN-2026-04-index", r.URL.Path)
		require.Equal(t, "example.com/", r.URL.Query().Get("url"))
		require.Equal(t, "json", r.URL.Query().Get("output"))
		require.Equal(t, "10", r.URL.Query().Get("limit"))
		require.Empty(t, r.URL.Query().Get("matchType"), "exact match omits the parameter")

		fmt.Fprintln(w, indexLine("https://example.com/", "20260115000000", 200, 1200, 4096, "crawl-data/seg-00001.warc.gz"))
		fmt.Fprintln(w, indexLine("https://example.com/", "20260116000000", 200, 1300, 9000, "crawl-data/seg-00002.warc.gz"))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))

	records, err := c.Search(context.Background(), "example.com/", "CC-MAIN-2026-04", 10, MatchExact)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "https://example.com/", records[0].URL)
	require.Equal(t, 200, records[0].StatusCode)
	require.EqualValues(t, 1200, records[0].Length)
	require.EqualValues(t, 4096, records[0].Offset)
	require.Equal(t, "crawl-data/seg-00001.warc.gz", records[0].Filename)
	require.EqualValues(t, 5295, records[0].RangeEnd())
}

func TestSearch_NotFoundIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))

	records, err := c.Search(context.Background(), "nowhere.invalid", "CC-MAIN-2026-04", 10, MatchDomain)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSearch_SlotHeldForWholeTransfer(t *testing.T) {
	// The handler flushes headers, then stalls before finishing the body.
	// Releasing the request slot at header receipt would let a second
	// transfer start while the first body is still streaming.
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}

		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(20 * time.Millisecond)
		fmt.Fprintln(w, indexLine("https://example.com/", "20260115000000", 200, 100, 0, "seg.warc.gz"))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL), WithLimiter(NewLimiter(1, 0)))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := c.Search(context.Background(), "example.com", "CC-MAIN-2026-04", 0, MatchDomain)
			require.NoError(t, err)
			require.Len(t, records, 1)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, maxInFlight.Load())
}

func TestSearch_SkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, indexLine("https://example.com/a", "20260115000000", 200, 100, 0, "seg.warc.gz"))
		fmt.Fprintln(w, `{"not": "an array"}`)
		fmt.Fprintln(w, `["too","few","fields"]`)
		fmt.Fprintln(w, `this is not json at all`)
		fmt.Fprintln(w, indexLine("https://example.com/b", "20260115000001", 200, 100, 200, "seg.warc.gz"))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))

	records, err := c.Search(context.Background(), "example.com", "CC-MAIN-2026-04", 0, MatchDomain)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "https://example.com/a", records[0].URL)
	require.Equal(t, "https://example.com/b", records[1].URL)
}

func TestStreamDomain_Pagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "domain", r.URL.Query().Get("matchType"))
		page, err := strconv.Atoi(r.URL.Query().Get("page"))
		require.NoError(t, err)

		switch page {
		case 0, 1:
			for i := 0; i < 3; i++ {
				url := fmt.Sprintf("https://example.com/p%d-%d", page, i)
				fmt.Fprintln(w, indexLine(url, "20260115000000", 200, 100, int64(i*200), "seg.warc.gz"))
			}
		default:
			// Empty page terminates the stream.
		}
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))

	var urls []string
	for rec := range c.StreamDomain(context.Background(), "example.com", "CC-MAIN-2026-04", 0) {
		urls = append(urls, rec.URL)
	}
	require.Len(t, urls, 6)
	require.Equal(t, "https://example.com/p0-0", urls[0])
	require.Equal(t, "https://example.com/p1-2", urls[5])
}

func TestStreamDomain_LimitStopsEarly(t *testing.T) {
	var pagesServed int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pagesServed++
		for i := 0; i < 5; i++ {
			url := fmt.Sprintf("https://example.com/%d", i)
			fmt.Fprintln(w, indexLine(url, "20260115000000", 200, 100, int64(i*200), "seg.warc.gz"))
		}
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))

	var count int
	for range c.StreamDomain(context.Background(), "example.com", "CC-MAIN-2026-04", 4) {
		count++
	}
	require.Equal(t, 4, count)
	require.Equal(t, 1, pagesServed)
}

func TestStreamDomain_Restartable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "0" {
			return
		}
		fmt.Fprintln(w, indexLine("https://example.com/", "20260115000000", 200, 100, 0, "seg.warc.gz"))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))

	seq := c.StreamDomain(context.Background(), "example.com", "CC-MAIN-2026-04", 0)

	for i := 0; i < 2; i++ {
		var count int
		for range seq {
			count++
		}
		require.Equal(t, 1, count, "iteration %d", i)
	}
}

func TestSearch_ResolvesLatestSnapshot(t *testing.T) {
	var searchPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collinfo.json" {
			_, _ = w.Write([]byte(`[{"id": "CC-MAIN-2026-04", "name": "January 2026"}]`))
			return
		}
		searchPath = r.URL.Path
		fmt.Fprintln(w, indexLine("https://example.com/", "20260115000000", 200, 100, 0, "seg.warc.gz"))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))

	records, err := c.Search(context.Background(), "example.com/", "", 1, MatchExact)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "/CC-MAIN-2026-04-index", searchPath)
}

func TestParseIndexLine(t *testing.T) {
	rec, err := parseIndexLine(`["com,example)/","20260115103000","https://example.com/","text/html","200","QWERTY","5120","1048576","crawl-data/seg.warc.gz"]`)
	require.NoError(t, err)
	require.Equal(t, commoncrawl.IndexRecord{
		URL:        "https://example.com/",
		MimeType:   "text/html",
		StatusCode: 200,
		Digest:     "QWERTY",
		Timestamp:  "20260115103000",
		Length:     5120,
		Offset:     1048576,
		Filename:   "crawl-data/seg.warc.gz",
	}, rec)
}

func TestParseIndexLine_BadNumbers(t *testing.T) {
	_, err := parseIndexLine(`["k","t","u","m","not-a-status","d","1","2","f"]`)
	require.Error(t, err)

	_, err = parseIndexLine(`["k","t","u","m","200","d","x","2","f"]`)
	require.Error(t, err)
}
