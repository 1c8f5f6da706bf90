package aggregate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	commoncrawl "github.com/gofullthrottle/common-crawl-mcp-server"
	"github.com/gofullthrottle/common-crawl-mcp-server/cache"
	"github.com/gofullthrottle/common-crawl-mcp-server/fetch"
)

// fakeIndex serves index records from memory, keyed by snapshot id.
type fakeIndex struct {
	records map[string][]commoncrawl.IndexRecord
	latest  string
}

func (f *fakeIndex) StreamDomain(ctx context.Context, domain, snapshotID string, limit int) iter.Seq[commoncrawl.IndexRecord] {
	return func(yield func(commoncrawl.IndexRecord) bool) {
		for i, rec := range f.records[snapshotID] {
			if limit > 0 && i >= limit {
				return
			}
			if !yield(rec) {
				return
			}
		}
	}
}

func (f *fakeIndex) LatestSnapshot(ctx context.Context) (string, error) {
	if f.latest == "" {
		return "", errors.New("no snapshots")
	}
	return f.latest, nil
}

// fakeFetcher serves page captures from memory, keyed by snapshot then URL.
// URLs listed in fail return an error.
type fakeFetcher struct {
	pages   map[string]map[string]*fetch.PageContent
	fail    map[string]bool
	fetches atomic.Int64
}

func (f *fakeFetcher) Page(ctx context.Context, url, snapshotID string) (*fetch.PageContent, error) {
	f.fetches.Add(1)
	if f.fail[url] {
		return nil, errors.New("simulated fetch failure")
	}
	page, ok := f.pages[snapshotID][url]
	if !ok {
		return nil, fetch.ErrNotArchived
	}
	return page, nil
}

func (f *fakeFetcher) PageByRecord(ctx context.Context, rec commoncrawl.IndexRecord, snapshotID string) (*fetch.PageContent, error) {
	return f.Page(ctx, rec.URL, snapshotID)
}

func record(url string, length int64) commoncrawl.IndexRecord {
	return commoncrawl.IndexRecord{
		URL:       url,
		MimeType:  "text/html",
		Timestamp: "20260115103000",
		Length:    length,
		Filename:  "crawl-data/seg.warc.gz",
	}
}

func page(url, body string, headers map[string]string) *fetch.PageContent {
	if headers == nil {
		headers = map[string]string{}
	}
	return &fetch.PageContent{
		URL:        url,
		StatusCode: 200,
		Headers:    headers,
		Body:       []byte(body),
	}
}

func newTestEngine(t *testing.T, index IndexClient, fetcher PageFetcher, opts ...Option) *Engine {
	t.Helper()

	manager, err := cache.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return New(index, fetcher, manager, opts...)
}

const snap = "CC-MAIN-2026-04"

func TestCandidates_Deduplicates(t *testing.T) {
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap: {
			record("https://example.com/", 100),
			record("https://example.com/", 110), // same URL, later capture
			record("https://example.com/about", 120),
			record("https://example.com/about/", 130), // trailing slash variant
			record("https://example.com/contact", 140),
		},
	}}
	e := newTestEngine(t, index, &fakeFetcher{})

	records := e.candidates(context.Background(), "example.com", snap, 10)
	require.Len(t, records, 3)
	require.Equal(t, "https://example.com/", records[0].URL)
	require.Equal(t, "https://example.com/about", records[1].URL)
	require.Equal(t, "https://example.com/contact", records[2].URL)
}

func TestCandidates_TruncatesToSampleSize(t *testing.T) {
	var records []commoncrawl.IndexRecord
	for i := 0; i < 50; i++ {
		records = append(records, record(fmt.Sprintf("https://example.com/p%d", i), 100))
	}
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{snap: records}}
	e := newTestEngine(t, index, &fakeFetcher{})

	require.Len(t, e.candidates(context.Background(), "example.com", snap, 7), 7)
}

func TestTechnologyReport(t *testing.T) {
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap: {
			record("https://example.com/", 100),
			record("https://example.com/blog", 100),
			record("https://example.com/shop", 100),
		},
	}}
	fetcher := &fakeFetcher{pages: map[string]map[string]*fetch.PageContent{
		snap: {
			"https://example.com/":     page("https://example.com/", `<script src="/jquery.js"></script>`, map[string]string{"Server": "nginx"}),
			"https://example.com/blog": page("https://example.com/blog", `<link href="/wp-content/style.css">`, map[string]string{"Server": "nginx"}),
			"https://example.com/shop": page("https://example.com/shop", `plain page`, nil),
		},
	}}
	e := newTestEngine(t, index, fetcher)

	report, err := e.TechnologyReport(context.Background(), "example.com", snap, 10)
	require.NoError(t, err)
	require.Equal(t, 3, report.PagesAttempted)
	require.Equal(t, 3, report.PagesAnalyzed)
	require.Equal(t, 2, report.TechnologyCounts["Nginx"])
	require.Equal(t, 1, report.TechnologyCounts["jQuery"])
	require.Equal(t, 1, report.TechnologyCounts["WordPress"])
	require.Equal(t, map[string]int{"Nginx": 2}, report.CategoryBreakdown["web-server"])
	require.InDelta(t, 66.67, report.AdoptionPercentage["Nginx"], 0.01)
	require.NotEmpty(t, report.RunID)
}

func TestTechnologyReport_PartialBatchResilience(t *testing.T) {
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap: {
			record("https://example.com/ok", 100),
			record("https://example.com/broken1", 100),
			record("https://example.com/broken2", 100),
		},
	}}
	fetcher := &fakeFetcher{
		pages: map[string]map[string]*fetch.PageContent{
			snap: {"https://example.com/ok": page("https://example.com/ok", `<script src="jquery.js"></script>`, nil)},
		},
		fail: map[string]bool{
			"https://example.com/broken1": true,
			"https://example.com/broken2": true,
		},
	}
	e := newTestEngine(t, index, fetcher)

	report, err := e.TechnologyReport(context.Background(), "example.com", snap, 3)
	require.NoError(t, err)
	require.Equal(t, 3, report.PagesAttempted)
	require.Equal(t, 1, report.PagesAnalyzed)
	require.Equal(t, 1, report.TechnologyCounts["jQuery"])
}

func TestTechnologyReport_Cached(t *testing.T) {
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap: {record("https://example.com/", 100)},
	}}
	fetcher := &fakeFetcher{pages: map[string]map[string]*fetch.PageContent{
		snap: {"https://example.com/": page("https://example.com/", "x", nil)},
	}}
	e := newTestEngine(t, index, fetcher)
	ctx := context.Background()

	first, err := e.TechnologyReport(ctx, "example.com", snap, 10)
	require.NoError(t, err)
	fetchesAfterFirst := fetcher.fetches.Load()

	second, err := e.TechnologyReport(ctx, "example.com", snap, 10)
	require.NoError(t, err)
	require.Equal(t, first.RunID, second.RunID, "cached report keeps its original run id")
	require.Equal(t, fetchesAfterFirst, fetcher.fetches.Load(), "cached report refetches nothing")
}

func TestLinkGraph_EndToEnd(t *testing.T) {
	home := canonicalURL("https://example.com/")
	about := canonicalURL("https://example.com/about")

	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap: {
			record("https://example.com/", 100),
			record("https://example.com/about", 100),
		},
	}}
	fetcher := &fakeFetcher{pages: map[string]map[string]*fetch.PageContent{
		snap: {
			"https://example.com/":      page("https://example.com/", `<a href="/about">About</a>`, nil),
			"https://example.com/about": page("https://example.com/about", `no links here`, nil),
		},
	}}
	e := newTestEngine(t, index, fetcher)

	graph, err := e.LinkGraph(context.Background(), "example.com", snap, 10, 1)
	require.NoError(t, err)

	require.Equal(t, []string{home, about}, graph.Nodes)
	require.Equal(t, [][2]string{{home, about}}, graph.Edges)
	require.Equal(t, []HubPage{{URL: about, InboundCount: 1}}, graph.HubPages)
	require.Greater(t, graph.PageRank[about], graph.PageRank[home])
	require.InDelta(t, 1.0, graph.PageRank[home]+graph.PageRank[about], 1e-9)
}

func TestLinkGraph_ExcludesExternalLinks(t *testing.T) {
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap: {record("https://example.com/", 100)},
	}}
	fetcher := &fakeFetcher{pages: map[string]map[string]*fetch.PageContent{
		snap: {
			"https://example.com/": page("https://example.com/",
				`<a href="https://other.com/x">ext</a><a href="/self">int</a>`, nil),
		},
	}}
	e := newTestEngine(t, index, fetcher)

	graph, err := e.LinkGraph(context.Background(), "example.com", snap, 10, 1)
	require.NoError(t, err)
	require.Len(t, graph.Edges, 1)
	require.Equal(t, canonicalURL("https://example.com/self"), graph.Edges[0][1])
}

func TestLinkGraph_DepthExpansion(t *testing.T) {
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap: {record("https://example.com/", 100)},
	}}
	deep := canonicalURL("https://example.com/deep")
	fetcher := &fakeFetcher{pages: map[string]map[string]*fetch.PageContent{
		snap: {
			"https://example.com/": page("https://example.com/", `<a href="/deep">deep</a>`, nil),
			deep:                   page(deep, `leaf`, nil),
		},
	}}
	e := newTestEngine(t, index, fetcher)

	shallow, err := e.LinkGraph(context.Background(), "example.com", snap, 10, 1)
	require.NoError(t, err)
	require.Len(t, shallow.Nodes, 1)

	expanded, err := e.LinkGraph(context.Background(), "example.com", snap, 10, 2)
	require.NoError(t, err)
	require.Len(t, expanded.Nodes, 2)
	require.Contains(t, expanded.Nodes, deep)
}

func TestKeywordFrequency(t *testing.T) {
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap: {
			record("https://example.com/a", 100),
			record("https://example.com/b", 100),
		},
	}}
	fetcher := &fakeFetcher{pages: map[string]map[string]*fetch.PageContent{
		snap: {
			"https://example.com/a": page("https://example.com/a",
				`<p>golang is great. I write golang daily. golangish is not a word match.</p>`, nil),
			"https://example.com/b": page("https://example.com/b",
				`<p>python here, no go language mentioned.</p>`, nil),
		},
	}}
	e := newTestEngine(t, index, fetcher)

	report, err := e.KeywordFrequency(context.Background(), "example.com",
		[]string{"golang", "python", "rust"}, snap, 10, false)
	require.NoError(t, err)

	a := canonicalURL("https://example.com/a")
	b := canonicalURL("https://example.com/b")

	// Word-boundary matching: "golangish" does not count.
	require.Equal(t, 2, report.Frequencies["golang"][a])
	require.Equal(t, 2, report.TotalOccurrences["golang"])
	require.Equal(t, 1, report.Frequencies["python"][b])

	// TF-IDF: each keyword appears in 1 of 2 documents, idf = ln(2).
	require.InDelta(t, 2*0.6931, report.TFIDFScores["golang"][a], 0.001)

	// Absence law: an unmatched keyword has no entry at all.
	require.NotContains(t, report.Frequencies, "rust")
	require.NotContains(t, report.TFIDFScores, "rust")
	require.NotContains(t, report.TotalOccurrences, "rust")
}

func TestKeywordFrequency_CaseSensitive(t *testing.T) {
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap: {record("https://example.com/", 100)},
	}}
	fetcher := &fakeFetcher{pages: map[string]map[string]*fetch.PageContent{
		snap: {"https://example.com/": page("https://example.com/", `Go go GO`, nil)},
	}}
	e := newTestEngine(t, index, fetcher)

	home := canonicalURL("https://example.com/")

	insensitive, err := e.KeywordFrequency(context.Background(), "example.com", []string{"go"}, snap, 10, false)
	require.NoError(t, err)
	require.Equal(t, 3, insensitive.Frequencies["go"][home])

	sensitive, err := e.KeywordFrequency(context.Background(), "example.com", []string{"go"}, snap, 10, true)
	require.NoError(t, err)
	require.Equal(t, 1, sensitive.Frequencies["go"][home])
}

func TestKeywordFrequency_DistinctKeywordListsDistinctCache(t *testing.T) {
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap: {record("https://example.com/", 100)},
	}}
	fetcher := &fakeFetcher{pages: map[string]map[string]*fetch.PageContent{
		snap: {"https://example.com/": page("https://example.com/", `go and rust, but also "go,rust"`, nil)},
	}}
	e := newTestEngine(t, index, fetcher)

	// A keyword containing a comma must not share a cache entry with the
	// two-keyword list that joins to the same string.
	joined, err := e.KeywordFrequency(context.Background(), "example.com", []string{"go,rust"}, snap, 10, false)
	require.NoError(t, err)

	split, err := e.KeywordFrequency(context.Background(), "example.com", []string{"go", "rust"}, snap, 10, false)
	require.NoError(t, err)

	require.NotEqual(t, joined.RunID, split.RunID)
	require.Equal(t, []string{"go,rust"}, joined.Keywords)
	require.Equal(t, []string{"go", "rust"}, split.Keywords)

	home := canonicalURL("https://example.com/")
	require.Equal(t, 2, split.Frequencies["go"][home])
	require.Equal(t, 2, split.Frequencies["rust"][home])
}

func TestEvolutionTimeline(t *testing.T) {
	const snap1 = "CC-MAIN-2025-51"
	const snap2 = "CC-MAIN-2026-04"

	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap1: {
			record("https://example.com/", 1000),
			record("https://example.com/about", 2000),
		},
		snap2: {
			record("https://example.com/", 1500),
			record("https://example.com/about", 2500),
			record("https://example.com/new", 500),
		},
	}}

	// Snapshot 1 pages carry jQuery and Bootstrap; snapshot 2 pages carry
	// Bootstrap and React.
	fetcher := &fakeFetcher{pages: map[string]map[string]*fetch.PageContent{
		snap1: {
			"https://example.com/":      page("https://example.com/", `jquery bootstrap`, nil),
			"https://example.com/about": page("https://example.com/about", `bootstrap`, nil),
		},
		snap2: {
			"https://example.com/":      page("https://example.com/", `bootstrap react`, nil),
			"https://example.com/about": page("https://example.com/about", `react`, nil),
			"https://example.com/new":   page("https://example.com/new", `react`, nil),
		},
	}}
	e := newTestEngine(t, index, fetcher)

	timeline, err := e.EvolutionTimeline(context.Background(), "example.com", []string{snap1, snap2}, 10)
	require.NoError(t, err)

	require.Equal(t, []string{snap1, snap2}, timeline.SnapshotIDs)
	require.Equal(t, 2, timeline.PageCounts[snap1])
	require.Equal(t, 3, timeline.PageCounts[snap2])
	require.EqualValues(t, 3000, timeline.SizeBytes[snap1])
	require.EqualValues(t, 4500, timeline.SizeBytes[snap2])

	require.Equal(t, []string{"React"}, timeline.TechnologiesAdded[snap2])
	require.Equal(t, []string{"jQuery"}, timeline.TechnologiesRemoved[snap2])

	// Diffs key only the later snapshot of each pair.
	require.NotContains(t, timeline.TechnologiesAdded, snap1)
}

func TestEvolutionTimeline_TechSampleBounded(t *testing.T) {
	var records []commoncrawl.IndexRecord
	pages := map[string]*fetch.PageContent{}
	for i := 0; i < 30; i++ {
		url := fmt.Sprintf("https://example.com/p%d", i)
		records = append(records, record(url, 100))
		pages[url] = page(url, "plain", nil)
	}

	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{snap: records}}
	fetcher := &fakeFetcher{pages: map[string]map[string]*fetch.PageContent{snap: pages}}
	e := newTestEngine(t, index, fetcher)

	timeline, err := e.EvolutionTimeline(context.Background(), "example.com", []string{snap}, 30)
	require.NoError(t, err)

	require.Equal(t, 30, timeline.PageCounts[snap])
	// Only the first 10 URLs are fetched for technology sampling.
	require.EqualValues(t, timelineTechSampleSize, fetcher.fetches.Load())
}

func TestHeaderAnalysis(t *testing.T) {
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{
		snap: {
			record("https://example.com/a", 100),
			record("https://example.com/b", 100),
		},
	}}
	fetcher := &fakeFetcher{pages: map[string]map[string]*fetch.PageContent{
		snap: {
			"https://example.com/a": page("https://example.com/a", "x", map[string]string{
				"Strict-Transport-Security": "max-age=63072000",
				"X-Content-Type-Options":    "nosniff",
				"X-Frame-Options":           "DENY",
				"Cache-Control":             "public, max-age=3600",
				"Server":                    "Nginx/1.18.0",
			}),
			"https://example.com/b": page("https://example.com/b", "x", map[string]string{
				"strict-transport-security": "max-age=63072000",
				"Cache-Control":             "no-store",
				"Server":                    "nginx/1.20.1",
			}),
		},
	}}
	e := newTestEngine(t, index, fetcher)

	report, err := e.HeaderAnalysis(context.Background(), "example.com", snap, 10)
	require.NoError(t, err)

	require.InDelta(t, 100, report.SecurityHeaderAdoption["Strict-Transport-Security"], 0.01)
	require.InDelta(t, 50, report.SecurityHeaderAdoption["X-Frame-Options"], 0.01)
	require.InDelta(t, 0, report.SecurityHeaderAdoption["Content-Security-Policy"], 0.01)

	// Score: (100 + 0 + 50 + 50) / 4 = 50.
	require.InDelta(t, 50, report.SecurityScore, 0.01)

	// Server versions collapse into one software name; Cache-Control values
	// collapse into their policy class.
	require.Equal(t, map[string]int{"nginx": 2}, report.ServerCounts)
	require.Equal(t, map[string]int{"max-age": 1, "no-cache": 1}, report.CachingPolicyCounts)

	// HSTS is at 100% so it is not flagged; the other three essentials are
	// below their thresholds, plus the moderate-band summary.
	require.Len(t, report.Recommendations, 4)
	require.Contains(t, report.Recommendations[len(report.Recommendations)-1], "Moderate")
}

func TestHeaderAnalysis_EmptySample(t *testing.T) {
	index := &fakeIndex{records: map[string][]commoncrawl.IndexRecord{}}
	e := newTestEngine(t, index, &fakeFetcher{})

	report, err := e.HeaderAnalysis(context.Background(), "empty.example", snap, 10)
	require.NoError(t, err)
	require.Equal(t, 0, report.PagesAnalyzed)
	require.InDelta(t, 0, report.SecurityScore, 0.01)
	require.Contains(t, report.Recommendations[len(report.Recommendations)-1], "Poor")
}

func TestCachingPolicyBuckets(t *testing.T) {
	tests := []struct{ value, want string }{
		{"no-cache", "no-cache"},
		{"private, no-store", "no-cache"},
		{"no-store, max-age=0", "no-cache"},
		{"public, max-age=3600", "max-age"},
		{"Public, Max-Age=60", "max-age"},
		{"private", "other"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, cachingPolicy(tt.value), tt.value)
	}
}

func TestServerName(t *testing.T) {
	tests := []struct{ value, want string }{
		{"nginx", "nginx"},
		{"Nginx/1.18.0", "nginx"},
		{"Apache/2.4.54 (Ubuntu)", "apache"},
		{" cloudflare ", "cloudflare"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, serverName(tt.value), tt.value)
	}
}

func TestResolveSnapshot(t *testing.T) {
	index := &fakeIndex{latest: snap}
	e := newTestEngine(t, index, &fakeFetcher{})

	resolved, err := e.resolveSnapshot(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, snap, resolved)

	resolved, err = e.resolveSnapshot(context.Background(), "CC-MAIN-2020-05")
	require.NoError(t, err)
	require.Equal(t, "CC-MAIN-2020-05", resolved)
}

func TestCanonicalURL(t *testing.T) {
	require.Equal(t, canonicalURL("https://example.com/about"), canonicalURL("https://example.com/about/"))
	require.Equal(t, canonicalURL("https://EXAMPLE.com/x"), canonicalURL("https://example.com/x"))
	require.NotEqual(t, canonicalURL("https://example.com/a"), canonicalURL("https://example.com/b"))
	// Unparsable input falls back to itself.
	require.Equal(t, "://bad url", canonicalURL("://bad url"))
}
