package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gofullthrottle/common-crawl-mcp-server/analyze"
	"github.com/gofullthrottle/common-crawl-mcp-server/fetch"
	"github.com/gofullthrottle/common-crawl-mcp-server/telemetry"
)

// hubPageLimit is how many top pages by inbound link count a graph reports.
const hubPageLimit = 20

// HubPage is one highly linked-to page.
type HubPage struct {
	URL          string `json:"url"`
	InboundCount int    `json:"inbound_count"`
}

// LinkGraph is the internal link structure of a sampled domain. Edges list
// every internal link found, in encounter order, including links to pages
// outside the sampled node set; PageRank is computed only over edges whose
// endpoints are both sampled nodes.
type LinkGraph struct {
	Domain         string             `json:"domain"`
	SnapshotID     string             `json:"snapshot_id"`
	RunID          string             `json:"run_id"`
	PagesAttempted int                `json:"pages_attempted"`
	PagesAnalyzed  int                `json:"pages_analyzed"`
	Nodes          []string           `json:"nodes"`
	Edges          [][2]string        `json:"edges"`
	HubPages       []HubPage          `json:"hub_pages"`
	PageRank       map[string]float64 `json:"pagerank"`
}

// LinkGraph builds the internal link graph of a domain. Depth 1 analyzes
// only the sampled pages; each further depth level fetches the internal link
// targets discovered at the previous level, up to sampleSize new pages per
// level.
func (e *Engine) LinkGraph(ctx context.Context, domain, snapshotID string, sampleSize, depth int) (*LinkGraph, error) {
	snapshotID, err := e.resolveSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("resolving snapshot: %w", err)
	}
	if depth < 1 {
		depth = 1
	}

	key := fmt.Sprintf("report:linkgraph:%s:%s:%d:%d", domain, snapshotID, sampleSize, depth)
	if cached, ok := loadReport[LinkGraph](ctx, e, key); ok {
		return cached, nil
	}

	start := time.Now()
	defer func() { telemetry.RecordReport(ctx, "link_graph", time.Since(start)) }()

	records := e.candidates(ctx, domain, snapshotID, sampleSize)
	pages := e.fetchAll(ctx, "link_graph", records, snapshotID, e.width)
	attempted := len(records)

	// Breadth-wise depth expansion over internal link targets not yet
	// fetched.
	for level := 1; level < depth; level++ {
		frontier := e.linkFrontier(domain, pages, sampleSize)
		if len(frontier) == 0 {
			break
		}
		attempted += len(frontier)
		for u, page := range e.fetchByURL(ctx, frontier, snapshotID) {
			pages[u] = page
		}
	}

	graph := &LinkGraph{
		Domain:         domain,
		SnapshotID:     snapshotID,
		RunID:          e.newRunID(),
		PagesAttempted: attempted,
		PagesAnalyzed:  len(pages),
	}

	// Node order follows the candidate record order so hub-page tie
	// breaking is deterministic.
	nodeSeen := make(map[string]bool, len(pages))
	addNode := func(u string) {
		if !nodeSeen[u] {
			nodeSeen[u] = true
			graph.Nodes = append(graph.Nodes, u)
		}
	}
	for _, rec := range records {
		if u := canonicalURL(rec.URL); pages[u] != nil {
			addNode(u)
		}
	}
	for u := range pages {
		addNode(u)
	}

	for _, node := range graph.Nodes {
		page := pages[node]
		for _, target := range analyze.Links(page.Body, page.URL) {
			if !sameDomain(target, domain) {
				continue
			}
			graph.Edges = append(graph.Edges, [2]string{node, canonicalURL(target)})
		}
	}

	graph.HubPages = hubPages(graph.Nodes, graph.Edges)
	graph.PageRank = pageRank(graph.Nodes, graph.Edges)

	e.storeReport(ctx, key, graph)
	return graph, nil
}

// linkFrontier collects internal link targets of the analyzed pages that
// have not been fetched yet, capped at limit.
func (e *Engine) linkFrontier(domain string, pages map[string]*fetch.PageContent, limit int) []string {
	var frontier []string
	seen := make(map[string]bool)

	for _, page := range pages {
		for _, target := range analyze.Links(page.Body, page.URL) {
			if !sameDomain(target, domain) {
				continue
			}
			u := canonicalURL(target)
			if pages[u] != nil || seen[u] {
				continue
			}
			seen[u] = true
			frontier = append(frontier, u)
			if len(frontier) >= limit {
				return frontier
			}
		}
	}
	return frontier
}

// fetchByURL fetches pages by URL under the engine's concurrency gate,
// folding successes by canonical URL.
func (e *Engine) fetchByURL(ctx context.Context, urls []string, snapshotID string) map[string]*fetch.PageContent {
	pages := make(map[string]*fetch.PageContent, len(urls))
	var mu sync.Mutex

	sem := semaphore.NewWeighted(e.width)
	var wg sync.WaitGroup
	for _, u := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			defer sem.Release(1)

			page, err := e.fetcher.Page(ctx, u, snapshotID)
			if err != nil {
				telemetry.RecordPageAnalysis(ctx, "link_graph", false)
				e.logger.Debug("skipping unfetchable link target",
					slog.String("url", u), slog.Any("error", err))
				return
			}
			telemetry.RecordPageAnalysis(ctx, "link_graph", true)

			mu.Lock()
			pages[canonicalURL(page.URL)] = page
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	return pages
}

// hubPages ranks nodes by raw inbound-edge count, descending, ties broken by
// node encounter order, truncated to hubPageLimit. Only edges pointing at a
// sampled node count.
func hubPages(nodes []string, edges [][2]string) []HubPage {
	nodeSet := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		nodeSet[node] = true
	}

	inbound := make(map[string]int)
	for _, edge := range edges {
		if nodeSet[edge[1]] {
			inbound[edge[1]]++
		}
	}

	var hubs []HubPage
	for _, node := range nodes {
		if count := inbound[node]; count > 0 {
			hubs = append(hubs, HubPage{URL: node, InboundCount: count})
		}
	}
	sort.SliceStable(hubs, func(i, j int) bool {
		return hubs[i].InboundCount > hubs[j].InboundCount
	})

	if len(hubs) > hubPageLimit {
		hubs = hubs[:hubPageLimit]
	}
	return hubs
}

// sameDomain reports whether a URL belongs to the analyzed domain or one of
// its subdomains.
func sameDomain(rawURL, domain string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain = strings.ToLower(strings.TrimPrefix(domain, "www."))
	return host == domain || host == "www."+domain || strings.HasSuffix(host, "."+domain)
}
