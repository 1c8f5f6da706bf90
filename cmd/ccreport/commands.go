package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/gofullthrottle/common-crawl-mcp-server/cdx"
)

type CrawlsCmd struct {
	JSON bool `help:"Emit the snapshot list as JSON."`
}

func (c *CrawlsCmd) Run(app *App) error {
	snapshots, err := app.index.ListSnapshots(app.ctx)
	if err != nil {
		return err
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Date.After(snapshots[j].Date)
	})

	if c.JSON {
		return printJSON(snapshots)
	}
	for _, s := range snapshots {
		fmt.Printf("%-20s %-12s %s\n", s.ID, s.Date.Format("2006-01-02"), s.Name)
	}
	return nil
}

type SearchCmd struct {
	Query string `arg:"" help:"URL or domain to search for."`
	Crawl string `help:"Snapshot id (default: latest)."`
	Limit int    `help:"Maximum records to return." default:"10"`
	Match string `help:"Match type." enum:"exact,prefix,domain,range" default:"domain"`
	JSON  bool   `help:"Emit records as JSON."`
}

func (c *SearchCmd) Run(app *App) error {
	records, err := app.index.Search(app.ctx, c.Query, c.Crawl, c.Limit, cdx.MatchType(c.Match))
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("no captures found")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s %3d %-24s %8d %s\n", r.Timestamp, r.StatusCode, r.MimeType, r.Length, r.URL)
	}
	return nil
}

type FetchCmd struct {
	URL   string `arg:"" help:"Exact URL to fetch."`
	Crawl string `help:"Snapshot id (default: latest)."`
	JSON  bool   `help:"Emit the full page record as JSON instead of the raw body."`
}

func (c *FetchCmd) Run(app *App) error {
	page, err := app.fetcher.Page(app.ctx, c.URL, c.Crawl)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(page)
	}
	_, err = os.Stdout.Write(page.Body)
	return err
}

type ReportCmd struct {
	Tech     TechReportCmd     `cmd:"" help:"Technology adoption across a domain sample."`
	Links    LinkReportCmd     `cmd:"" help:"Internal link graph with PageRank and hub pages."`
	Keywords KeywordReportCmd  `cmd:"" help:"Keyword frequency and TF-IDF across a domain sample."`
	Timeline TimelineReportCmd `cmd:"" help:"Domain evolution across multiple snapshots."`
	Headers  HeaderReportCmd   `cmd:"" help:"Security and caching header posture."`
}

type reportScope struct {
	Domain string `arg:"" help:"Domain to analyze."`
	Crawl  string `help:"Snapshot id (default: latest)."`
	Sample int    `help:"Number of pages to sample." default:"50"`
}

type TechReportCmd struct {
	reportScope
}

func (c *TechReportCmd) Run(app *App) error {
	report, err := app.engine.TechnologyReport(app.ctx, c.Domain, c.Crawl, c.Sample)
	if err != nil {
		return err
	}
	return printJSON(report)
}

type LinkReportCmd struct {
	reportScope
	Depth int `help:"Link-following depth beyond the sampled pages." default:"1"`
}

func (c *LinkReportCmd) Run(app *App) error {
	report, err := app.engine.LinkGraph(app.ctx, c.Domain, c.Crawl, c.Sample, c.Depth)
	if err != nil {
		return err
	}
	return printJSON(report)
}

type KeywordReportCmd struct {
	reportScope
	Keywords      []string `arg:"" help:"Keywords to count."`
	CaseSensitive bool     `help:"Match keywords case-sensitively."`
}

func (c *KeywordReportCmd) Run(app *App) error {
	report, err := app.engine.KeywordFrequency(app.ctx, c.Domain, c.Keywords, c.Crawl, c.Sample, c.CaseSensitive)
	if err != nil {
		return err
	}
	return printJSON(report)
}

type TimelineReportCmd struct {
	Domain string   `arg:"" help:"Domain to analyze."`
	Crawls []string `help:"Snapshot ids, oldest first." required:""`
	Sample int      `help:"Number of pages to sample per snapshot." default:"50"`
}

func (c *TimelineReportCmd) Run(app *App) error {
	report, err := app.engine.EvolutionTimeline(app.ctx, c.Domain, c.Crawls, c.Sample)
	if err != nil {
		return err
	}
	return printJSON(report)
}

type HeaderReportCmd struct {
	reportScope
}

func (c *HeaderReportCmd) Run(app *App) error {
	report, err := app.engine.HeaderAnalysis(app.ctx, c.Domain, c.Crawl, c.Sample)
	if err != nil {
		return err
	}
	return printJSON(report)
}

type CacheCmd struct {
	Stats CacheStatsCmd `cmd:"" help:"Print cache statistics."`
	Clear CacheClearCmd `cmd:"" help:"Remove all cached entries."`
}

type CacheStatsCmd struct{}

func (c *CacheStatsCmd) Run(app *App) error {
	stats, err := app.cache.Stats(app.ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

type CacheClearCmd struct{}

func (c *CacheClearCmd) Run(app *App) error {
	if err := app.cache.Clear(app.ctx); err != nil {
		return err
	}
	app.logger.Info("cache cleared", "dir", app.cfg.Cache.Dir)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
