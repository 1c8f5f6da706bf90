// Command ccreport queries the Common Crawl web archive: crawl listings,
// index searches, cached page fetches, and domain-level reports.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/gofullthrottle/common-crawl-mcp-server/aggregate"
	"github.com/gofullthrottle/common-crawl-mcp-server/cache"
	"github.com/gofullthrottle/common-crawl-mcp-server/cdx"
	"github.com/gofullthrottle/common-crawl-mcp-server/config"
	"github.com/gofullthrottle/common-crawl-mcp-server/fetch"
	"github.com/gofullthrottle/common-crawl-mcp-server/objectstore"
	"github.com/gofullthrottle/common-crawl-mcp-server/telemetry"
)

var version = "dev"

type Globals struct {
	Config    string `help:"Path to the TOML config file." default:"ccreport.toml" type:"path"`
	CacheDir  string `help:"Override the cache directory."`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (text, json, pretty)."`
}

type CLI struct {
	Globals

	Crawls  CrawlsCmd        `cmd:"" help:"List available crawl snapshots."`
	Search  SearchCmd        `cmd:"" help:"Search the crawl index."`
	Fetch   FetchCmd         `cmd:"" help:"Fetch a single archived page."`
	Report  ReportCmd        `cmd:"" help:"Generate a domain-level report."`
	Cache   CacheCmd         `cmd:"" help:"Inspect or clear the local cache."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

// App carries the constructed clients into the command Run methods.
type App struct {
	ctx     context.Context
	cfg     *config.Config
	logger  *slog.Logger
	index   *cdx.Client
	store   *objectstore.Client
	cache   *cache.Manager
	fetcher *fetch.Fetcher
	engine  *aggregate.Engine
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("ccreport"),
		kong.Description("Cost-aware access to the Common Crawl web archive."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	app, cleanup, err := newApp(&cli.Globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	kctx.FatalIfErrorf(kctx.Run(app))
}

func newApp(g *Globals) (*App, func(), error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	if g.CacheDir != "" {
		cfg.Cache.Dir = g.CacheDir
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Logging.Format = g.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "ccreport",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Telemetry.OTLPEndpoint,
		EnablePrometheus: cfg.Telemetry.EnablePrometheus,
	})
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	indexTimeout, _ := cfg.IndexTimeout()
	storeTimeout, _ := cfg.ObjectStoreTimeout()
	cacheTTL, _ := cfg.CacheTTL()
	reportTTL, _ := cfg.ReportTTL()

	// The index client and the object client share one gate so the total
	// pressure on the archive stays bounded.
	limiter := cdx.NewLimiter(cfg.Index.MaxConcurrent, cfg.Index.RequestsPerSecond)

	index := cdx.New(
		cdx.WithBaseURL(cfg.Index.BaseURL),
		cdx.WithHTTPClient(&http.Client{Timeout: indexTimeout}),
		cdx.WithLimiter(limiter),
		cdx.WithLogger(logger),
	)

	store := objectstore.New(
		objectstore.WithBaseURL(cfg.ObjectStore.BaseURL),
		objectstore.WithHTTPClient(&http.Client{Timeout: storeTimeout}),
		objectstore.WithLimiter(limiter),
		objectstore.WithCostPerGB(cfg.ObjectStore.CostPerGB),
		objectstore.WithLogger(logger),
	)

	cacheOpts := []cache.Option{
		cache.WithLogger(logger),
		cache.WithMaxSize(cfg.Cache.MaxSizeBytes),
		cache.WithMemoryCapacity(cfg.Cache.MemoryCapacity),
		cache.WithDefaultTTL(cacheTTL),
	}
	if cfg.Cache.RemoteURL != "" {
		cacheOpts = append(cacheOpts, cache.WithRemote(
			cache.NewHTTPRemote(cfg.Cache.RemoteURL, cache.WithRemoteLogger(logger))))
	}
	manager, err := cache.New(cfg.Cache.Dir, cacheOpts...)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("opening cache: %w", err)
	}

	fetcher := fetch.New(index, store, manager,
		fetch.WithLogger(logger),
		fetch.WithTTL(cacheTTL),
	)

	engine := aggregate.New(index, fetcher, manager,
		aggregate.WithLogger(logger),
		aggregate.WithConcurrency(cfg.Aggregate.Concurrency),
		aggregate.WithTimelineConcurrency(cfg.Aggregate.TimelineConcurrency),
		aggregate.WithReportTTL(reportTTL),
	)

	app := &App{
		ctx:     ctx,
		cfg:     cfg,
		logger:  logger,
		index:   index,
		store:   store,
		cache:   manager,
		fetcher: fetcher,
		engine:  engine,
	}

	cleanup := func() {
		if bytes := store.BytesTransferred(); bytes > 0 {
			logger.Info("session transfer",
				"bytes", bytes,
				"estimated_cost_usd", store.EstimatedCostUSD())
		}
		if err := manager.Close(); err != nil {
			logger.Warn("closing cache", "error", err)
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
		cancel()
		stop()
	}
	return app, cleanup, nil
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "pretty":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}
