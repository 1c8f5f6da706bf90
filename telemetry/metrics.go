// Package telemetry provides OpenTelemetry metrics for the archive access
// core: cache tier behaviour, index/object traffic, transfer cost, and the
// assumed-status marker for reconstructed HTTP responses.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/gofullthrottle/common-crawl-mcp-server"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	cacheLookupsTotal   metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter
	cacheEntries        metric.Int64Gauge
	cacheSizeBytes      metric.Int64Gauge

	indexRequestsTotal   metric.Int64Counter
	indexRequestDuration metric.Float64Histogram
	indexRecordsTotal    metric.Int64Counter

	objectRequestsTotal  metric.Int64Counter
	objectBytesTotal     metric.Int64Counter
	objectCostUSDTotal   metric.Float64Counter
	objectProbeDuration  metric.Float64Histogram

	recordsParsedTotal metric.Int64Counter
	assumedStatusTotal metric.Int64Counter

	pagesAnalyzedTotal metric.Int64Counter
	reportDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "common-crawl-mcp-server"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	cacheLookupsTotal, err := meter.Int64Counter(
		"commoncrawl_cache_lookups_total",
		metric.WithDescription("Cache lookups by tier and outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"commoncrawl_cache_evictions_total",
		metric.WithDescription("Cache entries evicted from the persistent tier"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"commoncrawl_cache_entries",
		metric.WithDescription("Entries currently tracked in the persistent tier"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheSizeBytes, err := meter.Int64Gauge(
		"commoncrawl_cache_size_bytes",
		metric.WithDescription("Aggregate size of the persistent tier"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	indexRequestsTotal, err := meter.Int64Counter(
		"commoncrawl_index_requests_total",
		metric.WithDescription("Requests issued to the index server"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	indexRequestDuration, err := meter.Float64Histogram(
		"commoncrawl_index_request_duration_seconds",
		metric.WithDescription("Index server request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	indexRecordsTotal, err := meter.Int64Counter(
		"commoncrawl_index_records_total",
		metric.WithDescription("Index records parsed or skipped"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	objectRequestsTotal, err := meter.Int64Counter(
		"commoncrawl_object_requests_total",
		metric.WithDescription("Requests issued to the object store"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	objectBytesTotal, err := meter.Int64Counter(
		"commoncrawl_object_bytes_total",
		metric.WithDescription("Bytes transferred from the object store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	objectCostUSDTotal, err := meter.Float64Counter(
		"commoncrawl_object_cost_usd_total",
		metric.WithDescription("Estimated egress cost of object store transfers"),
		metric.WithUnit("{usd}"),
	)
	if err != nil {
		return err
	}

	objectProbeDuration, err := meter.Float64Histogram(
		"commoncrawl_object_request_duration_seconds",
		metric.WithDescription("Object store request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	recordsParsedTotal, err := meter.Int64Counter(
		"commoncrawl_archive_records_total",
		metric.WithDescription("Archive records parsed or skipped during segment iteration"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	assumedStatusTotal, err := meter.Int64Counter(
		"commoncrawl_assumed_status_responses_total",
		metric.WithDescription("Reconstructed HTTP responses that defaulted to status 200 because no header/body boundary was found"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return err
	}

	pagesAnalyzedTotal, err := meter.Int64Counter(
		"commoncrawl_pages_analyzed_total",
		metric.WithDescription("Per-page analysis attempts by report kind and outcome"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return err
	}

	reportDuration, err := meter.Float64Histogram(
		"commoncrawl_report_duration_seconds",
		metric.WithDescription("End-to-end aggregation report duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		cacheLookupsTotal:    cacheLookupsTotal,
		cacheEvictionsTotal:  cacheEvictionsTotal,
		cacheEntries:         cacheEntries,
		cacheSizeBytes:       cacheSizeBytes,
		indexRequestsTotal:   indexRequestsTotal,
		indexRequestDuration: indexRequestDuration,
		indexRecordsTotal:    indexRecordsTotal,
		objectRequestsTotal:  objectRequestsTotal,
		objectBytesTotal:     objectBytesTotal,
		objectCostUSDTotal:   objectCostUSDTotal,
		objectProbeDuration:  objectProbeDuration,
		recordsParsedTotal:   recordsParsedTotal,
		assumedStatusTotal:   assumedStatusTotal,
		pagesAnalyzedTotal:   pagesAnalyzedTotal,
		reportDuration:       reportDuration,
		meterProvider:        mp,
		promHandler:          promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the HTTP handler for the /metrics endpoint.
// Returns nil if Prometheus export is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// RecordCacheLookup records one cache lookup against a tier.
func RecordCacheLookup(ctx context.Context, tier string, hit bool) {
	if globalMetrics == nil {
		return
	}

	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	))
}

// RecordCacheEviction records one eviction pass.
func RecordCacheEviction(ctx context.Context, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, int64(entries))
}

// UpdateCacheState updates the persistent tier gauges.
func UpdateCacheState(ctx context.Context, entries, sizeBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, entries)
	globalMetrics.cacheSizeBytes.Record(ctx, sizeBytes)
}

// RecordIndexRequest records one request against the index server.
func RecordIndexRequest(ctx context.Context, endpoint, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	}
	globalMetrics.indexRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.indexRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordIndexRecords records parsed and skipped index response lines.
func RecordIndexRecords(ctx context.Context, parsed, skipped int) {
	if globalMetrics == nil {
		return
	}
	if parsed > 0 {
		globalMetrics.indexRecordsTotal.Add(ctx, int64(parsed), metric.WithAttributes(
			attribute.String("outcome", "parsed")))
	}
	if skipped > 0 {
		globalMetrics.indexRecordsTotal.Add(ctx, int64(skipped), metric.WithAttributes(
			attribute.String("outcome", "skipped")))
	}
}

// RecordObjectTransfer records one object store request and its transfer cost.
func RecordObjectTransfer(ctx context.Context, op, outcome string, bytes int64, costUSD float64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.objectRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.objectProbeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.objectBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
	if costUSD > 0 {
		globalMetrics.objectCostUSDTotal.Add(ctx, costUSD, metric.WithAttributes(attrs...))
	}
}

// RecordParsedRecords records archive record parse outcomes for one segment.
func RecordParsedRecords(ctx context.Context, parsed, skipped int) {
	if globalMetrics == nil {
		return
	}
	if parsed > 0 {
		globalMetrics.recordsParsedTotal.Add(ctx, int64(parsed), metric.WithAttributes(
			attribute.String("outcome", "parsed")))
	}
	if skipped > 0 {
		globalMetrics.recordsParsedTotal.Add(ctx, int64(skipped), metric.WithAttributes(
			attribute.String("outcome", "skipped")))
	}
}

// RecordAssumedStatus marks one reconstructed response whose status code was
// defaulted rather than parsed. Kept separate from real 200s so malformed
// captures stay visible in ops dashboards.
func RecordAssumedStatus(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.assumedStatusTotal.Add(ctx, 1)
}

// RecordPageAnalysis records one per-page analysis attempt within a report.
func RecordPageAnalysis(ctx context.Context, report string, ok bool) {
	if globalMetrics == nil {
		return
	}

	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	globalMetrics.pagesAnalyzedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("report", report),
		attribute.String("outcome", outcome),
	))
}

// RecordReport records the end-to-end duration of one aggregation report.
func RecordReport(ctx context.Context, report string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reportDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("report", report),
	))
}

// noopExporter is a metrics exporter that discards all data.
// Used when no OTLP endpoint or Prometheus exporter is configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
