package aggregate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofullthrottle/common-crawl-mcp-server/telemetry"
)

// checkedSecurityHeaders are the response headers whose adoption the
// analysis measures. The first four are the essential set that drives the
// security score.
var checkedSecurityHeaders = []string{
	"Strict-Transport-Security",
	"Content-Security-Policy",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"X-XSS-Protection",
	"Referrer-Policy",
	"Permissions-Policy",
}

const essentialHeaderCount = 4

// headerRecommendation pairs an essential header with the adoption
// percentage below which it is flagged.
var headerRecommendations = []struct {
	header    string
	threshold float64
	advice    string
}{
	{"Strict-Transport-Security", 80, "Enable Strict-Transport-Security to enforce HTTPS on all pages"},
	{"Content-Security-Policy", 50, "Deploy a Content-Security-Policy to mitigate script injection"},
	{"X-Frame-Options", 80, "Set X-Frame-Options to protect against clickjacking"},
	{"X-Content-Type-Options", 80, "Set X-Content-Type-Options: nosniff to disable MIME sniffing"},
}

// HeaderReport summarizes response header hygiene across a domain sample.
type HeaderReport struct {
	Domain                 string             `json:"domain"`
	SnapshotID             string             `json:"snapshot_id"`
	RunID                  string             `json:"run_id"`
	PagesAttempted         int                `json:"pages_attempted"`
	PagesAnalyzed          int                `json:"pages_analyzed"`
	SecurityHeaderAdoption map[string]float64 `json:"security_header_adoption"`
	CachingPolicyCounts    map[string]int     `json:"caching_policy_counts"`
	ServerCounts           map[string]int     `json:"server_counts"`
	SecurityScore          float64            `json:"security_score"`
	Recommendations        []string           `json:"recommendations"`
}

// HeaderAnalysis measures security header adoption, caching policy, and
// server software across a domain sample. The security score gives each of
// the four essential headers an equal share of 100 points, weighted by its
// adoption percentage.
func (e *Engine) HeaderAnalysis(ctx context.Context, domain, snapshotID string, sampleSize int) (*HeaderReport, error) {
	snapshotID, err := e.resolveSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("resolving snapshot: %w", err)
	}

	key := fmt.Sprintf("report:headers:%s:%s:%d", domain, snapshotID, sampleSize)
	if cached, ok := loadReport[HeaderReport](ctx, e, key); ok {
		return cached, nil
	}

	start := time.Now()
	defer func() { telemetry.RecordReport(ctx, "headers", time.Since(start)) }()

	records := e.candidates(ctx, domain, snapshotID, sampleSize)
	pages := e.fetchAll(ctx, "headers", records, snapshotID, e.width)

	report := &HeaderReport{
		Domain:                 domain,
		SnapshotID:             snapshotID,
		RunID:                  e.newRunID(),
		PagesAttempted:         len(records),
		PagesAnalyzed:          len(pages),
		SecurityHeaderAdoption: make(map[string]float64, len(checkedSecurityHeaders)),
		CachingPolicyCounts:    make(map[string]int),
		ServerCounts:           make(map[string]int),
	}

	headerPresence := make(map[string]int, len(checkedSecurityHeaders))
	for _, page := range pages {
		lowered := make(map[string]string, len(page.Headers))
		for name, value := range page.Headers {
			lowered[strings.ToLower(name)] = value
		}

		for _, header := range checkedSecurityHeaders {
			if _, ok := lowered[strings.ToLower(header)]; ok {
				headerPresence[header]++
			}
		}
		if policy, ok := lowered["cache-control"]; ok {
			report.CachingPolicyCounts[cachingPolicy(policy)]++
		}
		if server, ok := lowered["server"]; ok {
			report.ServerCounts[serverName(server)]++
		}
	}

	analyzed := float64(len(pages))
	for _, header := range checkedSecurityHeaders {
		if analyzed > 0 {
			report.SecurityHeaderAdoption[header] = float64(headerPresence[header]) / analyzed * 100
		} else {
			report.SecurityHeaderAdoption[header] = 0
		}
	}

	for i := 0; i < essentialHeaderCount; i++ {
		report.SecurityScore += report.SecurityHeaderAdoption[checkedSecurityHeaders[i]] / essentialHeaderCount
	}

	for _, rec := range headerRecommendations {
		if report.SecurityHeaderAdoption[rec.header] < rec.threshold {
			report.Recommendations = append(report.Recommendations, rec.advice)
		}
	}
	report.Recommendations = append(report.Recommendations, scoreSummary(report.SecurityScore))

	e.storeReport(ctx, key, report)
	return report, nil
}

// cachingPolicy buckets a Cache-Control value into the three policy classes
// the report counts: "no-cache" (any no-cache or no-store directive),
// "max-age", or "other".
func cachingPolicy(value string) string {
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "no-cache") || strings.Contains(v, "no-store"):
		return "no-cache"
	case strings.Contains(v, "max-age"):
		return "max-age"
	default:
		return "other"
	}
}

// serverName reduces a Server header to the software name: the lowercased
// text before the first "/", so "Nginx/1.18.0" and "nginx/1.20.1" count
// together.
func serverName(value string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(value), "/")
	return strings.ToLower(name)
}

// scoreSummary is the overall recommendation for a score band.
func scoreSummary(score float64) string {
	switch {
	case score >= 90:
		return "Excellent security header coverage; keep policies current"
	case score >= 70:
		return "Good coverage; close the remaining essential header gaps"
	case score >= 50:
		return "Moderate coverage; prioritize the flagged essential headers"
	default:
		return "Poor coverage; adopt the essential security headers across all pages"
	}
}
