package aggregate

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	commoncrawl "github.com/gofullthrottle/common-crawl-mcp-server"
	"github.com/gofullthrottle/common-crawl-mcp-server/analyze"
	"github.com/gofullthrottle/common-crawl-mcp-server/telemetry"
)

// KeywordReport is a per-keyword, per-page frequency analysis with TF-IDF
// scoring. A keyword matched in zero sampled pages has no entry in
// Frequencies or TFIDFScores at all, not an empty or zero entry.
type KeywordReport struct {
	Domain           string                        `json:"domain"`
	SnapshotID       string                        `json:"snapshot_id"`
	RunID            string                        `json:"run_id"`
	Keywords         []string                      `json:"keywords"`
	CaseSensitive    bool                          `json:"case_sensitive"`
	PagesAttempted   int                           `json:"pages_attempted"`
	PagesAnalyzed    int                           `json:"pages_analyzed"`
	Frequencies      map[string]map[string]int     `json:"frequencies"`
	TotalOccurrences map[string]int                `json:"total_occurrences"`
	TFIDFScores      map[string]map[string]float64 `json:"tfidf_scores"`
}

// KeywordFrequency counts keyword occurrences across a domain sample.
// Matching is word-boundary based so substrings of longer words never
// match. Term frequency is the raw per-page count; inverse document
// frequency is ln(analyzed pages / pages containing the keyword).
func (e *Engine) KeywordFrequency(ctx context.Context, domain string, keywords []string, snapshotID string, sampleSize int, caseSensitive bool) (*KeywordReport, error) {
	snapshotID, err := e.resolveSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("resolving snapshot: %w", err)
	}

	key := fmt.Sprintf("report:keywords:%s:%s:%d:%t:%s",
		domain, snapshotID, sampleSize, caseSensitive, keywordSetKey(keywords))
	if cached, ok := loadReport[KeywordReport](ctx, e, key); ok {
		return cached, nil
	}

	start := time.Now()
	defer func() { telemetry.RecordReport(ctx, "keywords", time.Since(start)) }()

	matchers := compileKeywordMatchers(keywords, caseSensitive, e)

	records := e.candidates(ctx, domain, snapshotID, sampleSize)
	pages := e.fetchAll(ctx, "keywords", records, snapshotID, e.width)

	report := &KeywordReport{
		Domain:           domain,
		SnapshotID:       snapshotID,
		RunID:            e.newRunID(),
		Keywords:         keywords,
		CaseSensitive:    caseSensitive,
		PagesAttempted:   len(records),
		PagesAnalyzed:    len(pages),
		Frequencies:      make(map[string]map[string]int),
		TotalOccurrences: make(map[string]int),
		TFIDFScores:      make(map[string]map[string]float64),
	}

	for pageURL, page := range pages {
		text := analyze.Text(page.Body)
		for keyword, re := range matchers {
			count := len(re.FindAllStringIndex(text, -1))
			if count == 0 {
				continue
			}
			if report.Frequencies[keyword] == nil {
				report.Frequencies[keyword] = make(map[string]int)
			}
			report.Frequencies[keyword][pageURL] = count
			report.TotalOccurrences[keyword] += count
		}
	}

	totalDocs := float64(len(pages))
	for keyword, perPage := range report.Frequencies {
		idf := math.Log(totalDocs / float64(len(perPage)))
		scores := make(map[string]float64, len(perPage))
		for pageURL, tf := range perPage {
			scores[pageURL] = float64(tf) * idf
		}
		report.TFIDFScores[keyword] = scores
	}

	e.storeReport(ctx, key, report)
	return report, nil
}

// keywordSetKey digests the keyword list for the report cache key. Each
// keyword is length-prefixed before hashing, so no keyword list can collide
// with a differently split one regardless of the characters it contains.
func keywordSetKey(keywords []string) string {
	var b strings.Builder
	for _, keyword := range keywords {
		fmt.Fprintf(&b, "%d:%s", len(keyword), keyword)
	}
	return commoncrawl.KeyHash(b.String()).String()
}

// compileKeywordMatchers builds word-boundary matchers. Keywords that do not
// compile (after quoting, only pathological inputs) are skipped with a
// warning.
func compileKeywordMatchers(keywords []string, caseSensitive bool, e *Engine) map[string]*regexp.Regexp {
	matchers := make(map[string]*regexp.Regexp, len(keywords))
	for _, keyword := range keywords {
		if keyword == "" {
			continue
		}
		pattern := `\b` + regexp.QuoteMeta(keyword) + `\b`
		if !caseSensitive {
			pattern = `(?i)` + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			e.logger.Warn("skipping uncompilable keyword", "keyword", keyword, "error", err)
			continue
		}
		matchers[keyword] = re
	}
	return matchers
}
