package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofullthrottle/common-crawl-mcp-server/analyze"
	"github.com/gofullthrottle/common-crawl-mcp-server/telemetry"
)

// timelineTechSampleSize bounds how many pages per snapshot contribute to a
// timeline's technology sets. Full samples would multiply download cost by
// the number of snapshots for little signal gain.
const timelineTechSampleSize = 10

// TechnologyReport summarizes detected platform components across a domain
// sample.
type TechnologyReport struct {
	Domain             string                    `json:"domain"`
	SnapshotID         string                    `json:"snapshot_id"`
	RunID              string                    `json:"run_id"`
	PagesAttempted     int                       `json:"pages_attempted"`
	PagesAnalyzed      int                       `json:"pages_analyzed"`
	TechnologyCounts   map[string]int            `json:"technology_counts"`
	CategoryBreakdown  map[string]map[string]int `json:"category_breakdown"`
	AdoptionPercentage map[string]float64        `json:"adoption_percentage"`
}

// DomainTimeline tracks a domain's evolution across an ordered list of
// snapshots. The caller-supplied snapshot order defines chronology and is
// never re-sorted. Added/removed sets for each snapshot are a strict set
// difference against the immediately preceding snapshot only.
type DomainTimeline struct {
	Domain              string              `json:"domain"`
	RunID               string              `json:"run_id"`
	SnapshotIDs         []string            `json:"snapshot_ids"`
	PageCounts          map[string]int      `json:"page_counts"`
	SizeBytes           map[string]int64    `json:"size_bytes"`
	TechnologiesAdded   map[string][]string `json:"technologies_added"`
	TechnologiesRemoved map[string][]string `json:"technologies_removed"`
}

// TechnologyReport detects technologies across a domain sample and folds
// them into per-technology counts, a category breakdown, and per-technology
// adoption percentages.
func (e *Engine) TechnologyReport(ctx context.Context, domain, snapshotID string, sampleSize int) (*TechnologyReport, error) {
	snapshotID, err := e.resolveSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("resolving snapshot: %w", err)
	}

	key := fmt.Sprintf("report:tech:%s:%s:%d", domain, snapshotID, sampleSize)
	if cached, ok := loadReport[TechnologyReport](ctx, e, key); ok {
		return cached, nil
	}

	start := time.Now()
	defer func() { telemetry.RecordReport(ctx, "technology", time.Since(start)) }()

	records := e.candidates(ctx, domain, snapshotID, sampleSize)
	pages := e.fetchAll(ctx, "technology", records, snapshotID, e.width)

	report := &TechnologyReport{
		Domain:             domain,
		SnapshotID:         snapshotID,
		RunID:              e.newRunID(),
		PagesAttempted:     len(records),
		PagesAnalyzed:      len(pages),
		TechnologyCounts:   make(map[string]int),
		CategoryBreakdown:  make(map[string]map[string]int),
		AdoptionPercentage: make(map[string]float64),
	}

	for _, page := range pages {
		for _, tech := range analyze.Technologies(page.Body, page.Headers) {
			report.TechnologyCounts[tech.Name]++
			if report.CategoryBreakdown[tech.Category] == nil {
				report.CategoryBreakdown[tech.Category] = make(map[string]int)
			}
			report.CategoryBreakdown[tech.Category][tech.Name]++
		}
	}

	if len(pages) > 0 {
		for name, count := range report.TechnologyCounts {
			report.AdoptionPercentage[name] = float64(count) / float64(len(pages)) * 100
		}
	}

	e.storeReport(ctx, key, report)
	return report, nil
}

// EvolutionTimeline compares a domain across snapshots in the given order.
// Page counts and size come from the full deduplicated sample per snapshot;
// technology sets come from only the first timelineTechSampleSize URLs of
// each snapshot, fetched at the engine's reduced timeline width.
func (e *Engine) EvolutionTimeline(ctx context.Context, domain string, snapshotIDs []string, sampleSize int) (*DomainTimeline, error) {
	if len(snapshotIDs) == 0 {
		return nil, fmt.Errorf("timeline requires at least one snapshot id")
	}

	key := fmt.Sprintf("report:timeline:%s:%s:%d", domain, strings.Join(snapshotIDs, ","), sampleSize)
	if cached, ok := loadReport[DomainTimeline](ctx, e, key); ok {
		return cached, nil
	}

	start := time.Now()
	defer func() { telemetry.RecordReport(ctx, "timeline", time.Since(start)) }()

	timeline := &DomainTimeline{
		Domain:              domain,
		RunID:               e.newRunID(),
		SnapshotIDs:         snapshotIDs,
		PageCounts:          make(map[string]int, len(snapshotIDs)),
		SizeBytes:           make(map[string]int64, len(snapshotIDs)),
		TechnologiesAdded:   make(map[string][]string),
		TechnologiesRemoved: make(map[string][]string),
	}

	techSets := make([]map[string]bool, len(snapshotIDs))
	for i, id := range snapshotIDs {
		records := e.candidates(ctx, domain, id, sampleSize)
		timeline.PageCounts[id] = len(records)
		for _, rec := range records {
			timeline.SizeBytes[id] += rec.Length
		}

		techSample := records
		if len(techSample) > timelineTechSampleSize {
			techSample = techSample[:timelineTechSampleSize]
		}
		pages := e.fetchAll(ctx, "timeline", techSample, id, e.tlWidth)

		techSets[i] = make(map[string]bool)
		for _, page := range pages {
			for _, tech := range analyze.Technologies(page.Body, page.Headers) {
				techSets[i][tech.Name] = true
			}
		}
	}

	// Diffs are keyed by the later snapshot of each adjacent pair and
	// computed independently per pair.
	for i := 1; i < len(snapshotIDs); i++ {
		later := snapshotIDs[i]
		timeline.TechnologiesAdded[later] = setDifference(techSets[i], techSets[i-1])
		timeline.TechnologiesRemoved[later] = setDifference(techSets[i-1], techSets[i])
	}

	e.storeReport(ctx, key, timeline)
	return timeline, nil
}

// setDifference returns the members of a not in b, sorted for deterministic
// output.
func setDifference(a, b map[string]bool) []string {
	diff := []string{}
	for member := range a {
		if !b[member] {
			diff = append(diff, member)
		}
	}
	sort.Strings(diff)
	return diff
}
