package council

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/quorumlabs/quorum/pkg/models"
)

var (
	finalRankingRe = regexp.MustCompile(`(?i)FINAL RANKING:`)
	numberedRe     = regexp.MustCompile(`\d+\.\s*Response\s+([A-Z]{1,2})\b`)
	labelRe        = regexp.MustCompile(`Response\s+([A-Z]{1,2})\b`)
)

// labelForIndex maps a Stage 1 arrival index to its anonymized label:
// 0 → "Response A", 25 → "Response Z", 26 → "Response AA". Letters
// extend spreadsheet-style so the labels stay unique past 26 results.
func labelForIndex(i int) string {
	letters := ""
	for i >= 0 {
		letters = string(rune('A'+i%26)) + letters
		i = i/26 - 1
	}
	return "Response " + letters
}

// formatRanking renders labels as the block reviewers are instructed
// to produce.
func formatRanking(labels []string) string {
	var sb strings.Builder
	sb.WriteString("FINAL RANKING:\n")
	for i, label := range labels {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, label)
	}
	return sb.String()
}

// parseRanking extracts the ordered label list from a reviewer's
// weakly-structured output. ok is false when nothing parseable was
// found or the ranking repeated a label.
func parseRanking(text string) (labels []string, ok bool) {
	section := text
	if loc := finalRankingRe.FindStringIndex(text); loc != nil {
		section = text[loc[1]:]
		matches := numberedRe.FindAllStringSubmatch(section, -1)
		if len(matches) == 0 {
			matches = labelRe.FindAllStringSubmatch(section, -1)
		}
		return dedupe(matches)
	}
	// No header at all: scan the whole text for label mentions.
	return dedupe(labelRe.FindAllStringSubmatch(text, -1))
}

// dedupe collapses matches to unique labels in order. A repeated label
// marks the ranking as unparseable for telemetry purposes, though the
// deduplicated order is still returned.
func dedupe(matches [][]string) ([]string, bool) {
	if len(matches) == 0 {
		return nil, false
	}
	seen := map[string]bool{}
	var labels []string
	duplicated := false
	for _, m := range matches {
		label := "Response " + m[1]
		if seen[label] {
			duplicated = true
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	return labels, !duplicated
}

// aggregateRankings averages each model's position across reviewers.
// Labels that do not map to a real model are discarded. Lower average
// is better; ties break by descending rankings count.
func aggregateRankings(results []models.Stage2Result, labelToModel map[string]string) []models.AggregateRanking {
	sums := map[string]float64{}
	counts := map[string]int{}

	for _, r := range results {
		for pos, label := range r.ParsedRanking {
			model, known := labelToModel[label]
			if !known {
				continue
			}
			sums[model] += float64(pos + 1)
			counts[model]++
		}
	}

	aggregates := make([]models.AggregateRanking, 0, len(sums))
	for model, sum := range sums {
		aggregates = append(aggregates, models.AggregateRanking{
			Model:         model,
			AverageRank:   sum / float64(counts[model]),
			RankingsCount: counts[model],
		})
	}
	sort.Slice(aggregates, func(i, j int) bool {
		if aggregates[i].AverageRank != aggregates[j].AverageRank {
			return aggregates[i].AverageRank < aggregates[j].AverageRank
		}
		if aggregates[i].RankingsCount != aggregates[j].RankingsCount {
			return aggregates[i].RankingsCount > aggregates[j].RankingsCount
		}
		return aggregates[i].Model < aggregates[j].Model
	})
	return aggregates
}

// buildRankingPrompt assembles the anonymized Stage 2 reviewer prompt.
// labeled holds "Response X:\n<sanitized>" blocks in label order; model
// identifiers must never reach this prompt.
func buildRankingPrompt(sanitizedQuery string, labeled []string) string {
	var sb strings.Builder
	sb.WriteString("Several advisors answered the question below. Evaluate each response on accuracy, depth, and practical usefulness.\n\n")
	sb.WriteString("Question:\n")
	sb.WriteString(sanitizedQuery)
	sb.WriteString("\n\n")
	for _, block := range labeled {
		sb.WriteString(block)
		sb.WriteString("\n")
	}
	sb.WriteString("\nWrite a short critique of each response. Then conclude with a block that begins with the line `FINAL RANKING:` followed by a numbered list from best to worst, one line per response, in the form `1. Response X`.")
	return sb.String()
}
