package safety

import (
	"strings"

	"github.com/quorumlabs/quorum/pkg/models"
)

// ManipulationFinding describes one suspected ranking manipulation.
type ManipulationFinding struct {
	Kind   string   `json:"kind"`
	Models []string `json:"models,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// ManipulationReport is the result of DetectRankingManipulation.
type ManipulationReport struct {
	Suspicious bool                  `json:"suspicious"`
	Findings   []ManipulationFinding `json:"findings,omitempty"`
}

// DetectRankingManipulation inspects parsed peer rankings for
// collusion signals: a reviewer placing its own anonymized response
// first, and distinct reviewers producing identical orderings.
// Findings are advisory; rankings are still aggregated.
func (s *Service) DetectRankingManipulation(results []models.Stage2Result, labelToModel map[string]string) ManipulationReport {
	var report ManipulationReport

	for _, r := range results {
		if len(r.ParsedRanking) == 0 {
			continue
		}
		first := labelToModel[r.ParsedRanking[0]]
		if first != "" && first == r.Model {
			report.Findings = append(report.Findings, ManipulationFinding{
				Kind:   "self_promotion",
				Models: []string{r.Model},
				Detail: "reviewer ranked its own response first",
			})
		}
	}

	byOrder := make(map[string][]string)
	for _, r := range results {
		if len(r.ParsedRanking) < 2 {
			continue
		}
		key := strings.Join(r.ParsedRanking, ">")
		byOrder[key] = append(byOrder[key], r.Model)
	}
	for order, reviewers := range byOrder {
		if len(reviewers) >= 2 {
			report.Findings = append(report.Findings, ManipulationFinding{
				Kind:   "identical_rankings",
				Models: reviewers,
				Detail: "reviewers produced the same ordering " + order,
			})
		}
	}

	report.Suspicious = len(report.Findings) > 0
	return report
}
