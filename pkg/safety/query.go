package safety

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/quorumlabs/quorum/pkg/models"
)

// LengthValidation is the result of ValidateQueryLength.
type LengthValidation struct {
	Valid bool `json:"valid"`
	Chars int  `json:"chars"`
	Limit int  `json:"limit"`
}

// Detection is the result of the suspicious-query and multi-turn
// heuristics. Detections inform logging and validation strictness;
// they never block a request.
type Detection struct {
	Suspicious bool     `json:"suspicious"`
	Risk       Risk     `json:"risk"`
	Patterns   []string `json:"patterns"`
}

// ValidateQueryLength checks the query against the configured limit.
// Counts runes, not bytes, so multibyte text is not penalized.
func (s *Service) ValidateQueryLength(text string) LengthValidation {
	chars := utf8.RuneCountInString(text)
	return LengthValidation{
		Valid: chars <= s.maxQueryChars,
		Chars: chars,
		Limit: s.maxQueryChars,
	}
}

// DetectSuspiciousQuery matches the query against the curated injection
// indicators plus an obfuscated-character ratio check.
func (s *Service) DetectSuspiciousQuery(text string) Detection {
	det := Detection{Risk: RiskNone}

	for _, p := range s.suspicious {
		if p.re.MatchString(text) {
			det.Patterns = append(det.Patterns, p.name)
			det.Risk = maxRisk(det.Risk, p.risk)
		}
	}

	if name, risk := s.obfuscationCheck(text); name != "" {
		det.Patterns = append(det.Patterns, name)
		det.Risk = maxRisk(det.Risk, risk)
	}

	// Several independent medium signals together read as high.
	if len(det.Patterns) >= 3 {
		det.Risk = maxRisk(det.Risk, RiskHigh)
	}

	det.Suspicious = len(det.Patterns) > 0
	return det
}

// obfuscationCheck flags unusually dense control or zero-width
// characters, a common smuggling vector.
func (s *Service) obfuscationCheck(text string) (string, Risk) {
	if text == "" {
		return "", RiskNone
	}
	hidden := len(s.controlRe.FindAllString(text, -1)) + len(s.zeroWidthRe.FindAllString(text, -1))
	if hidden == 0 {
		return "", RiskNone
	}
	total := utf8.RuneCountInString(text)
	ratio := float64(hidden) / float64(total)
	switch {
	case hidden >= 8 && ratio > 0.05:
		return "obfuscated_characters", RiskHigh
	case hidden >= 4 && ratio > 0.01:
		return "obfuscated_characters", RiskMedium
	}
	return "", RiskNone
}

// Terms whose growing frequency across user turns suggests probing for
// internal configuration.
var systemTerms = []string{
	"system prompt", "instructions", "internal", "hidden", "configuration", "guidelines",
}

// Refusal markers in assistant turns, used by the escalation heuristic.
var refusalMarkers = []string{
	"i can't", "i cannot", "i won't", "unable to", "not able to", "i'm not going to",
}

// Reframing phrases that follow a refusal in multi-turn attacks.
var reframeMarkers = []string{
	"hypothetically", "pretend", "roleplay", "role-play", "as a story",
	"for a novel", "in a fictional", "just imagine",
}

// DetectMultiTurnAttack looks across the conversation for escalation
// patterns: increasing system-term mentions, refusal reframing, and
// encoding obfuscation appearing after a refusal. Heuristic only.
func (s *Service) DetectMultiTurnAttack(history []models.Message, currentQuery string) Detection {
	det := Detection{Risk: RiskNone}

	userTurns := make([]string, 0, len(history)+1)
	refused := false
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			userTurns = append(userTurns, strings.ToLower(msg.Content))
		case models.RoleAssistant:
			lower := strings.ToLower(msg.Content)
			for _, marker := range refusalMarkers {
				if strings.Contains(lower, marker) {
					refused = true
					break
				}
			}
		}
	}
	current := strings.ToLower(currentQuery)
	userTurns = append(userTurns, current)

	// Escalating mentions of system/internal terms over the last turns.
	if n := len(userTurns); n >= 3 {
		counts := make([]int, 3)
		for i := 0; i < 3; i++ {
			counts[i] = countTerms(userTurns[n-3+i], systemTerms)
		}
		if counts[2] > counts[1] && counts[1] >= counts[0] && counts[2] >= 2 {
			det.Patterns = append(det.Patterns, "system_term_escalation")
			det.Risk = maxRisk(det.Risk, RiskMedium)
		}
	}

	// Reframing a refusal ("hypothetically...", "pretend...").
	if refused {
		for _, marker := range reframeMarkers {
			if strings.Contains(current, marker) {
				det.Patterns = append(det.Patterns, "refusal_reframing")
				det.Risk = maxRisk(det.Risk, RiskHigh)
				break
			}
		}
	}

	// Encoding obfuscation appearing only after a refusal.
	if refused {
		if re := s.suspiciousByName("base64_blob"); re != nil && re.MatchString(currentQuery) {
			det.Patterns = append(det.Patterns, "post_refusal_encoding")
			det.Risk = maxRisk(det.Risk, RiskHigh)
		}
	}

	det.Suspicious = len(det.Patterns) > 0
	return det
}

func (s *Service) suspiciousByName(name string) *regexp.Regexp {
	for _, p := range s.suspicious {
		if p.name == name {
			return p.re
		}
	}
	return nil
}

func countTerms(text string, terms []string) int {
	count := 0
	for _, term := range terms {
		count += strings.Count(text, term)
	}
	return count
}
