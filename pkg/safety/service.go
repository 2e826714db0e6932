// Package safety implements the prompt-injection defense pipeline:
// query validation, suspicious-pattern detection, untrusted-content
// wrapping, inter-stage sanitization, output validation, and ranking
// manipulation detection. All operations are pure given the patterns
// compiled at construction.
package safety

import (
	"regexp"
)

// Risk levels reported by detections and output validation.
type Risk string

const (
	RiskNone   Risk = "none"
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// DefaultSectionCap bounds sanitized model content embedded into a
// later stage's prompt.
const DefaultSectionCap = 8000

type suspiciousPattern struct {
	name string
	re   *regexp.Regexp
	risk Risk
}

type sensitivePattern struct {
	name string
	re   *regexp.Regexp
}

// Service holds the compiled pattern sets. Created once at startup;
// thread-safe and stateless beyond compiled patterns.
type Service struct {
	maxQueryChars int
	sectionCap    int

	suspicious []suspiciousPattern
	sensitive  []sensitivePattern

	sentinelRe  *regexp.Regexp
	markerRe    *regexp.Regexp
	controlRe   *regexp.Regexp
	zeroWidthRe *regexp.Regexp
	unwrapRe    *regexp.Regexp
}

// NewService compiles all pattern sets. maxQueryChars and sectionCap
// fall back to defaults when non-positive.
func NewService(maxQueryChars, sectionCap int) *Service {
	if maxQueryChars <= 0 {
		maxQueryChars = 50000
	}
	if sectionCap <= 0 {
		sectionCap = DefaultSectionCap
	}

	return &Service{
		maxQueryChars: maxQueryChars,
		sectionCap:    sectionCap,

		suspicious: []suspiciousPattern{
			{
				name: "ignore_previous",
				re:   regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts?|messages?)`),
				risk: RiskHigh,
			},
			{
				name: "system_prompt_probe",
				re:   regexp.MustCompile(`(?i)(reveal|show|print|dump|repeat|leak|output)[^.\n]{0,60}(system\s+prompt|hidden\s+instructions)`),
				risk: RiskHigh,
			},
			{
				name: "system_prompt_mention",
				re:   regexp.MustCompile(`(?i)system\s+prompt`),
				risk: RiskMedium,
			},
			{
				name: "role_switch",
				re:   regexp.MustCompile(`(?i)\byou\s+are\s+now\b`),
				risk: RiskMedium,
			},
			{
				name: "role_marker",
				re:   regexp.MustCompile(`(?mi)^\s*(system|assistant)\s*:\s`),
				risk: RiskMedium,
			},
			{
				name: "sentinel_mimicry",
				re:   regexp.MustCompile(`-{3,}\s*(BEGIN|END)\s+UNTRUSTED`),
				risk: RiskHigh,
			},
			{
				name: "base64_blob",
				re:   regexp.MustCompile(`[A-Za-z0-9+/]{120,}={0,2}`),
				risk: RiskMedium,
			},
		},

		sensitive: []sensitivePattern{
			{name: "api_key", re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
			{name: "aws_access_key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
			{name: "private_key", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
			{name: "bearer_token", re: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{30,}=*`)},
		},

		// Sentinel-shaped lines are stripped from model content so a
		// model cannot close the envelope early.
		sentinelRe: regexp.MustCompile(`(?m)^.*-{3,}\s*(BEGIN|END)\s+UNTRUSTED.*$`),

		// Section headers produced by the context composer. Their
		// appearance in model output indicates system-prompt leakage.
		markerRe: regexp.MustCompile(`(?m)^#{1,3}\s*(Company Context|Project Context|Active Departments|Department Context[^\n]*|Technical Documentation|Knowledge Base|Playbooks|Recent Decisions|Response Guidance)\s*$`),

		controlRe:   regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]"),
		zeroWidthRe: regexp.MustCompile("[\u200B\u200C\u200D\u200E\u200F\u2060\uFEFF]"),

		unwrapRe: regexp.MustCompile(`(?s)-----BEGIN UNTRUSTED USER INPUT ([0-9a-f-]{36})-----\n(.*)\n-----END UNTRUSTED USER INPUT ([0-9a-f-]{36})-----`),
	}
}

// SectionCap returns the per-section character cap applied by
// SanitizeModelContent.
func (s *Service) SectionCap() int {
	return s.sectionCap
}

// MaxQueryChars returns the configured query length limit.
func (s *Service) MaxQueryChars() int {
	return s.maxQueryChars
}

// maxRisk returns the higher of two risk levels.
func maxRisk(a, b Risk) Risk {
	rank := map[Risk]int{RiskNone: 0, RiskLow: 1, RiskMedium: 2, RiskHigh: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
