package models

import "time"

// Usage captures token consumption and latency for one model call.
// Emitted at most once per call, immediately before the terminal event.
type Usage struct {
	PromptTokens      int   `json:"prompt_tokens"`
	CompletionTokens  int   `json:"completion_tokens"`
	TotalTokens       int   `json:"total_tokens"`
	CacheReadTokens   int   `json:"cache_read_tokens,omitempty"`
	CacheCreateTokens int   `json:"cache_create_tokens,omitempty"`
	TTFTMillis        int64 `json:"ttft_ms"`
	TotalMillis       int64 `json:"total_ms"`
}

// Stage1Result is one council member's candidate answer.
type Stage1Result struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Usage    *Usage `json:"usage,omitempty"`
}

// Stage2Result is one reviewer's ranking of the anonymized answers.
// ParsedRanking holds labels ("Response A", "Response B", ...) in the
// reviewer's preference order; empty when the ranking was unparseable.
type Stage2Result struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking"`
	ParsedRanking []string `json:"parsed_ranking"`
	Usage         *Usage   `json:"usage,omitempty"`
}

// SecurityValidation summarizes the output-validation verdict attached
// to the final synthesized answer.
type SecurityValidation struct {
	IsSafe     bool   `json:"is_safe"`
	RiskLevel  string `json:"risk_level"`
	IssueCount int    `json:"issue_count"`
}

// Stage3Result is the chairman's synthesized answer.
type Stage3Result struct {
	Model              string             `json:"model"`
	Response           string             `json:"response"`
	Usage              *Usage             `json:"usage,omitempty"`
	SecurityValidation SecurityValidation `json:"security_validation"`
}

// AggregateRanking is one model's Borda-style aggregate position across
// all reviewers. Lower AverageRank is better.
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// StagePlan is the fully-resolved execution plan for one stage: which
// models run, with which sampling parameters, under which deadlines.
type StagePlan struct {
	Models           []string
	Temperature      *float64
	TopP             *float64
	MaxTokens        int
	StageDeadline    time.Duration
	PerModelDeadline time.Duration
	MinRequired      int
	StaggerDelay     time.Duration
}
