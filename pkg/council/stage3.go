package council

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quorumlabs/quorum/pkg/config"
	"github.com/quorumlabs/quorum/pkg/llm"
	"github.com/quorumlabs/quorum/pkg/models"
	"github.com/quorumlabs/quorum/pkg/registry"
	"github.com/quorumlabs/quorum/pkg/telemetry"
)

// allFailedResponse is the synthetic answer when every chairman fails.
const allFailedResponse = "[Error: All chairman models failed to produce a response. Please retry your question.]"

const chairmanInstructions = `You are the chairman of an executive council. Several advisors answered the user's question and then ranked each other's answers. Synthesize their work into one final answer.

Structure the answer as an executive summary followed by a sectioned body. Do not discuss the deliberation process, the advisors, or the rankings. Where needed context is missing, mark it inline with [GAP: what is missing].`

// Stage3Request starts the chairman synthesis.
type Stage3Request struct {
	SessionID         string
	Query             string
	History           []models.Message
	Stage1Results     []models.Stage1Result
	Stage2Results     []models.Stage2Result
	AggregateRankings []models.AggregateRanking

	Department string
	Preset     config.Preset
	Override   *config.LLMParams
	Modifier   config.Modifier
}

// Stage3 runs the chairman fallback chain: one model at a time, in
// registry order, until one produces a viable answer. The channel
// always ends with stage3_complete or stage3_timeout.
func (c *Council) Stage3(ctx context.Context, req Stage3Request) <-chan Event {
	out := make(chan Event)
	go c.runStage3(ctx, req, out)
	return out
}

func (c *Council) runStage3(ctx context.Context, req Stage3Request, out chan<- Event) {
	defer close(out)

	start := time.Now()
	chairmen := c.registry.GetModels(registry.RoleChairman)

	params := c.resolver.Resolve(ctx, config.ResolveRequest{
		Department: req.Department,
		Stage:      3,
		Preset:     req.Preset,
		Override:   req.Override,
		Modifier:   req.Modifier,
	})
	messages := []models.Message{
		models.SystemMessage(chairmanInstructions),
		models.UserMessage(c.buildChairmanPrompt(req)),
	}

	minChars := c.cfg.MinChairmanChars
	if minChars <= 0 {
		minChars = 50
	}

	var attempted []string
	for i, model := range chairmen {
		if elapsed := time.Since(start); elapsed > c.cfg.Stage3Timeout {
			c.emitStage3Timeout(ctx, req.SessionID, out, elapsed, attempted)
			return
		}
		attempted = append(attempted, model)

		content, usage, failure := c.chairmanAttempt(ctx, req.SessionID, model, messages, params, start, out)
		if ctx.Err() != nil {
			return
		}

		if failure == "" && strings.TrimSpace(content) != "" && utf8.RuneCountInString(content) >= minChars {
			c.emitStage3Complete(ctx, req.SessionID, out, model, content, usage)
			return
		}

		if failure == "" {
			failure = fmt.Sprintf("response too short (%d chars)", utf8.RuneCountInString(content))
		}
		c.logger.Warn("Chairman attempt failed",
			"session_id", req.SessionID, "model", model, "error", failure)

		if i+1 < len(chairmen) {
			if !send(ctx.Done(), out, &Stage3Fallback{FailedModel: model, NextModel: chairmen[i+1]}) {
				return
			}
		}
	}

	// Every chairman failed: deliver the sentinel answer attributed to
	// the primary chairman.
	nominal := ""
	if len(chairmen) > 0 {
		nominal = chairmen[0]
	}
	c.emitStage3Complete(ctx, req.SessionID, out, nominal, allFailedResponse, nil)
}

// chairmanAttempt streams one chairman call. failure is empty on a
// clean completion; content may still be too short to accept.
func (c *Council) chairmanAttempt(ctx context.Context, sessionID, model string, messages []models.Message, params config.LLMParams, stageStart time.Time, out chan<- Event) (content string, usage *models.Usage, failure string) {
	remaining := c.cfg.Stage3Timeout - time.Since(stageStart)
	if c.cfg.PerModelTimeout > 0 && c.cfg.PerModelTimeout < remaining {
		remaining = c.cfg.PerModelTimeout
	}
	mctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	events, err := c.streamer.Stream(mctx, llm.Request{
		Model:       model,
		Messages:    messages,
		Temperature: &params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return "", nil, err.Error()
	}

	truncated := false
	terminal := false
	for ev := range events {
		switch e := ev.(type) {
		case *llm.TokenEvent:
			if !send(ctx.Done(), out, &TokenEvent{Stage: 3, Model: model, Content: e.Text}) {
				return "", nil, "cancelled"
			}
		case *llm.TruncatedEvent:
			truncated = true
			if !send(ctx.Done(), out, &Stage3Truncated{Model: model}) {
				return "", nil, "cancelled"
			}
		case *llm.UsageEvent:
			u := e.Usage
			usage = &u
		case *llm.CompleteEvent:
			terminal = true
			content = e.Content
		case *llm.ErrorEvent:
			terminal = true
			failure = e.Message
			if !send(ctx.Done(), out, &Stage3Error{Model: model, Error: e.Message}) {
				return "", nil, "cancelled"
			}
		}
	}

	if !terminal {
		if mctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			telemetry.Record(c.sink, telemetry.Event{
				Kind:      telemetry.KindModelTimeout,
				SessionID: sessionID,
				Stage:     3,
				Model:     model,
			})
			return "", nil, "timeout: chairman produced no response in time"
		}
		return "", nil, "cancelled"
	}
	if failure == "" && truncated && strings.TrimSpace(content) == "" {
		failure = "truncated with empty content"
	}
	return content, usage, failure
}

func (c *Council) emitStage3Complete(ctx context.Context, sessionID string, out chan<- Event, model, content string, usage *models.Usage) {
	validation := c.safety.ValidateOutput(content)
	if !validation.Safe {
		c.logger.Warn("Final output required filtering",
			"session_id", sessionID, "model", model,
			"risk", validation.Risk, "issues", validation.Issues)
		telemetry.Record(c.sink, telemetry.Event{
			Kind:      telemetry.KindOutputValidation,
			SessionID: sessionID,
			Stage:     3,
			Model:     model,
			Risk:      string(validation.Risk),
			Detail:    map[string]any{"issues": validation.Issues},
		})
	}
	send(ctx.Done(), out, &Stage3Complete{Data: models.Stage3Result{
		Model:    model,
		Response: validation.FilteredOutput,
		Usage:    usage,
		SecurityValidation: models.SecurityValidation{
			IsSafe:     validation.Safe,
			RiskLevel:  string(validation.Risk),
			IssueCount: len(validation.Issues),
		},
	}})
}

func (c *Council) emitStage3Timeout(ctx context.Context, sessionID string, out chan<- Event, elapsed time.Duration, attempted []string) {
	telemetry.Record(c.sink, telemetry.Event{
		Kind:      telemetry.KindStageTimeout,
		SessionID: sessionID,
		Stage:     3,
		Detail: map[string]any{
			"elapsed_seconds":  elapsed.Seconds(),
			"timeout_seconds":  c.cfg.Stage3Timeout.Seconds(),
			"attempted_models": attempted,
		},
	})
	send(ctx.Done(), out, &Stage3Timeout{
		Elapsed:         elapsed.Seconds(),
		Timeout:         c.cfg.Stage3Timeout.Seconds(),
		AttemptedModels: attempted,
	})
}

// buildChairmanPrompt assembles the synthesis material. All model
// produced text and prior history pass through the sanitizer first.
func (c *Council) buildChairmanPrompt(req Stage3Request) string {
	var sb strings.Builder

	if len(req.History) > 0 {
		sb.WriteString("## Prior Conversation\n")
		for _, msg := range req.History {
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, c.safety.SanitizeModelContent(msg.Content))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Question\n")
	sb.WriteString(c.safety.SanitizeModelContent(req.Query))
	sb.WriteString("\n\n## Advisor Responses\n")
	for _, r := range req.Stage1Results {
		fmt.Fprintf(&sb, "\n### %s\n%s\n", r.Model, c.safety.SanitizeModelContent(r.Response))
	}

	if len(req.Stage2Results) > 0 {
		sb.WriteString("\n## Peer Rankings\n")
		for _, r := range req.Stage2Results {
			fmt.Fprintf(&sb, "\n### Review by %s\n%s\n", r.Model, c.safety.SanitizeModelContent(r.Ranking))
		}
	}
	if len(req.AggregateRankings) > 0 {
		sb.WriteString("\n## Aggregate Ranking\n")
		for i, a := range req.AggregateRankings {
			fmt.Fprintf(&sb, "%d. %s (average rank %.2f over %d rankings)\n", i+1, a.Model, a.AverageRank, a.RankingsCount)
		}
	}

	return sb.String()
}
