package council

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quorumlabs/quorum/pkg/composer"
	"github.com/quorumlabs/quorum/pkg/config"
	"github.com/quorumlabs/quorum/pkg/llm"
	"github.com/quorumlabs/quorum/pkg/models"
	"github.com/quorumlabs/quorum/pkg/registry"
)

// titleMaxTokens bounds the title-generation call.
const titleMaxTokens = 64

// defaultComposeBudget is the system-prompt token budget when the
// caller does not set one.
const defaultComposeBudget = 8000

// AskRequest is one full council deliberation.
type AskRequest struct {
	SessionID string
	Query     string
	History   []models.Message

	// Context composition inputs. All optional.
	CompanyID     string
	DepartmentIDs []string
	RoleIDs       []string
	ProjectID     string
	PlaybookIDs   []string
	ContextBudget int

	// Department drives preset lookup; usually the primary department.
	Department string
	Preset     config.Preset
	Override   *config.LLMParams
	Modifier   config.Modifier
}

// Pipeline chains the three stages and the context composer into one
// event sequence per request.
type Pipeline struct {
	council  *Council
	composer *composer.Composer
}

// NewPipeline creates a Pipeline. comp may be nil when the caller
// supplies no context inputs; the stages then run with a minimal
// system prompt.
func NewPipeline(council *Council, comp *composer.Composer) *Pipeline {
	return &Pipeline{council: council, composer: comp}
}

// Ask runs Stage 1 → Stage 2 → Stage 3, forwarding every stage event.
// A failed stage (insufficient or timeout) ends the sequence; later
// stages never run on partial-failure terminals.
func (p *Pipeline) Ask(ctx context.Context, req AskRequest) (<-chan Event, error) {
	systemPrompt, err := p.composeContext(ctx, req)
	if err != nil {
		return nil, err
	}

	stage1, err := p.council.Stage1(ctx, Stage1Request{
		SessionID:    req.SessionID,
		Query:        req.Query,
		SystemPrompt: systemPrompt,
		History:      req.History,
		Department:   req.Department,
		Preset:       req.Preset,
		Override:     req.Override,
		Modifier:     req.Modifier,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go p.run(ctx, req, stage1, out)
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, req AskRequest, stage1 <-chan Event, out chan<- Event) {
	defer close(out)

	var stage1Results []models.Stage1Result
	stage1OK := false
	for ev := range stage1 {
		if done, ok := ev.(*Stage1AllComplete); ok {
			stage1Results = done.Data
			stage1OK = true
		}
		if !send(ctx.Done(), out, ev) {
			return
		}
	}
	if !stage1OK {
		return
	}

	var stage2Results []models.Stage2Result
	var aggregates []models.AggregateRanking
	stage2OK := false
	for ev := range p.council.Stage2(ctx, Stage2Request{
		SessionID:     req.SessionID,
		Query:         req.Query,
		Stage1Results: stage1Results,
		Department:    req.Department,
		Preset:        req.Preset,
		Override:      req.Override,
		Modifier:      req.Modifier,
	}) {
		if done, ok := ev.(*Stage2AllComplete); ok {
			stage2Results = done.Data
			aggregates = done.AggregateRankings
			stage2OK = true
		}
		if !send(ctx.Done(), out, ev) {
			return
		}
	}
	if !stage2OK {
		return
	}

	for ev := range p.council.Stage3(ctx, Stage3Request{
		SessionID:         req.SessionID,
		Query:             req.Query,
		History:           req.History,
		Stage1Results:     stage1Results,
		Stage2Results:     stage2Results,
		AggregateRankings: aggregates,
		Department:        req.Department,
		Preset:            req.Preset,
		Override:          req.Override,
		Modifier:          req.Modifier,
	}) {
		if !send(ctx.Done(), out, ev) {
			return
		}
	}
}

// composeContext builds the system prompt from the request's context
// identifiers, or a minimal prompt when there is nothing to compose.
func (p *Pipeline) composeContext(ctx context.Context, req AskRequest) (string, error) {
	if p.composer == nil {
		return "", nil
	}
	budget := req.ContextBudget
	if budget <= 0 {
		budget = defaultComposeBudget
	}
	result, err := p.composer.Compose(ctx, composer.Request{
		CompanyID:     req.CompanyID,
		DepartmentIDs: req.DepartmentIDs,
		RoleIDs:       req.RoleIDs,
		ProjectID:     req.ProjectID,
		PlaybookIDs:   req.PlaybookIDs,
		MaxTokens:     budget,
	})
	if err != nil {
		return "", fmt.Errorf("failed to compose context: %w", err)
	}
	if len(result.Truncations) > 0 {
		p.council.logger.Info("Context sections truncated",
			"session_id", req.SessionID, "sections", len(result.Truncations))
	}
	return result.SystemPrompt, nil
}

// GenerateTitle produces a short conversation title from the query
// using the title_generator role. Falls back to a query prefix when
// the model call fails.
func (c *Council) GenerateTitle(ctx context.Context, query string) (string, error) {
	model := c.registry.GetPrimaryModel(registry.RoleTitleGenerator)
	if model == "" {
		return fallbackTitle(query), nil
	}

	tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	temperature := 0.3
	events, err := c.streamer.Stream(tctx, llm.Request{
		Model: model,
		Messages: []models.Message{
			models.SystemMessage("Generate a concise title for the conversation, at most eight words. Reply with the title only: no quotes, no punctuation at the end."),
			models.UserMessage(c.safety.SanitizeModelContent(query)),
		},
		Temperature: &temperature,
		MaxTokens:   titleMaxTokens,
	})
	if err != nil {
		return fallbackTitle(query), nil
	}

	for ev := range events {
		switch e := ev.(type) {
		case *llm.CompleteEvent:
			title := strings.Trim(strings.TrimSpace(e.Content), `"'`)
			if title == "" {
				return fallbackTitle(query), nil
			}
			return title, nil
		case *llm.ErrorEvent:
			c.logger.Warn("Title generation failed", "model", model, "error", e.Message)
			return fallbackTitle(query), nil
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return fallbackTitle(query), nil
}

// fallbackTitle derives a title from the query itself.
func fallbackTitle(query string) string {
	title := strings.Join(strings.Fields(query), " ")
	runes := []rune(title)
	if len(runes) > 60 {
		title = strings.TrimSpace(string(runes[:60])) + "…"
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}

// IsQueryTooLong reports whether err is the query-length failure, for
// transport layers mapping it to a 4xx response.
func IsQueryTooLong(err error) bool {
	return errors.Is(err, ErrQueryTooLong)
}
