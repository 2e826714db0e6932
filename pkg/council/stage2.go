package council

import (
	"context"
	"fmt"

	"github.com/quorumlabs/quorum/pkg/config"
	"github.com/quorumlabs/quorum/pkg/llm"
	"github.com/quorumlabs/quorum/pkg/models"
	"github.com/quorumlabs/quorum/pkg/registry"
	"github.com/quorumlabs/quorum/pkg/safety"
	"github.com/quorumlabs/quorum/pkg/telemetry"
)

// Stage2Request starts the anonymized peer-ranking fan-out.
type Stage2Request struct {
	SessionID     string
	Query         string
	Stage1Results []models.Stage1Result

	Department string
	Preset     config.Preset
	Override   *config.LLMParams
	Modifier   config.Modifier
}

// Stage2 has every reviewer rank the anonymized Stage 1 responses.
// Reviewers see labels only; the label→model map stays private until
// the terminal event.
func (c *Council) Stage2(ctx context.Context, req Stage2Request) <-chan Event {
	labelToModel := make(map[string]string, len(req.Stage1Results))
	labeled := make([]string, 0, len(req.Stage1Results))
	for i, r := range req.Stage1Results {
		label := labelForIndex(i)
		labelToModel[label] = r.Model
		labeled = append(labeled, fmt.Sprintf("%s:\n%s\n", label, c.safety.SanitizeModelContent(r.Response)))
	}
	prompt := buildRankingPrompt(c.safety.SanitizeModelContent(req.Query), labeled)

	reviewers := c.registry.GetModels(registry.RoleStage2Reviewer)
	if len(reviewers) == 0 {
		reviewers = c.registry.GetModels(registry.RoleCouncilMember)
	}

	params := c.resolver.Resolve(ctx, config.ResolveRequest{
		Department: req.Department,
		Stage:      2,
		Preset:     req.Preset,
		Override:   req.Override,
		Modifier:   req.Modifier,
	})
	plan := models.StagePlan{
		Models:           reviewers,
		Temperature:      &params.Temperature,
		TopP:             params.TopP,
		MaxTokens:        params.MaxTokens,
		StageDeadline:    c.cfg.Stage2Timeout,
		PerModelDeadline: c.cfg.PerModelTimeout,
		MinRequired:      c.cfg.MinStage2Rankings,
		StaggerDelay:     c.cfg.Stage2Stagger,
	}

	messages := []models.Message{models.UserMessage(prompt)}

	out := make(chan Event)
	go c.runStage2(ctx, req.SessionID, plan, messages, labelToModel, out)
	return out
}

func (c *Council) runStage2(ctx context.Context, sessionID string, plan models.StagePlan, messages []models.Message, labelToModel map[string]string, out chan<- Event) {
	defer close(out)

	events := c.mux.run(ctx, 2, sessionID, plan, func(model string) llm.Request {
		return llm.Request{
			Model:       model,
			Messages:    messages,
			Temperature: plan.Temperature,
			TopP:        plan.TopP,
			MaxTokens:   plan.MaxTokens,
		}
	})

	// Reviewer results in arrival order, with rankings parsed as they
	// complete.
	var results []models.Stage2Result

	parse := func(r muxResult) models.Stage2Result {
		labels, ok := parseRanking(r.Content)
		if !ok {
			c.logger.Warn("Ranking parse failure",
				"session_id", sessionID, "model", r.Model, "parsed", len(labels))
			telemetry.Record(c.sink, telemetry.Event{
				Kind:      telemetry.KindRankingParseFailure,
				SessionID: sessionID,
				Stage:     2,
				Model:     r.Model,
				Detail:    map[string]any{"parsed_labels": len(labels)},
			})
		}
		return models.Stage2Result{
			Model:         r.Model,
			Ranking:       r.Content,
			ParsedRanking: labels,
			Usage:         r.Usage,
		}
	}

	for ev := range events {
		var translated Event
		switch e := ev.(type) {
		case muxModelStarted:
			c.logger.Debug("Reviewer started", "session_id", sessionID, "model", e.Model)
			continue
		case muxToken:
			translated = &TokenEvent{Stage: 2, Model: e.Model, Content: e.Text}
		case muxModelComplete:
			result := parse(e.Result)
			results = append(results, result)
			translated = &Stage2ModelComplete{
				Model:   result.Model,
				Ranking: result.Ranking,
				Usage:   result.Usage,
			}
		case muxModelError:
			translated = &ModelErrorEvent{Stage: 2, Model: e.Model, Error: e.Message}
		case muxTimeout:
			translated = &TimeoutEvent{
				Stage:      2,
				Elapsed:    e.Elapsed.Seconds(),
				Timeout:    plan.StageDeadline.Seconds(),
				Completed:  e.Completed,
				Successful: e.Successful,
				Total:      e.Total,
			}
		case muxInsufficient:
			translated = &Stage2Insufficient{
				Received:     e.Received,
				Required:     e.Required,
				Total:        e.Total,
				Data:         results,
				LabelToModel: labelToModel,
			}
		case muxAllComplete:
			aggregates := aggregateRankings(results, labelToModel)
			var warning *safety.ManipulationReport
			if report := c.safety.DetectRankingManipulation(results, labelToModel); report.Suspicious {
				warning = &report
				c.logger.Warn("Ranking manipulation suspected",
					"session_id", sessionID, "findings", len(report.Findings))
				telemetry.Record(c.sink, telemetry.Event{
					Kind:      telemetry.KindRankingManipulation,
					SessionID: sessionID,
					Stage:     2,
					Detail:    map[string]any{"findings": report.Findings},
				})
			}
			translated = &Stage2AllComplete{
				Data:                results,
				LabelToModel:        labelToModel,
				AggregateRankings:   aggregates,
				ManipulationWarning: warning,
			}
		default:
			continue
		}
		if !send(ctx.Done(), out, translated) {
			return
		}
	}
}
