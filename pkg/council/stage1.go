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

// Stage1Request starts the council's first-opinion fan-out.
type Stage1Request struct {
	SessionID    string
	Query        string
	SystemPrompt string
	History      []models.Message

	Department string
	Preset     config.Preset
	Override   *config.LLMParams
	Modifier   config.Modifier
}

// Stage1 fans the question out to every council member. It returns
// ErrQueryTooLong without starting any work when the query exceeds the
// limit; otherwise the channel ends with stage1_all_complete,
// stage1_insufficient, or stage1_timeout.
func (c *Council) Stage1(ctx context.Context, req Stage1Request) (<-chan Event, error) {
	if v := c.safety.ValidateQueryLength(req.Query); !v.Valid {
		return nil, fmt.Errorf("%w: %d chars (limit %d)", ErrQueryTooLong, v.Chars, v.Limit)
	}

	if det := c.safety.DetectSuspiciousQuery(req.Query); det.Suspicious {
		c.logger.Warn("Suspicious query detected",
			"session_id", req.SessionID, "risk", det.Risk, "patterns", det.Patterns)
		telemetry.Record(c.sink, telemetry.Event{
			Kind:      telemetry.KindSuspiciousQuery,
			SessionID: req.SessionID,
			Stage:     1,
			Risk:      string(det.Risk),
			Detail:    map[string]any{"patterns": det.Patterns},
		})
	}
	if det := c.safety.DetectMultiTurnAttack(req.History, req.Query); det.Suspicious {
		c.logger.Warn("Multi-turn attack pattern detected",
			"session_id", req.SessionID, "risk", det.Risk, "patterns", det.Patterns)
		telemetry.Record(c.sink, telemetry.Event{
			Kind:      telemetry.KindMultiTurnAttack,
			SessionID: req.SessionID,
			Stage:     1,
			Risk:      string(det.Risk),
			Detail:    map[string]any{"patterns": det.Patterns},
		})
	}

	params := c.resolver.Resolve(ctx, config.ResolveRequest{
		Department: req.Department,
		Stage:      1,
		Preset:     req.Preset,
		Override:   req.Override,
		Modifier:   req.Modifier,
	})
	plan := models.StagePlan{
		Models:           c.registry.GetModels(registry.RoleCouncilMember),
		Temperature:      &params.Temperature,
		TopP:             params.TopP,
		MaxTokens:        params.MaxTokens,
		StageDeadline:    c.cfg.Stage1Timeout,
		PerModelDeadline: c.cfg.PerModelTimeout,
		MinRequired:      c.cfg.MinStage1Responses,
		StaggerDelay:     c.cfg.Stage1Stagger,
	}

	// The system prompt always ends with the envelope explanation so the
	// sentinels around the query are never presented uninstructed.
	systemPrompt := safety.EnvelopeGuidance
	if req.SystemPrompt != "" {
		systemPrompt = req.SystemPrompt + "\n\n" + safety.EnvelopeGuidance
	}
	messages := make([]models.Message, 0, len(req.History)+2)
	messages = append(messages, models.SystemMessage(systemPrompt))
	messages = append(messages, req.History...)
	messages = append(messages, models.UserMessage(c.safety.WrapUserQuery(req.Query)))

	out := make(chan Event)
	go c.runStage1(ctx, req.SessionID, plan, messages, out)
	return out, nil
}

func (c *Council) runStage1(ctx context.Context, sessionID string, plan models.StagePlan, messages []models.Message, out chan<- Event) {
	defer close(out)

	events := c.mux.run(ctx, 1, sessionID, plan, func(model string) llm.Request {
		return llm.Request{
			Model:       model,
			Messages:    messages,
			Temperature: plan.Temperature,
			TopP:        plan.TopP,
			MaxTokens:   plan.MaxTokens,
		}
	})

	for ev := range events {
		var translated Event
		switch e := ev.(type) {
		case muxModelStarted:
			c.logger.Debug("Council member started", "session_id", sessionID, "model", e.Model)
			continue
		case muxToken:
			translated = &TokenEvent{Stage: 1, Model: e.Model, Content: e.Text}
		case muxModelComplete:
			translated = &Stage1ModelComplete{
				Model:    e.Result.Model,
				Response: e.Result.Content,
				Usage:    e.Result.Usage,
			}
		case muxModelError:
			translated = &ModelErrorEvent{Stage: 1, Model: e.Model, Error: e.Message}
		case muxTimeout:
			translated = &TimeoutEvent{
				Stage:      1,
				Elapsed:    e.Elapsed.Seconds(),
				Timeout:    plan.StageDeadline.Seconds(),
				Completed:  e.Completed,
				Successful: e.Successful,
				Total:      e.Total,
			}
		case muxInsufficient:
			translated = &Stage1Insufficient{
				Received: e.Received,
				Required: e.Required,
				Total:    e.Total,
				Data:     stage1Results(e.Results),
			}
		case muxAllComplete:
			translated = &Stage1AllComplete{Data: stage1Results(e.Results)}
		default:
			continue
		}
		if !send(ctx.Done(), out, translated) {
			return
		}
	}
}

// stage1Results converts multiplexer results in arrival order.
func stage1Results(results []muxResult) []models.Stage1Result {
	out := make([]models.Stage1Result, 0, len(results))
	for _, r := range results {
		out = append(out, models.Stage1Result{
			Model:    r.Model,
			Response: r.Content,
			Usage:    r.Usage,
		})
	}
	return out
}
