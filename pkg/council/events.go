// Package council implements the three-stage deliberation pipeline:
// concurrent first opinions, anonymized peer ranking, and chairman
// synthesis. Each stage is exposed as a channel of typed events that
// callers forward to their transport of choice.
package council

import (
	"fmt"

	"github.com/quorumlabs/quorum/pkg/models"
	"github.com/quorumlabs/quorum/pkg/safety"
)

// Event is one item of a stage's event sequence. Type returns the wire
// tag, e.g. "stage1_token".
type Event interface {
	Type() string
}

// TokenEvent is a streamed content delta from one model.
type TokenEvent struct {
	Stage   int    `json:"-"`
	Model   string `json:"model"`
	Content string `json:"content"`
}

func (e *TokenEvent) Type() string { return fmt.Sprintf("stage%d_token", e.Stage) }

// ModelErrorEvent reports a per-model failure. The stage continues with
// the remaining models.
type ModelErrorEvent struct {
	Stage int    `json:"-"`
	Model string `json:"model"`
	Error string `json:"error"`
}

func (e *ModelErrorEvent) Type() string { return fmt.Sprintf("stage%d_model_error", e.Stage) }

// TimeoutEvent is the terminal event of a stage that hit its deadline.
type TimeoutEvent struct {
	Stage      int     `json:"-"`
	Elapsed    float64 `json:"elapsed"`
	Timeout    float64 `json:"timeout"`
	Completed  int     `json:"completed"`
	Successful int     `json:"successful"`
	Total      int     `json:"total"`
}

func (e *TimeoutEvent) Type() string { return fmt.Sprintf("stage%d_timeout", e.Stage) }

// Stage1ModelComplete reports one council member's full response.
type Stage1ModelComplete struct {
	Model    string        `json:"model"`
	Response string        `json:"response"`
	Usage    *models.Usage `json:"usage,omitempty"`
}

func (e *Stage1ModelComplete) Type() string { return "stage1_model_complete" }

// Stage1Insufficient is the terminal event when too few council
// members answered. No downstream stage may run.
type Stage1Insufficient struct {
	Received int                   `json:"received"`
	Required int                   `json:"required"`
	Total    int                   `json:"total"`
	Data     []models.Stage1Result `json:"data"`
}

func (e *Stage1Insufficient) Type() string { return "stage1_insufficient" }

// Stage1AllComplete is the successful terminal event of Stage 1.
type Stage1AllComplete struct {
	Data []models.Stage1Result `json:"data"`
}

func (e *Stage1AllComplete) Type() string { return "stage1_all_complete" }

// Stage2ModelComplete reports one reviewer's raw ranking text.
type Stage2ModelComplete struct {
	Model   string        `json:"model"`
	Ranking string        `json:"ranking"`
	Usage   *models.Usage `json:"usage,omitempty"`
}

func (e *Stage2ModelComplete) Type() string { return "stage2_model_complete" }

// Stage2Insufficient is the terminal event when too few reviewers
// returned rankings.
type Stage2Insufficient struct {
	Received     int                   `json:"received"`
	Required     int                   `json:"required"`
	Total        int                   `json:"total"`
	Data         []models.Stage2Result `json:"data"`
	LabelToModel map[string]string     `json:"label_to_model"`
}

func (e *Stage2Insufficient) Type() string { return "stage2_insufficient" }

// Stage2AllComplete is the successful terminal event of Stage 2.
type Stage2AllComplete struct {
	Data                []models.Stage2Result      `json:"data"`
	LabelToModel        map[string]string          `json:"label_to_model"`
	AggregateRankings   []models.AggregateRanking  `json:"aggregate_rankings"`
	ManipulationWarning *safety.ManipulationReport `json:"manipulation_warning,omitempty"`
}

func (e *Stage2AllComplete) Type() string { return "stage2_all_complete" }

// Stage3Truncated reports the chairman output hit the token limit.
type Stage3Truncated struct {
	Model string `json:"model"`
}

func (e *Stage3Truncated) Type() string { return "stage3_truncated" }

// Stage3Fallback reports one chairman failing and the chain moving on.
type Stage3Fallback struct {
	FailedModel string `json:"failed_model"`
	NextModel   string `json:"next_model"`
}

func (e *Stage3Fallback) Type() string { return "stage3_fallback" }

// Stage3Error reports a chairman failure.
type Stage3Error struct {
	Model string `json:"model"`
	Error string `json:"error"`
}

func (e *Stage3Error) Type() string { return "stage3_error" }

// Stage3Timeout is the terminal event when the fallback chain ran out
// of time.
type Stage3Timeout struct {
	Elapsed         float64  `json:"elapsed"`
	Timeout         float64  `json:"timeout"`
	AttemptedModels []string `json:"attempted_models"`
}

func (e *Stage3Timeout) Type() string { return "stage3_timeout" }

// Stage3Complete is the terminal event of Stage 3 carrying the final
// synthesized answer.
type Stage3Complete struct {
	Data models.Stage3Result `json:"data"`
}

func (e *Stage3Complete) Type() string { return "stage3_complete" }
