// Package llm implements the streaming model client. One HTTP POST to
// a chat-completions endpoint per call, parsed as Server-Sent Events
// and delivered as a channel of StreamEvents. Retries with jittered
// exponential backoff are internal; consumers only ever see one
// terminal event per call.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quorumlabs/quorum/pkg/breaker"
	"github.com/quorumlabs/quorum/pkg/models"
	"github.com/quorumlabs/quorum/pkg/telemetry"
)

// DefaultMaxTokens applies when a request does not set MaxTokens.
const DefaultMaxTokens = 16384

// reasoningExcludeUnsupported lists model-name substrings whose
// families reject the reasoning-exclude hint. Used only when no
// capability flag is registered for the model.
var reasoningExcludeUnsupported = []string{
	"gemini-3", "gemini-2.5", "kimi", "moonshot", "grok",
}

// DefaultReasoningExcludeCheck is the substring-based capability
// fallback. The model registry overrides this with explicit flags.
func DefaultReasoningExcludeCheck(model string) bool {
	lower := strings.ToLower(model)
	for _, s := range reasoningExcludeUnsupported {
		if strings.Contains(lower, s) {
			return false
		}
	}
	return true
}

// Request describes one streaming model call.
type Request struct {
	Model          string
	Messages       []models.Message
	Temperature    *float64
	TopP           *float64
	MaxTokens      int
	IdempotencyKey string
}

// Streamer is the interface consumed by the multiplexer and the Stage 3
// orchestrator. The returned channel is closed after the terminal event.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	HTTPClient *http.Client
	Breakers   *breaker.Registry
	Telemetry  telemetry.Sink

	// SupportsReasoningExclude resolves the per-model capability.
	// Nil falls back to DefaultReasoningExcludeCheck.
	SupportsReasoningExclude func(model string) bool
}

// Client issues streaming chat-completions calls.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	maxRetries     int
	breakers       *breaker.Registry
	sink           telemetry.Sink
	reasoningCheck func(model string) bool

	// sleep is swappable in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	reasoningCheck := cfg.SupportsReasoningExclude
	if reasoningCheck == nil {
		reasoningCheck = DefaultReasoningExcludeCheck
	}
	return &Client{
		httpClient:     httpClient,
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		maxRetries:     cfg.MaxRetries,
		breakers:       cfg.Breakers,
		sink:           cfg.Telemetry,
		reasoningCheck: reasoningCheck,
		sleep:          sleepCtx,
	}
}

// Stream starts the model call and returns its event channel.
// The channel is closed after the terminal event, or without one if
// ctx is cancelled mid-stream.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent, 64)

	if c.breakers != nil {
		if d := c.breakers.CanExecute(req.Model); !d.Allowed {
			telemetry.Record(c.sink, telemetry.Event{
				Kind:  telemetry.KindCircuitOpen,
				Model: req.Model,
				Detail: map[string]any{
					"retry_after_seconds": int(d.RetryAfter.Seconds()) + 1,
				},
			})
			go func() {
				defer close(out)
				emit(ctx, out, &ErrorEvent{
					Model:   req.Model,
					Kind:    KindUnavailable,
					Message: fmt.Sprintf("circuit open: retry in %ds", int(d.RetryAfter.Seconds())+1),
				})
			}()
			return out, nil
		}
	}

	go c.run(ctx, req, out)
	return out, nil
}

// run drives the attempt loop and guarantees exactly one terminal event
// (unless ctx is cancelled first).
func (c *Client) run(ctx context.Context, req Request, out chan<- StreamEvent) {
	defer close(out)

	var lastCode int
	var lastMessage string

	// Characters of content already forwarded as token events. A retry
	// replays the stream from the start; the consumer must not see the
	// prefix twice.
	forwarded := 0

	for attempt := 0; ; attempt++ {
		outcome := c.attempt(ctx, req, out, &forwarded)
		switch outcome.status {
		case attemptDone:
			if c.breakers != nil {
				c.breakers.RecordSuccess(req.Model)
			}
			return

		case attemptCancelled:
			return

		case attemptFailed:
			lastCode, lastMessage = outcome.code, outcome.message
			if c.breakers != nil && isUpstreamFault(outcome.code, outcome.message) {
				c.breakers.RecordFailure(req.Model)
			}

			retryable := isRetryable(outcome.code, outcome.message)
			if retryable && attempt < c.maxRetries {
				delay := backoffDelay(attempt, isRateLimited(outcome.code, outcome.message))
				slog.Warn("Model call failed, retrying",
					"model", req.Model, "attempt", attempt+1,
					"code", outcome.code, "delay", delay, "error", outcome.message)
				if err := c.sleep(ctx, delay); err != nil {
					return
				}
				continue
			}

			kind := KindUpstream
			if !retryable && outcome.code >= 400 && outcome.code < 500 {
				kind = KindBadRequest
			}
			emit(ctx, out, &ErrorEvent{
				Model:   req.Model,
				Kind:    kind,
				Message: fmt.Sprintf("model call failed (code %d): %s", lastCode, lastMessage),
			})
			return
		}
	}
}

type attemptStatus int

const (
	attemptDone attemptStatus = iota
	attemptFailed
	attemptCancelled
)

type attemptOutcome struct {
	status  attemptStatus
	code    int
	message string
}

// Wire types for the chat-completions SSE protocol.
type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	Stream      bool             `json:"stream"`
	Usage       usageInclude     `json:"usage"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Reasoning   *reasoningOpts   `json:"reasoning,omitempty"`
}

type usageInclude struct {
	Include bool `json:"include"`
}

type reasoningOpts struct {
	Exclude bool `json:"exclude"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
	Error *apiError     `json:"error"`
}

type usagePayload struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Code    any    `json:"code"`
}

// codeInt normalizes the error code field, which providers send as
// either a number or a string.
func (e *apiError) codeInt() int {
	switch v := e.Code.(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

// attempt issues one HTTP request and streams its SSE body to out.
// Tokens are forwarded as they arrive, except the portion a failed
// earlier attempt already delivered; only the successful attempt's
// accumulated content reaches the terminal CompleteEvent.
func (c *Client) attempt(ctx context.Context, req Request, out chan<- StreamEvent, forwarded *int) attemptOutcome {
	start := time.Now()

	body := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      true,
		Usage:       usageInclude{Include: true},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = DefaultMaxTokens
	}
	if c.reasoningCheck(req.Model) {
		body.Reasoning = &reasoningOpts{Exclude: true}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return attemptOutcome{status: attemptFailed, message: fmt.Sprintf("encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return attemptOutcome{status: attemptFailed, message: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return attemptOutcome{status: attemptCancelled}
		}
		// Transport errors are retryable.
		return attemptOutcome{status: attemptFailed, code: 503, message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		message := strings.TrimSpace(string(raw))
		var envelope struct {
			Error *apiError `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			message = envelope.Error.Message
		}
		return attemptOutcome{status: attemptFailed, code: resp.StatusCode, message: message}
	}

	var content strings.Builder
	var usage *models.Usage
	var firstTokenAt time.Time
	truncated := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return attemptOutcome{status: attemptCancelled}
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			if truncated {
				if !emit(ctx, out, &TruncatedEvent{Model: req.Model}) {
					return attemptOutcome{status: attemptCancelled}
				}
			}
			if usage != nil {
				if !emit(ctx, out, &UsageEvent{Model: req.Model, Usage: *usage}) {
					return attemptOutcome{status: attemptCancelled}
				}
			}
			if !emit(ctx, out, &CompleteEvent{Model: req.Model, Content: content.String(), Truncated: truncated}) {
				return attemptOutcome{status: attemptCancelled}
			}
			return attemptOutcome{status: attemptDone}
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Warn("Skipping malformed SSE chunk", "model", req.Model, "error", err)
			continue
		}

		if chunk.Error != nil {
			return attemptOutcome{
				status:  attemptFailed,
				code:    chunk.Error.codeInt(),
				message: chunk.Error.Message,
			}
		}

		if chunk.Usage != nil {
			ttft := int64(0)
			if !firstTokenAt.IsZero() {
				ttft = firstTokenAt.Sub(start).Milliseconds()
			}
			usage = &models.Usage{
				PromptTokens:      chunk.Usage.PromptTokens,
				CompletionTokens:  chunk.Usage.CompletionTokens,
				TotalTokens:       chunk.Usage.TotalTokens,
				CacheReadTokens:   chunk.Usage.PromptTokensDetails.CachedTokens,
				CacheCreateTokens: chunk.Usage.CacheCreationInputTokens,
				TTFTMillis:        ttft,
				TotalMillis:       time.Since(start).Milliseconds(),
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if firstTokenAt.IsZero() {
					firstTokenAt = time.Now()
				}
				content.WriteString(choice.Delta.Content)
				if content.Len() > *forwarded {
					text := content.String()[*forwarded:]
					*forwarded = content.Len()
					if !emit(ctx, out, &TokenEvent{Model: req.Model, Text: text}) {
						return attemptOutcome{status: attemptCancelled}
					}
				}
			}
			if choice.FinishReason == "length" {
				truncated = true
			}
		}
	}

	if ctx.Err() != nil {
		return attemptOutcome{status: attemptCancelled}
	}
	if err := scanner.Err(); err != nil {
		return attemptOutcome{status: attemptFailed, code: 503, message: fmt.Sprintf("stream read: %v", err)}
	}
	// EOF before [DONE]: the connection dropped mid-stream.
	return attemptOutcome{status: attemptFailed, code: 503, message: "stream ended before [DONE]"}
}

// emit sends an event unless ctx is cancelled first. Returns false on
// cancellation so callers stop producing.
func emit(ctx context.Context, out chan<- StreamEvent, event StreamEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
