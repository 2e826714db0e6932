package llm

import "github.com/quorumlabs/quorum/pkg/models"

// EventType identifies the kind of streaming event.
type EventType string

const (
	EventTypeToken     EventType = "token"
	EventTypeTruncated EventType = "truncated"
	EventTypeUsage     EventType = "usage"
	EventTypeError     EventType = "error"
	EventTypeComplete  EventType = "complete"
)

// ErrorKind classifies a terminal model error.
type ErrorKind string

const (
	// KindTimeout: the per-model deadline elapsed mid-stream.
	KindTimeout ErrorKind = "timeout"
	// KindUnavailable: the circuit breaker rejected the call.
	KindUnavailable ErrorKind = "unavailable"
	// KindUpstream: the provider failed and retries were exhausted.
	KindUpstream ErrorKind = "upstream"
	// KindBadRequest: a non-retryable 4xx from the provider.
	KindBadRequest ErrorKind = "bad_request"
)

// StreamEvent is the interface for all model-call stream events.
// A stream consists of zero or more TokenEvents, at most one UsageEvent
// and at most one TruncatedEvent, terminated by exactly one of
// CompleteEvent or ErrorEvent. Nothing is emitted after the terminal.
type StreamEvent interface {
	eventType() EventType
}

// TokenEvent is one content delta from the model.
type TokenEvent struct {
	Model string
	Text  string
}

// TruncatedEvent signals the model hit max_tokens; content is partial.
type TruncatedEvent struct {
	Model string
}

// UsageEvent reports token consumption and latency for the call.
// Emitted at most once, before the terminal event.
type UsageEvent struct {
	Model string
	Usage models.Usage
}

// ErrorEvent is the terminal event for a failed call.
type ErrorEvent struct {
	Model   string
	Kind    ErrorKind
	Message string
}

// CompleteEvent is the terminal event for a successful call, carrying
// the accumulated content. Truncated mirrors an earlier TruncatedEvent.
type CompleteEvent struct {
	Model     string
	Content   string
	Truncated bool
}

func (e *TokenEvent) eventType() EventType     { return EventTypeToken }
func (e *TruncatedEvent) eventType() EventType { return EventTypeTruncated }
func (e *UsageEvent) eventType() EventType     { return EventTypeUsage }
func (e *ErrorEvent) eventType() EventType     { return EventTypeError }
func (e *CompleteEvent) eventType() EventType  { return EventTypeComplete }
