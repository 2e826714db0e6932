// Package telemetry delivers structured safety and degradation events
// to a pluggable sink. The core never blocks on telemetry: the async
// sink drops events when its buffer is full.
package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies a telemetry event category.
type Kind string

const (
	KindSuspiciousQuery     Kind = "suspicious_query"
	KindMultiTurnAttack     Kind = "multi_turn_attack"
	KindOutputValidation    Kind = "output_validation"
	KindRankingParseFailure Kind = "ranking_parse_failure"
	KindRankingManipulation Kind = "ranking_manipulation"
	KindModelTimeout        Kind = "model_timeout"
	KindCircuitOpen         Kind = "circuit_open"
	KindStageTimeout        Kind = "stage_timeout"
	KindStageInsufficient   Kind = "stage_insufficient"
)

// Event is one telemetry record.
type Event struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Stage     int            `json:"stage,omitempty"`
	Model     string         `json:"model,omitempty"`
	Risk      string         `json:"risk,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives telemetry events. Record must not block.
type Sink interface {
	Record(event Event)
}

// LogSink writes events to slog. Safe default when no store is configured.
type LogSink struct{}

// Record logs the event at warn level for security kinds, info otherwise.
func (s *LogSink) Record(event Event) {
	attrs := []any{
		"kind", event.Kind,
		"session_id", event.SessionID,
		"stage", event.Stage,
		"model", event.Model,
	}
	if event.Risk != "" {
		attrs = append(attrs, "risk", event.Risk)
	}
	if len(event.Detail) > 0 {
		attrs = append(attrs, "detail", event.Detail)
	}
	switch event.Kind {
	case KindSuspiciousQuery, KindMultiTurnAttack, KindOutputValidation, KindRankingManipulation:
		slog.Warn("Safety telemetry", attrs...)
	default:
		slog.Info("Degradation telemetry", attrs...)
	}
}

// AsyncSink decouples producers from a possibly-slow inner sink.
// Record never blocks: events are dropped (and counted) when the
// buffer is full.
type AsyncSink struct {
	inner   Sink
	ch      chan Event
	dropped atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
}

// NewAsyncSink creates an AsyncSink with the given buffer size and
// starts its delivery goroutine.
func NewAsyncSink(inner Sink, buffer int) *AsyncSink {
	s := &AsyncSink{
		inner: inner,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	for {
		select {
		case event := <-s.ch:
			s.inner.Record(event)
		case <-s.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case event := <-s.ch:
					s.inner.Record(event)
				default:
					return
				}
			}
		}
	}
}

// Record enqueues the event, stamping Timestamp when unset.
func (s *AsyncSink) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case s.ch <- event:
	default:
		if n := s.dropped.Add(1); n%100 == 1 {
			slog.Warn("Telemetry buffer full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns how many events have been dropped since start.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Stop shuts down the delivery goroutine after draining queued events.
func (s *AsyncSink) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Record is a nil-safe helper used throughout the core: a nil sink
// silently discards the event.
func Record(sink Sink, event Event) {
	if sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	sink.Record(event)
}

// CaptureSink retains events in memory. Test helper.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

// Record appends the event.
func (s *CaptureSink) Record(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a snapshot of recorded events.
func (s *CaptureSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByKind returns recorded events of one kind.
func (s *CaptureSink) ByKind(kind Kind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
