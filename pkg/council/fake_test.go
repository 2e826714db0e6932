package council

import (
	"context"
	"sync"
	"time"

	"github.com/quorumlabs/quorum/pkg/llm"
	"github.com/quorumlabs/quorum/pkg/models"
)

// modelScript drives one model's behavior in the fake streamer.
type modelScript struct {
	tokens    []string
	usage     *models.Usage
	truncated bool

	// errMessage, when set, ends the stream with an ErrorEvent instead
	// of a CompleteEvent.
	errMessage string
	errKind    llm.ErrorKind

	// hang keeps the stream silent until the context is cancelled,
	// simulating a model that never answers.
	hang bool

	// delay postpones the first event.
	delay time.Duration
}

// fakeStreamer scripts per-model stream behavior and records every
// request it receives.
type fakeStreamer struct {
	mu       sync.Mutex
	scripts  map[string]modelScript
	requests []llm.Request
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{scripts: map[string]modelScript{}}
}

func (f *fakeStreamer) script(model string, s modelScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[model] = s
}

func (f *fakeStreamer) requestsFor(model string) []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []llm.Request
	for _, r := range f.requests {
		if r.Model == model {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeStreamer) allRequests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

func (f *fakeStreamer) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	script := f.scripts[req.Model]
	f.mu.Unlock()

	out := make(chan llm.StreamEvent, 16)
	go func() {
		defer close(out)

		if script.hang {
			<-ctx.Done()
			return
		}
		if script.delay > 0 {
			select {
			case <-time.After(script.delay):
			case <-ctx.Done():
				return
			}
		}

		emit := func(ev llm.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var content string
		for _, token := range script.tokens {
			content += token
			if !emit(&llm.TokenEvent{Model: req.Model, Text: token}) {
				return
			}
		}

		if script.errMessage != "" {
			emit(&llm.ErrorEvent{Model: req.Model, Kind: script.errKind, Message: script.errMessage})
			return
		}
		if script.truncated {
			if !emit(&llm.TruncatedEvent{Model: req.Model}) {
				return
			}
		}
		if script.usage != nil {
			if !emit(&llm.UsageEvent{Model: req.Model, Usage: *script.usage}) {
				return
			}
		}
		emit(&llm.CompleteEvent{Model: req.Model, Content: content, Truncated: script.truncated})
	}()
	return out, nil
}
