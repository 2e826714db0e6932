package council

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumlabs/quorum/pkg/llm"
	"github.com/quorumlabs/quorum/pkg/models"
	"github.com/quorumlabs/quorum/pkg/telemetry"
)

// defaultQueueCap bounds the merge queue. Producers block when it
// fills, so a slow consumer paces the whole stage.
const defaultQueueCap = 1000

// muxEvent is the multiplexer's internal event set. Stage orchestrators
// translate these into wire events.
type muxEvent interface {
	muxEvent()
}

type muxModelStarted struct {
	Model string
}

type muxToken struct {
	Model string
	Text  string
}

type muxModelComplete struct {
	Result muxResult
}

type muxModelError struct {
	Model   string
	Kind    llm.ErrorKind
	Message string
}

type muxTimeout struct {
	Elapsed    time.Duration
	Completed  int
	Successful int
	Total      int
}

type muxInsufficient struct {
	Received int
	Required int
	Total    int
	Results  []muxResult
}

type muxAllComplete struct {
	Results []muxResult
}

func (muxModelStarted) muxEvent()  {}
func (muxToken) muxEvent()         {}
func (muxModelComplete) muxEvent() {}
func (muxModelError) muxEvent()    {}
func (muxTimeout) muxEvent()       {}
func (muxInsufficient) muxEvent()  {}
func (muxAllComplete) muxEvent()   {}

// muxResult is one model's successful outcome, in arrival order.
type muxResult struct {
	Model     string
	Content   string
	Usage     *models.Usage
	Truncated bool
}

// multiplexer fans a StagePlan out to one model call per listed model
// and merges their events onto a single bounded queue.
type multiplexer struct {
	streamer llm.Streamer
	sink     telemetry.Sink
	logger   *slog.Logger
	queueCap int
}

func newMultiplexer(streamer llm.Streamer, sink telemetry.Sink, logger *slog.Logger) *multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &multiplexer{
		streamer: streamer,
		sink:     sink,
		logger:   logger,
		queueCap: defaultQueueCap,
	}
}

// run launches the stage. The returned channel carries merged events
// ending with exactly one of muxAllComplete, muxInsufficient, or
// muxTimeout, or ends without a terminal if ctx is cancelled.
func (m *multiplexer) run(ctx context.Context, stage int, sessionID string, plan models.StagePlan, buildReq func(model string) llm.Request) <-chan muxEvent {
	out := make(chan muxEvent)
	go m.consume(ctx, stage, sessionID, plan, buildReq, out)
	return out
}

func (m *multiplexer) consume(ctx context.Context, stage int, sessionID string, plan models.StagePlan, buildReq func(model string) llm.Request, out chan<- muxEvent) {
	defer close(out)

	start := time.Now()
	merge := make(chan muxEvent, m.queueCap)

	pctx, pcancel := context.WithCancel(ctx)
	defer pcancel()

	var wg sync.WaitGroup
	for i, model := range plan.Models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			m.produce(pctx, i, model, sessionID, plan, buildReq, merge)
		}(i, model)
	}

	var deadlineC <-chan time.Time
	if plan.StageDeadline > 0 {
		timer := time.NewTimer(plan.StageDeadline)
		defer timer.Stop()
		deadlineC = timer.C
	}

	var results []muxResult
	completed := 0
	successful := 0
	total := len(plan.Models)

	for completed < total {
		select {
		case ev := <-merge:
			switch e := ev.(type) {
			case muxModelComplete:
				completed++
				successful++
				results = append(results, e.Result)
			case muxModelError:
				completed++
			}
			if !m.forward(ctx, out, ev) {
				pcancel()
				m.await(&wg, merge)
				return
			}

		case <-deadlineC:
			pcancel()
			m.timeout(ctx, stage, sessionID, plan, start, &wg, merge, out, &results, &completed, &successful, total)
			return

		case <-ctx.Done():
			// Caller stopped consuming: no terminal event.
			pcancel()
			m.await(&wg, merge)
			return
		}
	}

	// All model tasks terminated. A stage that used up its deadline on
	// the way here still reports timeout, not completion.
	if plan.StageDeadline > 0 && time.Since(start) > plan.StageDeadline {
		m.emitTimeout(ctx, stage, sessionID, plan, start, out, completed, successful, total)
		return
	}

	if successful < plan.MinRequired {
		telemetry.Record(m.sink, telemetry.Event{
			Kind:      telemetry.KindStageInsufficient,
			SessionID: sessionID,
			Stage:     stage,
			Detail: map[string]any{
				"received": successful,
				"required": plan.MinRequired,
				"total":    total,
			},
		})
		m.forward(ctx, out, muxInsufficient{
			Received: successful,
			Required: plan.MinRequired,
			Total:    total,
			Results:  results,
		})
		return
	}

	m.forward(ctx, out, muxAllComplete{Results: results})
}

// timeout handles the stage deadline: cancel the producers, drain what
// they already queued, wait for them to exit, then emit the terminal.
func (m *multiplexer) timeout(ctx context.Context, stage int, sessionID string, plan models.StagePlan, start time.Time, wg *sync.WaitGroup, merge chan muxEvent, out chan<- muxEvent, results *[]muxResult, completed, successful *int, total int) {
	drain := func(ev muxEvent) bool {
		switch e := ev.(type) {
		case muxModelComplete:
			*completed++
			*successful++
			*results = append(*results, e.Result)
		case muxModelError:
			*completed++
		}
		return m.forward(ctx, out, ev)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case ev := <-merge:
			if !drain(ev) {
				return
			}
		case <-done:
			// Producers exited; flush whatever is still queued.
			for {
				select {
				case ev := <-merge:
					if !drain(ev) {
						return
					}
				default:
					m.emitTimeout(ctx, stage, sessionID, plan, start, out, *completed, *successful, total)
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *multiplexer) emitTimeout(ctx context.Context, stage int, sessionID string, plan models.StagePlan, start time.Time, out chan<- muxEvent, completed, successful, total int) {
	elapsed := time.Since(start)
	telemetry.Record(m.sink, telemetry.Event{
		Kind:      telemetry.KindStageTimeout,
		SessionID: sessionID,
		Stage:     stage,
		Detail: map[string]any{
			"elapsed_seconds": elapsed.Seconds(),
			"timeout_seconds": plan.StageDeadline.Seconds(),
			"completed":       completed,
			"successful":      successful,
			"total":           total,
		},
	})
	m.forward(ctx, out, muxTimeout{
		Elapsed:    elapsed,
		Completed:  completed,
		Successful: successful,
		Total:      total,
	})
}

// await cancels pending producers and lets them unblock: the merge
// queue is drained until every producer has exited.
func (m *multiplexer) await(wg *sync.WaitGroup, merge chan muxEvent) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-merge:
		case <-done:
			return
		}
	}
}

// forward delivers an event to the caller, giving up on cancellation.
func (m *multiplexer) forward(ctx context.Context, out chan<- muxEvent, ev muxEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// produce runs one model task: stagger, per-model deadline, stream,
// and exactly one terminal event unless the stage was cancelled.
func (m *multiplexer) produce(ctx context.Context, index int, model, sessionID string, plan models.StagePlan, buildReq func(model string) llm.Request, merge chan<- muxEvent) {
	if plan.StaggerDelay > 0 && index > 0 {
		timer := time.NewTimer(plan.StaggerDelay * time.Duration(index))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	if !m.put(ctx, merge, muxModelStarted{Model: model}) {
		return
	}

	mctx := ctx
	cancel := context.CancelFunc(func() {})
	if plan.PerModelDeadline > 0 {
		mctx, cancel = context.WithTimeout(ctx, plan.PerModelDeadline)
	}
	defer cancel()

	events, err := m.streamer.Stream(mctx, buildReq(model))
	if err != nil {
		m.put(ctx, merge, muxModelError{Model: model, Kind: llm.KindUnavailable, Message: err.Error()})
		return
	}

	var usage *models.Usage
	truncated := false
	terminal := false

	for ev := range events {
		switch e := ev.(type) {
		case *llm.TokenEvent:
			if !m.put(ctx, merge, muxToken{Model: model, Text: e.Text}) {
				return
			}
		case *llm.TruncatedEvent:
			truncated = true
		case *llm.UsageEvent:
			u := e.Usage
			usage = &u
		case *llm.CompleteEvent:
			terminal = true
			m.put(ctx, merge, muxModelComplete{Result: muxResult{
				Model:     model,
				Content:   e.Content,
				Usage:     usage,
				Truncated: truncated || e.Truncated,
			}})
		case *llm.ErrorEvent:
			terminal = true
			m.put(ctx, merge, muxModelError{Model: model, Kind: e.Kind, Message: e.Message})
		}
	}

	if terminal {
		return
	}

	// The stream closed without a terminal: either the stage is being
	// torn down, or this model ran past its own deadline.
	if ctx.Err() != nil {
		return
	}
	if mctx.Err() == context.DeadlineExceeded {
		telemetry.Record(m.sink, telemetry.Event{
			Kind:      telemetry.KindModelTimeout,
			SessionID: sessionID,
			Model:     model,
			Detail: map[string]any{
				"deadline_seconds": plan.PerModelDeadline.Seconds(),
			},
		})
		m.put(ctx, merge, muxModelError{
			Model:   model,
			Kind:    llm.KindTimeout,
			Message: fmt.Sprintf("timeout: no response within %.0fs", plan.PerModelDeadline.Seconds()),
		})
		return
	}
	m.put(ctx, merge, muxModelError{Model: model, Kind: llm.KindUpstream, Message: "stream ended without result"})
}

// put enqueues with backpressure: it blocks until the queue has room
// or the stage is cancelled. Events are never dropped.
func (m *multiplexer) put(ctx context.Context, merge chan<- muxEvent, ev muxEvent) bool {
	select {
	case merge <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
