package council

import (
	"errors"
	"log/slog"

	"github.com/quorumlabs/quorum/pkg/config"
	"github.com/quorumlabs/quorum/pkg/llm"
	"github.com/quorumlabs/quorum/pkg/registry"
	"github.com/quorumlabs/quorum/pkg/safety"
	"github.com/quorumlabs/quorum/pkg/telemetry"
)

// ErrQueryTooLong is returned before any stage work starts when the
// query exceeds the configured limit.
var ErrQueryTooLong = errors.New("query exceeds maximum length")

// Deps wires the council to its collaborators.
type Deps struct {
	Config    *config.Config
	Streamer  llm.Streamer
	Registry  *registry.Registry
	Resolver  *config.Resolver
	Safety    *safety.Service
	Telemetry telemetry.Sink
	Logger    *slog.Logger
}

// Council runs the three deliberation stages. One Council serves all
// requests; per-stage state lives only inside a stage invocation.
type Council struct {
	cfg      *config.Config
	streamer llm.Streamer
	registry *registry.Registry
	resolver *config.Resolver
	safety   *safety.Service
	sink     telemetry.Sink
	logger   *slog.Logger
	mux      *multiplexer
}

// New creates a Council.
func New(deps Deps) *Council {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := newMultiplexer(deps.Streamer, deps.Telemetry, logger)
	if deps.Config.MergeQueueCap > 0 {
		mux.queueCap = deps.Config.MergeQueueCap
	}
	return &Council{
		cfg:      deps.Config,
		streamer: deps.Streamer,
		registry: deps.Registry,
		resolver: deps.Resolver,
		safety:   deps.Safety,
		sink:     deps.Telemetry,
		logger:   logger,
		mux:      mux,
	}
}

// send delivers a stage event unless the caller has gone away.
func send(done <-chan struct{}, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-done:
		return false
	}
}
