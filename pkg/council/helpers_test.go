package council

import (
	"context"
	"testing"
	"time"

	"github.com/quorumlabs/quorum/pkg/config"
	"github.com/quorumlabs/quorum/pkg/llm"
	"github.com/quorumlabs/quorum/pkg/registry"
	"github.com/quorumlabs/quorum/pkg/safety"
	"github.com/quorumlabs/quorum/pkg/telemetry"

	"github.com/stretchr/testify/require"
)

// stubRoleStore serves fixed role assignments.
type stubRoleStore map[string][]string

func (s stubRoleStore) RoleModels(_ context.Context) (map[string][]string, error) {
	return s, nil
}

// newTestCouncil builds a Council against the fake streamer with short
// deadlines. mutate adjusts the config before construction.
func newTestCouncil(t *testing.T, streamer llm.Streamer, roles map[string][]string, mutate func(*config.Config)) (*Council, *telemetry.CaptureSink) {
	t.Helper()

	cfg := config.Defaults()
	cfg.Stage1Timeout = 5 * time.Second
	cfg.Stage2Timeout = 5 * time.Second
	cfg.Stage3Timeout = 5 * time.Second
	cfg.PerModelTimeout = 2 * time.Second
	cfg.Stage2Stagger = 0
	if mutate != nil {
		mutate(cfg)
	}

	reg := registry.New(stubRoleStore(roles), nil, nil)
	require.NoError(t, reg.Load(context.Background()))

	sink := &telemetry.CaptureSink{}
	return New(Deps{
		Config:    cfg,
		Streamer:  streamer,
		Registry:  reg,
		Resolver:  config.NewResolver(cfg, nil),
		Safety:    safety.NewService(cfg.MaxQueryChars, 0),
		Telemetry: sink,
	}), sink
}

// collect drains a stage channel with a watchdog so a stuck test fails
// instead of hanging.
func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining stage events; got %d so far", len(out))
		}
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type())
	}
	return out
}

func lastEvent(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}
