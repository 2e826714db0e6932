// Package registry resolves the ordered model list for each council
// role from a backing store, with hardcoded fallbacks so the council
// can operate while the store is unreachable.
package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Council roles recognized by the registry.
const (
	RoleCouncilMember  = "council_member"
	RoleStage2Reviewer = "stage2_reviewer"
	RoleChairman       = "chairman"
	RoleTitleGenerator = "title_generator"
)

// fallbackModels keeps the council alive when the store is down or a
// role has no rows.
var fallbackModels = map[string][]string{
	RoleCouncilMember: {
		"openai/gpt-5.2",
		"anthropic/claude-sonnet-4.5",
		"google/gemini-3-pro-preview",
		"x-ai/grok-4.1",
	},
	// RoleStage2Reviewer has no fallback on purpose: when the role is
	// unconfigured, the council reuses the Stage 1 members as reviewers.
	RoleChairman: {
		"google/gemini-3-pro-preview",
		"anthropic/claude-sonnet-4.5",
	},
	RoleTitleGenerator: {
		"google/gemini-2.5-flash",
	},
}

// Models that reject the reasoning-exclude request flag. Substring
// match against the model identifier.
var reasoningExcludeUnsupported = []string{
	"gemini-3",
	"gemini-2.5",
	"kimi",
	"moonshot",
	"grok",
}

// Store is the backing store for role assignments. RoleModels returns
// the ordered model list per role; roles absent from the map fall back
// to the hardcoded defaults.
type Store interface {
	RoleModels(ctx context.Context) (map[string][]string, error)
}

// Capabilities overrides per-model behavior flags from configuration.
type Capabilities struct {
	ReasoningExclude *bool
}

// Registry caches role assignments with copy-on-write updates: reads
// are a single atomic load, refreshes swap the whole map.
type Registry struct {
	store        Store
	logger       *slog.Logger
	capabilities map[string]Capabilities

	roles atomic.Pointer[map[string][]string]

	stopOnce sync.Once
	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Registry. store may be nil, in which case only the
// hardcoded fallbacks are served. capabilities may be nil.
func New(store Store, capabilities map[string]Capabilities, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:        store,
		logger:       logger,
		capabilities: capabilities,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	empty := map[string][]string{}
	r.roles.Store(&empty)
	return r
}

// Load fetches role assignments from the store and swaps the cache.
// A store failure leaves the previous cache in place.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	roles, err := r.store.RoleModels(ctx)
	if err != nil {
		r.logger.Warn("Model role refresh failed, serving cached assignments", "error", err)
		return err
	}
	copied := make(map[string][]string, len(roles))
	for role, models := range roles {
		copied[role] = append([]string(nil), models...)
	}
	r.roles.Store(&copied)
	return nil
}

// StartRefresh reloads the cache every interval until Stop is called.
func (r *Registry) StartRefresh(ctx context.Context, interval time.Duration) {
	if r.store == nil || interval <= 0 || !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = r.Load(ctx)
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the refresh loop and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.done
	}
}

// GetModels returns the ordered model list for a role. Returns the
// hardcoded fallback when the cache has no entry, and a copy in all
// cases so callers cannot mutate shared state.
func (r *Registry) GetModels(role string) []string {
	roles := *r.roles.Load()
	models := roles[role]
	if len(models) == 0 {
		models = fallbackModels[role]
	}
	return append([]string(nil), models...)
}

// GetPrimaryModel returns the first model for a role, or "" when the
// role resolves to nothing.
func (r *Registry) GetPrimaryModel(role string) string {
	models := r.GetModels(role)
	if len(models) == 0 {
		return ""
	}
	return models[0]
}

// SupportsReasoningExclude reports whether a model accepts the
// reasoning-exclude request flag. Configured capabilities win;
// otherwise known-incompatible families are matched by substring.
func (r *Registry) SupportsReasoningExclude(model string) bool {
	if caps, ok := r.capabilities[model]; ok && caps.ReasoningExclude != nil {
		return *caps.ReasoningExclude
	}
	lower := strings.ToLower(model)
	for _, fragment := range reasoningExcludeUnsupported {
		if strings.Contains(lower, fragment) {
			return false
		}
	}
	return true
}
