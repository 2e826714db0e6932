package config

import "context"

// Preset names a sampling-parameter profile.
type Preset string

const (
	PresetConservative Preset = "conservative"
	PresetBalanced     Preset = "balanced"
	PresetCreative     Preset = "creative"
)

// Modifier is a bounded per-conversation adjustment applied after
// preset resolution.
type Modifier string

const (
	ModifierNone     Modifier = ""
	ModifierCreative Modifier = "creative"
	ModifierCautious Modifier = "cautious"
	ModifierConcise  Modifier = "concise"
	ModifierDetailed Modifier = "detailed"
)

// LLMParams are the effective sampling parameters for one stage call.
type LLMParams struct {
	Temperature float64  `json:"temperature" yaml:"temperature"`
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
}

// Parameter clamp bounds. Applied after all overrides and modifiers.
const (
	minTemperature = 0.0
	maxTemperature = 1.2
	minMaxTokens   = 256
	maxMaxTokens   = 16384
)

// presetTable holds the fallback defaults used when the backing store
// has no preset for the department. Indexed by preset, then stage (1-3).
var presetTable = map[Preset]map[int]LLMParams{
	PresetConservative: {
		1: {Temperature: 0.2, MaxTokens: 8192},
		2: {Temperature: 0.15, MaxTokens: 2048},
		3: {Temperature: 0.25, MaxTokens: 8192},
	},
	PresetBalanced: {
		1: {Temperature: 0.5, MaxTokens: 8192},
		2: {Temperature: 0.3, MaxTokens: 2048},
		3: {Temperature: 0.4, MaxTokens: 8192},
	},
	PresetCreative: {
		1: {Temperature: 0.8, MaxTokens: 8192},
		2: {Temperature: 0.5, MaxTokens: 2048},
		3: {Temperature: 0.7, MaxTokens: 8192},
	},
}

// ParamsFor returns the preset defaults for a stage. Unknown presets
// and stages resolve to balanced / stage 1.
func ParamsFor(preset Preset, stage int) LLMParams {
	stages, ok := presetTable[preset]
	if !ok {
		stages = presetTable[PresetBalanced]
	}
	params, ok := stages[stage]
	if !ok {
		params = stages[1]
	}
	return params
}

// ApplyModifier applies a conversation modifier to params.
// Adjustments are bounded: modifiers cannot push values past their caps.
func ApplyModifier(p LLMParams, m Modifier) LLMParams {
	switch m {
	case ModifierCreative:
		p.Temperature += 0.15
		if p.Temperature > 1.0 {
			p.Temperature = 1.0
		}
	case ModifierCautious:
		p.Temperature -= 0.15
		if p.Temperature < 0.1 {
			p.Temperature = 0.1
		}
	case ModifierConcise:
		p.MaxTokens /= 2
		if p.MaxTokens < 512 {
			p.MaxTokens = 512
		}
	case ModifierDetailed:
		p.MaxTokens = p.MaxTokens * 3 / 2
		if p.MaxTokens > 4096 {
			p.MaxTokens = 4096
		}
	}
	return p
}

// ClampParams enforces the hard parameter bounds.
func ClampParams(p LLMParams) LLMParams {
	if p.Temperature < minTemperature {
		p.Temperature = minTemperature
	}
	if p.Temperature > maxTemperature {
		p.Temperature = maxTemperature
	}
	if p.MaxTokens < minMaxTokens {
		p.MaxTokens = minMaxTokens
	}
	if p.MaxTokens > maxMaxTokens {
		p.MaxTokens = maxMaxTokens
	}
	if p.TopP != nil {
		tp := *p.TopP
		if tp < 0 {
			tp = 0
		}
		if tp > 1 {
			tp = 1
		}
		p.TopP = &tp
	}
	return p
}

// PresetLookup resolves a department's preset from a backing store.
// Implementations return ("", false) when no preset is recorded.
type PresetLookup func(ctx context.Context, department string) (Preset, bool)

// ResolveRequest describes one parameter resolution.
type ResolveRequest struct {
	Department string
	Stage      int
	Preset     Preset    // caller preference, used when no override applies
	Override   *LLMParams // explicit caller override, highest priority
	Modifier   Modifier
}

// Resolver resolves effective LLM parameters per (department, stage).
// Priority: explicit override > department preset from the store >
// caller preset > balanced defaults. The conversation modifier and the
// hard clamps are applied last in that order.
type Resolver struct {
	cfg    *Config
	lookup PresetLookup
}

// NewResolver creates a Resolver. lookup may be nil; the resolver then
// uses the config's department_presets map only.
func NewResolver(cfg *Config, lookup PresetLookup) *Resolver {
	return &Resolver{cfg: cfg, lookup: lookup}
}

// Resolve computes the effective parameters for a request.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) LLMParams {
	var params LLMParams

	switch {
	case req.Override != nil:
		params = *req.Override
		if params.MaxTokens == 0 {
			params.MaxTokens = ParamsFor(r.presetFor(ctx, req), req.Stage).MaxTokens
		}
	default:
		params = ParamsFor(r.presetFor(ctx, req), req.Stage)
	}

	params = ApplyModifier(params, req.Modifier)
	return ClampParams(params)
}

// presetFor resolves the preset name: backing store, then the static
// department_presets map, then the caller's preset, then balanced.
func (r *Resolver) presetFor(ctx context.Context, req ResolveRequest) Preset {
	if req.Department != "" {
		if r.lookup != nil {
			if preset, ok := r.lookup(ctx, req.Department); ok {
				return preset
			}
		}
		if preset, ok := r.cfg.DepartmentPresets[req.Department]; ok {
			return preset
		}
	}
	if req.Preset != "" {
		return req.Preset
	}
	return PresetBalanced
}
