package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsFor(t *testing.T) {
	assert.Equal(t, LLMParams{Temperature: 0.2, MaxTokens: 8192}, ParamsFor(PresetConservative, 1))
	assert.Equal(t, LLMParams{Temperature: 0.3, MaxTokens: 2048}, ParamsFor(PresetBalanced, 2))
	assert.Equal(t, LLMParams{Temperature: 0.7, MaxTokens: 8192}, ParamsFor(PresetCreative, 3))

	// Unknown preset and stage fall back to balanced / stage 1.
	assert.Equal(t, ParamsFor(PresetBalanced, 1), ParamsFor(Preset("nope"), 1))
	assert.Equal(t, ParamsFor(PresetBalanced, 1), ParamsFor(PresetBalanced, 9))
}

func TestApplyModifier(t *testing.T) {
	base := LLMParams{Temperature: 0.5, MaxTokens: 8192}

	t.Run("creative raises temperature with a cap", func(t *testing.T) {
		assert.InDelta(t, 0.65, ApplyModifier(base, ModifierCreative).Temperature, 1e-9)
		hot := LLMParams{Temperature: 0.95, MaxTokens: 8192}
		assert.Equal(t, 1.0, ApplyModifier(hot, ModifierCreative).Temperature)
	})

	t.Run("cautious lowers temperature with a floor", func(t *testing.T) {
		assert.InDelta(t, 0.35, ApplyModifier(base, ModifierCautious).Temperature, 1e-9)
		cold := LLMParams{Temperature: 0.2, MaxTokens: 8192}
		assert.Equal(t, 0.1, ApplyModifier(cold, ModifierCautious).Temperature)
	})

	t.Run("concise halves tokens with a floor", func(t *testing.T) {
		assert.Equal(t, 4096, ApplyModifier(base, ModifierConcise).MaxTokens)
		tiny := LLMParams{Temperature: 0.5, MaxTokens: 600}
		assert.Equal(t, 512, ApplyModifier(tiny, ModifierConcise).MaxTokens)
	})

	t.Run("detailed grows tokens with a cap", func(t *testing.T) {
		small := LLMParams{Temperature: 0.5, MaxTokens: 2048}
		assert.Equal(t, 3072, ApplyModifier(small, ModifierDetailed).MaxTokens)
		assert.Equal(t, 4096, ApplyModifier(base, ModifierDetailed).MaxTokens)
	})

	t.Run("none is a no-op", func(t *testing.T) {
		assert.Equal(t, base, ApplyModifier(base, ModifierNone))
	})
}

func TestClampParams(t *testing.T) {
	topP := 1.4
	clamped := ClampParams(LLMParams{Temperature: 2.0, MaxTokens: 100000, TopP: &topP})
	assert.Equal(t, 1.2, clamped.Temperature)
	assert.Equal(t, 16384, clamped.MaxTokens)
	require.NotNil(t, clamped.TopP)
	assert.Equal(t, 1.0, *clamped.TopP)

	negTopP := -0.5
	clamped = ClampParams(LLMParams{Temperature: -1, MaxTokens: 1, TopP: &negTopP})
	assert.Equal(t, 0.0, clamped.Temperature)
	assert.Equal(t, 256, clamped.MaxTokens)
	assert.Equal(t, 0.0, *clamped.TopP)
}

func TestResolverPriority(t *testing.T) {
	cfg := Defaults()
	cfg.DepartmentPresets = map[string]Preset{"finance": PresetConservative}
	ctx := context.Background()

	t.Run("explicit override wins", func(t *testing.T) {
		r := NewResolver(cfg, nil)
		params := r.Resolve(ctx, ResolveRequest{
			Department: "finance",
			Stage:      1,
			Override:   &LLMParams{Temperature: 0.9, MaxTokens: 1024},
		})
		assert.Equal(t, 0.9, params.Temperature)
		assert.Equal(t, 1024, params.MaxTokens)
	})

	t.Run("override without tokens borrows preset tokens", func(t *testing.T) {
		r := NewResolver(cfg, nil)
		params := r.Resolve(ctx, ResolveRequest{
			Department: "finance",
			Stage:      2,
			Override:   &LLMParams{Temperature: 0.9},
		})
		assert.Equal(t, 0.9, params.Temperature)
		assert.Equal(t, ParamsFor(PresetConservative, 2).MaxTokens, params.MaxTokens)
	})

	t.Run("store preset beats config preset", func(t *testing.T) {
		lookup := func(_ context.Context, department string) (Preset, bool) {
			if department == "finance" {
				return PresetCreative, true
			}
			return "", false
		}
		r := NewResolver(cfg, lookup)
		params := r.Resolve(ctx, ResolveRequest{Department: "finance", Stage: 1})
		assert.Equal(t, ParamsFor(PresetCreative, 1).Temperature, params.Temperature)
	})

	t.Run("config preset beats caller preset", func(t *testing.T) {
		r := NewResolver(cfg, nil)
		params := r.Resolve(ctx, ResolveRequest{
			Department: "finance",
			Stage:      1,
			Preset:     PresetCreative,
		})
		assert.Equal(t, ParamsFor(PresetConservative, 1).Temperature, params.Temperature)
	})

	t.Run("caller preset when department unknown", func(t *testing.T) {
		r := NewResolver(cfg, nil)
		params := r.Resolve(ctx, ResolveRequest{
			Department: "marketing",
			Stage:      1,
			Preset:     PresetCreative,
		})
		assert.Equal(t, ParamsFor(PresetCreative, 1).Temperature, params.Temperature)
	})

	t.Run("balanced fallback", func(t *testing.T) {
		r := NewResolver(cfg, nil)
		params := r.Resolve(ctx, ResolveRequest{Stage: 3})
		assert.Equal(t, ParamsFor(PresetBalanced, 3), params)
	})

	t.Run("modifier applies after resolution", func(t *testing.T) {
		r := NewResolver(cfg, nil)
		params := r.Resolve(ctx, ResolveRequest{
			Department: "finance",
			Stage:      1,
			Modifier:   ModifierCautious,
		})
		// Conservative stage 1 is 0.2; cautious floors at 0.1.
		assert.Equal(t, 0.1, params.Temperature)
	})

	t.Run("override is clamped", func(t *testing.T) {
		r := NewResolver(cfg, nil)
		params := r.Resolve(ctx, ResolveRequest{
			Stage:    1,
			Override: &LLMParams{Temperature: 5, MaxTokens: 999999},
		})
		assert.Equal(t, 1.2, params.Temperature)
		assert.Equal(t, 16384, params.MaxTokens)
	})
}
