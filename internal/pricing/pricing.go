// Package pricing implements the cost engine from spec.md §4.3: a static
// per-model catalog, per-provider cache-token multipliers, and a
// DB-backed override layer, both read through the settings store.
package pricing

import (
	"fmt"
	"strconv"
	"strings"
)

// ModelPrice is the USD-per-1M-token input/output rate for one model.
type ModelPrice struct {
	Input  float64
	Output float64
}

// CacheMultiplier scales the input rate for cache-create and cache-read
// tokens (spec.md §4.3).
type CacheMultiplier struct {
	Create float64
	Read   float64
}

// DefaultPricing is the static catalog, seeded for a fixed known-model
// set. The exact set is catalog-driven, not semantically significant
// (spec.md §4.3).
var DefaultPricing = map[string]ModelPrice{
	"claude-opus-4-5-20251101":  {Input: 15, Output: 75},
	"claude-sonnet-4-20250514":  {Input: 5, Output: 25},
	"claude-3-5-haiku-20241022": {Input: 1, Output: 5},
	"gpt-5":                     {Input: 10, Output: 30},
	"gpt-5.2":                   {Input: 12, Output: 36},
	"gemini-2.0-flash":          {Input: 0.35, Output: 1.05},
}

// DefaultCacheMultipliers are the per-provider defaults (spec.md §4.3).
var DefaultCacheMultipliers = map[string]CacheMultiplier{
	"anthropic": {Create: 1.25, Read: 0.10},
	"openai":    {Create: 0, Read: 0.5},
	"google":    {Create: 0, Read: 0.25},
}

// unknownProviderMultiplier is used for any provider absent from
// DefaultCacheMultipliers and without a DB override.
var unknownProviderMultiplier = CacheMultiplier{Create: 1.0, Read: 0.5}

// SettingsReader is the minimal read surface the pricing engine needs
// from the settings store — satisfied by db.Store.ListSettingsByPrefix.
type SettingsReader interface {
	ListSettingsByPrefix(prefix string) (map[string]string, error)
}

// Engine computes cost given provider, model, and usage breakdown.
type Engine struct {
	settings SettingsReader
}

// NewEngine builds a pricing engine backed by the given settings reader.
func NewEngine(settings SettingsReader) *Engine {
	return &Engine{settings: settings}
}

// GetModelPricing returns the effective price for a model: DB override >
// catalog default > nil (spec.md §4.3 lookup priority).
func (e *Engine) GetModelPricing(model string) (*ModelPrice, error) {
	overrides, err := e.settings.ListSettingsByPrefix("pricing.")
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing overrides: %w", err)
	}

	price := ModelPrice{}
	found := false
	if def, ok := DefaultPricing[model]; ok {
		price = def
		found = true
	}

	for key, raw := range overrides {
		m, field, ok := ParsePricingKey(key)
		if !ok || m != model {
			continue
		}
		v, perr := strconv.ParseFloat(raw, 64)
		if perr != nil {
			continue // malformed override, ignore rather than panic
		}
		switch field {
		case "input":
			price.Input = v
			found = true
		case "output":
			price.Output = v
			found = true
		}
	}

	if !found {
		return nil, nil
	}
	return &price, nil
}

// GetCacheMultipliers returns the effective cache multiplier for a
// provider: DB override > provider default > unknown-provider default.
func (e *Engine) GetCacheMultipliers(provider string) (CacheMultiplier, error) {
	mult, ok := DefaultCacheMultipliers[provider]
	if !ok {
		mult = unknownProviderMultiplier
	}

	overrides, err := e.settings.ListSettingsByPrefix(fmt.Sprintf("cache.%s.", provider))
	if err != nil {
		return mult, fmt.Errorf("failed to read cache overrides: %w", err)
	}
	if v, ok := overrides[fmt.Sprintf("cache.%s.create", provider)]; ok {
		if f, perr := strconv.ParseFloat(v, 64); perr == nil {
			mult.Create = f
		}
	}
	if v, ok := overrides[fmt.Sprintf("cache.%s.read", provider)]; ok {
		if f, perr := strconv.ParseFloat(v, 64); perr == nil {
			mult.Read = f
		}
	}
	return mult, nil
}

// CostOf computes the USD cost of a call (spec.md §4.3 formula). cacheCreate
// and cacheRead are required parameters; passing 0 for both adds nothing
// to the input/output cost, so a call with no cache usage costs exactly
// the input/output terms alone (property 3 of spec.md §8).
func (e *Engine) CostOf(provider, model string, input, output, cacheCreate, cacheRead int64) (float64, error) {
	price, err := e.GetModelPricing(model)
	if err != nil {
		return 0, err
	}
	if price == nil {
		// Unknown model: usage is still recorded by the caller, but it
		// cannot be billed (spec.md §4.3).
		return 0, nil
	}

	mult, err := e.GetCacheMultipliers(provider)
	if err != nil {
		return 0, err
	}

	cost := (float64(input)*price.Input +
		float64(output)*price.Output +
		float64(cacheCreate)*price.Input*mult.Create +
		float64(cacheRead)*price.Input*mult.Read) / 1_000_000

	return cost, nil
}

// ParsePricingKey splits a `pricing.<model>.<input|output>` settings key.
// Model ids may themselves contain dots (e.g. "gpt-5.2"), so the split
// happens on the LAST dot, per spec.md §4.3.
func ParsePricingKey(key string) (model, field string, ok bool) {
	const prefix = "pricing."
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	idx := strings.LastIndex(rest, ".")
	if idx < 0 {
		return "", "", false
	}
	model = rest[:idx]
	field = rest[idx+1:]
	if field != "input" && field != "output" {
		return "", "", false
	}
	if model == "" {
		return "", "", false
	}
	return model, field, true
}

// UpsertPricing writes a DB override for a model's input/output rate.
func UpsertPricing(set func(key, value string) error, model string, input, output float64) error {
	if err := set(fmt.Sprintf("pricing.%s.input", model), strconv.FormatFloat(input, 'f', -1, 64)); err != nil {
		return err
	}
	return set(fmt.Sprintf("pricing.%s.output", model), strconv.FormatFloat(output, 'f', -1, 64))
}

// DeletePricingOverride removes a model's DB override, one key at a time.
func DeletePricingOverride(del func(key string) error, model string) error {
	if err := del(fmt.Sprintf("pricing.%s.input", model)); err != nil {
		return err
	}
	return del(fmt.Sprintf("pricing.%s.output", model))
}

// UpsertCacheMultipliers writes a DB override for a provider's cache
// multipliers.
func UpsertCacheMultipliers(set func(key, value string) error, provider string, create, read float64) error {
	if err := set(fmt.Sprintf("cache.%s.create", provider), strconv.FormatFloat(create, 'f', -1, 64)); err != nil {
		return err
	}
	return set(fmt.Sprintf("cache.%s.read", provider), strconv.FormatFloat(read, 'f', -1, 64))
}
