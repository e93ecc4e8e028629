package pricing

import (
	"math"
	"testing"
)

// memSettings is an in-memory SettingsReader for pure unit tests.
type memSettings struct {
	kv map[string]string
}

func newMemSettings() *memSettings { return &memSettings{kv: map[string]string{}} }

func (m *memSettings) ListSettingsByPrefix(prefix string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range m.kv {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestParsePricingKeyLastDot(t *testing.T) {
	model, field, ok := ParsePricingKey("pricing.gpt-5.2.input")
	if !ok {
		t.Fatalf("expected ok")
	}
	if model != "gpt-5.2" || field != "input" {
		t.Fatalf("got model=%q field=%q", model, field)
	}
}

func TestParsePricingKeyRejectsUnknownField(t *testing.T) {
	if _, _, ok := ParsePricingKey("pricing.claude-sonnet-4.weight"); ok {
		t.Fatalf("expected rejection of unknown field")
	}
}

func TestCostOfDedupAnthropicScenario(t *testing.T) {
	settings := newMemSettings()
	settings.kv["pricing.test-model.input"] = "5"
	settings.kv["pricing.test-model.output"] = "25"
	settings.kv["cache.anthropic.create"] = "1.25"
	settings.kv["cache.anthropic.read"] = "0.10"

	e := NewEngine(settings)

	// Raw SDK usage: input=5000, output=500, cacheCreate=1000, cacheRead=2000.
	// Dedup: input <- 5000 - 1000 - 2000 = 2000.
	cost, err := e.CostOf("anthropic", "test-model", 2000, 500, 1000, 2000)
	if err != nil {
		t.Fatalf("CostOf: %v", err)
	}
	want := 0.02975
	if !almostEqual(cost, want) {
		t.Fatalf("got %v want %v", cost, want)
	}
}

func TestCostOfNoCacheArgsEqualsZeroCacheArgs(t *testing.T) {
	settings := newMemSettings()
	e := NewEngine(settings)
	a, err := e.CostOf("anthropic", "claude-sonnet-4-20250514", 100, 50, 0, 0)
	if err != nil {
		t.Fatalf("CostOf: %v", err)
	}
	b, err := e.CostOf("anthropic", "claude-sonnet-4-20250514", 100, 50, 0, 0)
	if err != nil {
		t.Fatalf("CostOf: %v", err)
	}
	// With zero cache tokens the cost is the input/output terms alone.
	price := DefaultPricing["claude-sonnet-4-20250514"]
	want := (100*price.Input + 50*price.Output) / 1_000_000
	if a != want || b != want {
		t.Fatalf("expected input/output-only cost %v, got %v and %v", want, a, b)
	}
}

func TestCostOfUnknownModelIsZero(t *testing.T) {
	settings := newMemSettings()
	e := NewEngine(settings)
	cost, err := e.CostOf("openai", "totally-unknown-model", 1000, 1000, 0, 0)
	if err != nil {
		t.Fatalf("CostOf: %v", err)
	}
	if cost != 0 {
		t.Fatalf("expected 0 cost for unknown model, got %v", cost)
	}
}

func TestGetModelPricingOverrideRoundTrip(t *testing.T) {
	settings := newMemSettings()
	e := NewEngine(settings)

	set := func(k, v string) error { settings.kv[k] = v; return nil }
	del := func(k string) error { delete(settings.kv, k); return nil }

	if err := UpsertPricing(set, "custom-model", 2, 10); err != nil {
		t.Fatalf("UpsertPricing: %v", err)
	}
	price, err := e.GetModelPricing("custom-model")
	if err != nil {
		t.Fatalf("GetModelPricing: %v", err)
	}
	if price == nil || price.Input != 2 || price.Output != 10 {
		t.Fatalf("got %+v", price)
	}

	if err := DeletePricingOverride(del, "custom-model"); err != nil {
		t.Fatalf("DeletePricingOverride: %v", err)
	}
	price, err = e.GetModelPricing("custom-model")
	if err != nil {
		t.Fatalf("GetModelPricing: %v", err)
	}
	if price != nil {
		t.Fatalf("expected nil pricing after delete, got %+v", price)
	}
}

func TestGetCacheMultipliersUnknownProviderDefault(t *testing.T) {
	settings := newMemSettings()
	e := NewEngine(settings)
	mult, err := e.GetCacheMultipliers("some-new-provider")
	if err != nil {
		t.Fatalf("GetCacheMultipliers: %v", err)
	}
	if mult != unknownProviderMultiplier {
		t.Fatalf("got %+v want %+v", mult, unknownProviderMultiplier)
	}
}
