package pricing

import (
	"fmt"
	"math"

	"github.com/vnmchuo/agent-ledger/internal/registry"
)

type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Search int64 `json:"search"`
	Total  int64 `json:"total"`
}

// Sum returns Total when reported by the provider, otherwise the sum of the parts.
func (t TokenCounts) Sum() int64 {
	if t.Total > 0 {
		return t.Total
	}
	return t.Input + t.Output + t.Search
}

type ImageCounts struct {
	Count int64  `json:"count"`
	Size  string `json:"size,omitempty"`
}

// Measurements is what a call site observed. At most one of Tokens and Images
// is set, and it must match the unit family of the purpose.
type Measurements struct {
	RuntimeSeconds       float64      `json:"runtime_seconds"`
	RemoteRuntimeSeconds *float64     `json:"remote_runtime_seconds,omitempty"`
	Tokens               *TokenCounts `json:"tokens,omitempty"`
	Images               *ImageCounts `json:"images,omitempty"`
}

func (m Measurements) Validate(family registry.UnitFamily) error {
	if bad(m.RuntimeSeconds) {
		return fmt.Errorf("%w: runtime_seconds must be non-negative", ErrInvalidMeasurement)
	}
	if m.RemoteRuntimeSeconds != nil && bad(*m.RemoteRuntimeSeconds) {
		return fmt.Errorf("%w: remote_runtime_seconds must be non-negative", ErrInvalidMeasurement)
	}
	if m.Tokens != nil && m.Images != nil {
		return fmt.Errorf("%w: tokens and images are mutually exclusive", ErrInvalidMeasurement)
	}
	if m.Tokens != nil {
		if family != registry.UnitTokens {
			return fmt.Errorf("%w: token counts given for %s unit family", ErrInvalidMeasurement, family)
		}
		t := m.Tokens
		if t.Input < 0 || t.Output < 0 || t.Search < 0 || t.Total < 0 {
			return fmt.Errorf("%w: negative token count", ErrInvalidMeasurement)
		}
	}
	if m.Images != nil {
		if family != registry.UnitImages {
			return fmt.Errorf("%w: image counts given for %s unit family", ErrInvalidMeasurement, family)
		}
		if m.Images.Count < 0 {
			return fmt.Errorf("%w: negative image count", ErrInvalidMeasurement)
		}
	}
	return nil
}

type CostBreakdown struct {
	ModelCostCredits         float64 `json:"model_cost_credits"`
	RemoteRuntimeCostCredits float64 `json:"remote_runtime_cost_credits"`
	APICallCostCredits       float64 `json:"api_call_cost_credits"`
	MaintenanceFeeCredits    float64 `json:"maintenance_fee_credits"`
	TotalCostCredits         float64 `json:"total_cost_credits"`
}

// Tolerance is the allowed drift between TotalCostCredits and the sum of the parts.
const Tolerance = 1e-9

func (c CostBreakdown) ComponentSum() float64 {
	return c.ModelCostCredits + c.RemoteRuntimeCostCredits + c.APICallCostCredits + c.MaintenanceFeeCredits
}

func (c CostBreakdown) Consistent() bool {
	return math.Abs(c.TotalCostCredits-c.ComponentSum()) <= Tolerance
}

type ruleKey struct {
	scope   string // "tool", "provider" or "any"
	id      string
	purpose string
}

// Calculator prices measurements against an indexed Table.
type Calculator struct {
	defaultFee float64
	rules      map[ruleKey]Rule
}

func NewCalculator(t *Table) (*Calculator, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil pricing table", ErrConfiguration)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	c := &Calculator{
		defaultFee: t.MaintenanceFeeCredits,
		rules:      make(map[ruleKey]Rule, len(t.Rules)),
	}
	for _, r := range t.Rules {
		c.rules[keyOf(r)] = r
	}
	return c, nil
}

func keyOf(r Rule) ruleKey {
	purpose := r.Purpose
	if purpose == "" {
		purpose = Wildcard
	}
	switch {
	case r.Tool != "" && r.Tool != Wildcard:
		return ruleKey{"tool", r.Tool, purpose}
	case r.Provider != "" && r.Provider != Wildcard:
		return ruleKey{"provider", r.Provider, purpose}
	default:
		return ruleKey{"any", Wildcard, purpose}
	}
}

// Lookup finds the most specific rule: tool before provider before any, and
// an exact purpose before the wildcard purpose within each level.
func (c *Calculator) Lookup(tool registry.ExternalTool, purpose registry.ToolType) (Rule, bool) {
	candidates := []ruleKey{
		{"tool", tool.ID, string(purpose)},
		{"tool", tool.ID, Wildcard},
		{"provider", tool.Provider.ID, string(purpose)},
		{"provider", tool.Provider.ID, Wildcard},
		{"any", Wildcard, string(purpose)},
		{"any", Wildcard, Wildcard},
	}
	for _, k := range candidates {
		if r, ok := c.rules[k]; ok {
			return r, true
		}
	}
	return Rule{}, false
}

// Compute prices one call. It has no side effects.
func (c *Calculator) Compute(tool registry.ExternalTool, purpose registry.ToolType, m Measurements) (CostBreakdown, error) {
	family := purpose.UnitFamily()
	if err := m.Validate(family); err != nil {
		return CostBreakdown{}, err
	}

	rule, ok := c.Lookup(tool, purpose)
	if !ok {
		return CostBreakdown{}, fmt.Errorf("%w: no pricing for tool %q (provider %q) purpose %q",
			ErrConfiguration, tool.ID, tool.Provider.ID, purpose)
	}

	var b CostBreakdown
	switch family {
	case registry.UnitTokens:
		if t := m.Tokens; t != nil {
			b.ModelCostCredits = float64(t.Input)/1000*rule.InputPer1K +
				float64(t.Output)/1000*rule.OutputPer1K +
				float64(t.Search)/1000*rule.SearchPer1K
		}
	case registry.UnitImages:
		if img := m.Images; img != nil {
			multiplier := 1.0
			if v, ok := rule.ImageSizeMultipliers[img.Size]; ok {
				multiplier = v
			}
			b.ModelCostCredits = float64(img.Count) * rule.CreditsPerImage * multiplier
		}
	default:
		b.ModelCostCredits = m.RuntimeSeconds * rule.CreditsPerSecond
	}

	if m.RemoteRuntimeSeconds != nil {
		b.RemoteRuntimeCostCredits = *m.RemoteRuntimeSeconds * rule.RemoteCreditsPerSecond
	}
	b.APICallCostCredits = rule.APICallCredits
	b.MaintenanceFeeCredits = c.defaultFee
	if rule.MaintenanceFeeCredits != nil {
		b.MaintenanceFeeCredits = *rule.MaintenanceFeeCredits
	}

	components := []struct {
		name  string
		value float64
	}{
		{"model_cost_credits", b.ModelCostCredits},
		{"remote_runtime_cost_credits", b.RemoteRuntimeCostCredits},
		{"api_call_cost_credits", b.APICallCostCredits},
		{"maintenance_fee_credits", b.MaintenanceFeeCredits},
	}
	for _, comp := range components {
		if bad(comp.value) {
			return CostBreakdown{}, fmt.Errorf("%w: %s is %v for tool %q (%s)", ErrConfiguration, comp.name, comp.value, tool.ID, rule.describe())
		}
	}

	b.TotalCostCredits = b.ComponentSum()
	return b, nil
}
