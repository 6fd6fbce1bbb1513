// Package pricing turns raw call measurements into credit cost breakdowns.
//
// Prices live in a Table that is loaded once (built-in defaults, optionally
// overlaid by a YAML file) and handed to a Calculator. The Calculator is a
// pure function of its inputs and is safe for concurrent use.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Wildcard matches any tool, provider or purpose in a Rule.
const Wildcard = "*"

var (
	// ErrConfiguration is returned when pricing is missing or yields an invalid cost.
	ErrConfiguration = errors.New("pricing configuration error")

	// ErrInvalidMeasurement is returned for measurements that do not fit the purpose's unit family.
	ErrInvalidMeasurement = errors.New("invalid measurement")
)

// Rule prices one tool (or every tool of a provider) for one purpose (or all).
// Rates are in credits.
type Rule struct {
	Tool     string `yaml:"tool,omitempty" json:"tool,omitempty"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Purpose  string `yaml:"purpose,omitempty" json:"purpose,omitempty"`

	CreditsPerSecond       float64            `yaml:"credits_per_second,omitempty" json:"credits_per_second,omitempty"`
	RemoteCreditsPerSecond float64            `yaml:"remote_credits_per_second,omitempty" json:"remote_credits_per_second,omitempty"`
	InputPer1K             float64            `yaml:"input_per_1k,omitempty" json:"input_per_1k,omitempty"`
	OutputPer1K            float64            `yaml:"output_per_1k,omitempty" json:"output_per_1k,omitempty"`
	SearchPer1K            float64            `yaml:"search_per_1k,omitempty" json:"search_per_1k,omitempty"`
	CreditsPerImage        float64            `yaml:"credits_per_image,omitempty" json:"credits_per_image,omitempty"`
	ImageSizeMultipliers   map[string]float64 `yaml:"image_size_multipliers,omitempty" json:"image_size_multipliers,omitempty"`
	APICallCredits         float64            `yaml:"api_call_credits,omitempty" json:"api_call_credits,omitempty"`

	// nil means the table-wide default applies.
	MaintenanceFeeCredits *float64 `yaml:"maintenance_fee_credits,omitempty" json:"maintenance_fee_credits,omitempty"`
}

type Table struct {
	MaintenanceFeeCredits float64 `yaml:"maintenance_fee_credits" json:"maintenance_fee_credits"`
	Rules                 []Rule  `yaml:"rules" json:"rules"`
}

// Validate rejects negative or non-finite rates up front. Compute re-checks
// the resulting components, so a table built by hand is still caught.
func (t *Table) Validate() error {
	if bad(t.MaintenanceFeeCredits) {
		return fmt.Errorf("%w: maintenance_fee_credits must be a non-negative number", ErrConfiguration)
	}
	for i, r := range t.Rules {
		if r.Tool == "" && r.Provider == "" && r.Purpose == "" {
			return fmt.Errorf("%w: rule %d matches nothing (set tool, provider or purpose, or use %q)", ErrConfiguration, i, Wildcard)
		}
		rates := []float64{
			r.CreditsPerSecond, r.RemoteCreditsPerSecond, r.InputPer1K, r.OutputPer1K,
			r.SearchPer1K, r.CreditsPerImage, r.APICallCredits,
		}
		if r.MaintenanceFeeCredits != nil {
			rates = append(rates, *r.MaintenanceFeeCredits)
		}
		for size, m := range r.ImageSizeMultipliers {
			if bad(m) {
				return fmt.Errorf("%w: rule %d: image size %q multiplier must be non-negative", ErrConfiguration, i, size)
			}
		}
		for _, v := range rates {
			if bad(v) {
				return fmt.Errorf("%w: rule %d (%s): negative or non-finite rate", ErrConfiguration, i, r.describe())
			}
		}
	}
	return nil
}

func (r Rule) describe() string {
	return fmt.Sprintf("tool=%q provider=%q purpose=%q", r.Tool, r.Provider, r.Purpose)
}

func bad(v float64) bool {
	return v < 0 || math.IsNaN(v) || math.IsInf(v, 0)
}

func fee(v float64) *float64 { return &v }

// Default returns the built-in price list for the default tool catalog.
func Default() *Table {
	return &Table{
		MaintenanceFeeCredits: 0.01,
		Rules: []Rule{
			{Tool: "gpt-4o", InputPer1K: 0.25, OutputPer1K: 1.0},
			{Tool: "gpt-4o-mini", InputPer1K: 0.015, OutputPer1K: 0.06},
			{Tool: "whisper-1", CreditsPerSecond: 0.01},
			{Tool: "dall-e-3", CreditsPerImage: 4.0, ImageSizeMultipliers: map[string]float64{
				"1024x1024": 1, "1792x1024": 2, "1024x1792": 2,
			}},
			{Tool: "text-embedding-3-small", InputPer1K: 0.002},
			{Tool: "claude-3-5-sonnet-latest", InputPer1K: 0.3, OutputPer1K: 1.5},
			{Tool: "claude-3-5-haiku-latest", InputPer1K: 0.08, OutputPer1K: 0.4},
			{Tool: "sonar", InputPer1K: 0.1, OutputPer1K: 0.1, SearchPer1K: 0.5, APICallCredits: 0.5},
			{Tool: "sonar-pro", InputPer1K: 0.3, OutputPer1K: 1.5, SearchPer1K: 0.5, APICallCredits: 0.6},
			{Tool: "gemini-2.0-flash", InputPer1K: 0.01, OutputPer1K: 0.04},
			{Provider: "replicate", Purpose: "images", CreditsPerImage: 4.0, RemoteCreditsPerSecond: 0.115},
			{Provider: "rapid-api", APICallCredits: 0.1, MaintenanceFeeCredits: fee(0)},
			{Provider: "coinmarketcap", APICallCredits: 0.1, MaintenanceFeeCredits: fee(0)},
		},
	}
}

// LoadFile reads a YAML price list and overlays it on the defaults: rules in
// the file take precedence over built-in rules with the same key.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Table, error) {
	var custom struct {
		MaintenanceFeeCredits *float64 `yaml:"maintenance_fee_credits"`
		Rules                 []Rule   `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &custom); err != nil {
		return nil, fmt.Errorf("%w: parse pricing: %v", ErrConfiguration, err)
	}

	table := Default()
	if custom.MaintenanceFeeCredits != nil {
		table.MaintenanceFeeCredits = *custom.MaintenanceFeeCredits
	}
	// Overrides are appended; the calculator index keeps the last rule per key.
	table.Rules = append(table.Rules, custom.Rules...)

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}
