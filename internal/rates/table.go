package rates

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Multipliers holds the credit multipliers for one model family.
// CacheWrite and CacheRead are optional; absent values fall back to
// the Prompt multiplier during resolution.
type Multipliers struct {
	Prompt     float64  `yaml:"prompt" json:"prompt"`
	Completion float64  `yaml:"completion" json:"completion"`
	CacheWrite *float64 `yaml:"cache_write,omitempty" json:"cache_write,omitempty"`
	CacheRead  *float64 `yaml:"cache_read,omitempty" json:"cache_read,omitempty"`
}

// Table maps model-name fragments to multipliers. Lookup picks the
// longest fragment contained in the model identifier, so "gpt-4o-mini"
// wins over "gpt-4o" for model "gpt-4o-mini-2024-07-18".
type Table struct {
	// DefaultRate applies to models with no matching entry.
	// When nil, unmatched models fail resolution.
	DefaultRate *float64 `yaml:"default_rate,omitempty" json:"default_rate,omitempty"`

	Models map[string]Multipliers `yaml:"models" json:"models"`
}

// Match returns the multipliers for the longest table key contained in
// the model identifier, or false when no key matches.
func (t *Table) Match(model string) (Multipliers, bool) {
	if t == nil || model == "" {
		return Multipliers{}, false
	}
	var (
		best    string
		entry   Multipliers
		matched bool
	)
	for key, m := range t.Models {
		if strings.Contains(model, key) && len(key) > len(best) {
			best = key
			entry = m
			matched = true
		}
	}
	return entry, matched
}

// Validate checks that every multiplier in the table is non-negative.
func (t *Table) Validate() error {
	if t.DefaultRate != nil && *t.DefaultRate < 0 {
		return fmt.Errorf("default_rate must be non-negative, got %v", *t.DefaultRate)
	}
	for key, m := range t.Models {
		if m.Prompt < 0 || m.Completion < 0 {
			return fmt.Errorf("model %q has a negative multiplier", key)
		}
		if m.CacheWrite != nil && *m.CacheWrite < 0 {
			return fmt.Errorf("model %q has a negative cache_write multiplier", key)
		}
		if m.CacheRead != nil && *m.CacheRead < 0 {
			return fmt.Errorf("model %q has a negative cache_read multiplier", key)
		}
	}
	return nil
}

// LoadTable reads a rate table from a YAML file and validates it.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate table %s: %w", path, err)
	}

	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse rate table %s: %w", path, err)
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate table %s: %w", path, err)
	}
	return &table, nil
}

func ptr(f float64) *float64 { return &f }

// DefaultTable returns the built-in rate table. Values are credits per
// million tokens, tracking current provider list prices.
func DefaultTable() *Table {
	return &Table{
		DefaultRate: ptr(6),
		Models: map[string]Multipliers{
			"gpt-4o":        {Prompt: 2.5, Completion: 10, CacheRead: ptr(1.25)},
			"gpt-4o-mini":   {Prompt: 0.15, Completion: 0.6, CacheRead: ptr(0.075)},
			"gpt-4.1":       {Prompt: 2, Completion: 8, CacheRead: ptr(0.5)},
			"gpt-4.1-mini":  {Prompt: 0.4, Completion: 1.6, CacheRead: ptr(0.1)},
			"gpt-3.5-turbo": {Prompt: 0.5, Completion: 1.5},
			"o1":            {Prompt: 15, Completion: 60, CacheRead: ptr(7.5)},
			"o3-mini":       {Prompt: 1.1, Completion: 4.4, CacheRead: ptr(0.55)},

			"claude-3-opus":     {Prompt: 15, Completion: 75, CacheWrite: ptr(18.75), CacheRead: ptr(1.5)},
			"claude-3-5-sonnet": {Prompt: 3, Completion: 15, CacheWrite: ptr(3.75), CacheRead: ptr(0.3)},
			"claude-3-5-haiku":  {Prompt: 0.8, Completion: 4, CacheWrite: ptr(1), CacheRead: ptr(0.08)},
			"claude-3-haiku":    {Prompt: 0.25, Completion: 1.25, CacheWrite: ptr(0.3), CacheRead: ptr(0.03)},
			"claude-sonnet-4":   {Prompt: 3, Completion: 15, CacheWrite: ptr(3.75), CacheRead: ptr(0.3)},
			"claude-opus-4":     {Prompt: 15, Completion: 75, CacheWrite: ptr(18.75), CacheRead: ptr(1.5)},

			"gemini-1.5-pro":   {Prompt: 1.25, Completion: 5},
			"gemini-1.5-flash": {Prompt: 0.075, Completion: 0.3},
			"gemini-2.0-flash": {Prompt: 0.1, Completion: 0.4},
			"gemini-2.5-pro":   {Prompt: 1.25, Completion: 10},

			"deepseek-chat":     {Prompt: 0.27, Completion: 1.1, CacheRead: ptr(0.07)},
			"deepseek-reasoner": {Prompt: 0.55, Completion: 2.19, CacheRead: ptr(0.14)},
		},
	}
}
