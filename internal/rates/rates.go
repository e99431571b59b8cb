// Package rates resolves per-model credit multipliers for usage pricing.
// A multiplier is the price in credits per raw unit (token, image, second
// of video). Resolution is pure: given a usage kind, a model identifier
// and an optional per-request override table, it returns a non-negative
// multiplier or fails if the model cannot be priced at all.
package rates

import (
	"fmt"
)

// TokenKind identifies which side of a model interaction is being priced.
type TokenKind string

const (
	// TokenKindPrompt prices input tokens.
	TokenKindPrompt TokenKind = "prompt"
	// TokenKindCompletion prices output tokens.
	TokenKindCompletion TokenKind = "completion"
)

// CacheKind identifies a prompt-cache token subtype.
type CacheKind string

const (
	// CacheKindWrite prices tokens written into the prompt cache.
	CacheKindWrite CacheKind = "write"
	// CacheKindRead prices tokens served from the prompt cache.
	CacheKindRead CacheKind = "read"
)

// UnknownModelError indicates that a model matched no table entry and no
// default rate is configured. Usage for such a model cannot be priced.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("no rate configured for model %q and no default rate set", e.Model)
}

// Resolver resolves multipliers against a global table, with an optional
// per-request override table taking precedence. Resolver is immutable and
// safe for concurrent use.
type Resolver struct {
	table *Table
}

// NewResolver creates a Resolver over the given global table.
// A nil table resolves everything through the built-in default table.
func NewResolver(table *Table) *Resolver {
	if table == nil {
		table = DefaultTable()
	}
	return &Resolver{table: table}
}

// Table returns the global table the resolver was built with.
func (r *Resolver) Table() *Table {
	return r.table
}

// Multiplier resolves the credit multiplier for the given token kind and
// model. Resolution order: override table entry, global table entry,
// global default rate. Returns UnknownModelError when nothing matches.
func (r *Resolver) Multiplier(kind TokenKind, model string, override *Table) (float64, error) {
	if override != nil {
		if m, ok := override.Match(model); ok {
			return m.forKind(kind), nil
		}
		if override.DefaultRate != nil {
			return *override.DefaultRate, nil
		}
	}

	if m, ok := r.table.Match(model); ok {
		return m.forKind(kind), nil
	}
	if r.table.DefaultRate != nil {
		return *r.table.DefaultRate, nil
	}

	return 0, &UnknownModelError{Model: model}
}

// CacheMultiplier resolves the multiplier for a prompt-cache token
// subtype. When the matched entry carries no cache-specific multiplier,
// it falls back to the prompt multiplier for the same model.
func (r *Resolver) CacheMultiplier(kind CacheKind, model string, override *Table) (float64, error) {
	if override != nil {
		if m, ok := override.Match(model); ok {
			if v := m.forCache(kind); v != nil {
				return *v, nil
			}
			return m.Prompt, nil
		}
	}

	if m, ok := r.table.Match(model); ok {
		if v := m.forCache(kind); v != nil {
			return *v, nil
		}
		return m.Prompt, nil
	}

	// No entry anywhere: fall back to whatever the prompt resolution
	// yields (override default, global default, or an error).
	return r.Multiplier(TokenKindPrompt, model, override)
}

func (m Multipliers) forKind(kind TokenKind) float64 {
	if kind == TokenKindCompletion {
		return m.Completion
	}
	return m.Prompt
}

func (m Multipliers) forCache(kind CacheKind) *float64 {
	if kind == CacheKindRead {
		return m.CacheRead
	}
	return m.CacheWrite
}
