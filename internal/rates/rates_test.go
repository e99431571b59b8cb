package rates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testTable() *Table {
	return &Table{
		DefaultRate: ptr(6),
		Models: map[string]Multipliers{
			"gpt-4o":            {Prompt: 2.5, Completion: 10, CacheRead: ptr(1.25)},
			"gpt-4o-mini":       {Prompt: 0.15, Completion: 0.6},
			"claude-3-5-sonnet": {Prompt: 3, Completion: 15, CacheWrite: ptr(3.75), CacheRead: ptr(0.3)},
		},
	}
}

func TestMatchLongestKey(t *testing.T) {
	table := testTable()

	tests := []struct {
		model      string
		wantPrompt float64
		wantMatch  bool
	}{
		{"gpt-4o", 2.5, true},
		{"gpt-4o-2024-08-06", 2.5, true},
		{"gpt-4o-mini", 0.15, true},
		{"gpt-4o-mini-2024-07-18", 0.15, true},
		{"openai/gpt-4o-mini", 0.15, true},
		{"claude-3-5-sonnet-20241022", 3, true},
		{"llama-3.1-70b", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		m, ok := table.Match(tt.model)
		if ok != tt.wantMatch {
			t.Errorf("Match(%q) matched=%v, want %v", tt.model, ok, tt.wantMatch)
			continue
		}
		if ok && m.Prompt != tt.wantPrompt {
			t.Errorf("Match(%q) prompt=%v, want %v", tt.model, m.Prompt, tt.wantPrompt)
		}
	}
}

func TestMultiplierResolution(t *testing.T) {
	resolver := NewResolver(testTable())

	prompt, err := resolver.Multiplier(TokenKindPrompt, "gpt-4o-2024-08-06", nil)
	if err != nil {
		t.Fatalf("Multiplier failed: %v", err)
	}
	if prompt != 2.5 {
		t.Errorf("expected prompt multiplier 2.5, got %v", prompt)
	}

	completion, err := resolver.Multiplier(TokenKindCompletion, "gpt-4o-2024-08-06", nil)
	if err != nil {
		t.Fatalf("Multiplier failed: %v", err)
	}
	if completion != 10 {
		t.Errorf("expected completion multiplier 10, got %v", completion)
	}
}

func TestMultiplierFallsBackToDefaultRate(t *testing.T) {
	resolver := NewResolver(testTable())

	got, err := resolver.Multiplier(TokenKindCompletion, "llama-3.1-70b", nil)
	if err != nil {
		t.Fatalf("Multiplier failed: %v", err)
	}
	if got != 6 {
		t.Errorf("expected default rate 6, got %v", got)
	}
}

func TestMultiplierUnknownModel(t *testing.T) {
	resolver := NewResolver(&Table{
		Models: map[string]Multipliers{"gpt-4o": {Prompt: 2.5, Completion: 10}},
	})

	_, err := resolver.Multiplier(TokenKindPrompt, "mystery-model", nil)
	if err == nil {
		t.Fatal("expected error for unknown model without default rate")
	}

	var unknown *UnknownModelError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownModelError, got %T", err)
	}
	if unknown.Model != "mystery-model" {
		t.Errorf("expected model mystery-model in error, got %q", unknown.Model)
	}
}

func TestMultiplierOverridePrecedence(t *testing.T) {
	resolver := NewResolver(testTable())

	override := &Table{
		Models: map[string]Multipliers{
			"gpt-4o": {Prompt: 1, Completion: 2},
		},
	}

	got, err := resolver.Multiplier(TokenKindPrompt, "gpt-4o", override)
	if err != nil {
		t.Fatalf("Multiplier failed: %v", err)
	}
	if got != 1 {
		t.Errorf("expected override multiplier 1, got %v", got)
	}

	// A model absent from the override falls through to the global table.
	got, err = resolver.Multiplier(TokenKindPrompt, "claude-3-5-sonnet", override)
	if err != nil {
		t.Fatalf("Multiplier failed: %v", err)
	}
	if got != 3 {
		t.Errorf("expected global multiplier 3, got %v", got)
	}
}

func TestMultiplierOverrideDefaultRate(t *testing.T) {
	resolver := NewResolver(&Table{
		Models: map[string]Multipliers{"gpt-4o": {Prompt: 2.5, Completion: 10}},
	})

	override := &Table{DefaultRate: ptr(9)}
	got, err := resolver.Multiplier(TokenKindPrompt, "mystery-model", override)
	if err != nil {
		t.Fatalf("Multiplier failed: %v", err)
	}
	if got != 9 {
		t.Errorf("expected override default rate 9, got %v", got)
	}
}

func TestCacheMultiplier(t *testing.T) {
	resolver := NewResolver(testTable())

	read, err := resolver.CacheMultiplier(CacheKindRead, "claude-3-5-sonnet", nil)
	if err != nil {
		t.Fatalf("CacheMultiplier failed: %v", err)
	}
	if read != 0.3 {
		t.Errorf("expected cache read multiplier 0.3, got %v", read)
	}

	write, err := resolver.CacheMultiplier(CacheKindWrite, "claude-3-5-sonnet", nil)
	if err != nil {
		t.Fatalf("CacheMultiplier failed: %v", err)
	}
	if write != 3.75 {
		t.Errorf("expected cache write multiplier 3.75, got %v", write)
	}
}

func TestCacheMultiplierFallsBackToPrompt(t *testing.T) {
	resolver := NewResolver(testTable())

	// gpt-4o-mini defines no cache multipliers.
	got, err := resolver.CacheMultiplier(CacheKindWrite, "gpt-4o-mini", nil)
	if err != nil {
		t.Fatalf("CacheMultiplier failed: %v", err)
	}
	if got != 0.15 {
		t.Errorf("expected prompt fallback 0.15, got %v", got)
	}

	// gpt-4o defines cache read but not cache write.
	got, err = resolver.CacheMultiplier(CacheKindWrite, "gpt-4o-2024-08-06", nil)
	if err != nil {
		t.Fatalf("CacheMultiplier failed: %v", err)
	}
	if got != 2.5 {
		t.Errorf("expected prompt fallback 2.5, got %v", got)
	}
}

func TestCacheMultiplierUnmatchedModel(t *testing.T) {
	resolver := NewResolver(testTable())

	got, err := resolver.CacheMultiplier(CacheKindRead, "llama-3.1-70b", nil)
	if err != nil {
		t.Fatalf("CacheMultiplier failed: %v", err)
	}
	if got != 6 {
		t.Errorf("expected default rate 6, got %v", got)
	}
}

func TestValidateRejectsNegativeMultipliers(t *testing.T) {
	tests := []struct {
		name  string
		table Table
	}{
		{"negative default", Table{DefaultRate: ptr(-1)}},
		{"negative prompt", Table{Models: map[string]Multipliers{"m": {Prompt: -1}}}},
		{"negative completion", Table{Models: map[string]Multipliers{"m": {Completion: -2}}}},
		{"negative cache write", Table{Models: map[string]Multipliers{"m": {CacheWrite: ptr(-0.5)}}}},
		{"negative cache read", Table{Models: map[string]Multipliers{"m": {CacheRead: ptr(-0.5)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.table.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	content := `default_rate: 6
models:
  gpt-4o:
    prompt: 2.5
    completion: 10
    cache_read: 1.25
  claude-3-5-sonnet:
    prompt: 3
    completion: 15
    cache_write: 3.75
    cache_read: 0.3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write table file: %v", err)
	}

	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if table.DefaultRate == nil || *table.DefaultRate != 6 {
		t.Errorf("expected default rate 6, got %v", table.DefaultRate)
	}
	if len(table.Models) != 2 {
		t.Errorf("expected 2 model entries, got %d", len(table.Models))
	}
	m, ok := table.Match("gpt-4o")
	if !ok || m.CacheRead == nil || *m.CacheRead != 1.25 {
		t.Errorf("expected gpt-4o cache read 1.25, got %+v", m)
	}
}

func TestLoadTableRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	content := `models:
  gpt-4o:
    prompt: -2.5
    completion: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write table file: %v", err)
	}

	if _, err := LoadTable(path); err == nil {
		t.Error("expected error for negative multiplier")
	}
}

func TestLoadTableMissingFile(t *testing.T) {
	if _, err := LoadTable(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewResolverNilTable(t *testing.T) {
	resolver := NewResolver(nil)
	if resolver.Table() == nil {
		t.Fatal("expected built-in table for nil input")
	}
	if _, err := resolver.Multiplier(TokenKindPrompt, "any-model", nil); err != nil {
		t.Errorf("expected default rate resolution, got %v", err)
	}
}

func TestLocalCache(t *testing.T) {
	cache := NewLocalCache()
	defer cache.Close()

	ctx := context.Background()
	got, err := cache.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil table from empty cache, got %+v", got)
	}

	table := testTable()
	if err := cache.Set(ctx, table); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err = cache.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != table {
		t.Error("expected cached table back")
	}
}
