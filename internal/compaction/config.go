package compaction

import "time"

// DefaultTruncationMarker is appended to text cut by the truncate compactor.
const DefaultTruncationMarker = "\n\n[... content truncated to fit the context budget ...]"

// Config holds configuration for the compactors.
type Config struct {
	// MaxSummaryTokens caps the size requested from the summarizer.
	// Default: 2000
	MaxSummaryTokens int `json:"max_summary_tokens" yaml:"max_summary_tokens"`

	// SummaryTimeout bounds a single generation call. Zero disables the bound.
	// Default: 60s
	SummaryTimeout time.Duration `json:"summary_timeout" yaml:"summary_timeout"`

	// Model is passed through to the provider.
	Model string `json:"model" yaml:"model"`

	// MinReduction is the fraction a summary must shrink the input by.
	// Default: 0.1
	MinReduction float64 `json:"min_reduction" yaml:"min_reduction"`

	// DisableFallback makes summarize failures propagate instead of
	// degrading to truncation.
	DisableFallback bool `json:"disable_fallback" yaml:"disable_fallback"`

	// TruncationMarker is appended to truncated text.
	TruncationMarker string `json:"truncation_marker" yaml:"truncation_marker"`

	// DefaultEntryTokens is the assumed entry size when the evict compactor
	// cannot derive one. Default: 50
	DefaultEntryTokens int `json:"default_entry_tokens" yaml:"default_entry_tokens"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxSummaryTokens:   2000,
		SummaryTimeout:     60 * time.Second,
		MinReduction:       0.1,
		TruncationMarker:   DefaultTruncationMarker,
		DefaultEntryTokens: 50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSummaryTokens <= 0 {
		c.MaxSummaryTokens = d.MaxSummaryTokens
	}
	if c.MinReduction <= 0 || c.MinReduction >= 1 {
		c.MinReduction = d.MinReduction
	}
	if c.TruncationMarker == "" {
		c.TruncationMarker = d.TruncationMarker
	}
	if c.DefaultEntryTokens <= 0 {
		c.DefaultEntryTokens = d.DefaultEntryTokens
	}
	return c
}
