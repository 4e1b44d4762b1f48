package context

// Config holds budget configuration for the Manager.
type Config struct {
	// MaxContextTokens is the model's context window.
	// Default: 128000
	MaxContextTokens int `json:"max_context_tokens" yaml:"max_context_tokens"`

	// ReserveTokens is held back for the model's response.
	// Default: 4096
	ReserveTokens int `json:"reserve_tokens" yaml:"reserve_tokens"`

	// FixedOverheadTokens covers framing the manager does not see, such as
	// tool schemas.
	FixedOverheadTokens int `json:"fixed_overhead_tokens" yaml:"fixed_overhead_tokens"`

	// TaskType pins the priority profile. Empty means detect per call.
	TaskType TaskType `json:"task_type" yaml:"task_type"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		MaxContextTokens: 128000,
		ReserveTokens:    4096,
	}
}

// Budget returns the tokens available to components.
func (c Config) Budget() int {
	b := c.MaxContextTokens - c.ReserveTokens - c.FixedOverheadTokens
	if b < 0 {
		return 0
	}
	return b
}

func (c Config) withDefaults() Config {
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = DefaultConfig().MaxContextTokens
	}
	if c.ReserveTokens < 0 {
		c.ReserveTokens = 0
	}
	if c.FixedOverheadTokens < 0 {
		c.FixedOverheadTokens = 0
	}
	return c
}
