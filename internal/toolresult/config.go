// Package toolresult tracks tool call results in the live conversation and
// moves stale or oversized ones into working memory, removing the call and
// its result from the conversation together.
package toolresult

// DefaultKeyPrefix is the topic prefix of evicted results in working memory.
const DefaultKeyPrefix = "tool_result"

// Config holds eviction thresholds.
type Config struct {
	// MaxTotalBytes caps the summed size of tracked results. Default: 200 KiB
	MaxTotalBytes int `json:"max_total_bytes" yaml:"max_total_bytes"`

	// MaxFullResults caps how many results stay in full. Default: 10
	MaxFullResults int `json:"max_full_results" yaml:"max_full_results"`

	// DefaultRetentionIterations is the age at which a result becomes stale
	// when its tool has no override. Default: 5
	DefaultRetentionIterations int `json:"default_retention_iterations" yaml:"default_retention_iterations"`

	// MinSizeToEvict is the size below which a result is never evicted.
	// Default: 1024
	MinSizeToEvict int `json:"min_size_to_evict" yaml:"min_size_to_evict"`

	// ToolRetention overrides DefaultRetentionIterations per tool.
	ToolRetention map[string]int `json:"tool_retention,omitempty" yaml:"tool_retention,omitempty"`

	// ToolMinSize overrides MinSizeToEvict per tool.
	ToolMinSize map[string]int `json:"tool_min_size,omitempty" yaml:"tool_min_size,omitempty"`

	// KeyPrefix names evicted entries "<prefix>:<tool>:<id>".
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxTotalBytes:              200 * 1024,
		MaxFullResults:             10,
		DefaultRetentionIterations: 5,
		MinSizeToEvict:             1024,
		KeyPrefix:                  DefaultKeyPrefix,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTotalBytes <= 0 {
		c.MaxTotalBytes = d.MaxTotalBytes
	}
	if c.MaxFullResults <= 0 {
		c.MaxFullResults = d.MaxFullResults
	}
	if c.DefaultRetentionIterations <= 0 {
		c.DefaultRetentionIterations = d.DefaultRetentionIterations
	}
	if c.MinSizeToEvict < 0 {
		c.MinSizeToEvict = 0
	} else if c.MinSizeToEvict == 0 {
		c.MinSizeToEvict = d.MinSizeToEvict
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	return c
}

func (c Config) retention(tool string) int {
	if n, ok := c.ToolRetention[tool]; ok && n > 0 {
		return n
	}
	return c.DefaultRetentionIterations
}

func (c Config) minSize(tool string) int {
	if n, ok := c.ToolMinSize[tool]; ok && n >= 0 {
		return n
	}
	return c.MinSizeToEvict
}
