package memory

// Config holds capacity limits for a WorkingMemory.
type Config struct {
	// MaxSizeBytes caps the summed SizeBytes of all entries.
	// Default: 25 MiB
	MaxSizeBytes int `json:"max_size_bytes" yaml:"max_size_bytes"`

	// MaxIndexEntries caps the entry count and the FormatIndex listing.
	// Default: 30
	MaxIndexEntries int `json:"max_index_entries" yaml:"max_index_entries"`

	// DescriptionMaxLength truncates descriptions on store. Default: 150
	DescriptionMaxLength int `json:"description_max_length" yaml:"description_max_length"`

	// FlushSchedule is the cron spec used by Flusher. Default: "@every 5s"
	FlushSchedule string `json:"flush_schedule" yaml:"flush_schedule"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxSizeBytes:         25 * 1024 * 1024,
		MaxIndexEntries:      30,
		DescriptionMaxLength: 150,
		FlushSchedule:        "@every 5s",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = d.MaxSizeBytes
	}
	if c.MaxIndexEntries <= 0 {
		c.MaxIndexEntries = d.MaxIndexEntries
	}
	if c.DescriptionMaxLength <= 0 {
		c.DescriptionMaxLength = d.DescriptionMaxLength
	}
	if c.FlushSchedule == "" {
		c.FlushSchedule = d.FlushSchedule
	}
	return c
}
