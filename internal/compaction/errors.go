// Package compaction reduces context components to a token target.
package compaction

import "errors"

// Compaction errors.
var (
	// ErrSummaryFailed indicates that summary generation failed and fallback
	// to truncation was disabled.
	ErrSummaryFailed = errors.New("compaction: summary generation failed")

	// ErrNoProvider indicates that no provider is configured for summarization.
	ErrNoProvider = errors.New("compaction: provider not configured")

	// ErrSummaryIneffective indicates that the summary did not shrink the
	// content enough to be worth using.
	ErrSummaryIneffective = errors.New("compaction: summary did not reduce size")

	// ErrNotCompactable indicates that a compactor was handed a component it
	// does not handle.
	ErrNotCompactable = errors.New("compaction: component not compactable by this strategy")
)
