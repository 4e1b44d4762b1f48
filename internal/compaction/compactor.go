package compaction

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Compactor reduces one component to a token target.
type Compactor interface {
	// Name identifies the compactor in logs and reports.
	Name() string

	// CanCompact reports whether this compactor handles c.
	CanCompact(c Component) bool

	// Compact returns c reduced to at most targetTokens where possible.
	Compact(ctx context.Context, c Component, targetTokens int) (Component, error)
}

// Select returns the first compactor that can handle c, or nil.
func Select(compactors []Compactor, c Component) Compactor {
	for _, cp := range compactors {
		if cp.CanCompact(c) {
			return cp
		}
	}
	return nil
}

// TruncateCompactor cuts text from the end and drops the oldest sequence
// items first.
type TruncateCompactor struct {
	counter Estimator
	marker  string
}

// NewTruncateCompactor creates a TruncateCompactor. A nil estimator uses
// TokenCounter.
func NewTruncateCompactor(est Estimator, config Config) *TruncateCompactor {
	if est == nil {
		est = NewTokenCounter()
	}
	config = config.withDefaults()
	return &TruncateCompactor{counter: est, marker: config.TruncationMarker}
}

// Name implements Compactor.
func (t *TruncateCompactor) Name() string { return string(StrategyTruncate) }

// CanCompact implements Compactor.
func (t *TruncateCompactor) CanCompact(c Component) bool {
	return c.Compactable && c.Metadata.Strategy == StrategyTruncate
}

// Compact implements Compactor. Components already at or below the target
// are returned unchanged.
func (t *TruncateCompactor) Compact(_ context.Context, c Component, targetTokens int) (Component, error) {
	return t.truncate(c, targetTokens), nil
}

func (t *TruncateCompactor) truncate(c Component, targetTokens int) Component {
	ct := c.ContentType()
	if EstimateContent(t.counter, c.Content, ct) <= targetTokens {
		return c
	}
	if targetTokens < 0 {
		targetTokens = 0
	}

	switch v := c.Content.(type) {
	case Text:
		return c.WithContent(t.truncateText(string(v), targetTokens, ct))
	case Sequence:
		return c.WithContent(t.truncateSequence(v, targetTokens, ct))
	case Structured:
		data, err := json.Marshal(v.Value)
		if err != nil {
			return c.WithContent(Text(""))
		}
		return c.WithContent(t.truncateText(string(data), targetTokens, ct))
	default:
		return c
	}
}

func (t *TruncateCompactor) truncateText(s string, targetTokens int, ct ContentType) Text {
	budget := int(float64(targetTokens) * CharsPerToken(ct))
	if budget <= 0 {
		return Text("")
	}
	if budget >= len(s) {
		return Text(s)
	}
	maxChars := budget - len(t.marker)
	if maxChars <= 0 {
		// No room for content; keep as much of the marker as fits.
		return Text(cutAt(strings.TrimSpace(t.marker), budget))
	}
	return Text(cutAt(s, maxChars) + t.marker)
}

// cutAt returns the longest prefix of s no longer than n bytes that does not
// split a rune.
func cutAt(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// truncateSequence keeps the longest suffix of items whose cumulative
// estimate fits the target.
func (t *TruncateCompactor) truncateSequence(items Sequence, targetTokens int, ct ContentType) Sequence {
	used := 0
	start := len(items)
	for i := len(items) - 1; i >= 0; i-- {
		cost := t.counter.EstimateDataTokens(items[i], ct)
		if used+cost > targetTokens {
			break
		}
		used += cost
		start = i
	}
	kept := make(Sequence, len(items)-start)
	copy(kept, items[start:])
	return kept
}
