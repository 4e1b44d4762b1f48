package compaction

import (
	"context"
	"math"

	"github.com/rs/zerolog"
)

// EvictCompactor delegates reduction to the component's Evictable owner.
type EvictCompactor struct {
	counter      Estimator
	defaultEntry int
	logger       zerolog.Logger
}

// NewEvictCompactor creates an EvictCompactor.
func NewEvictCompactor(est Estimator, config Config, logger zerolog.Logger) *EvictCompactor {
	if est == nil {
		est = NewTokenCounter()
	}
	config = config.withDefaults()
	return &EvictCompactor{counter: est, defaultEntry: config.DefaultEntryTokens, logger: logger}
}

// Name implements Compactor.
func (e *EvictCompactor) Name() string { return string(StrategyEvict) }

// CanCompact implements Compactor.
func (e *EvictCompactor) CanCompact(c Component) bool {
	return c.Compactable && c.Metadata.Strategy == StrategyEvict && c.Metadata.Evictable != nil
}

// Compact implements Compactor. The number of entries to evict is
// ceil(tokensToFree / averageEntryTokens); owners implementing
// TargetEvictable are driven by the target directly.
func (e *EvictCompactor) Compact(_ context.Context, c Component, targetTokens int) (Component, error) {
	ev := c.Metadata.Evictable
	if ev == nil {
		return c, ErrNotCompactable
	}
	ct := c.ContentType()
	current := EstimateContent(e.counter, c.Content, ct)
	if current <= targetTokens {
		return c, nil
	}

	if te, ok := ev.(TargetEvictable); ok {
		freed := te.EvictTo(targetTokens, e.counter)
		e.logger.Debug().
			Str("component", c.Name).
			Int("freed_tokens", freed).
			Msg("evict: target-driven eviction")
		return c.WithContent(ev.UpdatedContent()), nil
	}

	count := e.entriesToEvict(c, current-targetTokens, current)
	evicted := ev.Evict(count)
	e.logger.Debug().
		Str("component", c.Name).
		Int("requested", count).
		Int("evicted", evicted).
		Msg("evict: count-driven eviction")
	return c.WithContent(ev.UpdatedContent()), nil
}

func (e *EvictCompactor) entriesToEvict(c Component, tokensToFree, current int) int {
	avg := c.Metadata.AvgEntryTokens
	if avg <= 0 {
		if seq, ok := c.Content.(Sequence); ok && len(seq) > 0 {
			avg = current / len(seq)
		}
	}
	if avg <= 0 {
		avg = e.defaultEntry
	}
	count := int(math.Ceil(float64(tokensToFree) / float64(avg)))
	if count < 1 {
		count = 1
	}
	return count
}
