package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"ctxbudget/internal/compaction"
	internalContext "ctxbudget/internal/context"
	"ctxbudget/internal/incontext"
)

// InContextOptions configures an InContext plugin.
type InContextOptions struct {
	Store *incontext.Store

	// Priority before profile overrides. Default: 4
	Priority int
}

// InContext exposes the live in-context block as a component.
type InContext struct {
	store    *incontext.Store
	priority int
}

// NewInContext creates an InContext plugin over store.
func NewInContext(opts InContextOptions) *InContext {
	if opts.Priority <= 0 {
		opts.Priority = 4
	}
	return &InContext{store: opts.Store, priority: opts.Priority}
}

// Name implements context.Plugin.
func (p *InContext) Name() string { return "in_context" }

// Store returns the underlying store.
func (p *InContext) Store() *incontext.Store { return p.store }

// Components implements context.Plugin.
func (p *InContext) Components(_ context.Context) ([]compaction.Component, error) {
	return []compaction.Component{{
		Name:        internalContext.ComponentInContext,
		Content:     compaction.Text(p.store.Render()),
		Priority:    p.priority,
		Compactable: true,
		Metadata: compaction.Metadata{
			Strategy:    compaction.StrategyEvict,
			ContentType: compaction.ContentMixed,
			Evictable:   storeEvictable{store: p.store},
		},
	}}, nil
}

// ApplyCompacted implements context.Plugin.
func (p *InContext) ApplyCompacted(_ context.Context, _ []compaction.Component) error {
	return nil
}

// GetState implements context.Stateful.
func (p *InContext) GetState() (json.RawMessage, error) {
	return json.Marshal(p.store.GetState())
}

// RestoreState implements context.Stateful.
func (p *InContext) RestoreState(data json.RawMessage) error {
	var st incontext.State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode in-context state: %w", err)
	}
	return p.store.RestoreState(st)
}

// Destroy implements context.Plugin.
func (p *InContext) Destroy(_ context.Context) error {
	p.store.Destroy()
	return nil
}

// storeEvictable drives the store by token target, one entry at a time.
type storeEvictable struct {
	store *incontext.Store
}

func (e storeEvictable) Evict(count int) int {
	n := 0
	for ; n < count; n++ {
		if _, ok := e.store.EvictLowest(); !ok {
			break
		}
	}
	return n
}

func (e storeEvictable) EvictTo(targetTokens int, est compaction.Estimator) int {
	return e.store.Compact(targetTokens, est)
}

func (e storeEvictable) UpdatedContent() compaction.Content {
	return compaction.Text(e.store.Render())
}
