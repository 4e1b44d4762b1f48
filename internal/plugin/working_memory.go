package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"ctxbudget/internal/compaction"
	internalContext "ctxbudget/internal/context"
	"ctxbudget/internal/memory"
)

// WorkingMemoryOptions configures a WorkingMemory plugin.
type WorkingMemoryOptions struct {
	Memory *memory.WorkingMemory

	// Strategy orders entries evicted during compaction. Default: LRU
	Strategy memory.EvictionStrategy

	// Priority before profile overrides. Default: 5
	Priority int

	Estimator compaction.Estimator
}

// WorkingMemory exposes the working-memory index as a context component.
// Compaction evicts entries from the store itself.
type WorkingMemory struct {
	mem      *memory.WorkingMemory
	strategy memory.EvictionStrategy
	priority int
	est      compaction.Estimator
}

// NewWorkingMemory creates a WorkingMemory plugin over mem.
func NewWorkingMemory(opts WorkingMemoryOptions) *WorkingMemory {
	if opts.Strategy == "" {
		opts.Strategy = memory.EvictLRU
	}
	if opts.Priority <= 0 {
		opts.Priority = 5
	}
	if opts.Estimator == nil {
		opts.Estimator = compaction.NewTokenCounter()
	}
	return &WorkingMemory{mem: opts.Memory, strategy: opts.Strategy, priority: opts.Priority, est: opts.Estimator}
}

// Name implements context.Plugin.
func (w *WorkingMemory) Name() string { return "working_memory" }

// Memory returns the underlying store.
func (w *WorkingMemory) Memory() *memory.WorkingMemory { return w.mem }

// Components implements context.Plugin.
func (w *WorkingMemory) Components(_ context.Context) ([]compaction.Component, error) {
	index := w.mem.FormatIndex()
	avg := 0
	if shown := min(w.mem.Len(), w.mem.Config().MaxIndexEntries); shown > 0 {
		avg = w.est.EstimateTokens(index, compaction.ContentMixed) / shown
	}
	return []compaction.Component{{
		Name:        internalContext.ComponentWorkingMemory,
		Content:     compaction.Text(index),
		Priority:    w.priority,
		Compactable: true,
		Metadata: compaction.Metadata{
			Strategy:       compaction.StrategyEvict,
			ContentType:    compaction.ContentMixed,
			AvgEntryTokens: avg,
			Evictable:      memoryEvictable{mem: w.mem, strategy: w.strategy},
		},
	}}, nil
}

// ApplyCompacted implements context.Plugin. Eviction already happened in
// the store, so there is nothing to write back.
func (w *WorkingMemory) ApplyCompacted(_ context.Context, _ []compaction.Component) error {
	return nil
}

// GetState implements context.Stateful.
func (w *WorkingMemory) GetState() (json.RawMessage, error) {
	return json.Marshal(w.mem.GetState())
}

// RestoreState implements context.Stateful.
func (w *WorkingMemory) RestoreState(data json.RawMessage) error {
	var st memory.State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode working memory state: %w", err)
	}
	return w.mem.RestoreState(st)
}

// Destroy implements context.Plugin. The store is flushed and destroyed.
func (w *WorkingMemory) Destroy(ctx context.Context) error {
	return w.mem.Destroy(ctx)
}

type memoryEvictable struct {
	mem      *memory.WorkingMemory
	strategy memory.EvictionStrategy
}

func (e memoryEvictable) Evict(count int) int {
	return len(e.mem.Evict(count, e.strategy))
}

func (e memoryEvictable) UpdatedContent() compaction.Content {
	return compaction.Text(e.mem.FormatIndex())
}
