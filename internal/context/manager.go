package context

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ctxbudget/internal/compaction"
	"ctxbudget/internal/provider"

	"github.com/rs/zerolog"
)

// Options configures a Manager.
type Options struct {
	Config Config

	// Compactors are tried in order; the first whose CanCompact matches is
	// used. Defaults to DefaultCompactors with no provider.
	Compactors []compaction.Compactor

	// Estimator defaults to compaction.TokenCounter.
	Estimator compaction.Estimator

	// Detector picks the task type when neither the call nor the config
	// pins one. Defaults to NewKeywordDetector.
	Detector TaskDetector

	// Snapshots persists checkpoints for SessionID. Optional.
	Snapshots SnapshotStore
	SessionID string

	Logger zerolog.Logger
}

// DefaultCompactors returns summarize, evict and truncate compactors sharing
// one configuration. prov may be nil, in which case summarize degrades to
// truncation.
func DefaultCompactors(config compaction.Config, prov provider.Provider, est compaction.Estimator, logger zerolog.Logger) []compaction.Compactor {
	return []compaction.Compactor{
		compaction.NewSummarizeCompactor(config, prov, est, logger),
		compaction.NewEvictCompactor(est, config, logger),
		compaction.NewTruncateCompactor(est, config),
	}
}

// Manager collects components from its plugins and compacts them to fit
// the budget before each model call.
type Manager struct {
	mu         sync.Mutex
	config     Config
	plugins    []Plugin
	compactors []compaction.Compactor
	estimator  compaction.Estimator
	detector   TaskDetector
	snapshots  SnapshotStore
	sessionID  string
	logger     zerolog.Logger
	destroyed  bool
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Estimator == nil {
		opts.Estimator = compaction.NewTokenCounter()
	}
	if opts.Compactors == nil {
		opts.Compactors = DefaultCompactors(compaction.DefaultConfig(), nil, opts.Estimator, opts.Logger)
	}
	if opts.Detector == nil {
		opts.Detector = NewKeywordDetector()
	}
	return &Manager{
		config:     opts.Config.withDefaults(),
		compactors: opts.Compactors,
		estimator:  opts.Estimator,
		detector:   opts.Detector,
		snapshots:  opts.Snapshots,
		sessionID:  opts.SessionID,
		logger:     opts.Logger,
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Register adds a plugin. Components are collected in registration order.
func (m *Manager) Register(p Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Register")
	for _, existing := range m.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.Name())
		}
	}
	m.plugins = append(m.plugins, p)
	return nil
}

// Unregister removes the plugin named name without destroying it.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Unregister")
	for i, p := range m.plugins {
		if p.Name() == name {
			m.plugins = append(m.plugins[:i], m.plugins[i+1:]...)
			return true
		}
	}
	return false
}

// Plugins returns the registered plugins.
func (m *Manager) Plugins() []Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Plugins")
	return append([]Plugin(nil), m.plugins...)
}

// PrepareOptions tunes one Prepare call.
type PrepareOptions struct {
	// TaskType pins the profile for this call.
	TaskType TaskType
	// Hint is passed to the detector when no task type is pinned, typically
	// the latest user message.
	Hint string
}

// owned is a component together with the plugin it came from.
type owned struct {
	plugin Plugin
	comp   compaction.Component
	tokens int
	before int
}

// Prepare collects every plugin's components, compacts them until the total
// estimate fits the budget, and hands changed components back to their
// plugins. Fixed components that alone exceed the budget yield
// ErrFixedOverBudget. Running out of candidates while still over budget is
// reported in Result.OverBudget, not as an error. A compactor error (only
// possible when summarize fallback is disabled) is returned after the
// compactions already done have been applied.
func (m *Manager) Prepare(ctx context.Context, opts PrepareOptions) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Prepare")

	start := time.Now()
	tt := m.taskType(opts)
	profile := ProfileFor(tt)
	budget := m.config.Budget()

	items, err := m.collect(ctx, profile)
	if err != nil {
		return nil, err
	}

	res := &Result{TaskType: tt, Budget: budget}
	fixed, total := 0, 0
	for _, it := range items {
		total += it.tokens
		if it.comp.IsFixed() {
			fixed += it.tokens
		}
	}
	res.TokensBefore = total
	res.FixedTokens = fixed

	if fixed > budget {
		return nil, fmt.Errorf("%w: %d fixed tokens, budget %d", ErrFixedOverBudget, fixed, budget)
	}

	var compactErr error
	if total > budget {
		total, compactErr = m.compact(ctx, items, total, budget, res)
	}

	res.TokensAfter = total
	res.OverBudget = total > budget
	res.Components = make([]ComponentUsage, len(items))
	for i, it := range items {
		res.Components[i] = ComponentUsage{
			Component:    it.comp,
			Plugin:       it.plugin.Name(),
			TokensBefore: it.before,
			TokensAfter:  it.tokens,
		}
	}

	if len(res.Steps) > 0 {
		if err := m.apply(ctx, items, res); err != nil {
			return res, err
		}
	}

	ev := m.logger.Debug()
	if res.OverBudget {
		ev = m.logger.Warn()
	}
	ev.Str("task_type", string(tt)).
		Int("budget", budget).
		Int("before", res.TokensBefore).
		Int("after", res.TokensAfter).
		Int("steps", len(res.Steps)).
		Bool("over_budget", res.OverBudget).
		Dur("took", time.Since(start)).
		Msg("context: prepared")

	if compactErr != nil {
		return res, compactErr
	}
	return res, nil
}

// Measure collects components and estimates them without compacting.
func (m *Manager) Measure(ctx context.Context, opts PrepareOptions) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Measure")

	tt := m.taskType(opts)
	items, err := m.collect(ctx, ProfileFor(tt))
	if err != nil {
		return nil, err
	}
	res := &Result{TaskType: tt, Budget: m.config.Budget()}
	for _, it := range items {
		res.TokensBefore += it.tokens
		if it.comp.IsFixed() {
			res.FixedTokens += it.tokens
		}
		res.Components = append(res.Components, ComponentUsage{
			Component:    it.comp,
			Plugin:       it.plugin.Name(),
			TokensBefore: it.tokens,
			TokensAfter:  it.tokens,
		})
	}
	res.TokensAfter = res.TokensBefore
	res.OverBudget = res.TokensBefore > res.Budget
	return res, nil
}

func (m *Manager) taskType(opts PrepareOptions) TaskType {
	switch {
	case opts.TaskType != "":
		return ParseTaskType(string(opts.TaskType))
	case m.config.TaskType != "":
		return ParseTaskType(string(m.config.TaskType))
	case opts.Hint != "":
		return m.detector.Detect(opts.Hint)
	default:
		return TaskGeneral
	}
}

func (m *Manager) collect(ctx context.Context, profile PriorityProfile) ([]*owned, error) {
	var items []*owned
	seen := make(map[string]string)
	for _, p := range m.plugins {
		comps, err := p.Components(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect components from %s: %w", p.Name(), err)
		}
		for _, c := range comps {
			if prev, dup := seen[c.Name]; dup {
				return nil, fmt.Errorf("%w: %s from %s and %s", ErrDuplicateComponent, c.Name, prev, p.Name())
			}
			seen[c.Name] = p.Name()
			if !c.IsFixed() {
				if pr, ok := profile.Priority(c.Name); ok && pr > 0 {
					c.Priority = pr
				}
			}
			tokens := compaction.EstimateContent(m.estimator, c.Content, c.ContentType())
			items = append(items, &owned{plugin: p, comp: c, tokens: tokens, before: tokens})
		}
	}
	return items, nil
}

// compact walks compactable components from the highest priority number
// down, giving each a target that removes the remaining overage.
func (m *Manager) compact(ctx context.Context, items []*owned, total, budget int, res *Result) (int, error) {
	var cands []*owned
	for _, it := range items {
		if !it.comp.IsFixed() {
			cands = append(cands, it)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].comp.Priority != cands[j].comp.Priority {
			return cands[i].comp.Priority > cands[j].comp.Priority
		}
		return cands[i].comp.Name < cands[j].comp.Name
	})

	for _, it := range cands {
		overage := total - budget
		if overage <= 0 {
			break
		}
		cp := compaction.Select(m.compactors, it.comp)
		if cp == nil {
			res.Skipped = append(res.Skipped, it.comp.Name)
			m.logger.Debug().Str("component", it.comp.Name).Msg("context: no compactor for component")
			continue
		}

		target := it.tokens - overage
		if target < 0 {
			target = 0
		}
		out, err := cp.Compact(ctx, it.comp, target)
		if err != nil {
			m.logger.Warn().Err(err).Str("component", it.comp.Name).Str("compactor", cp.Name()).Msg("context: compaction failed")
			return total, fmt.Errorf("compact %s: %w", it.comp.Name, err)
		}

		after := compaction.EstimateContent(m.estimator, out.Content, out.ContentType())
		res.Steps = append(res.Steps, Step{
			Component: it.comp.Name,
			Compactor: cp.Name(),
			Priority:  it.comp.Priority,
			Target:    target,
			Before:    it.tokens,
			After:     after,
		})
		m.logger.Debug().
			Str("component", it.comp.Name).
			Str("compactor", cp.Name()).
			Int("target", target).
			Int("before", it.tokens).
			Int("after", after).
			Msg("context: compacted component")

		total += after - it.tokens
		it.comp = out
		it.tokens = after
	}
	return total, nil
}

// apply hands each plugin that had a component compacted all of its
// components in their final form.
func (m *Manager) apply(ctx context.Context, items []*owned, res *Result) error {
	touched := make(map[string]bool, len(res.Steps))
	for _, s := range res.Steps {
		touched[s.Component] = true
	}
	for _, p := range m.plugins {
		var comps []compaction.Component
		changed := false
		for _, it := range items {
			if it.plugin != p {
				continue
			}
			comps = append(comps, it.comp)
			if touched[it.comp.Name] {
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := p.ApplyCompacted(ctx, comps); err != nil {
			return fmt.Errorf("apply compacted components to %s: %w", p.Name(), err)
		}
	}
	return nil
}

// Destroy destroys every plugin and releases the manager. It is
// idempotent; the first plugin error is returned after all plugins ran.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil
	}
	m.destroyed = true

	var first error
	for _, p := range m.plugins {
		if err := p.Destroy(ctx); err != nil {
			m.logger.Error().Err(err).Str("plugin", p.Name()).Msg("context: plugin destroy failed")
			if first == nil {
				first = fmt.Errorf("destroy %s: %w", p.Name(), err)
			}
		}
	}
	m.plugins = nil
	return first
}

func (m *Manager) mustAlive(op string) {
	if m.destroyed {
		panic(fmt.Sprintf("context: %s called on destroyed Manager", op))
	}
}
