package toolresult

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ctxbudget/internal/memory"

	"github.com/rs/zerolog"
)

// ErrNoRemover is reported when eviction runs before the conversation
// removal callback is wired.
var ErrNoRemover = errors.New("toolresult: conversation removal callback not configured")

// ErrNoMemory is reported when eviction runs without a memory store.
var ErrNoMemory = errors.New("toolresult: memory store not configured")

// MemoryStore is the part of the working memory the tracker writes to.
type MemoryStore interface {
	Store(key, description string, value any, opts memory.StoreOptions) (string, error)
}

// PairRemover removes both the tool call and the tool result identified by
// toolUseID from the live conversation.
type PairRemover func(toolUseID string) error

// Tracked is one tool result present in the conversation.
type Tracked struct {
	ToolUseID        string          `json:"tool_use_id"`
	ToolName         string          `json:"tool_name"`
	Result           json.RawMessage `json:"result"`
	SizeBytes        int             `json:"size_bytes"`
	AddedAtIteration int             `json:"added_at_iteration"`
	MessageIndex     int             `json:"message_index"`
	Seq              uint64          `json:"seq"`
}

// Options configures a Tracker.
type Options struct {
	Config  Config
	Memory  MemoryStore
	Remover PairRemover
	Logger  zerolog.Logger
}

// Tracker follows tool results through their life in the conversation.
type Tracker struct {
	mu         sync.Mutex
	config     Config
	memory     MemoryStore
	remover    PairRemover
	logger     zerolog.Logger
	tracked    map[string]*Tracked
	totalBytes int
	iteration  int
	seq        uint64
	evicted    int
	destroyed  bool
}

// New creates a Tracker.
func New(opts Options) *Tracker {
	return &Tracker{
		config:  opts.Config.withDefaults(),
		memory:  opts.Memory,
		remover: opts.Remover,
		logger:  opts.Logger,
		tracked: make(map[string]*Tracked),
	}
}

// SetRemover wires the conversation removal callback.
func (t *Tracker) SetRemover(fn PairRemover) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("SetRemover")
	t.remover = fn
}

// SetMemory wires the memory store evicted results are written to.
func (t *Tracker) SetMemory(m MemoryStore) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("SetMemory")
	t.memory = m
}

// OnToolResult registers a result that just entered the conversation at
// messageIndex. Registering a known toolUseID replaces it.
func (t *Tracker) OnToolResult(toolUseID, toolName string, result any, messageIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("OnToolResult")

	raw := canonical(result)
	if old, ok := t.tracked[toolUseID]; ok {
		t.totalBytes -= old.SizeBytes
	}
	t.seq++
	t.tracked[toolUseID] = &Tracked{
		ToolUseID:        toolUseID,
		ToolName:         toolName,
		Result:           raw,
		SizeBytes:        len(raw),
		AddedAtIteration: t.iteration,
		MessageIndex:     messageIndex,
		Seq:              t.seq,
	}
	t.totalBytes += len(raw)
}

// OnIteration advances the age clock by one agent iteration.
func (t *Tracker) OnIteration() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("OnIteration")
	t.iteration++
}

// Iteration returns the current iteration count.
func (t *Tracker) Iteration() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("Iteration")
	return t.iteration
}

// ShouldEvict reports whether the tracked set is over its byte or count
// limit, or holds a stale result large enough to evict.
func (t *Tracker) ShouldEvict() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("ShouldEvict")

	if t.totalBytes > t.config.MaxTotalBytes || len(t.tracked) > t.config.MaxFullResults {
		return true
	}
	for _, r := range t.tracked {
		if t.eligible(r) && t.stale(r) {
			return true
		}
	}
	return false
}

// GetEvictionCandidates returns the results EvictOldResults would evict,
// oldest first and larger first among equals.
func (t *Tracker) GetEvictionCandidates() []Tracked {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("GetEvictionCandidates")

	cands := t.candidates()
	out := make([]Tracked, len(cands))
	for i, r := range cands {
		out[i] = *r
	}
	return out
}

func (t *Tracker) candidates() []*Tracked {
	var eligible []*Tracked
	for _, r := range t.tracked {
		if t.eligible(r) {
			eligible = append(eligible, r)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.AddedAtIteration != b.AddedAtIteration {
			return a.AddedAtIteration < b.AddedAtIteration
		}
		if a.SizeBytes != b.SizeBytes {
			return a.SizeBytes > b.SizeBytes
		}
		return a.Seq < b.Seq
	})

	bytes := t.totalBytes
	count := len(t.tracked)
	var out []*Tracked
	for _, r := range eligible {
		over := bytes > t.config.MaxTotalBytes || count > t.config.MaxFullResults
		if !over && !t.stale(r) {
			continue
		}
		out = append(out, r)
		bytes -= r.SizeBytes
		count--
	}
	return out
}

// EvictOldResults moves every candidate into working memory and removes its
// call/result pair from the conversation. Each candidate is all or nothing:
// a failed memory write leaves it in the conversation and tracked. The
// tracker lock is not held while the memory store and remover run, so the
// remover may call back into the tracker.
func (t *Tracker) EvictOldResults(ctx context.Context) Report {
	t.mu.Lock()
	t.mustAliveUnlock("EvictOldResults")
	mem, remover, prefix := t.memory, t.remover, t.config.KeyPrefix
	var report Report
	switch {
	case remover == nil:
		report.Reason = ErrNoRemover.Error()
	case mem == nil:
		report.Reason = ErrNoMemory.Error()
	}
	if report.Reason != "" {
		t.mu.Unlock()
		t.logger.Warn().Str("reason", report.Reason).Msg("toolresult: eviction skipped")
		return report
	}
	var cands []Tracked
	for _, r := range t.candidates() {
		cands = append(cands, *r)
	}
	t.mu.Unlock()

	if len(cands) == 0 {
		report.Reason = "no eviction candidates"
		return report
	}

	for _, r := range cands {
		if err := ctx.Err(); err != nil {
			report.Reason = err.Error()
			break
		}

		topic := fmt.Sprintf("%s:%s:%s", prefix, r.ToolName, r.ToolUseID)
		desc := fmt.Sprintf("Full %s output for call %s (%d bytes, iteration %d)", r.ToolName, r.ToolUseID, r.SizeBytes, r.AddedAtIteration)
		key, err := mem.Store(topic, desc, r.Result, memory.StoreOptions{Tier: memory.TierRaw, Scope: memory.ScopeSession})
		if err != nil {
			t.logger.Warn().Err(err).Str("tool_use_id", r.ToolUseID).Msg("toolresult: memory write failed, keeping result in conversation")
			report.Skipped = append(report.Skipped, Skip{ToolUseID: r.ToolUseID, Reason: err.Error()})
			continue
		}

		if err := remover(r.ToolUseID); err != nil {
			t.logger.Warn().Err(err).Str("tool_use_id", r.ToolUseID).Msg("toolresult: conversation removal failed")
			report.Skipped = append(report.Skipped, Skip{ToolUseID: r.ToolUseID, Reason: err.Error()})
			continue
		}

		t.mu.Lock()
		if !t.destroyed {
			t.untrack(r.ToolUseID)
			t.evicted++
		}
		t.mu.Unlock()

		report.Evicted = append(report.Evicted, Eviction{
			ToolUseID: r.ToolUseID,
			ToolName:  r.ToolName,
			MemoryKey: key,
			SizeBytes: r.SizeBytes,
		})
		report.FreedBytes += r.SizeBytes
	}

	if len(report.Evicted) > 0 {
		t.logger.Info().
			Int("evicted", len(report.Evicted)).
			Int("skipped", len(report.Skipped)).
			Int("freed_bytes", report.FreedBytes).
			Msg("toolresult: evicted results to working memory")
	}
	return report
}

// UpdateMessageIndices reconciles tracking with the conversation after it
// was rewritten. indices maps each tool use ID still present to its new
// message index; tracked IDs missing from it are dropped.
func (t *Tracker) UpdateMessageIndices(indices map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("UpdateMessageIndices")

	for id, r := range t.tracked {
		idx, ok := indices[id]
		if !ok {
			t.untrack(id)
			continue
		}
		r.MessageIndex = idx
	}
}

// Untrack forgets toolUseID without touching memory or the conversation.
func (t *Tracker) Untrack(toolUseID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("Untrack")
	if _, ok := t.tracked[toolUseID]; !ok {
		return false
	}
	t.untrack(toolUseID)
	return true
}

// Tracked returns the tracked result for toolUseID.
func (t *Tracker) Tracked(toolUseID string) (Tracked, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("Tracked")
	r, ok := t.tracked[toolUseID]
	if !ok {
		return Tracked{}, false
	}
	return *r, true
}

// Stats summarizes the tracker.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("Stats")
	return Stats{
		Tracked:    len(t.tracked),
		TotalBytes: t.totalBytes,
		Iteration:  t.iteration,
		Evicted:    t.evicted,
	}
}

// Destroy releases the tracker. It is idempotent; any other call afterwards
// panics.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destroyed = true
	t.tracked = nil
	t.memory = nil
	t.remover = nil
}

func (t *Tracker) untrack(id string) {
	if r, ok := t.tracked[id]; ok {
		t.totalBytes -= r.SizeBytes
		delete(t.tracked, id)
	}
}

func (t *Tracker) eligible(r *Tracked) bool {
	return r.SizeBytes >= t.config.minSize(r.ToolName)
}

func (t *Tracker) stale(r *Tracked) bool {
	return t.iteration-r.AddedAtIteration >= t.config.retention(r.ToolName)
}

func (t *Tracker) mustAlive(op string) {
	if t.destroyed {
		panic(fmt.Sprintf("toolresult: %s called on destroyed Tracker", op))
	}
}

func (t *Tracker) mustAliveUnlock(op string) {
	if t.destroyed {
		t.mu.Unlock()
		panic(fmt.Sprintf("toolresult: %s called on destroyed Tracker", op))
	}
}

// canonical serializes a result the way sizes are measured. Strings are
// kept as JSON strings; unserializable values fall back to their %v form.
func canonical(result any) json.RawMessage {
	if raw, ok := result.(json.RawMessage); ok && json.Valid(raw) {
		return append(json.RawMessage(nil), raw...)
	}
	data, err := json.Marshal(result)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", result))
	}
	return data
}
