package memory

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures a WorkingMemory.
type Options struct {
	Config Config

	// Namespace scopes persisted entries. Defaults to a random UUID.
	Namespace string

	// Backend persists entries write-behind. Optional.
	Backend Backend

	// Calculator derives effective priority. Defaults to StaticPriority.
	Calculator PriorityCalculator

	Logger zerolog.Logger

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// WorkingMemory is the tiered key/value store. The in-process map is
// authoritative: every operation completes against it before returning and
// persistence trails behind through Flush.
type WorkingMemory struct {
	mu sync.Mutex
	// flushMu serializes backend writes; it is taken before mu.
	flushMu sync.Mutex

	config    Config
	namespace string
	backend   Backend
	calc      PriorityCalculator
	pctx      PriorityContext
	logger    zerolog.Logger
	now       func() time.Time

	entries    map[string]*Entry
	totalBytes int

	dirty   map[string]struct{}
	deleted map[string]struct{}

	indexCache string
	indexValid bool

	evictions    int
	lastFlushErr error
	destroyed    bool
}

// New creates a WorkingMemory.
func New(opts Options) *WorkingMemory {
	if opts.Namespace == "" {
		opts.Namespace = uuid.NewString()
	}
	if opts.Calculator == nil {
		opts.Calculator = StaticPriority
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &WorkingMemory{
		config:    opts.Config.withDefaults(),
		namespace: opts.Namespace,
		backend:   opts.Backend,
		calc:      opts.Calculator,
		logger:    opts.Logger,
		now:       opts.Now,
		entries:   make(map[string]*Entry),
		dirty:     make(map[string]struct{}),
		deleted:   make(map[string]struct{}),
	}
}

// Namespace returns the persistence namespace.
func (m *WorkingMemory) Namespace() string {
	return m.namespace
}

// Config returns the effective configuration.
func (m *WorkingMemory) Config() Config {
	return m.config
}

// SetPriorityContext replaces the signals passed to the priority calculator.
func (m *WorkingMemory) SetPriorityContext(pc PriorityContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("SetPriorityContext")
	m.pctx = pc
	m.invalidate()
}

// Store writes value under key and returns the stored key, which carries the
// tier prefix when opts.Tier is set. Capacity is enforced before the write.
func (m *WorkingMemory) Store(key, description string, value any, opts StoreOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Store")

	key = strings.TrimSpace(key)
	if key == "" {
		return "", &MemoryError{Op: "store", Err: ErrInvalidKey}
	}

	raw, err := encodeValue(value)
	if err != nil {
		return "", &MemoryError{Op: "store", Key: key, Err: err}
	}

	priority := opts.Priority.OrNormal()
	if opts.Tier != "" {
		key = TieredKey(opts.Tier, key)
		priority = TierPriority(opts.Tier)
	}
	if opts.Scope == "" {
		opts.Scope = ScopeSession
	}

	size := len(raw)
	if err := m.ensureCapacity(key, size); err != nil {
		return "", &MemoryError{Op: "store", Key: key, Err: err}
	}

	now := m.now()
	e := &Entry{
		Key:            key,
		Description:    truncateDescription(description, m.config.DescriptionMaxLength),
		Value:          raw,
		Scope:          opts.Scope,
		Tier:           TierOf(key),
		PlanID:         opts.PlanID,
		SizeBytes:      size,
		BasePriority:   priority,
		Pinned:         opts.Pinned,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if old, ok := m.entries[key]; ok {
		e.CreatedAt = old.CreatedAt
		e.AccessCount = old.AccessCount
		m.totalBytes -= old.SizeBytes
	}
	m.entries[key] = e
	m.totalBytes += size
	m.markDirty(key)
	m.invalidate()
	return key, nil
}

// Retrieve returns the value stored under key and records the access.
// The second result is false when key is absent.
func (m *WorkingMemory) Retrieve(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Retrieve")

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	e.LastAccessedAt = m.now()
	e.AccessCount++
	m.markDirty(key)
	m.invalidate()
	return append(json.RawMessage(nil), e.Value...), true
}

// Has reports whether key is stored, without recording an access.
func (m *WorkingMemory) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Has")
	_, ok := m.entries[key]
	return ok
}

// Delete removes key, including pinned and critical entries.
func (m *WorkingMemory) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Delete")
	if _, ok := m.entries[key]; !ok {
		return false
	}
	m.remove(key)
	m.invalidate()
	return true
}

// Query returns the entries matching q, in key order.
func (m *WorkingMemory) Query(q Query) []QueryResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Query")

	var results []QueryResult
	for _, key := range m.sortedKeys() {
		e := m.entries[key]
		if q.Tier != "" && e.Tier != q.Tier {
			continue
		}
		if q.Pattern != "" && !matchKey(q.Pattern, key) {
			continue
		}
		r := QueryResult{
			Key:         e.Key,
			Description: e.Description,
			Tier:        e.Tier,
			Priority:    m.effective(e),
			Pinned:      e.Pinned,
		}
		if q.IncludeValues {
			r.Value = append(json.RawMessage(nil), e.Value...)
		}
		if q.IncludeStats {
			r.Stats = &EntryStats{
				SizeBytes:      e.SizeBytes,
				AccessCount:    e.AccessCount,
				CreatedAt:      e.CreatedAt,
				LastAccessedAt: e.LastAccessedAt,
			}
		}
		results = append(results, r)
	}
	return results
}

// Evict removes up to count unpinned, non-critical entries ordered by
// strategy and returns their keys.
func (m *WorkingMemory) Evict(count int, strategy EvictionStrategy) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Evict")
	return m.evict(count, strategy)
}

func (m *WorkingMemory) evict(count int, strategy EvictionStrategy) []string {
	if count <= 0 {
		return nil
	}
	candidates := m.candidates(strategy, "")
	if count > len(candidates) {
		count = len(candidates)
	}
	keys := make([]string, 0, count)
	for _, e := range candidates[:count] {
		keys = append(keys, e.Key)
		m.remove(e.Key)
	}
	if len(keys) > 0 {
		m.evictions += len(keys)
		m.invalidate()
		m.logger.Debug().Strs("keys", keys).Str("strategy", string(strategy)).Msg("memory: evicted entries")
	}
	return keys
}

// CleanupRaw deletes every raw-tier entry, pinned ones included, and returns
// the removed keys.
func (m *WorkingMemory) CleanupRaw() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("CleanupRaw")

	var keys []string
	for _, key := range m.sortedKeys() {
		if m.entries[key].Tier == TierRaw {
			keys = append(keys, key)
			m.remove(key)
		}
	}
	if len(keys) > 0 {
		m.invalidate()
	}
	return keys
}

// ClearScope deletes every entry with the given scope and returns how many
// were removed.
func (m *WorkingMemory) ClearScope(scope Scope) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("ClearScope")

	n := 0
	for _, key := range m.sortedKeys() {
		if m.entries[key].Scope == scope {
			m.remove(key)
			n++
		}
	}
	if n > 0 {
		m.invalidate()
	}
	return n
}

// Keys returns all stored keys in sorted order.
func (m *WorkingMemory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Keys")
	return m.sortedKeys()
}

// Len returns the number of stored entries.
func (m *WorkingMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Len")
	return len(m.entries)
}

// Stats returns a summary of the store.
func (m *WorkingMemory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("Stats")

	s := Stats{
		Entries:    len(m.entries),
		TotalBytes: m.totalBytes,
		MaxBytes:   m.config.MaxSizeBytes,
		MaxEntries: m.config.MaxIndexEntries,
		ByTier:     make(map[Tier]int),
		ByScope:    make(map[Scope]int),
		Dirty:      len(m.dirty) + len(m.deleted),
		Evictions:  m.evictions,
	}
	for _, e := range m.entries {
		if e.Pinned {
			s.Pinned++
		}
		if e.Tier != "" {
			s.ByTier[e.Tier]++
		}
		s.ByScope[e.Scope]++
	}
	if m.lastFlushErr != nil {
		s.LastFlushErr = m.lastFlushErr.Error()
	}
	return s
}

// ensureCapacity makes room for an entry of size bytes under key. It plans
// the whole eviction before removing anything so that a failed attempt
// leaves the store untouched.
func (m *WorkingMemory) ensureCapacity(key string, size int) error {
	if size > m.config.MaxSizeBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, size, m.config.MaxSizeBytes)
	}

	bytes := m.totalBytes
	count := len(m.entries)
	if old, ok := m.entries[key]; ok {
		bytes -= old.SizeBytes
		count--
	}

	fits := func() bool {
		return bytes+size <= m.config.MaxSizeBytes && count+1 <= m.config.MaxIndexEntries
	}
	if fits() {
		return nil
	}

	var victims []string
	for _, e := range m.candidates(EvictLRU, key) {
		victims = append(victims, e.Key)
		bytes -= e.SizeBytes
		count--
		if fits() {
			break
		}
	}
	if !fits() {
		return ErrInsufficientCapacity
	}

	for _, k := range victims {
		m.remove(k)
	}
	m.evictions += len(victims)
	m.logger.Debug().
		Strs("keys", victims).
		Str("incoming", key).
		Msg("memory: capacity eviction")
	return nil
}

// candidates returns evictable entries, excluding skip, in eviction order.
func (m *WorkingMemory) candidates(strategy EvictionStrategy, skip string) []*Entry {
	type ranked struct {
		e *Entry
		p Priority
	}
	var list []ranked
	for key, e := range m.entries {
		if key == skip || e.Pinned {
			continue
		}
		p := m.effective(e)
		if p >= PriorityCritical {
			continue
		}
		list = append(list, ranked{e: e, p: p})
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.p != b.p {
			return a.p < b.p
		}
		if strategy == EvictSize && a.e.SizeBytes != b.e.SizeBytes {
			return a.e.SizeBytes > b.e.SizeBytes
		}
		if !a.e.LastAccessedAt.Equal(b.e.LastAccessedAt) {
			return a.e.LastAccessedAt.Before(b.e.LastAccessedAt)
		}
		return a.e.Key < b.e.Key
	})
	out := make([]*Entry, len(list))
	for i, r := range list {
		out[i] = r.e
	}
	return out
}

func (m *WorkingMemory) effective(e *Entry) Priority {
	pc := m.pctx
	if pc.Now.IsZero() {
		pc.Now = m.now()
	}
	return m.calc(e, pc)
}

func (m *WorkingMemory) remove(key string) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	m.totalBytes -= e.SizeBytes
	delete(m.entries, key)
	delete(m.dirty, key)
	m.deleted[key] = struct{}{}
}

func (m *WorkingMemory) markDirty(key string) {
	m.dirty[key] = struct{}{}
	delete(m.deleted, key)
}

func (m *WorkingMemory) invalidate() {
	m.indexValid = false
	m.indexCache = ""
}

func (m *WorkingMemory) sortedKeys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *WorkingMemory) mustAlive(op string) {
	if m.destroyed {
		m.panicDestroyed(op)
	}
}

func (m *WorkingMemory) panicDestroyed(op string) {
	panic(fmt.Sprintf("memory: %s called on destroyed WorkingMemory %s", op, m.namespace))
}

func encodeValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, ErrInvalidValue
		}
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		// Raw bytes are stored as a JSON string.
		return json.Marshal(string(v))
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return data, nil
}

func truncateDescription(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func matchKey(pattern, key string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, key)
		return err == nil && ok
	}
	return strings.Contains(key, pattern)
}
