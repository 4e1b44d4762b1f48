// Package incontext implements the live memory store whose values are
// rendered verbatim into the model context.
package incontext

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ctxbudget/internal/compaction"
	"ctxbudget/internal/memory"

	"github.com/rs/zerolog"
)

// Priority reuses the working-memory priority scale.
type Priority = memory.Priority

// Errors.
var (
	ErrInvalidKey   = errors.New("incontext: invalid key")
	ErrInvalidValue = errors.New("incontext: value is not JSON-serializable")
	ErrFull         = errors.New("incontext: store full of critical entries")
)

// Header opens the rendered block.
const Header = "## Live Context"

// Config holds limits for a Store.
type Config struct {
	// MaxEntries caps the entry count. Default: 20
	MaxEntries int `json:"max_entries" yaml:"max_entries"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{MaxEntries: 20}
}

// Entry is one live value.
type Entry struct {
	Key         string          `json:"key"`
	Description string          `json:"description"`
	Value       json.RawMessage `json:"value"`
	Priority    Priority        `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Seq         uint64          `json:"seq"`
}

// Options configures a Store.
type Options struct {
	Config Config
	Logger zerolog.Logger
	Now    func() time.Time
	// OnEvict observes every automatic removal.
	OnEvict func(key string)
}

// Store is the in-context live memory store.
type Store struct {
	mu        sync.Mutex
	config    Config
	entries   map[string]*Entry
	seq       uint64
	now       func() time.Time
	onEvict   func(string)
	logger    zerolog.Logger
	destroyed bool
}

// New creates a Store.
func New(opts Options) *Store {
	if opts.Config.MaxEntries <= 0 {
		opts.Config.MaxEntries = DefaultConfig().MaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		config:  opts.Config,
		entries: make(map[string]*Entry),
		now:     opts.Now,
		onEvict: opts.OnEvict,
		logger:  opts.Logger,
	}
}

// Set writes value under key. When the store is at MaxEntries the lowest
// priority, least recently updated non-critical entry is evicted first.
func (s *Store) Set(key, description string, value any, priority Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("Set")

	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	if _, exists := s.entries[key]; !exists {
		for len(s.entries) >= s.config.MaxEntries {
			if _, ok := s.evictLowest(key, false); !ok {
				return ErrFull
			}
		}
	}

	now := s.now()
	s.seq++
	e := &Entry{
		Key:         key,
		Description: strings.TrimSpace(description),
		Value:       raw,
		Priority:    priority.OrNormal(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Seq:         s.seq,
	}
	if old, ok := s.entries[key]; ok {
		e.CreatedAt = old.CreatedAt
	}
	s.entries[key] = e
	return nil
}

// Get returns the value under key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("Get")
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), e.Value...), true
}

// Has reports whether key is set.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("Has")
	_, ok := s.entries[key]
	return ok
}

// Delete removes key.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("Delete")
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// List returns copies of all entries in the order they were last set.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("List")
	ordered := s.ordered()
	out := make([]Entry, len(ordered))
	for i, e := range ordered {
		out[i] = *clone(e)
	}
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("Len")
	return len(s.entries)
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("Clear")
	s.entries = make(map[string]*Entry)
}

// SetMaxEntries changes the cap, evicting down to it. Critical entries are
// never evicted, so the store may stay above a lowered cap.
func (s *Store) SetMaxEntries(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("SetMaxEntries")
	if n <= 0 {
		n = DefaultConfig().MaxEntries
	}
	s.config.MaxEntries = n
	for len(s.entries) > n {
		if _, ok := s.evictLowest("", false); !ok {
			return
		}
	}
}

// EvictLowest removes the lowest priority, least recently updated entry
// that is not critical.
func (s *Store) EvictLowest() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("EvictLowest")
	return s.evictLowest("", false)
}

// Compact deletes entries in eviction order until the rendered block fits
// targetTokens. A critical entry at the head of the order stops compaction
// even if the target is unmet. It returns the tokens actually freed.
func (s *Store) Compact(targetTokens int, est compaction.Estimator) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("Compact")
	if est == nil {
		est = compaction.NewTokenCounter()
	}

	before := s.tokens(est)
	current := before
	for current > targetTokens {
		key, ok := s.evictLowest("", true)
		if !ok {
			s.logger.Debug().
				Int("tokens", current).
				Int("target", targetTokens).
				Msg("incontext: compaction stopped at critical entries")
			break
		}
		current = s.tokens(est)
		s.logger.Debug().Str("key", key).Int("tokens", current).Msg("incontext: compacted entry")
	}
	return before - current
}

// TotalTokens estimates the rendered block.
func (s *Store) TotalTokens(est compaction.Estimator) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("TotalTokens")
	if est == nil {
		est = compaction.NewTokenCounter()
	}
	return s.tokens(est)
}

// Render returns the block injected into context, or "" when empty.
func (s *Store) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustAlive("Render")
	return s.render()
}

// Destroy releases the store. It is idempotent; any other call afterwards
// panics.
func (s *Store) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.entries = nil
	s.onEvict = nil
}

func (s *Store) tokens(est compaction.Estimator) int {
	return est.EstimateTokens(s.render(), compaction.ContentMixed)
}

func (s *Store) render() string {
	if len(s.entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(Header)
	sb.WriteString("\n")
	for _, e := range s.ordered() {
		sb.WriteString("\n### ")
		sb.WriteString(e.Key)
		sb.WriteString("\n")
		if e.Description != "" {
			sb.WriteString(e.Description)
			sb.WriteString("\n")
		}
		sb.WriteString(renderValue(e.Value))
	}
	return sb.String()
}

func renderValue(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return "```\n" + strings.TrimRight(str, "\n") + "\n```\n"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	return "```json\n" + buf.String() + "\n```\n"
}

// evictLowest removes the first entry in eviction order other than skip.
// With stopAtCritical the walk ends at a critical entry; otherwise critical
// entries are simply not candidates. Either way they are never removed.
func (s *Store) evictLowest(skip string, stopAtCritical bool) (string, bool) {
	var victim *Entry
	for _, e := range s.evictionOrder() {
		if e.Key == skip {
			continue
		}
		if e.Priority >= memory.PriorityCritical {
			if stopAtCritical {
				return "", false
			}
			continue
		}
		victim = e
		break
	}
	if victim == nil {
		return "", false
	}
	delete(s.entries, victim.Key)
	if s.onEvict != nil {
		s.onEvict(victim.Key)
	}
	return victim.Key, true
}

func (s *Store) evictionOrder() []*Entry {
	list := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.Seq < b.Seq
	})
	return list
}

func (s *Store) ordered() []*Entry {
	list := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list
}

func (s *Store) mustAlive(op string) {
	if s.destroyed {
		panic(fmt.Sprintf("incontext: %s called on destroyed Store", op))
	}
}

func clone(e *Entry) *Entry {
	c := *e
	c.Value = append(json.RawMessage(nil), e.Value...)
	return &c
}

func encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("invalid raw JSON")
		}
		return append(json.RawMessage(nil), raw...), nil
	}
	return json.Marshal(value)
}
