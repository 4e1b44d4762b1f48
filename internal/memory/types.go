package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Scope is the lifetime an entry is stored for.
type Scope string

// Scope constants.
const (
	ScopeSession    Scope = "session"
	ScopePlan       Scope = "plan"
	ScopePersistent Scope = "persistent"
)

// Tier is a key namespace that maps to a default priority.
type Tier string

// Tier constants.
const (
	TierRaw      Tier = "raw"      // evicted first
	TierSummary  Tier = "summary"  // normal
	TierFindings Tier = "findings" // evicted last
)

// Priority orders entries for eviction; lower values are evicted first.
// The zero value is PriorityUnset, which stores resolve to PriorityNormal.
type Priority int

// Priority constants.
const (
	PriorityUnset Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"", "low", "normal", "high", "critical"}

// String returns the lowercase name of p.
func (p Priority) String() string {
	if p < PriorityUnset || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// OrNormal returns p, or PriorityNormal when p is unset.
func (p Priority) OrNormal() Priority {
	if p == PriorityUnset {
		return PriorityNormal
	}
	return p
}

// ParsePriority parses a priority name. The empty string is normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames[PriorityLow:] {
		if strings.EqualFold(s, name) {
			return Priority(i) + PriorityLow, nil
		}
	}
	return PriorityNormal, fmt.Errorf("memory: unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// TierPriority returns the base priority implied by a tier.
func TierPriority(t Tier) Priority {
	switch t {
	case TierRaw:
		return PriorityLow
	case TierFindings:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// TierOf returns the tier encoded in a "<tier>.<topic>" key, or "".
func TierOf(key string) Tier {
	prefix, _, ok := strings.Cut(key, ".")
	if !ok {
		return ""
	}
	switch t := Tier(prefix); t {
	case TierRaw, TierSummary, TierFindings:
		return t
	}
	return ""
}

// TieredKey prefixes key with tier unless it already carries it.
func TieredKey(t Tier, key string) string {
	if t == "" || strings.HasPrefix(key, string(t)+".") {
		return key
	}
	return string(t) + "." + key
}

// Entry is one stored value.
type Entry struct {
	Key            string          `json:"key"`
	Description    string          `json:"description"`
	Value          json.RawMessage `json:"value"`
	Scope          Scope           `json:"scope"`
	Tier           Tier            `json:"tier,omitempty"`
	PlanID         string          `json:"plan_id,omitempty"`
	SizeBytes      int             `json:"size_bytes"`
	BasePriority   Priority        `json:"base_priority"`
	Pinned         bool            `json:"pinned,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	AccessCount    int             `json:"access_count"`
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Value = append(json.RawMessage(nil), e.Value...)
	return &c
}

// StoreOptions controls how Store files an entry.
type StoreOptions struct {
	Scope    Scope
	Priority Priority
	// Tier, when set, prefixes the key and overrides Priority.
	Tier   Tier
	Pinned bool
	// PlanID ties a plan-scoped entry to the plan that produced it.
	PlanID string
}

// EvictionStrategy orders candidates for explicit eviction.
type EvictionStrategy string

// Eviction strategies.
const (
	EvictLRU  EvictionStrategy = "lru"
	EvictSize EvictionStrategy = "size"
)

// Query filters entries.
type Query struct {
	// Pattern matches keys with path.Match syntax, or as a substring when it
	// has no glob metacharacters.
	Pattern       string
	Tier          Tier
	IncludeValues bool
	IncludeStats  bool
}

// QueryResult is one matched entry.
type QueryResult struct {
	Key         string          `json:"key"`
	Description string          `json:"description"`
	Tier        Tier            `json:"tier,omitempty"`
	Priority    Priority        `json:"priority"`
	Pinned      bool            `json:"pinned,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Stats       *EntryStats     `json:"stats,omitempty"`
}

// EntryStats is per-entry access bookkeeping returned by Query.
type EntryStats struct {
	SizeBytes      int       `json:"size_bytes"`
	AccessCount    int       `json:"access_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Stats summarizes the store.
type Stats struct {
	Entries      int           `json:"entries"`
	TotalBytes   int           `json:"total_bytes"`
	MaxBytes     int           `json:"max_bytes"`
	MaxEntries   int           `json:"max_entries"`
	Pinned       int           `json:"pinned"`
	ByTier       map[Tier]int  `json:"by_tier"`
	ByScope      map[Scope]int `json:"by_scope"`
	Dirty        int           `json:"dirty"`
	Evictions    int           `json:"evictions"`
	LastFlushErr string        `json:"last_flush_error,omitempty"`
}
