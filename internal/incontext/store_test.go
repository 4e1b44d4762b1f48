package incontext

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"ctxbudget/internal/compaction"
	"ctxbudget/internal/memory"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(maxEntries int, evicted *[]string) *Store {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return New(Options{
		Config: Config{MaxEntries: maxEntries},
		Logger: zerolog.Nop(),
		Now: func() time.Time {
			t0 = t0.Add(time.Second)
			return t0
		},
		OnEvict: func(key string) {
			if evicted != nil {
				*evicted = append(*evicted, key)
			}
		},
	})
}

func TestStore_SetGetHasDelete(t *testing.T) {
	s := newTestStore(10, nil)

	require.NoError(t, s.Set("plan", "current plan", []string{"a", "b"}, memory.PriorityHigh))
	assert.True(t, s.Has("plan"))

	v, ok := s.Get("plan")
	require.True(t, ok)
	assert.JSONEq(t, `["a","b"]`, string(v))

	_, ok = s.Get("missing")
	assert.False(t, ok)

	assert.True(t, s.Delete("plan"))
	assert.False(t, s.Delete("plan"))
	assert.False(t, s.Has("plan"))

	assert.ErrorIs(t, s.Set("", "d", 1, memory.PriorityLow), ErrInvalidKey)
	assert.ErrorIs(t, s.Set("k", "d", func() {}, memory.PriorityLow), ErrInvalidValue)
}

func TestStore_SetEnforcesMaxEntries(t *testing.T) {
	var evicted []string
	s := newTestStore(3, &evicted)

	require.NoError(t, s.Set("old-low", "", 1, memory.PriorityLow))
	require.NoError(t, s.Set("new-low", "", 2, memory.PriorityLow))
	require.NoError(t, s.Set("crit", "", 3, memory.PriorityCritical))
	require.NoError(t, s.Set("normal", "", 4, memory.PriorityNormal))

	assert.Equal(t, []string{"old-low"}, evicted)
	assert.Equal(t, 3, s.Len())

	// Updating an existing key never evicts.
	require.NoError(t, s.Set("crit", "", 5, memory.PriorityCritical))
	assert.Len(t, evicted, 1)
}

func TestStore_SetFailsWhenOnlyCriticalRemain(t *testing.T) {
	s := newTestStore(2, nil)
	require.NoError(t, s.Set("a", "", 1, memory.PriorityCritical))
	require.NoError(t, s.Set("b", "", 2, memory.PriorityCritical))

	err := s.Set("c", "", 3, memory.PriorityHigh)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, s.Len())
}

func TestStore_CompactScenario(t *testing.T) {
	var evicted []string
	s := newTestStore(10, &evicted)
	est := compaction.NewTokenCounter()

	chunk := strings.Repeat("x", 560) // ~160 tokens per entry
	require.NoError(t, s.Set("low", "", chunk, memory.PriorityLow))
	require.NoError(t, s.Set("critical", "", chunk, memory.PriorityCritical))
	require.NoError(t, s.Set("normal", "", chunk, memory.PriorityNormal))

	before := s.TotalTokens(est)
	require.InDelta(t, 500, before, 20)

	freed := s.Compact(50, est)

	assert.Equal(t, []string{"low", "normal"}, evicted)
	assert.True(t, s.Has("critical"))
	after := s.TotalTokens(est)
	assert.Greater(t, after, 50, "target still unmet")
	assert.Equal(t, before-after, freed, "reports tokens actually freed")
}

func TestStore_CompactUnderTargetIsNoop(t *testing.T) {
	var evicted []string
	s := newTestStore(10, &evicted)
	require.NoError(t, s.Set("k", "", "small", memory.PriorityLow))

	assert.Equal(t, 0, s.Compact(1000, nil))
	assert.Empty(t, evicted)
}

func TestStore_CompactEmptiesNonCritical(t *testing.T) {
	s := newTestStore(10, nil)
	require.NoError(t, s.Set("a", "", strings.Repeat("a", 200), memory.PriorityHigh))
	require.NoError(t, s.Set("b", "", strings.Repeat("b", 200), memory.PriorityLow))

	freed := s.Compact(0, nil)
	assert.Equal(t, 0, s.Len())
	assert.Greater(t, freed, 100)
	assert.Equal(t, "", s.Render())
}

func TestStore_Render(t *testing.T) {
	s := newTestStore(10, nil)
	require.NoError(t, s.Set("status", "build status", "green\n", memory.PriorityNormal))
	require.NoError(t, s.Set("files", "open files", map[string]int{"main.go": 3}, memory.PriorityNormal))

	want := "## Live Context\n" +
		"\n### status\nbuild status\n```\ngreen\n```\n" +
		"\n### files\nopen files\n```json\n{\n  \"main.go\": 3\n}\n```\n"
	assert.Equal(t, want, s.Render())
	assert.Equal(t, "", newTestStore(1, nil).Render())
}

func TestStore_SetMaxEntries(t *testing.T) {
	var evicted []string
	s := newTestStore(5, &evicted)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(k, "", k, memory.PriorityNormal))
	}
	s.SetMaxEntries(1)
	assert.Equal(t, []string{"a", "b"}, evicted)
	assert.Equal(t, 1, s.Len())
}

func TestStore_ListAndClear(t *testing.T) {
	s := newTestStore(5, nil)
	require.NoError(t, s.Set("a", "", 1, memory.PriorityNormal))
	require.NoError(t, s.Set("b", "", 2, memory.PriorityNormal))
	require.NoError(t, s.Set("a", "", 3, memory.PriorityNormal))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Key)
	assert.Equal(t, "a", list[1].Key)
	assert.True(t, list[1].UpdatedAt.After(list[1].CreatedAt))

	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestStore_StateRoundTrip(t *testing.T) {
	s := newTestStore(4, nil)
	require.NoError(t, s.Set("a", "first", map[string]any{"x": 1}, memory.PriorityLow))
	require.NoError(t, s.Set("b", "second", "text", memory.PriorityCritical))

	data, err := json.Marshal(s.GetState())
	require.NoError(t, err)

	var st State
	require.NoError(t, json.Unmarshal(data, &st))
	restored := newTestStore(0, nil)
	require.NoError(t, restored.RestoreState(st))

	assert.Equal(t, s.Render(), restored.Render())
	assert.Equal(t, s.GetState(), restored.GetState())

	// The sequence counter continues after restore.
	require.NoError(t, restored.Set("c", "", 1, memory.PriorityNormal))
	list := restored.List()
	assert.Equal(t, "c", list[len(list)-1].Key)

	assert.Error(t, restored.RestoreState(State{Version: 7}))
}

func TestStore_Destroy(t *testing.T) {
	s := newTestStore(4, nil)
	s.Destroy()
	s.Destroy()
	assert.PanicsWithValue(t, "incontext: Set called on destroyed Store", func() {
		_ = s.Set("k", "", 1, memory.PriorityLow)
	})
	assert.Panics(t, func() { s.Render() })
}
