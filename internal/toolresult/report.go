package toolresult

import (
	"fmt"
	"sort"
)

// Eviction records one result moved to working memory.
type Eviction struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
	MemoryKey string `json:"memory_key"`
	SizeBytes int    `json:"size_bytes"`
}

// Skip records a candidate left in place.
type Skip struct {
	ToolUseID string `json:"tool_use_id"`
	Reason    string `json:"reason"`
}

// Report is the outcome of one EvictOldResults pass.
type Report struct {
	Evicted    []Eviction `json:"evicted,omitempty"`
	Skipped    []Skip     `json:"skipped,omitempty"`
	FreedBytes int        `json:"freed_bytes"`
	// Reason explains a pass that evicted nothing or stopped early.
	Reason string `json:"reason,omitempty"`
}

// String implements fmt.Stringer.
func (r Report) String() string {
	if len(r.Evicted) == 0 && r.Reason != "" {
		return "no tool results evicted: " + r.Reason
	}
	return fmt.Sprintf("evicted %d tool results (%d bytes), skipped %d", len(r.Evicted), r.FreedBytes, len(r.Skipped))
}

// Stats summarizes a Tracker.
type Stats struct {
	Tracked    int `json:"tracked"`
	TotalBytes int `json:"total_bytes"`
	Iteration  int `json:"iteration"`
	Evicted    int `json:"evicted"`
}

// StateVersion is the snapshot format written by GetState.
const StateVersion = 1

// State is a serializable snapshot of a Tracker.
type State struct {
	Version   int       `json:"version"`
	Iteration int       `json:"iteration"`
	Evicted   int       `json:"evicted"`
	Results   []Tracked `json:"results"`
}

// GetState returns the tracked results ordered by registration.
func (t *Tracker) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("GetState")
	st := State{Version: StateVersion, Iteration: t.iteration, Evicted: t.evicted}
	for _, r := range t.tracked {
		c := *r
		c.Result = append([]byte(nil), r.Result...)
		st.Results = append(st.Results, c)
	}
	sortBySeq(st.Results)
	return st
}

// RestoreState replaces the tracker's contents with st.
func (t *Tracker) RestoreState(st State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustAlive("RestoreState")
	if st.Version != 0 && st.Version != StateVersion {
		return fmt.Errorf("toolresult: unsupported state version %d", st.Version)
	}
	t.tracked = make(map[string]*Tracked, len(st.Results))
	t.totalBytes = 0
	t.seq = 0
	t.iteration = st.Iteration
	t.evicted = st.Evicted
	for i := range st.Results {
		r := st.Results[i]
		r.Result = append([]byte(nil), r.Result...)
		if r.SizeBytes == 0 {
			r.SizeBytes = len(r.Result)
		}
		t.tracked[r.ToolUseID] = &r
		t.totalBytes += r.SizeBytes
		if r.Seq > t.seq {
			t.seq = r.Seq
		}
	}
	return nil
}

func sortBySeq(rs []Tracked) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Seq < rs[j].Seq })
}
