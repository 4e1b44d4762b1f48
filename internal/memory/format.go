package memory

import (
	"fmt"
	"sort"
	"strings"
)

// IndexHeader opens the block produced by FormatIndex.
const IndexHeader = "## Working Memory"

// FormatIndex renders the descriptions of stored entries, never their
// values, ordered by effective priority then recency. The listing is capped
// at MaxIndexEntries with a footer counting omitted entries. The result is
// cached until the next mutation.
func (m *WorkingMemory) FormatIndex() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustAlive("FormatIndex")

	if m.indexValid {
		return m.indexCache
	}
	m.indexCache = m.formatIndex()
	m.indexValid = true
	return m.indexCache
}

func (m *WorkingMemory) formatIndex() string {
	var sb strings.Builder
	sb.WriteString(IndexHeader)

	if len(m.entries) == 0 {
		sb.WriteString("\n\nNo entries stored.\n")
		return sb.String()
	}

	type ranked struct {
		e *Entry
		p Priority
	}
	list := make([]ranked, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, ranked{e: e, p: m.effective(e)})
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.p != b.p {
			return a.p > b.p
		}
		if !a.e.LastAccessedAt.Equal(b.e.LastAccessedAt) {
			return a.e.LastAccessedAt.After(b.e.LastAccessedAt)
		}
		return a.e.Key < b.e.Key
	})

	fmt.Fprintf(&sb, " (%d entries, %s)\n", len(list), formatBytes(m.totalBytes))
	sb.WriteString("Values are not shown. Retrieve a key to read its full value.\n\n")

	shown := list
	if len(shown) > m.config.MaxIndexEntries {
		shown = shown[:m.config.MaxIndexEntries]
	}
	for _, r := range shown {
		e := r.e
		sb.WriteString("- `")
		sb.WriteString(e.Key)
		sb.WriteString("` [")
		sb.WriteString(r.p.String())
		if e.Pinned {
			sb.WriteString(", pinned")
		}
		fmt.Fprintf(&sb, ", %s]", formatBytes(e.SizeBytes))
		if e.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(e.Description)
		}
		sb.WriteString("\n")
	}
	if omitted := len(list) - len(shown); omitted > 0 {
		fmt.Fprintf(&sb, "\n... %d more entries omitted\n", omitted)
	}
	return sb.String()
}

func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
