package context

import (
	"fmt"
	"strings"

	"ctxbudget/internal/compaction"
)

// Step records one compaction applied during Prepare.
type Step struct {
	Component string `json:"component"`
	Compactor string `json:"compactor"`
	Priority  int    `json:"priority"`
	Target    int    `json:"target"`
	Before    int    `json:"before"`
	After     int    `json:"after"`
}

// ComponentUsage is a component in its final form with its estimates.
type ComponentUsage struct {
	Component    compaction.Component `json:"component"`
	Plugin       string               `json:"plugin"`
	TokensBefore int                  `json:"tokens_before"`
	TokensAfter  int                  `json:"tokens_after"`
}

// Result reports one Prepare or Measure call.
type Result struct {
	TaskType     TaskType         `json:"task_type"`
	Budget       int              `json:"budget"`
	FixedTokens  int              `json:"fixed_tokens"`
	TokensBefore int              `json:"tokens_before"`
	TokensAfter  int              `json:"tokens_after"`
	OverBudget   bool             `json:"over_budget"`
	Components   []ComponentUsage `json:"components"`
	Steps        []Step           `json:"steps,omitempty"`
	// Skipped lists compactable components no compactor accepted.
	Skipped []string `json:"skipped,omitempty"`
}

// Component returns the final form of the component named name.
func (r *Result) Component(name string) (compaction.Component, bool) {
	for _, cu := range r.Components {
		if cu.Component.Name == name {
			return cu.Component, true
		}
	}
	return compaction.Component{}, false
}

// Compacted returns the names of compacted components in the order they
// were compacted.
func (r *Result) Compacted() []string {
	names := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		names[i] = s.Component
	}
	return names
}

// String renders a short human-readable report.
func (r *Result) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "task=%s budget=%d fixed=%d tokens=%d->%d", r.TaskType, r.Budget, r.FixedTokens, r.TokensBefore, r.TokensAfter)
	if r.OverBudget {
		sb.WriteString(" OVER BUDGET")
	}
	sb.WriteString("\n")
	for _, cu := range r.Components {
		c := cu.Component
		kind := "compactable"
		if c.IsFixed() {
			kind = "fixed"
		}
		fmt.Fprintf(&sb, "  %-20s p=%-2d %-11s %-9s %6d -> %6d\n",
			c.Name, c.Priority, kind, c.Metadata.Strategy, cu.TokensBefore, cu.TokensAfter)
	}
	for _, s := range r.Steps {
		fmt.Fprintf(&sb, "  step: %s via %s (target %d) %d -> %d\n", s.Component, s.Compactor, s.Target, s.Before, s.After)
	}
	for _, name := range r.Skipped {
		fmt.Fprintf(&sb, "  skipped: %s (no compactor)\n", name)
	}
	return sb.String()
}
