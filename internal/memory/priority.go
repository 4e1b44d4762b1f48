package memory

import "time"

// PriorityContext carries the runtime signals a PriorityCalculator may use.
type PriorityContext struct {
	Now            time.Time
	ActivePlanID   string
	CompletedPlans map[string]bool
}

// PriorityCalculator derives the effective priority of an entry.
type PriorityCalculator func(e *Entry, pc PriorityContext) Priority

// StaticPriority returns the entry's base priority.
func StaticPriority(e *Entry, _ PriorityContext) Priority {
	return e.BasePriority
}

// PlanAwarePriority demotes plan-scoped entries whose plan has completed to
// low. Pinned and critical entries keep their base priority.
func PlanAwarePriority(e *Entry, pc PriorityContext) Priority {
	if e.Pinned || e.BasePriority == PriorityCritical {
		return e.BasePriority
	}
	if e.Scope == ScopePlan && e.PlanID != "" && pc.CompletedPlans[e.PlanID] {
		return PriorityLow
	}
	return e.BasePriority
}
