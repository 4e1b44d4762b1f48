package context

import (
	"sort"
	"strings"
)

// TaskType selects a priority profile.
type TaskType string

// Task types.
const (
	TaskGeneral  TaskType = "general"
	TaskResearch TaskType = "research"
	TaskCoding   TaskType = "coding"
	TaskAnalysis TaskType = "analysis"
	TaskChat     TaskType = "chat"
)

// TaskTypes lists every known task type.
func TaskTypes() []TaskType {
	return []TaskType{TaskGeneral, TaskResearch, TaskCoding, TaskAnalysis, TaskChat}
}

// ParseTaskType returns the task type named s, or TaskGeneral.
func ParseTaskType(s string) TaskType {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, tt := range TaskTypes() {
		if string(tt) == s {
			return tt
		}
	}
	return TaskGeneral
}

// PriorityProfile overrides component priorities by name. Higher values are
// compacted first.
type PriorityProfile struct {
	TaskType   TaskType
	Priorities map[string]int
}

// Priority returns the override for name.
func (p PriorityProfile) Priority(name string) (int, bool) {
	v, ok := p.Priorities[name]
	return v, ok
}

// ProfileFor returns the priority profile for tt. Unknown types get the
// general profile.
func ProfileFor(tt TaskType) PriorityProfile {
	var pr map[string]int
	switch tt {
	case TaskResearch:
		// Findings live in working memory; old turns matter least.
		pr = map[string]int{ComponentConversation: 8, ComponentInContext: 4, ComponentWorkingMemory: 3}
	case TaskCoding:
		// Recent edits in the conversation are the working set.
		pr = map[string]int{ComponentWorkingMemory: 7, ComponentInContext: 5, ComponentConversation: 4}
	case TaskAnalysis:
		pr = map[string]int{ComponentConversation: 7, ComponentInContext: 3, ComponentWorkingMemory: 2}
	case TaskChat:
		pr = map[string]int{ComponentWorkingMemory: 8, ComponentInContext: 6, ComponentConversation: 3}
	default:
		tt = TaskGeneral
		pr = map[string]int{ComponentConversation: 6, ComponentWorkingMemory: 5, ComponentInContext: 4}
	}
	return PriorityProfile{TaskType: tt, Priorities: pr}
}

// TaskDetector guesses the task type from free text such as the latest
// user message.
type TaskDetector interface {
	Detect(text string) TaskType
}

// TaskDetectorFunc adapts a function to TaskDetector.
type TaskDetectorFunc func(text string) TaskType

// Detect implements TaskDetector.
func (f TaskDetectorFunc) Detect(text string) TaskType { return f(text) }

// KeywordDetector counts keyword hits per task type. The type with the
// most hits wins; ties and zero hits yield TaskGeneral.
type KeywordDetector struct {
	Keywords map[TaskType][]string
}

// NewKeywordDetector returns a detector with the built-in keyword lists.
func NewKeywordDetector() *KeywordDetector {
	return &KeywordDetector{Keywords: map[TaskType][]string{
		TaskResearch: {"research", "search", "find out", "investigate", "sources", "compare", "look up", "survey"},
		TaskCoding:   {"code", "function", "bug", "refactor", "compile", "test", "implement", "stack trace", "debug"},
		TaskAnalysis: {"analyze", "analyse", "data", "metrics", "trend", "report", "statistics", "csv"},
		TaskChat:     {"hi", "hello", "thanks", "how are you", "chat"},
	}}
}

// Detect implements TaskDetector.
func (d *KeywordDetector) Detect(text string) TaskType {
	text = strings.ToLower(text)
	if strings.TrimSpace(text) == "" {
		return TaskGeneral
	}
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		words[w] = true
	}

	types := make([]TaskType, 0, len(d.Keywords))
	for tt := range d.Keywords {
		types = append(types, tt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	best, bestHits, tie := TaskGeneral, 0, false
	for _, tt := range types {
		hits := 0
		for _, kw := range d.Keywords[tt] {
			if strings.Contains(kw, " ") {
				if strings.Contains(text, kw) {
					hits++
				}
			} else if words[kw] {
				hits++
			}
		}
		switch {
		case hits > bestHits:
			best, bestHits, tie = tt, hits, false
		case hits == bestHits && hits > 0:
			tie = true
		}
	}
	if tie || bestHits == 0 {
		return TaskGeneral
	}
	return best
}
