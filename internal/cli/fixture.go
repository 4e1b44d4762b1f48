package cli

import (
	"fmt"
	"os"
	"strings"

	internalContext "ctxbudget/internal/context"
	"ctxbudget/internal/memory"
	"ctxbudget/internal/provider"

	"gopkg.in/yaml.v3"
)

// Fixture is a recorded agent session replayed by simulate. It is read as
// YAML; JSON fixtures parse the same way.
type Fixture struct {
	SessionID     string           `yaml:"session_id" json:"session_id"`
	TaskType      string           `yaml:"task_type" json:"task_type"`
	SystemPrompt  string           `yaml:"system_prompt" json:"system_prompt"`
	Messages      []FixtureMessage `yaml:"messages" json:"messages"`
	WorkingMemory []FixtureEntry   `yaml:"working_memory" json:"working_memory"`
	InContext     []FixtureEntry   `yaml:"in_context" json:"in_context"`
	// Iterations ends this many extra agent iterations after the last
	// message, ageing tracked tool results.
	Iterations int `yaml:"iterations" json:"iterations"`
}

// FixtureMessage is one chat message.
type FixtureMessage struct {
	Role       string            `yaml:"role" json:"role"`
	Content    string            `yaml:"content" json:"content"`
	ToolCalls  []FixtureToolCall `yaml:"tool_calls" json:"tool_calls"`
	ToolCallID string            `yaml:"tool_call_id" json:"tool_call_id"`
	// Repeat repeats Content this many times, for sizing large results.
	Repeat int `yaml:"repeat" json:"repeat"`
}

// FixtureToolCall is one tool invocation on an assistant message.
type FixtureToolCall struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Arguments string `yaml:"arguments" json:"arguments"`
}

// FixtureEntry seeds the working memory or the in-context store.
type FixtureEntry struct {
	Key         string `yaml:"key" json:"key"`
	Description string `yaml:"description" json:"description"`
	Value       any    `yaml:"value" json:"value"`
	Priority    string `yaml:"priority" json:"priority"`
	Tier        string `yaml:"tier" json:"tier"`
	Scope       string `yaml:"scope" json:"scope"`
	PlanID      string `yaml:"plan_id" json:"plan_id"`
	Pinned      bool   `yaml:"pinned" json:"pinned"`
}

// Message converts fm to a provider message.
func (fm FixtureMessage) Message() provider.Message {
	content := fm.Content
	if fm.Repeat > 1 {
		content = strings.Repeat(content, fm.Repeat)
	}
	msg := provider.Message{Role: fm.Role, Content: content, ToolCallID: fm.ToolCallID}
	for _, tc := range fm.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return msg
}

// StoreOptions converts the entry's working-memory settings.
func (fe FixtureEntry) StoreOptions() (memory.StoreOptions, error) {
	p, err := memory.ParsePriority(fe.Priority)
	if err != nil {
		return memory.StoreOptions{}, err
	}
	opts := memory.StoreOptions{
		Scope:    memory.Scope(fe.Scope),
		Priority: p,
		Tier:     memory.Tier(fe.Tier),
		Pinned:   fe.Pinned,
		PlanID:   fe.PlanID,
	}
	switch opts.Scope {
	case "":
		opts.Scope = memory.ScopeSession
	case memory.ScopeSession, memory.ScopePlan, memory.ScopePersistent:
	default:
		return memory.StoreOptions{}, fmt.Errorf("unknown scope %q", fe.Scope)
	}
	switch opts.Tier {
	case "", memory.TierRaw, memory.TierSummary, memory.TierFindings:
	default:
		return memory.StoreOptions{}, fmt.Errorf("unknown tier %q", fe.Tier)
	}
	return opts, nil
}

// LoadFixture reads and validates a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes and validates fixture data.
func ParseFixture(data []byte) (*Fixture, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if err := fx.Validate(); err != nil {
		return nil, err
	}
	return &fx, nil
}

// Validate checks roles, tool pairing references and entry settings.
func (fx *Fixture) Validate() error {
	if fx.TaskType != "" {
		if internalContext.ParseTaskType(fx.TaskType) != internalContext.TaskType(strings.ToLower(strings.TrimSpace(fx.TaskType))) {
			return fmt.Errorf("fixture: unknown task type %q", fx.TaskType)
		}
	}
	for i, m := range fx.Messages {
		switch m.Role {
		case provider.RoleUser, provider.RoleAssistant, provider.RoleSystem:
		case provider.RoleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("fixture: message %d: tool message without tool_call_id", i)
			}
		default:
			return fmt.Errorf("fixture: message %d: unknown role %q", i, m.Role)
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == "" {
				return fmt.Errorf("fixture: message %d: tool call without id", i)
			}
		}
	}
	for _, e := range fx.WorkingMemory {
		if e.Key == "" {
			return fmt.Errorf("fixture: working_memory entry without key")
		}
		if _, err := e.StoreOptions(); err != nil {
			return fmt.Errorf("fixture: working_memory %s: %w", e.Key, err)
		}
	}
	for _, e := range fx.InContext {
		if e.Key == "" {
			return fmt.Errorf("fixture: in_context entry without key")
		}
		if _, err := memory.ParsePriority(e.Priority); err != nil {
			return fmt.Errorf("fixture: in_context %s: %w", e.Key, err)
		}
	}
	return nil
}
