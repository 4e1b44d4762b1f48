package context

import (
	"context"
	"encoding/json"

	"ctxbudget/internal/compaction"
)

// Component names shared by the built-in plugins and the priority profiles.
const (
	ComponentSystemPrompt  = "system_prompt"
	ComponentConversation  = "conversation"
	ComponentWorkingMemory = "working_memory"
	ComponentInContext     = "in_context_memory"
)

// Plugin contributes components to the context and takes back their
// compacted form.
type Plugin interface {
	// Name identifies the plugin; it must be unique within a Manager.
	Name() string

	// Components returns the plugin's current components.
	Components(ctx context.Context) ([]compaction.Component, error)

	// ApplyCompacted hands back every component of this plugin after a
	// compaction pass changed at least one of them, so plugin state matches
	// what is sent to the model.
	ApplyCompacted(ctx context.Context, components []compaction.Component) error

	// Destroy releases the plugin. It must be idempotent.
	Destroy(ctx context.Context) error
}

// Stateful is implemented by plugins that can snapshot and restore their
// state. GetState must not perform I/O.
type Stateful interface {
	GetState() (json.RawMessage, error)
	RestoreState(state json.RawMessage) error
}
