package plugin

import (
	"strings"
	"testing"

	"ctxbudget/internal/memory"
	"ctxbudget/internal/provider"
	"ctxbudget/internal/toolresult"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newWorkingMemory(t *testing.T) *memory.WorkingMemory {
	t.Helper()
	return memory.New(memory.Options{Namespace: "plugin-test", Logger: zerolog.Nop()})
}

// newTrackedConversation wires a conversation, its tracker and a working
// memory the way an agent loop would.
func newTrackedConversation(t *testing.T, cfg toolresult.Config) (*Conversation, *toolresult.Tracker, *memory.WorkingMemory) {
	t.Helper()
	wm := newWorkingMemory(t)
	tr := toolresult.New(toolresult.Options{Config: cfg, Memory: wm, Logger: zerolog.Nop()})
	conv := NewConversation(ConversationOptions{
		SystemPrompt: "You are a careful assistant.",
		Tracker:      tr,
		Logger:       zerolog.Nop(),
	})
	return conv, tr, wm
}

// addToolRound appends an assistant call to tool and its result.
func addToolRound(c *Conversation, id, tool, result string) {
	c.AddMessage(provider.Message{
		Role:      provider.RoleAssistant,
		ToolCalls: []provider.ToolCall{{ID: id, Name: tool, Arguments: `{"q":"x"}`}},
	})
	c.AddMessage(provider.Message{Role: provider.RoleTool, ToolCallID: id, Content: result})
}

// requirePaired fails when a tool call lacks its result or a result lacks
// its call.
func requirePaired(t *testing.T, msgs []provider.Message) {
	t.Helper()
	calls := map[string]bool{}
	results := map[string]bool{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = true
		}
		if m.Role == provider.RoleTool {
			results[m.ToolCallID] = true
		}
	}
	for id := range calls {
		require.True(t, results[id], "tool call %s has no result", id)
	}
	for id := range results {
		require.True(t, calls[id], "tool result %s has no call", id)
	}
}

func blob(n int) string {
	return strings.Repeat("z", n)
}
