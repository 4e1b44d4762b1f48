package plugin

import (
	"context"
	"encoding/json"
	"testing"

	"ctxbudget/internal/compaction"
	internalContext "ctxbudget/internal/context"
	"ctxbudget/internal/memory"
	"ctxbudget/internal/provider"
	"ctxbudget/internal/toolresult"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversation_BuildPrependsSystemPrompt(t *testing.T) {
	c := NewConversation(ConversationOptions{SystemPrompt: "sys"})
	c.AddMessage(provider.Message{Role: provider.RoleUser, Content: "hi"})

	msgs := c.Build()
	require.Len(t, msgs, 2)
	assert.Equal(t, provider.RoleSystem, msgs[0].Role)
	assert.Equal(t, "sys", msgs[0].Content)
	assert.Equal(t, "hi", msgs[1].Content)
	assert.Equal(t, 1, c.Len())
}

func TestConversation_Components(t *testing.T) {
	c := NewConversation(ConversationOptions{SystemPrompt: "sys"})
	c.AddMessage(provider.Message{Role: provider.RoleUser, Content: "hi"})

	comps, err := c.Components(context.Background())
	require.NoError(t, err)
	require.Len(t, comps, 2)

	assert.Equal(t, internalContext.ComponentSystemPrompt, comps[0].Name)
	assert.True(t, comps[0].IsFixed())

	conv := comps[1]
	assert.Equal(t, internalContext.ComponentConversation, conv.Name)
	assert.False(t, conv.IsFixed())
	assert.Equal(t, compaction.StrategySummarize, conv.Metadata.Strategy)
	assert.Equal(t, compaction.SummaryConversation, conv.Metadata.SummaryKind)
	seq, ok := conv.Content.(compaction.Sequence)
	require.True(t, ok)
	assert.Len(t, seq, 1)
}

func TestConversation_AddMessageTracksToolResults(t *testing.T) {
	c, tr, _ := newTrackedConversation(t, toolresult.Config{})
	c.AddMessage(provider.Message{Role: provider.RoleUser, Content: "look"})
	addToolRound(c, "call-1", "grep", "match")

	got, ok := tr.Tracked("call-1")
	require.True(t, ok)
	assert.Equal(t, "grep", got.ToolName)
	assert.Equal(t, 2, got.MessageIndex)
}

func TestConversation_AddMessageCapsToolResults(t *testing.T) {
	c := NewConversation(ConversationOptions{MaxToolResultBytes: 100})
	addToolRound(c, "call-1", "cat", blob(1000))

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Less(t, len(msgs[1].Content), 200)
	assert.Contains(t, msgs[1].Content, "bytes omitted ...]")
}

func TestConversation_AddMessageSpillsCappedResult(t *testing.T) {
	wm := newWorkingMemory(t)
	c := NewConversation(ConversationOptions{MaxToolResultBytes: 100, Spill: wm, Logger: zerolog.Nop()})
	full := blob(1000)
	addToolRound(c, "call-1", "cat", full)

	const key = "raw.tool_result:cat:call-1:full"
	msgs := c.Messages()
	assert.Contains(t, msgs[1].Content, `retrieve "`+key+`"`)

	raw, ok := wm.Retrieve(key)
	require.True(t, ok, "uncut result stored in working memory")
	var stored string
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, full, stored)
}

func TestConversation_SpillFailureStillCaps(t *testing.T) {
	wm := memory.New(memory.Options{Config: memory.Config{MaxSizeBytes: 50}, Logger: zerolog.Nop()})
	c := NewConversation(ConversationOptions{MaxToolResultBytes: 100, Spill: wm, Logger: zerolog.Nop()})
	addToolRound(c, "call-1", "cat", blob(1000))

	msgs := c.Messages()
	assert.Less(t, len(msgs[1].Content), 200)
	assert.NotContains(t, msgs[1].Content, "retrieve")
	assert.Zero(t, wm.Len())
}

func TestConversation_EndIterationEvictsPairTogether(t *testing.T) {
	c, tr, wm := newTrackedConversation(t, toolresult.Config{MaxFullResults: 1})
	c.AddMessage(provider.Message{Role: provider.RoleUser, Content: "search twice"})
	first := blob(2000)
	addToolRound(c, "call-1", "grep", first)
	addToolRound(c, "call-2", "grep", blob(2000))

	report := c.EndIteration(context.Background())
	require.Len(t, report.Evicted, 1)
	assert.Equal(t, "call-1", report.Evicted[0].ToolUseID)
	assert.Equal(t, "raw.tool_result:grep:call-1", report.Evicted[0].MemoryKey)

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	requirePaired(t, msgs)
	_, idx := provider.FindToolCall(msgs, "call-1")
	assert.Equal(t, -1, idx)

	raw, ok := wm.Retrieve("raw.tool_result:grep:call-1")
	require.True(t, ok)
	var stored string
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, first, stored)

	remaining, ok := tr.Tracked("call-2")
	require.True(t, ok)
	assert.Equal(t, 2, remaining.MessageIndex)
	_, ok = tr.Tracked("call-1")
	assert.False(t, ok)
}

func TestConversation_EndIterationWithinLimits(t *testing.T) {
	c, _, _ := newTrackedConversation(t, toolresult.Config{})
	addToolRound(c, "call-1", "grep", blob(2000))

	report := c.EndIteration(context.Background())
	assert.Empty(t, report.Evicted)
	assert.Len(t, c.Messages(), 2)
}

func TestConversation_EndIterationWithoutTracker(t *testing.T) {
	c := NewConversation(ConversationOptions{})
	report := c.EndIteration(context.Background())
	assert.Equal(t, "no tracker", report.Reason)
}

func TestConversation_ApplyCompactedRepairsPairs(t *testing.T) {
	c, tr, _ := newTrackedConversation(t, toolresult.Config{})
	c.AddMessage(provider.Message{Role: provider.RoleUser, Content: "go"})
	addToolRound(c, "call-1", "ls", "a b c")
	addToolRound(c, "call-2", "ls", "d e f")

	comps, err := c.Components(context.Background())
	require.NoError(t, err)
	seq := comps[1].Content.(compaction.Sequence)

	// Cut the user turn and call-1's invocation, orphaning its result.
	comps[1] = comps[1].WithContent(seq[2:])
	require.NoError(t, c.ApplyCompacted(context.Background(), comps))

	msgs := c.Messages()
	requirePaired(t, msgs)
	require.Len(t, msgs, 2)
	assert.Equal(t, "call-2", msgs[1].ToolCallID)

	_, ok := tr.Tracked("call-1")
	assert.False(t, ok)
	got, ok := tr.Tracked("call-2")
	require.True(t, ok)
	assert.Equal(t, 1, got.MessageIndex)
}

func TestConversation_ApplyCompactedSummary(t *testing.T) {
	c := NewConversation(ConversationOptions{})
	c.AddMessage(provider.Message{Role: provider.RoleUser, Content: "long story"})

	comps, err := c.Components(context.Background())
	require.NoError(t, err)
	comps[1] = comps[1].WithContent(compaction.Text("short story"))
	require.NoError(t, c.ApplyCompacted(context.Background(), comps))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, provider.RoleAssistant, msgs[0].Role)
	assert.Equal(t, compaction.SummaryPrefix+"short story", msgs[0].Content)
}

func TestConversation_ApplyCompactedRejectsForeignItems(t *testing.T) {
	c := NewConversation(ConversationOptions{})
	comps, err := c.Components(context.Background())
	require.NoError(t, err)
	comps[1] = comps[1].WithContent(compaction.Sequence{42})
	assert.Error(t, c.ApplyCompacted(context.Background(), comps))
}

func TestConversation_RemoveToolPairMissingIsNoop(t *testing.T) {
	c := NewConversation(ConversationOptions{})
	c.AddMessage(provider.Message{Role: provider.RoleUser, Content: "x"})
	require.NoError(t, c.RemoveToolPair("nope"))
	assert.Len(t, c.Messages(), 1)
}

func TestConversation_StateRoundTrip(t *testing.T) {
	c, _, _ := newTrackedConversation(t, toolresult.Config{})
	c.AddMessage(provider.Message{Role: provider.RoleUser, Content: "q"})
	addToolRound(c, "call-1", "grep", blob(1500))
	c.EndIteration(context.Background())

	raw, err := c.GetState()
	require.NoError(t, err)

	restored, tr, _ := newTrackedConversation(t, toolresult.Config{})
	require.NoError(t, restored.RestoreState(raw))

	assert.Equal(t, c.Build(), restored.Build())
	got, ok := tr.Tracked("call-1")
	require.True(t, ok)
	assert.Equal(t, 2, got.MessageIndex)
	assert.Equal(t, 1, tr.Iteration())
}

func TestConversation_RestoreStateRejectsUnknownVersion(t *testing.T) {
	c := NewConversation(ConversationOptions{})
	err := c.RestoreState(json.RawMessage(`{"version":99}`))
	assert.ErrorIs(t, err, ErrUnsupportedState)
}

func TestConversation_DestroyIsIdempotent(t *testing.T) {
	c, tr, _ := newTrackedConversation(t, toolresult.Config{})
	require.NoError(t, c.Destroy(context.Background()))
	require.NoError(t, c.Destroy(context.Background()))

	assert.PanicsWithValue(t, "plugin: Build called on destroyed Conversation", func() { c.Build() })
	assert.Panics(t, func() { tr.OnIteration() })
}

func TestConversation_NegativeCapDisablesTruncation(t *testing.T) {
	c := NewConversation(ConversationOptions{Logger: zerolog.Nop(), MaxToolResultBytes: -1})
	addToolRound(c, "call-1", "cat", blob(DefaultMaxToolResultBytes+10))
	assert.Len(t, c.Messages()[1].Content, DefaultMaxToolResultBytes+10)
}
