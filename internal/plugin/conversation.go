// Package plugin provides the built-in context plugins: the conversation
// history, the working-memory index and the live in-context block.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"ctxbudget/internal/compaction"
	internalContext "ctxbudget/internal/context"
	"ctxbudget/internal/memory"
	"ctxbudget/internal/provider"
	"ctxbudget/internal/toolresult"

	"github.com/rs/zerolog"
)

// ErrUnsupportedState is returned when a snapshot has an unknown version.
var ErrUnsupportedState = errors.New("plugin: unsupported state version")

// ConversationOptions configures a Conversation.
type ConversationOptions struct {
	SystemPrompt string

	// Tracker follows large tool results. Optional; when set the
	// conversation installs itself as the tracker's pair remover.
	Tracker *toolresult.Tracker

	// MaxToolResultBytes caps a single tool result on entry.
	// Default: DefaultMaxToolResultBytes; negative disables the cap.
	MaxToolResultBytes int

	// Spill receives the uncut text of results capped on entry, in the raw
	// tier under "<SpillPrefix>:<tool>:<id>:full". Optional.
	Spill toolresult.MemoryStore

	// SpillPrefix defaults to toolresult.DefaultKeyPrefix.
	SpillPrefix string

	// Priority of the conversation component before profile overrides.
	// Default: 6
	Priority int

	Logger zerolog.Logger
}

// Conversation owns the system prompt and message history.
type Conversation struct {
	mu           sync.Mutex
	systemPrompt string
	messages     []provider.Message
	tracker      *toolresult.Tracker
	maxToolBytes int
	spill        toolresult.MemoryStore
	spillPrefix  string
	priority     int
	logger       zerolog.Logger
	destroyed    bool
}

// NewConversation creates a Conversation.
func NewConversation(opts ConversationOptions) *Conversation {
	if opts.MaxToolResultBytes == 0 {
		opts.MaxToolResultBytes = DefaultMaxToolResultBytes
	}
	if opts.Priority <= 0 {
		opts.Priority = 6
	}
	if opts.SpillPrefix == "" {
		opts.SpillPrefix = toolresult.DefaultKeyPrefix
	}
	c := &Conversation{
		systemPrompt: opts.SystemPrompt,
		tracker:      opts.Tracker,
		maxToolBytes: opts.MaxToolResultBytes,
		spill:        opts.Spill,
		spillPrefix:  opts.SpillPrefix,
		priority:     opts.Priority,
		logger:       opts.Logger,
	}
	if c.tracker != nil {
		c.tracker.SetRemover(c.RemoveToolPair)
	}
	return c
}

// Name implements context.Plugin.
func (c *Conversation) Name() string { return "conversation" }

// SetSystemPrompt replaces the system prompt.
func (c *Conversation) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustAlive("SetSystemPrompt")
	c.systemPrompt = prompt
}

// AddMessage appends msg. Tool results are capped and registered with the
// tracker under the name of the call that produced them.
func (c *Conversation) AddMessage(msg provider.Message) {
	c.mu.Lock()
	c.mustAliveUnlock("AddMessage")
	isResult := msg.Role == provider.RoleTool && msg.ToolCallID != ""
	toolName := ""
	if isResult {
		tc, _ := provider.FindToolCall(c.messages, msg.ToolCallID)
		toolName = tc.Name
		if toolName == "" {
			toolName = "unknown"
		}
	}
	if msg.Role == provider.RoleTool && c.maxToolBytes > 0 && len(msg.Content) > c.maxToolBytes {
		msg.Content = c.capToolResult(msg, toolName)
	}
	c.messages = append(c.messages, msg)
	idx := len(c.messages) - 1
	tracker := c.tracker
	c.mu.Unlock()

	if tracker != nil && isResult {
		tracker.OnToolResult(msg.ToolCallID, toolName, msg.Content, idx)
	}
}

// capToolResult spills the uncut result when a store is configured and
// returns the capped text. Called with c.mu held.
func (c *Conversation) capToolResult(msg provider.Message, toolName string) string {
	var spillKey string
	if c.spill != nil && msg.ToolCallID != "" {
		topic := fmt.Sprintf("%s:%s:%s:full", c.spillPrefix, toolName, msg.ToolCallID)
		desc := fmt.Sprintf("Uncut %s output for call %s (%d bytes)", toolName, msg.ToolCallID, len(msg.Content))
		key, err := c.spill.Store(topic, desc, msg.Content, memory.StoreOptions{Tier: memory.TierRaw})
		if err != nil {
			c.logger.Warn().Err(err).Str("tool_call_id", msg.ToolCallID).Msg("conversation: spill of capped tool result failed")
		} else {
			spillKey = key
		}
	}

	cut := CapToolResult(msg.Content, c.maxToolBytes, spillKey)
	c.logger.Debug().
		Str("tool_call_id", msg.ToolCallID).
		Str("spill_key", spillKey).
		Int("original_bytes", len(msg.Content)).
		Int("capped_bytes", len(cut)).
		Msg("conversation: tool result capped")
	return cut
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []provider.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustAlive("Messages")
	return append([]provider.Message(nil), c.messages...)
}

// Len returns the number of messages in the history.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustAlive("Len")
	return len(c.messages)
}

// Build returns the messages to send: the system prompt followed by the
// history.
func (c *Conversation) Build() []provider.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustAlive("Build")
	out := make([]provider.Message, 0, len(c.messages)+1)
	if c.systemPrompt != "" {
		out = append(out, provider.Message{Role: provider.RoleSystem, Content: c.systemPrompt})
	}
	return append(out, c.messages...)
}

// Components implements context.Plugin.
func (c *Conversation) Components(_ context.Context) ([]compaction.Component, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustAlive("Components")

	seq := make(compaction.Sequence, len(c.messages))
	for i, m := range c.messages {
		seq[i] = m
	}
	return []compaction.Component{
		{
			Name:     internalContext.ComponentSystemPrompt,
			Content:  compaction.Text(c.systemPrompt),
			Priority: 0,
			Metadata: compaction.Metadata{ContentType: compaction.ContentProse},
		},
		{
			Name:        internalContext.ComponentConversation,
			Content:     seq,
			Priority:    c.priority,
			Compactable: true,
			Metadata: compaction.Metadata{
				Strategy:    compaction.StrategySummarize,
				ContentType: compaction.ContentMixed,
				SummaryKind: compaction.SummaryConversation,
			},
		},
	}, nil
}

// ApplyCompacted implements context.Plugin. The compacted history is
// repaired so that no tool call survives without its result or the other
// way round, and the tracker is reconciled with what is left.
func (c *Conversation) ApplyCompacted(_ context.Context, components []compaction.Component) error {
	c.mu.Lock()
	c.mustAliveUnlock("ApplyCompacted")
	for _, comp := range components {
		if comp.Name != internalContext.ComponentConversation {
			continue
		}
		msgs, err := toMessages(comp.Content)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		before := len(msgs)
		msgs = provider.RepairToolPairs(msgs)
		if dropped := before - len(msgs); dropped > 0 {
			c.logger.Debug().Int("dropped", dropped).Msg("conversation: repaired orphaned tool messages")
		}
		c.messages = msgs
	}
	indices := c.toolIndices()
	tracker := c.tracker
	c.mu.Unlock()

	if tracker != nil {
		tracker.UpdateMessageIndices(indices)
	}
	return nil
}

// RemoveToolPair removes the tool call toolCallID and its result together.
// Removing a pair that is already gone is not an error.
func (c *Conversation) RemoveToolPair(toolCallID string) error {
	c.mu.Lock()
	c.mustAliveUnlock("RemoveToolPair")
	msgs, touched := provider.RemoveToolPair(c.messages, toolCallID)
	c.messages = msgs
	indices := c.toolIndices()
	tracker := c.tracker
	c.mu.Unlock()

	if touched > 0 {
		c.logger.Debug().Str("tool_call_id", toolCallID).Int("messages", touched).Msg("conversation: removed tool pair")
	}
	if tracker != nil {
		tracker.UpdateMessageIndices(indices)
	}
	return nil
}

// EndIteration advances the tracker and moves stale or oversized tool
// results into working memory when needed.
func (c *Conversation) EndIteration(ctx context.Context) toolresult.Report {
	c.mu.Lock()
	c.mustAliveUnlock("EndIteration")
	tracker := c.tracker
	c.mu.Unlock()

	if tracker == nil {
		return toolresult.Report{Reason: "no tracker"}
	}
	tracker.OnIteration()
	if !tracker.ShouldEvict() {
		return toolresult.Report{Reason: "within limits"}
	}
	return tracker.EvictOldResults(ctx)
}

// ConversationStateVersion is the snapshot format written by GetState.
const ConversationStateVersion = 1

// ConversationState is a serializable snapshot of a Conversation.
type ConversationState struct {
	Version      int                `json:"version"`
	SystemPrompt string             `json:"system_prompt"`
	Messages     []provider.Message `json:"messages"`
	Tracker      *toolresult.State  `json:"tracker,omitempty"`
}

// GetState implements context.Stateful.
func (c *Conversation) GetState() (json.RawMessage, error) {
	c.mu.Lock()
	c.mustAliveUnlock("GetState")
	st := ConversationState{
		Version:      ConversationStateVersion,
		SystemPrompt: c.systemPrompt,
		Messages:     append([]provider.Message(nil), c.messages...),
	}
	tracker := c.tracker
	c.mu.Unlock()

	if tracker != nil {
		ts := tracker.GetState()
		st.Tracker = &ts
	}
	return json.Marshal(st)
}

// RestoreState implements context.Stateful.
func (c *Conversation) RestoreState(data json.RawMessage) error {
	var st ConversationState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode conversation state: %w", err)
	}
	if st.Version != ConversationStateVersion {
		return fmt.Errorf("%w: conversation %d", ErrUnsupportedState, st.Version)
	}

	c.mu.Lock()
	c.mustAliveUnlock("RestoreState")
	c.systemPrompt = st.SystemPrompt
	c.messages = provider.RepairToolPairs(st.Messages)
	indices := c.toolIndices()
	tracker := c.tracker
	c.mu.Unlock()

	if tracker != nil && st.Tracker != nil {
		if err := tracker.RestoreState(*st.Tracker); err != nil {
			return err
		}
		tracker.UpdateMessageIndices(indices)
	}
	return nil
}

// Destroy implements context.Plugin.
func (c *Conversation) Destroy(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	c.destroyed = true
	c.messages = nil
	if c.tracker != nil {
		c.tracker.Destroy()
	}
	return nil
}

// toolIndices maps each tool result still in the history to its index.
func (c *Conversation) toolIndices() map[string]int {
	indices := make(map[string]int)
	for i, m := range c.messages {
		if m.Role == provider.RoleTool && m.ToolCallID != "" {
			indices[m.ToolCallID] = i
		}
	}
	return indices
}

func (c *Conversation) mustAlive(op string) {
	if c.destroyed {
		panic(fmt.Sprintf("plugin: %s called on destroyed Conversation", op))
	}
}

func (c *Conversation) mustAliveUnlock(op string) {
	if c.destroyed {
		c.mu.Unlock()
		panic(fmt.Sprintf("plugin: %s called on destroyed Conversation", op))
	}
}

// toMessages converts compacted conversation content back into messages.
// Summaries rendered as plain text become an assistant message.
func toMessages(content compaction.Content) ([]provider.Message, error) {
	switch v := content.(type) {
	case compaction.Sequence:
		out := make([]provider.Message, 0, len(v))
		for _, item := range v {
			switch m := item.(type) {
			case provider.Message:
				out = append(out, m)
			case string:
				out = append(out, provider.Message{Role: provider.RoleAssistant, Content: m})
			default:
				return nil, fmt.Errorf("plugin: unexpected conversation item %T", item)
			}
		}
		return out, nil
	case compaction.Text:
		if v == "" {
			return nil, nil
		}
		return []provider.Message{{Role: provider.RoleAssistant, Content: compaction.SummaryPrefix + string(v)}}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("plugin: unexpected conversation content %T", content)
	}
}
