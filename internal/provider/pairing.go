package provider

// RepairToolPairs drops tool results whose invocation is missing and tool
// invocations whose result is missing. An assistant message that loses all
// of its tool calls and has no text is dropped entirely. The relative order
// of the surviving messages is preserved.
func RepairToolPairs(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}

	calls := make(map[string]bool)
	results := make(map[string]bool)
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					calls[tc.ID] = true
				}
			}
		case RoleTool:
			if msg.ToolCallID != "" {
				results[msg.ToolCallID] = true
			}
		}
	}

	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		switch {
		case msg.Role == RoleTool && msg.ToolCallID != "":
			if !calls[msg.ToolCallID] {
				continue
			}
			out = append(out, msg)
		case msg.Role == RoleAssistant && len(msg.ToolCalls) > 0:
			kept := make([]ToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				if results[tc.ID] {
					kept = append(kept, tc)
				}
			}
			if len(kept) == 0 && msg.Content == "" {
				continue
			}
			msg.ToolCalls = kept
			if len(kept) == 0 {
				msg.ToolCalls = nil
			}
			out = append(out, msg)
		default:
			out = append(out, msg)
		}
	}
	return out
}

// RemoveToolPair removes the invocation with the given ID from its assistant
// message and the matching tool result message. It returns the new slice and
// the number of messages that were removed or modified. Both halves are
// removed in the same call; when neither is present the input is returned
// unchanged with a count of zero.
func RemoveToolPair(messages []Message, toolCallID string) ([]Message, int) {
	if toolCallID == "" {
		return messages, 0
	}

	touched := 0
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleTool && msg.ToolCallID == toolCallID {
			touched++
			continue
		}
		if msg.Role == RoleAssistant && len(msg.ToolCalls) > 0 {
			kept := make([]ToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				if tc.ID != toolCallID {
					kept = append(kept, tc)
				}
			}
			if len(kept) != len(msg.ToolCalls) {
				touched++
				if len(kept) == 0 && msg.Content == "" {
					continue
				}
				msg.ToolCalls = kept
				if len(kept) == 0 {
					msg.ToolCalls = nil
				}
			}
		}
		out = append(out, msg)
	}
	if touched == 0 {
		return messages, 0
	}
	return out, touched
}
