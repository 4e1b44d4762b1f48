package compaction

import (
	"encoding/json"
	"math"

	"ctxbudget/internal/provider"
)

// ContentType selects the chars-per-token divisor used by the estimator.
type ContentType string

// Content types.
const (
	ContentCode  ContentType = "code"
	ContentProse ContentType = "prose"
	ContentMixed ContentType = "mixed"
)

// FallbackDataTokens is returned by EstimateDataTokens when a value cannot be
// serialized. It is deliberately large so that an unmeasurable value is more
// likely to be compacted than to slip past the budget.
const FallbackDataTokens = 1000

// messageOverheadTokens approximates role and separator tokens per message.
const messageOverheadTokens = 4

// CharsPerToken returns the divisor for a content type. Unknown types are
// treated as mixed.
func CharsPerToken(ct ContentType) float64 {
	switch ct {
	case ContentCode:
		return 3
	case ContentProse:
		return 4
	default:
		return 3.5
	}
}

// Estimator is the token estimation contract shared by compactors, stores and
// the budget manager.
type Estimator interface {
	EstimateTokens(text string, ct ContentType) int
	EstimateDataTokens(value any, ct ContentType) int
}

// TokenCounter estimates token counts from character length. It is an
// approximation, not a tokenizer: it is deterministic and allocation-light.
type TokenCounter struct{}

// NewTokenCounter creates a new TokenCounter.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// EstimateTokens estimates the token count for text of the given type.
func (tc *TokenCounter) EstimateTokens(text string, ct ContentType) int {
	if len(text) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / CharsPerToken(ct)))
}

// EstimateDataTokens serializes value to JSON and estimates the result.
// Strings are estimated directly. Serialization failure yields
// FallbackDataTokens instead of an error.
func (tc *TokenCounter) EstimateDataTokens(value any, ct ContentType) int {
	switch v := value.(type) {
	case nil:
		return 0
	case string:
		return tc.EstimateTokens(v, ct)
	case provider.Message:
		return tc.EstimateMessages([]provider.Message{v})
	case []provider.Message:
		return tc.EstimateMessages(v)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return FallbackDataTokens
	}
	return tc.EstimateTokens(string(data), ct)
}

// EstimateText estimates tokens for text of unknown type.
func (tc *TokenCounter) EstimateText(text string) int {
	return tc.EstimateTokens(text, ContentMixed)
}

// EstimateMessages estimates the total token count for a slice of messages.
// It accounts for content, a fixed per-message role overhead and tool call
// names and arguments.
func (tc *TokenCounter) EstimateMessages(messages []provider.Message) int {
	total := 0
	for _, msg := range messages {
		total += tc.EstimateText(msg.Content)
		total += messageOverheadTokens
		for _, toolCall := range msg.ToolCalls {
			total += tc.EstimateText(toolCall.Name)
			total += tc.EstimateText(toolCall.Arguments)
		}
	}
	return total
}

// EstimateContent estimates any Content value.
func (tc *TokenCounter) EstimateContent(c Content, ct ContentType) int {
	return EstimateContent(tc, c, ct)
}

// EstimateContent estimates c with est. Sequences are the sum of their items.
func EstimateContent(est Estimator, c Content, ct ContentType) int {
	switch v := c.(type) {
	case nil:
		return 0
	case Text:
		return est.EstimateTokens(string(v), ct)
	case Sequence:
		total := 0
		for _, item := range v {
			total += est.EstimateDataTokens(item, ct)
		}
		return total
	case Structured:
		return est.EstimateDataTokens(v.Value, ct)
	default:
		return est.EstimateDataTokens(v, ct)
	}
}
