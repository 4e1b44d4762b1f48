package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ctxbudget/internal/provider"

	"github.com/rs/zerolog"
)

// SummaryPrefix marks the message that replaces summarized conversation turns.
const SummaryPrefix = "[Previous conversation summary]\n"

// SummarizeCompactor replaces content with a generated summary. Every
// failure path degrades to truncation unless fallback is disabled.
type SummarizeCompactor struct {
	config   Config
	provider provider.Provider
	counter  Estimator
	truncate *TruncateCompactor
	logger   zerolog.Logger
}

// NewSummarizeCompactor creates a SummarizeCompactor.
func NewSummarizeCompactor(config Config, prov provider.Provider, est Estimator, logger zerolog.Logger) *SummarizeCompactor {
	if est == nil {
		est = NewTokenCounter()
	}
	config = config.withDefaults()
	return &SummarizeCompactor{
		config:   config,
		provider: prov,
		counter:  est,
		truncate: NewTruncateCompactor(est, config),
		logger:   logger,
	}
}

// Name implements Compactor.
func (s *SummarizeCompactor) Name() string { return string(StrategySummarize) }

// CanCompact implements Compactor.
func (s *SummarizeCompactor) CanCompact(c Component) bool {
	return c.Compactable && c.Metadata.Strategy == StrategySummarize
}

// Compact implements Compactor.
func (s *SummarizeCompactor) Compact(ctx context.Context, c Component, targetTokens int) (Component, error) {
	ct := c.ContentType()
	before := EstimateContent(s.counter, c.Content, ct)
	if before <= targetTokens {
		return c, nil
	}
	if s.provider == nil {
		return s.fallback(c, targetTokens, ErrNoProvider)
	}
	if targetTokens <= 0 {
		return s.fallback(c, targetTokens, fmt.Errorf("target %d leaves no room for a summary", targetTokens))
	}

	summary, err := s.generate(ctx, c, min(targetTokens, s.config.MaxSummaryTokens))
	if err != nil {
		return s.fallback(c, targetTokens, err)
	}

	compacted := c.WithContent(s.wrap(c.Content, summary))
	after := EstimateContent(s.counter, compacted.Content, ct)
	if float64(after) > float64(before)*(1-s.config.MinReduction) {
		return s.fallback(c, targetTokens, fmt.Errorf("%w: %d -> %d tokens", ErrSummaryIneffective, before, after))
	}

	s.logger.Debug().
		Str("component", c.Name).
		Int("before", before).
		Int("after", after).
		Msg("summarize: compacted")
	return compacted, nil
}

func (s *SummarizeCompactor) generate(ctx context.Context, c Component, maxTokens int) (string, error) {
	if s.config.SummaryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SummaryTimeout)
		defer cancel()
	}

	req := provider.ChatRequest{
		Model: s.config.Model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: SystemPromptFor(c.Metadata.SummaryKind)},
			{Role: provider.RoleUser, Content: fmt.Sprintf("Summarize in at most %d tokens:\n\n%s", maxTokens, renderForSummary(c.Content))},
		},
		MaxTokens: maxTokens,
	}

	resp, err := s.provider.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", provider.NewProviderError(provider.ErrCodeEmptyResponse, "empty summary", s.provider.Name(), true)
	}
	return strings.TrimSpace(resp.Content), nil
}

// wrap keeps message sequences shaped as messages so the owning plugin can
// apply the result to its history directly.
func (s *SummarizeCompactor) wrap(original Content, summary string) Content {
	if seq, ok := original.(Sequence); ok && len(seq) > 0 {
		if _, isMsg := seq[0].(provider.Message); isMsg {
			return Sequence{provider.Message{Role: provider.RoleAssistant, Content: SummaryPrefix + summary}}
		}
	}
	return Text(summary)
}

func (s *SummarizeCompactor) fallback(c Component, targetTokens int, cause error) (Component, error) {
	if s.config.DisableFallback {
		return c, fmt.Errorf("%w: %v", ErrSummaryFailed, cause)
	}
	s.logger.Warn().
		Err(cause).
		Str("component", c.Name).
		Str("reason", string(provider.Classify(cause))).
		Msg("summarize: falling back to truncation")
	return s.truncate.truncate(c, targetTokens), nil
}

func renderForSummary(c Content) string {
	switch v := c.(type) {
	case Text:
		return string(v)
	case Sequence:
		var sb strings.Builder
		for _, item := range v {
			switch it := item.(type) {
			case provider.Message:
				fmt.Fprintf(&sb, "[%s]: %s\n", it.Role, it.Content)
				for _, tc := range it.ToolCalls {
					fmt.Fprintf(&sb, "  -> %s(%s)\n", tc.Name, tc.Arguments)
				}
			case string:
				sb.WriteString(it)
				sb.WriteString("\n")
			default:
				data, _ := json.Marshal(it)
				sb.Write(data)
				sb.WriteString("\n")
			}
		}
		return sb.String()
	case Structured:
		data, err := json.MarshalIndent(v.Value, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v.Value)
		}
		return string(data)
	default:
		return ""
	}
}
