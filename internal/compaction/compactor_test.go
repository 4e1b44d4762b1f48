package compaction

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func textComponent(text string, strategy Strategy) Component {
	return Component{
		Name:        "notes",
		Content:     Text(text),
		Priority:    5,
		Compactable: true,
		Metadata:    Metadata{Strategy: strategy, ContentType: ContentProse},
	}
}

func TestSelect(t *testing.T) {
	truncate := NewTruncateCompactor(nil, DefaultConfig())
	summarize := NewSummarizeCompactor(DefaultConfig(), nil, nil, nopLogger())
	compactors := []Compactor{summarize, truncate}

	if got := Select(compactors, textComponent("x", StrategyTruncate)); got != truncate {
		t.Errorf("expected truncate compactor, got %v", got)
	}
	if got := Select(compactors, textComponent("x", StrategySummarize)); got != summarize {
		t.Errorf("expected summarize compactor, got %v", got)
	}
	if got := Select(compactors, textComponent("x", StrategyEvict)); got != nil {
		t.Errorf("expected no compactor for evict without Evictable, got %v", got)
	}
	fixed := textComponent("x", StrategyTruncate)
	fixed.Compactable = false
	if got := Select(compactors, fixed); got != nil {
		t.Errorf("expected no compactor for fixed component, got %v", got)
	}
}

func TestTruncateCompactor_UnderTargetUnchanged(t *testing.T) {
	tr := NewTruncateCompactor(nil, DefaultConfig())

	tests := []struct {
		name string
		c    Component
	}{
		{"text", textComponent(strings.Repeat("a", 40), StrategyTruncate)},
		{"sequence", Component{
			Name: "seq", Content: Sequence{"aaaa", "bbbb"}, Priority: 5, Compactable: true,
			Metadata: Metadata{Strategy: StrategyTruncate, ContentType: ContentProse},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.Compact(context.Background(), tt.c, 10)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.c) {
				t.Errorf("component changed: got %+v, want %+v", got, tt.c)
			}
		})
	}
}

func TestTruncateCompactor_Text(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TruncationMarker = "[cut]"
	tr := NewTruncateCompactor(nil, cfg)
	tc := NewTokenCounter()

	c := textComponent(strings.Repeat("abcd", 100), StrategyTruncate) // 100 prose tokens
	got, err := tr.Compact(context.Background(), c, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := string(got.Content.(Text))
	if !strings.HasSuffix(text, "[cut]") {
		t.Errorf("expected truncation marker, got %q", text)
	}
	if len(text) != 40 {
		t.Errorf("expected 40 chars (35 kept + marker), got %d", len(text))
	}
	if est := tc.EstimateTokens(text, ContentProse); est > 10 {
		t.Errorf("truncated text estimates %d tokens, want <= 10", est)
	}
}

func TestTruncateCompactor_TextRuneBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TruncationMarker = "~"
	tr := NewTruncateCompactor(nil, cfg)

	c := textComponent(strings.Repeat("你好", 50), StrategyTruncate)
	got, _ := tr.Compact(context.Background(), c, 2)
	text := string(got.Content.(Text))
	if !strings.HasSuffix(text, "~") {
		t.Fatalf("expected marker, got %q", text)
	}
	if !strings.HasPrefix(strings.Repeat("你好", 50), strings.TrimSuffix(text, "~")) {
		t.Errorf("cut split a rune: %q", text)
	}
}

func TestTruncateCompactor_SequenceKeepsNewest(t *testing.T) {
	tr := NewTruncateCompactor(nil, DefaultConfig())
	c := Component{
		Name:        "history",
		Content:     Sequence{"oldest__", "middle__", "newest__"}, // 2 prose tokens each
		Priority:    5,
		Compactable: true,
		Metadata:    Metadata{Strategy: StrategyTruncate, ContentType: ContentProse},
	}

	got, err := tr.Compact(context.Background(), c, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seq := got.Content.(Sequence)
	want := Sequence{"middle__", "newest__"}
	if !reflect.DeepEqual(seq, want) {
		t.Errorf("got %v, want %v", seq, want)
	}
	// The original must not be mutated.
	if len(c.Content.(Sequence)) != 3 {
		t.Error("original sequence was modified")
	}
}

func TestTruncateCompactor_ZeroTarget(t *testing.T) {
	tr := NewTruncateCompactor(nil, DefaultConfig())
	got, _ := tr.Compact(context.Background(), textComponent("some text here", StrategyTruncate), 0)
	if got.Content.(Text) != "" {
		t.Errorf("expected empty text, got %q", got.Content)
	}
}

func TestTruncateCompactor_TargetSmallerThanMarker(t *testing.T) {
	tr := NewTruncateCompactor(nil, DefaultConfig())
	c := textComponent(strings.Repeat("x", 400), StrategyTruncate)

	got, _ := tr.Compact(context.Background(), c, 3) // 12 prose chars
	text := string(got.Content.(Text))
	if text == "" {
		t.Fatal("truncation left no marker")
	}
	if !strings.HasPrefix(strings.TrimSpace(DefaultTruncationMarker), text) {
		t.Errorf("expected a marker prefix, got %q", text)
	}
	if len(text) > 12 {
		t.Errorf("marker exceeds the budget: %d chars", len(text))
	}
}

func TestTruncateCompactor_Structured(t *testing.T) {
	tr := NewTruncateCompactor(nil, DefaultConfig())
	c := Component{
		Name:        "state",
		Content:     Structured{Value: map[string]string{"k": strings.Repeat("v", 2000)}},
		Priority:    3,
		Compactable: true,
		Metadata:    Metadata{Strategy: StrategyTruncate},
	}
	got, _ := tr.Compact(context.Background(), c, 100)
	if _, ok := got.Content.(Text); !ok {
		t.Fatalf("expected structured content to become text, got %T", got.Content)
	}
	if est := NewTokenCounter().EstimateContent(got.Content, ContentMixed); est > 100 {
		t.Errorf("estimate %d exceeds target", est)
	}
}
