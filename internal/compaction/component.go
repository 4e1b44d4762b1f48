package compaction

// Strategy is the reduction strategy a component asks for.
type Strategy string

// Strategies.
const (
	StrategyTruncate  Strategy = "truncate"
	StrategySummarize Strategy = "summarize"
	StrategyEvict     Strategy = "evict"
)

// SummaryKind selects the system prompt used when summarizing.
type SummaryKind string

// Summary kinds.
const (
	SummaryConversation  SummaryKind = "conversation"
	SummaryToolOutput    SummaryKind = "tool_output"
	SummarySearchResults SummaryKind = "search_results"
	SummaryScrapeResults SummaryKind = "scrape_results"
	SummaryGeneric       SummaryKind = "generic"
)

// Content is the payload of a Component: Text, Sequence or Structured.
type Content interface {
	contentKind() string
}

// Text is plain string content.
type Text string

// Sequence is ordered content; index 0 is the oldest item.
type Sequence []any

// Structured wraps arbitrary JSON-serializable data.
type Structured struct {
	Value any
}

func (Text) contentKind() string       { return "text" }
func (Sequence) contentKind() string   { return "sequence" }
func (Structured) contentKind() string { return "structured" }

// Evictable is implemented by components whose owner performs its own
// eviction (for example a store index). Evict removes up to count entries
// and returns how many were removed; UpdatedContent renders what is left.
type Evictable interface {
	Evict(count int) int
	UpdatedContent() Content
}

// TargetEvictable is an Evictable that can shed entries until its rendered
// size is at or below a token target. It returns the tokens freed.
type TargetEvictable interface {
	Evictable
	EvictTo(targetTokens int, est Estimator) int
}

// Metadata carries reduction hints for a component.
type Metadata struct {
	Strategy    Strategy    `json:"strategy,omitempty"`
	ContentType ContentType `json:"content_type,omitempty"`
	SummaryKind SummaryKind `json:"summary_kind,omitempty"`

	// AvgEntryTokens is the average size of one evictable entry. When zero
	// the evict compactor derives it from the content.
	AvgEntryTokens int `json:"avg_entry_tokens,omitempty"`

	// Evictable is set by owners that handle eviction themselves.
	Evictable Evictable `json:"-"`
}

// Component is one named slice of context owned by a plugin.
// Priority 0 is fixed; larger numbers are compacted first.
type Component struct {
	Name        string   `json:"name"`
	Content     Content  `json:"-"`
	Priority    int      `json:"priority"`
	Compactable bool     `json:"compactable"`
	Metadata    Metadata `json:"metadata"`
}

// IsFixed reports whether the component must always be included in full.
func (c Component) IsFixed() bool {
	return !c.Compactable || c.Priority <= 0
}

// WithContent returns a copy of c carrying content.
func (c Component) WithContent(content Content) Component {
	c.Content = content
	return c
}

// ContentType returns the declared content type, defaulting to mixed.
func (c Component) ContentType() ContentType {
	if c.Metadata.ContentType == "" {
		return ContentMixed
	}
	return c.Metadata.ContentType
}
