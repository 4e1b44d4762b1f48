package compaction

const conversationSummaryPrompt = `You compress conversation history for an AI agent that will continue the conversation. Preserve:
1. The user's goals and any constraints they stated
2. Decisions made and conclusions reached
3. Facts, identifiers, file paths and numbers that later turns may need
4. Pending tasks and open questions
Omit greetings, repetition and reasoning that led nowhere. Write in terse bullet points.`

const toolOutputSummaryPrompt = `You compress raw tool output for an AI agent. Keep exact values the agent may act on: identifiers, paths, error messages, counts, status codes. Drop boilerplate, progress noise and repeated lines. If the output is an error, keep the error verbatim.`

const searchResultsSummaryPrompt = `You compress search results for an AI agent. For each relevant result keep the title, the URL or location, and one line on why it matters. Drop results that are duplicates or clearly irrelevant.`

const scrapeResultsSummaryPrompt = `You compress scraped web page content for an AI agent. Keep the page's main claims, data points, dates and named entities. Drop navigation, ads, cookie banners and unrelated sections.`

const genericSummaryPrompt = `Summarize the following content concisely for an AI agent, preserving every fact, identifier and decision that could be needed later.`

// SystemPromptFor returns the summarization system prompt for kind.
func SystemPromptFor(kind SummaryKind) string {
	switch kind {
	case SummaryConversation:
		return conversationSummaryPrompt
	case SummaryToolOutput:
		return toolOutputSummaryPrompt
	case SummarySearchResults:
		return searchResultsSummaryPrompt
	case SummaryScrapeResults:
		return scrapeResultsSummaryPrompt
	default:
		return genericSummaryPrompt
	}
}
