package plugin

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// DefaultMaxToolResultBytes caps a single tool result entering the
// conversation. Stale or accumulated results are moved out later by the
// tool-result tracker; this cap only handles one result that is too large on
// arrival.
const DefaultMaxToolResultBytes = 65536

var (
	// inline data URIs: data:...;base64,...
	dataURIPattern = regexp.MustCompile(`data:[a-zA-Z0-9+/=\-]+;base64,[A-Za-z0-9+/=]{64,}`)

	// hex runs of 256 characters or more
	hexRunPattern = regexp.MustCompile(`[0-9a-fA-F]{256,}`)
)

// CapToolResult fits content into roughly maxBytes. Binary-looking payloads
// are dropped first; if that is not enough the middle of the output is cut,
// keeping 40% of the budget from each end. When spillKey is set the cut
// notice names the working-memory key that holds the uncut output.
//
// Content within maxBytes, or any content when maxBytes <= 0, is returned
// unchanged.
func CapToolResult(content string, maxBytes int, spillKey string) string {
	if maxBytes <= 0 || len(content) <= maxBytes {
		return content
	}

	for _, strip := range []func(string) string{dropDataURIs, dropHexRuns} {
		content = strip(content)
		if len(content) <= maxBytes {
			return content
		}
	}

	keep := maxBytes * 2 / 5
	head := runeFloor(content, keep)
	tail := runeCeil(content, len(content)-keep)
	if head >= tail {
		return content
	}
	return content[:head] + cutNotice(tail-head, spillKey) + content[tail:]
}

func cutNotice(omitted int, spillKey string) string {
	if spillKey == "" {
		return fmt.Sprintf("\n\n[... %d bytes omitted ...]\n\n", omitted)
	}
	return fmt.Sprintf("\n\n[... %d bytes omitted; retrieve %q from working memory for the full output ...]\n\n", omitted, spillKey)
}

func dropDataURIs(s string) string {
	return dataURIPattern.ReplaceAllStringFunc(s, func(m string) string {
		return fmt.Sprintf("[inline base64 omitted, %d bytes]", len(m))
	})
}

func dropHexRuns(s string) string {
	return hexRunPattern.ReplaceAllStringFunc(s, func(m string) string {
		return fmt.Sprintf("[hex data omitted, %d bytes]", len(m))
	})
}

// runeFloor moves i back to the start of the rune containing it.
func runeFloor(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil moves i forward to the next rune start.
func runeCeil(s string, i int) int {
	for i < len(s) && i > 0 && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
