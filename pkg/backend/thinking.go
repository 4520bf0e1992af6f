package backend

import (
	"regexp"
	"strings"
)

var thinkTagPattern = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// SplitThinking extracts the first <think>...</think> span from text.
// Models that do not expose a separate reasoning channel emit their chain of
// thought inline; the span is removed from the visible content and returned
// separately, trimmed. Text without the tags is returned unchanged with an
// empty thinking string.
func SplitThinking(text string) (content string, thinking string) {
	m := thinkTagPattern.FindStringSubmatchIndex(text)
	if m == nil {
		return text, ""
	}
	thinking = strings.TrimSpace(text[m[2]:m[3]])
	content = text[:m[0]] + text[m[1]:]
	return content, thinking
}
