// Package tokens provides a cheap, deterministic token-count approximation
// used for compaction decisions. It is intentionally an approximation, not an
// exact tokenization: four characters per token plus a small per-message
// overhead is close enough to decide when history needs to be compacted, and
// it requires no model or vocabulary dependency.
package tokens

import "github.com/go-go-golems/pocketllm/pkg/conversation"

const (
	CharsPerToken      = 4
	PerMessageOverhead = 4
)

// Estimate approximates the token count of a text as
// ceil(len(text) / CharsPerToken).
func Estimate(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessages approximates the token count of a message list, adding
// PerMessageOverhead per message for role and formatting.
func EstimateMessages(messages []*conversation.Message) int {
	total := 0
	for _, msg := range messages {
		total += Estimate(msg.Content) + PerMessageOverhead
	}
	return total
}
