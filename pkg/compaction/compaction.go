package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pocketllm/pkg/backend"
	"github.com/go-go-golems/pocketllm/pkg/conversation"
	"github.com/go-go-golems/pocketllm/pkg/store"
	"github.com/go-go-golems/pocketllm/pkg/tokens"
)

const (
	// ThresholdRatio of the context window at which compaction kicks in.
	ThresholdRatio = 0.75
	// RetainedTailMessages are always kept verbatim at the end of the branch.
	RetainedTailMessages = 4
	// DefaultMaxTokens stands in when neither the conversation nor the model
	// specify a completion budget.
	DefaultMaxTokens = 2048
	// ContextWindowMultiplier derives an assumed window from MaxTokens when
	// the window itself is unknown.
	ContextWindowMultiplier = 4

	summaryTemperature = 0.3
	summaryMaxTokens   = 2048
)

// Compactor decides when a conversation branch has outgrown its context
// window and produces incremental summaries to shrink it. Summaries stack:
// each new one integrates the previous summary plus the messages generated
// since, so the summarizer never re-reads the whole history.
type Compactor struct {
	store store.Store
}

func NewCompactor(s store.Store) *Compactor {
	return &Compactor{store: s}
}

// Decision is the outcome of evaluating a branch against the window.
type Decision struct {
	Needed bool

	ContextWindow   int
	EstimatedTokens int
	Threshold       int

	// NewMessagesToCompact is only the portion not covered by the prior
	// summary, minus the retained tail.
	NewMessagesToCompact []*conversation.Message
	// TotalCompactedCount is how many branch messages the next summary will
	// cover in total, including those already covered by the prior one.
	TotalCompactedCount   int
	InsertBeforeMessageID conversation.NodeID
	RetainedTail          []*conversation.Message

	Prior *conversation.CompactionSummary
}

// Evaluate estimates the branch's token footprint, counting the prior
// summary in place of the messages it covers, and reports whether the total
// exceeds ThresholdRatio of the context window. contextWindow of 0 falls
// back to maxTokens * ContextWindowMultiplier.
func (c *Compactor) Evaluate(
	ctx context.Context,
	conversationID string,
	branch []*conversation.Message,
	contextWindow int,
	maxTokens int,
) (*Decision, error) {
	if contextWindow == 0 {
		if maxTokens == 0 {
			maxTokens = DefaultMaxTokens
		}
		contextWindow = maxTokens * ContextWindowMultiplier
	}

	prior, err := c.store.LatestSummary(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	lastCompactedCount := 0
	if prior != nil {
		lastCompactedCount = prior.CompactedMessageCount
	}
	uncompacted := branch
	if lastCompactedCount > 0 && lastCompactedCount < len(branch) {
		uncompacted = branch[lastCompactedCount:]
	}

	estimated := estimateMessages(uncompacted)
	if prior != nil {
		estimated += tokens.Estimate(prior.Summary)
	}
	threshold := int(float64(contextWindow) * ThresholdRatio)

	d := &Decision{
		ContextWindow:   contextWindow,
		EstimatedTokens: estimated,
		Threshold:       threshold,
		Prior:           prior,
	}
	if estimated <= threshold || len(branch) <= RetainedTailMessages {
		return d, nil
	}

	d.Needed = true
	d.RetainedTail = branch[len(branch)-RetainedTailMessages:]
	d.InsertBeforeMessageID = d.RetainedTail[0].ID
	d.TotalCompactedCount = len(branch) - RetainedTailMessages

	head := len(branch) - RetainedTailMessages
	if lastCompactedCount > 0 && lastCompactedCount < head {
		d.NewMessagesToCompact = branch[lastCompactedCount:head]
	} else {
		d.NewMessagesToCompact = branch[:head]
	}
	return d, nil
}

// Run asks the summarizer engine for a summary per the decision, persists it
// and returns it. A nil summary with nil error means there was nothing to
// compact or the summarizer produced no text; callers then proceed with the
// uncompacted branch.
func (c *Compactor) Run(
	ctx context.Context,
	engine backend.Engine,
	model string,
	conversationID string,
	d *Decision,
) (*conversation.CompactionSummary, error) {
	if len(d.NewMessagesToCompact) == 0 && d.Prior == nil {
		return nil, nil
	}

	priorSummary := ""
	if d.Prior != nil {
		priorSummary = d.Prior.Summary
	}

	req := &backend.Request{
		Model:    model,
		Messages: BuildPrompt(d.NewMessagesToCompact, priorSummary),
		Params: backend.GenerationParams{
			Temperature: summaryTemperature,
			MaxTokens:   summaryMaxTokens,
		},
	}

	resp, err := engine.Complete(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "summarization request failed")
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		log.Warn().Str("conversation_id", conversationID).Msg("summarizer returned empty text, skipping compaction")
		return nil, nil
	}

	summary := &conversation.CompactionSummary{
		ID:                      uuid.NewString(),
		ConversationID:          conversationID,
		Summary:                 text,
		CompactedMessageCount:   d.TotalCompactedCount,
		InsertedBeforeMessageID: d.InsertBeforeMessageID,
		CreatedAt:               time.Now(),
	}
	if err := c.store.InsertSummary(ctx, summary); err != nil {
		return nil, err
	}

	log.Info().
		Str("conversation_id", conversationID).
		Int("compacted_count", summary.CompactedMessageCount).
		Int("summary_tokens", tokens.Estimate(text)).
		Msg("conversation compacted")
	return summary, nil
}

// BuildPrompt assembles the summarizer request. With a prior summary the
// model is asked to integrate it with the new messages; without one it
// summarizes from scratch.
func BuildPrompt(newMessages []*conversation.Message, priorSummary string) []backend.ChatMessage {
	lines := make([]string, 0, len(newMessages))
	for _, msg := range newMessages {
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
	}
	newText := strings.Join(lines, "\n")

	if priorSummary != "" {
		return []backend.ChatMessage{
			{
				Role: conversation.RoleSystem,
				Content: "You have an existing summary of an earlier portion of a conversation. New messages have occurred since that summary. " +
					"Produce an updated summary that integrates BOTH the existing summary AND the new messages. " +
					"Cover every topic, key fact, decision, and piece of content. Organize chronologically. " +
					"The summary must preserve enough context to continue the conversation coherently. " +
					"Respond with only the updated summary, no preamble.",
			},
			{
				Role:    conversation.RoleUser,
				Content: fmt.Sprintf("EXISTING SUMMARY:\n%s\n\nNEW MESSAGES:\n%s", priorSummary, newText),
			},
		}
	}

	return []backend.ChatMessage{
		{
			Role: conversation.RoleSystem,
			Content: "Summarize the ENTIRE following conversation from beginning to end. " +
				"Cover every topic, key fact, decision, and piece of content discussed — do not focus only on recent messages. " +
				"Organize chronologically. The summary must preserve enough context to continue the conversation coherently. " +
				"Respond with only the summary, no preamble.",
		},
		{
			Role:    conversation.RoleUser,
			Content: newText,
		},
	}
}

// SummaryContextMessage is the synthetic system message that stands in for
// the compacted prefix when building a request.
func SummaryContextMessage(summary string) backend.ChatMessage {
	return backend.ChatMessage{
		Role:    conversation.RoleSystem,
		Content: "Previous conversation summary: " + summary,
	}
}

func estimateMessages(msgs []*conversation.Message) int {
	total := 0
	for _, msg := range msgs {
		total += tokens.Estimate(msg.Content) + tokens.PerMessageOverhead
	}
	return total
}
