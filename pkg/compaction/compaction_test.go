package compaction

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pocketllm/pkg/backend"
	"github.com/go-go-golems/pocketllm/pkg/conversation"
	"github.com/go-go-golems/pocketllm/pkg/store"
)

// summarizerStub returns a fixed summary and records the request it saw.
type summarizerStub struct {
	summary string
	lastReq *backend.Request
}

func (s *summarizerStub) StreamCompletion(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	return s.Complete(ctx, req)
}

func (s *summarizerStub) Complete(_ context.Context, req *backend.Request) (*backend.Response, error) {
	s.lastReq = req
	return &backend.Response{Text: s.summary, StopReason: "stop"}, nil
}

func seedBranch(t *testing.T, s store.Store, convID string, contents []string) []*conversation.Message {
	t.Helper()
	ctx := context.Background()

	var branch []*conversation.Message
	var parent conversation.NodeID
	for i, content := range contents {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		opts := []conversation.MessageOption{}
		if !parent.IsNull() {
			opts = append(opts, conversation.WithParentID(parent))
		}
		msg := conversation.NewMessage(convID, role, content, opts...)
		require.NoError(t, s.InsertMessage(ctx, msg))
		branch = append(branch, msg)
		parent = msg.ID
	}
	return branch
}

func newFixture(t *testing.T) (store.Store, *conversation.Conversation, *Compactor) {
	t.Helper()
	s := store.NewMemoryStore()
	conv := conversation.NewConversation("test")
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return s, conv, NewCompactor(s)
}

func TestEvaluateBelowThreshold(t *testing.T) {
	s, conv, compactor := newFixture(t)
	branch := seedBranch(t, s, conv.ID, []string{"hi", "hello", "how are you", "fine"})

	d, err := compactor.Evaluate(context.Background(), conv.ID, branch, 8192, 0)
	require.NoError(t, err)
	assert.False(t, d.Needed)
	assert.Equal(t, 8192, d.ContextWindow)
	assert.Equal(t, int(8192*ThresholdRatio), d.Threshold)
}

func TestEvaluateContextWindowFallback(t *testing.T) {
	s, conv, compactor := newFixture(t)
	branch := seedBranch(t, s, conv.ID, []string{"hi"})

	// Unknown window, unknown max tokens: 2048 * 4.
	d, err := compactor.Evaluate(context.Background(), conv.ID, branch, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxTokens*ContextWindowMultiplier, d.ContextWindow)

	// Unknown window, explicit max tokens.
	d, err = compactor.Evaluate(context.Background(), conv.ID, branch, 0, 512)
	require.NoError(t, err)
	assert.Equal(t, 512*ContextWindowMultiplier, d.ContextWindow)
}

func TestEvaluateAboveThresholdKeepsTail(t *testing.T) {
	s, conv, compactor := newFixture(t)

	long := strings.Repeat("words and more words ", 50)
	branch := seedBranch(t, s, conv.ID, []string{long, long, long, long, long, long, long, long})

	// Tiny window forces compaction.
	d, err := compactor.Evaluate(context.Background(), conv.ID, branch, 100, 0)
	require.NoError(t, err)
	require.True(t, d.Needed)

	assert.Len(t, d.RetainedTail, RetainedTailMessages)
	assert.Equal(t, branch[len(branch)-RetainedTailMessages].ID, d.InsertBeforeMessageID)
	assert.Equal(t, len(branch)-RetainedTailMessages, d.TotalCompactedCount)
	assert.Len(t, d.NewMessagesToCompact, len(branch)-RetainedTailMessages)
}

func TestEvaluateShortBranchNeverCompacts(t *testing.T) {
	s, conv, compactor := newFixture(t)

	long := strings.Repeat("x", 4000)
	branch := seedBranch(t, s, conv.ID, []string{long, long, long, long})

	d, err := compactor.Evaluate(context.Background(), conv.ID, branch, 100, 0)
	require.NoError(t, err)
	assert.False(t, d.Needed)
}

func TestEvaluateIncrementalSkipsCoveredPrefix(t *testing.T) {
	s, conv, compactor := newFixture(t)

	long := strings.Repeat("words and more words ", 50)
	branch := seedBranch(t, s, conv.ID, []string{long, long, long, long, long, long, long, long})

	prior := &conversation.CompactionSummary{
		ID:                      "sum-1",
		ConversationID:          conv.ID,
		Summary:                 "earlier summary",
		CompactedMessageCount:   2,
		InsertedBeforeMessageID: branch[2].ID,
	}
	require.NoError(t, s.InsertSummary(context.Background(), prior))

	d, err := compactor.Evaluate(context.Background(), conv.ID, branch, 100, 0)
	require.NoError(t, err)
	require.True(t, d.Needed)

	// Only messages after the covered prefix go to the summarizer.
	assert.Len(t, d.NewMessagesToCompact, len(branch)-RetainedTailMessages-2)
	assert.Equal(t, branch[2].ID, d.NewMessagesToCompact[0].ID)
	// But the new summary covers everything outside the tail.
	assert.Equal(t, len(branch)-RetainedTailMessages, d.TotalCompactedCount)
	require.NotNil(t, d.Prior)
	assert.Equal(t, "earlier summary", d.Prior.Summary)
}

func TestBuildPromptFirstSummary(t *testing.T) {
	msgs := []*conversation.Message{
		conversation.NewMessage("c", conversation.RoleUser, "first question"),
		conversation.NewMessage("c", conversation.RoleAssistant, "first answer"),
	}

	prompt := BuildPrompt(msgs, "")
	require.Len(t, prompt, 2)
	assert.Equal(t, conversation.RoleSystem, prompt[0].Role)
	assert.Contains(t, prompt[0].Content, "Summarize the ENTIRE following conversation")
	assert.Contains(t, prompt[0].Content, "no preamble")
	assert.Equal(t, conversation.RoleUser, prompt[1].Role)
	assert.Equal(t, "user: first question\nassistant: first answer", prompt[1].Content)
}

func TestBuildPromptIncremental(t *testing.T) {
	msgs := []*conversation.Message{
		conversation.NewMessage("c", conversation.RoleUser, "newer question"),
	}

	prompt := BuildPrompt(msgs, "the old summary")
	require.Len(t, prompt, 2)
	assert.Contains(t, prompt[0].Content, "integrates BOTH the existing summary AND the new messages")
	assert.Contains(t, prompt[1].Content, "EXISTING SUMMARY:\nthe old summary")
	assert.Contains(t, prompt[1].Content, "NEW MESSAGES:\nuser: newer question")
}

func TestRunPersistsSummary(t *testing.T) {
	s, conv, compactor := newFixture(t)

	long := strings.Repeat("words and more words ", 50)
	branch := seedBranch(t, s, conv.ID, []string{long, long, long, long, long, long})

	d, err := compactor.Evaluate(context.Background(), conv.ID, branch, 100, 0)
	require.NoError(t, err)
	require.True(t, d.Needed)

	stub := &summarizerStub{summary: "it was a long chat"}
	summary, err := compactor.Run(context.Background(), stub, "test-model", conv.ID, d)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "it was a long chat", summary.Summary)
	assert.Equal(t, d.TotalCompactedCount, summary.CompactedMessageCount)
	assert.Equal(t, d.InsertBeforeMessageID, summary.InsertedBeforeMessageID)

	// The summarizer runs at low temperature with its own token budget.
	require.NotNil(t, stub.lastReq)
	assert.InDelta(t, summaryTemperature, stub.lastReq.Params.Temperature, 1e-9)
	assert.Equal(t, summaryMaxTokens, stub.lastReq.Params.MaxTokens)

	stored, err := s.LatestSummary(context.Background(), conv.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "it was a long chat", stored.Summary)
}

func TestRunEmptySummaryIsSkipped(t *testing.T) {
	s, conv, compactor := newFixture(t)

	long := strings.Repeat("words and more words ", 50)
	branch := seedBranch(t, s, conv.ID, []string{long, long, long, long, long, long})

	d, err := compactor.Evaluate(context.Background(), conv.ID, branch, 100, 0)
	require.NoError(t, err)

	stub := &summarizerStub{summary: "   "}
	summary, err := compactor.Run(context.Background(), stub, "test-model", conv.ID, d)
	require.NoError(t, err)
	assert.Nil(t, summary)

	stored, err := s.LatestSummary(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSummaryContextMessage(t *testing.T) {
	msg := SummaryContextMessage("what happened before")
	assert.Equal(t, conversation.RoleSystem, msg.Role)
	assert.Equal(t, "Previous conversation summary: what happened before", msg.Content)
}
