package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pocketllm/pkg/backend"
	"github.com/go-go-golems/pocketllm/pkg/conversation"
	"github.com/go-go-golems/pocketllm/pkg/events"
	"github.com/go-go-golems/pocketllm/pkg/store"
	"github.com/go-go-golems/pocketllm/pkg/tools"
)

// scriptedEngine plays back a fixed sequence of responses, one per
// StreamCompletion call, publishing partial and final events the way a real
// engine would.
type scriptedEngine struct {
	responses []*backend.Response
	requests  []*backend.Request
	// block makes StreamCompletion wait for cancellation instead of
	// answering.
	block bool
	// started is closed once the first StreamCompletion call is underway.
	started chan struct{}
}

func newScriptedEngine(responses ...*backend.Response) *scriptedEngine {
	return &scriptedEngine{responses: responses, started: make(chan struct{})}
}

func (s *scriptedEngine) StreamCompletion(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	if len(s.requests) == 0 {
		close(s.started)
	}
	s.requests = append(s.requests, req)

	if s.block {
		<-ctx.Done()
		_ = events.PublishEventToContext(ctx, events.NewInterruptEvent(req.Metadata, ""))
		return nil, backend.ErrCancelled
	}

	if len(s.responses) == 0 {
		return nil, backend.ErrBackendUnavailable
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]

	_ = events.PublishEventToContext(ctx, events.NewStartEvent(req.Metadata))
	if resp.Text != "" {
		_ = events.PublishEventToContext(ctx, events.NewPartialCompletionEvent(req.Metadata, resp.Text, resp.Text))
	}
	if len(resp.ToolCalls) == 0 {
		_ = events.PublishEventToContext(ctx, events.NewFinalEvent(req.Metadata, resp.Text))
	}
	return resp, nil
}

func (s *scriptedEngine) Complete(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	return s.StreamCompletion(ctx, req)
}

func newFixture(t *testing.T) (store.Store, *conversation.Conversation) {
	t.Helper()
	s := store.NewMemoryStore()
	conv := conversation.NewConversation("")
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return s, conv
}

func sendOpts(engine backend.Engine) SendOptions {
	return SendOptions{
		Engine:    engine,
		BackendID: "remote",
		ModelID:   "test-model",
	}
}

func drain(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var ret []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return ret
			}
			ret = append(ret, event)
		case <-timeout:
			t.Fatal("event channel did not close")
		}
	}
}

func TestSendMessagePersistsTurn(t *testing.T) {
	s, conv := newFixture(t)
	engine := newScriptedEngine(&backend.Response{
		Text:       "Hello world!",
		StopReason: "stop",
		Usage:      &conversation.TokenUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	})
	manager := NewManager(s, nil)

	ch, err := manager.SendMessage(context.Background(), conv.ID, "say hello", sendOpts(engine))
	require.NoError(t, err)
	collected := drain(t, ch)

	sawFinal := false
	for _, event := range collected {
		if event.Type() == events.EventTypeFinal {
			sawFinal = true
		}
	}
	assert.True(t, sawFinal)

	ctx := context.Background()
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.False(t, got.ActiveLeafMessageID.IsNull())
	assert.Equal(t, "say hello", got.Title)
	assert.Equal(t, "remote", got.LastBackendID)
	assert.Equal(t, "test-model", got.LastModelID)

	branch, err := s.ActiveBranch(ctx, got.ActiveLeafMessageID)
	require.NoError(t, err)
	require.Len(t, branch, 2)
	assert.Equal(t, conversation.RoleUser, branch[0].Role)
	assert.Equal(t, "say hello", branch[0].Content)
	assert.Equal(t, conversation.RoleAssistant, branch[1].Role)
	assert.Equal(t, "Hello world!", branch[1].Content)
	require.NotNil(t, branch[1].Usage)
	assert.Equal(t, 8, branch[1].Usage.TotalTokens)

	// The terminal final event carries the persisted assistant message.
	var finals []*events.EventFinal
	for _, event := range collected {
		if f, ok := event.(*events.EventFinal); ok {
			finals = append(finals, f)
		}
	}
	require.NotEmpty(t, finals)
	persisted, ok := finals[len(finals)-1].Message.(*conversation.Message)
	require.True(t, ok, "last final event must carry the persisted message")
	assert.Equal(t, branch[1].ID, persisted.ID)
	assert.Equal(t, "Hello world!", persisted.Content)
}

func TestSendMessageSplicesPriorSummary(t *testing.T) {
	s, conv := newFixture(t)
	ctx := context.Background()

	var parent conversation.NodeID
	var msgs []*conversation.Message
	for i := 0; i < 6; i++ {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		var mo []conversation.MessageOption
		if !parent.IsNull() {
			mo = append(mo, conversation.WithParentID(parent))
		}
		msg := conversation.NewMessage(conv.ID, role, fmt.Sprintf("message %d", i), mo...)
		require.NoError(t, s.InsertMessage(ctx, msg))
		parent = msg.ID
		msgs = append(msgs, msg)
	}
	require.NoError(t, s.UpdateActiveLeaf(ctx, conv.ID, parent))

	require.NoError(t, s.InsertSummary(ctx, &conversation.CompactionSummary{
		ID:                      uuid.NewString(),
		ConversationID:          conv.ID,
		Summary:                 "old ground",
		CompactedMessageCount:   2,
		InsertedBeforeMessageID: msgs[2].ID,
		CreatedAt:               time.Now(),
	}))

	engine := newScriptedEngine(&backend.Response{Text: "fresh answer", StopReason: "stop"})
	manager := NewManager(s, nil)

	ch, err := manager.SendMessage(ctx, conv.ID, "next question", sendOpts(engine))
	require.NoError(t, err)
	drain(t, ch)

	// Even without a fresh compaction, the compacted prefix must never
	// travel again: summary header, then the branch minus its first two
	// messages, then the new user message.
	require.Len(t, engine.requests, 1)
	sent := engine.requests[0].Messages
	require.Len(t, sent, 6)
	assert.Equal(t, conversation.RoleSystem, sent[0].Role)
	assert.Equal(t, "Previous conversation summary: old ground", sent[0].Content)
	assert.Equal(t, "message 2", sent[1].Content)
	assert.Equal(t, "next question", sent[len(sent)-1].Content)
}

func TestSendMessageRejectsConcurrentTurn(t *testing.T) {
	s, conv := newFixture(t)
	engine := newScriptedEngine()
	engine.block = true
	manager := NewManager(s, nil)

	ch, err := manager.SendMessage(context.Background(), conv.ID, "first", sendOpts(engine))
	require.NoError(t, err)
	<-engine.started

	_, err = manager.SendMessage(context.Background(), conv.ID, "second", sendOpts(engine))
	assert.ErrorIs(t, err, ErrTurnInProgress)

	require.True(t, manager.StopGeneration(conv.ID))
	drain(t, ch)

	// The slot frees up once the turn ends.
	assert.False(t, manager.StopGeneration(conv.ID))
}

func TestSendMessageCancellationRestoresLeaf(t *testing.T) {
	s, conv := newFixture(t)

	// Establish a committed turn first so there is a leaf to restore.
	first := newScriptedEngine(&backend.Response{Text: "committed", StopReason: "stop"})
	manager := NewManager(s, nil)
	ch, err := manager.SendMessage(context.Background(), conv.ID, "question one", sendOpts(first))
	require.NoError(t, err)
	drain(t, ch)

	got, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	preTurnLeaf := got.ActiveLeafMessageID
	require.False(t, preTurnLeaf.IsNull())

	blocking := newScriptedEngine()
	blocking.block = true
	ch, err = manager.SendMessage(context.Background(), conv.ID, "question two", sendOpts(blocking))
	require.NoError(t, err)
	<-blocking.started
	require.True(t, manager.StopGeneration(conv.ID))
	drain(t, ch)

	got, err = s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, preTurnLeaf, got.ActiveLeafMessageID, "active leaf must roll back after cancellation")

	// No assistant response was persisted; the cancelled user message stays
	// behind as an inactive branch.
	branch, err := s.ActiveBranch(context.Background(), got.ActiveLeafMessageID)
	require.NoError(t, err)
	assert.Len(t, branch, 2)
	children, err := s.ChildrenOf(context.Background(), preTurnLeaf)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "question two", children[0].Content)
	assert.Equal(t, 0, children[0].ChildCount)
}

func TestSendMessageRegenerates(t *testing.T) {
	s, conv := newFixture(t)
	manager := NewManager(s, nil)

	first := newScriptedEngine(&backend.Response{Text: "take one", StopReason: "stop"})
	ch, err := manager.SendMessage(context.Background(), conv.ID, "a question", sendOpts(first))
	require.NoError(t, err)
	drain(t, ch)

	got, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	firstAnswer, err := s.GetMessage(context.Background(), got.ActiveLeafMessageID)
	require.NoError(t, err)
	userMsgID := firstAnswer.ParentID

	// Point the leaf back at the user message, then regenerate.
	require.NoError(t, s.UpdateActiveLeaf(context.Background(), conv.ID, userMsgID))

	second := newScriptedEngine(&backend.Response{Text: "take two", StopReason: "stop"})
	ch, err = manager.SendMessage(context.Background(), conv.ID, "", sendOpts(second))
	require.NoError(t, err)
	drain(t, ch)

	// No new user message was created.
	require.Len(t, second.requests, 1)
	lastUser := second.requests[0].Messages[len(second.requests[0].Messages)-1]
	assert.Equal(t, conversation.RoleUser, lastUser.Role)
	assert.Equal(t, "a question", lastUser.Content)

	// Both answers branch off the same user message.
	children, err := s.ChildrenOf(context.Background(), userMsgID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "take one", children[0].Content)
	assert.Equal(t, "take two", children[1].Content)

	got, err = s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, children[1].ID, got.ActiveLeafMessageID)
}

func TestSendMessageRegenerateWithoutLeafFails(t *testing.T) {
	s, conv := newFixture(t)
	manager := NewManager(s, nil)

	ch, err := manager.SendMessage(context.Background(), conv.ID, "", sendOpts(newScriptedEngine()))
	require.NoError(t, err)

	collected := drain(t, ch)
	require.NotEmpty(t, collected)
	errEvent, ok := collected[len(collected)-1].(*events.EventError)
	require.True(t, ok)
	assert.Contains(t, errEvent.ErrorString, "nothing to regenerate")
}

func setupToolFixture(t *testing.T) (store.Store, *conversation.Conversation, tools.Registry) {
	t.Helper()
	s, conv := newFixture(t)

	registry, err := tools.NewBuiltinRegistry()
	require.NoError(t, err)
	defs, err := tools.BuiltinDefinitions()
	require.NoError(t, err)
	for _, def := range defs {
		require.NoError(t, s.UpsertToolDefinition(context.Background(), def))
	}
	return s, conv, registry
}

func TestSendMessageRunsToolLoop(t *testing.T) {
	s, conv, registry := setupToolFixture(t)

	engine := newScriptedEngine(
		&backend.Response{
			StopReason: "tool_calls",
			ToolCalls: []conversation.ToolCall{
				{ID: "call-1", Name: "calculator", Arguments: `{"expression":"6*7"}`},
			},
		},
		&backend.Response{Text: "The answer is 42.", StopReason: "stop"},
	)
	manager := NewManager(s, registry)

	ch, err := manager.SendMessage(context.Background(), conv.ID, "what is 6*7?", sendOpts(engine))
	require.NoError(t, err)
	collected := drain(t, ch)

	var toolResult *events.EventToolCallExecutionResult
	for _, event := range collected {
		if tr, ok := event.(*events.EventToolCallExecutionResult); ok {
			toolResult = tr
		}
	}
	require.NotNil(t, toolResult)
	assert.Equal(t, "42", toolResult.ToolResult.Result)

	got, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	branch, err := s.ActiveBranch(context.Background(), got.ActiveLeafMessageID)
	require.NoError(t, err)
	require.Len(t, branch, 4)
	assert.Equal(t, conversation.RoleUser, branch[0].Role)
	assert.Equal(t, conversation.RoleAssistant, branch[1].Role)
	require.Len(t, branch[1].ToolCalls, 1)
	assert.Equal(t, conversation.RoleTool, branch[2].Role)
	assert.Equal(t, "42", branch[2].Content)
	assert.Equal(t, "call-1", branch[2].ToolCallID)
	assert.Equal(t, conversation.RoleAssistant, branch[3].Role)
	assert.Equal(t, "The answer is 42.", branch[3].Content)

	// Round two carried the tool exchange back to the model.
	require.Len(t, engine.requests, 2)
	msgs := engine.requests[1].Messages
	assert.Equal(t, conversation.RoleTool, msgs[len(msgs)-1].Role)
	assert.Equal(t, "42", msgs[len(msgs)-1].Content)

	// The first request advertised the built-in tools.
	assert.NotEmpty(t, engine.requests[0].Tools)
}

func TestSendMessageUnknownToolBecomesErrorResult(t *testing.T) {
	s, conv, registry := setupToolFixture(t)

	engine := newScriptedEngine(
		&backend.Response{
			StopReason: "tool_calls",
			ToolCalls: []conversation.ToolCall{
				{ID: "call-1", Name: "no_such_tool", Arguments: `{}`},
			},
		},
		&backend.Response{Text: "I could not use that tool.", StopReason: "stop"},
	)
	manager := NewManager(s, registry)

	ch, err := manager.SendMessage(context.Background(), conv.ID, "use a tool", sendOpts(engine))
	require.NoError(t, err)
	drain(t, ch)

	got, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	branch, err := s.ActiveBranch(context.Background(), got.ActiveLeafMessageID)
	require.NoError(t, err)
	require.Len(t, branch, 4)
	assert.Equal(t, conversation.RoleTool, branch[2].Role)
	assert.True(t, strings.HasPrefix(branch[2].Content, "Error"), "tool failure must surface as a textual result")
}

func TestSendMessageDeniedToolCall(t *testing.T) {
	s, conv, registry := setupToolFixture(t)

	engine := newScriptedEngine(
		&backend.Response{
			StopReason: "tool_calls",
			ToolCalls: []conversation.ToolCall{
				{ID: "call-1", Name: "calculator", Arguments: `{"expression":"1+1"}`},
			},
		},
		&backend.Response{Text: "understood", StopReason: "stop"},
	)
	manager := NewManager(s, registry, WithApproval(func(_ context.Context, _ tools.Call) bool {
		return false
	}))

	ch, err := manager.SendMessage(context.Background(), conv.ID, "calculate", sendOpts(engine))
	require.NoError(t, err)
	drain(t, ch)

	got, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	branch, err := s.ActiveBranch(context.Background(), got.ActiveLeafMessageID)
	require.NoError(t, err)
	require.Len(t, branch, 4)
	assert.Equal(t, "Error: tool call was not approved", branch[2].Content)
}

func TestSendMessageToolLoopCap(t *testing.T) {
	s, conv, registry := setupToolFixture(t)

	// The model never stops asking for tools.
	responses := make([]*backend.Response, MaxToolRounds)
	for i := range responses {
		responses[i] = &backend.Response{
			StopReason: "tool_calls",
			ToolCalls: []conversation.ToolCall{
				{ID: "call", Name: "calculator", Arguments: `{"expression":"1+1"}`},
			},
		}
	}
	engine := newScriptedEngine(responses...)
	manager := NewManager(s, registry)

	ch, err := manager.SendMessage(context.Background(), conv.ID, "loop forever", sendOpts(engine))
	require.NoError(t, err)
	collected := drain(t, ch)

	require.NotEmpty(t, collected)
	errEvent, ok := collected[len(collected)-1].(*events.EventError)
	require.True(t, ok, "turn must end with an error event")
	assert.Contains(t, errEvent.ErrorString, "tool call loop")
	assert.Len(t, engine.requests, MaxToolRounds)
}

func TestSendMessageWithoutEngine(t *testing.T) {
	s, conv := newFixture(t)
	manager := NewManager(s, nil)

	_, err := manager.SendMessage(context.Background(), conv.ID, "hi", SendOptions{})
	assert.Error(t, err)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	s := store.NewMemoryStore()
	manager := NewManager(s, nil)

	_, err := manager.SendMessage(context.Background(), "missing", "hi", sendOpts(newScriptedEngine()))
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}
