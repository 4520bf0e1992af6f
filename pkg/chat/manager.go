package chat

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pocketllm/pkg/backend"
	"github.com/go-go-golems/pocketllm/pkg/compaction"
	"github.com/go-go-golems/pocketllm/pkg/conversation"
	"github.com/go-go-golems/pocketllm/pkg/events"
	"github.com/go-go-golems/pocketllm/pkg/store"
	"github.com/go-go-golems/pocketllm/pkg/tools"
)

var (
	// ErrTurnInProgress rejects a second SendMessage for a conversation whose
	// previous turn has not finished.
	ErrTurnInProgress = errors.New("a turn is already in progress for this conversation")
	// ErrToolLoopExceeded aborts a turn when the model keeps requesting tools
	// past MaxToolRounds.
	ErrToolLoopExceeded = errors.New("tool call loop exceeded maximum rounds")
)

// MaxToolRounds bounds the number of model/tool round trips in one turn.
const MaxToolRounds = 8

const maxGeneratedTitleLen = 60

const restoreTimeout = 5 * time.Second

// ApprovalFunc decides whether a requested tool call may run. A nil func
// approves everything.
type ApprovalFunc func(ctx context.Context, call tools.Call) bool

// SendOptions select the engine and model for one turn.
type SendOptions struct {
	Engine    backend.Engine
	BackendID string
	ModelID   string
	// ContextWindow of the selected model, 0 when unknown.
	ContextWindow int
	// Images are base64 payloads attached to the user message.
	Images []string
	// DisableTools skips tool advertisement for this turn even when tools
	// are enabled on the conversation.
	DisableTools bool
}

// Manager orchestrates chat turns: it persists the user message, streams the
// model response, runs tool calls, compacts oversized histories and advances
// the conversation's active leaf. At most one turn per conversation runs at
// a time.
type Manager struct {
	store     store.Store
	registry  tools.Registry
	executor  *tools.Executor
	compactor *compaction.Compactor
	approval  ApprovalFunc

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
}

type ManagerOption func(*Manager)

func WithExecutor(e *tools.Executor) ManagerOption {
	return func(m *Manager) { m.executor = e }
}

func WithApproval(fn ApprovalFunc) ManagerOption {
	return func(m *Manager) { m.approval = fn }
}

func NewManager(s store.Store, registry tools.Registry, options ...ManagerOption) *Manager {
	m := &Manager{
		store:     s,
		registry:  registry,
		executor:  tools.NewExecutor(),
		compactor: compaction.NewCompactor(s),
		inFlight:  map[string]context.CancelFunc{},
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// SendMessage starts a turn and returns the event stream for it. Empty
// content regenerates from the current active leaf instead of appending a
// new user message. The channel is closed when the turn ends, whatever the
// outcome; terminal outcomes arrive as final, error or interrupt events.
// Callers must keep draining until the close; a publish that cannot make
// progress drops its event after a bounded wait.
func (m *Manager) SendMessage(
	ctx context.Context,
	conversationID string,
	content string,
	opts SendOptions,
) (<-chan events.Event, error) {
	if opts.Engine == nil {
		return nil, errors.New("no engine selected")
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, busy := m.inFlight[conversationID]; busy {
		m.mu.Unlock()
		return nil, errors.WithStack(ErrTurnInProgress)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	m.inFlight[conversationID] = cancel
	m.mu.Unlock()

	sink := events.NewChannelSink(64)

	go m.runTurn(turnCtx, sink, conv, content, opts)

	return sink.Events(), nil
}

// StopGeneration cancels the in-flight turn for a conversation. It returns
// false when no turn is running.
func (m *Manager) StopGeneration(conversationID string) bool {
	m.mu.Lock()
	cancel, ok := m.inFlight[conversationID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (m *Manager) release(conversationID string) {
	m.mu.Lock()
	if cancel, ok := m.inFlight[conversationID]; ok {
		cancel()
		delete(m.inFlight, conversationID)
	}
	m.mu.Unlock()
}

func (m *Manager) runTurn(
	ctx context.Context,
	sink *events.ChannelSink,
	conv *conversation.Conversation,
	content string,
	opts SendOptions,
) {
	defer sink.Close()
	defer m.release(conv.ID)

	metadata := events.EventMetadata{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		TurnID:         uuid.NewString(),
		Backend:        opts.BackendID,
		Model:          opts.ModelID,
	}
	ctx = events.WithEventSinks(ctx, sink)

	preTurnLeaf := conv.ActiveLeafMessageID

	anchor, err := m.resolveAnchor(ctx, conv, content, opts)
	if err != nil {
		m.publish(sink, events.NewErrorEvent(metadata, err))
		return
	}

	branch, err := m.store.ActiveBranch(ctx, anchor.ID)
	if err != nil {
		m.publish(sink, events.NewErrorEvent(metadata, err))
		return
	}

	params := resolveParams(conv, opts)

	chatMessages, err := m.buildEffectiveMessages(ctx, sink, metadata, conv, branch, opts, params)
	if err != nil {
		m.publish(sink, events.NewErrorEvent(metadata, err))
		return
	}

	toolSpecs, toolsByName, err := m.enabledTools(ctx, conv.ID, opts)
	if err != nil {
		m.publish(sink, events.NewErrorEvent(metadata, err))
		return
	}

	req := &backend.Request{
		Model:    opts.ModelID,
		Messages: chatMessages,
		Params:   params,
		Tools:    toolSpecs,
		Metadata: metadata,
	}

	for round := 0; ; round++ {
		if round >= MaxToolRounds {
			m.publish(sink, events.NewErrorEvent(metadata, errors.WithStack(ErrToolLoopExceeded)))
			return
		}

		resp, err := opts.Engine.StreamCompletion(ctx, req)
		if err != nil {
			if errors.Is(err, backend.ErrCancelled) || ctx.Err() != nil {
				m.restoreLeaf(conv.ID, preTurnLeaf)
				return
			}
			// The engine already published an error event for its own
			// failures.
			log.Error().Err(err).Str("conversation_id", conv.ID).Msg("turn failed")
			return
		}

		if len(resp.ToolCalls) == 0 {
			m.persistAssistant(ctx, sink, metadata, conv, anchor, resp, opts)
			return
		}

		anchor, err = m.runToolRound(ctx, sink, metadata, conv, anchor, resp, req, toolsByName, opts)
		if err != nil {
			if errors.Is(err, backend.ErrCancelled) || ctx.Err() != nil {
				m.restoreLeaf(conv.ID, preTurnLeaf)
				return
			}
			m.publish(sink, events.NewErrorEvent(metadata, err))
			return
		}
	}
}

// resolveAnchor persists the user message and returns it, or, for an empty
// content (regeneration), returns the message at the current active leaf.
func (m *Manager) resolveAnchor(
	ctx context.Context,
	conv *conversation.Conversation,
	content string,
	opts SendOptions,
) (*conversation.Message, error) {
	if content == "" {
		if conv.ActiveLeafMessageID.IsNull() {
			return nil, errors.New("nothing to regenerate from")
		}
		return m.store.GetMessage(ctx, conv.ActiveLeafMessageID)
	}

	msgOptions := []conversation.MessageOption{}
	if !conv.ActiveLeafMessageID.IsNull() {
		msgOptions = append(msgOptions, conversation.WithParentID(conv.ActiveLeafMessageID))
	}
	if len(opts.Images) > 0 {
		msgOptions = append(msgOptions, conversation.WithImages(opts.Images))
	}

	userMsg := conversation.NewMessage(conv.ID, conversation.RoleUser, content, msgOptions...)
	if err := m.store.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	if err := m.store.UpdateActiveLeaf(ctx, conv.ID, userMsg.ID); err != nil {
		return nil, err
	}

	if conv.Title == "" {
		title := content
		if utf8.RuneCountInString(title) > maxGeneratedTitleLen {
			title = string([]rune(title)[:maxGeneratedTitleLen])
		}
		if err := m.store.UpdateConversationTitle(ctx, conv.ID, title); err != nil {
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("failed to set generated title")
		}
	}

	return userMsg, nil
}

// buildEffectiveMessages turns the active branch into the request message
// list, compacting first when the branch has outgrown the context window.
// Once a summary exists it is spliced into every subsequent build: the
// messages it covers never travel to the backend again.
func (m *Manager) buildEffectiveMessages(
	ctx context.Context,
	sink *events.ChannelSink,
	metadata events.EventMetadata,
	conv *conversation.Conversation,
	branch []*conversation.Message,
	opts SendOptions,
	params backend.GenerationParams,
) ([]backend.ChatMessage, error) {
	decision, err := m.compactor.Evaluate(ctx, conv.ID, branch, opts.ContextWindow, params.MaxTokens)
	if err != nil {
		return nil, err
	}

	if decision.Needed {
		m.publish(sink, events.NewStatusEvent(metadata, "Compacting conversation history"))

		summary, err := m.compactor.Run(ctx, opts.Engine, opts.ModelID, conv.ID, decision)
		if err != nil {
			// Compaction is best effort; an oversized request may still fit.
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("compaction failed, sending full branch")
		} else if summary != nil {
			header := compaction.SummaryContextMessage(summary.Summary)
			ret := []backend.ChatMessage{header}
			for _, msg := range decision.RetainedTail {
				ret = append(ret, toChatMessage(msg))
			}
			return ret, nil
		}
	}

	if prior := decision.Prior; prior != nil &&
		prior.CompactedMessageCount > 0 && prior.CompactedMessageCount < len(branch) {
		ret := []backend.ChatMessage{compaction.SummaryContextMessage(prior.Summary)}
		for _, msg := range branch[prior.CompactedMessageCount:] {
			ret = append(ret, toChatMessage(msg))
		}
		return ret, nil
	}

	ret := make([]backend.ChatMessage, 0, len(branch))
	for _, msg := range branch {
		ret = append(ret, toChatMessage(msg))
	}
	return ret, nil
}

func (m *Manager) enabledTools(ctx context.Context, conversationID string, opts SendOptions) ([]backend.ToolSpec, map[string]tools.Definition, error) {
	if opts.DisableTools || m.registry == nil {
		return nil, nil, nil
	}

	defs, err := m.store.EnabledToolsFor(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	var specs []backend.ToolSpec
	byName := map[string]tools.Definition{}
	for _, def := range defs {
		// The persisted definition has no function body; the registry
		// provides the executable implementation by name.
		if !m.registry.HasTool(def.Name) {
			log.Warn().Str("tool", def.Name).Msg("enabled tool has no registered implementation, skipping")
			continue
		}
		specs = append(specs, backend.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
		byName[def.Name] = def
	}
	return specs, byName, nil
}

// runToolRound persists the assistant's tool request, executes every call
// and appends the exchange to the request for the next round. It returns
// the new anchor (the last tool result message).
func (m *Manager) runToolRound(
	ctx context.Context,
	sink *events.ChannelSink,
	metadata events.EventMetadata,
	conv *conversation.Conversation,
	anchor *conversation.Message,
	resp *backend.Response,
	req *backend.Request,
	toolsByName map[string]tools.Definition,
	opts SendOptions,
) (*conversation.Message, error) {
	assistantMsg := conversation.NewMessage(conv.ID, conversation.RoleAssistant, resp.Text,
		conversation.WithParentID(anchor.ID),
		conversation.WithToolCalls(resp.ToolCalls),
		conversation.WithThinking(resp.Thinking),
		conversation.WithBackend(opts.BackendID, opts.ModelID),
		conversation.WithUsage(resp.Usage),
	)
	if err := m.store.InsertMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}
	if err := m.store.UpdateActiveLeaf(ctx, conv.ID, assistantMsg.ID); err != nil {
		return nil, err
	}

	req.Messages = append(req.Messages, backend.ChatMessage{
		Role:      conversation.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	})

	current := assistantMsg
	for _, tc := range resp.ToolCalls {
		if ctx.Err() != nil {
			return nil, errors.WithStack(backend.ErrCancelled)
		}

		call := tools.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}

		var result string
		if m.approval != nil && !m.approval(ctx, call) {
			result = "Error: tool call was not approved"
		} else {
			result = m.executor.Execute(ctx, m.registry, call)
		}

		m.publish(sink, events.NewToolCallExecutionResultEvent(metadata, events.ToolResult{
			ID:     tc.ID,
			Name:   tc.Name,
			Result: result,
		}))

		toolMsg := conversation.NewMessage(conv.ID, conversation.RoleTool, result,
			conversation.WithParentID(current.ID),
			conversation.WithToolCallID(tc.ID),
		)
		if err := m.store.InsertMessage(ctx, toolMsg); err != nil {
			return nil, err
		}
		if err := m.store.UpdateActiveLeaf(ctx, conv.ID, toolMsg.ID); err != nil {
			return nil, err
		}
		current = toolMsg

		req.Messages = append(req.Messages, backend.ChatMessage{
			Role:       conversation.RoleTool,
			Content:    result,
			ToolCallID: tc.ID,
		})
	}

	return current, nil
}

func (m *Manager) persistAssistant(
	ctx context.Context,
	sink *events.ChannelSink,
	metadata events.EventMetadata,
	conv *conversation.Conversation,
	anchor *conversation.Message,
	resp *backend.Response,
	opts SendOptions,
) {
	assistantMsg := conversation.NewMessage(conv.ID, conversation.RoleAssistant, resp.Text,
		conversation.WithParentID(anchor.ID),
		conversation.WithThinking(resp.Thinking),
		conversation.WithBackend(opts.BackendID, opts.ModelID),
		conversation.WithUsage(resp.Usage),
	)
	if err := m.store.InsertMessage(ctx, assistantMsg); err != nil {
		m.publish(sink, events.NewErrorEvent(metadata, err))
		return
	}
	if err := m.store.UpdateActiveLeaf(ctx, conv.ID, assistantMsg.ID); err != nil {
		m.publish(sink, events.NewErrorEvent(metadata, err))
		return
	}
	if err := m.store.UpdateConversationBackend(ctx, conv.ID, opts.BackendID, opts.ModelID); err != nil {
		log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("failed to record last backend")
	}

	// The engine's final event carried text only; this one supersedes it
	// with the persisted message attached.
	final := events.NewFinalEvent(metadata, resp.Text)
	final.Message = assistantMsg
	m.publish(sink, final)
}

// restoreLeaf rolls the active leaf back to its pre-turn position after a
// cancellation. The user message stays in the tree as an inactive branch.
// A fresh context is used since the turn's own context is already cancelled.
func (m *Manager) restoreLeaf(conversationID string, leaf conversation.NodeID) {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	if err := m.store.UpdateActiveLeaf(ctx, conversationID, leaf); err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to restore active leaf after cancellation")
	}
}

func (m *Manager) publish(sink *events.ChannelSink, event events.Event) {
	if err := sink.PublishEvent(event); err != nil {
		log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("failed to publish event")
	}
}

func resolveParams(conv *conversation.Conversation, opts SendOptions) backend.GenerationParams {
	params := backend.GenerationParams{
		ContextWindow: opts.ContextWindow,
	}
	o := conv.Overrides
	if o.SystemPrompt != nil {
		params.SystemPrompt = *o.SystemPrompt
	}
	if o.Temperature != nil {
		params.Temperature = *o.Temperature
	}
	if o.MaxTokens != nil {
		params.MaxTokens = *o.MaxTokens
	}
	if o.TopP != nil {
		params.TopP = *o.TopP
	}
	if o.FrequencyPenalty != nil {
		params.FrequencyPenalty = *o.FrequencyPenalty
	}
	if o.PresencePenalty != nil {
		params.PresencePenalty = *o.PresencePenalty
	}
	return params
}

func toChatMessage(msg *conversation.Message) backend.ChatMessage {
	return backend.ChatMessage{
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
		ToolCalls:  msg.ToolCalls,
		Images:     msg.Images,
	}
}
