package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeStart             EventType = "start"
	EventTypeFinal             EventType = "final"
	EventTypePartialCompletion EventType = "partial"
	// Separate partial stream for reasoning/thinking text
	EventTypePartialThinking EventType = "partial-thinking"

	// Status messages emitted while the orchestrator is busy outside of
	// streaming proper (e.g. compacting history before a request).
	EventTypeStatus EventType = "status"

	// Model requested a tool call (received from provider stream)
	EventTypeToolCall EventType = "tool-call"
	// Result of executing a tool locally
	EventTypeToolCallExecutionResult EventType = "tool-call-execution-result"

	EventTypeError     EventType = "error"
	EventTypeInterrupt EventType = "interrupt"
)

// Usage carries the token counters reported by a backend for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EventMetadata is attached to every event emitted during a chat turn so
// consumers can correlate deltas with the conversation and backend that
// produced them.
type EventMetadata struct {
	ID             uuid.UUID `json:"event_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	TurnID         string    `json:"turn_id,omitempty"`
	Backend        string    `json:"backend,omitempty"`
	Model          string    `json:"model,omitempty"`
	Usage          *Usage    `json:"usage,omitempty"`
	StopReason     *string   `json:"stop_reason,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.Backend != "" {
		e.Str("backend", em.Backend)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.StopReason != nil {
		e.Str("stop_reason", *em.StopReason)
	}
	if em.Usage != nil {
		e.Int("prompt_tokens", em.Usage.PromptTokens)
		e.Int("completion_tokens", em.Usage.CompletionTokens)
	}
}

type Event interface {
	Type() EventType
	Metadata() EventMetadata
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

var _ Event = &EventStart{}

// EventPartialCompletion is one incremental fragment of visible assistant
// text. Completion is the full text accumulated so far.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartialCompletion{}

// EventThinkingPartial mirrors EventPartialCompletion but is dedicated to
// reasoning text kept separate from the visible completion.
type EventThinkingPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewThinkingPartialEvent(metadata EventMetadata, delta string, completion string) *EventThinkingPartial {
	return &EventThinkingPartial{
		EventImpl:  EventImpl{Type_: EventTypePartialThinking, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventThinkingPartial{}

type EventStatus struct {
	EventImpl
	Text string `json:"text"`
}

func NewStatusEvent(metadata EventMetadata, text string) *EventStatus {
	return &EventStatus{
		EventImpl: EventImpl{Type_: EventTypeStatus, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventStatus{}

type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

type EventToolCall struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallEvent(metadata EventMetadata, toolCall ToolCall) *EventToolCall {
	return &EventToolCall{
		EventImpl: EventImpl{Type_: EventTypeToolCall, Metadata_: metadata},
		ToolCall:  toolCall,
	}
}

var _ Event = &EventToolCall{}

type ToolResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

// EventToolCallExecutionResult captures the result of executing a tool locally.
type EventToolCallExecutionResult struct {
	EventImpl
	ToolResult ToolResult `json:"tool_result"`
}

func NewToolCallExecutionResultEvent(metadata EventMetadata, toolResult ToolResult) *EventToolCallExecutionResult {
	return &EventToolCallExecutionResult{
		EventImpl:  EventImpl{Type_: EventTypeToolCallExecutionResult, Metadata_: metadata},
		ToolResult: toolResult,
	}
}

var _ Event = &EventToolCallExecutionResult{}

// EventFinal terminates a successful turn. Text is the full visible
// completion; Message, when set by the orchestrator, is the persisted
// assistant message (typed as any to keep this package dependency-free).
type EventFinal struct {
	EventImpl
	Text    string `json:"text"`
	Message any    `json:"message,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventFinal{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

// EventInterrupt terminates a cancelled turn. Text carries the partial
// completion accumulated before cancellation; it is not persisted.
type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventInterrupt{}
