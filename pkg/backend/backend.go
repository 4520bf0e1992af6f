package backend

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/pocketllm/pkg/conversation"
	"github.com/go-go-golems/pocketllm/pkg/events"
)

var (
	// ErrBackendUnavailable wraps transport and provider failures so callers
	// can treat remote and local outages uniformly.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrInvalidModelFile is returned when a model file fails validation
	// before loading.
	ErrInvalidModelFile = errors.New("invalid model file")
	// ErrCancelled is returned when a completion was interrupted by the
	// caller before finishing.
	ErrCancelled = errors.New("generation cancelled")
)

// ChatMessage is the backend-neutral wire form of one conversation message.
type ChatMessage struct {
	Role       conversation.Role       `json:"role"`
	Content    string                  `json:"content"`
	ToolCallID string                  `json:"toolCallID,omitempty"`
	ToolCalls  []conversation.ToolCall `json:"toolCalls,omitempty"`
	// Images holds base64-encoded image payloads for multimodal models.
	Images []string `json:"images,omitempty"`
}

// ToolSpec describes one tool advertised to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// GenerationParams are the resolved sampling settings for one completion.
// Zero values mean "use the engine's default"; ContextWindow of 0 means the
// window is unknown and must be derived from MaxTokens.
type GenerationParams struct {
	SystemPrompt     string  `json:"systemPrompt,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	MaxTokens        int     `json:"maxTokens,omitempty"`
	TopP             float64 `json:"topP,omitempty"`
	TopK             int     `json:"topK,omitempty"`
	MinP             float64 `json:"minP,omitempty"`
	RepeatPenalty    float64 `json:"repeatPenalty,omitempty"`
	FrequencyPenalty float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  float64 `json:"presencePenalty,omitempty"`
	ContextWindow    int     `json:"contextWindow,omitempty"`
}

// Request is one completion request against an engine.
type Request struct {
	Model    string
	Messages []ChatMessage
	Params   GenerationParams
	Tools    []ToolSpec

	// Metadata is stamped onto every event the engine publishes.
	Metadata events.EventMetadata
}

// Response is the accumulated result of a completion.
type Response struct {
	Text      string
	Thinking  string
	ToolCalls []conversation.ToolCall
	Usage     *conversation.TokenUsage
	// StopReason is the provider's finish reason ("stop", "tool_calls",
	// "length", ...).
	StopReason string
}

// Engine generates completions. StreamCompletion publishes events to the
// engine's configured sinks and any sinks carried by ctx while it runs, and
// returns the final accumulated response. Complete is the non-streaming
// variant used for internal calls such as summarization.
type Engine interface {
	StreamCompletion(ctx context.Context, req *Request) (*Response, error)
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Config holds cross-engine settings.
type Config struct {
	EventSinks []events.EventSink
}

type Option func(*Config) error

// WithSink attaches an event sink that receives all events the engine
// publishes, in addition to any sinks carried by the request context.
func WithSink(sink events.EventSink) Option {
	return func(c *Config) error {
		c.EventSinks = append(c.EventSinks, sink)
		return nil
	}
}

func NewConfig(options ...Option) (*Config, error) {
	c := &Config{}
	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// PublishEvent sends e to the config's sinks and the context sinks. Sink
// failures are returned but streaming loops generally keep going.
func (c *Config) PublishEvent(ctx context.Context, e events.Event) error {
	var lastErr error
	for _, sink := range c.EventSinks {
		if err := sink.PublishEvent(e); err != nil {
			lastErr = err
		}
	}
	if err := events.PublishEventToContext(ctx, e); err != nil {
		lastErr = err
	}
	return lastErr
}
