package openai

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/pocketllm/pkg/backend"
	"github.com/go-go-golems/pocketllm/pkg/conversation"
	"github.com/go-go-golems/pocketllm/pkg/events"
)

// Engine talks to any OpenAI-compatible chat completion endpoint.
type Engine struct {
	client *go_openai.Client
	config *backend.Config
}

// NewEngine builds an engine against baseURL. An empty baseURL targets the
// official OpenAI endpoint.
func NewEngine(baseURL string, apiKey string, options ...backend.Option) (*Engine, error) {
	config, err := backend.NewConfig(options...)
	if err != nil {
		return nil, err
	}

	clientCfg := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}

	return &Engine{
		client: go_openai.NewClientWithConfig(clientCfg),
		config: config,
	}, nil
}

// StreamCompletion streams one completion, publishing partial, thinking and
// tool call events as deltas arrive. The returned response carries
// accumulated text, merged tool calls and the usage reported by the final
// chunk.
func (e *Engine) StreamCompletion(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	metadata := req.Metadata
	openaiReq := makeCompletionRequest(req, true)

	log.Debug().
		Str("model", req.Model).
		Int("num_messages", len(openaiReq.Messages)).
		Int("num_tools", len(openaiReq.Tools)).
		Msg("starting chat completion stream")

	e.publishEvent(ctx, events.NewStartEvent(metadata))

	stream, err := e.client.CreateChatCompletionStream(ctx, openaiReq)
	if err != nil {
		wrapped := errors.Wrapf(backend.ErrBackendUnavailable, "create stream: %v", err)
		e.publishEvent(ctx, events.NewErrorEvent(metadata, wrapped))
		return nil, wrapped
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close completion stream")
		}
	}()

	var text, thinking string
	toolCallMerger := NewToolCallMerger()
	var usage *conversation.TokenUsage
	stopReason := ""

	for {
		select {
		case <-ctx.Done():
			e.publishEvent(ctx, events.NewInterruptEvent(metadata, text))
			return nil, errors.WithStack(backend.ErrCancelled)
		default:
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A cancelled context surfaces through Recv, not the select
			// above; it must still end as an interrupt, not an error.
			if ctx.Err() != nil {
				e.publishEvent(ctx, events.NewInterruptEvent(metadata, text))
				return nil, errors.WithStack(backend.ErrCancelled)
			}
			wrapped := errors.Wrapf(backend.ErrBackendUnavailable, "stream receive: %v", err)
			e.publishEvent(ctx, events.NewErrorEvent(metadata, wrapped))
			return nil, wrapped
		}

		// With IncludeUsage set, the usage arrives on a final chunk that has
		// no choices.
		if response.Usage != nil {
			usage = &conversation.TokenUsage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
				TotalTokens:      response.Usage.TotalTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if delta := choice.Delta.Content; delta != "" {
			text += delta
			e.publishEvent(ctx, events.NewPartialCompletionEvent(metadata, delta, text))
		}
		if delta := choice.Delta.ReasoningContent; delta != "" {
			thinking += delta
			e.publishEvent(ctx, events.NewThinkingPartialEvent(metadata, delta, thinking))
		}
		if len(choice.Delta.ToolCalls) > 0 {
			toolCallMerger.AddToolCalls(choice.Delta.ToolCalls)
		}
		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
		}
	}

	// Models without a separate reasoning channel inline their chain of
	// thought in the visible text.
	if thinking == "" {
		text, thinking = backend.SplitThinking(text)
	}

	mergedToolCalls := toConversationToolCalls(toolCallMerger.GetToolCalls())
	for _, tc := range mergedToolCalls {
		e.publishEvent(ctx, events.NewToolCallEvent(metadata, events.ToolCall{
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Arguments,
		}))
	}

	if usage != nil {
		metadata.Usage = &events.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	if stopReason != "" {
		metadata.StopReason = &stopReason
	}

	log.Debug().
		Int("text_length", len(text)).
		Int("tool_call_count", len(mergedToolCalls)).
		Str("stop_reason", stopReason).
		Msg("chat completion stream finished")

	e.publishEvent(ctx, events.NewFinalEvent(metadata, text))

	return &backend.Response{
		Text:       text,
		Thinking:   thinking,
		ToolCalls:  mergedToolCalls,
		Usage:      usage,
		StopReason: stopReason,
	}, nil
}

// Complete runs a non-streaming completion. Used for internal requests such
// as history summarization where no deltas are wanted.
func (e *Engine) Complete(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	openaiReq := makeCompletionRequest(req, false)

	resp, err := e.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		return nil, errors.Wrapf(backend.ErrBackendUnavailable, "chat completion: %v", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.Wrap(backend.ErrBackendUnavailable, "chat completion returned no choices")
	}
	choice := resp.Choices[0]

	text := choice.Message.Content
	thinking := choice.Message.ReasoningContent
	if thinking == "" {
		text, thinking = backend.SplitThinking(text)
	}

	return &backend.Response{
		Text:      text,
		Thinking:  thinking,
		ToolCalls: toConversationToolCalls(choice.Message.ToolCalls),
		Usage: &conversation.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		StopReason: string(choice.FinishReason),
	}, nil
}

func (e *Engine) publishEvent(ctx context.Context, event events.Event) {
	if err := e.config.PublishEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("failed to publish event")
	}
}

var _ backend.Engine = (*Engine)(nil)
