package openai

import (
	"fmt"
	"sort"

	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/pocketllm/pkg/backend"
	"github.com/go-go-golems/pocketllm/pkg/conversation"
)

// ToolCallMerger accumulates streamed tool call fragments. Providers send
// tool calls as indexed deltas whose name and argument strings must be
// concatenated per index.
type ToolCallMerger struct {
	toolCalls map[int]go_openai.ToolCall
}

func NewToolCallMerger() *ToolCallMerger {
	return &ToolCallMerger{
		toolCalls: make(map[int]go_openai.ToolCall),
	}
}

func (tcm *ToolCallMerger) AddToolCalls(toolCalls []go_openai.ToolCall) {
	for _, call := range toolCalls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}
		if existing, found := tcm.toolCalls[index]; found {
			if call.ID != "" {
				existing.ID = call.ID
			}
			existing.Function.Name += call.Function.Name
			existing.Function.Arguments += call.Function.Arguments
			tcm.toolCalls[index] = existing
		} else {
			tcm.toolCalls[index] = call
		}
	}
}

func (tcm *ToolCallMerger) GetToolCalls() []go_openai.ToolCall {
	indices := make([]int, 0, len(tcm.toolCalls))
	for idx := range tcm.toolCalls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var result []go_openai.ToolCall
	for _, idx := range indices {
		result = append(result, tcm.toolCalls[idx])
	}
	return result
}

func toConversationToolCalls(calls []go_openai.ToolCall) []conversation.ToolCall {
	var ret []conversation.ToolCall
	for _, tc := range calls {
		ret = append(ret, conversation.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return ret
}

func makeChatMessage(msg backend.ChatMessage) go_openai.ChatCompletionMessage {
	ret := go_openai.ChatCompletionMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
	}

	if len(msg.Images) > 0 {
		parts := []go_openai.ChatMessagePart{}
		if msg.Content != "" {
			parts = append(parts, go_openai.ChatMessagePart{
				Type: go_openai.ChatMessagePartTypeText,
				Text: msg.Content,
			})
		}
		for _, img := range msg.Images {
			parts = append(parts, go_openai.ChatMessagePart{
				Type: go_openai.ChatMessagePartTypeImageURL,
				ImageURL: &go_openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:image/jpeg;base64,%s", img),
				},
			})
		}
		ret.Content = ""
		ret.MultiContent = parts
	}

	for _, tc := range msg.ToolCalls {
		ret.ToolCalls = append(ret.ToolCalls, go_openai.ToolCall{
			ID:   tc.ID,
			Type: go_openai.ToolTypeFunction,
			Function: go_openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return ret
}

func makeCompletionRequest(req *backend.Request, stream bool) go_openai.ChatCompletionRequest {
	ret := go_openai.ChatCompletionRequest{
		Model:            req.Model,
		Temperature:      float32(req.Params.Temperature),
		MaxTokens:        req.Params.MaxTokens,
		TopP:             float32(req.Params.TopP),
		FrequencyPenalty: float32(req.Params.FrequencyPenalty),
		PresencePenalty:  float32(req.Params.PresencePenalty),
		Stream:           stream,
	}
	if stream {
		ret.StreamOptions = &go_openai.StreamOptions{IncludeUsage: true}
	}

	if req.Params.SystemPrompt != "" {
		ret.Messages = append(ret.Messages, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleSystem,
			Content: req.Params.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		ret.Messages = append(ret.Messages, makeChatMessage(msg))
	}

	for _, tool := range req.Tools {
		ret.Tools = append(ret.Tools, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: &go_openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	if len(ret.Tools) > 0 {
		ret.ToolChoice = "auto"
	}

	return ret
}
