package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NodeID uuid.UUID

func (id NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *NodeID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = NodeID(u)
	return nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

func (id NodeID) IsNull() bool {
	return uuid.UUID(id) == uuid.Nil
}

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NullNode, err
	}
	return NodeID(u), nil
}

var NullNode = NodeID(uuid.Nil)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TokenUsage records the counters a backend reported for the completion that
// produced a message.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ToolCall is a tool invocation requested by the model, recorded on the
// assistant message that requested it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a single node in a conversation tree. Messages are immutable
// once written except for the denormalized ChildCount, which the store keeps
// in lock-step with the live child set.
type Message struct {
	ID             NodeID `json:"id"`
	ConversationID string `json:"conversationID"`
	// ParentID is NullNode for root messages.
	ParentID NodeID `json:"parentID"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	// Thinking holds model-internal reasoning text, kept separate from the
	// visible content.
	Thinking string `json:"thinking,omitempty"`

	BackendID string      `json:"backendID,omitempty"`
	ModelID   string      `json:"modelID,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`

	// ToolCallID links a tool-result message to the tool invocation it
	// answers. ToolCalls records the invocations an assistant message
	// requested.
	ToolCallID string     `json:"toolCallID,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`

	// Images holds attached image references (data URLs or remote URLs).
	Images []string `json:"images,omitempty"`

	// Depth is the distance from the root (root = 0). ChildCount is the
	// number of messages whose ParentID equals this message's ID.
	Depth      int       `json:"depth"`
	ChildCount int       `json:"childCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

type MessageOption func(*Message)

func WithID(id NodeID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithParentID(parentID NodeID) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
	}
}

func WithThinking(thinking string) MessageOption {
	return func(m *Message) {
		m.Thinking = thinking
	}
}

func WithBackend(backendID, modelID string) MessageOption {
	return func(m *Message) {
		m.BackendID = backendID
		m.ModelID = modelID
	}
}

func WithUsage(usage *TokenUsage) MessageOption {
	return func(m *Message) {
		m.Usage = usage
	}
}

func WithToolCallID(id string) MessageOption {
	return func(m *Message) {
		m.ToolCallID = id
	}
}

func WithToolCalls(calls []ToolCall) MessageOption {
	return func(m *Message) {
		m.ToolCalls = calls
	}
}

func WithImages(images []string) MessageOption {
	return func(m *Message) {
		m.Images = images
	}
}

func NewMessage(conversationID string, role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:             NewNodeID(),
		ConversationID: conversationID,
		ParentID:       NullNode,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}
