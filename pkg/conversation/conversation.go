package conversation

import (
	"time"

	"github.com/google/uuid"
)

// GenerationOverrides are the per-conversation generation parameters. Each
// field is nullable; nil means "inherit the default".
type GenerationOverrides struct {
	SystemPrompt     *string  `json:"systemPrompt,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"maxTokens,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
}

// Conversation is the container record for a message tree.
// ActiveLeafMessageID, when not null, references the message at the tip of
// the branch currently shown and continued; it must belong to this
// conversation.
type Conversation struct {
	ID            string              `json:"id"`
	Title         string              `json:"title"`
	LastBackendID string              `json:"lastBackendID,omitempty"`
	LastModelID   string              `json:"lastModelID,omitempty"`
	Overrides     GenerationOverrides `json:"overrides"`

	ActiveLeafMessageID NodeID `json:"activeLeafMessageID"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewConversation(title string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CompactionSummary replaces a prefix of a conversation's active branch with
// generated summary text. Summaries are never mutated, only superseded by
// inserting a new one with a higher CompactedMessageCount.
type CompactionSummary struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationID"`
	Summary        string `json:"summary"`
	// CompactedMessageCount is how many leading branch messages this summary
	// replaces when building context.
	CompactedMessageCount int `json:"compactedMessageCount"`
	// InsertedBeforeMessageID marks the first retained message at the time
	// the summary was generated.
	InsertedBeforeMessageID NodeID    `json:"insertedBeforeMessageID"`
	CreatedAt               time.Time `json:"createdAt"`
}
