// Package store defines the persistence contracts the chat core relies on:
// conversations, the message tree, compaction summaries and tool
// definitions. Two implementations are provided, an in-memory store over the
// conversation arena and a SQLite-backed one, both upholding the same
// invariants: childCount updates are atomic with the insert/delete that
// caused them, and deleting a message deletes its entire subtree.
package store

import (
	"context"
	"time"

	"github.com/go-go-golems/pocketllm/pkg/conversation"
	"github.com/go-go-golems/pocketllm/pkg/tools"
)

// SearchResult is one hit of a message/title search.
type SearchResult struct {
	MessageID         conversation.NodeID `json:"messageID"`
	ConversationID    string              `json:"conversationID"`
	ConversationTitle string              `json:"conversationTitle"`
	Role              conversation.Role   `json:"role"`
	Snippet           string              `json:"snippet"`
	CreatedAt         time.Time           `json:"createdAt"`
}

// Store is the persistence interface for the chat core. Lookups of absent
// records return conversation.ErrNotFound; mutations that would break a tree
// invariant return conversation.ErrConstraintViolation.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *conversation.Conversation) error
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	ListConversations(ctx context.Context) ([]*conversation.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id string, title string) error
	// UpdateConversationBackend records the backend and model last used for
	// a turn so the next session can resume with them.
	UpdateConversationBackend(ctx context.Context, id string, backendID, modelID string) error
	// UpdateActiveLeaf moves the conversation's active-leaf pointer and bumps
	// UpdatedAt. Passing conversation.NullNode clears the pointer.
	UpdateActiveLeaf(ctx context.Context, id string, leaf conversation.NodeID) error
	// DeleteConversation cascades to all messages and summaries.
	DeleteConversation(ctx context.Context, id string) error

	// Messages
	InsertMessage(ctx context.Context, msg *conversation.Message) error
	GetMessage(ctx context.Context, id conversation.NodeID) (*conversation.Message, error)
	// DeleteMessage cascades to all descendants and decrements the former
	// parent's childCount by exactly one.
	DeleteMessage(ctx context.Context, id conversation.NodeID) error
	// ChildrenOf returns children ordered by creation time ascending.
	ChildrenOf(ctx context.Context, parentID conversation.NodeID) ([]*conversation.Message, error)
	// RootsOf returns a conversation's parentless messages ordered by
	// creation time ascending.
	RootsOf(ctx context.Context, conversationID string) ([]*conversation.Message, error)
	// ActiveBranch returns the root-to-leaf path of messages ending at
	// leafID. A cyclic parent chain fails with conversation.ErrCorruptTree.
	ActiveBranch(ctx context.Context, leafID conversation.NodeID) ([]*conversation.Message, error)
	SearchMessages(ctx context.Context, query string) ([]SearchResult, error)

	// Compaction summaries
	InsertSummary(ctx context.Context, summary *conversation.CompactionSummary) error
	// LatestSummary returns the newest summary for a conversation, or
	// (nil, nil) when the conversation has never been compacted.
	LatestSummary(ctx context.Context, conversationID string) (*conversation.CompactionSummary, error)

	// Tool definitions and per-conversation overrides
	UpsertToolDefinition(ctx context.Context, def tools.Definition) error
	ListToolDefinitions(ctx context.Context) ([]tools.Definition, error)
	SetConversationToolEnabled(ctx context.Context, conversationID, toolID string, enabled bool) error
	// EnabledToolsFor resolves the enabled tool set for a conversation:
	// the conversation-level override wins, otherwise the tool's
	// EnabledByDefault flag applies.
	EnabledToolsFor(ctx context.Context, conversationID string) ([]tools.Definition, error)

	Close() error
}
