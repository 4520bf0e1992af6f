package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/pocketllm/pkg/conversation"
	"github.com/go-go-golems/pocketllm/pkg/tools"
)

// MemoryStore keeps everything in process memory, with the message tree
// held in a conversation.Tree arena. It is the store used by tests and by
// ephemeral (non-persisted) chat sessions.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation
	tree          *conversation.Tree
	summaries     map[string][]*conversation.CompactionSummary
	toolDefs      map[string]tools.Definition
	toolOverrides map[string]map[string]bool // conversationID -> toolID -> enabled
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*conversation.Conversation),
		tree:          conversation.NewTree(),
		summaries:     make(map[string][]*conversation.CompactionSummary),
		toolDefs:      make(map[string]tools.Definition),
		toolOverrides: make(map[string]map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateConversation(_ context.Context, conv *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return errors.Wrapf(conversation.ErrConstraintViolation, "conversation %s already exists", conv.ID)
	}
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, errors.Wrapf(conversation.ErrNotFound, "conversation %s", id)
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]*conversation.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		ret = append(ret, cloneConversation(conv))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].UpdatedAt.After(ret[j].UpdatedAt) })
	return ret, nil
}

func (s *MemoryStore) UpdateConversationTitle(_ context.Context, id string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists {
		return errors.Wrapf(conversation.ErrNotFound, "conversation %s", id)
	}
	conv.Title = title
	conv.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) UpdateConversationBackend(_ context.Context, id string, backendID, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists {
		return errors.Wrapf(conversation.ErrNotFound, "conversation %s", id)
	}
	conv.LastBackendID = backendID
	conv.LastModelID = modelID
	conv.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) UpdateActiveLeaf(_ context.Context, id string, leaf conversation.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists {
		return errors.Wrapf(conversation.ErrNotFound, "conversation %s", id)
	}
	if !leaf.IsNull() {
		msg, ok := s.tree.Get(leaf)
		if !ok || msg.ConversationID != id {
			return errors.Wrapf(conversation.ErrConstraintViolation,
				"active leaf %s does not belong to conversation %s", leaf, id)
		}
	}
	conv.ActiveLeafMessageID = leaf
	conv.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; !exists {
		return errors.Wrapf(conversation.ErrNotFound, "conversation %s", id)
	}
	delete(s.conversations, id)
	delete(s.summaries, id)
	delete(s.toolOverrides, id)
	s.tree.DeleteConversation(id)
	return nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[msg.ConversationID]; !exists {
		return errors.Wrapf(conversation.ErrConstraintViolation, "conversation %s does not exist", msg.ConversationID)
	}
	// The arena keeps its own copy; the caller's struct stays detached from
	// later childCount mutations. Depth is computed on insert, so it is
	// copied back.
	clone := cloneMessage(msg)
	if err := s.tree.Insert(clone); err != nil {
		return err
	}
	msg.Depth = clone.Depth
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id conversation.NodeID) (*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.tree.Get(id)
	if !ok {
		return nil, errors.Wrapf(conversation.ErrNotFound, "message %s", id)
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id conversation.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tree.Delete(id)
}

func (s *MemoryStore) ChildrenOf(_ context.Context, parentID conversation.NodeID) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneMessages(s.tree.ChildrenOf(parentID)), nil
}

func (s *MemoryStore) RootsOf(_ context.Context, conversationID string) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneMessages(s.tree.RootsOf(conversationID)), nil
}

func (s *MemoryStore) ActiveBranch(_ context.Context, leafID conversation.NodeID) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch, err := s.tree.ActiveBranch(leafID)
	if err != nil {
		return nil, err
	}
	return cloneMessages(branch), nil
}

func (s *MemoryStore) SearchMessages(_ context.Context, query string) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}

	var ret []SearchResult
	for _, conv := range s.conversations {
		titleMatch := strings.Contains(strings.ToLower(conv.Title), needle)
		for _, msg := range s.tree.RootsOf(conv.ID) {
			ret = append(ret, s.searchSubtree(conv, msg, needle, titleMatch)...)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreatedAt.After(ret[j].CreatedAt) })
	if len(ret) > 50 {
		ret = ret[:50]
	}
	return ret, nil
}

func (s *MemoryStore) searchSubtree(conv *conversation.Conversation, msg *conversation.Message, needle string, titleMatch bool) []SearchResult {
	var ret []SearchResult
	if titleMatch || strings.Contains(strings.ToLower(msg.Content), needle) {
		snippet := msg.Content
		if len(snippet) > 120 {
			snippet = snippet[:120]
		}
		ret = append(ret, SearchResult{
			MessageID:         msg.ID,
			ConversationID:    conv.ID,
			ConversationTitle: conv.Title,
			Role:              msg.Role,
			Snippet:           snippet,
			CreatedAt:         msg.CreatedAt,
		})
	}
	for _, child := range s.tree.ChildrenOf(msg.ID) {
		ret = append(ret, s.searchSubtree(conv, child, needle, titleMatch)...)
	}
	return ret
}

func (s *MemoryStore) InsertSummary(_ context.Context, summary *conversation.CompactionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[summary.ConversationID]; !exists {
		return errors.Wrapf(conversation.ErrConstraintViolation, "conversation %s does not exist", summary.ConversationID)
	}
	s.summaries[summary.ConversationID] = append(s.summaries[summary.ConversationID], summary)
	return nil
}

func (s *MemoryStore) LatestSummary(_ context.Context, conversationID string) (*conversation.CompactionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := s.summaries[conversationID]
	if len(summaries) == 0 {
		return nil, nil
	}
	return summaries[len(summaries)-1], nil
}

func (s *MemoryStore) UpsertToolDefinition(_ context.Context, def tools.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.toolDefs[def.ID] = def
	return nil
}

func (s *MemoryStore) ListToolDefinitions(_ context.Context) ([]tools.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]tools.Definition, 0, len(s.toolDefs))
	for _, def := range s.toolDefs {
		ret = append(ret, def)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret, nil
}

func (s *MemoryStore) SetConversationToolEnabled(_ context.Context, conversationID, toolID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conversationID]; !exists {
		return errors.Wrapf(conversation.ErrNotFound, "conversation %s", conversationID)
	}
	overrides, ok := s.toolOverrides[conversationID]
	if !ok {
		overrides = make(map[string]bool)
		s.toolOverrides[conversationID] = overrides
	}
	overrides[toolID] = enabled
	return nil
}

func (s *MemoryStore) EnabledToolsFor(_ context.Context, conversationID string) ([]tools.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	overrides := s.toolOverrides[conversationID]
	var ret []tools.Definition
	for _, def := range s.toolDefs {
		enabled := def.EnabledByDefault
		if override, ok := overrides[def.ID]; ok {
			enabled = override
		}
		if enabled {
			ret = append(ret, def)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func now() time.Time {
	return time.Now()
}

// Reads hand out copies so callers never hold pointers into the arena, which
// keeps mutating under the store lock (childCount, active leaf).

func cloneConversation(conv *conversation.Conversation) *conversation.Conversation {
	if conv == nil {
		return nil
	}
	c := *conv
	return &c
}

func cloneMessage(msg *conversation.Message) *conversation.Message {
	if msg == nil {
		return nil
	}
	c := *msg
	if msg.ToolCalls != nil {
		c.ToolCalls = append([]conversation.ToolCall(nil), msg.ToolCalls...)
	}
	if msg.Images != nil {
		c.Images = append([]string(nil), msg.Images...)
	}
	if msg.Usage != nil {
		u := *msg.Usage
		c.Usage = &u
	}
	return &c
}

func cloneMessages(msgs []*conversation.Message) []*conversation.Message {
	if msgs == nil {
		return nil
	}
	ret := make([]*conversation.Message, len(msgs))
	for i, msg := range msgs {
		ret[i] = cloneMessage(msg)
	}
	return ret
}
