package conversation

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Tree is an arena of messages keyed by id with an explicit adjacency
// structure. It owns the message-tree invariants:
//
//   - a non-root message's parent exists in the same conversation
//   - depth = parent.depth + 1, root depth = 0
//   - ChildCount always equals the live number of children
//   - deleting a message deletes its entire subtree
//
// Insert/Delete and the corresponding ChildCount update happen under one
// lock so the counter can never drift from the true child set.
type Tree struct {
	mu       sync.RWMutex
	nodes    map[NodeID]*Message
	children map[NodeID][]NodeID
}

func NewTree() *Tree {
	return &Tree{
		nodes:    make(map[NodeID]*Message),
		children: make(map[NodeID][]NodeID),
	}
}

// Insert adds a message to the arena. If the message has a parent, the
// parent must already exist and belong to the same conversation; the
// message's Depth is derived from the parent and the parent's ChildCount is
// incremented in the same critical section.
func (t *Tree) Insert(msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[msg.ID]; exists {
		return errors.Wrapf(ErrConstraintViolation, "message %s already exists", msg.ID)
	}

	if !msg.ParentID.IsNull() {
		parent, exists := t.nodes[msg.ParentID]
		if !exists {
			return errors.Wrapf(ErrConstraintViolation, "parent %s does not exist", msg.ParentID)
		}
		if parent.ConversationID != msg.ConversationID {
			return errors.Wrapf(ErrConstraintViolation,
				"parent %s belongs to conversation %s, not %s",
				msg.ParentID, parent.ConversationID, msg.ConversationID)
		}
		msg.Depth = parent.Depth + 1
		parent.ChildCount++
		t.children[msg.ParentID] = append(t.children[msg.ParentID], msg.ID)
	} else {
		msg.Depth = 0
	}

	t.nodes[msg.ID] = msg
	return nil
}

// Delete removes a message and its entire subtree. Only the direct parent's
// ChildCount is decremented; deeper descendants disappear together with
// their own parents.
func (t *Tree) Delete(id NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, exists := t.nodes[id]
	if !exists {
		return errors.Wrapf(ErrNotFound, "message %s", id)
	}

	if !msg.ParentID.IsNull() {
		if parent, ok := t.nodes[msg.ParentID]; ok {
			parent.ChildCount--
		}
		siblings := t.children[msg.ParentID]
		for i, sid := range siblings {
			if sid == id {
				t.children[msg.ParentID] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}

	t.deleteSubtree(id)
	return nil
}

func (t *Tree) deleteSubtree(id NodeID) {
	for _, childID := range t.children[id] {
		t.deleteSubtree(childID)
	}
	delete(t.children, id)
	delete(t.nodes, id)
}

// DeleteConversation removes every message belonging to a conversation.
func (t *Tree) DeleteConversation(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, msg := range t.nodes {
		if msg.ConversationID == conversationID {
			delete(t.nodes, id)
			delete(t.children, id)
		}
	}
}

func (t *Tree) Get(id NodeID) (*Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msg, exists := t.nodes[id]
	return msg, exists
}

// ChildrenOf returns the children of a message ordered by creation time
// ascending. This ordering is the tie-break whenever a user has branched:
// the first child by creation time is the default branch unless the
// conversation's active leaf says otherwise.
func (t *Tree) ChildrenOf(parentID NodeID) []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.children[parentID]
	ret := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := t.nodes[id]; ok {
			ret = append(ret, msg)
		}
	}
	sortByCreation(ret)
	return ret
}

// RootsOf returns the root messages of a conversation ordered by creation
// time ascending.
func (t *Tree) RootsOf(conversationID string) []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ret []*Message
	for _, msg := range t.nodes {
		if msg.ConversationID == conversationID && msg.ParentID.IsNull() {
			ret = append(ret, msg)
		}
	}
	sortByCreation(ret)
	return ret
}

// ActiveBranch walks parent links from leafID up to a root and returns the
// messages in root-to-leaf order. This is the canonical conversation context
// for prompting. A malformed arena (cyclic parent chain) fails with
// ErrCorruptTree instead of hanging.
func (t *Tree) ActiveBranch(leafID NodeID) ([]*Message, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var branch []*Message
	visited := map[NodeID]bool{}
	id := leafID
	for !id.IsNull() {
		if visited[id] {
			return nil, errors.Wrapf(ErrCorruptTree, "cycle detected at message %s", id)
		}
		visited[id] = true

		msg, exists := t.nodes[id]
		if !exists {
			if id == leafID {
				return nil, errors.Wrapf(ErrNotFound, "message %s", id)
			}
			return nil, errors.Wrapf(ErrCorruptTree, "parent %s unreachable", id)
		}
		branch = append(branch, msg)
		id = msg.ParentID
	}

	// reverse to root-to-leaf order
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}

func sortByCreation(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
