package conversation

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when a referenced conversation or message does
	// not exist.
	ErrNotFound = errors.New("not found")
	// ErrConstraintViolation is returned when a mutation would break a tree
	// invariant, e.g. inserting a message whose parent does not resolve
	// within the same conversation.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrCorruptTree is returned when a branch walk detects a cycle or an
	// unreachable root.
	ErrCorruptTree = errors.New("corrupt tree")
)
