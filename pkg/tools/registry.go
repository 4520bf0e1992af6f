package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages available tools with thread-safe operations.
type Registry interface {
	RegisterTool(name string, def Definition) error
	GetTool(name string) (*Definition, error)
	HasTool(name string) bool
	ListTools() []Definition
	UnregisterTool(name string) error
}

// InMemoryRegistry is a thread-safe in-memory implementation of Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		tools: make(map[string]Definition),
	}
}

func (r *InMemoryRegistry) RegisterTool(name string, def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Name != "" && def.Name != name {
		return fmt.Errorf("tool definition name (%s) does not match registry name (%s)", def.Name, name)
	}

	def.Name = name
	r.tools[name] = def
	return nil
}

func (r *InMemoryRegistry) GetTool(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}

	// Return a copy to prevent external modifications
	toolCopy := tool
	return &toolCopy, nil
}

func (r *InMemoryRegistry) ListTools() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		ret = append(ret, tool)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

func (r *InMemoryRegistry) UnregisterTool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool not found: %s", name)
	}
	delete(r.tools, name)
	return nil
}

func (r *InMemoryRegistry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tools[name]
	return exists
}

func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

var _ Registry = (*InMemoryRegistry)(nil)
