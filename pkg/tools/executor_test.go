package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoDefinition() Definition {
	return Definition{
		ID:          "echo",
		Name:        "echo",
		Description: "echoes its input",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Fn: func(_ context.Context, args map[string]interface{}) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func newTestRegistry(t *testing.T, defs ...Definition) Registry {
	t.Helper()
	registry := NewInMemoryRegistry()
	for _, def := range defs {
		require.NoError(t, registry.RegisterTool(def.Name, def))
	}
	return registry
}

func TestExecuteRunsTool(t *testing.T) {
	registry := newTestRegistry(t, echoDefinition())
	executor := NewExecutor()

	result := executor.Execute(context.Background(), registry, Call{
		ID:        "call-1",
		Name:      "echo",
		Arguments: `{"text":"hello"}`,
	})
	assert.Equal(t, "hello", result)
}

func TestExecuteUnknownToolReturnsErrorText(t *testing.T) {
	registry := newTestRegistry(t)
	executor := NewExecutor()

	result := executor.Execute(context.Background(), registry, Call{
		Name:      "no_such_tool",
		Arguments: `{}`,
	})
	assert.Equal(t, "Error: unknown tool 'no_such_tool'", result)
}

func TestExecuteInvalidJSONArguments(t *testing.T) {
	registry := newTestRegistry(t, echoDefinition())
	executor := NewExecutor()

	result := executor.Execute(context.Background(), registry, Call{
		Name:      "echo",
		Arguments: `{not json`,
	})
	assert.Contains(t, result, "Error: invalid arguments for tool 'echo'")
}

func TestExecuteSchemaValidationFailure(t *testing.T) {
	registry := newTestRegistry(t, echoDefinition())
	executor := NewExecutor()

	// Missing the required "text" property.
	result := executor.Execute(context.Background(), registry, Call{
		Name:      "echo",
		Arguments: `{}`,
	})
	assert.Contains(t, result, "Error: invalid arguments for tool 'echo'")
}

func TestExecuteToolErrorIsRecovered(t *testing.T) {
	failing := Definition{
		ID:   "fail",
		Name: "fail",
		Fn: func(_ context.Context, _ map[string]interface{}) (string, error) {
			return "", assert.AnError
		},
	}
	registry := newTestRegistry(t, failing)
	executor := NewExecutor()

	result := executor.Execute(context.Background(), registry, Call{Name: "fail", Arguments: `{}`})
	assert.Contains(t, result, "Error executing tool 'fail'")
}

func TestExecuteTimeout(t *testing.T) {
	slow := Definition{
		ID:   "slow",
		Name: "slow",
		Fn: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	registry := newTestRegistry(t, slow)
	executor := &Executor{Timeout: 20 * time.Millisecond}

	result := executor.Execute(context.Background(), registry, Call{Name: "slow", Arguments: `{}`})
	assert.Equal(t, "Error: tool 'slow' timed out", result)
}

func TestBuiltinRegistryHasCalculatorAndWebFetch(t *testing.T) {
	registry, err := NewBuiltinRegistry()
	require.NoError(t, err)

	// Existence checks go through the interface, the way orchestration
	// code holds a registry.
	var r Registry = registry
	assert.True(t, r.HasTool("calculator"))
	assert.True(t, r.HasTool("web_fetch"))
	assert.False(t, r.HasTool("no_such_tool"))

	result := NewExecutor().Execute(context.Background(), registry, Call{
		Name:      "calculator",
		Arguments: `{"expression":"6 * 7"}`,
	})
	assert.Equal(t, "42", result)
}
