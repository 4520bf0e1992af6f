package tools

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// Func executes a tool invocation. Arguments have already been parsed from
// the model-supplied JSON blob. The returned string is fed back to the model
// as the tool result.
type Func func(ctx context.Context, args map[string]interface{}) (string, error)

// Definition describes a tool that can be offered to a model.
type Definition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// Parameters is the JSON schema of the tool's arguments.
	Parameters json.RawMessage `json:"parameters"`
	// BuiltIn tools ship with the application and cannot be deleted.
	BuiltIn bool `json:"builtIn"`
	// EnabledByDefault applies unless a conversation-level override says
	// otherwise.
	EnabledByDefault bool `json:"enabledByDefault"`

	Fn Func `json:"-"`
}

// ConversationOverride enables or disables one tool for one conversation,
// taking precedence over the tool's EnabledByDefault flag.
type ConversationOverride struct {
	ConversationID string `json:"conversationID"`
	ToolID         string `json:"toolID"`
	Enabled        bool   `json:"enabled"`
}

// NewDefinition builds a Definition from a reflected or hand-built
// jsonschema.Schema.
func NewDefinition(id, name, description string, schema *jsonschema.Schema, fn Func) (Definition, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return Definition{}, errors.Wrap(err, "marshal parameter schema")
	}
	return Definition{
		ID:               id,
		Name:             name,
		Description:      description,
		Parameters:       raw,
		EnabledByDefault: true,
		Fn:               fn,
	}, nil
}

// ObjectSchema is a convenience builder for the flat single-object parameter
// schemas the built-in tools use.
func ObjectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:     "object",
		Required: required,
	}
	s.Properties = jsonschema.NewProperties()
	for name, prop := range props {
		s.Properties.Set(name, prop)
	}
	return s
}
