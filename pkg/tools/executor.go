package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

const DefaultExecutionTimeout = 30 * time.Second

// Call is one tool invocation as requested by the model: a tool name plus a
// JSON arguments blob, correlated by id.
type Call struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Executor resolves calls against a registry and runs them. Dispatch
// failures (unknown tool, bad arguments, timeouts, tool errors) are
// recovered into a textual result so the model can react to them; Execute
// never aborts the turn.
type Executor struct {
	Timeout time.Duration
}

func NewExecutor() *Executor {
	return &Executor{Timeout: DefaultExecutionTimeout}
}

// Execute runs one tool call and returns its textual result. Error results
// always begin with "Error" so the model (and tests) can recognize them.
func (e *Executor) Execute(ctx context.Context, registry Registry, call Call) string {
	def, err := registry.GetTool(call.Name)
	if err != nil {
		return fmt.Sprintf("Error: unknown tool '%s'", call.Name)
	}
	if def.Fn == nil {
		return fmt.Sprintf("Error: tool '%s' has no executable implementation", call.Name)
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for tool '%s': %s", call.Name, err.Error())
	}

	if msg := validateArguments(def, call.Arguments); msg != "" {
		return fmt.Sprintf("Error: invalid arguments for tool '%s': %s", call.Name, msg)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := def.Fn(ctx, args)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		log.Error().Str("tool", call.Name).Dur("timeout", timeout).Msg("tool execution timed out")
		return fmt.Sprintf("Error: tool '%s' timed out", call.Name)
	case out := <-ch:
		if out.err != nil {
			log.Error().Err(out.err).Str("tool", call.Name).Msg("tool execution failed")
			return fmt.Sprintf("Error executing tool '%s': %s", call.Name, out.err.Error())
		}
		return out.result
	}
}

// validateArguments checks the arguments blob against the tool's declared
// parameter schema. Returns an empty string when valid or when the tool has
// no schema.
func validateArguments(def *Definition, argumentsJSON string) string {
	if len(def.Parameters) == 0 {
		return ""
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(def.Parameters),
		gojsonschema.NewStringLoader(argumentsJSON),
	)
	if err != nil {
		// A broken schema is the tool author's problem, not the model's;
		// skip validation rather than failing the call.
		log.Warn().Err(err).Str("tool", def.Name).Msg("could not validate tool arguments")
		return ""
	}
	if !result.Valid() {
		if errs := result.Errors(); len(errs) > 0 {
			return errs[0].String()
		}
		return "arguments do not match the tool schema"
	}
	return ""
}
