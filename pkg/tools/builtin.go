package tools

import (
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// BuiltinDefinitions returns the tools that ship with the application:
// a small arithmetic calculator and a web page fetcher.
func BuiltinDefinitions() ([]Definition, error) {
	calculator, err := NewDefinition(
		"builtin-calculator",
		"calculator",
		"Evaluate a basic arithmetic expression (+, -, *, / and parentheses).",
		ObjectSchema([]string{"expression"}, map[string]*jsonschema.Schema{
			"expression": {
				Type:        "string",
				Description: "The arithmetic expression to evaluate, e.g. \"(2 + 3) * 4\".",
			},
		}),
		calculatorFn,
	)
	if err != nil {
		return nil, errors.Wrap(err, "build calculator definition")
	}
	calculator.BuiltIn = true

	webFetch, err := NewDefinition(
		"builtin-web-fetch",
		"web_fetch",
		"Fetch a web page and return its visible text content.",
		ObjectSchema([]string{"url"}, map[string]*jsonschema.Schema{
			"url": {
				Type:        "string",
				Description: "The http(s) URL to fetch.",
			},
		}),
		webFetchFn,
	)
	if err != nil {
		return nil, errors.Wrap(err, "build web_fetch definition")
	}
	webFetch.BuiltIn = true

	return []Definition{calculator, webFetch}, nil
}

// NewBuiltinRegistry builds a registry pre-populated with the built-in tools.
func NewBuiltinRegistry() (*InMemoryRegistry, error) {
	registry := NewInMemoryRegistry()
	defs, err := BuiltinDefinitions()
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if err := registry.RegisterTool(def.Name, def); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
