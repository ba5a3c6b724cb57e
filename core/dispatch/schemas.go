package dispatch

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Event names accepted by the dispatcher. Payloads for anything else are
// rejected before they reach the bus.
const (
	EventCodeAgentRun = "code-agent/run"
	EventTestSimple   = "test/simple"
	EventDebugRun     = "debug/run"
)

// RunPayload triggers a code-generation run against a project.
type RunPayload struct {
	Value     string `json:"value"`
	ProjectID string `json:"projectId"`
}

// TestPayload exercises the worker wiring without a real prompt.
type TestPayload struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
}

// DebugPayload runs the agent loop outside any project.
type DebugPayload struct {
	UserID string `json:"userId"`
}

var payloadSchemas = map[string]string{
	EventCodeAgentRun: `{
		"type": "object",
		"required": ["value", "projectId"],
		"properties": {
			"value": {"type": "string", "minLength": 1},
			"projectId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	EventTestSimple: `{
		"type": "object",
		"required": ["projectId", "userId"],
		"properties": {
			"projectId": {"type": "string", "minLength": 1},
			"userId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	EventDebugRun: `{
		"type": "object",
		"required": ["userId"],
		"properties": {
			"userId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compiled := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for name, raw := range payloadSchemas {
		compiler := jsonschema.NewCompiler()
		id := "inmemory://" + strings.ReplaceAll(name, "/", "-")
		if err := compiler.AddResource(id, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		s, err := compiler.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = s
	}
	return compiled, nil
}
