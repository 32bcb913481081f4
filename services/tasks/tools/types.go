// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools exposes the task operations as schema-described tools.
//
// # Description
//
// The same Registry backs both dispatch modes: in-process calls go through
// Bound.Invoke, and the remote tool server goes through Registry.Dispatch.
// Argument decoding and validation therefore cannot drift between modes.
//
// The acting user is never a model-visible parameter. Bound closes over it;
// the remote server receives it as an extra argument that the client side
// injects and hides from the model.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
)

// =============================================================================
// Parameter Schema
// =============================================================================

// ParamType represents the JSON type of a tool parameter.
type ParamType string

const (
	// ParamTypeString is a string parameter.
	ParamTypeString ParamType = "string"

	// ParamTypeBool is a boolean parameter.
	ParamTypeBool ParamType = "boolean"
)

// ParamDef defines a single parameter for a tool.
type ParamDef struct {
	// Type is the parameter type.
	Type ParamType `json:"type"`

	// Description explains what the parameter is for.
	Description string `json:"description,omitempty"`

	// Required indicates if the parameter must be provided. It is carried in
	// the object-level "required" list, not on the property.
	Required bool `json:"-"`

	// Enum restricts values to a set of options.
	Enum []string `json:"enum,omitempty"`

	// MinLength is the minimum string length.
	MinLength int `json:"minLength,omitempty"`

	// MaxLength is the maximum string length.
	MaxLength int `json:"maxLength,omitempty"`
}

// Definition describes a tool's interface for the model and for the remote
// protocol.
type Definition struct {
	// Name is the stable tool name.
	Name string `json:"name"`

	// Description explains what the tool does.
	Description string `json:"description"`

	// Parameters defines the input parameters.
	Parameters map[string]ParamDef `json:"parameters"`

	// ReadOnly marks tools that never modify state.
	ReadOnly bool `json:"read_only,omitempty"`

	// Destructive marks tools that remove data.
	Destructive bool `json:"destructive,omitempty"`
}

// RequiredParams returns the required parameter names, sorted.
func (d Definition) RequiredParams() []string {
	required := make([]string, 0, len(d.Parameters))
	for name, param := range d.Parameters {
		if param.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}

// Schema renders the parameters as a JSON Schema object.
//
// # Outputs
//
//   - map[string]any: {"type":"object","properties":{...},"required":[...],
//     "additionalProperties":false}
func (d Definition) Schema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	for name, param := range d.Parameters {
		props[name] = param
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             d.RequiredParams(),
		"additionalProperties": false,
	}
}

// SchemaJSON renders Schema as JSON.
func (d Definition) SchemaJSON() json.RawMessage {
	b, err := json.Marshal(d.Schema())
	if err != nil {
		// Schema holds only strings, ints and maps of them.
		panic(fmt.Sprintf("tools: marshal schema for %s: %v", d.Name, err))
	}
	return b
}

// With returns a copy of d with an extra parameter.
func (d Definition) With(name string, param ParamDef) Definition {
	out := d.clone()
	out.Parameters[name] = param
	return out
}

// Without returns a copy of d with the named parameter removed.
func (d Definition) Without(name string) Definition {
	out := d.clone()
	delete(out.Parameters, name)
	return out
}

func (d Definition) clone() Definition {
	out := d
	out.Parameters = make(map[string]ParamDef, len(d.Parameters))
	for k, v := range d.Parameters {
		out.Parameters[k] = v
	}
	return out
}

// ParseDefinition rebuilds a Definition from a JSON Schema object, the shape
// produced by Schema and transmitted by the remote tool server.
//
// # Inputs
//
//   - name, description: Tool metadata.
//   - schema: A JSON Schema object with "properties" and "required".
//
// # Outputs
//
//   - Definition: The parsed definition.
//   - error: Non-nil if schema is not a JSON object schema.
func ParseDefinition(name, description string, schema json.RawMessage) (Definition, error) {
	var raw struct {
		Type       string              `json:"type"`
		Properties map[string]ParamDef `json:"properties"`
		Required   []string            `json:"required"`
	}
	if err := json.Unmarshal(schema, &raw); err != nil {
		return Definition{}, fmt.Errorf("parse schema for %s: %w", name, err)
	}
	if raw.Type != "" && raw.Type != "object" {
		return Definition{}, fmt.Errorf("parse schema for %s: type %q is not object", name, raw.Type)
	}

	def := Definition{
		Name:        name,
		Description: description,
		Parameters:  make(map[string]ParamDef, len(raw.Properties)),
	}
	for pname, param := range raw.Properties {
		def.Parameters[pname] = param
	}
	for _, req := range raw.Required {
		param, ok := def.Parameters[req]
		if !ok {
			return Definition{}, fmt.Errorf("parse schema for %s: required parameter %q has no property", name, req)
		}
		param.Required = true
		def.Parameters[req] = param
	}
	return def, nil
}

// =============================================================================
// Tool Sets
// =============================================================================

// ToolSet is a user-bound collection of tools the agent loop can invoke.
//
// # Description
//
// Invoke returns an Envelope for every outcome the tool itself produces,
// including validation and not-found errors. A non-nil error means the call
// never reached a tool (a transport failure) and the run cannot continue.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use, though the agent loop
// invokes tools one at a time.
type ToolSet interface {
	// Definitions returns the model-visible tool definitions, sorted by name.
	Definitions() []Definition

	// Invoke runs the named tool with JSON-encoded arguments.
	Invoke(ctx context.Context, name string, args json.RawMessage) (tasks.Envelope, error)
}
