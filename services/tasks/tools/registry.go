// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
)

// Handler executes a tool for a user with JSON-encoded arguments.
type Handler func(ctx context.Context, userID string, args json.RawMessage) tasks.Envelope

// Tool pairs a definition with its handler.
type Tool struct {
	Definition Definition
	Handler    Handler
}

// Registry manages tool registration and lookup.
//
// Thread Safety:
//
//	Registry is fully thread-safe. All methods can be called concurrently.
type Registry struct {
	mu sync.RWMutex

	// byName maps tool names to tools.
	byName map[string]Tool
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Tool),
	}
}

// Register adds a tool to the registry, replacing any tool with the same
// name. Tools without a handler are ignored.
func (r *Registry) Register(tool Tool) {
	if tool.Handler == nil || tool.Definition.Name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[tool.Definition.Name] = tool
}

// Get returns a tool by name.
//
// Outputs:
//
//	Tool - The registered tool
//	bool - True if the tool was found
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.byName[name]
	return tool, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns all tool definitions, sorted by name.
//
// Thread Safety: This method is safe for concurrent use.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.byName))
	for _, tool := range r.byName {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})
	return defs
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Dispatch runs the named tool on behalf of userID.
//
// Description:
//
//	Unknown tool names become an error envelope rather than a Go error, so
//	the model sees the mistake and can recover within the same run.
//
// Thread Safety: This method is safe for concurrent use.
func (r *Registry) Dispatch(ctx context.Context, userID, name string, args json.RawMessage) tasks.Envelope {
	tool, ok := r.Get(name)
	if !ok {
		return tasks.Failure("Unknown tool: %s", name)
	}
	return tool.Handler(ctx, userID, args)
}

// Bind closes the registry over a single user.
func (r *Registry) Bind(userID string) *Bound {
	return &Bound{registry: r, userID: userID}
}

// Bound is a Registry bound to one user. It is the direct-mode ToolSet.
type Bound struct {
	registry *Registry
	userID   string
}

// UserID returns the bound user.
func (b *Bound) UserID() string {
	return b.userID
}

// Definitions implements ToolSet.
func (b *Bound) Definitions() []Definition {
	return b.registry.Definitions()
}

// Invoke implements ToolSet. In-process calls cannot fail in transport, so
// the error is always nil.
func (b *Bound) Invoke(ctx context.Context, name string, args json.RawMessage) (tasks.Envelope, error) {
	return b.registry.Dispatch(ctx, b.userID, name, args), nil
}

var _ ToolSet = (*Bound)(nil)
