// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/AleutianAI/AleutianTasks/services/tasks/tools"
	"github.com/AleutianAI/AleutianTasks/services/toolconn"
)

// =============================================================================
// Mode
// =============================================================================

// Mode selects how tools are dispatched. It is fixed for the process.
type Mode string

const (
	// ModeDirect calls the task operations in-process.
	ModeDirect Mode = "direct"

	// ModeRemote calls them on a remote tool server.
	ModeRemote Mode = "remote"
)

// ModeFor maps the mount flag to a mode: a mounted tool server means the
// tools live in this process.
func ModeFor(mounted bool) Mode {
	if mounted {
		return ModeDirect
	}
	return ModeRemote
}

// =============================================================================
// Binding
// =============================================================================

// Binding is everything the agent needs for one message: instructions for
// the user, a tool set bound to the user, and the model name.
//
// A Binding is built per message and released when the run ends. Release
// is idempotent.
type Binding struct {
	Instructions string
	Tools        tools.ToolSet
	Model        string

	releaseOnce sync.Once
	release     func() error
	releaseErr  error
}

// Release frees the binding's scoped resources. Only the first call has an
// effect.
func (b *Binding) Release() error {
	b.releaseOnce.Do(func() {
		if b.release != nil {
			b.releaseErr = b.release()
		}
	})
	return b.releaseErr
}

// Binder builds bindings. Exactly one implementation is chosen at startup.
type Binder interface {
	// Mode reports the dispatch mode.
	Mode() Mode

	// Bind builds a binding for userID. The caller must Release it.
	Bind(ctx context.Context, userID string) (*Binding, error)
}

// Instructions returns the system prompt for userID.
func Instructions(userID string) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful assistant that manages todo tasks for users.\n\n")
	sb.WriteString("You can create, list, update, complete and delete the current user's tasks with the tools provided.\n\n")
	fmt.Fprintf(&sb, "Current user ID: %s\n\n", userID)
	sb.WriteString("Task ids are UUIDs. Users refer to tasks by title, not by id. ")
	sb.WriteString("Before updating, completing or deleting a task, call list_tasks, find the task whose title matches, ")
	sb.WriteString("and use its task_id.\n\n")
	sb.WriteString("Guidelines:\n")
	sb.WriteString("- Be concise and friendly.\n")
	sb.WriteString("- Take the task title from the user's words when creating tasks.\n")
	sb.WriteString("- Present task lists clearly, marking each task pending or completed.\n")
	sb.WriteString("- Confirm each action after it succeeds.\n")
	sb.WriteString("- If several tasks match, ask which one the user means.\n")
	sb.WriteString("- If no task matches, say so.\n")
	return sb.String()
}

// =============================================================================
// Direct
// =============================================================================

// DirectBinder binds the in-process registry. It holds no resources.
type DirectBinder struct {
	registry *tools.Registry
	model    string
}

// NewDirectBinder creates a direct-mode binder.
func NewDirectBinder(registry *tools.Registry, model string) *DirectBinder {
	return &DirectBinder{registry: registry, model: model}
}

// Mode implements Binder.
func (d *DirectBinder) Mode() Mode { return ModeDirect }

// Bind implements Binder.
func (d *DirectBinder) Bind(_ context.Context, userID string) (*Binding, error) {
	return &Binding{
		Instructions: Instructions(userID),
		Tools:        d.registry.Bind(userID),
		Model:        d.model,
	}, nil
}

// =============================================================================
// Remote
// =============================================================================

// RemoteBinder binds a per-request session on the shared remote connection.
type RemoteBinder struct {
	manager *toolconn.Manager
	model   string
}

// NewRemoteBinder creates a remote-mode binder around the process-wide
// connection manager.
func NewRemoteBinder(manager *toolconn.Manager, model string) *RemoteBinder {
	return &RemoteBinder{manager: manager, model: model}
}

// Mode implements Binder.
func (r *RemoteBinder) Mode() Mode { return ModeRemote }

// Bind implements Binder.
//
// # Description
//
// Acquires the shared connection (building it on first use), reads the
// published tool list, and opens a session for this request. The session
// is closed by Binding.Release.
//
// # Outputs
//
//   - *Binding: Binding whose Tools dispatch over the session.
//   - error: *toolconn.ConstructionError or *toolconn.TransportError.
func (r *RemoteBinder) Bind(ctx context.Context, userID string) (*Binding, error) {
	conn, err := r.manager.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	published, err := conn.Tools(ctx)
	if err != nil {
		return nil, err
	}
	session, err := conn.Open(ctx)
	if err != nil {
		return nil, err
	}

	return &Binding{
		Instructions: Instructions(userID),
		Tools:        newRemoteTools(session, published, userID),
		Model:        r.model,
		release:      session.Close,
	}, nil
}

// remoteTools is the remote-mode ToolSet. It hides user_id from the model
// and injects the bound user into every call.
type remoteTools struct {
	session toolconn.Session
	userID  string
	defs    []tools.Definition
	known   map[string]bool
}

func newRemoteTools(session toolconn.Session, published []tools.Definition, userID string) *remoteTools {
	rt := &remoteTools{
		session: session,
		userID:  userID,
		defs:    make([]tools.Definition, 0, len(published)),
		known:   make(map[string]bool, len(published)),
	}
	for _, def := range published {
		rt.defs = append(rt.defs, def.Without(tools.UserIDParam))
		rt.known[def.Name] = true
	}
	sort.Slice(rt.defs, func(i, j int) bool { return rt.defs[i].Name < rt.defs[j].Name })
	return rt
}

func (rt *remoteTools) Definitions() []tools.Definition {
	return append([]tools.Definition(nil), rt.defs...)
}

// Invoke mirrors the direct path's handling of unknown tools and malformed
// arguments so the model sees identical envelopes in both modes.
func (rt *remoteTools) Invoke(ctx context.Context, name string, raw json.RawMessage) (tasks.Envelope, error) {
	if !rt.known[name] {
		return tasks.Failure("Unknown tool: %s", name), nil
	}

	args := make(map[string]any)
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return tasks.Failure("Invalid arguments for %s: %v", name, err), nil
		}
		if args == nil {
			args = make(map[string]any)
		}
	}
	args[tools.UserIDParam] = rt.userID

	return rt.session.Call(ctx, name, args)
}

var (
	_ Binder        = (*DirectBinder)(nil)
	_ Binder        = (*RemoteBinder)(nil)
	_ tools.ToolSet = (*remoteTools)(nil)
)
