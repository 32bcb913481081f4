// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/AleutianAI/AleutianTasks/services/tasks/memstore"
	"github.com/AleutianAI/AleutianTasks/services/tasks/tools"
	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type observed struct {
	mu    sync.Mutex
	calls []string
}

func (o *observed) observe(tool string, env tasks.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, tool+":"+env.Status)
}

func (o *observed) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

func newTestServer(t *testing.T, obs *observed) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registry := tools.NewTaskRegistry(tasks.NewService(memstore.New()))
	cfg := Config{Version: "test"}
	if obs != nil {
		cfg.Observer = obs.observe
	}
	return New(registry, cfg)
}

func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := s.server.Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) tasks.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	env, err := tasks.DecodeEnvelope([]byte(text.Text))
	require.NoError(t, err)
	assert.Equal(t, !env.OK(), res.IsError)
	return env
}

func TestServer_PublishesToolsWithUserID(t *testing.T) {
	cs := connect(t, newTestServer(t, nil))

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Tools, len(tools.TaskDefinitions()))

	byName := make(map[string]*mcp.Tool)
	for _, tool := range res.Tools {
		byName[tool.Name] = tool
	}
	for _, def := range tools.TaskDefinitions() {
		tool, ok := byName[def.Name]
		require.True(t, ok, def.Name)

		raw, err := json.Marshal(tool.InputSchema)
		require.NoError(t, err)
		var schema struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		require.NoError(t, json.Unmarshal(raw, &schema))
		assert.Contains(t, schema.Properties, tools.UserIDParam, def.Name)
		assert.Contains(t, schema.Required, tools.UserIDParam, def.Name)

		require.NotNil(t, tool.Annotations, def.Name)
		assert.Equal(t, def.ReadOnly, tool.Annotations.ReadOnlyHint, def.Name)
		require.NotNil(t, tool.Annotations.DestructiveHint, def.Name)
		assert.Equal(t, def.Destructive, *tool.Annotations.DestructiveHint, def.Name)
	}
}

func TestServer_CallsAreScopedByUserID(t *testing.T) {
	obs := &observed{}
	cs := connect(t, newTestServer(t, obs))

	created := callTool(t, cs, tools.AddTask, map[string]any{"title": "water plants", "user_id": "alice"})
	require.True(t, created.OK(), created.Error)
	id := created.Data.(map[string]any)["task_id"].(string)

	own := callTool(t, cs, tools.ListTasks, map[string]any{"user_id": "alice"})
	require.True(t, own.OK())
	assert.EqualValues(t, 1, own.Data.(map[string]any)["count"])

	other := callTool(t, cs, tools.ListTasks, map[string]any{"user_id": "bob"})
	require.True(t, other.OK())
	assert.EqualValues(t, 0, other.Data.(map[string]any)["count"])

	foreign := callTool(t, cs, tools.CompleteTask, map[string]any{"task_id": id, "user_id": "bob"})
	assert.False(t, foreign.OK())
	assert.Equal(t, "Task not found", foreign.Error)

	assert.Equal(t, []string{
		"add_task:success",
		"list_tasks:success",
		"list_tasks:success",
		"complete_task:error",
	}, obs.snapshot())
}

func TestHandle_MissingUserIDIsRejected(t *testing.T) {
	s := newTestServer(t, nil)

	res, err := s.handle(tools.AddTask)(context.Background(), &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Name: tools.AddTask, Arguments: json.RawMessage(`{"title":"x"}`)},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	env, ok := res.StructuredContent.(tasks.Envelope)
	require.True(t, ok)
	assert.Equal(t, "User ID must be between 1 and 255 characters", env.Error)
}

func TestExtractUserID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"present", `{"user_id":"u1","title":"x"}`, "u1"},
		{"missing", `{"title":"x"}`, ""},
		{"wrong type", `{"user_id":42}`, ""},
		{"not json", `nope`, ""},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractUserID(json.RawMessage(tt.raw)))
		})
	}
}

func TestStandaloneRouter_Health(t *testing.T) {
	router := newTestServer(t, nil).StandaloneRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status  string   `json:"status"`
		Service string   `json:"service"`
		Tools   []string `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, ServerName, body.Service)
	assert.ElementsMatch(t, []string{
		tools.AddTask, tools.ListTasks, tools.CompleteTask, tools.UpdateTask, tools.DeleteTask,
	}, body.Tools)
}
