// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTasks/pkg/extensions"
	"github.com/AleutianAI/AleutianTasks/services/bridge"
	"github.com/AleutianAI/AleutianTasks/services/chat"
	"github.com/AleutianAI/AleutianTasks/services/llm"
	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/AleutianAI/AleutianTasks/services/tasks/mcpserver"
	"github.com/AleutianAI/AleutianTasks/services/tasks/memstore"
	"github.com/AleutianAI/AleutianTasks/services/tasks/tools"
	"github.com/AleutianAI/AleutianTasks/services/toolconn"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Configuration
// =============================================================================

func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	result := applyConfigDefaults(Config{})

	assert.Equal(t, 8000, result.Port, "default port should be 8000")
	assert.Equal(t, "gpt-4o", result.OpenAIModel)
	assert.Equal(t, 30*time.Second, result.OpenAITimeout)
	assert.Equal(t, 5, result.DBPoolSize)
	assert.Zero(t, result.DBPoolMaxOverflow, "zero overflow is a valid setting")
	assert.Equal(t, "development", result.Environment)
	assert.Empty(t, result.OTelEndpoint, "tracing should be off by default")
}

func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	cfg := Config{
		Port:          9090,
		OpenAIModel:   "gpt-4o-mini",
		OpenAITimeout: time.Minute,
		DBPoolSize:    20,
		Environment:   "production",
	}

	result := applyConfigDefaults(cfg)

	assert.Equal(t, 9090, result.Port)
	assert.Equal(t, "gpt-4o-mini", result.OpenAIModel)
	assert.Equal(t, time.Minute, result.OpenAITimeout)
	assert.Equal(t, 20, result.DBPoolSize)
	assert.Equal(t, "production", result.Environment)
}

func TestDefaultConfig_MountsServer(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.MountMCPServer)
	assert.Equal(t, 10, cfg.DBPoolMaxOverflow)
	assert.Equal(t, "http://localhost:8000/mcp", cfg.MCPServerURL())
}

func TestConfig_MCPServerURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"mounted", Config{Port: 8000, MountMCPServer: true}, "http://localhost:8000/mcp"},
		{"mounted custom port", Config{Port: 9000, MountMCPServer: true}, "http://localhost:9000/mcp"},
		{"standalone", Config{Port: 8000}, "http://localhost:8001/mcp"},
		{"override wins", Config{Port: 8000, MountMCPServer: true, MCPServerOverride: "http://tools:9999/mcp"}, "http://tools:9999/mcp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.MCPServerURL())
		})
	}
}

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadConfig_ZeroPoolOverflowKept(t *testing.T) {
	cfg, err := loadConfig("", envLookup(map[string]string{"DB_POOL_MAX_OVERFLOW": "0"}))
	require.NoError(t, err)
	assert.Zero(t, cfg.DBPoolMaxOverflow)

	cfg, err = loadConfig("", envLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.DBPoolMaxOverflow)
}

func TestLoadConfig_Environment(t *testing.T) {
	cfg, err := loadConfig("", envLookup(map[string]string{
		"API_HOST":                     "127.0.0.1",
		"API_PORT":                     "9100",
		"DATABASE_URL":                 "postgres://u:p@db:5432/todo",
		"DB_POOL_SIZE":                 "8",
		"OPENAI_API_KEY":               "sk-test",
		"OPENAI_MODEL":                 "gpt-4o-mini",
		"OPENAI_API_TIMEOUT":           "45",
		"MOUNT_MCP_SERVER":             "false",
		"MCP_SERVER_URL":               "http://tools:8001/mcp",
		"RATE_LIMIT_REQUESTS_PER_HOUR": "250",
		"OTEL_EXPORTER_OTLP_ENDPOINT":  "collector:4317",
		"AUTH_TOKENS":                  "tok-a=alice, tok-b=bob",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Addr())
	assert.Equal(t, "postgres://u:p@db:5432/todo", cfg.DatabaseURL)
	assert.Equal(t, 8, cfg.DBPoolSize)
	assert.Equal(t, 10, cfg.DBPoolMaxOverflow)
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAIModel)
	assert.Equal(t, 45*time.Second, cfg.OpenAITimeout)
	assert.False(t, cfg.MountMCPServer)
	assert.Equal(t, "http://tools:8001/mcp", cfg.MCPServerURL())
	assert.Equal(t, 250, cfg.RateLimitPerHour)
	assert.Equal(t, "collector:4317", cfg.OTelEndpoint)
	assert.Equal(t, map[string]string{"tok-a": "alice", "tok-b": "bob"}, cfg.AuthTokens)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("", envLookup(nil))
	require.NoError(t, err)

	assert.True(t, cfg.MountMCPServer)
	assert.Equal(t, 100, cfg.RateLimitPerHour)
	assert.Equal(t, ":8000", cfg.Addr())
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 7000
openai_model: gpt-4.1
mount_mcp_server: false
conversation_dir: /var/lib/taskbridge
auth_tokens:
  tok-file: carol
`), 0o600))

	cfg, err := loadConfig(path, envLookup(map[string]string{"API_PORT": "7001"}))
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Port, "environment overrides the file")
	assert.Equal(t, "gpt-4.1", cfg.OpenAIModel)
	assert.False(t, cfg.MountMCPServer)
	assert.Equal(t, "/var/lib/taskbridge", cfg.ConversationDir)
	assert.Equal(t, "carol", cfg.AuthTokens["tok-file"])
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"API_PORT": "eighty"}},
		{"port out of range", map[string]string{"API_PORT": "70000"}},
		{"bad bool", map[string]string{"MOUNT_MCP_SERVER": "maybe"}},
		{"bad timeout", map[string]string{"OPENAI_API_TIMEOUT": "soon"}},
		{"bad tokens", map[string]string{"AUTH_TOKENS": "no-equals-sign"}},
		{"bad tool url", map[string]string{"MCP_SERVER_URL": "not a url"}},
		{"negative rate", map[string]string{"RATE_LIMIT_REQUESTS_PER_HOUR": "-1"}},
		{"production without database", map[string]string{"ENVIRONMENT": "production"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig("", envLookup(tt.env))
			assert.Error(t, err)
		})
	}

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), envLookup(nil))
	assert.Error(t, err)
}

func TestParseTimeout(t *testing.T) {
	d, err := parseTimeout("1.5")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = parseTimeout("2m")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)
}

// =============================================================================
// Service
// =============================================================================

func newTestService(t *testing.T, cfg Config, options ...Option) (Service, *llm.MockClient) {
	t.Helper()
	mock := llm.NewMockClient().WithModel("mock-model")
	svc, err := New(cfg, nil, append([]Option{WithLLMClient(mock)}, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, mock
}

func postChat(t *testing.T, router http.Handler, token, message string) (int, chat.Response) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"message": message})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp chat.Response
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func TestNew_DirectModeMountsToolServer(t *testing.T) {
	svc, mock := newTestService(t, Config{MountMCPServer: true})
	mock.
		QueueToolCall(tools.AddTask, map[string]any{"title": "Buy milk"}).
		QueueFinalResponse("Added Buy milk.")

	paths := make(map[string]bool)
	for _, r := range svc.Router().Routes() {
		paths[r.Path] = true
	}
	assert.True(t, paths[mcpserver.DefaultPath], "MCP endpoint should be mounted in direct mode")
	assert.True(t, paths["/metrics"])

	status, resp := postChat(t, svc.Router(), "", "add buy milk")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Added Buy milk.", resp.Response)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, tasks.StatusSuccess, resp.ToolCalls[0].Result.Status)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `taskbridge_bridge_runs_total{mode="direct",outcome="ok"} 1`)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"direct"`)
}

func TestNew_RemoteModeUsesToolServer(t *testing.T) {
	toolStore := memstore.New()
	toolServer := mcpserver.New(tools.NewTaskRegistry(tasks.NewService(toolStore)), mcpserver.Config{Version: "test"})
	srv := httptest.NewServer(toolServer.StandaloneRouter())
	defer srv.Close()

	svc, mock := newTestService(t, Config{MCPServerOverride: srv.URL + mcpserver.DefaultPath})
	mock.
		QueueToolCall(tools.AddTask, map[string]any{"title": "Walk dog"}).
		QueueFinalResponse("Added.")

	for _, r := range svc.Router().Routes() {
		assert.NotEqual(t, mcpserver.DefaultPath, r.Path, "remote mode must not mount the tool server")
	}

	status, resp := postChat(t, svc.Router(), "", "add walk dog")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Added.", resp.Response)
	assert.Empty(t, resp.Error)
	assert.Equal(t, 1, toolStore.Len(), "the task lives in the tool server's store")

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "taskbridge_toolconn_constructions_total 1")
	assert.Contains(t, w.Body.String(), `taskbridge_bridge_runs_total{mode="remote",outcome="ok"} 1`)
}

func TestNew_RemoteModeDegradesWhenServerDown(t *testing.T) {
	var dialed []toolconn.Config
	dialer := func(_ context.Context, cfg toolconn.Config) (toolconn.Conn, error) {
		dialed = append(dialed, cfg)
		return nil, errors.New("connection refused")
	}
	svc, _ := newTestService(t, Config{OpenAITimeout: 45 * time.Second}, WithToolDialer(dialer))

	status, resp := postChat(t, svc.Router(), "", "list my tasks")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, bridge.ApologyText, resp.Response)
	assert.NotEmpty(t, resp.Error)

	require.Len(t, dialed, 1)
	assert.Equal(t, 45*time.Second, dialed[0].Timeout, "tool round trips share the model timeout")
}

func TestNew_AuthTokensFromConfig(t *testing.T) {
	svc, mock := newTestService(t, Config{
		MountMCPServer: true,
		AuthTokens:     map[string]string{"tok-alice": "alice"},
	})
	mock.QueueFinalResponse("hello alice")

	status, _ := postChat(t, svc.Router(), "", "hi")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, resp := postChat(t, svc.Router(), "tok-alice", "hi")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello alice", resp.Response)
	assert.Contains(t, mock.LastRequest().SystemPrompt, "alice")
}

func TestNew_ExplicitOptionsWin(t *testing.T) {
	opts := extensions.DefaultOptions()
	svc, err := New(Config{MountMCPServer: true, AuthTokens: map[string]string{"tok": "alice"}}, &opts,
		WithLLMClient(llm.NewMockClient()))
	require.NoError(t, err)
	defer svc.Close()

	status, _ := postChat(t, svc.Router(), "", "hi")
	assert.Equal(t, http.StatusOK, status, "explicit Nop provider ignores configured tokens")
}

func TestNew_RateLimit(t *testing.T) {
	svc, mock := newTestService(t, Config{MountMCPServer: true, RateLimitPerHour: 1})
	mock.QueueFinalResponse("one")

	status, _ := postChat(t, svc.Router(), "", "first")
	require.Equal(t, http.StatusOK, status)
	status, _ = postChat(t, svc.Router(), "", "second")
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestNew_BadgerConversations(t *testing.T) {
	dir := t.TempDir()
	svc, mock := newTestService(t, Config{MountMCPServer: true, ConversationDir: dir})
	mock.QueueFinalResponse("saved")

	status, resp := postChat(t, svc.Router(), "", "remember this")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, svc.Close())

	again, _ := newTestService(t, Config{MountMCPServer: true, ConversationDir: dir})
	w := httptest.NewRecorder()
	again.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/api/conversations/"+resp.ConversationID+"/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "remember this")
	assert.Contains(t, w.Body.String(), "saved")
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Port: 70000}, nil, WithLLMClient(llm.NewMockClient()))
	assert.Error(t, err)
}

func TestNew_TracerEnabled(t *testing.T) {
	svc, _ := newTestService(t, Config{MountMCPServer: true, OTelEndpoint: "localhost:4317"})
	assert.NotNil(t, svc.(*service).tracerCleanup)
	assert.NoError(t, svc.Close())
	assert.NoError(t, svc.Close(), "Close is idempotent")
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	svc, _ := newTestService(t, Config{Host: "127.0.0.1", Port: port, MountMCPServer: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
