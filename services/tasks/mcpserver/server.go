// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mcpserver serves the task tools over the Model Context Protocol.
//
// # Description
//
// Each task tool is published with its model-visible schema plus a required
// user_id argument. Calls are routed through tools.Registry.Dispatch, the
// same path direct mode uses, and the result Envelope is returned as the
// tool's text content (and as structured content).
//
// The server runs stateless with JSON responses, so any replica can serve
// any request and a client can open a fresh session per chat turn cheaply.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/AleutianAI/AleutianTasks/services/tasks/tools"
	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// ServerName is advertised during the MCP handshake.
	ServerName = "task-tools"

	// DefaultPath is where the streamable HTTP endpoint is mounted.
	DefaultPath = "/mcp"
)

// CallObserver is notified after every tool call. The orchestrator uses it
// for metrics.
type CallObserver func(tool string, env tasks.Envelope)

// Config configures a Server.
type Config struct {
	// Version is advertised in the handshake.
	Version string

	// Logger for call diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Observer, when set, sees every call result.
	Observer CallObserver
}

// Server publishes a tools.Registry over MCP.
//
// # Thread Safety
//
// Safe for concurrent use after New returns.
type Server struct {
	registry *tools.Registry
	server   *mcp.Server
	handler  http.Handler
	logger   *slog.Logger
	observer CallObserver
}

// New builds an MCP server exposing every tool in registry.
//
// # Inputs
//
//   - registry: Tools to publish. Tools registered later are not published.
//   - cfg: Version, logger and observer.
//
// # Outputs
//
//   - *Server: Ready to mount or run.
func New(registry *tools.Registry, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		registry: registry,
		server:   mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil),
		logger:   logger.With("component", "mcpserver"),
		observer: cfg.Observer,
	}
	s.registerTools()

	s.handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, &mcp.StreamableHTTPOptions{
		Stateless:    true,
		JSONResponse: true,
	})
	return s
}

// RemoteDefinition returns the definition published for a tool: the local
// definition plus the required user_id argument.
func RemoteDefinition(def tools.Definition) tools.Definition {
	return def.With(tools.UserIDParam, tools.UserIDParamDef)
}

func (s *Server) registerTools() {
	for _, def := range s.registry.Definitions() {
		remote := RemoteDefinition(def)
		tool := &mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: remote.Schema(),
			Annotations: annotations(def),
		}
		s.server.AddTool(tool, s.handle(def.Name))
	}
	s.logger.Info("MCP tools registered", "count", s.registry.Count())
}

func annotations(def tools.Definition) *mcp.ToolAnnotations {
	destructive := def.Destructive
	openWorld := false
	return &mcp.ToolAnnotations{
		ReadOnlyHint:    def.ReadOnly,
		DestructiveHint: &destructive,
		OpenWorldHint:   &openWorld,
	}
}

func (s *Server) handle(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var raw json.RawMessage
		if req.Params != nil {
			raw = req.Params.Arguments
		}

		env := s.registry.Dispatch(ctx, extractUserID(raw), name, raw)
		if s.observer != nil {
			s.observer(name, env)
		}
		if !env.OK() {
			s.logger.Debug("MCP tool returned error", "tool", name, "error", env.Error)
		}
		return EnvelopeResult(env), nil
	}
}

// extractUserID reads user_id from the raw arguments. A missing or
// malformed value yields "", which the task service rejects.
func extractUserID(raw json.RawMessage) string {
	var args struct {
		UserID string `json:"user_id"`
	}
	if len(raw) == 0 {
		return ""
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return ""
	}
	return args.UserID
}

// EnvelopeResult wraps an envelope as an MCP tool result.
func EnvelopeResult(env tasks.Envelope) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: env.JSON()}},
		StructuredContent: env,
		IsError:           !env.OK(),
	}
}

// Handler returns the streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Mount registers the MCP endpoint on a gin router at path.
func (s *Server) Mount(router gin.IRoutes, path string) {
	if path == "" {
		path = DefaultPath
	}
	router.Any(path, gin.WrapH(s.handler))
}

// RunStdio serves MCP over stdin/stdout until ctx is cancelled or the
// client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// StandaloneRouter builds the router for a dedicated tool server: a health
// document at "/" and the MCP endpoint at DefaultPath.
func (s *Server) StandaloneRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": ServerName,
			"tools":   s.registry.Names(),
		})
	})
	s.Mount(router, DefaultPath)
	return router
}
