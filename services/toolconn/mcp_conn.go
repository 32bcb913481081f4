// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/AleutianAI/AleutianTasks/services/tasks/tools"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpConn is the Conn built by DialMCP. It holds the MCP client, the HTTP
// client, and the cached tool list; sessions are opened per request.
type mcpConn struct {
	cfg        Config
	client     *mcp.Client
	httpClient *http.Client

	mu     sync.Mutex
	cached []tools.Definition
}

// DialMCP connects to a streamable HTTP MCP server.
//
// # Description
//
// Opens one session to list the server's tools, which proves the endpoint
// is reachable and speaks MCP. With cfg.CacheTools the list is kept for the
// life of the connection.
//
// # Outputs
//
//   - Conn: Ready connection.
//   - error: Non-nil if the endpoint is empty, unreachable, or the tool
//     list cannot be read.
func DialMCP(ctx context.Context, cfg Config) (Conn, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("tool server endpoint is not configured")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &mcpConn{
		cfg:        cfg,
		client:     mcp.NewClient(&mcp.Implementation{Name: cfg.ClientName, Version: cfg.Version}, nil),
		httpClient: httpClient,
	}

	defs, err := c.fetchTools(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.CacheTools {
		c.cached = defs
	}
	return c, nil
}

func (c *mcpConn) Endpoint() string {
	return c.cfg.Endpoint
}

func (c *mcpConn) connect(ctx context.Context) (*mcp.ClientSession, error) {
	transport := &mcp.StreamableClientTransport{
		Endpoint:   c.cfg.Endpoint,
		HTTPClient: c.httpClient,
		MaxRetries: c.cfg.MaxRetries,
	}
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, &TransportError{Endpoint: c.cfg.Endpoint, Err: err}
	}
	return session, nil
}

// Tools returns the published tool definitions.
func (c *mcpConn) Tools(ctx context.Context) ([]tools.Definition, error) {
	c.mu.Lock()
	cached := c.cached
	c.mu.Unlock()
	if cached != nil {
		return append([]tools.Definition(nil), cached...), nil
	}
	return c.fetchTools(ctx)
}

func (c *mcpConn) fetchTools(ctx context.Context) ([]tools.Definition, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var defs []tools.Definition
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, &TransportError{Endpoint: c.cfg.Endpoint, Err: fmt.Errorf("list tools: %w", err)}
		}
		for _, tool := range res.Tools {
			def, err := toDefinition(tool)
			if err != nil {
				return nil, err
			}
			defs = append(defs, def)
		}
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
	return defs, nil
}

func toDefinition(tool *mcp.Tool) (tools.Definition, error) {
	schema, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return tools.Definition{}, fmt.Errorf("encode schema for %s: %w", tool.Name, err)
	}
	def, err := tools.ParseDefinition(tool.Name, tool.Description, schema)
	if err != nil {
		return tools.Definition{}, err
	}
	if tool.Annotations != nil {
		def.ReadOnly = tool.Annotations.ReadOnlyHint
		if tool.Annotations.DestructiveHint != nil {
			def.Destructive = *tool.Annotations.DestructiveHint
		}
	}
	return def, nil
}

// Open starts a per-request MCP session.
func (c *mcpConn) Open(ctx context.Context) (Session, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	return &mcpSession{endpoint: c.cfg.Endpoint, session: session}, nil
}

// Close drops idle HTTP connections. Sessions are per request, so nothing
// else is held.
func (c *mcpConn) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// =============================================================================
// Session
// =============================================================================

type mcpSession struct {
	endpoint string
	session  *mcp.ClientSession

	closeOnce sync.Once
	closeErr  error
}

// Call invokes a tool and decodes the envelope from its text content.
func (s *mcpSession) Call(ctx context.Context, name string, args map[string]any) (tasks.Envelope, error) {
	res, err := s.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return tasks.Envelope{}, &TransportError{Endpoint: s.endpoint, Tool: name, Err: err}
	}
	return decodeResult(res, s.endpoint, name)
}

// decodeResult extracts the envelope. Servers that report a tool failure
// without an envelope get their text wrapped in an error envelope.
func decodeResult(res *mcp.CallToolResult, endpoint, name string) (tasks.Envelope, error) {
	var text string
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			text = tc.Text
			break
		}
	}

	env, err := tasks.DecodeEnvelope([]byte(text))
	if err == nil {
		return env, nil
	}
	if res.IsError {
		if text == "" {
			text = "Tool call failed"
		}
		return tasks.Failure("%s", text), nil
	}
	return tasks.Envelope{}, &TransportError{
		Endpoint: endpoint,
		Tool:     name,
		Err:      fmt.Errorf("malformed tool result: %w", err),
	}
}

func (s *mcpSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}
