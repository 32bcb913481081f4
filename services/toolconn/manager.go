// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package toolconn owns the process-wide connection to the remote tool
// server.
//
// # Description
//
// Manager is created once at startup and handed to whoever needs the
// connection. It starts uninitialized and builds the connection on the
// first Acquire. Once built, the connection is shared read-only by every
// request and is never rebuilt.
//
// # Concurrency
//
// Steady-state Acquire is a single atomic load. Only construction is
// serialized, by a weighted semaphore of size one whose acquisition honors
// context cancellation. Construction failure, including cancellation while
// dialing, leaves the manager uninitialized.
package toolconn

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/AleutianAI/AleutianTasks/services/tasks/tools"
	"golang.org/x/sync/semaphore"
)

// =============================================================================
// Connection Contracts
// =============================================================================

// Conn is a ready connection to a remote tool server. It is shared by all
// requests and must be safe for concurrent use.
type Conn interface {
	// Endpoint returns the server URL.
	Endpoint() string

	// Tools returns the tool definitions as published by the server,
	// including server-only parameters.
	Tools(ctx context.Context) ([]tools.Definition, error)

	// Open starts a per-request session. The caller must Close it.
	Open(ctx context.Context) (Session, error)
}

// Session is the per-request scope on a Conn.
type Session interface {
	// Call invokes a tool. Tool-level failures come back as error
	// envelopes; a non-nil error is a *TransportError.
	Call(ctx context.Context, name string, args map[string]any) (tasks.Envelope, error)

	// Close ends the session. It is safe to call more than once.
	Close() error
}

// Dialer constructs a Conn. It is called at most once per successful
// construction.
type Dialer func(ctx context.Context, cfg Config) (Conn, error)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the remote connection.
type Config struct {
	// Endpoint is the tool server URL, e.g. http://localhost:8001/mcp.
	Endpoint string

	// Timeout bounds each HTTP round trip. Default: 30s.
	Timeout time.Duration

	// MaxRetries is the transport reconnect budget. Default: 3.
	MaxRetries int

	// CacheTools keeps the tool list fetched at construction instead of
	// listing tools on every request. Default: true via DefaultConfig.
	CacheTools bool

	// ClientName and Version identify this process to the server.
	ClientName string
	Version    string

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client

	// Logger for connection lifecycle. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the standard settings for endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:   endpoint,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		CacheTools: true,
		ClientName: "taskbridge",
	}
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ClientName == "" {
		c.ClientName = "taskbridge"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// =============================================================================
// Manager
// =============================================================================

type readyConn struct {
	conn Conn
}

// Manager lazily constructs and then shares a single Conn.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	ready         atomic.Pointer[readyConn]
	closed        atomic.Bool
	construct     *semaphore.Weighted
	constructions atomic.Int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDialer replaces the MCP dialer. Tests use it to count and fail
// constructions.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) {
		if d != nil {
			m.dial = d
		}
	}
}

// NewManager creates an uninitialized manager. No network I/O happens until
// the first Acquire.
//
// # Inputs
//
//   - cfg: Connection settings. Endpoint is required for Acquire to succeed.
//   - opts: Optional dialer override.
//
// # Outputs
//
//   - *Manager: Uninitialized manager.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:       cfg,
		dial:      DialMCP,
		logger:    cfg.Logger.With("component", "toolconn", "endpoint", cfg.Endpoint),
		construct: semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Endpoint returns the configured server URL.
func (m *Manager) Endpoint() string {
	return m.cfg.Endpoint
}

// Ready reports whether the connection has been constructed.
func (m *Manager) Ready() bool {
	return m.ready.Load() != nil
}

// Constructions returns how many times the dialer has been invoked.
func (m *Manager) Constructions() int64 {
	return m.constructions.Load()
}

// Acquire returns the shared connection, constructing it on first use.
//
// # Description
//
// The fast path is an atomic load. On a miss, callers queue on a size-one
// semaphore; the winner re-checks, dials, and publishes the connection.
// Waiters that wake after publication take the fast result without dialing.
//
// # Inputs
//
//   - ctx: Bounds both the wait for the construction slot and the dial.
//
// # Outputs
//
//   - Conn: The shared connection.
//   - error: *ConstructionError on any failure, or ErrClosed.
func (m *Manager) Acquire(ctx context.Context) (Conn, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if r := m.ready.Load(); r != nil {
		return r.conn, nil
	}

	if err := m.construct.Acquire(ctx, 1); err != nil {
		return nil, &ConstructionError{Endpoint: m.cfg.Endpoint, Err: err}
	}
	defer m.construct.Release(1)

	if r := m.ready.Load(); r != nil {
		return r.conn, nil
	}
	if m.closed.Load() {
		return nil, ErrClosed
	}

	m.constructions.Add(1)
	start := time.Now()
	conn, err := m.dial(ctx, m.cfg)
	if err == nil && ctx.Err() != nil {
		closeConn(conn)
		err = ctx.Err()
	}
	if err != nil {
		m.logger.Warn("Tool server connection failed", "error", err, "duration", time.Since(start))
		return nil, &ConstructionError{Endpoint: m.cfg.Endpoint, Err: err}
	}

	m.ready.Store(&readyConn{conn: conn})
	m.logger.Info("Tool server connection ready", "duration", time.Since(start))
	return conn, nil
}

// Close releases the connection if one was built. Later Acquire calls fail
// with ErrClosed.
func (m *Manager) Close() error {
	m.closed.Store(true)
	if r := m.ready.Load(); r != nil {
		return closeConn(r.conn)
	}
	return nil
}

func closeConn(conn Conn) error {
	if c, ok := conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
