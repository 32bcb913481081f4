// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge connects a conversational message to the task tools.
//
// The bridge builds a per-message binding (instructions, user-bound tools,
// model), hands it to the agent loop, and turns the outcome into a Result.
// Whether tools run in-process or over the remote tool protocol is decided
// once, when the Binder is chosen at startup; callers never see the
// difference.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianTasks/services/agent"
)

// ApologyText is the response shown to the user when a run fails.
const ApologyText = "I'm sorry, I encountered an error processing your request. Please try again."

// Run outcomes reported to the Observer.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
)

// Result is the outcome of one message.
type Result struct {
	// Response is the final assistant text, or ApologyText on failure.
	Response string `json:"response"`

	// ToolCalls lists every tool invocation in execution order. It is
	// empty, never nil, on failure.
	ToolCalls []agent.ToolCallRecord `json:"tool_calls"`

	// Model is the model that answered.
	Model string `json:"model"`

	// TokensUsed is the model usage total, 0 when unreported.
	TokensUsed int `json:"tokens_used"`

	// Error is the diagnostic when the run failed.
	Error string `json:"error,omitempty"`
}

// Degraded reports whether the result is the failure fallback.
func (r Result) Degraded() bool {
	return r.Error != ""
}

// Observer receives run and tool call measurements.
type Observer interface {
	ObserveRun(mode Mode, outcome string, duration time.Duration)
	ObserveToolCall(tool, status string, latency time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRun(Mode, string, time.Duration)        {}
func (nopObserver) ObserveToolCall(string, string, time.Duration) {}

// Bridge runs messages through the agent with user-bound tools.
//
// # Thread Safety
//
// Safe for concurrent use. Each Run or Stream builds and releases its own
// binding.
type Bridge struct {
	binder   Binder
	runner   *agent.Runner
	logger   *slog.Logger
	observer Observer
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(b *Bridge) {
		if o != nil {
			b.observer = o
		}
	}
}

// New creates a Bridge.
//
// # Inputs
//
//   - binder: DirectBinder or RemoteBinder. Fixes the mode for the
//     lifetime of the bridge.
//   - runner: Agent loop.
//   - opts: Logger and observer.
func New(binder Binder, runner *agent.Runner, opts ...Option) *Bridge {
	b := &Bridge{
		binder:   binder,
		runner:   runner,
		logger:   slog.Default().With("component", "bridge"),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Mode reports the dispatch mode.
func (b *Bridge) Mode() Mode {
	return b.binder.Mode()
}

// Run processes one user message.
//
// # Description
//
// Builds a binding for userID, runs the agent over history plus message,
// and returns the final text with the ordered tool call log. The binding
// is released before Run returns.
//
// Any failure (binding, model, transport, cancellation, or a panic in a
// collaborator) is logged and converted into a degraded Result carrying
// ApologyText; Run never returns an error.
//
// # Inputs
//
//   - ctx: Cancels the model call and any tool round trip in flight.
//   - userID: Owner of every task touched by the run.
//   - message: New user message.
//   - history: Prior turns, oldest first.
func (b *Bridge) Run(ctx context.Context, userID, message string, history []agent.Message) (result Result) {
	start := time.Now()
	mode := b.binder.Mode()
	defer func() {
		if r := recover(); r != nil {
			result = b.degrade(userID, start, "panic", panicError(r))
		}
	}()

	binding, err := b.binder.Bind(ctx, userID)
	if err != nil {
		return b.degrade(userID, start, "bind", err)
	}
	defer b.release(binding, userID)

	out, err := b.runner.Run(ctx, agent.Input{
		Instructions: binding.Instructions,
		History:      history,
		Message:      message,
		Tools:        binding.Tools,
	})
	if err != nil {
		return b.degrade(userID, start, "run", err)
	}

	b.observeCalls(out.ToolCalls)
	b.observer.ObserveRun(mode, OutcomeOK, time.Since(start))
	b.logger.Info("Message processed",
		"mode", mode,
		"user_id", userID,
		"tool_calls", len(out.ToolCalls),
		"turns", out.Turns,
		"duration_ms", time.Since(start).Milliseconds())

	return Result{
		Response:   out.Response,
		ToolCalls:  out.ToolCalls,
		Model:      firstNonEmpty(out.Model, binding.Model),
		TokensUsed: out.TokensUsed,
	}
}

func (b *Bridge) degrade(userID string, start time.Time, stage string, err error) Result {
	b.logger.Error("Message processing failed",
		"mode", b.binder.Mode(),
		"user_id", userID,
		"stage", stage,
		"error", err)
	b.observer.ObserveRun(b.binder.Mode(), OutcomeDegraded, time.Since(start))
	return Result{
		Response:  ApologyText,
		ToolCalls: []agent.ToolCallRecord{},
		Model:     b.runner.Model(),
		Error:     err.Error(),
	}
}

func panicError(r any) error {
	return fmt.Errorf("panic: %v", r)
}

func (b *Bridge) release(binding *Binding, userID string) {
	if err := binding.Release(); err != nil {
		b.logger.Warn("Binding release failed", "user_id", userID, "error", err)
	}
}

func (b *Bridge) observeCalls(calls []agent.ToolCallRecord) {
	for _, c := range calls {
		b.observer.ObserveToolCall(c.Tool, c.Result.Status, c.Latency)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
