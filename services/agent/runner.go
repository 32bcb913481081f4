// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent runs the tool-calling conversation loop.
//
// # Description
//
// A run sends the conversation and tool definitions to the model, executes
// the tool calls it asks for, feeds the results back, and repeats until the
// model answers in text. Tool calls within a run execute strictly one at a
// time in the order the model listed them, because later calls may depend
// on the state earlier ones produce.
//
// # Error Handling
//
// Tool-level failures (bad arguments, unknown tools, validation errors) are
// envelopes the model sees and can react to. Transport failures and model
// failures end the run with an error.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianTasks/services/llm"
)

// DefaultMaxTurns bounds model calls per run.
const DefaultMaxTurns = 10

// Config configures a Runner.
type Config struct {
	// MaxTurns bounds model calls per run. Default: 10.
	MaxTurns int

	// MaxTokens limits each model response. Zero means provider default.
	MaxTokens int

	// Temperature overrides the provider default when set.
	Temperature *float32
}

// Runner executes agent runs against a model client.
//
// # Thread Safety
//
// Safe for concurrent use. Each run keeps its state on the stack.
type Runner struct {
	client llm.Client
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a Runner.
//
// # Inputs
//
//   - client: The reasoning capability. Must not be nil.
//   - cfg: Turn and sampling limits.
//   - logger: Optional; defaults to slog.Default().
func NewRunner(client llm.Client, cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "agent"),
	}
}

// Model returns the configured model name.
func (r *Runner) Model() string {
	return r.client.Model()
}

// Run executes a run to completion.
//
// # Outputs
//
//   - *Output: Final text and ordered tool call log.
//   - error: Model failure, transport failure, cancellation, or
//     ErrMaxTurnsExceeded.
func (r *Runner) Run(ctx context.Context, in Input) (*Output, error) {
	return r.run(ctx, in, nil)
}

// RunStream executes a run, reporting progress through emit. emit is called
// on the calling goroutine; an error from emit aborts the run. Terminal
// events are left to the caller.
func (r *Runner) RunStream(ctx context.Context, in Input, emit func(Event) error) (*Output, error) {
	if emit == nil {
		emit = func(Event) error { return nil }
	}
	return r.run(ctx, in, emit)
}

func (r *Runner) run(ctx context.Context, in Input, emit func(Event) error) (*Output, error) {
	if in.Message == "" {
		return nil, ErrEmptyMessage
	}
	if in.Tools == nil {
		return nil, ErrNoTools
	}

	messages := make([]llm.Message, 0, len(in.History)+1)
	for _, m := range in.History {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: in.Message})

	out := &Output{ToolCalls: make([]ToolCallRecord, 0)}
	definitions := in.Tools.Definitions()

	for out.Turns < r.cfg.MaxTurns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Turns++

		req := &llm.Request{
			SystemPrompt: in.Instructions,
			Messages:     messages,
			Tools:        definitions,
			MaxTokens:    r.cfg.MaxTokens,
			Temperature:  r.cfg.Temperature,
		}
		resp, err := r.complete(ctx, req, emit)
		if err != nil {
			return nil, err
		}
		out.TokensUsed += resp.TokensUsed
		out.Model = resp.Model
		if out.Model == "" {
			out.Model = r.client.Model()
		}

		if !resp.HasToolCalls() {
			out.Response = resp.Content
			r.logger.Debug("Agent run finished",
				"turns", out.Turns,
				"tool_calls", len(out.ToolCalls),
				"tokens", out.TokensUsed)
			return out, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			record, err := r.invoke(ctx, in, call, emit)
			if err != nil {
				return nil, err
			}
			out.ToolCalls = append(out.ToolCalls, record)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    record.Result.JSON(),
			})
		}
	}

	return nil, fmt.Errorf("%w (%d)", ErrMaxTurnsExceeded, r.cfg.MaxTurns)
}

func (r *Runner) complete(ctx context.Context, req *llm.Request, emit func(Event) error) (*llm.Response, error) {
	var (
		resp *llm.Response
		err  error
	)
	if emit == nil {
		resp, err = r.client.Complete(ctx, req)
	} else {
		resp, err = r.client.Stream(ctx, req, func(delta string) error {
			return emit(Event{Type: EventTextDelta, Delta: delta})
		})
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrLLMUnavailable, err)
	}
	return resp, nil
}

// invoke runs one tool call. Only transport failures return an error.
func (r *Runner) invoke(ctx context.Context, in Input, call llm.ToolCall, emit func(Event) error) (ToolCallRecord, error) {
	record := ToolCallRecord{
		ID:        call.ID,
		Tool:      call.Name,
		Arguments: decodeArguments(call.Arguments),
	}
	if emit != nil {
		started := record
		if err := emit(Event{Type: EventToolCallStarted, ToolCall: &started}); err != nil {
			return record, err
		}
	}

	start := time.Now()
	env, err := in.Tools.Invoke(ctx, call.Name, json.RawMessage(call.Arguments))
	record.Latency = time.Since(start)
	record.LatencyMS = float64(record.Latency.Microseconds()) / 1000
	if err != nil {
		r.logger.Warn("Tool call failed in transport", "tool", call.Name, "error", err)
		return record, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	record.Result = env

	r.logger.Info("Tool call",
		"tool", call.Name,
		"status", env.Status,
		"latency_ms", record.LatencyMS)

	if emit != nil {
		finished := record
		if err := emit(Event{Type: EventToolCallFinished, ToolCall: &finished}); err != nil {
			return record, err
		}
	}
	return record, nil
}

// decodeArguments returns the arguments as an object, or nil when they are
// not one. The raw text still reaches the tool, which reports the problem.
func decodeArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return args
}
