// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"time"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/AleutianAI/AleutianTasks/services/tasks/tools"
)

// Message is one prior conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCallRecord logs one tool invocation made during a run.
type ToolCallRecord struct {
	// ID is the model-assigned call id.
	ID string `json:"id"`

	// Tool is the tool name.
	Tool string `json:"tool"`

	// Arguments are the decoded arguments, or nil if they were not a JSON
	// object.
	Arguments map[string]any `json:"arguments"`

	// Result is the envelope the tool returned.
	Result tasks.Envelope `json:"result"`

	// Latency is the wall time of the invocation.
	Latency time.Duration `json:"-"`

	// LatencyMS mirrors Latency for JSON consumers.
	LatencyMS float64 `json:"latency_ms"`
}

// Input is everything a run needs.
type Input struct {
	// Instructions is the system prompt.
	Instructions string

	// History is the prior conversation, oldest first.
	History []Message

	// Message is the new user message.
	Message string

	// Tools is the user-bound tool set.
	Tools tools.ToolSet
}

// Output is the result of a completed run.
type Output struct {
	// Response is the final text answer.
	Response string

	// ToolCalls lists every invocation in execution order.
	ToolCalls []ToolCallRecord

	// Model is the model that produced the final answer.
	Model string

	// TokensUsed is summed across all model turns.
	TokensUsed int

	// Turns is the number of model calls made.
	Turns int
}

// =============================================================================
// Streaming Events
// =============================================================================

// EventType identifies a streaming event.
type EventType string

const (
	// EventTextDelta carries a fragment of the answer.
	EventTextDelta EventType = "text_delta"

	// EventToolCallStarted is emitted before a tool runs.
	EventToolCallStarted EventType = "tool_call_started"

	// EventToolCallFinished is emitted after a tool returns.
	EventToolCallFinished EventType = "tool_call_finished"

	// EventDone is the last event of a successful run.
	EventDone EventType = "done"

	// EventError is the last event of a failed run.
	EventError EventType = "error"
)

// Event is one incremental update of a streaming run.
type Event struct {
	Type EventType `json:"type"`

	// Delta is set on text_delta.
	Delta string `json:"delta,omitempty"`

	// ToolCall is set on tool_call_started (without Result) and
	// tool_call_finished.
	ToolCall *ToolCallRecord `json:"tool_call,omitempty"`

	// Response, ToolCalls and Model are set on done. Response is also set on
	// error, to the apology shown to the user.
	Response  string           `json:"response,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Model     string           `json:"model,omitempty"`

	// Error is the diagnostic on error.
	Error string `json:"error,omitempty"`
}

// Terminal reports whether no events follow e.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
