// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockClient is a scripted Client for tests.
//
// Responses are served from a queue; when the queue is empty the response
// function (if any) is consulted, then the default response.
//
// Thread Safety:
//
//	MockClient is safe for concurrent use.
type MockClient struct {
	mu sync.RWMutex

	// model is the model name.
	model string

	// responses are queued responses to return.
	responses []*Response

	// defaultResponse is returned when no queued responses remain.
	defaultResponse *Response

	// calls records all requests.
	calls []CompletionCall

	// responseFunc allows dynamic response generation.
	responseFunc func(*Request) (*Response, error)

	// delay adds artificial latency to responses.
	delay time.Duration

	// errorToReturn causes Complete to return this error.
	errorToReturn error

	// nextID numbers generated tool call ids.
	nextID int
}

// CompletionCall records a call to Complete or Stream.
type CompletionCall struct {
	Request   *Request
	Streamed  bool
	Timestamp time.Time
}

// NewMockClient creates a new mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		model: "mock-model",
		defaultResponse: &Response{
			Content:    "Mock response",
			StopReason: StopEnd,
		},
	}
}

// WithModel sets the model name.
func (c *MockClient) WithModel(model string) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
	return c
}

// WithDelay adds artificial latency. The delay honors cancellation.
func (c *MockClient) WithDelay(d time.Duration) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
	return c
}

// WithError configures the client to fail every call.
func (c *MockClient) WithError(err error) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorToReturn = err
	return c
}

// WithResponseFunc sets a dynamic response function, used once the queue
// is drained.
func (c *MockClient) WithResponseFunc(f func(*Request) (*Response, error)) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseFunc = f
	return c
}

// QueueResponse adds a response to the queue.
func (c *MockClient) QueueResponse(response *Response) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, response)
	return c
}

// QueueToolCall queues a response that invokes one tool.
func (c *MockClient) QueueToolCall(toolName string, arguments map[string]any) *MockClient {
	return c.QueueResponse(&Response{
		StopReason: StopToolUse,
		ToolCalls:  []ToolCall{c.NewToolCall(toolName, arguments)},
	})
}

// QueueFinalResponse queues a final response with no tool calls.
func (c *MockClient) QueueFinalResponse(content string) *MockClient {
	return c.QueueResponse(&Response{
		Content:      content,
		StopReason:   StopEnd,
		TokensUsed:   100 + len(content)/4,
		InputTokens:  100,
		OutputTokens: len(content) / 4,
	})
}

// NewToolCall builds a tool call with a fresh id.
func (c *MockClient) NewToolCall(toolName string, arguments map[string]any) ToolCall {
	argsJSON, _ := json.Marshal(arguments)

	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf("call_%d", c.nextID)
	c.mu.Unlock()

	return ToolCall{ID: id, Name: toolName, Arguments: string(argsJSON)}
}

// Complete implements Client.
func (c *MockClient) Complete(ctx context.Context, request *Request) (*Response, error) {
	return c.respond(ctx, request, false)
}

// Stream implements Client. The content is delivered word by word.
func (c *MockClient) Stream(ctx context.Context, request *Request, onDelta func(string) error) (*Response, error) {
	resp, err := c.respond(ctx, request, true)
	if err != nil {
		return nil, err
	}
	if onDelta != nil && resp.Content != "" {
		words := strings.SplitAfter(resp.Content, " ")
		for _, w := range words {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := onDelta(w); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

func (c *MockClient) respond(ctx context.Context, request *Request, streamed bool) (*Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, CompletionCall{
		Request:   cloneRequest(request),
		Streamed:  streamed,
		Timestamp: time.Now(),
	})
	delay := c.delay
	errToReturn := c.errorToReturn
	responseFunc := c.responseFunc
	var queued *Response
	if len(c.responses) > 0 {
		queued = c.responses[0]
		c.responses = c.responses[1:]
	}
	defaultResponse := *c.defaultResponse
	model := c.model
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errToReturn != nil {
		return nil, errToReturn
	}

	var resp *Response
	switch {
	case queued != nil:
		cp := *queued
		resp = &cp
	case responseFunc != nil:
		r, err := responseFunc(request)
		if err != nil {
			return nil, err
		}
		resp = r
	default:
		resp = &defaultResponse
	}
	resp.Duration = delay
	if resp.Model == "" {
		resp.Model = model
	}
	return resp, nil
}

// cloneRequest copies the message slice so later appends by the caller do
// not change what was recorded.
func cloneRequest(r *Request) *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Messages = append([]Message(nil), r.Messages...)
	return &cp
}

// Name implements Client.
func (c *MockClient) Name() string {
	return "mock"
}

// Model implements Client.
func (c *MockClient) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// GetCalls returns all recorded calls.
func (c *MockClient) GetCalls() []CompletionCall {
	c.mu.RLock()
	defer c.mu.RUnlock()

	calls := make([]CompletionCall, len(c.calls))
	copy(calls, c.calls)
	return calls
}

// CallCount returns the number of calls made.
func (c *MockClient) CallCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.calls)
}

// LastRequest returns the most recent request.
func (c *MockClient) LastRequest() *Request {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.calls) == 0 {
		return nil
	}
	return c.calls[len(c.calls)-1].Request
}

var _ Client = (*MockClient)(nil)
var _ Client = (*OpenAIClient)(nil)
