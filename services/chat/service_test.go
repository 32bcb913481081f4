// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTasks/services/agent"
	"github.com/AleutianAI/AleutianTasks/services/bridge"
	"github.com/AleutianAI/AleutianTasks/services/conversation"
	"github.com/AleutianAI/AleutianTasks/services/llm"
	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/AleutianAI/AleutianTasks/services/tasks/memstore"
	"github.com/AleutianAI/AleutianTasks/services/tasks/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	chat  *Service
	store *conversation.MemoryStore
	mock  *llm.MockClient
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	svc := tasks.NewService(memstore.New())
	mock := llm.NewMockClient().WithModel("mock-model")
	b := bridge.New(
		bridge.NewDirectBinder(tools.NewTaskRegistry(svc), "mock-model"),
		agent.NewRunner(mock, agent.Config{}, nil),
	)
	store := conversation.NewMemoryStore()
	return &harness{
		chat:  NewService(store, b, cfg),
		store: store,
		mock:  mock,
	}
}

func TestSend_CreatesConversationAndRecordsTurns(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.mock.
		QueueToolCall(tools.AddTask, map[string]any{"title": "Buy milk"}).
		QueueFinalResponse("Added Buy milk.")

	resp, err := h.chat.Send(ctx, Request{UserID: "u1", Message: "  add buy milk  "})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ConversationID)
	assert.Equal(t, "Added Buy milk.", resp.Response)
	require.Len(t, resp.ToolCalls, 1)

	turns, err := h.store.LoadRecentTurns(ctx, resp.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.RoleUser, turns[0].Role)
	assert.Equal(t, "add buy milk", turns[0].Content)
	assert.Equal(t, conversation.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Added Buy milk.", turns[1].Content)
}

func TestSend_PassesHistory(t *testing.T) {
	h := newHarness(t, Config{HistoryLimit: 2})
	ctx := context.Background()
	h.mock.QueueFinalResponse("one").QueueFinalResponse("two")

	first, err := h.chat.Send(ctx, Request{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	_, err = h.chat.Send(ctx, Request{UserID: "u1", ConversationID: first.ConversationID, Message: "again"})
	require.NoError(t, err)

	req := h.mock.LastRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "hello", req.Messages[0].Content)
	assert.Equal(t, "one", req.Messages[1].Content)
	assert.Equal(t, llm.RoleAssistant, req.Messages[1].Role)
	assert.Equal(t, "again", req.Messages[2].Content)
}

func TestSend_HistoryLimit(t *testing.T) {
	h := newHarness(t, Config{HistoryLimit: 3})
	ctx := context.Background()

	id, err := h.store.CreateThread(ctx, "u1")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, h.store.AppendTurn(ctx, id, conversation.RoleUser, fmt.Sprintf("m%d", i)))
	}
	h.mock.QueueFinalResponse("ok")

	_, err = h.chat.Send(ctx, Request{UserID: "u1", ConversationID: id, Message: "latest"})
	require.NoError(t, err)
	assert.Len(t, h.mock.LastRequest().Messages, 4)
}

func TestSend_Errors(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.chat.Send(ctx, Request{UserID: "u1", Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.chat.Send(ctx, Request{UserID: "u1", ConversationID: "missing", Message: "hi"})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	id, err := h.store.CreateThread(ctx, "u2")
	require.NoError(t, err)
	_, err = h.chat.Send(ctx, Request{UserID: "u1", ConversationID: id, Message: "hi"})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	assert.Equal(t, 0, h.mock.CallCount())
}

func TestSend_DegradedResultIsRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	h.mock.WithError(errors.New("upstream unavailable"))

	resp, err := h.chat.Send(context.Background(), Request{UserID: "u1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, bridge.ApologyText, resp.Response)
	assert.Contains(t, resp.Error, "upstream unavailable")

	turns, err := h.store.LoadRecentTurns(context.Background(), resp.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, bridge.ApologyText, turns[1].Content)
}

func TestStream_RecordsAssistantTurn(t *testing.T) {
	h := newHarness(t, Config{})
	h.mock.QueueFinalResponse("streamed answer")

	turn, err := h.chat.Stream(context.Background(), Request{UserID: "u1", Message: "hi"})
	require.NoError(t, err)

	var last agent.Event
	for ev := range turn.Events() {
		last = ev
	}
	assert.Equal(t, agent.EventDone, last.Type)

	result := turn.Wait()
	assert.Equal(t, "streamed answer", result.Response)

	turns, err := h.store.LoadRecentTurns(context.Background(), turn.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "streamed answer", turns[1].Content)
}

func TestStream_CancelledTurnNotRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	h.mock.WithDelay(5 * time.Second)

	turn, err := h.chat.Stream(context.Background(), Request{UserID: "u1", Message: "hi"})
	require.NoError(t, err)
	turn.Close()

	turns, err := h.store.LoadRecentTurns(context.Background(), turn.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, conversation.RoleUser, turns[0].Role)
}

func TestStream_ValidationIsSynchronous(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.chat.Stream(context.Background(), Request{UserID: "u1", Message: ""})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestHistoryAndDelete(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.mock.QueueFinalResponse("a").QueueFinalResponse("b")

	resp, err := h.chat.Send(ctx, Request{UserID: "u1", Message: "one"})
	require.NoError(t, err)
	_, err = h.chat.Send(ctx, Request{UserID: "u1", ConversationID: resp.ConversationID, Message: "two"})
	require.NoError(t, err)

	page, err := h.chat.History(ctx, "u1", resp.ConversationID, 3, 0)
	require.NoError(t, err)
	require.Len(t, page.Turns, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, "a", page.Turns[0].Content)

	_, err = h.chat.History(ctx, "u2", resp.ConversationID, 3, 0)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	assert.ErrorIs(t, h.chat.Delete(ctx, "u2", resp.ConversationID), ErrConversationNotFound)
	require.NoError(t, h.chat.Delete(ctx, "u1", resp.ConversationID))
	_, err = h.chat.History(ctx, "u1", resp.ConversationID, 3, 0)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
