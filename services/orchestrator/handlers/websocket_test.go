// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTasks/services/agent"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianTasks/services/tasks/tools"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, f *fixture, token string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws?access_token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readTurn reads frames until the terminal event.
func readTurn(t *testing.T, ws *websocket.Conn) []wsMessage {
	t.Helper()
	var frames []wsMessage
	for {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg wsMessage
		require.NoError(t, ws.ReadJSON(&msg))
		frames = append(frames, msg)
		if msg.Type == "error" || (msg.Event != nil && msg.Event.Terminal()) {
			return frames
		}
	}
}

func TestHandleChatWebSocket_Turns(t *testing.T) {
	f := newFixture(t)
	f.mock.
		QueueToolCall(tools.AddTask, map[string]any{"title": "Buy milk"}).
		QueueFinalResponse("Added.").
		QueueFinalResponse("You have one task.")
	ws := dialWS(t, f, "tok-alice")

	require.NoError(t, ws.WriteJSON(ChatRequest{Message: "add buy milk"}))
	frames := readTurn(t, ws)
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, EventConversation, frames[0].Type)
	convID := frames[0].ConversationID
	require.NotEmpty(t, convID)
	last := frames[len(frames)-1]
	require.NotNil(t, last.Event)
	assert.Equal(t, agent.EventDone, last.Event.Type)
	assert.Equal(t, "Added.", last.Event.Response)

	require.NoError(t, ws.WriteJSON(ChatRequest{Message: "what do I have?", ConversationID: convID}))
	frames = readTurn(t, ws)
	assert.Equal(t, convID, frames[0].ConversationID)
	assert.Equal(t, "You have one task.", frames[len(frames)-1].Event.Response)

	assert.Contains(t, f.mock.LastRequest().SystemPrompt, "alice")
}

func TestHandleChatWebSocket_InvalidMessageKeepsSocket(t *testing.T) {
	f := newFixture(t)
	f.mock.QueueFinalResponse("ok")
	ws := dialWS(t, f, "tok-alice")

	require.NoError(t, ws.WriteJSON(ChatRequest{}))
	frames := readTurn(t, ws)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Type)

	require.NoError(t, ws.WriteJSON(ChatRequest{Message: "hello", ConversationID: "6f1c2d1e-8a7b-4c3d-9e2f-1a2b3c4d5e6f"}))
	frames = readTurn(t, ws)
	require.Len(t, frames, 1)
	assert.Equal(t, "conversation not found", frames[0].Error)

	require.NoError(t, ws.WriteJSON(ChatRequest{Message: "hello"}))
	frames = readTurn(t, ws)
	assert.Equal(t, agent.EventDone, frames[len(frames)-1].Event.Type)
}

func TestHandleChatWebSocket_RequiresToken(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestHandleChatWebSocket_CloseCancelsTurn(t *testing.T) {
	f := newFixture(t)
	f.mock.WithDelay(2 * time.Second).QueueFinalResponse("too late")
	ws := dialWS(t, f, "tok-alice")

	require.NoError(t, ws.WriteJSON(ChatRequest{Message: "slow"}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first wsMessage
	require.NoError(t, ws.ReadJSON(&first))
	require.Equal(t, EventConversation, first.Type)
	require.NoError(t, ws.Close())

	assert.Eventually(t, func() bool {
		active, disconnects := f.streams.snapshot(observability.TransportWebSocket)
		return active == 0 && disconnects == 1
	}, 2*time.Second, 10*time.Millisecond)
}
