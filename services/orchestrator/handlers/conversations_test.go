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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/AleutianAI/AleutianTasks/services/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type historyResponse struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []conversation.Turn `json:"messages"`
	HasMore        bool                `json:"has_more"`
	Before         int64               `json:"before"`
}

func (f *fixture) seedConversation(t *testing.T, token string, turns int) string {
	t.Helper()
	var id string
	for i := 0; i < turns; i++ {
		f.mock.QueueFinalResponse(fmt.Sprintf("reply %d", i))
		resp := decodeChat(t, f.do(http.MethodPost, "/api/chat", token,
			ChatRequest{Message: fmt.Sprintf("message %d", i), ConversationID: id}))
		id = resp.ConversationID
	}
	return id
}

func TestHandleConversationMessages_Pages(t *testing.T) {
	f := newFixture(t)
	id := f.seedConversation(t, "tok-alice", 3)

	w := f.do(http.MethodGet, "/api/conversations/"+id+"/messages?limit=4", "tok-alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page historyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, id, page.ConversationID)
	require.Len(t, page.Messages, 4)
	assert.True(t, page.HasMore)
	assert.Equal(t, "message 1", page.Messages[0].Content)
	assert.Equal(t, "reply 2", page.Messages[3].Content)

	w = f.do(http.MethodGet, fmt.Sprintf("/api/conversations/%s/messages?limit=4&before=%d", id, page.Before), "tok-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var older historyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &older))
	require.Len(t, older.Messages, 2)
	assert.False(t, older.HasMore)
	assert.Equal(t, "message 0", older.Messages[0].Content)
}

func TestHandleConversationMessages_Errors(t *testing.T) {
	f := newFixture(t)
	id := f.seedConversation(t, "tok-alice", 1)

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"foreign user", "/api/conversations/" + id + "/messages", "tok-bob", http.StatusNotFound},
		{"malformed id", "/api/conversations/abc/messages", "tok-alice", http.StatusNotFound},
		{"bad limit", "/api/conversations/" + id + "/messages?limit=x", "tok-alice", http.StatusBadRequest},
		{"zero limit", "/api/conversations/" + id + "/messages?limit=0", "tok-alice", http.StatusBadRequest},
		{"bad before", "/api/conversations/" + id + "/messages?before=-1", "tok-alice", http.StatusBadRequest},
		{"no token", "/api/conversations/" + id + "/messages", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestHandleDeleteConversation(t *testing.T) {
	f := newFixture(t)
	id := f.seedConversation(t, "tok-alice", 1)

	w := f.do(http.MethodDelete, "/api/conversations/"+id, "tok-bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodDelete, "/api/conversations/"+id, "tok-alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodGet, "/api/conversations/"+id+"/messages", "tok-alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"taskbridge"}`, w.Body.String())

	w = f.do(http.MethodHead, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = f.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","database":"connected","mode":"direct"}`, w.Body.String())

	f.tasks.SetFailure(errors.New("connection refused"))
	w = f.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"unhealthy"`)
}
