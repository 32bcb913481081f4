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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianTasks/services/agent"
	"github.com/AleutianAI/AleutianTasks/services/chat"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// wsQueueSize is how many messages may wait behind the turn in flight.
const wsQueueSize = 8

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsMessage is every frame the server sends: the conversation
// announcement, agent events, and request errors.
type wsMessage struct {
	Type           string       `json:"type"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Event          *agent.Event `json:"event,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) sendJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteJSON(v)
}

// HandleChatWebSocket serves turns over a WebSocket.
//
// # Description
//
// The client sends ChatRequest frames. For each one the server replies
// with a "conversation" frame and then one "event" frame per agent event,
// ending with the terminal done or error event. Turns on one socket run
// one at a time. Closing the socket cancels the turn in flight.
//
// # Inputs
//
//   - svc: Chat service.
//   - metrics: Stream metrics. May be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: GET /api/chat/ws.
func HandleChatWebSocket(svc *chat.Service, metrics StreamMetrics) gin.HandlerFunc {
	metrics = orNop(metrics)

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade WebSocket", "error", err)
			return
		}
		defer ws.Close()

		metrics.StreamStarted(observability.TransportWebSocket)
		defer metrics.StreamEnded(observability.TransportWebSocket)

		userID := middleware.UserID(c)
		conn := &wsConn{ws: ws}

		ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
		defer cancel()

		// Reads run separately so a closed socket cancels the turn in flight.
		requests := make(chan ChatRequest, wsQueueSize)
		go func() {
			defer cancel()
			defer close(requests)
			for {
				var req ChatRequest
				if err := ws.ReadJSON(&req); err != nil {
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						slog.Debug("WebSocket read ended", "user_id", userID, "error", err)
					}
					return
				}
				select {
				case requests <- req:
				case <-ctx.Done():
					return
				default:
					if conn.sendJSON(wsMessage{Type: "error", Error: "too many pending messages"}) != nil {
						return
					}
				}
			}
		}()

		for req := range requests {
			if err := req.Validate(); err != nil {
				if conn.sendJSON(wsMessage{Type: "error", Error: "invalid request: " + err.Error()}) != nil {
					return
				}
				continue
			}
			if err := runWebSocketTurn(ctx, conn, svc, req.toChat(userID)); err != nil {
				if ctx.Err() != nil || errors.Is(err, errClientGone) {
					metrics.RecordClientDisconnect(observability.TransportWebSocket)
					return
				}
				if conn.sendJSON(wsMessage{Type: "error", Error: err.Error()}) != nil {
					return
				}
			}
		}
	}
}

var errClientGone = errors.New("websocket client gone")

// runWebSocketTurn streams one turn. It returns errClientGone when a write
// fails, and request errors from chat.Service otherwise.
func runWebSocketTurn(ctx context.Context, conn *wsConn, svc *chat.Service, req chat.Request) error {
	turn, err := svc.Stream(ctx, req)
	if err != nil {
		_, msg := chatErrorStatus(err)
		return errors.New(msg)
	}

	if err := conn.sendJSON(wsMessage{Type: EventConversation, ConversationID: turn.ConversationID}); err != nil {
		turn.Close()
		return errClientGone
	}
	for {
		select {
		case <-ctx.Done():
			turn.Close()
			return errClientGone
		case ev, open := <-turn.Events():
			if !open {
				turn.Wait()
				return nil
			}
			if err := conn.sendJSON(wsMessage{Type: "event", Event: &ev}); err != nil {
				turn.Close()
				return errClientGone
			}
			if ev.Terminal() {
				turn.Wait()
				return nil
			}
		}
	}
}
