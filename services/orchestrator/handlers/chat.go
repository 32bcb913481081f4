// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the task assistant.
//
// # Endpoints
//
//	GET  /health                          liveness
//	GET  /api/health                      readiness, pings the task store
//	POST /api/chat                        one turn, JSON response
//	POST /api/chat/stream                 one turn, Server-Sent Events
//	GET  /api/chat/ws                     turns over a WebSocket
//	GET  /api/conversations/:id/messages  paged history
//	DELETE /api/conversations/:id         forget a conversation
//
// Handlers read the user id set by the auth middleware and never accept
// it from the request body.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianTasks/services/chat"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// DefaultKeepAlive is the interval between SSE keepalive comments.
const DefaultKeepAlive = 15 * time.Second

// SSE event names written before and around the agent events.
const (
	EventConversation = "conversation"
)

var validate = validator.New()

// ChatRequest is the body of the chat endpoints and of WebSocket messages.
type ChatRequest struct {
	Message        string `json:"message" validate:"required,max=10000"`
	ConversationID string `json:"conversation_id,omitempty" validate:"omitempty,uuid"`
}

// Validate checks the struct tags.
func (r *ChatRequest) Validate() error {
	return validate.Struct(r)
}

func (r *ChatRequest) toChat(userID string) chat.Request {
	return chat.Request{
		UserID:         userID,
		ConversationID: r.ConversationID,
		Message:        r.Message,
	}
}

// ConversationEvent announces the conversation a streamed turn belongs to.
type ConversationEvent struct {
	ConversationID string `json:"conversation_id"`
}

// StreamMetrics receives streaming connection lifecycle events.
// *observability.Metrics implements it.
type StreamMetrics interface {
	StreamStarted(t observability.Transport)
	StreamEnded(t observability.Transport)
	RecordClientDisconnect(t observability.Transport)
}

type nopStreamMetrics struct{}

func (nopStreamMetrics) StreamStarted(observability.Transport)          {}
func (nopStreamMetrics) StreamEnded(observability.Transport)            {}
func (nopStreamMetrics) RecordClientDisconnect(observability.Transport) {}

func orNop(m StreamMetrics) StreamMetrics {
	if m == nil {
		return nopStreamMetrics{}
	}
	return m
}

// chatErrorStatus maps a chat.Service error to a status and public message.
func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, chat.ErrConversationNotFound):
		return http.StatusNotFound, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func bindChatRequest(c *gin.Context) (*ChatRequest, bool) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, false
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return nil, false
	}
	return &req, true
}

// HandleChat runs one turn and returns the result as JSON.
//
// # Description
//
// A degraded run still answers 200 with the apology text and an "error"
// field; only request and storage problems produce error statuses.
//
// # Inputs
//
//   - svc: Chat service.
//
// # Outputs
//
//   - gin.HandlerFunc: POST /api/chat.
func HandleChat(svc *chat.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindChatRequest(c)
		if !ok {
			return
		}

		resp, err := svc.Send(c.Request.Context(), req.toChat(middleware.UserID(c)))
		if err != nil {
			status, msg := chatErrorStatus(err)
			if status == http.StatusInternalServerError {
				slog.Error("Chat turn failed", "user_id", middleware.UserID(c), "error", err)
			}
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleChatStream runs one turn and streams it as Server-Sent Events.
//
// # Description
//
// The first event is "conversation" with the conversation id, followed by
// the agent events (text_delta, tool_call_started, tool_call_finished) and
// exactly one terminal "done" or "error" event. A client that disconnects
// cancels the run.
//
// # Inputs
//
//   - svc: Chat service.
//   - metrics: Stream metrics. May be nil.
//   - keepAlive: Keepalive interval. Zero uses DefaultKeepAlive.
//
// # Outputs
//
//   - gin.HandlerFunc: POST /api/chat/stream.
func HandleChatStream(svc *chat.Service, metrics StreamMetrics, keepAlive time.Duration) gin.HandlerFunc {
	metrics = orNop(metrics)
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	return func(c *gin.Context) {
		req, ok := bindChatRequest(c)
		if !ok {
			return
		}
		userID := middleware.UserID(c)

		turn, err := svc.Stream(c.Request.Context(), req.toChat(userID))
		if err != nil {
			status, msg := chatErrorStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}

		SetSSEHeaders(c.Writer)
		sse, err := NewSSEWriter(c.Writer)
		if err != nil {
			turn.Close()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}
		c.Status(http.StatusOK)

		metrics.StreamStarted(observability.TransportSSE)
		defer metrics.StreamEnded(observability.TransportSSE)

		if err := streamTurn(c.Request.Context(), sse, turn, keepAlive); err != nil {
			metrics.RecordClientDisconnect(observability.TransportSSE)
			slog.Info("SSE client went away", "user_id", userID,
				"conversation_id", turn.ConversationID, "error", err)
		}
	}
}

// streamTurn pumps turn events to sse until the terminal event. A non-nil
// error means the client went away; the turn has been closed.
func streamTurn(ctx context.Context, sse SSEWriter, turn *chat.Turn, keepAlive time.Duration) error {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	if err := sse.WriteEvent(EventConversation, ConversationEvent{ConversationID: turn.ConversationID}); err != nil {
		turn.Close()
		return err
	}

	events := turn.Events()
	for {
		select {
		case <-ctx.Done():
			turn.Close()
			return ctx.Err()
		case <-ticker.C:
			if err := sse.WriteKeepAlive(); err != nil {
				turn.Close()
				return err
			}
		case ev, open := <-events:
			if !open {
				turn.Wait()
				return nil
			}
			if err := sse.WriteEvent(string(ev.Type), ev); err != nil {
				turn.Close()
				return err
			}
			if ev.Terminal() {
				turn.Wait()
				return nil
			}
		}
	}
}
