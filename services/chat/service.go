// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat handles one conversational turn end to end.
//
// A turn resolves (or creates) the user's conversation thread, loads recent
// history, runs the message through the bridge, and records the user and
// assistant turns.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/AleutianAI/AleutianTasks/services/agent"
	"github.com/AleutianAI/AleutianTasks/services/bridge"
	"github.com/AleutianAI/AleutianTasks/services/conversation"
)

// DefaultHistoryLimit is the number of prior turns sent with each message.
const DefaultHistoryLimit = 20

var (
	// ErrEmptyMessage is returned for a blank message.
	ErrEmptyMessage = errors.New("message is required")

	// ErrConversationNotFound is returned for an unknown conversation or
	// one owned by another user.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Bridge runs messages against the task tools.
type Bridge interface {
	Run(ctx context.Context, userID, message string, history []agent.Message) bridge.Result
	Stream(ctx context.Context, userID, message string, history []agent.Message) *bridge.Stream
}

// Request is one inbound message.
type Request struct {
	UserID         string
	ConversationID string
	Message        string
}

// Response is the outcome of a turn.
type Response struct {
	ConversationID string `json:"conversation_id"`
	bridge.Result
}

// Service coordinates conversation storage and the bridge.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	store        conversation.Store
	bridge       Bridge
	historyLimit int
	logger       *slog.Logger
}

// Config configures a Service.
type Config struct {
	// HistoryLimit is how many prior turns are loaded. Default: 20.
	HistoryLimit int

	Logger *slog.Logger
}

// NewService creates a chat Service.
func NewService(store conversation.Store, b Bridge, cfg Config) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:        store,
		bridge:       b,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger.With("component", "chat"),
	}
}

// Send runs a full turn and returns when the answer is ready.
//
// # Description
//
// Creates a conversation when req.ConversationID is empty. The user turn
// is recorded before the run and the assistant turn after it, including
// the apology text when the run was degraded.
//
// # Outputs
//
//   - *Response: Conversation id plus the bridge result.
//   - error: ErrEmptyMessage, ErrConversationNotFound, or a storage
//     failure. Bridge failures are not errors; they arrive degraded in the
//     Response.
func (s *Service) Send(ctx context.Context, req Request) (*Response, error) {
	threadID, history, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	result := s.bridge.Run(ctx, req.UserID, strings.TrimSpace(req.Message), history)
	if err := s.store.AppendTurn(ctx, threadID, conversation.RoleAssistant, result.Response); err != nil {
		return nil, fmt.Errorf("record assistant turn: %w", err)
	}
	return &Response{ConversationID: threadID, Result: result}, nil
}

// Turn is a streaming turn in progress.
type Turn struct {
	ConversationID string

	stream    *bridge.Stream
	saved     chan struct{}
	cancelled atomic.Bool
}

// Events returns the bridge event channel.
func (t *Turn) Events() <-chan agent.Event {
	return t.stream.Events()
}

// Close cancels the turn and waits until it has been recorded.
func (t *Turn) Close() {
	t.cancelled.Store(true)
	t.stream.Close()
	<-t.saved
}

// Wait blocks until the assistant turn has been recorded and returns the
// result.
func (t *Turn) Wait() bridge.Result {
	<-t.saved
	return t.stream.Result()
}

// Stream starts a streaming turn.
//
// # Description
//
// Validation, thread resolution and the user turn are handled before
// Stream returns, so request errors surface synchronously. The assistant
// turn is recorded in the background when the run finishes. A run the
// client cancelled records no assistant turn.
func (s *Service) Stream(ctx context.Context, req Request) (*Turn, error) {
	threadID, history, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	turn := &Turn{
		ConversationID: threadID,
		stream:         s.bridge.Stream(ctx, req.UserID, strings.TrimSpace(req.Message), history),
		saved:          make(chan struct{}),
	}
	go s.record(context.WithoutCancel(ctx), ctx, turn)
	return turn, nil
}

func (s *Service) record(storeCtx, runCtx context.Context, turn *Turn) {
	defer close(turn.saved)

	<-turn.stream.Done()
	result := turn.stream.Result()
	if result.Degraded() && (turn.cancelled.Load() || runCtx.Err() != nil) {
		s.logger.Debug("Streaming turn cancelled", "conversation_id", turn.ConversationID)
		return
	}
	if err := s.store.AppendTurn(storeCtx, turn.ConversationID, conversation.RoleAssistant, result.Response); err != nil {
		s.logger.Error("Failed to record assistant turn",
			"conversation_id", turn.ConversationID,
			"error", err)
	}
}

// History returns a page of a conversation's turns, oldest first.
func (s *Service) History(ctx context.Context, userID, conversationID string, limit int, before int64) (conversation.Page, error) {
	if _, err := s.ownedThread(ctx, userID, conversationID); err != nil {
		return conversation.Page{}, err
	}
	return s.store.LoadItems(ctx, conversationID, limit, before)
}

// Delete removes a conversation.
func (s *Service) Delete(ctx context.Context, userID, conversationID string) error {
	if _, err := s.ownedThread(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.store.DeleteThread(ctx, conversationID)
}

// prepare validates the request, resolves the thread, loads history and
// records the user turn.
func (s *Service) prepare(ctx context.Context, req Request) (string, []agent.Message, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return "", nil, ErrEmptyMessage
	}

	threadID := req.ConversationID
	if threadID == "" {
		id, err := s.store.CreateThread(ctx, req.UserID)
		if err != nil {
			return "", nil, fmt.Errorf("create conversation: %w", err)
		}
		threadID = id
		s.logger.Debug("Conversation created", "conversation_id", threadID, "user_id", req.UserID)
	} else if _, err := s.ownedThread(ctx, req.UserID, threadID); err != nil {
		return "", nil, err
	}

	turns, err := s.store.LoadRecentTurns(ctx, threadID, s.historyLimit)
	if err != nil {
		return "", nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]agent.Message, 0, len(turns))
	for _, t := range turns {
		history = append(history, agent.Message{Role: t.Role, Content: t.Content})
	}

	if err := s.store.AppendTurn(ctx, threadID, conversation.RoleUser, message); err != nil {
		return "", nil, fmt.Errorf("record user turn: %w", err)
	}
	return threadID, history, nil
}

func (s *Service) ownedThread(ctx context.Context, userID, threadID string) (conversation.Thread, error) {
	thread, err := s.store.LoadThread(ctx, threadID)
	if errors.Is(err, conversation.ErrThreadNotFound) {
		return thread, ErrConversationNotFound
	}
	if err != nil {
		return thread, fmt.Errorf("load conversation: %w", err)
	}
	if thread.UserID != userID {
		return thread, ErrConversationNotFound
	}
	return thread, nil
}
