// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation stores chat threads and their turns.
//
// # Description
//
// A thread belongs to one user and holds an append-only, ordered list of
// turns. The chat service reads the most recent turns as history for the
// next message and appends the user and assistant turns after each run.
//
// Two implementations are provided: MemoryStore for tests and single
// process use, and BadgerStore for embedded persistence.
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
package conversation

import (
	"context"
	"errors"
	"time"
)

// Roles accepted by AppendTurn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultPageSize is used by LoadItems when limit is not positive.
const DefaultPageSize = 50

var (
	// ErrThreadNotFound is returned for an unknown thread id.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrInvalidRole is returned by AppendTurn for a role other than user
	// or assistant.
	ErrInvalidRole = errors.New("invalid turn role")

	// ErrEmptyUserID is returned by CreateThread.
	ErrEmptyUserID = errors.New("user id is required")
)

// Thread is a conversation owned by one user.
type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// TurnCount is the number of turns appended so far. It is also the
	// sequence number of the latest turn.
	TurnCount int64 `json:"turn_count"`
}

// Turn is one message in a thread.
type Turn struct {
	ThreadID  string    `json:"thread_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Page is a window of turns, oldest first.
type Page struct {
	Turns []Turn `json:"turns"`

	// HasMore is true when older turns exist before the page.
	HasMore bool `json:"has_more"`

	// Before is the cursor for the next older page, 0 when HasMore is false.
	Before int64 `json:"before,omitempty"`
}

// Store persists threads and turns.
type Store interface {
	// CreateThread starts an empty thread for userID and returns its
	// generated id.
	CreateThread(ctx context.Context, userID string) (string, error)

	// LoadThread returns thread metadata, or ErrThreadNotFound.
	LoadThread(ctx context.Context, threadID string) (Thread, error)

	// LoadRecentTurns returns up to limit of the latest turns, oldest
	// first. A limit of zero or less returns every turn.
	LoadRecentTurns(ctx context.Context, threadID string, limit int) ([]Turn, error)

	// AppendTurn adds a turn at the end of the thread.
	AppendTurn(ctx context.Context, threadID, role, content string) error

	// LoadItems pages backwards through a thread. before is an exclusive
	// sequence cursor; 0 starts from the latest turn.
	LoadItems(ctx context.Context, threadID string, limit int, before int64) (Page, error)

	// DeleteThread removes a thread and its turns.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases the store.
	Close() error
}

func validRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// window selects the page of turns ending just before the before cursor
// from a thread with count turns. It returns the inclusive sequence range
// and whether older turns remain.
func window(count int64, limit int, before int64) (first, last int64, hasMore bool) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	last = count
	if before > 0 && before-1 < last {
		last = before - 1
	}
	first = last - int64(limit) + 1
	if first < 1 {
		first = 1
	}
	return first, last, first > 1
}
