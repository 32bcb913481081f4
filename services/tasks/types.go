// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tasks implements the five task operations exposed to the agent.
//
// # Description
//
// Every operation validates its own input, scopes all reads and writes to the
// acting user, and reports its outcome as an Envelope. Operations never return
// a Go error: validation failures, missing tasks, and persistence failures are
// all converted to error envelopes at the operation boundary.
//
// # Ownership
//
// A task that does not exist and a task owned by someone else are reported
// identically ("Task not found"), so lookups cannot be used to probe for the
// existence of other users' tasks.
//
// # Thread Safety
//
// Service is safe for concurrent use. Atomicity of each operation is delegated
// to the Store.
package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxUserIDLength is the longest accepted user identity.
	MaxUserIDLength = 255

	// MaxTitleLength is the longest accepted title, in characters.
	MaxTitleLength = 200

	// MaxDescriptionLength is the longest accepted description, in characters.
	MaxDescriptionLength = 1000
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrValidation marks bad input shape or length.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a task that is absent or not owned by the caller.
	ErrNotFound = errors.New("task not found")
)

// =============================================================================
// Status Filter
// =============================================================================

// StatusFilter selects tasks by completion state.
type StatusFilter string

const (
	// StatusAll matches every task.
	StatusAll StatusFilter = "all"

	// StatusPending matches tasks that are not completed.
	StatusPending StatusFilter = "pending"

	// StatusCompleted matches completed tasks.
	StatusCompleted StatusFilter = "completed"
)

// Matches reports whether a task with the given completion flag passes the filter.
func (f StatusFilter) Matches(completed bool) bool {
	switch f {
	case StatusPending:
		return !completed
	case StatusCompleted:
		return completed
	default:
		return true
	}
}

// =============================================================================
// Task
// =============================================================================

// Task is a user-owned unit of work.
type Task struct {
	ID          uuid.UUID
	UserID      string
	Title       string
	Description *string
	Completed   bool
	CreatedAt   time.Time
}

// View is the wire shape of a task.
type View struct {
	TaskID      string  `json:"task_id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Completed   bool    `json:"completed"`
	CreatedAt   string  `json:"created_at"`
}

// View converts the task to its wire shape.
func (t *Task) View() View {
	return View{
		TaskID:      t.ID.String(),
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.Completed,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ListData is the payload of a successful List.
type ListData struct {
	Tasks []View `json:"tasks"`
	Count int    `json:"count"`
}

// DeleteData is the payload of a successful Delete.
type DeleteData struct {
	TaskID  string `json:"task_id"`
	Deleted bool   `json:"deleted"`
}

// =============================================================================
// Store
// =============================================================================

// Store is the persistence collaborator for task operations.
//
// # Description
//
// Each method must be atomic on its own: a single statement or transaction.
// Methods that address a task by id must only match rows owned by owner and
// return ErrNotFound otherwise.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Insert persists a new task.
	Insert(ctx context.Context, task *Task) error

	// List returns the owner's tasks matching filter, oldest first.
	List(ctx context.Context, owner string, filter StatusFilter) ([]Task, error)

	// Complete marks an owned task completed and returns its new state.
	Complete(ctx context.Context, owner string, id uuid.UUID) (*Task, error)

	// Update replaces the non-nil fields of an owned task.
	Update(ctx context.Context, owner string, id uuid.UUID, title, description *string) (*Task, error)

	// Delete removes an owned task.
	Delete(ctx context.Context, owner string, id uuid.UUID) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}
