// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service implements the task operations against a Store.
//
// # Description
//
// Service is the leaf of the tool bridge. It is constructed once with the
// store that backs it; tests substitute an in-memory store without touching
// any global state.
//
// # Thread Safety
//
// Safe for concurrent use. Service holds no mutable state of its own.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for persistence failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a Service backed by store.
//
// # Inputs
//
//   - store: Persistence collaborator. Must not be nil.
//   - opts: Optional logger and clock overrides.
//
// # Outputs
//
//   - *Service: Ready-to-use service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default().With("component", "tasks"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Create persists a new task for userID.
//
// # Description
//
// Validates title (non-blank, at most 200 characters), description (at most
// 1000 characters) and user id (1-255 characters), in that order. Lengths
// are checked on the title as given; the stored title is trimmed and the
// description is stored as given.
//
// # Outputs
//
//   - Envelope: success with a View, or error with a fixed message.
func (s *Service) Create(ctx context.Context, userID, title string, description *string) Envelope {
	if err := check(createInput{Title: title, Description: description, UserID: userID}); err != nil {
		return Failure("%s", err.Error())
	}
	title = strings.TrimSpace(title)

	task := &Task{
		ID:          uuid.New(),
		UserID:      userID,
		Title:       title,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Insert(ctx, task); err != nil {
		s.logger.Error("Failed to create task", "user_id", userID, "error", err)
		return Failure("Failed to create task: %v", err)
	}

	s.logger.Debug("Task created", "user_id", userID, "task_id", task.ID)
	return Success(task.View())
}

// List returns the user's tasks filtered by completion state.
//
// status is one of "all", "pending", "completed"; an empty status means
// "all". Tasks are ordered by creation time, oldest first, with insertion
// order breaking ties.
func (s *Service) List(ctx context.Context, userID, status string) Envelope {
	if status == "" {
		status = string(StatusAll)
	}
	if err := check(listInput{UserID: userID, Status: status}); err != nil {
		return Failure("%s", err.Error())
	}

	found, err := s.store.List(ctx, userID, StatusFilter(status))
	if err != nil {
		s.logger.Error("Failed to list tasks", "user_id", userID, "error", err)
		return Failure("Failed to list tasks: %v", err)
	}

	views := make([]View, 0, len(found))
	for i := range found {
		views = append(views, found[i].View())
	}
	return Success(ListData{Tasks: views, Count: len(views)})
}

// Complete marks a task completed. Completing an already completed task
// succeeds and returns the unchanged state.
func (s *Service) Complete(ctx context.Context, userID, taskID string) Envelope {
	id, env, ok := s.ownedID(userID, taskID)
	if !ok {
		return env
	}

	task, err := s.store.Complete(ctx, userID, id)
	if err != nil {
		return s.storeFailure("complete", userID, taskID, err)
	}
	return Success(task.View())
}

// Update changes the title and/or description of a task. At least one of
// the two must be supplied; supplied fields follow the Create length rules.
func (s *Service) Update(ctx context.Context, userID, taskID string, title, description *string) Envelope {
	if title == nil && description == nil {
		return Failure("%s", msgNoFields)
	}
	if err := check(updateInput{Title: title, Description: description, UserID: userID}); err != nil {
		return Failure("%s", err.Error())
	}
	if title != nil {
		trimmed := strings.TrimSpace(*title)
		title = &trimmed
	}
	id, env, ok := s.ownedID(userID, taskID)
	if !ok {
		return env
	}

	task, err := s.store.Update(ctx, userID, id, title, description)
	if err != nil {
		return s.storeFailure("update", userID, taskID, err)
	}
	return Success(task.View())
}

// Delete removes a task and confirms the deleted id.
func (s *Service) Delete(ctx context.Context, userID, taskID string) Envelope {
	id, env, ok := s.ownedID(userID, taskID)
	if !ok {
		return env
	}

	if err := s.store.Delete(ctx, userID, id); err != nil {
		return s.storeFailure("delete", userID, taskID, err)
	}
	return Success(DeleteData{TaskID: id.String(), Deleted: true})
}

// ownedID validates the user id and parses the task id. A malformed task id
// is reported as not found, like any id the user does not own.
func (s *Service) ownedID(userID, taskID string) (uuid.UUID, Envelope, bool) {
	if err := check(ownerInput{UserID: userID}); err != nil {
		return uuid.Nil, Failure("%s", err.Error()), false
	}
	id, err := uuid.Parse(strings.TrimSpace(taskID))
	if err != nil {
		return uuid.Nil, Failure("%s", msgNotFound), false
	}
	return id, Envelope{}, true
}

func (s *Service) storeFailure(op, userID, taskID string, err error) Envelope {
	if errors.Is(err, ErrNotFound) {
		return Failure("%s", msgNotFound)
	}
	s.logger.Error("Task store failure", "op", op, "user_id", userID, "task_id", taskID, "error", err)
	return Failure("Failed to %s task: %v", op, err)
}
