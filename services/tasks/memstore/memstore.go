// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memstore provides an in-memory tasks.Store.
//
// It is used by tests and by local runs without a database. Every method
// holds a single mutex, which makes each operation atomic.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/google/uuid"
)

// Store keeps tasks in insertion order.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	order    []uuid.UUID
	byID     map[uuid.UUID]*tasks.Task
	failWith error
}

// New returns an empty store.
func New() *Store {
	return &Store{byID: make(map[uuid.UUID]*tasks.Task)}
}

// Insert stores a copy of task.
func (s *Store) Insert(_ context.Context, task *tasks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}

	cp := *task
	s.byID[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	return nil
}

// List returns copies of the owner's tasks, oldest first. The sort is
// stable, so tasks created at the same instant keep insertion order.
func (s *Store) List(_ context.Context, owner string, filter tasks.StatusFilter) ([]tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	out := make([]tasks.Task, 0)
	for _, id := range s.order {
		t := s.byID[id]
		if t.UserID != owner || !filter.Matches(t.Completed) {
			continue
		}
		out = append(out, *t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Complete sets the completed flag on an owned task.
func (s *Store) Complete(_ context.Context, owner string, id uuid.UUID) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.owned(owner, id)
	if err != nil {
		return nil, err
	}
	t.Completed = true
	cp := *t
	return &cp, nil
}

// Update replaces the non-nil fields of an owned task.
func (s *Store) Update(_ context.Context, owner string, id uuid.UUID, title, description *string) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.owned(owner, id)
	if err != nil {
		return nil, err
	}
	if title != nil {
		t.Title = *title
	}
	if description != nil {
		d := *description
		t.Description = &d
	}
	cp := *t
	return &cp, nil
}

// Delete removes an owned task.
func (s *Store) Delete(_ context.Context, owner string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.owned(owner, id); err != nil {
		return err
	}
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetFailure makes every subsequent call return err until it is reset with
// nil. Tests use it to simulate persistence failures.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Ping reports the configured failure, if any.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failWith
}

// Len returns the number of stored tasks across all users.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// owned must be called with mu held.
func (s *Store) owned(owner string, id uuid.UUID) (*tasks.Task, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	t, ok := s.byID[id]
	if !ok || t.UserID != owner {
		return nil, tasks.ErrNotFound
	}
	return t, nil
}
