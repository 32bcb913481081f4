// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memThread struct {
	meta  Thread
	turns []Turn
}

// MemoryStore keeps threads in process memory. Contents are lost on exit.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*memThread
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]*memThread),
		now:     time.Now,
	}
}

// CreateThread implements Store.
func (m *MemoryStore) CreateThread(_ context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	now := m.now().UTC()
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[id] = &memThread{meta: Thread{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}}
	return id, nil
}

// LoadThread implements Store.
func (m *MemoryStore) LoadThread(_ context.Context, threadID string) (Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[threadID]
	if !ok {
		return Thread{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return t.meta, nil
}

// LoadRecentTurns implements Store.
func (m *MemoryStore) LoadRecentTurns(_ context.Context, threadID string, limit int) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	start := 0
	if limit > 0 && len(t.turns) > limit {
		start = len(t.turns) - limit
	}
	return append([]Turn{}, t.turns[start:]...), nil
}

// AppendTurn implements Store.
func (m *MemoryStore) AppendTurn(_ context.Context, threadID, role, content string) error {
	if !validRole(role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	t.meta.TurnCount++
	t.meta.UpdatedAt = now
	t.turns = append(t.turns, Turn{
		ThreadID:  threadID,
		Seq:       t.meta.TurnCount,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	})
	return nil
}

// LoadItems implements Store.
func (m *MemoryStore) LoadItems(_ context.Context, threadID string, limit int, before int64) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[threadID]
	if !ok {
		return Page{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}

	first, last, hasMore := window(t.meta.TurnCount, limit, before)
	page := Page{Turns: []Turn{}, HasMore: hasMore}
	if last >= first {
		page.Turns = append(page.Turns, t.turns[first-1:last]...)
	}
	if hasMore {
		page.Before = first
	}
	return page, nil
}

// DeleteThread implements Store.
func (m *MemoryStore) DeleteThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	delete(m.threads, threadID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
