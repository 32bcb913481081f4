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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key layout:
//
//	thread/<id>             -> Thread (JSON)
//	turn/<id>/<seq:%020d>   -> Turn (JSON)
const (
	threadPrefix = "thread/"
	turnPrefix   = "turn/"
)

// maxConflictRetries bounds retries of an append that lost a write race.
const maxConflictRetries = 5

func threadKey(id string) []byte {
	return []byte(threadPrefix + id)
}

func turnsPrefix(id string) []byte {
	return []byte(turnPrefix + id + "/")
}

func turnKey(id string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", turnPrefix, id, seq))
}

// BadgerStore persists threads in an embedded BadgerDB.
//
// # Description
//
// Each turn is its own key, ordered by a zero-padded sequence number, so
// recent-turn and paging reads are prefix scans. Appends run in a
// transaction that bumps the thread's TurnCount; concurrent appends to one
// thread conflict and are retried.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger
	now    func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// OpenBadgerStore opens or creates a store.
//
// # Inputs
//
//   - cfg: Database settings. Use InMemoryBadgerConfig in tests.
//
// # Outputs
//
//   - *BadgerStore: Open store. Call Close when done.
//   - error: Non-nil if the database cannot be opened.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{
		db:     db,
		logger: logger.With("component", "conversation"),
		now:    time.Now,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc, err = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("start value log GC: %w", err)
		}
	}
	return s, nil
}

// CreateThread implements Store.
func (s *BadgerStore) CreateThread(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := s.now().UTC()
	thread := Thread{ID: uuid.NewString(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	err := s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, threadKey(thread.ID), thread)
	})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return thread.ID, nil
}

// LoadThread implements Store.
func (s *BadgerStore) LoadThread(ctx context.Context, threadID string) (Thread, error) {
	if err := ctx.Err(); err != nil {
		return Thread{}, err
	}
	var thread Thread
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		thread, err = getThread(txn, threadID)
		return err
	})
	return thread, err
}

// LoadRecentTurns implements Store.
func (s *BadgerStore) LoadRecentTurns(ctx context.Context, threadID string, limit int) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	turns := []Turn{}
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getThread(txn, threadID); err != nil {
			return err
		}

		prefix := turnsPrefix(threadID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(turns) >= limit {
				break
			}
			var turn Turn
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &turn) }); err != nil {
				return fmt.Errorf("decode turn: %w", err)
			}
			turns = append(turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AppendTurn implements Store.
func (s *BadgerStore) AppendTurn(ctx context.Context, threadID, role, content string) error {
	if !validRole(role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			thread, err := getThread(txn, threadID)
			if err != nil {
				return err
			}
			now := s.now().UTC()
			thread.TurnCount++
			thread.UpdatedAt = now

			turn := Turn{
				ThreadID:  threadID,
				Seq:       thread.TurnCount,
				Role:      role,
				Content:   content,
				CreatedAt: now,
			}
			if err := putJSON(txn, turnKey(threadID, turn.Seq), turn); err != nil {
				return err
			}
			return putJSON(txn, threadKey(threadID), thread)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.Debug("Append conflict, retrying", "thread_id", threadID, "attempt", attempt+1)
	}
	if err != nil && !errors.Is(err, ErrThreadNotFound) {
		return fmt.Errorf("append turn: %w", err)
	}
	return err
}

// LoadItems implements Store.
func (s *BadgerStore) LoadItems(ctx context.Context, threadID string, limit int, before int64) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	page := Page{Turns: []Turn{}}
	err := s.db.View(func(txn *badger.Txn) error {
		thread, err := getThread(txn, threadID)
		if err != nil {
			return err
		}
		first, last, hasMore := window(thread.TurnCount, limit, before)
		page.HasMore = hasMore
		if hasMore {
			page.Before = first
		}
		if last < first {
			return nil
		}

		prefix := turnsPrefix(threadID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(turnKey(threadID, first)); it.ValidForPrefix(prefix); it.Next() {
			var turn Turn
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &turn) }); err != nil {
				return fmt.Errorf("decode turn: %w", err)
			}
			if turn.Seq > last {
				break
			}
			page.Turns = append(page.Turns, turn)
		}
		return nil
	})
	return page, err
}

// DeleteThread implements Store.
//
// Turns are removed in a write batch before the thread record, so an
// interrupted delete leaves a thread with missing turns rather than
// orphaned turns.
func (s *BadgerStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.LoadThread(ctx, threadID); err != nil {
		return err
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = turnsPrefix(threadID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan turns: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(threadKey(threadID))
	})
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *BadgerStore) Close() error {
	s.closeOnce.Do(func() {
		if s.gc != nil {
			s.gc.stop()
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func getThread(txn *badger.Txn, threadID string) (Thread, error) {
	var thread Thread
	item, err := txn.Get(threadKey(threadID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return thread, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if err != nil {
		return thread, fmt.Errorf("read thread: %w", err)
	}
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &thread) })
	if err != nil {
		return thread, fmt.Errorf("decode thread: %w", err)
	}
	return thread, nil
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

var _ Store = (*BadgerStore)(nil)
