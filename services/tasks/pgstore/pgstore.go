// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pgstore implements tasks.Store on PostgreSQL.
//
// # Description
//
// Every Store method is a single SQL statement, so each task operation is
// atomic without explicit transactions. Ownership is part of every WHERE
// clause; a row owned by someone else is indistinguishable from a missing
// row.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the connection pool.
type Config struct {
	// URL is the PostgreSQL connection string.
	URL string

	// PoolSize is the number of connections kept open. Default: 5.
	PoolSize int

	// MaxOverflow is the number of extra connections allowed under load.
	// Default: 10.
	MaxOverflow int

	// Logger receives pool lifecycle messages. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns pool settings matching the service defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		PoolSize:    5,
		MaxOverflow: 10,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store is a tasks.Store backed by a pgx connection pool.
//
// # Thread Safety
//
// Safe for concurrent use; pgxpool hands each call its own connection.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to PostgreSQL and verifies the connection.
//
// # Inputs
//
//   - ctx: Bounds the initial ping.
//   - cfg: Pool configuration. URL is required.
//
// # Outputs
//
//   - *Store: Connected store. Call Close when done.
//   - error: Non-nil if the URL is invalid or the server is unreachable.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("pgstore: database URL is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 5
	}
	if cfg.MaxOverflow < 0 {
		cfg.MaxOverflow = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse database URL: %w", err)
	}
	poolCfg.MinConns = int32(cfg.PoolSize)
	poolCfg.MaxConns = int32(cfg.PoolSize + cfg.MaxOverflow)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	logger.Info("PostgreSQL task store opened",
		"min_conns", poolCfg.MinConns,
		"max_conns", poolCfg.MaxConns)

	return &Store{pool: pool, logger: logger}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectColumns = `id, user_id, title, description, completed, created_at`

// Insert persists a new task.
func (s *Store) Insert(ctx context.Context, task *tasks.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, user_id, title, description, completed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.UserID, task.Title, task.Description, task.Completed, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// List returns the owner's tasks, oldest first. seq breaks ties between
// tasks created in the same instant.
func (s *Store) List(ctx context.Context, owner string, filter tasks.StatusFilter) ([]tasks.Task, error) {
	query := `SELECT ` + selectColumns + ` FROM tasks WHERE user_id = $1`
	args := []any{owner}
	switch filter {
	case tasks.StatusPending:
		query += ` AND completed = $2`
		args = append(args, false)
	case tasks.StatusCompleted:
		query += ` AND completed = $2`
		args = append(args, true)
	}
	query += ` ORDER BY created_at ASC, seq ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]tasks.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// Complete marks an owned task completed.
func (s *Store) Complete(ctx context.Context, owner string, id uuid.UUID) (*tasks.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET completed = TRUE
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+selectColumns,
		id, owner)
	return scanOne(row, "complete task")
}

// Update replaces the non-nil fields of an owned task.
func (s *Store) Update(ctx context.Context, owner string, id uuid.UUID, title, description *string) (*tasks.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET title = COALESCE($3, title),
		     description = COALESCE($4, description)
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+selectColumns,
		id, owner, title, description)
	return scanOne(row, "update task")
}

// Delete removes an owned task.
func (s *Store) Delete(ctx context.Context, owner string, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks WHERE id = $1 AND user_id = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tasks.ErrNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (tasks.Task, error) {
	var t tasks.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Completed, &t.CreatedAt)
	if err != nil {
		return tasks.Task{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func scanOne(row pgx.Row, op string) (*tasks.Task, error) {
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tasks.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &t, nil
}
