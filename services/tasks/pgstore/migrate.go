// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// schema is applied in order inside one transaction. Every statement is
// idempotent so Migrate can run on each deploy.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id          UUID PRIMARY KEY,
		seq         BIGSERIAL NOT NULL,
		user_id     VARCHAR(255) NOT NULL,
		title       VARCHAR(200) NOT NULL,
		description VARCHAR(1000),
		completed   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks (user_id, created_at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_user_completed ON tasks (user_id, completed)`,
}

// Migrate creates the tasks table and its indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	s.logger.Info("Task schema migrated", "statements", len(schema))
	return nil
}
