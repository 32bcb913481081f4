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
	"os"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to TASKS_TEST_DATABASE_URL, or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TASKS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TASKS_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Open(ctx, DefaultConfig(url))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestOpen_RequiresURL(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestOpen_RejectsMalformedURL(t *testing.T) {
	_, err := Open(context.Background(), Config{URL: "postgres://%zz"})
	assert.Error(t, err)
}

func TestStore_Lifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	owner := "pgstore-" + uuid.NewString()

	task := &tasks.Task{
		ID:        uuid.New(),
		UserID:    owner,
		Title:     "buy milk",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Insert(ctx, task))

	listed, err := store.List(ctx, owner, tasks.StatusPending)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, task.ID, listed[0].ID)
	assert.Nil(t, listed[0].Description)

	desc := "2%"
	updated, err := store.Update(ctx, owner, task.ID, nil, &desc)
	require.NoError(t, err)
	assert.Equal(t, "buy milk", updated.Title)
	require.NotNil(t, updated.Description)
	assert.Equal(t, "2%", *updated.Description)

	done, err := store.Complete(ctx, owner, task.ID)
	require.NoError(t, err)
	assert.True(t, done.Completed)

	_, err = store.Complete(ctx, "someone-else", task.ID)
	assert.ErrorIs(t, err, tasks.ErrNotFound)

	require.NoError(t, store.Delete(ctx, owner, task.ID))
	assert.ErrorIs(t, store.Delete(ctx, owner, task.ID), tasks.ErrNotFound)
}

func TestStore_ListOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	owner := "pgstore-" + uuid.NewString()
	at := time.Now().UTC().Truncate(time.Microsecond)

	var ids []uuid.UUID
	for _, title := range []string{"a", "b", "c"} {
		task := &tasks.Task{ID: uuid.New(), UserID: owner, Title: title, CreatedAt: at}
		require.NoError(t, store.Insert(ctx, task))
		ids = append(ids, task.ID)
	}

	listed, err := store.List(ctx, owner, tasks.StatusAll)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i := range ids {
		assert.Equal(t, ids[i], listed[i].ID)
	}
}
