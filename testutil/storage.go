// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/absmach/serving/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory returns a fresh, empty store. The suite closes it.
type StoreFactory func(t *testing.T) storage.Store

// RunStoreSuite exercises the behaviour every storage.Store backend must share.
func RunStoreSuite(t *testing.T, newStore StoreFactory) {
	t.Run("RegisterAndGet", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		rec, err := s.Register(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "req-1", rec.ID)
		assert.Equal(t, storage.StatusPending, rec.Status)

		got, err := s.Get(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusPending, got.Status)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("RegisterDuplicate", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		_, err := s.Register(ctx, "dup")
		require.NoError(t, err)

		_, err = s.Register(ctx, "dup")
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := storage.MarkAccepted(context.Background(), s, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		_, err := s.Register(ctx, "req-2")
		require.NoError(t, err)

		rec, err := storage.MarkAccepted(ctx, s, "req-2")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusAccepted, rec.Status)

		rec, err = storage.Complete(ctx, s, "req-2", "sink", []byte("result"))
		require.NoError(t, err)
		assert.Equal(t, storage.StatusCompleted, rec.Status)

		got, err := s.Get(ctx, "req-2")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusCompleted, got.Status)
		assert.Equal(t, "sink", got.Vertex)
		assert.Equal(t, []byte("result"), got.Response)

		_, err = storage.Fail(ctx, s, "req-2", "sink", "late failure")
		assert.ErrorIs(t, err, storage.ErrInvalidTransition)

		got, err = s.Get(ctx, "req-2")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusCompleted, got.Status)
		assert.Empty(t, got.Error)
	})

	t.Run("AcceptAfterComplete", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		_, err := s.Register(ctx, "req-3")
		require.NoError(t, err)
		_, err = storage.Complete(ctx, s, "req-3", "sink", []byte("fast"))
		require.NoError(t, err)

		rec, err := storage.MarkAccepted(ctx, s, "req-3")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusCompleted, rec.Status)
	})

	t.Run("Fail", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		_, err := s.Register(ctx, "req-4")
		require.NoError(t, err)

		rec, err := storage.Fail(ctx, s, "req-4", "map", "boom")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusFailed, rec.Status)

		got, err := s.Get(ctx, "req-4")
		require.NoError(t, err)
		assert.Equal(t, "boom", got.Error)
		assert.Equal(t, "map", got.Vertex)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		_, err := s.Register(ctx, "req-5")
		require.NoError(t, err)
		_, err = storage.Complete(ctx, s, "req-5", "sink", []byte("abc"))
		require.NoError(t, err)

		got, err := s.Get(ctx, "req-5")
		require.NoError(t, err)
		got.Response[0] = 'x'
		got.Status = storage.StatusPending

		again, err := s.Get(ctx, "req-5")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(again.Response))
		assert.Equal(t, storage.StatusCompleted, again.Status)
	})

	t.Run("ConcurrentUpdates", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		const n = 20
		for i := 0; i < n; i++ {
			_, err := s.Register(ctx, fmt.Sprintf("c-%d", i))
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(2)
			id := fmt.Sprintf("c-%d", i)
			go func() {
				defer wg.Done()
				_, err := storage.MarkAccepted(ctx, s, id)
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := storage.Complete(ctx, s, id, "sink", []byte(id))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			got, err := s.Get(ctx, fmt.Sprintf("c-%d", i))
			require.NoError(t, err)
			assert.Equal(t, storage.StatusCompleted, got.Status)
		}
	})
}
