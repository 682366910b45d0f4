// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/serving/storage"
	"github.com/absmach/serving/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) storage.Store {
		return New(time.Hour)
	})
}

func TestStore_NoTTL(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) storage.Store {
		return New(0)
	})
}

func TestStore_Expiry(t *testing.T) {
	s := New(30 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	_, err := s.Register(ctx, "short-lived")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, "short-lived")
		return err == storage.ErrNotFound
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)

	// An expired id can be registered again.
	_, err = s.Register(ctx, "short-lived")
	assert.NoError(t, err)
}

func TestStore_CloseTwice(t *testing.T) {
	s := New(time.Minute)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
