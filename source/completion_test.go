// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletion_FireReleasesWaiter(t *testing.T) {
	c := NewCompletion()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Wait(context.Background())
	}()

	require.NoError(t, c.Fire())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	assert.True(t, c.Fired())
}

func TestCompletion_FireAfterAbandon(t *testing.T) {
	c := NewCompletion()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.ErrorIs(t, c.Fire(), ErrCompletionSignalLost)
	assert.False(t, c.Fired())
}

func TestCompletion_WaitAfterFire(t *testing.T) {
	c := NewCompletion()
	require.NoError(t, c.Fire())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either branch of the select must report success once fired.
	for i := 0; i < 100; i++ {
		assert.NoError(t, c.Wait(ctx))
	}
}

func TestCompletion_Abandon(t *testing.T) {
	c := NewCompletion()
	c.Abandon()
	assert.ErrorIs(t, c.Fire(), ErrCompletionSignalLost)

	select {
	case <-c.Done():
		t.Fatal("abandoned completion must not be done")
	default:
	}
}

func TestCompletion_Reject(t *testing.T) {
	c := NewCompletion()
	c.Reject(ErrDuplicateInFlight)

	assert.ErrorIs(t, c.Wait(context.Background()), ErrDuplicateInFlight)
	assert.False(t, c.Fired())
	assert.NoError(t, c.Fire())

	fired := NewCompletion()
	require.NoError(t, fired.Fire())
	fired.Reject(ErrDuplicateInFlight)
	assert.NoError(t, fired.Wait(context.Background()))
}
