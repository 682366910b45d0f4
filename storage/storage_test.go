// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_Advance(t *testing.T) {
	cases := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"pending to accepted", StatusPending, StatusAccepted, false},
		{"pending to completed", StatusPending, StatusCompleted, false},
		{"pending to failed", StatusPending, StatusFailed, false},
		{"accepted to completed", StatusAccepted, StatusCompleted, false},
		{"accepted to accepted", StatusAccepted, StatusAccepted, false},
		{"accepted to pending", StatusAccepted, StatusPending, true},
		{"completed to failed", StatusCompleted, StatusFailed, true},
		{"completed to completed", StatusCompleted, StatusCompleted, true},
		{"failed to accepted", StatusFailed, StatusAccepted, true},
		{"unknown target", StatusPending, Status("lost"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRecord("id")
			r.Status = tc.from

			err := r.Advance(tc.to)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tc.from, r.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.to, r.Status)
		})
	}
}

func TestRecord_Clone(t *testing.T) {
	r := NewRecord("id")
	r.Response = []byte("hello")

	cp := r.Clone()
	cp.Response[0] = 'j'
	cp.Status = StatusFailed

	assert.Equal(t, "hello", string(r.Response))
	assert.Equal(t, StatusPending, r.Status)
	assert.Nil(t, (*Record)(nil).Clone())
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusAccepted.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, Status("").Valid())
}
