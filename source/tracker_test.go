// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker(t *testing.T) {
	tr := newTracker()
	c1 := NewCompletion()

	assert.True(t, tr.insert("a", c1))
	assert.Equal(t, 1, tr.len())

	got, ok := tr.remove("a")
	assert.True(t, ok)
	assert.Same(t, c1, got)
	assert.Equal(t, 0, tr.len())

	_, ok = tr.remove("a")
	assert.False(t, ok)
}

func TestTracker_DuplicateInsert(t *testing.T) {
	tr := newTracker()
	c1, c2 := NewCompletion(), NewCompletion()

	assert.True(t, tr.insert("a", c1))
	assert.False(t, tr.insert("a", c2))
	assert.Equal(t, 1, tr.len())

	got, _ := tr.remove("a")
	assert.Same(t, c1, got)
}

func TestMakeOffset(t *testing.T) {
	assert.Equal(t, "abc-2", MakeOffset("abc", 2))
	assert.Equal(t, "abc-0", MakeOffset("abc", 0))
	assert.Equal(t, "a-b-65535", MakeOffset("a-b", 65535))
}
