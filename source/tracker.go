// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

// tracker maps the id of every delivered but unacknowledged message to its
// completion. Only the actor goroutine touches it, so it needs no lock.
type tracker struct {
	entries map[string]*Completion
}

func newTracker() *tracker {
	return &tracker{entries: make(map[string]*Completion)}
}

// insert registers c under id. It reports false, leaving the existing entry
// untouched, if id is already in flight.
func (t *tracker) insert(id string, c *Completion) bool {
	if _, exists := t.entries[id]; exists {
		return false
	}
	t.entries[id] = c
	return true
}

// remove deletes and returns the completion for id.
func (t *tracker) remove(id string) (*Completion, bool) {
	c, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return c, ok
}

func (t *tracker) len() int {
	return len(t.entries)
}
