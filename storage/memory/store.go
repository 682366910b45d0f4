// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/serving/storage"
)

var _ storage.Store = (*Store)(nil)

type entry struct {
	record    *storage.Record
	expiresAt time.Time
}

// Store is an in-memory storage.Store. Records expire once the configured TTL
// has passed since their last write; a zero TTL keeps them forever.
type Store struct {
	mu      sync.RWMutex
	records map[string]*entry
	ttl     time.Duration

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New creates a new in-memory store.
func New(ttl time.Duration) *Store {
	s := &Store{
		records: make(map[string]*entry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	if ttl > 0 {
		go s.sweepLoop(sweepInterval(ttl))
	} else {
		close(s.done)
	}

	return s
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// Register stores a new pending record.
func (s *Store) Register(_ context.Context, id string) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.records[id]; ok && !s.expired(e, time.Now()) {
		return nil, storage.ErrAlreadyExists
	}

	rec := storage.NewRecord(id)
	s.records[id] = &entry{record: rec, expiresAt: s.expiry()}

	return rec.Clone(), nil
}

// Update applies fn to a copy of the record and stores it if fn succeeds.
func (s *Store) Update(_ context.Context, id string, fn storage.UpdateFunc) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok || s.expired(e, time.Now()) {
		return nil, storage.ErrNotFound
	}

	rec := e.record.Clone()
	if err := fn(rec); err != nil {
		return nil, err
	}
	e.record = rec
	e.expiresAt = s.expiry()

	return rec.Clone(), nil
}

// Get returns a copy of the record.
func (s *Store) Get(_ context.Context, id string) (*storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[id]
	if !ok || s.expired(e, time.Now()) {
		return nil, storage.ErrNotFound
	}

	return e.record.Clone(), nil
}

// Len returns the number of stored records, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close stops the sweeper.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.stopCh)
	})
	<-s.done
	return nil
}

func (s *Store) expiry() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.ttl)
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, e := range s.records {
		if s.expired(e, now) {
			delete(s.records, id)
		}
	}
}
