// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/serving/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

const (
	recordPrefix     = "serving/record/"
	maxUpdateRetries = 16
)

// Store is a BadgerDB-backed storage.Store.
//
// Key format: serving/record/{id}, value is the JSON encoded record.
type Store struct {
	db  *badger.DB
	ttl time.Duration

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string        // Directory for BadgerDB data
	TTL time.Duration // Record lifetime, zero keeps records forever
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		ttl:      cfg.TTL,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	go s.runGC()

	return s, nil
}

func recordKey(id string) []byte {
	return []byte(recordPrefix + id)
}

// Register stores a new pending record.
func (s *Store) Register(ctx context.Context, id string) (*storage.Record, error) {
	rec := storage.NewRecord(id)

	err := s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(id))
		switch {
		case err == nil:
			return storage.ErrAlreadyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return s.set(txn, rec)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Update applies fn inside a read-write transaction.
func (s *Store) Update(ctx context.Context, id string, fn storage.UpdateFunc) (*storage.Record, error) {
	var rec *storage.Record

	err := s.update(ctx, func(txn *badger.Txn) error {
		current, err := get(txn, id)
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}
		rec = current
		return s.set(txn, current)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// update runs fn in a read-write transaction, retrying when a concurrent
// transaction touched the same keys.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}

	return fmt.Errorf("transaction retries exhausted: %w", badger.ErrConflict)
}

// Get retrieves a record by id.
func (s *Store) Get(_ context.Context, id string) (*storage.Record, error) {
	var rec *storage.Record

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = get(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

func get(txn *badger.Txn, id string) (*storage.Record, error) {
	item, err := txn.Get(recordKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	rec := &storage.Record{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

func (s *Store) set(txn *badger.Txn, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	e := badger.NewEntry(recordKey(rec.ID), data)
	if s.ttl > 0 {
		e = e.WithTTL(s.ttl)
	}
	return txn.SetEntry(e)
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there is nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
