// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/serving/storage"
	"github.com/redis/go-redis/v9"
)

var _ storage.Store = (*Store)(nil)

const maxUpdateRetries = 16

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Store is a Redis-backed storage.Store, suitable when several replicas share
// request state. Updates use optimistic WATCH/MULTI transactions.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	s := NewFromClient(client, cfg.KeyPrefix, cfg.TTL)
	s.owned = true
	return s, nil
}

// NewFromClient wraps an existing client. Close does not close a client it
// did not create.
func NewFromClient(client redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "serving"
	}
	return &Store{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *Store) key(id string) string {
	return fmt.Sprintf("%s:record:%s", s.prefix, id)
}

// Register stores a new pending record with SETNX.
func (s *Store) Register(ctx context.Context, id string) (*storage.Record, error) {
	rec := storage.NewRecord(id)
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(id), data, s.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrAlreadyExists
	}

	return rec, nil
}

// Update applies fn under WATCH and retries when the key changed concurrently.
func (s *Store) Update(ctx context.Context, id string, fn storage.UpdateFunc) (*storage.Record, error) {
	key := s.key(id)
	var rec *storage.Record

	txf := func(tx *redis.Tx) error {
		current, err := decode(tx.Get(ctx, key))
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}

		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			rec = current
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}

	return nil, fmt.Errorf("failed to update record %s: %w", id, redis.TxFailedErr)
}

// Get retrieves a record by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	return decode(s.client.Get(ctx, s.key(id)))
}

func decode(cmd *redis.StringCmd) (*storage.Record, error) {
	data, err := cmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	rec := &storage.Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

// Close closes the client if the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
