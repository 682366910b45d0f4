// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the processing state of a request.
type Status string

const (
	// StatusPending is set when the request is registered, before the pipeline
	// acknowledged its message.
	StatusPending Status = "pending"
	// StatusAccepted is set once the pipeline acknowledged the message.
	StatusAccepted Status = "accepted"
	// StatusCompleted is set when a downstream stage reported a result.
	StatusCompleted Status = "completed"
	// StatusFailed is set when processing failed anywhere along the way.
	StatusFailed Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAccepted:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the stored state of one request.
type Record struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Vertex    string    `json:"vertex,omitempty"`
	Response  []byte    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord returns a pending record for id.
func NewRecord(id string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves the record to status. Statuses never move backwards and
// terminal statuses are final. Advancing to the current status is a no-op.
func (r *Record) Advance(status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	if r.Status == status && !status.Terminal() {
		return nil
	}
	if r.Status.Terminal() || status.rank() < r.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Response != nil {
		cp.Response = append([]byte(nil), r.Response...)
	}
	return &cp
}

// UpdateFunc mutates a record inside a store update. Returning an error aborts
// the update and leaves the stored record unchanged.
type UpdateFunc func(*Record) error

// Store keeps the status and final response of every request until it expires.
type Store interface {
	// Register stores a new pending record. Returns ErrAlreadyExists if id is taken.
	Register(ctx context.Context, id string) (*Record, error)

	// Update atomically applies fn to the record with the given id.
	// Returns ErrNotFound if there is no such record.
	Update(ctx context.Context, id string, fn UpdateFunc) (*Record, error)

	// Get returns the record with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Close releases the backend.
	Close() error
}

// MarkAccepted records that the pipeline acknowledged the request. A record
// already completed or failed by a downstream stage is left unchanged.
func MarkAccepted(ctx context.Context, s Store, id string) (*Record, error) {
	return s.Update(ctx, id, func(r *Record) error {
		if r.Status.Terminal() {
			return nil
		}
		return r.Advance(StatusAccepted)
	})
}

// Complete stores the final response reported by vertex.
func Complete(ctx context.Context, s Store, id, vertex string, response []byte) (*Record, error) {
	return s.Update(ctx, id, func(r *Record) error {
		if err := r.Advance(StatusCompleted); err != nil {
			return err
		}
		r.Vertex = vertex
		r.Response = response
		return nil
	})
}

// Fail records a processing failure reported by vertex.
func Fail(ctx context.Context, s Store, id, vertex, reason string) (*Record, error) {
	return s.Update(ctx, id, func(r *Record) error {
		if err := r.Advance(StatusFailed); err != nil {
			return err
		}
		r.Vertex = vertex
		r.Error = reason
		return nil
	})
}
