// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeRequestAccepted  = "request.accepted"
	TypeRequestCompleted = "request.completed"
	TypeRequestFailed    = "request.failed"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "request.accepted")
	Type() string

	// RequestID returns the id of the request the event is about.
	RequestID() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(sourceID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	SourceID  string `json:"source_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, sourceID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SourceID:  sourceID,
		Data:      e,
	}
}

// RequestAccepted is emitted once the pipeline acknowledged a request's message.
type RequestAccepted struct {
	ID        string `json:"id"`
	Transport string `json:"transport"`
	Size      int    `json:"size"`
}

func (e RequestAccepted) Type() string                   { return TypeRequestAccepted }
func (e RequestAccepted) RequestID() string              { return e.ID }
func (e RequestAccepted) Wrap(sourceID string) *Envelope { return wrap(e, sourceID) }

// RequestCompleted is emitted when a downstream vertex reported a result.
type RequestCompleted struct {
	ID       string `json:"id"`
	Vertex   string `json:"vertex"`
	Response []byte `json:"response,omitempty"`
}

func (e RequestCompleted) Type() string                   { return TypeRequestCompleted }
func (e RequestCompleted) RequestID() string              { return e.ID }
func (e RequestCompleted) Wrap(sourceID string) *Envelope { return wrap(e, sourceID) }

// RequestFailed is emitted when processing of a request failed.
type RequestFailed struct {
	ID     string `json:"id"`
	Vertex string `json:"vertex,omitempty"`
	Reason string `json:"reason"`
}

func (e RequestFailed) Type() string                   { return TypeRequestFailed }
func (e RequestFailed) RequestID() string              { return e.ID }
func (e RequestFailed) Wrap(sourceID string) *Envelope { return wrap(e, sourceID) }
