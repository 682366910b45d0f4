// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceDisconnected is returned by a read when the inbound queue is closed
	// and nothing was collected in that read. It is fatal for the source.
	ErrSourceDisconnected = errors.New("sending half of the serving channel has disconnected")

	// ErrInvalidOffset is returned when an offset lacks the replica suffix.
	ErrInvalidOffset = errors.New("invalid offset format")

	// ErrUnknownOffset is returned when an offset is not tracked, either because it
	// was never delivered or because it was already acknowledged.
	ErrUnknownOffset = errors.New("offset was not found in the tracker")

	// ErrCompletionSignalLost is returned when the producer waiting on a completion
	// signal gave up before the signal fired. The acknowledgment is still applied.
	ErrCompletionSignalLost = errors.New("completion signal receiver is gone")

	// ErrActorTerminated is returned by the handle when the actor goroutine stopped.
	ErrActorTerminated = errors.New("source actor terminated")

	// ErrInjectorClosed is returned when pushing into a closed injector.
	ErrInjectorClosed = errors.New("injector closed")

	// ErrDuplicateInFlight rejects a delivery whose id is still awaiting its
	// acknowledgment. The earlier delivery keeps its tracker entry.
	ErrDuplicateInFlight = errors.New("message id is already in flight")

	// ErrInvalidConfig is returned by New for unusable configuration.
	ErrInvalidConfig = errors.New("invalid source configuration")
)

// AckError reports where an acknowledgment stopped. The first Committed
// offsets were applied; Offset is the one that failed and Err says why.
type AckError struct {
	Committed int
	Offset    string
	Err       error
}

func (e *AckError) Error() string {
	return fmt.Sprintf("ack stopped at %q after %d committed: %v", e.Offset, e.Committed, e.Err)
}

func (e *AckError) Unwrap() error {
	return e.Err
}
