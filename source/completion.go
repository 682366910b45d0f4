// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"sync/atomic"
)

const (
	completionPending int32 = iota
	completionFired
	completionAbandoned
	completionRejected
)

// Completion is a single-use signal. It is fired at most once, by the actor
// when the message is acknowledged, and awaited by the producer of the message.
// Firing, rejecting and abandoning are mutually exclusive.
type Completion struct {
	state atomic.Int32
	done  chan struct{}
	// err is written before done is closed by Reject.
	err error
}

// NewCompletion returns a pending completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Fire releases the waiting producer. It returns ErrCompletionSignalLost when
// the producer already gave up; the completion is consumed either way.
func (c *Completion) Fire() error {
	if c.state.CompareAndSwap(completionPending, completionFired) {
		close(c.done)
		return nil
	}
	if c.state.Load() == completionAbandoned {
		return ErrCompletionSignalLost
	}
	return nil
}

// Reject releases the waiting producer with err instead of an
// acknowledgment. It is a no-op unless the completion is pending.
func (c *Completion) Reject(err error) {
	if !c.state.CompareAndSwap(completionPending, completionRejected) {
		return
	}
	c.err = err
	close(c.done)
}

// Wait blocks until the completion fires or is rejected, or ctx is done. When
// ctx wins, the completion is abandoned and a later Fire reports the loss.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		if c.state.CompareAndSwap(completionPending, completionAbandoned) {
			return ctx.Err()
		}
		// Settled concurrently with cancellation.
		switch c.state.Load() {
		case completionFired:
			return nil
		case completionRejected:
			<-c.done
			return c.err
		}
		return ctx.Err()
	}
}

// Abandon gives up on the completion without waiting.
func (c *Completion) Abandon() {
	c.state.CompareAndSwap(completionPending, completionAbandoned)
}

// Done is closed once the completion fires or is rejected.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Fired reports whether the completion has fired.
func (c *Completion) Fired() bool {
	return c.state.Load() == completionFired
}
