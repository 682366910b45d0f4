// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"sync"
)

// Injector is the producer side of the bounded inbound queue. Transports push
// one MessageWrapper per inbound request; Push blocks while the queue is full.
type Injector struct {
	queue chan *MessageWrapper
	stop  chan struct{}

	mu      sync.RWMutex
	closed  bool
	pushers sync.WaitGroup
}

func newInjector(capacity int) *Injector {
	return &Injector{
		queue: make(chan *MessageWrapper, capacity),
		stop:  make(chan struct{}),
	}
}

// Push enqueues w, blocking until there is room, ctx is done or the injector is closed.
func (in *Injector) Push(ctx context.Context, w *MessageWrapper) error {
	in.mu.RLock()
	if in.closed {
		in.mu.RUnlock()
		return ErrInjectorClosed
	}
	in.pushers.Add(1)
	in.mu.RUnlock()
	defer in.pushers.Done()

	select {
	case in.queue <- w:
		return nil
	case <-in.stop:
		return ErrInjectorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting pushes and closes the queue once no push is in progress.
// Messages already queued are still delivered to reads before the actor sees the
// disconnect.
func (in *Injector) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	close(in.stop)
	in.mu.Unlock()

	in.pushers.Wait()
	close(in.queue)
}

// Closed reports whether Close was called.
func (in *Injector) Closed() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.closed
}

// Len returns the number of queued messages.
func (in *Injector) Len() int {
	return len(in.queue)
}

// Cap returns the queue capacity.
func (in *Injector) Cap() int {
	return cap(in.queue)
}
