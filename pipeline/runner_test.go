// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/serving/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]source.Message
	err     error
}

func (s *recordingSink) Write(_ context.Context, msgs []source.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, msgs)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSource(t *testing.T) (*source.Source, *source.Injector) {
	t.Helper()
	src, inj, err := source.New(context.Background(), source.Config{
		BatchSize:   4,
		ReadTimeout: 20 * time.Millisecond,
		ReplicaID:   1,
	}, source.WithLogger(quiet()))
	require.NoError(t, err)
	t.Cleanup(src.Close)
	return src, inj
}

func pushAsync(inj *source.Injector, id string) *source.MessageWrapper {
	w := source.NewMessageWrapper(source.Message{ID: id, Value: []byte(id)})
	go func() { _ = inj.Push(context.Background(), w) }()
	return w
}

func TestRunnerAcksAndStopsOnDisconnect(t *testing.T) {
	src, inj := newSource(t)
	sink := &recordingSink{}
	runner := NewRunner(src, sink, quiet())

	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background()) }()

	var waiters []*source.MessageWrapper
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		waiters = append(waiters, pushAsync(inj, id))
	}

	for _, w := range waiters {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, w.Completion.Wait(ctx), w.Message.ID)
		cancel()
	}
	assert.Equal(t, 6, sink.count())

	inj.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after disconnect")
	}

	stats, err := src.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.InFlight)
}

func TestRunnerSinkFailureLeavesBatchUnacked(t *testing.T) {
	src, inj := newSource(t)
	sink := &recordingSink{err: errors.New("downstream unavailable")}
	runner := NewRunner(src, sink, quiet())
	runner.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	w := pushAsync(inj, "stuck")
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, w.Completion.Wait(waitCtx), context.DeadlineExceeded)

	stats, err := src.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight)

	cancel()
	require.NoError(t, <-done)
}

func TestRunnerActorTerminated(t *testing.T) {
	src, _ := newSource(t)
	runner := NewRunner(src, &recordingSink{}, quiet())

	src.Close()
	err := runner.Run(context.Background())
	assert.ErrorIs(t, err, source.ErrActorTerminated)
}

func TestRunnerContextCanceled(t *testing.T) {
	src, _ := newSource(t)
	runner := NewRunner(src, &recordingSink{}, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

type flakyReader struct {
	mu    sync.Mutex
	calls int
	acked [][]string
}

func (r *flakyReader) ReadMessages(context.Context) ([]source.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	switch r.calls {
	case 1:
		return nil, errors.New("transient")
	case 2:
		return []source.Message{{ID: "x"}, {ID: "y"}}, nil
	default:
		return nil, source.ErrSourceDisconnected
	}
}

func (r *flakyReader) AckMessages(_ context.Context, offsets []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, offsets)
	return nil
}

func (r *flakyReader) ReplicaID() uint16 { return 3 }

func TestRunnerRetriesReadErrors(t *testing.T) {
	reader := &flakyReader{}
	runner := NewRunner(reader, &recordingSink{}, quiet())
	runner.retryDelay = time.Millisecond

	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, 3, reader.calls)
	assert.Equal(t, [][]string{{"x-3", "y-3"}}, reader.acked)
}

func TestRunnerAckSkipsAbandonedProducer(t *testing.T) {
	src, inj := newSource(t)
	sink := &recordingSink{}

	gone := source.NewMessageWrapper(source.Message{ID: "gone", Value: []byte("gone")})
	gone.Completion.Abandon()
	require.NoError(t, inj.Push(context.Background(), gone))
	live := pushAsync(inj, "live")
	require.Eventually(t, func() bool { return inj.Len() == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRunner(src, sink, quiet()).Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, live.Completion.Wait(waitCtx))

	stats, err := src.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.InFlight)

	cancel()
	require.NoError(t, <-done)
}

// rejectingReader fails the first ack at a fixed index, like a source whose
// producer gave up, then accepts the remainder.
type rejectingReader struct {
	mu    sync.Mutex
	reads int
	acked [][]string
}

func (r *rejectingReader) ReadMessages(context.Context) ([]source.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.reads == 1 {
		return []source.Message{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}, nil
	}
	return nil, source.ErrSourceDisconnected
}

func (r *rejectingReader) AckMessages(_ context.Context, offsets []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, offsets)
	if len(r.acked) == 1 {
		return &source.AckError{Committed: 1, Offset: offsets[1], Err: source.ErrCompletionSignalLost}
	}
	return nil
}

func (r *rejectingReader) ReplicaID() uint16 { return 0 }

func TestRunnerAckResumesAfterFailedOffset(t *testing.T) {
	reader := &rejectingReader{}
	require.NoError(t, NewRunner(reader, &recordingSink{}, quiet()).Run(context.Background()))

	assert.Equal(t, [][]string{
		{"a-0", "b-0", "c-0", "d-0"},
		{"c-0", "d-0"},
	}, reader.acked)
}
