// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// request is one of readRequest, ackRequest or statsRequest.
type request interface {
	isRequest()
}

type readResult struct {
	messages []Message
	err      error
}

type readRequest struct {
	batchSize int
	deadline  time.Time
	reply     chan readResult
}

type ackRequest struct {
	offsets []string
	reply   chan error
}

type statsRequest struct {
	reply chan Stats
}

func (readRequest) isRequest()  {}
func (ackRequest) isRequest()   {}
func (statsRequest) isRequest() {}

// Stats is a snapshot of the actor's queue and tracker.
type Stats struct {
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
}

// actor owns the inbound queue and the tracker and serves one request at a time.
type actor struct {
	messages    <-chan *MessageWrapper
	requests    <-chan request
	tracker     *tracker
	suffix      string
	callbackURL string
	callbackKey string
	idKey       string
	logger      *slog.Logger
	recorder    Recorder
	done        chan struct{}
}

func (a *actor) run(ctx context.Context) {
	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("source_actor_stopped", slog.Int("in_flight", a.tracker.len()))
			return
		case req := <-a.requests:
			a.handle(ctx, req)
		}
	}
}

func (a *actor) handle(ctx context.Context, req request) {
	switch r := req.(type) {
	case readRequest:
		start := time.Now()
		msgs, err := a.read(ctx, r.batchSize, r.deadline)
		a.recorder.RecordRead(len(msgs), time.Since(start))
		r.reply <- readResult{messages: msgs, err: err}
	case ackRequest:
		acked, err := a.ack(r.offsets)
		a.recorder.RecordAck(acked, err)
		r.reply <- err
	case statsRequest:
		r.reply <- Stats{Queued: len(a.messages), InFlight: a.tracker.len()}
	}
}

// read collects up to count messages, returning no later than deadline.
func (a *actor) read(ctx context.Context, count int, deadline time.Time) ([]Message, error) {
	messages := make([]Message, 0, count)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for len(messages) < count && time.Now().Before(deadline) {
		var (
			w  *MessageWrapper
			ok bool
		)
		select {
		case w, ok = <-a.messages:
		case <-timer.C:
			return messages, nil
		case <-ctx.Done():
			return messages, nil
		}

		if !ok {
			if len(messages) == 0 {
				return nil, ErrSourceDisconnected
			}
			// The next read reports the disconnect.
			a.logger.Warn("source_disconnected_partial_batch", slog.Int("count", len(messages)))
			return messages, nil
		}

		msg := w.Message
		if msg.Headers == nil {
			msg.Headers = make(map[string]string, 2)
		}
		if !a.tracker.insert(msg.ID, w.Completion) {
			a.logger.Warn("source_duplicate_in_flight_id", slog.String("id", msg.ID))
			w.Completion.Reject(ErrDuplicateInFlight)
			continue
		}
		msg.Headers[a.callbackKey] = a.callbackURL
		msg.Headers[a.idKey] = msg.ID
		messages = append(messages, msg)
	}

	return messages, nil
}

// ack releases the producers of the given offsets, stopping at the first failure.
// Offsets before the failure stay acknowledged; their count is returned and
// carried by the *AckError.
func (a *actor) ack(offsets []string) (int, error) {
	for i, offset := range offsets {
		id, ok := strings.CutSuffix(offset, a.suffix)
		if !ok {
			return i, &AckError{
				Committed: i,
				Offset:    offset,
				Err:       fmt.Errorf("%w: missing suffix %q", ErrInvalidOffset, a.suffix),
			}
		}

		completion, ok := a.tracker.remove(id)
		if !ok {
			return i, &AckError{Committed: i, Offset: offset, Err: ErrUnknownOffset}
		}

		if err := completion.Fire(); err != nil {
			return i, &AckError{Committed: i, Offset: offset, Err: err}
		}
	}
	return len(offsets), nil
}
