// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/serving/source"
)

// Reader is the consumer side of a source.
type Reader interface {
	ReadMessages(ctx context.Context) ([]source.Message, error)
	AckMessages(ctx context.Context, offsets []string) error
	ReplicaID() uint16
}

// Sink processes one batch of messages.
type Sink interface {
	Write(ctx context.Context, msgs []source.Message) error
}

// Runner is the consumer loop: read a batch, hand it to the sink, ack it.
type Runner struct {
	reader Reader
	sink   Sink
	logger *slog.Logger
	// retryDelay is the pause after a failed read or sink write.
	retryDelay time.Duration
}

// NewRunner creates a runner reading from r into s.
func NewRunner(r Reader, s Sink, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		reader:     r,
		sink:       s,
		logger:     logger,
		retryDelay: 100 * time.Millisecond,
	}
}

// Run loops until the source disconnects or ctx is done, both of which return
// nil. A terminated source actor is returned as an error. A batch the sink
// rejects is not acknowledged; its producers keep waiting.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("pipeline_runner_started", slog.Int("replica_id", int(r.reader.ReplicaID())))

	for {
		if ctx.Err() != nil {
			r.logger.Info("pipeline_runner_stopped")
			return nil
		}

		msgs, err := r.reader.ReadMessages(ctx)
		switch {
		case err == nil:
		case errors.Is(err, source.ErrSourceDisconnected):
			r.logger.Info("pipeline_source_disconnected")
			return nil
		case errors.Is(err, source.ErrActorTerminated):
			return err
		case ctx.Err() != nil:
			r.logger.Info("pipeline_runner_stopped")
			return nil
		default:
			r.logger.Error("pipeline_read_failed", slog.String("error", err.Error()))
			r.pause(ctx)
			continue
		}

		if len(msgs) == 0 {
			continue
		}

		if err := r.sink.Write(ctx, msgs); err != nil {
			r.logger.Error("pipeline_sink_failed",
				slog.Int("count", len(msgs)),
				slog.String("error", err.Error()))
			r.pause(ctx)
			continue
		}

		offsets := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			offsets = append(offsets, source.MakeOffset(msg.ID, r.reader.ReplicaID()))
		}

		if err := r.ack(ctx, offsets); err != nil {
			return err
		}
	}
}

// ack acknowledges offsets, stepping over any offset the source rejects so a
// producer that gave up does not hold back the rest of the batch. Only a
// terminated actor is returned.
func (r *Runner) ack(ctx context.Context, offsets []string) error {
	for len(offsets) > 0 {
		err := r.reader.AckMessages(ctx, offsets)
		if err == nil {
			return nil
		}
		if errors.Is(err, source.ErrActorTerminated) {
			return err
		}

		var ackErr *source.AckError
		if !errors.As(err, &ackErr) || ackErr.Committed >= len(offsets) {
			r.logger.Warn("pipeline_ack_failed",
				slog.Int("count", len(offsets)),
				slog.String("error", err.Error()))
			return nil
		}

		r.logger.Warn("pipeline_ack_skipped",
			slog.String("offset", ackErr.Offset),
			slog.Int("remaining", len(offsets)-ackErr.Committed-1),
			slog.String("error", ackErr.Err.Error()))
		offsets = offsets[ackErr.Committed+1:]
	}
	return nil
}

func (r *Runner) pause(ctx context.Context) {
	t := time.NewTimer(r.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
