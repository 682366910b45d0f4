// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/absmach/serving/events"
	"github.com/absmach/serving/source"
	"github.com/absmach/serving/storage"
	"github.com/absmach/serving/webhook"
	"github.com/google/uuid"
)

// Errors returned by the acceptor.
var (
	ErrDuplicateID     = errors.New("request id already in use")
	ErrInvalidCallback = errors.New("invalid callback")
)

// Request outcomes reported to the Recorder.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeCanceled  = "canceled"
	OutcomeError     = "error"
)

const defaultPollInterval = 25 * time.Millisecond

// Pusher hands messages to the pipeline source.
type Pusher interface {
	Push(ctx context.Context, w *source.MessageWrapper) error
}

// Recorder receives ingress observations.
type Recorder interface {
	RecordRequest(transport, outcome string, d time.Duration)
	RecordCallback(status string)
}

type noopRecorder struct{}

func (noopRecorder) RecordRequest(string, string, time.Duration) {}
func (noopRecorder) RecordCallback(string)                       {}

// Request is one inbound request from any transport.
type Request struct {
	// ID is optional; a UUIDv7 is generated when empty.
	ID        string
	Payload   []byte
	Headers   map[string]string
	Transport string
}

// Callback is a completion report from a downstream vertex.
type Callback struct {
	ID       string `json:"id"`
	Vertex   string `json:"vertex"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Response []byte `json:"response,omitempty"`
}

// Option configures an Acceptor.
type Option func(*Acceptor)

// WithLogger sets the acceptor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Acceptor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithNotifier sets the webhook notifier for request lifecycle events.
func WithNotifier(n webhook.Notifier) Option {
	return func(a *Acceptor) {
		if n != nil {
			a.notifier = n
		}
	}
}

// WithRecorder sets the ingress metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Acceptor) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithPollInterval sets how often AwaitResult checks the store.
func WithPollInterval(d time.Duration) Option {
	return func(a *Acceptor) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// Acceptor is the producer side shared by every transport: it registers the
// request, pushes it into the source and waits until the pipeline
// acknowledged it.
type Acceptor struct {
	pusher       Pusher
	store        storage.Store
	notifier     webhook.Notifier
	recorder     Recorder
	logger       *slog.Logger
	pollInterval time.Duration
}

// New creates an acceptor pushing into p and tracking requests in store.
func New(p Pusher, store storage.Store, opts ...Option) *Acceptor {
	a := &Acceptor{
		pusher:       p,
		store:        store,
		notifier:     webhook.Nop{},
		recorder:     noopRecorder{},
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Accept injects req into the pipeline and returns its id once the pipeline
// acknowledged the message. ctx bounds both the push and the wait; a canceled
// wait leaves the record pending so a later callback can still resolve it.
func (a *Acceptor) Accept(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	id, outcome, err := a.accept(ctx, req)
	a.recorder.RecordRequest(req.Transport, outcome, time.Since(start))
	return id, err
}

func (a *Acceptor) accept(ctx context.Context, req Request) (string, string, error) {
	id := req.ID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return "", OutcomeError, fmt.Errorf("failed to generate request id: %w", err)
		}
		id = v7.String()
	}

	if _, err := a.store.Register(ctx, id); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return id, OutcomeDuplicate, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		return id, OutcomeError, fmt.Errorf("failed to register request: %w", err)
	}

	headers := make(map[string]string, len(req.Headers)+2)
	maps.Copy(headers, req.Headers)
	w := source.NewMessageWrapper(source.Message{
		Value:   req.Payload,
		ID:      id,
		Headers: headers,
	})

	if err := a.pusher.Push(ctx, w); err != nil {
		if _, ferr := storage.Fail(context.WithoutCancel(ctx), a.store, id, "", err.Error()); ferr != nil {
			a.logger.Warn("request_fail_record_failed", slog.String("id", id), slog.String("error", ferr.Error()))
		}
		a.notify(ctx, events.RequestFailed{ID: id, Reason: err.Error()})
		if errors.Is(err, source.ErrInjectorClosed) {
			return id, OutcomeRejected, err
		}
		return id, outcomeOf(err), err
	}

	if err := w.Completion.Wait(ctx); err != nil {
		a.logger.Debug("request_ack_wait_abandoned", slog.String("id", id), slog.String("error", err.Error()))
		return id, outcomeOf(err), err
	}

	if _, err := storage.MarkAccepted(context.WithoutCancel(ctx), a.store, id); err != nil {
		a.logger.Warn("request_mark_accepted_failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	a.notify(ctx, events.RequestAccepted{ID: id, Transport: req.Transport, Size: len(req.Payload)})

	return id, OutcomeAccepted, nil
}

func outcomeOf(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeCanceled
	}
	return OutcomeError
}

// AwaitResult polls the store until the request reaches a terminal status or
// ctx is done.
func (a *Acceptor) AwaitResult(ctx context.Context, id string) (*storage.Record, error) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := a.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Fetch returns the current record for id.
func (a *Acceptor) Fetch(ctx context.Context, id string) (*storage.Record, error) {
	return a.store.Get(ctx, id)
}

// ApplyCallback stores a downstream outcome. Only completed and failed
// callbacks are accepted.
func (a *Acceptor) ApplyCallback(ctx context.Context, cb Callback) (*storage.Record, error) {
	if cb.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidCallback)
	}

	var (
		rec *storage.Record
		err error
	)
	switch storage.Status(cb.Status) {
	case storage.StatusCompleted:
		rec, err = storage.Complete(ctx, a.store, cb.ID, cb.Vertex, cb.Response)
		if err == nil {
			a.notify(ctx, events.RequestCompleted{ID: cb.ID, Vertex: cb.Vertex, Response: cb.Response})
		}
	case storage.StatusFailed:
		rec, err = storage.Fail(ctx, a.store, cb.ID, cb.Vertex, cb.Error)
		if err == nil {
			a.notify(ctx, events.RequestFailed{ID: cb.ID, Vertex: cb.Vertex, Reason: cb.Error})
		}
	default:
		return nil, fmt.Errorf("%w: unsupported status %q", ErrInvalidCallback, cb.Status)
	}
	if err != nil {
		return nil, err
	}

	a.recorder.RecordCallback(cb.Status)
	return rec, nil
}

func (a *Acceptor) notify(ctx context.Context, ev events.Event) {
	if err := a.notifier.Notify(ctx, ev); err != nil {
		a.logger.Warn("webhook_notify_failed",
			slog.String("event_type", ev.Type()),
			slog.String("id", ev.RequestID()),
			slog.String("error", err.Error()))
	}
}
