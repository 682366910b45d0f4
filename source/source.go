// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default header names stamped into every delivered message.
const (
	DefaultCallbackURLHeader = "X-Serving-Callback-Url"
	DefaultIDHeader          = "X-Serving-Id"
)

// Config holds source settings.
type Config struct {
	// BatchSize is the maximum number of messages returned by one read.
	BatchSize int
	// ReadTimeout bounds how long one read waits for messages.
	ReadTimeout time.Duration
	// QueueCapacity is the inbound queue size. Defaults to twice the batch size.
	QueueCapacity int
	// ReplicaID identifies this consumer instance in offsets.
	ReplicaID uint16
	// CallbackURL is where downstream stages report completion.
	CallbackURL       string
	CallbackURLHeader string
	IDHeader          string
}

func (c *Config) normalize() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read timeout must be positive", ErrInvalidConfig)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("%w: queue capacity cannot be negative", ErrInvalidConfig)
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 2 * c.BatchSize
	}
	if c.CallbackURLHeader == "" {
		c.CallbackURLHeader = DefaultCallbackURLHeader
	}
	if c.IDHeader == "" {
		c.IDHeader = DefaultIDHeader
	}
	if c.CallbackURLHeader == c.IDHeader {
		return fmt.Errorf("%w: callback and id headers must differ", ErrInvalidConfig)
	}
	return nil
}

// Recorder receives read and ack observations. RecordAck gets the number of
// offsets committed before err.
type Recorder interface {
	RecordRead(count int, d time.Duration)
	RecordAck(count int, err error)
}

type noopRecorder struct{}

func (noopRecorder) RecordRead(int, time.Duration) {}
func (noopRecorder) RecordAck(int, error)          {}

// Option configures a Source.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	recorder Recorder
}

// WithLogger sets the logger used by the source and its actor.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRecorder sets the read/ack metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// Source is the handle used by the pipeline's consumer loop. It is safe for
// concurrent use; the actor serializes all requests in arrival order.
type Source struct {
	batchSize int
	timeout   time.Duration
	replicaID uint16
	requests  chan<- request
	done      <-chan struct{}
	cancel    context.CancelFunc
	logger    *slog.Logger
}

// New starts the source actor and returns the consumer handle together with
// the injector transports push into. The actor stops when ctx is done or Close
// is called.
func New(ctx context.Context, cfg Config, opts ...Option) (*Source, *Injector, error) {
	if err := cfg.normalize(); err != nil {
		return nil, nil, err
	}

	o := options{
		logger:   slog.Default(),
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.recorder == nil {
		o.recorder = noopRecorder{}
	}

	injector := newInjector(cfg.QueueCapacity)
	requests := make(chan request, 2*cfg.BatchSize)

	a := &actor{
		messages:    injector.queue,
		requests:    requests,
		tracker:     newTracker(),
		suffix:      offsetSuffix(cfg.ReplicaID),
		callbackURL: cfg.CallbackURL,
		callbackKey: cfg.CallbackURLHeader,
		idKey:       cfg.IDHeader,
		logger:      o.logger,
		recorder:    o.recorder,
		done:        make(chan struct{}),
	}

	actorCtx, cancel := context.WithCancel(ctx)
	go a.run(actorCtx)

	s := &Source{
		batchSize: cfg.BatchSize,
		timeout:   cfg.ReadTimeout,
		replicaID: cfg.ReplicaID,
		requests:  requests,
		done:      a.done,
		cancel:    cancel,
		logger:    o.logger,
	}
	return s, injector, nil
}

// ReadMessages reads up to the configured batch size, waiting at most the
// configured read timeout. ctx only bounds handing the request to the actor;
// once accepted the call waits for the bounded reply.
func (s *Source) ReadMessages(ctx context.Context) ([]Message, error) {
	start := time.Now()
	reply := make(chan readResult, 1)
	req := readRequest{
		batchSize: s.batchSize,
		deadline:  start.Add(s.timeout),
		reply:     reply,
	}
	if err := s.submit(ctx, req); err != nil {
		return nil, err
	}

	res, err := await(reply, s.done)
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, res.err
	}

	s.logger.Debug("source_read",
		slog.Int("count", len(res.messages)),
		slog.Int("requested_count", s.batchSize),
		slog.Int64("time_taken_ms", time.Since(start).Milliseconds()))

	return res.messages, nil
}

// AckMessages acknowledges the given offsets in order. It stops at the first
// invalid, unknown or lost offset, reported as *AckError; earlier offsets
// remain acknowledged.
func (s *Source) AckMessages(ctx context.Context, offsets []string) error {
	reply := make(chan error, 1)
	if err := s.submit(ctx, ackRequest{offsets: offsets, reply: reply}); err != nil {
		return err
	}

	res, err := await(reply, s.done)
	if err != nil {
		return err
	}
	return res
}

// Stats returns the number of queued and in-flight messages.
func (s *Source) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := s.submit(ctx, statsRequest{reply: reply}); err != nil {
		return Stats{}, err
	}
	return await(reply, s.done)
}

// ReplicaID returns the replica id used in offsets.
func (s *Source) ReplicaID() uint16 {
	return s.replicaID
}

// BatchSize returns the maximum number of messages per read.
func (s *Source) BatchSize() int {
	return s.batchSize
}

// Done is closed when the actor stops.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Close stops the actor and waits for it to exit. Pending and later calls fail
// with ErrActorTerminated.
func (s *Source) Close() {
	s.cancel()
	<-s.done
}

func (s *Source) submit(ctx context.Context, req request) error {
	select {
	case s.requests <- req:
		return nil
	case <-s.done:
		return ErrActorTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await waits for a reply, reporting ErrActorTerminated if the actor exits
// without answering.
func await[T any](reply <-chan T, done <-chan struct{}) (T, error) {
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		select {
		case v := <-reply:
			return v, nil
		default:
			var zero T
			return zero, ErrActorTerminated
		}
	}
}
