// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absmach/serving/config"
	"github.com/absmach/serving/events"
	"github.com/sony/gobreaker"
)

// ErrNilSender is returned when the notifier is built without a sender.
var ErrNilSender = errors.New("webhook sender cannot be nil")

// GenericNotifier implements webhook notifications with a worker pool and a
// circuit breaker per endpoint.
type GenericNotifier struct {
	cfg        config.WebhookConfig
	sourceID   string
	endpoints  []endpointConfig
	eventQueue chan eventJob
	breakers   map[string]*gobreaker.CircuitBreaker
	sender     Sender
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

var _ Notifier = (*GenericNotifier)(nil)

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool
	headers      map[string]string
	timeout      time.Duration
	retryConfig  config.RetryConfig
}

type eventJob struct {
	event    events.Event
	endpoint endpointConfig
	attempt  int
}

// NewNotifier creates a notifier and starts its workers. sourceID is stamped
// into every envelope.
func NewNotifier(cfg config.WebhookConfig, sourceID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, ErrNilSender
	}

	ctx, cancel := context.WithCancel(context.Background())

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eventFilters := make(map[string]bool, len(ep.Events))
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}

		retryConfig := cfg.Defaults.Retry
		if ep.Retry != nil {
			retryConfig = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: eventFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retryConfig:  retryConfig,
		})
	}

	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook_circuit_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	workers := max(cfg.Workers, 1)
	n := &GenericNotifier{
		cfg:        cfg,
		sourceID:   sourceID,
		endpoints:  endpoints,
		eventQueue: make(chan eventJob, max(cfg.QueueSize, 1)),
		breakers:   breakers,
		sender:     sender,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook_notifier_started",
		slog.Int("workers", workers),
		slog.Int("queue_size", cap(n.eventQueue)),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues the event for every endpoint whose filter accepts it. When the
// queue is full the configured drop policy applies.
func (n *GenericNotifier) Notify(ctx context.Context, event events.Event) error {
	if event == nil {
		return errors.New("webhook event cannot be nil")
	}

	for _, endpoint := range n.endpoints {
		if !shouldNotify(endpoint, event) {
			continue
		}

		job := eventJob{event: event, endpoint: endpoint}
		select {
		case n.eventQueue <- job:
			continue
		default:
		}

		if n.cfg.DropPolicy == "oldest" {
			select {
			case <-n.eventQueue:
			default:
			}
			select {
			case n.eventQueue <- job:
				continue
			default:
			}
		}
		n.logger.Error("webhook_event_dropped",
			slog.String("event_type", event.Type()),
			slog.String("request_id", event.RequestID()),
			slog.String("endpoint", endpoint.name))
	}

	return nil
}

func shouldNotify(endpoint endpointConfig, event events.Event) bool {
	if len(endpoint.eventFilters) == 0 {
		return true
	}
	return endpoint.eventFilters[event.Type()]
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.eventQueue:
			n.processJob(job)
		}
	}
}

// processJob sends a webhook through the endpoint's breaker and schedules a
// retry on failure.
func (n *GenericNotifier) processJob(job eventJob) {
	breaker := n.breakers[job.endpoint.name]

	_, err := breaker.Execute(func() (any, error) {
		return nil, n.sendWebhook(job)
	})
	if err == nil {
		return
	}

	if Permanent(err) || job.attempt >= job.endpoint.retryConfig.MaxAttempts-1 {
		n.logger.Error("webhook_delivery_failed",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	job.attempt++
	delay := retryDelay(job.attempt, job.endpoint.retryConfig)

	n.logger.Debug("webhook_delivery_retry",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.eventQueue <- job:
		default:
			n.logger.Error("webhook_requeue_failed",
				slog.String("endpoint", job.endpoint.name),
				slog.String("event_type", job.event.Type()))
		}
	})
}

func (n *GenericNotifier) sendWebhook(job eventJob) error {
	payload, err := json.Marshal(job.event.Wrap(n.sourceID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, job.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook_delivered",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()))

	return nil
}

// retryDelay returns the exponential backoff delay for the given attempt,
// capped at MaxInterval.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, waiting at most the configured shutdown timeout.
// Events still queued are dropped.
func (n *GenericNotifier) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()

		done := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(done)
		}()

		timeout := n.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}

		select {
		case <-done:
			n.logger.Info("webhook_notifier_stopped")
		case <-time.After(timeout):
			n.logger.Warn("webhook_notifier_shutdown_timeout",
				slog.Int("queue_depth", len(n.eventQueue)))
		}
	})
	return nil
}
