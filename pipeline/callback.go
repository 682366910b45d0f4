// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/serving/ingress"
	"github.com/absmach/serving/source"
	"github.com/absmach/serving/storage"
	"github.com/absmach/serving/webhook"
)

// CallbackSink reports every message as completed to the callback URL stamped
// into its headers, echoing the payload as the response. Messages without a
// callback URL are skipped.
type CallbackSink struct {
	vertex      string
	sender      webhook.Sender
	callbackKey string
	idKey       string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewCallbackSink creates a sink reporting as vertex. Empty header names fall
// back to the source defaults.
func NewCallbackSink(vertex string, sender webhook.Sender, callbackKey, idKey string, timeout time.Duration, logger *slog.Logger) *CallbackSink {
	if callbackKey == "" {
		callbackKey = source.DefaultCallbackURLHeader
	}
	if idKey == "" {
		idKey = source.DefaultIDHeader
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackSink{
		vertex:      vertex,
		sender:      sender,
		callbackKey: callbackKey,
		idKey:       idKey,
		timeout:     timeout,
		logger:      logger,
	}
}

// Write posts one callback batch per distinct callback URL. A receiver that
// rejects a batch outright is logged and not retried; only failures that may
// succeed later are returned.
func (s *CallbackSink) Write(ctx context.Context, msgs []source.Message) error {
	batches := make(map[string][]ingress.Callback)
	var order []string

	for _, msg := range msgs {
		url := msg.Headers[s.callbackKey]
		if url == "" {
			s.logger.Warn("pipeline_callback_url_missing", slog.String("id", msg.ID))
			continue
		}
		id := msg.Headers[s.idKey]
		if id == "" {
			id = msg.ID
		}
		if _, ok := batches[url]; !ok {
			order = append(order, url)
		}
		batches[url] = append(batches[url], ingress.Callback{
			ID:       id,
			Vertex:   s.vertex,
			Status:   string(storage.StatusCompleted),
			Response: msg.Value,
		})
	}

	var errs []error
	for _, url := range order {
		payload, err := json.Marshal(batches[url])
		if err != nil {
			return fmt.Errorf("failed to marshal callbacks: %w", err)
		}
		err = s.sender.Send(ctx, url, nil, payload, s.timeout)
		switch {
		case err == nil:
		case webhook.Permanent(err):
			s.logger.Warn("pipeline_callback_rejected",
				slog.String("url", url),
				slog.Int("count", len(batches[url])),
				slog.String("error", err.Error()))
		default:
			errs = append(errs, fmt.Errorf("callback to %s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}
