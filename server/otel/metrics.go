// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/serving/ingress"
	"github.com/absmach/serving/source"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	_ source.Recorder  = (*Metrics)(nil)
	_ ingress.Recorder = (*Metrics)(nil)
)

// Metrics holds OpenTelemetry metric instruments for the serving source.
type Metrics struct {
	meter metric.Meter

	// Counters
	requestsTotal  metric.Int64Counter
	messagesRead   metric.Int64Counter
	acksTotal      metric.Int64Counter
	ackErrorsTotal metric.Int64Counter
	callbacksTotal metric.Int64Counter

	// Histograms
	requestDuration metric.Float64Histogram
	readBatchSize   metric.Int64Histogram
	readDuration    metric.Float64Histogram
}

// NewMetrics creates the instruments on mp, or on the global provider when mp
// is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter("serving"),
	}

	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"serving.requests.total",
		metric.WithDescription("Requests handled by the ingress, by transport and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsTotal counter: %w", err)
	}

	m.messagesRead, err = m.meter.Int64Counter(
		"serving.source.messages.read.total",
		metric.WithDescription("Messages handed to the pipeline"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRead counter: %w", err)
	}

	m.acksTotal, err = m.meter.Int64Counter(
		"serving.source.acks.total",
		metric.WithDescription("Offsets acknowledged by the pipeline"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acksTotal counter: %w", err)
	}

	m.ackErrorsTotal, err = m.meter.Int64Counter(
		"serving.source.ack.errors.total",
		metric.WithDescription("Failed acknowledgements by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackErrorsTotal counter: %w", err)
	}

	m.callbacksTotal, err = m.meter.Int64Counter(
		"serving.callbacks.total",
		metric.WithDescription("Downstream callbacks applied, by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callbacksTotal counter: %w", err)
	}

	m.requestDuration, err = m.meter.Float64Histogram(
		"serving.request.duration.ms",
		metric.WithDescription("Time from request arrival until the pipeline acknowledged it"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestDuration histogram: %w", err)
	}

	m.readBatchSize, err = m.meter.Int64Histogram(
		"serving.source.read.batch.size",
		metric.WithDescription("Messages returned per read"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create readBatchSize histogram: %w", err)
	}

	m.readDuration, err = m.meter.Float64Histogram(
		"serving.source.read.duration.ms",
		metric.WithDescription("Read duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create readDuration histogram: %w", err)
	}

	return m, nil
}

// RecordRead records one completed read.
func (m *Metrics) RecordRead(count int, d time.Duration) {
	ctx := context.Background()
	m.messagesRead.Add(ctx, int64(count))
	m.readBatchSize.Record(ctx, int64(count))
	m.readDuration.Record(ctx, durationMs(d))
}

// RecordAck records one ack request. count is the number of offsets
// committed before err, if any.
func (m *Metrics) RecordAck(count int, err error) {
	ctx := context.Background()
	if count > 0 {
		m.acksTotal.Add(ctx, int64(count))
	}
	if err != nil {
		m.ackErrorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", ackErrorKind(err)),
		))
	}
}

// RecordRequest records one ingress request.
func (m *Metrics) RecordRequest(transport, outcome string, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("outcome", outcome),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, durationMs(d), attrs)
}

// RecordCallback records one applied downstream callback.
func (m *Metrics) RecordCallback(status string) {
	m.callbacksTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func ackErrorKind(err error) string {
	switch {
	case errors.Is(err, source.ErrInvalidOffset):
		return "invalid_offset"
	case errors.Is(err, source.ErrUnknownOffset):
		return "unknown_offset"
	case errors.Is(err, source.ErrCompletionSignalLost):
		return "signal_lost"
	default:
		return "other"
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
