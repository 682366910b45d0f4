// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const userAgent = "Absmach-Serving/1.0"

// StatusError is returned when the receiver answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned non-2xx status: %d", e.Code)
}

// Retryable reports whether the same payload may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code >= http.StatusInternalServerError ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests
}

// Permanent reports whether err is a rejection that resending cannot fix.
func Permanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Retryable()
}

// HTTPOption configures an HTTPSender.
type HTTPOption func(*http.Client)

// WithTLSConfig sets the client TLS configuration, used for private CAs and
// client certificates.
func WithTLSConfig(cfg *tls.Config) HTTPOption {
	return func(c *http.Client) {
		if cfg == nil {
			return
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = cfg
		c.Transport = transport
	}
}

// HTTPSender posts JSON payloads. It serves both the event notifier and the
// pipeline callbacks.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates a sender. Per-call timeouts come from Send; the client
// timeout is only an upper bound.
func NewHTTPSender(opts ...HTTPOption) *HTTPSender {
	client := &http.Client{Timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(client)
	}
	return &HTTPSender{client: client}
}

// Send posts payload to url. A non-2xx answer is returned as *StatusError.
func (s *HTTPSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
