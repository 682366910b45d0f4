// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/serving/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSenderSend(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverDelay    time.Duration
		timeout        time.Duration
		errContains    string
		retryable      bool
	}{
		{
			name:           "successful request",
			serverResponse: http.StatusOK,
			timeout:        5 * time.Second,
		},
		{
			name:           "successful request with 202",
			serverResponse: http.StatusAccepted,
			timeout:        5 * time.Second,
		},
		{
			name:           "server returns 400",
			serverResponse: http.StatusBadRequest,
			timeout:        5 * time.Second,
			errContains:    "non-2xx status: 400",
		},
		{
			name:           "server returns 503",
			serverResponse: http.StatusServiceUnavailable,
			timeout:        5 * time.Second,
			errContains:    "non-2xx status: 503",
			retryable:      true,
		},
		{
			name:           "timeout exceeded",
			serverResponse: http.StatusOK,
			serverDelay:    500 * time.Millisecond,
			timeout:        50 * time.Millisecond,
			errContains:    "context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, "Absmach-Serving/1.0", r.Header.Get("User-Agent"))
				assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

				body, err := io.ReadAll(r.Body)
				assert.NoError(t, err)
				assert.JSONEq(t, `{"test":"payload"}`, string(body))

				if tt.serverDelay > 0 {
					select {
					case <-time.After(tt.serverDelay):
					case <-r.Context().Done():
					}
				}
				w.WriteHeader(tt.serverResponse)
			}))
			defer server.Close()

			sender := NewHTTPSender()
			headers := map[string]string{"Authorization": "Bearer test-token"}

			err := sender.Send(context.Background(), server.URL, headers, []byte(`{"test":"payload"}`), tt.timeout)
			if tt.errContains == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)

			var se *StatusError
			if errors.As(err, &se) {
				assert.Equal(t, tt.serverResponse, se.Code)
				assert.Equal(t, tt.retryable, se.Retryable())
				assert.Equal(t, !tt.retryable, Permanent(err))
			}
		})
	}
}

func TestHTTPSenderInvalidURL(t *testing.T) {
	sender := NewHTTPSender()

	err := sender.Send(context.Background(), "invalid://url", nil, []byte("test"), 5*time.Second)
	assert.Error(t, err)
}

func TestHTTPSenderClientTLS(t *testing.T) {
	certs := testutil.GenerateCerts(t)
	serverCert, err := tls.LoadX509KeyPair(certs.ServerCertFile, certs.ServerKeyFile)
	require.NoError(t, err)

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	server.TLS = &tls.Config{Certificates: []tls.Certificate{serverCert}}
	server.StartTLS()
	defer server.Close()

	err = NewHTTPSender().Send(context.Background(), server.URL, nil, []byte("{}"), time.Second)
	require.Error(t, err)

	sender := NewHTTPSender(WithTLSConfig(testutil.ClientTLSConfig(t, certs, false)))
	require.NoError(t, sender.Send(context.Background(), server.URL, nil, []byte("{}"), time.Second))
}

func TestPermanent(t *testing.T) {
	assert.True(t, Permanent(&StatusError{Code: http.StatusNotFound}))
	assert.False(t, Permanent(&StatusError{Code: http.StatusTooManyRequests}))
	assert.False(t, Permanent(&StatusError{Code: http.StatusBadGateway}))
	assert.False(t, Permanent(errors.New("connection refused")))
}
