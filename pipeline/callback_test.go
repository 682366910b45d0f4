// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/absmach/serving/ingress"
	"github.com/absmach/serving/source"
	"github.com/absmach/serving/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callbackServer struct {
	*httptest.Server
	mu       sync.Mutex
	received []ingress.Callback
	status   int
}

func newCallbackServer(t *testing.T) *callbackServer {
	t.Helper()
	cs := &callbackServer{status: http.StatusOK}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cbs []ingress.Callback
		if err := json.NewDecoder(r.Body).Decode(&cbs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cs.mu.Lock()
		cs.received = append(cs.received, cbs...)
		status := cs.status
		cs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func message(id, url string, value string) source.Message {
	return source.Message{
		ID:    id,
		Value: []byte(value),
		Headers: map[string]string{
			source.DefaultCallbackURLHeader: url,
			source.DefaultIDHeader:          id,
		},
	}
}

func TestCallbackSinkGroupsByURL(t *testing.T) {
	first := newCallbackServer(t)
	second := newCallbackServer(t)
	sink := NewCallbackSink("echo", webhook.NewHTTPSender(), "", "", time.Second, quiet())

	err := sink.Write(context.Background(), []source.Message{
		message("a", first.URL, "A"),
		message("b", second.URL, "B"),
		message("c", first.URL, "C"),
		{ID: "orphan", Value: []byte("no headers")},
	})
	require.NoError(t, err)

	require.Len(t, first.received, 2)
	assert.Equal(t, ingress.Callback{ID: "a", Vertex: "echo", Status: "completed", Response: []byte("A")}, first.received[0])
	assert.Equal(t, "c", first.received[1].ID)

	require.Len(t, second.received, 1)
	assert.Equal(t, []byte("B"), second.received[0].Response)
}

func TestCallbackSinkFailures(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"unavailable", http.StatusServiceUnavailable, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"expired ids", http.StatusNotFound, false},
		{"already resolved", http.StatusConflict, false},
		{"partially applied", http.StatusMultiStatus, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cs := newCallbackServer(t)
			cs.status = tc.status
			sink := NewCallbackSink("echo", webhook.NewHTTPSender(), "", "", time.Second, quiet())

			err := sink.Write(context.Background(), []source.Message{message("a", cs.URL, "A")})
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), strconv.Itoa(tc.status))
		})
	}
}

func TestCallbackSinkCustomHeaders(t *testing.T) {
	cs := newCallbackServer(t)
	sink := NewCallbackSink("echo", webhook.NewHTTPSender(), "X-Cb", "X-Req", time.Second, quiet())

	err := sink.Write(context.Background(), []source.Message{{
		ID:      "internal",
		Value:   []byte("v"),
		Headers: map[string]string{"X-Cb": cs.URL, "X-Req": "external"},
	}})
	require.NoError(t, err)

	require.Len(t, cs.received, 1)
	assert.Equal(t, "external", cs.received[0].ID)
}
