// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/serving/ingress"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcceptor struct {
	mu       sync.Mutex
	requests []ingress.Request
	fail     map[string]error
}

func (a *fakeAcceptor) Accept(_ context.Context, req ingress.Request) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	id := fmt.Sprintf("req-%d", len(a.requests))
	if err, ok := a.fail[string(req.Payload)]; ok {
		return id, err
	}
	return id, nil
}

func (a *fakeAcceptor) snapshot() []ingress.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ingress.Request(nil), a.requests...)
}

func dial(t *testing.T, srv *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func newServer(t *testing.T, cfg Config, acceptor Acceptor) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, acceptor, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestFramesAreRequests(t *testing.T) {
	acceptor := &fakeAcceptor{}
	_, srv := newServer(t, Config{}, acceptor)

	header := http.Header{}
	header.Set("X-Tenant", "acme")
	ws := dial(t, srv, "/v1/process/ws", header)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("first")))
	var reply Reply
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, Reply{ID: "req-1", Status: "accepted"}, reply)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, Reply{ID: "req-2", Status: "accepted"}, reply)

	reqs := acceptor.snapshot()
	require.Len(t, reqs, 2)
	assert.Equal(t, []byte("first"), reqs[0].Payload)
	assert.Equal(t, []byte{0x01, 0x02}, reqs[1].Payload)
	assert.Equal(t, "acme", reqs[0].Headers["X-Tenant"])
	assert.Equal(t, transport, reqs[0].Transport)
}

func TestFrameRejected(t *testing.T) {
	acceptor := &fakeAcceptor{fail: map[string]error{"bad": errors.New("injector closed")}}
	_, srv := newServer(t, Config{}, acceptor)
	ws := dial(t, srv, "/v1/process/ws", nil)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("bad")))
	var reply Reply
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "req-1", reply.ID)
	assert.Equal(t, "injector closed", reply.Error)
	assert.Empty(t, reply.Status)

	// The connection stays usable.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("good")))
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "accepted", reply.Status)
}

func TestFrameTooLarge(t *testing.T) {
	acceptor := &fakeAcceptor{}
	_, srv := newServer(t, Config{MaxMessageSize: 8}, acceptor)
	ws := dial(t, srv, "/v1/process/ws", nil)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("way more than eight bytes")))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, acceptor.snapshot())
}

func TestCustomPath(t *testing.T) {
	_, srv := newServer(t, Config{Path: "/ingest"}, &fakeAcceptor{})

	resp, err := http.Get(srv.URL + "/v1/process/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ws := dial(t, srv, "/ingest", nil)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("x")))
	var reply Reply
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "accepted", reply.Status)
}

func TestCloseConnections(t *testing.T) {
	s, srv := newServer(t, Config{}, &fakeAcceptor{})
	ws := dial(t, srv, "/v1/process/ws", nil)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("x")))
	var reply Reply
	require.NoError(t, ws.ReadJSON(&reply))

	s.closeConnections()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
