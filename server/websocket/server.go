// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/serving/ingress"
	"github.com/absmach/serving/ratelimit"
	"github.com/gorilla/websocket"
)

const transport = "websocket"

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	// MaxMessageSize bounds a single frame.
	MaxMessageSize int64
	// WriteTimeout bounds writing one reply frame.
	WriteTimeout time.Duration
}

// Acceptor injects requests into the pipeline.
type Acceptor interface {
	Accept(ctx context.Context, req ingress.Request) (string, error)
}

// Reply is written back for every inbound frame.
type Reply struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Server struct {
	config   Config
	acceptor Acceptor
	limiter  *ratelimit.IPRateLimiter
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimiter limits connection upgrades per IP.
func WithRateLimiter(l *ratelimit.IPRateLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

func New(cfg Config, acceptor Acceptor, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/v1/process/ws"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config:   cfg,
		acceptor: acceptor,
		logger:   logger,
		conns:    make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	var handler http.Handler = http.HandlerFunc(s.handleWebSocket)
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	mux.Handle(cfg.Path, handler)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server.RegisterOnShutdown(s.closeConnections)

	return s
}

// Handler returns the upgrade handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(s.config.MaxMessageSize)

	s.track(ws)
	defer s.untrack(ws)

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	headers := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	// Detached from r so the connection outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket_read_failed",
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		reply := s.accept(ctx, data, headers)
		if err := s.write(ws, reply); err != nil {
			s.logger.Debug("websocket_write_failed",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Server) accept(ctx context.Context, payload []byte, headers map[string]string) Reply {
	id, err := s.acceptor.Accept(ctx, ingress.Request{
		Payload:   payload,
		Headers:   headers,
		Transport: transport,
	})
	if err != nil {
		s.logger.Warn("websocket_accept_failed", slog.String("id", id), slog.String("error", err.Error()))
		return Reply{ID: id, Error: err.Error()}
	}
	return Reply{ID: id, Status: "accepted"}
}

func (s *Server) write(ws *websocket.Conn, reply Reply) error {
	if err := ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	return ws.WriteJSON(reply)
}

func (s *Server) track(ws *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[ws] = struct{}{}
}

func (s *Server) untrack(ws *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, ws)
	s.mu.Unlock()
	ws.Close()
}

// closeConnections closes hijacked connections, which http.Server.Shutdown
// does not track.
func (s *Server) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ws := range s.conns {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
	}
}
