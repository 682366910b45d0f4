// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/absmach/serving/ingress"
	"github.com/absmach/serving/ratelimit"
	"github.com/absmach/serving/source"
	"github.com/absmach/serving/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/net/netutil"
)

// Routes served by the request-accepting server.
const (
	AsyncPath    = "/v1/process/async"
	SyncPath     = "/v1/process/sync"
	CallbackPath = "/v1/process/callback"
	FetchPath    = "/v1/process/fetch"
	LivezPath    = "/livez"
)

const transport = "http"

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
	// MaxConnections caps concurrent connections; 0 means unlimited.
	MaxConnections int
	// MaxMessageSize bounds the decoded request body.
	MaxMessageSize int64
	// SyncTimeout bounds how long a synchronous request waits for its result.
	SyncTimeout time.Duration
	// IDHeader carries a caller-chosen request id.
	IDHeader string
}

// Acceptor is the ingress used by the handlers.
type Acceptor interface {
	Accept(ctx context.Context, req ingress.Request) (string, error)
	AwaitResult(ctx context.Context, id string) (*storage.Record, error)
	Fetch(ctx context.Context, id string) (*storage.Record, error)
	ApplyCallback(ctx context.Context, cb ingress.Callback) (*storage.Record, error)
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimiter rejects requests over the per-IP limit.
func WithRateLimiter(l *ratelimit.IPRateLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithTracerProvider sets the tracer provider used for request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		if tp != nil {
			s.tracer = tp.Tracer("serving/http")
		}
	}
}

type Server struct {
	config   Config
	acceptor Acceptor
	limiter  *ratelimit.IPRateLimiter
	tracer   trace.Tracer
	logger   *slog.Logger
	server   *http.Server
	draining atomic.Bool
}

func New(cfg Config, acceptor Acceptor, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 60 * time.Second
	}
	if cfg.IDHeader == "" {
		cfg.IDHeader = source.DefaultIDHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config:   cfg,
		acceptor: acceptor,
		tracer:   otel.Tracer("serving/http"),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+AsyncPath, s.accepting(s.handleAsync))
	mux.HandleFunc("POST "+SyncPath, s.accepting(s.handleSync))
	mux.HandleFunc("POST "+CallbackPath, s.handleCallback)
	mux.HandleFunc("GET "+FetchPath, s.handleFetch)
	mux.HandleFunc("GET "+LivezPath, s.handleLivez)

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	handler = s.traced(handler)
	if cfg.TLSConfig == nil {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Drain stops accepting new requests. Callbacks, fetches and in-flight
// synchronous requests keep being served until the server is shut down.
func (s *Server) Drain() {
	if s.draining.CompareAndSwap(false, true) {
		s.logger.Info("http_server_draining")
	}
}

func (s *Server) accepting(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.Header().Set("Connection", "close")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "server is draining"})
			return
		}
		next(w, r)
	}
}

// Listen binds the configured address and serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}

	s.logger.Info("http_server_starting",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", s.config.TLSConfig != nil),
		slog.Int("max_connections", s.config.MaxConnections))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSConfig != nil {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("http_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("http_server_stopped")
		return nil
	}
}

type acceptResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

type callbackResponse struct {
	Status  string          `json:"status"`
	Applied int             `json:"applied"`
	Failed  []errorResponse `json:"failed,omitempty"`
}

func (s *Server) handleAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.request(w, r)
	if !ok {
		return
	}

	id, err := s.acceptor.Accept(r.Context(), req)
	if err != nil {
		s.fail(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusOK, acceptResponse{ID: id, Status: string(storage.StatusAccepted)})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.request(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.SyncTimeout)
	defer cancel()

	id, err := s.acceptor.Accept(ctx, req)
	if err == nil {
		var rec *storage.Record
		rec, err = s.acceptor.AwaitResult(ctx, id)
		if err == nil {
			s.writeResult(w, id, rec)
			return
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("http_sync_timeout", slog.String("id", id), slog.Duration("timeout", s.config.SyncTimeout))
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{ID: id, Error: "timed out waiting for result"})
	default:
		s.fail(w, r, id, err)
	}
}

func (s *Server) writeResult(w http.ResponseWriter, id string, rec *storage.Record) {
	w.Header().Set(s.config.IDHeader, id)
	if rec.Status == storage.StatusFailed {
		writeJSON(w, http.StatusInternalServerError, errorResponse{ID: id, Error: rec.Error})
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(rec.Response); err != nil {
		s.logger.Debug("http_write_failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, ok := s.body(w, r)
	if !ok {
		return
	}

	var callbacks []ingress.Callback
	if err := json.Unmarshal(body, &callbacks); err != nil {
		s.logger.Warn("http_callback_invalid_request", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid callback payload: %v", err)})
		return
	}

	resp := callbackResponse{Status: "ok"}
	var firstErr, serverErr error
	for _, cb := range callbacks {
		if _, err := s.acceptor.ApplyCallback(r.Context(), cb); err != nil {
			resp.Failed = append(resp.Failed, errorResponse{ID: cb.ID, Error: err.Error()})
			if firstErr == nil {
				firstErr = err
			}
			if serverErr == nil && statusCode(err) >= http.StatusInternalServerError {
				serverErr = err
			}
			continue
		}
		resp.Applied++
	}

	if len(resp.Failed) > 0 {
		s.logger.Warn("http_callback_partially_applied",
			slog.Int("applied", resp.Applied),
			slog.Int("failed", len(resp.Failed)),
			slog.String("error", firstErr.Error()))
	}

	// A server-side failure asks the sender to retry the batch; callbacks
	// applied on this attempt report a conflict on the next one.
	switch {
	case len(resp.Failed) == 0:
		writeJSON(w, http.StatusOK, resp)
	case serverErr != nil:
		resp.Status = "error"
		writeJSON(w, statusCode(serverErr), resp)
	case resp.Applied == 0:
		resp.Status = "rejected"
		writeJSON(w, statusCode(firstErr), resp)
	default:
		resp.Status = "partial"
		writeJSON(w, http.StatusMultiStatus, resp)
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id is required"})
		return
	}

	rec, err := s.acceptor.Fetch(r.Context(), id)
	if err != nil {
		s.fail(w, r, id, err)
		return
	}

	code := http.StatusOK
	if !rec.Status.Terminal() {
		code = http.StatusAccepted
	}
	writeJSON(w, code, rec)
}

func (s *Server) handleLivez(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// request builds an ingress request from the HTTP request, writing the error
// response itself when the body is rejected.
func (s *Server) request(w http.ResponseWriter, r *http.Request) (ingress.Request, bool) {
	payload, ok := s.body(w, r)
	if !ok {
		return ingress.Request{}, false
	}

	headers := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	return ingress.Request{
		ID:        r.Header.Get(s.config.IDHeader),
		Payload:   payload,
		Headers:   headers,
		Transport: transport,
	}, true
}

func (s *Server) body(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limited := http.MaxBytesReader(w, r.Body, s.config.MaxMessageSize)
	data, err := readBody(limited, r.Header.Get("Content-Encoding"), s.config.MaxMessageSize)
	if err == nil {
		return data, true
	}

	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr), errors.Is(err, errBodyTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: errBodyTooLarge.Error()})
	case errors.Is(err, errUnsupportedEncoding):
		writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid body: %v", err)})
	}
	return nil, false
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, id string, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("http_request_failed",
			slog.String("path", r.URL.Path),
			slog.String("id", id),
			slog.String("error", err.Error()))
	}
	writeJSON(w, code, errorResponse{ID: id, Error: err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, ingress.ErrDuplicateID),
		errors.Is(err, source.ErrDuplicateInFlight),
		errors.Is(err, storage.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingress.ErrInvalidCallback):
		return http.StatusBadRequest
	case errors.Is(err, source.ErrInjectorClosed),
		errors.Is(err, source.ErrActorTerminated),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
				attribute.String("net.peer.addr", r.RemoteAddr),
			))
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}
