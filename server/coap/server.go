// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/serving/ingress"
	"github.com/absmach/serving/source"
	"github.com/absmach/serving/storage"
	piondtls "github.com/pion/dtls/v3"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	"github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
)

// Resource paths.
const (
	AsyncPath  = "/v1/process/async"
	FetchPath  = "/v1/process/fetch/"
	HealthPath = "/health"
)

const transport = "coap"

// Config holds the CoAP server configuration.
type Config struct {
	Address string
	// AcceptTimeout bounds waiting for the pipeline to acknowledge a request.
	AcceptTimeout time.Duration

	// DTLS configuration (if nil, runs plain UDP)
	TLSConfig *piondtls.Config
}

// Acceptor is the ingress used by the handlers.
type Acceptor interface {
	Accept(ctx context.Context, req ingress.Request) (string, error)
	Fetch(ctx context.Context, id string) (*storage.Record, error)
}

// Reply is the body of an accepted request.
type Reply struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Server accepts requests over CoAP. A POST to AsyncPath is one request; its
// payload is the message value. A caller-chosen id is passed as the "id" URI
// query.
type Server struct {
	config   Config
	acceptor Acceptor
	logger   *slog.Logger
	mux      *mux.Router
}

// New creates a new CoAP server.
func New(cfg Config, acceptor Acceptor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 30 * time.Second
	}

	s := &Server{
		config:   cfg,
		acceptor: acceptor,
		logger:   logger,
		mux:      mux.NewRouter(),
	}

	s.mux.Handle(AsyncPath, mux.HandlerFunc(s.handleAsync))
	s.mux.Handle(FetchPath+"{id}", mux.HandlerFunc(s.handleFetch))
	s.mux.Handle(HealthPath, mux.HandlerFunc(s.handleHealth))

	return s
}

// Listen starts the CoAP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	if s.config.TLSConfig != nil {
		return s.listenDTLS(ctx)
	}

	conn, err := net.NewListenUDP("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to create UDP listener: %w", err)
	}
	return s.serveUDP(ctx, conn)
}

func (s *Server) serveUDP(ctx context.Context, conn *net.UDPConn) error {
	s.logger.Info("coap_udp_server_starting", slog.String("addr", conn.LocalAddr().String()))

	server := udp.NewServer(options.WithMux(s.mux))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(conn); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("CoAP UDP server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("coap_udp_server_shutdown_initiated")
		server.Stop()
		s.logger.Info("coap_udp_server_stopped")
		return nil
	}
}

func (s *Server) listenDTLS(ctx context.Context) error {
	isMTLS := s.config.TLSConfig.ClientAuth == piondtls.RequireAndVerifyClientCert
	s.logger.Info("coap_dtls_server_starting",
		slog.String("addr", s.config.Address),
		slog.Bool("mtls", isMTLS))

	listener, err := net.NewDTLSListener("udp", s.config.Address, s.config.TLSConfig)
	if err != nil {
		return fmt.Errorf("failed to create DTLS listener: %w", err)
	}

	server := dtls.NewServer(options.WithMux(s.mux))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("CoAP DTLS server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("coap_dtls_server_shutdown_initiated")
		server.Stop()
		listener.Close()
		s.logger.Info("coap_dtls_server_stopped")
		return nil
	}
}

func (s *Server) handleAsync(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.POST {
		s.sendResponse(w, r, codes.MethodNotAllowed, nil)
		return
	}

	payload, err := r.ReadBody()
	if err != nil {
		s.logger.Warn("coap_read_body_error", slog.String("error", err.Error()))
		s.sendResponse(w, r, codes.BadRequest, []byte("failed to read body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.AcceptTimeout)
	defer cancel()

	id, err := s.acceptor.Accept(ctx, ingress.Request{
		ID:        queryValue(r, "id"),
		Payload:   payload,
		Transport: transport,
	})
	if err != nil {
		s.logger.Warn("coap_accept_failed", slog.String("id", id), slog.String("error", err.Error()))
		s.sendResponse(w, r, responseCode(err), []byte(err.Error()))
		return
	}

	body, _ := json.Marshal(Reply{ID: id, Status: string(storage.StatusAccepted)})
	s.sendJSON(w, r, codes.Changed, body)
}

func (s *Server) handleFetch(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.GET {
		s.sendResponse(w, r, codes.MethodNotAllowed, nil)
		return
	}

	path, err := r.Options().Path()
	if err != nil {
		s.sendResponse(w, r, codes.BadRequest, []byte("invalid path"))
		return
	}
	id := strings.TrimPrefix(path, FetchPath)
	if id == "" || id == path {
		s.sendResponse(w, r, codes.BadRequest, []byte("id is required in path"))
		return
	}

	rec, err := s.acceptor.Fetch(r.Context(), id)
	if err != nil {
		s.sendResponse(w, r, responseCode(err), []byte(err.Error()))
		return
	}

	body, err := json.Marshal(rec)
	if err != nil {
		s.sendResponse(w, r, codes.InternalServerError, nil)
		return
	}
	code := codes.Content
	if !rec.Status.Terminal() {
		code = codes.Valid
	}
	s.sendJSON(w, r, code, body)
}

func (s *Server) handleHealth(w mux.ResponseWriter, r *mux.Message) {
	s.sendResponse(w, r, codes.Content, []byte("healthy"))
}

func (s *Server) sendJSON(w mux.ResponseWriter, r *mux.Message, code codes.Code, body []byte) {
	resp := w.Conn().AcquireMessage(r.Context())
	defer w.Conn().ReleaseMessage(resp)
	resp.SetCode(code)
	resp.SetToken(r.Token())
	resp.SetContentFormat(message.AppJSON)
	resp.SetBody(bytes.NewReader(body))
	if err := w.Conn().WriteMessage(resp); err != nil {
		s.logger.Error("coap_send_response_error", slog.String("error", err.Error()))
	}
}

func (s *Server) sendResponse(w mux.ResponseWriter, r *mux.Message, code codes.Code, body []byte) {
	resp := w.Conn().AcquireMessage(r.Context())
	defer w.Conn().ReleaseMessage(resp)
	resp.SetCode(code)
	resp.SetToken(r.Token())
	if body != nil {
		resp.SetBody(bytes.NewReader(body))
	}
	if err := w.Conn().WriteMessage(resp); err != nil {
		s.logger.Error("coap_send_response_error", slog.String("error", err.Error()))
	}
}

func queryValue(r *mux.Message, key string) string {
	queries, err := r.Options().Queries()
	if err != nil {
		return ""
	}
	for _, q := range queries {
		if v, ok := strings.CutPrefix(q, key+"="); ok {
			return v
		}
	}
	return ""
}

func responseCode(err error) codes.Code {
	switch {
	case errors.Is(err, ingress.ErrDuplicateID), errors.Is(err, source.ErrDuplicateInFlight):
		return codes.PreconditionFailed
	case errors.Is(err, storage.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, source.ErrInjectorClosed),
		errors.Is(err, source.ErrActorTerminated),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return codes.ServiceUnavailable
	default:
		return codes.InternalServerError
	}
}
