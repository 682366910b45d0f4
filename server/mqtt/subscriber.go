// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/serving/ingress"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// TopicHeader carries the MQTT topic a request arrived on.
const TopicHeader = "X-Serving-Mqtt-Topic"

const transport = "mqtt"

type Config struct {
	Broker          string
	ClientID        string
	Topic           string
	QoS             byte
	Username        string
	Password        string
	KeepAlive       time.Duration
	ConnectTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Acceptor injects requests into the pipeline.
type Acceptor interface {
	Accept(ctx context.Context, req ingress.Request) (string, error)
}

// Subscriber consumes requests from an MQTT topic. A message is acknowledged
// to the broker only after the pipeline acknowledged it, so unprocessed
// messages are redelivered.
type Subscriber struct {
	config   Config
	acceptor Acceptor
	logger   *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	stopping bool
	wg       sync.WaitGroup
}

func New(cfg Config, acceptor Acceptor, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		config:   cfg,
		acceptor: acceptor,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Subscriber) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(s.config.Broker).
		SetClientID(s.config.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectTimeout(s.config.ConnectTimeout).
		SetAutoAckDisabled(true).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.logger.Warn("mqtt_connection_lost", slog.String("error", err.Error()))
		})
	if s.config.KeepAlive > 0 {
		opts.SetKeepAlive(s.config.KeepAlive)
	}
	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
		opts.SetPassword(s.config.Password)
	}
	return opts
}

// onConnect subscribes on every (re)connect.
func (s *Subscriber) onConnect(c paho.Client) {
	tok := c.Subscribe(s.config.Topic, s.config.QoS, s.handle)
	if !tok.WaitTimeout(s.config.ConnectTimeout) {
		s.logger.Error("mqtt_subscribe_timeout", slog.String("topic", s.config.Topic))
		return
	}
	if err := tok.Error(); err != nil {
		s.logger.Error("mqtt_subscribe_failed", slog.String("topic", s.config.Topic), slog.String("error", err.Error()))
		return
	}
	s.logger.Info("mqtt_subscribed", slog.String("topic", s.config.Topic), slog.Int("qos", int(s.config.QoS)))
}

// Listen connects to the broker and consumes until ctx is done.
func (s *Subscriber) Listen(ctx context.Context) error {
	client := paho.NewClient(s.clientOptions())

	s.logger.Info("mqtt_subscriber_starting",
		slog.String("broker", s.config.Broker),
		slog.String("topic", s.config.Topic))

	tok := client.Connect()
	if !tok.WaitTimeout(s.config.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", s.config.Broker)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.config.Broker, err)
	}

	<-ctx.Done()
	s.logger.Info("mqtt_subscriber_shutdown_initiated")

	if tok := client.Unsubscribe(s.config.Topic); tok.WaitTimeout(time.Second) && tok.Error() != nil {
		s.logger.Warn("mqtt_unsubscribe_failed", slog.String("error", tok.Error().Error()))
	}
	s.drain()
	client.Disconnect(250)

	s.logger.Info("mqtt_subscriber_stopped")
	return nil
}

// drain waits for in-progress messages, then cancels the rest.
func (s *Subscriber) drain() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("mqtt_subscriber_drain_timeout")
	}
	s.cancel()
	<-done
}

func (s *Subscriber) handle(_ paho.Client, msg paho.Message) {
	s.mu.RLock()
	if s.stopping {
		s.mu.RUnlock()
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()
	defer s.wg.Done()

	id, err := s.acceptor.Accept(s.ctx, ingress.Request{
		Payload:   msg.Payload(),
		Headers:   map[string]string{TopicHeader: msg.Topic()},
		Transport: transport,
	})
	if err != nil {
		if errors.Is(err, ingress.ErrDuplicateID) {
			msg.Ack()
		}
		s.logger.Warn("mqtt_accept_failed",
			slog.String("id", id),
			slog.String("topic", msg.Topic()),
			slog.Uint64("message_id", uint64(msg.MessageID())),
			slog.String("error", err.Error()))
		return
	}

	msg.Ack()
	s.logger.Debug("mqtt_message_accepted", slog.String("id", id), slog.String("topic", msg.Topic()))
}
