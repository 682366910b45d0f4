// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/serving/config"
	"github.com/absmach/serving/ingress"
	"github.com/absmach/serving/pipeline"
	servingtls "github.com/absmach/serving/pkg/tls"
	"github.com/absmach/serving/ratelimit"
	"github.com/absmach/serving/server/coap"
	"github.com/absmach/serving/server/health"
	"github.com/absmach/serving/server/http"
	"github.com/absmach/serving/server/mqtt"
	"github.com/absmach/serving/server/otel"
	"github.com/absmach/serving/server/websocket"
	"github.com/absmach/serving/source"
	"github.com/absmach/serving/storage"
	"github.com/absmach/serving/storage/badger"
	"github.com/absmach/serving/storage/memory"
	"github.com/absmach/serving/storage/redis"
	"github.com/absmach/serving/webhook"
	"github.com/pion/dtls/v3"
)

// echoVertex names the built-in pipeline stage in callbacks.
const echoVertex = "echo"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	replicaFlag := flag.Int("replica", -1, "Replica id used in offsets, overrides the configuration")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *replicaFlag >= 0 {
		if *replicaFlag > 65535 {
			slog.Error("Replica id out of range", "replica", *replicaFlag)
			os.Exit(1)
		}
		cfg.Source.ReplicaID = uint16(*replicaFlag)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	callbackURL, err := cfg.CallbackURL()
	if err != nil {
		slog.Error("Failed to derive callback URL", "error", err)
		os.Exit(1)
	}

	replica := otel.Replica{
		ID:        cfg.Source.ReplicaID,
		Store:     cfg.Store.Type,
		BatchSize: cfg.Source.BatchSize,
	}
	instanceID := replica.InstanceID()
	slog.Info("Starting serving source",
		"replica_id", cfg.Source.ReplicaID,
		"http_addr", cfg.Server.HTTPAddr,
		"tls", cfg.Server.TLSEnabled(),
		"ws_enabled", cfg.Server.WSEnabled,
		"coap_enabled", cfg.Server.CoAPEnabled,
		"mqtt_enabled", cfg.MQTT.Enabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"store", cfg.Store.Type,
		"batch_size", cfg.Source.BatchSize,
		"read_timeout", cfg.Source.ReadTimeout,
		"callback_url", callbackURL,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	if cfg.Telemetry.Enabled {
		otelShutdown, err = otel.InitProvider(context.Background(), cfg.Telemetry, replica)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"metrics", cfg.Telemetry.MetricsEnabled,
			"traces", cfg.Telemetry.TracesEnabled,
			"insecure", cfg.Telemetry.Insecure)
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	metrics, err := otel.NewMetrics(nil)
	if err != nil {
		slog.Error("Failed to create metrics", "error", err)
		os.Exit(1)
	}

	store, err := newStore(cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize store", "type", cfg.Store.Type, "error", err)
		os.Exit(1)
	}

	var notifier webhook.Notifier = webhook.Nop{}
	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, instanceID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		notifier = n
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers)
	} else {
		slog.Info("Webhooks disabled")
	}

	src, injector, err := source.New(context.Background(), source.Config{
		BatchSize:         cfg.Source.BatchSize,
		ReadTimeout:       cfg.Source.ReadTimeout,
		QueueCapacity:     cfg.Source.QueueCapacity,
		ReplicaID:         cfg.Source.ReplicaID,
		CallbackURL:       callbackURL,
		CallbackURLHeader: cfg.Source.CallbackURLHeader,
		IDHeader:          cfg.Source.IDHeader,
	}, source.WithLogger(logger), source.WithRecorder(metrics))
	if err != nil {
		slog.Error("Failed to start source", "error", err)
		os.Exit(1)
	}

	acceptor := ingress.New(injector, store,
		ingress.WithLogger(logger),
		ingress.WithNotifier(notifier),
		ingress.WithRecorder(metrics),
		ingress.WithPollInterval(cfg.Server.SyncPollInterval))

	var limiter *ratelimit.IPRateLimiter
	if cfg.Server.RateLimit.Enabled {
		limiter = ratelimit.NewIPRateLimiter(
			cfg.Server.RateLimit.RequestsPerSecond,
			cfg.Server.RateLimit.Burst,
			cfg.Server.RateLimit.CleanupInterval)
		defer limiter.Stop()
		slog.Info("Rate limiting enabled",
			slog.Float64("requests_per_second", cfg.Server.RateLimit.RequestsPerSecond),
			slog.Int("burst", cfg.Server.RateLimit.Burst))
	}

	tlsCfg, err := servingtls.LoadTLSConfig[*tls.Config](servingtls.Config{
		CertFile:     cfg.Server.TLSCertFile,
		KeyFile:      cfg.Server.TLSKeyFile,
		ClientCAFile: cfg.Server.TLSClientCAFile,
	})
	if err != nil {
		slog.Error("Failed to build HTTP TLS configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("HTTP listener security", "status", servingtls.SecurityStatus(tlsCfg))

	callbackTLS, err := servingtls.LoadClientConfig(servingtls.ClientConfig{
		CAFile:   cfg.Source.CallbackCAFile,
		CertFile: cfg.Source.CallbackCertFile,
		KeyFile:  cfg.Source.CallbackKeyFile,
	})
	if err != nil {
		slog.Error("Failed to build callback TLS configuration", "error", err)
		os.Exit(1)
	}

	// Ingress servers stop on ingressCtx; the pipeline keeps running until
	// the injector is closed so accepted requests still get acknowledged.
	ingressCtx, stopIngress := context.WithCancel(context.Background())
	defer stopIngress()

	var ingressWG sync.WaitGroup
	serverErr := make(chan error, 8)
	start := func(name string, listen func(context.Context) error) {
		ingressWG.Add(1)
		go func() {
			defer ingressWG.Done()
			if err := listen(ingressCtx); err != nil {
				serverErr <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	httpOpts := []http.Option{}
	if limiter != nil {
		httpOpts = append(httpOpts, http.WithRateLimiter(limiter))
	}
	httpSrv := http.New(http.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		TLSConfig:       tlsCfg,
		MaxConnections:  cfg.Server.HTTPMaxConnections,
		MaxMessageSize:  cfg.Server.MaxMessageSize,
		SyncTimeout:     cfg.Server.SyncTimeout,
		IDHeader:        cfg.Source.IDHeader,
	}, acceptor, logger, httpOpts...)

	// The HTTP server also receives the pipeline's callbacks, so it only
	// drains with the rest of ingress and stops once the runner is done.
	httpCtx, stopHTTP := context.WithCancel(context.Background())
	defer stopHTTP()
	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		if err := httpSrv.Listen(httpCtx); err != nil {
			serverErr <- fmt.Errorf("http: %w", err)
		}
	}()

	if cfg.Server.WSEnabled {
		wsOpts := []websocket.Option{}
		if limiter != nil {
			wsOpts = append(wsOpts, websocket.WithRateLimiter(limiter))
		}
		wsSrv := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxMessageSize:  cfg.Server.MaxMessageSize,
		}, acceptor, logger, wsOpts...)
		start("websocket", wsSrv.Listen)
	}

	if cfg.Server.CoAPEnabled {
		dtlsCfg, err := servingtls.LoadTLSConfig[*dtls.Config](servingtls.Config{
			CertFile:     cfg.Server.DTLSCertFile,
			KeyFile:      cfg.Server.DTLSKeyFile,
			ClientCAFile: cfg.Server.TLSClientCAFile,
		})
		if err != nil {
			slog.Error("Failed to build CoAP DTLS configuration", "error", err)
			os.Exit(1)
		}
		coapSrv := coap.New(coap.Config{
			Address:       cfg.Server.CoAPAddr,
			AcceptTimeout: cfg.Server.SyncTimeout,
			TLSConfig:     dtlsCfg,
		}, acceptor, logger)
		slog.Info("Starting CoAP server", "address", cfg.Server.CoAPAddr, "security", servingtls.SecurityStatus(dtlsCfg))
		start("coap", coapSrv.Listen)
	}

	if cfg.MQTT.Enabled {
		sub := mqtt.New(mqtt.Config{
			Broker:          cfg.MQTT.Broker,
			ClientID:        cfg.MQTT.ClientID,
			Topic:           cfg.MQTT.Topic,
			QoS:             cfg.MQTT.QoS,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			KeepAlive:       cfg.MQTT.KeepAlive,
			ConnectTimeout:  cfg.MQTT.ConnectTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, acceptor, logger)
		start("mqtt", sub.Listen)
	}

	// The health server outlives ingress so readiness flips while draining.
	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	healthDone := make(chan struct{})
	if cfg.Server.HealthEnabled {
		healthSrv := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, src, injector, logger)
		go func() {
			defer close(healthDone)
			if err := healthSrv.Listen(healthCtx); err != nil {
				serverErr <- fmt.Errorf("health: %w", err)
			}
		}()
	} else {
		close(healthDone)
	}

	sink := pipeline.NewCallbackSink(echoVertex, webhook.NewHTTPSender(webhook.WithTLSConfig(callbackTLS)),
		cfg.Source.CallbackURLHeader, cfg.Source.IDHeader, cfg.Server.SyncTimeout, logger)
	runner := pipeline.NewRunner(src, sink, logger)

	runnerCtx, stopRunner := context.WithCancel(context.Background())
	defer stopRunner()
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(runnerCtx) }()

	slog.Info("Serving source started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	runnerExited := false
	var errs []error
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		errs = append(errs, err)
	case err := <-runnerDone:
		runnerExited = true
		slog.Error("Pipeline runner stopped", "error", err)
		if err != nil {
			errs = append(errs, err)
		}
	}

	httpSrv.Drain()
	stopIngress()
	ingressWG.Wait()

	injector.Close()
	if !runnerExited {
		select {
		case err := <-runnerDone:
			if err != nil {
				errs = append(errs, fmt.Errorf("pipeline: %w", err))
			}
		case <-time.After(cfg.Server.ShutdownTimeout):
			slog.Warn("Pipeline drain timed out")
			stopRunner()
			<-runnerDone
		}
	}

	stopHTTP()
	<-httpDone

	stats, err := src.Stats(context.Background())
	if err == nil && stats.InFlight > 0 {
		slog.Warn("Stopping with unacknowledged messages", "in_flight", stats.InFlight)
	}
	src.Close()

	stopHealth()
	<-healthDone

	if err := notifier.Close(); err != nil {
		errs = append(errs, fmt.Errorf("webhook: %w", err))
	}
	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := otelShutdown(otelCtx); err != nil {
			errs = append(errs, fmt.Errorf("otel: %w", err))
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
		otelCancel()
	}

	if err := errors.Join(errs...); err != nil {
		slog.Error("Serving source stopped with errors", "error", err)
		os.Exit(1)
	}
	slog.Info("Serving source stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func newStore(cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("Using in-memory store", "ttl", cfg.TTL)
		return memory.New(cfg.TTL), nil
	case "badger":
		s, err := badger.New(badger.Config{Dir: cfg.BadgerDir, TTL: cfg.TTL})
		if err != nil {
			return nil, err
		}
		slog.Info("Using BadgerDB store", "dir", cfg.BadgerDir, "ttl", cfg.TTL)
		return s, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := redis.New(ctx, redis.Config{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.TTL,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using Redis store", "addr", cfg.Redis.Addr, "ttl", cfg.TTL)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
