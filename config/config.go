// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// CallbackPath is the HTTP path downstream vertices report completions to.
const CallbackPath = "/v1/process/callback"

// Config holds all configuration for the serving source.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Source    SourceConfig    `yaml:"source"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// ServerConfig holds request-accepting server configuration.
type ServerConfig struct {
	HostIP             string          `yaml:"host_ip"` // Address advertised in callback URLs
	HTTPAddr           string          `yaml:"http_addr"`
	HTTPMaxConnections int             `yaml:"http_max_connections"` // 0 = unlimited
	TLSCertFile        string          `yaml:"tls_cert_file"`
	TLSKeyFile         string          `yaml:"tls_key_file"`
	TLSClientCAFile    string          `yaml:"tls_client_ca_file"` // Enables mTLS on HTTP and DTLS listeners
	WSEnabled          bool            `yaml:"ws_enabled"`
	WSAddr             string          `yaml:"ws_addr"`
	WSPath             string          `yaml:"ws_path"`
	CoAPEnabled        bool            `yaml:"coap_enabled"`
	CoAPAddr           string          `yaml:"coap_addr"`
	DTLSCertFile       string          `yaml:"dtls_cert_file"`
	DTLSKeyFile        string          `yaml:"dtls_key_file"`
	HealthEnabled      bool            `yaml:"health_enabled"`
	HealthAddr         string          `yaml:"health_addr"`
	MaxMessageSize     int64           `yaml:"max_message_size"`
	SyncTimeout        time.Duration   `yaml:"sync_timeout"`
	SyncPollInterval   time.Duration   `yaml:"sync_poll_interval"`
	ShutdownTimeout    time.Duration   `yaml:"shutdown_timeout"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
}

// TLSEnabled reports whether the HTTP server terminates TLS.
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

// RateLimitConfig holds per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// SourceConfig holds the pipeline source settings.
type SourceConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	QueueCapacity     int           `yaml:"queue_capacity"` // 0 = twice the batch size
	ReplicaID         uint16        `yaml:"replica_id"`
	CallbackURL       string        `yaml:"callback_url"` // Derived from server settings when empty
	CallbackURLHeader string        `yaml:"callback_url_header"`
	IDHeader          string        `yaml:"id_header"`

	// Client TLS for posting callbacks; empty uses the system roots.
	CallbackCAFile   string `yaml:"callback_ca_file"`
	CallbackCertFile string `yaml:"callback_cert_file"`
	CallbackKeyFile  string `yaml:"callback_key_file"`
}

// MQTTConfig holds the MQTT ingress subscriber configuration.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Topic          string        `yaml:"topic"`
	QoS            byte          `yaml:"qos"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StoreConfig holds request status store configuration.
type StoreConfig struct {
	Type string        `yaml:"type"` // memory, badger, redis
	TTL  time.Duration `yaml:"ttl"`

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis store settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"`
	MetricInterval  time.Duration `yaml:"metric_interval"`

	// Insecure disables transport security to the collector. When false the
	// optional files below configure the TLS client.
	Insecure bool   `yaml:"insecure"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"` // Event type filter (empty = all)
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry   *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HostIP:             "127.0.0.1",
			HTTPAddr:           ":8443",
			HTTPMaxConnections: 10000,
			WSEnabled:          false,
			WSAddr:             ":8444",
			WSPath:             "/v1/process/ws",
			CoAPEnabled:        false,
			CoAPAddr:           ":5683",
			HealthEnabled:      true,
			HealthAddr:         ":8081",
			MaxMessageSize:     1024 * 1024, // 1MB
			SyncTimeout:        60 * time.Second,
			SyncPollInterval:   25 * time.Millisecond,
			ShutdownTimeout:    30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 100,
				Burst:             200,
				CleanupInterval:   5 * time.Minute,
			},
		},
		Source: SourceConfig{
			BatchSize:   500,
			ReadTimeout: time.Second,
		},
		MQTT: MQTTConfig{
			Enabled:        false,
			Broker:         "tcp://localhost:1883",
			ClientID:       "serving-source",
			Topic:          "serving/requests",
			QoS:            1,
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Type:      "memory",
			TTL:       time.Hour,
			BadgerDir: "/tmp/serving/data",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "serving",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "serving",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,
			MetricInterval:  10 * time.Second,
			Insecure:        true,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// CallbackURL returns the URL stamped into every delivered message. An
// explicit source.callback_url wins; otherwise it is derived from the host IP
// and the HTTP listen port.
func (c *Config) CallbackURL() (string, error) {
	if c.Source.CallbackURL != "" {
		return c.Source.CallbackURL, nil
	}

	_, port, err := net.SplitHostPort(c.Server.HTTPAddr)
	if err != nil {
		return "", fmt.Errorf("invalid server.http_addr %q: %w", c.Server.HTTPAddr, err)
	}

	scheme := "http"
	if c.Server.TLSEnabled() {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(c.Server.HostIP, port), CallbackPath), nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if _, port, err := net.SplitHostPort(c.Server.HTTPAddr); err != nil {
		return fmt.Errorf("server.http_addr must be host:port: %w", err)
	} else if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("server.http_addr has an invalid port %q", port)
	}
	if c.Server.HostIP == "" && c.Source.CallbackURL == "" {
		return fmt.Errorf("server.host_ip required when source.callback_url is empty")
	}
	if c.Server.HTTPMaxConnections < 0 {
		return fmt.Errorf("server.http_max_connections cannot be negative")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Server.WSEnabled && c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr required when websocket is enabled")
	}
	if c.Server.CoAPEnabled && c.Server.CoAPAddr == "" {
		return fmt.Errorf("server.coap_addr required when coap is enabled")
	}
	if (c.Server.DTLSCertFile == "") != (c.Server.DTLSKeyFile == "") {
		return fmt.Errorf("server.dtls_cert_file and server.dtls_key_file must be set together")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.MaxMessageSize < 1024 {
		return fmt.Errorf("server.max_message_size must be at least 1KB")
	}
	if c.Server.SyncTimeout <= 0 {
		return fmt.Errorf("server.sync_timeout must be positive")
	}
	if c.Server.SyncPollInterval <= 0 {
		return fmt.Errorf("server.sync_poll_interval must be positive")
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("server.rate_limit.requests_per_second must be positive")
		}
		if c.Server.RateLimit.Burst < 1 {
			return fmt.Errorf("server.rate_limit.burst must be at least 1")
		}
	}

	if c.Source.BatchSize < 1 {
		return fmt.Errorf("source.batch_size must be at least 1")
	}
	if c.Source.ReadTimeout <= 0 {
		return fmt.Errorf("source.read_timeout must be positive")
	}
	if c.Source.QueueCapacity < 0 {
		return fmt.Errorf("source.queue_capacity cannot be negative")
	}
	if c.Source.CallbackURLHeader != "" && c.Source.CallbackURLHeader == c.Source.IDHeader {
		return fmt.Errorf("source.callback_url_header and source.id_header must differ")
	}
	if (c.Source.CallbackCertFile == "") != (c.Source.CallbackKeyFile == "") {
		return fmt.Errorf("source.callback_cert_file and source.callback_key_file must be set together")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker cannot be empty")
		}
		if c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.topic cannot be empty")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	switch c.Store.Type {
	case "memory":
	case "badger":
		if c.Store.BadgerDir == "" {
			return fmt.Errorf("store.badger_dir required for badger store")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr required for redis store")
		}
	default:
		return fmt.Errorf("store.type must be one of: memory, badger, redis")
	}
	if c.Store.TTL < 0 {
		return fmt.Errorf("store.ttl cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty")
		}
		if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0 and 1")
		}
		if c.Telemetry.MetricInterval <= 0 {
			return fmt.Errorf("telemetry.metric_interval must be positive")
		}
		if c.Telemetry.Insecure && (c.Telemetry.CAFile != "" || c.Telemetry.CertFile != "") {
			return fmt.Errorf("telemetry tls files require telemetry.insecure to be false")
		}
		if (c.Telemetry.CertFile == "") != (c.Telemetry.KeyFile == "") {
			return fmt.Errorf("telemetry.cert_file and telemetry.key_file must be set together")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
