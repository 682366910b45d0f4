// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8443", cfg.Server.HTTPAddr)
	assert.Equal(t, 500, cfg.Source.BatchSize)
	assert.Equal(t, time.Second, cfg.Source.ReadTimeout)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing http addr",
			modify:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: true,
		},
		{
			name:    "http addr without port",
			modify:  func(c *Config) { c.Server.HTTPAddr = "localhost" },
			wantErr: true,
		},
		{
			name:    "no host ip and no callback url",
			modify:  func(c *Config) { c.Server.HostIP = "" },
			wantErr: true,
		},
		{
			name: "explicit callback url without host ip",
			modify: func(c *Config) {
				c.Server.HostIP = ""
				c.Source.CallbackURL = "https://serving:8443/v1/process/callback"
			},
			wantErr: false,
		},
		{
			name:    "cert without key",
			modify:  func(c *Config) { c.Server.TLSCertFile = "cert.pem" },
			wantErr: true,
		},
		{
			name:    "dtls key without cert",
			modify:  func(c *Config) { c.Server.DTLSKeyFile = "key.pem" },
			wantErr: true,
		},
		{
			name: "coap enabled without addr",
			modify: func(c *Config) {
				c.Server.CoAPEnabled = true
				c.Server.CoAPAddr = ""
			},
			wantErr: true,
		},
		{
			name:    "message size too small",
			modify:  func(c *Config) { c.Server.MaxMessageSize = 100 },
			wantErr: true,
		},
		{
			name:    "zero batch size",
			modify:  func(c *Config) { c.Source.BatchSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero read timeout",
			modify:  func(c *Config) { c.Source.ReadTimeout = 0 },
			wantErr: true,
		},
		{
			name: "same header names",
			modify: func(c *Config) {
				c.Source.CallbackURLHeader = "X-Same"
				c.Source.IDHeader = "X-Same"
			},
			wantErr: true,
		},
		{
			name:    "unknown store type",
			modify:  func(c *Config) { c.Store.Type = "etcd" },
			wantErr: true,
		},
		{
			name: "redis without addr",
			modify: func(c *Config) {
				c.Store.Type = "redis"
				c.Store.Redis.Addr = ""
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: true,
		},
		{
			name: "mqtt qos out of range",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.QoS = 3
			},
			wantErr: true,
		},
		{
			name: "rate limit without burst",
			modify: func(c *Config) {
				c.Server.RateLimit.Enabled = true
				c.Server.RateLimit.Burst = 0
			},
			wantErr: true,
		},
		{
			name: "webhook endpoint without url",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "audit"}}
			},
			wantErr: true,
		},
		{
			name:    "callback cert without key",
			modify:  func(c *Config) { c.Source.CallbackCertFile = "client.pem" },
			wantErr: true,
		},
		{
			name: "telemetry ca with insecure transport",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.CAFile = "ca.pem"
			},
			wantErr: true,
		},
		{
			name: "telemetry over tls",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Insecure = false
				c.Telemetry.CAFile = "ca.pem"
			},
			wantErr: false,
		},
		{
			name:    "trace sample rate above one",
			modify:  func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.TraceSampleRate = 2 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCallbackURL(t *testing.T) {
	cfg := Default()
	cfg.Server.HostIP = "10.0.0.7"
	cfg.Server.HTTPAddr = ":8443"

	url, err := cfg.CallbackURL()
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.7:8443/v1/process/callback", url)

	cfg.Server.TLSCertFile = "cert.pem"
	cfg.Server.TLSKeyFile = "key.pem"
	url, err = cfg.CallbackURL()
	require.NoError(t, err)
	assert.Equal(t, "https://10.0.0.7:8443/v1/process/callback", url)

	cfg.Source.CallbackURL = "https://gateway/cb"
	url, err = cfg.CallbackURL()
	require.NoError(t, err)
	assert.Equal(t, "https://gateway/cb", url)
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, ":8443", cfg.Server.HTTPAddr)
}

func TestLoadInvalid(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("source:\n  batch_size: 0\n"), 0o644))

	_, err := Load(file)
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Source.BatchSize = 64
	cfg.Source.ReadTimeout = 250 * time.Millisecond
	cfg.Source.ReplicaID = 3
	cfg.Store.Type = "badger"
	cfg.Log.Level = "debug"

	require.NoError(t, cfg.Save(file))

	loaded, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, 64, loaded.Source.BatchSize)
	assert.Equal(t, 250*time.Millisecond, loaded.Source.ReadTimeout)
	assert.Equal(t, uint16(3), loaded.Source.ReplicaID)
	assert.Equal(t, "badger", loaded.Store.Type)
	assert.Equal(t, "debug", loaded.Log.Level)
}
