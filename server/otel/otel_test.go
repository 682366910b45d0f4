// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/serving/config"
	"github.com/absmach/serving/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func TestReplicaResource(t *testing.T) {
	cfg := config.Default().Telemetry
	replica := Replica{ID: 7, Store: "redis", BatchSize: 64}

	res, err := newResource(context.Background(), cfg, replica)
	require.NoError(t, err)

	attrs := res.Set()
	v, ok := attrs.Value(semconv.ServiceInstanceIDKey)
	require.True(t, ok)
	assert.Equal(t, "replica-7", v.AsString())

	v, ok = attrs.Value(ReplicaIDKey)
	require.True(t, ok)
	assert.Equal(t, int64(7), v.AsInt64())

	v, ok = attrs.Value(StoreKey)
	require.True(t, ok)
	assert.Equal(t, "redis", v.AsString())

	v, ok = attrs.Value(BatchSizeKey)
	require.True(t, ok)
	assert.Equal(t, int64(64), v.AsInt64())

	v, ok = attrs.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "serving", v.AsString())
}

func TestCollectorTLS(t *testing.T) {
	certs := testutil.GenerateCerts(t)

	cfg := config.Default().Telemetry
	tlsCfg, err := collectorTLS(cfg)
	require.NoError(t, err)
	assert.Nil(t, tlsCfg, "insecure transport")

	cfg.Insecure = false
	tlsCfg, err = collectorTLS(cfg)
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	assert.Nil(t, tlsCfg.RootCAs, "system roots")

	cfg.CAFile = certs.CAFile
	cfg.CertFile = certs.ClientCertFile
	cfg.KeyFile = certs.ClientKeyFile
	tlsCfg, err = collectorTLS(cfg)
	require.NoError(t, err)
	assert.NotNil(t, tlsCfg.RootCAs)
	assert.Len(t, tlsCfg.Certificates, 1)

	cfg.CAFile = "/nonexistent/ca.pem"
	_, err = collectorTLS(cfg)
	assert.Error(t, err)
}

func TestInitProviderDisabledSignals(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.MetricsEnabled = false
	cfg.TracesEnabled = false

	shutdown, err := InitProvider(context.Background(), cfg, Replica{ID: 1, Store: "memory", BatchSize: 1})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
