// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/serving/testutil"
	"github.com/pion/dtls/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTLSConfigDisabled(t *testing.T) {
	cfg, err := LoadTLSConfig[*tls.Config](Config{CertFile: "only-cert.pem"})
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.Equal(t, "no TLS", SecurityStatus(cfg))
}

func TestLoadTLSConfig(t *testing.T) {
	certs := testutil.GenerateCerts(t)

	cfg, err := LoadTLSConfig[*tls.Config](Config{CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
	assert.Equal(t, "TLS", SecurityStatus(cfg))

	mtls, err := LoadTLSConfig[*tls.Config](Config{
		CertFile:     certs.ServerCertFile,
		KeyFile:      certs.ServerKeyFile,
		ClientCAFile: certs.CAFile,
	})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, mtls.ClientAuth)
	assert.NotNil(t, mtls.ClientCAs)
	assert.Contains(t, SecurityStatus(mtls), "RequireAndVerifyClientCert")
}

func TestLoadDTLSConfig(t *testing.T) {
	certs := testutil.GenerateCerts(t)

	cfg, err := LoadTLSConfig[*dtls.Config](Config{
		CertFile:     certs.ServerCertFile,
		KeyFile:      certs.ServerKeyFile,
		ClientCAFile: certs.CAFile,
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, dtls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.Equal(t, "DTLS and client verification", SecurityStatus(cfg))
}

func TestLoadTLSConfigErrors(t *testing.T) {
	certs := testutil.GenerateCerts(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	cases := []struct {
		name string
		cfg  Config
		err  error
	}{
		{
			name: "missing key pair",
			cfg:  Config{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
			err:  errLoadCerts,
		},
		{
			name: "missing client CA",
			cfg:  Config{CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile, ClientCAFile: "/nonexistent/ca.pem"},
			err:  errLoadClientCA,
		},
		{
			name: "invalid client CA",
			cfg:  Config{CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile, ClientCAFile: garbage},
			err:  errAppendCA,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadTLSConfig[*tls.Config](tc.cfg)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	cfg, err := LoadClientConfig(ClientConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	certs := testutil.GenerateCerts(t)

	cfg, err = LoadClientConfig(ClientConfig{CAFile: certs.CAFile})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.NotNil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)

	cfg, err = LoadClientConfig(ClientConfig{
		CAFile:   certs.CAFile,
		CertFile: certs.ClientCertFile,
		KeyFile:  certs.ClientKeyFile,
	})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	_, err = LoadClientConfig(ClientConfig{CertFile: certs.ClientCertFile})
	assert.ErrorIs(t, err, errClientKeyPair)

	_, err = LoadClientConfig(ClientConfig{CAFile: "/nonexistent/ca.pem"})
	assert.ErrorIs(t, err, errLoadRootCA)
}
