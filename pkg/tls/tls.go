// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"github.com/pion/dtls/v3"
)

var (
	errLoadCerts      = errors.New("failed to load certificates")
	errLoadClientCA   = errors.New("failed to load client CA")
	errAppendCA       = errors.New("failed to append client CA")
	errUnsupportedTLS = errors.New("unsupported tls configuration")
	errLoadRootCA     = errors.New("failed to load root CA")
	errClientKeyPair  = errors.New("client certificate and key must be set together")
)

// Config names the key material of a TLS or DTLS listener.
type Config struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

// Enabled reports whether both certificate and key are set.
func (c Config) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

type TLSConfig interface {
	*tls.Config | *dtls.Config
}

// LoadTLSConfig returns a TLS or DTLS server configuration. It returns nil
// when no certificate is configured. A client CA turns on mutual TLS.
func LoadTLSConfig[sc TLSConfig](c Config) (sc, error) {
	var zero sc

	if !c.Enabled() {
		return zero, nil
	}

	certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return zero, errors.Join(errLoadCerts, err)
	}

	var clientCAs *x509.CertPool
	if c.ClientCAFile != "" {
		pem, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return zero, errors.Join(errLoadClientCA, err)
		}
		clientCAs = x509.NewCertPool()
		if !clientCAs.AppendCertsFromPEM(pem) {
			return zero, errAppendCA
		}
	}

	switch any(zero).(type) {
	case *tls.Config:
		config := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			},
			Certificates: []tls.Certificate{certificate},
		}
		if clientCAs != nil {
			config.ClientCAs = clientCAs
			config.ClientAuth = tls.RequireAndVerifyClientCert
		}
		return any(config).(sc), nil
	case *dtls.Config:
		config := &dtls.Config{
			CipherSuites: []dtls.CipherSuiteID{
				dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			},
			Certificates: []tls.Certificate{certificate},
		}
		if clientCAs != nil {
			config.ClientCAs = clientCAs
			config.ClientAuth = dtls.RequireAndVerifyClientCert
		}
		return any(config).(sc), nil
	default:
		return zero, errUnsupportedTLS
	}
}

// SecurityStatus describes a listener configuration for logs.
func SecurityStatus[sc TLSConfig](s sc) string {
	if s == nil {
		return "no TLS"
	}
	switch c := any(s).(type) {
	case *tls.Config:
		ret := "TLS"
		if c.ClientCAs != nil {
			ret += " and " + c.ClientAuth.String()
		}
		return ret
	case *dtls.Config:
		if c.ClientCAs != nil {
			return "DTLS and client verification"
		}
		return "DTLS"
	default:
		return "no TLS"
	}
}

// ClientConfig names the key material used to dial a TLS server.
type ClientConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Enabled reports whether any client TLS setting is present.
func (c ClientConfig) Enabled() bool {
	return c.CAFile != "" || c.CertFile != "" || c.KeyFile != ""
}

// LoadClientConfig returns a client configuration trusting CAFile in place of
// the system roots and presenting the certificate pair when set. It returns
// nil when nothing is configured.
func LoadClientConfig(c ClientConfig) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, errClientKeyPair
	}

	config := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errors.Join(errLoadRootCA, err)
		}
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(pem) {
			return nil, errAppendCA
		}
	}

	if c.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}

	return config, nil
}
