// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds a *tls.Config for the server/tcp TLS listener from
// certificate files on disk. It covers cert/key/client-CA loading only —
// no OCSP stapling, no CRL checking, no DTLS: those served transports this
// module doesn't carry.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Config names the certificate material and client-auth policy for one
// TLS listener.
type Config struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth string // "none", "request", or "require"
	MinVersion string // "1.2" or "1.3"
}

// Build loads cfg's certificate material into a *tls.Config ready to pass
// to tls.NewListener.
func Build(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load certificate: %w", err)
	}

	minVersion := uint16(tls.VersionTLS12)
	if cfg.MinVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}

	switch cfg.ClientAuth {
	case "", "none":
		return tlsCfg, nil
	case "request":
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	case "require":
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("tls: unknown client_auth %q", cfg.ClientAuth)
	}

	caCert, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("tls: parse CA file %q", cfg.CAFile)
	}
	tlsCfg.ClientCAs = pool

	return tlsCfg, nil
}
