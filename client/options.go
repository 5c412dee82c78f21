// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Default values, mirrored from the ambient timeout/backoff conventions
// used across this codebase's connection-lifecycle types.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultAckTimeout     = 10 * time.Second
	DefaultMaxRedirects   = 8
	DefaultReadTimeout    = 90 * time.Second
)

// Dialer opens a byte-stream connection to a broker address. Production
// code uses tcpDialer; tests substitute an in-memory implementation wired
// directly to a router.Router so no real socket is required.
type Dialer interface {
	Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}

// tcpDialer is the production Dialer: plain TCP, or TLS when TLSConfig is
// set, matching the server's two-port plaintext/TLS listener split.
type tcpDialer struct {
	TLSConfig *tls.Config
}

func (d tcpDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	dialer := &net.Dialer{}
	if d.TLSConfig != nil {
		return tls.DialWithDialer(dialer, "tcp", addr, d.TLSConfig)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// NewTCPDialer returns the default network Dialer, using TLS when cfg is
// non-nil.
func NewTCPDialer(cfg *tls.Config) Dialer {
	return tcpDialer{TLSConfig: cfg}
}

// Config configures a ClientSession and is shared read-only across every
// session a process opens.
type Config struct {
	// SeedHosts is tried, in order, whenever no cached or redirect-supplied
	// host is available.
	SeedHosts []string
	// MaxRedirects bounds triedServers.size before a redirect chain fails
	// with core.ErrTooManyRedirects.
	MaxRedirects int
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	// ReadTimeout closes an idle subscribe channel, triggering recovery,
	// per §5 "Subscribe channels carry a read-timeout".
	ReadTimeout time.Duration
	Dialer      Dialer
	Hosts       *HostCache
}

// DefaultConfig returns a Config dialing plain TCP against seedHosts, with
// a fresh process-wide HostCache.
func DefaultConfig(seedHosts []string) Config {
	return Config{
		SeedHosts:      seedHosts,
		MaxRedirects:   DefaultMaxRedirects,
		ConnectTimeout: DefaultConnectTimeout,
		AckTimeout:     DefaultAckTimeout,
		ReadTimeout:    DefaultReadTimeout,
		Dialer:         NewTCPDialer(nil),
		Hosts:          NewHostCache(),
	}
}
