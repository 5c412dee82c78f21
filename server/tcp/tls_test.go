// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/relaymq/relaymq/wire"
)

// exchangePublish sends a PUBLISH over conn and returns its ack response.
func exchangePublish(t *testing.T, conn net.Conn, topic, txnID string) *wire.PubSubResponse {
	t.Helper()
	codec := wire.NewCodec(conn)
	req := &wire.PubSubRequest{
		ProtocolVersion: wire.ProtocolVersion,
		Op:              wire.OpPublish,
		Topic:           topic,
		TxnID:           txnID,
		Publish:         &wire.PublishRequest{Payload: []byte("ping")},
	}
	if err := codec.WriteRequest(req); err != nil {
		t.Fatalf("write publish: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := codec.ReadResponse()
	if err != nil {
		t.Fatalf("read publish ack: %v", err)
	}
	return resp
}

func TestTLS_BasicConnection(t *testing.T) {
	certs := GenerateTestCerts(t)
	tlsConfig := LoadServerTLSConfig(t, certs, tls.NoClientCert)

	nullLogger := slog.New(slog.NewTextHandler(os.NewFile(0, os.DevNull), nil))
	r := newTestRouter(t, "127.0.0.1:tls-basic", "orders")

	cfg := Config{
		Address:         "127.0.0.1:0",
		TLSConfig:       tlsConfig,
		ShutdownTimeout: 5 * time.Second,
		Logger:          nullLogger,
	}
	server := New(cfg, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()
	waitForAddr(t, server)

	addr := server.Addr().String()

	clientTLSConfig := LoadClientTLSConfig(t, certs, false)
	conn, err := tls.Dial("tcp", addr, clientTLSConfig)
	if err != nil {
		t.Fatalf("Failed to connect with TLS: %v", err)
	}
	defer conn.Close()

	if err := conn.Handshake(); err != nil {
		t.Fatalf("TLS handshake failed: %v", err)
	}

	resp := exchangePublish(t, conn, "orders", "t1")
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("expected publish success, got %v %s", resp.Status, resp.StatusMsg)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Logf("Server shutdown with error: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Server shutdown timeout")
	}
}

func TestTLS_RequireClientCert(t *testing.T) {
	certs := GenerateTestCerts(t)
	tlsConfig := LoadServerTLSConfig(t, certs, tls.RequireAndVerifyClientCert)

	t.Logf("Server TLS ClientAuth: %v (expected: %v)", tlsConfig.ClientAuth, tls.RequireAndVerifyClientCert)
	if tlsConfig.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("Server TLS config ClientAuth not set correctly")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := newTestRouter(t, "127.0.0.1:tls-require", "orders")

	cfg := Config{
		Address:         "127.0.0.1:0",
		TLSConfig:       tlsConfig,
		ShutdownTimeout: 5 * time.Second,
		Logger:          logger,
	}
	server := New(cfg, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()
	waitForAddr(t, server)

	addr := server.Addr().String()

	t.Run("NoClientCert", func(t *testing.T) {
		clientTLSConfig := LoadClientTLSConfig(t, certs, false)
		conn, err := tls.Dial("tcp", addr, clientTLSConfig)
		if err != nil {
			t.Logf("Connection correctly rejected during dial: %v", err)
			return
		}
		defer conn.Close()

		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		_, err = conn.Read(buf)
		if err != nil {
			t.Logf("Connection correctly rejected: %v", err)
			return
		}

		t.Fatal("Expected connection to fail without client certificate, but it succeeded")
	})

	t.Run("WithClientCert", func(t *testing.T) {
		clientTLSConfig := LoadClientTLSConfig(t, certs, true)
		conn, err := tls.Dial("tcp", addr, clientTLSConfig)
		if err != nil {
			t.Fatalf("Failed to connect with client cert: %v", err)
		}
		defer conn.Close()

		if err := conn.Handshake(); err != nil {
			t.Fatalf("TLS handshake failed: %v", err)
		}

		state := conn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			t.Fatal("Server did not receive client certificate")
		}
	})

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Logf("Server shutdown with error: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Server shutdown timeout")
	}
}

func TestTLS_InvalidCert(t *testing.T) {
	certs := GenerateTestCerts(t)
	tlsConfig := LoadServerTLSConfig(t, certs, tls.NoClientCert)

	nullLogger := slog.New(slog.NewTextHandler(os.NewFile(0, os.DevNull), nil))
	r := newTestRouter(t, "127.0.0.1:tls-invalid", "orders")

	cfg := Config{
		Address:         "127.0.0.1:0",
		TLSConfig:       tlsConfig,
		ShutdownTimeout: 5 * time.Second,
		Logger:          nullLogger,
	}
	server := New(cfg, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()
	waitForAddr(t, server)

	addr := server.Addr().String()

	insecureTLSConfig := &tls.Config{
		InsecureSkipVerify: false,
	}

	conn, err := tls.Dial("tcp", addr, insecureTLSConfig)
	if err == nil {
		conn.Close()
		t.Fatal("Expected connection to fail with unverified certificate")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Logf("Server shutdown with error: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Server shutdown timeout")
	}
}

func TestTLS_MinVersion(t *testing.T) {
	certs := GenerateTestCerts(t)
	tlsConfig := LoadServerTLSConfig(t, certs, tls.NoClientCert)

	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Fatalf("Expected MinVersion to be TLS 1.2, got %v", tlsConfig.MinVersion)
	}

	nullLogger := slog.New(slog.NewTextHandler(os.NewFile(0, os.DevNull), nil))
	r := newTestRouter(t, "127.0.0.1:tls-minver", "orders")

	cfg := Config{
		Address:         "127.0.0.1:0",
		TLSConfig:       tlsConfig,
		ShutdownTimeout: 5 * time.Second,
		Logger:          nullLogger,
	}
	server := New(cfg, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()
	waitForAddr(t, server)

	addr := server.Addr().String()

	clientTLSConfig := LoadClientTLSConfig(t, certs, false)
	clientTLSConfig.MaxVersion = tls.VersionTLS11

	conn, err := tls.Dial("tcp", addr, clientTLSConfig)
	if err == nil {
		conn.Close()
		t.Log("Note: Client was able to connect with TLS 1.1 (client-side compatibility)")
	} else {
		t.Logf("Connection correctly rejected with TLS 1.1: %v", err)
	}

	clientTLSConfig.MaxVersion = tls.VersionTLS13
	clientTLSConfig.MinVersion = tls.VersionTLS12

	conn, err = tls.Dial("tcp", addr, clientTLSConfig)
	if err != nil {
		t.Fatalf("Failed to connect with TLS 1.2+: %v", err)
	}
	conn.Close()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Logf("Server shutdown with error: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Server shutdown timeout")
	}
}

func TestTLS_NoTLS(t *testing.T) {
	nullLogger := slog.New(slog.NewTextHandler(os.NewFile(0, os.DevNull), nil))
	r := newTestRouter(t, "127.0.0.1:tls-none", "orders")

	cfg := Config{
		Address:         "127.0.0.1:0",
		TLSConfig:       nil,
		ShutdownTimeout: 5 * time.Second,
		Logger:          nullLogger,
	}
	server := New(cfg, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()
	waitForAddr(t, server)

	addr := server.Addr().String()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect without TLS: %v", err)
	}
	defer conn.Close()

	resp := exchangePublish(t, conn, "orders", "t1")
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("expected publish success, got %v %s", resp.Status, resp.StatusMsg)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Logf("Server shutdown with error: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Server shutdown timeout")
	}
}
