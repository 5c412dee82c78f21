// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relaymq/relaymq/client"
	"github.com/relaymq/relaymq/config"
	"github.com/relaymq/relaymq/delivery"
	"github.com/relaymq/relaymq/federation"
	"github.com/relaymq/relaymq/ownership"
	"github.com/relaymq/relaymq/persistence"
	"github.com/relaymq/relaymq/pkg/tls"
	"github.com/relaymq/relaymq/ratelimit"
	"github.com/relaymq/relaymq/router"
	"github.com/relaymq/relaymq/server/tcp"
	"github.com/relaymq/relaymq/subscription"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("starting broker",
		"self_address", cfg.Node.SelfAddress,
		"ownership_backend", cfg.Ownership.Backend,
		"storage_backend", cfg.Storage.Backend,
		"federation_enabled", cfg.Federation.Enabled,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, closeGw, err := buildGateway(cfg.Storage)
	if err != nil {
		slog.Error("failed to initialize persistence gateway", "error", err)
		os.Exit(1)
	}
	defer closeGw()

	registry, closeRegistry, err := buildRegistry(cfg.Ownership, cfg.Node.SelfAddress, logger)
	if err != nil {
		slog.Error("failed to initialize ownership registry", "error", err)
		os.Exit(1)
	}
	defer closeRegistry()

	go func() {
		if err := registry.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("ownership registry stopped", "error", err)
		}
	}()
	readyTimeout := cfg.Ownership.Etcd.DialTimeout + 5*time.Second
	if err := waitRegistryReady(ctx, registry, readyTimeout); err != nil {
		slog.Error("ownership registry failed to become ready", "error", err)
		os.Exit(1)
	}

	store := buildSubscriptionStore(cfg.Ownership, registry)
	subsCfg := subscription.Config{
		ConsumeFlushInterval: cfg.Subscribers.ConsumeFlushInterval,
		DerivedStateInterval: cfg.Subscribers.DerivedStateInterval,
	}
	subs := subscription.NewManager(store, gw, subsCfg, logger)
	subs.Start(ctx)
	defer subs.Stop()

	delivCfg := delivery.Config{
		BatchCount:           cfg.Subscribers.Delivery.BatchCount,
		UnwritableTimeout:    cfg.Subscribers.Delivery.UnwritableTimeout,
		FallbackPollInterval: cfg.Subscribers.Delivery.FallbackPollInterval,
	}
	deliv := delivery.NewManager(gw, delivCfg, logger)

	r := router.New(registry, subs, deliv, gw, cfg.Node.SelfAddress, logger)

	var rep *federation.Republisher
	if cfg.Federation.Enabled {
		rep, err = federation.New(federation.Config{
			RegionID:     cfg.Federation.RegionID,
			HubSeedHosts: cfg.Federation.HubSeedHosts,
			ClientConfig: client.DefaultConfig(cfg.Federation.HubSeedHosts),
		}, r, logger)
		if err != nil {
			slog.Error("failed to initialize federation republisher", "error", err)
			os.Exit(1)
		}
		defer rep.Close()
		subs.AddListener(rep)
		slog.Info("federation enabled", "region_id", cfg.Federation.RegionID, "hub_seed_hosts", cfg.Federation.HubSeedHosts)
	}

	var rl *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		rl = ratelimit.NewManager(cfg.RateLimit)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	if cfg.Server.TCP.Plain.Addr != "" {
		srv := tcp.New(plainServerConfig(cfg.Server.TCP.Plain, logger, rl), r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("starting plaintext TCP listener", "address", cfg.Server.TCP.Plain.Addr)
			if err := srv.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.TCP.TLS.Addr != "" {
		tlsConfig, err := tls.Build(tls.Config{
			CertFile:   cfg.Server.TCP.TLS.TLS.CertFile,
			KeyFile:    cfg.Server.TCP.TLS.TLS.KeyFile,
			CAFile:     cfg.Server.TCP.TLS.TLS.CAFile,
			ClientAuth: cfg.Server.TCP.TLS.TLS.ClientAuth,
			MinVersion: cfg.Server.TCP.TLS.TLS.MinVersion,
		})
		if err != nil {
			slog.Error("failed to build TLS config", "error", err)
			os.Exit(1)
		}
		tcpCfg := plainServerConfig(cfg.Server.TCP.TLS.PlainListenerConfig, logger, rl)
		tcpCfg.TLSConfig = tlsConfig
		srv := tcp.New(tcpCfg, r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("starting TLS TCP listener", "address", cfg.Server.TCP.TLS.Addr)
			if err := srv.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("broker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("server error", "error", err)
		cancel()
	}

	wg.Wait()
	slog.Info("broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func buildGateway(cfg config.StorageConfig) (persistence.Gateway, func(), error) {
	switch cfg.Backend {
	case "badger":
		gw, err := persistence.OpenBadgerGateway(cfg.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		return gw, func() { _ = gw.Close() }, nil
	default:
		return persistence.NewMemoryGateway(), func() {}, nil
	}
}

func buildRegistry(cfg config.OwnershipConfig, selfAddr string, log *slog.Logger) (ownership.Registry, func(), error) {
	switch cfg.Backend {
	case "etcd":
		reg, err := ownership.NewEtcdRegistry(ownership.EtcdConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			SessionTTL:  cfg.Etcd.SessionTTL,
			SelfAddress: selfAddr,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { _ = reg.Close() }, nil
	default:
		return ownership.NewMemoryRegistry(selfAddr), func() {}, nil
	}
}

// readyRegistry is implemented by ownership.Registry backends that need an
// asynchronous handshake (EtcdRegistry's lease session) before Claim is
// usable. MemoryRegistry has no such handshake and doesn't implement it, so
// waitRegistryReady is a no-op for it.
type readyRegistry interface {
	Ready() <-chan struct{}
}

// waitRegistryReady blocks until registry signals readiness, ctx is
// canceled, or timeout elapses. Registries that never signal readiness
// (MemoryRegistry) return immediately.
func waitRegistryReady(ctx context.Context, registry ownership.Registry, timeout time.Duration) error {
	rr, ok := registry.(readyRegistry)
	if !ok {
		return nil
	}
	select {
	case <-rr.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("ownership registry not ready after %s", timeout)
	}
}

// buildSubscriptionStore mirrors the ownership backend choice: an etcd
// ownership backend implies subscriber consume pointers must also survive a
// topic's failover to a different node, so EtcdStore shares the registry's
// etcd client rather than dialing a second connection.
func buildSubscriptionStore(cfg config.OwnershipConfig, registry ownership.Registry) subscription.Store {
	if cfg.Backend == "etcd" {
		if er, ok := registry.(*ownership.EtcdRegistry); ok {
			return subscription.NewEtcdStore(er.Client())
		}
	}
	return subscription.NewMemoryStore()
}

func plainServerConfig(cfg config.PlainListenerConfig, log *slog.Logger, rl *ratelimit.Manager) tcp.Config {
	return tcp.Config{
		Address:         cfg.Addr,
		Logger:          log,
		ShutdownTimeout: cfg.ShutdownTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		MaxConnections:  cfg.MaxConnections,
		RateLimiter:     rl,
	}
}
