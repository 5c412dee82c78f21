// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the broker's process configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymq/relaymq/ratelimit"
)

// Config holds all configuration for one broker node.
type Config struct {
	Node        NodeConfig       `yaml:"node"`
	Server      ServerConfig     `yaml:"server"`
	Broker      BrokerConfig     `yaml:"broker"`
	Session     SessionConfig    `yaml:"session"`
	Ownership   OwnershipConfig  `yaml:"ownership"`
	Storage     StorageConfig    `yaml:"storage"`
	Subscribers SubscriberConfig `yaml:"subscribers"`
	RateLimit   ratelimit.Config `yaml:"rate_limit"`
	Federation  FederationConfig `yaml:"federation"`
	Log         LogConfig        `yaml:"log"`
}

// NodeConfig identifies this node to the rest of the cluster.
type NodeConfig struct {
	// SelfAddress is the host:port this node advertises as the owner of
	// any topic it claims — the value other nodes and clients redirect
	// requests to.
	SelfAddress string `yaml:"self_address"`
}

// ServerConfig holds the two-port TCP transport configuration.
type ServerConfig struct {
	TCP TCPListenersConfig `yaml:"tcp"`
}

// TCPListenersConfig holds the plaintext and TLS TCP listeners. Both run
// against the same router.Router; a deployment enables either or both, and
// Validate rejects a config that enables neither.
type TCPListenersConfig struct {
	Plain PlainListenerConfig `yaml:"plain"`
	TLS   TLSListenerConfig   `yaml:"tls"`
}

// PlainListenerConfig configures the unencrypted TCP listener.
type PlainListenerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxConnections  int           `yaml:"max_connections"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSListenerConfig configures the TLS TCP listener.
type TLSListenerConfig struct {
	PlainListenerConfig `yaml:",inline"`
	TLS                 TLSMaterialConfig `yaml:"tls"`
}

// TLSMaterialConfig names the certificate material for a TLS listener.
type TLSMaterialConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`     // required when ClientAuth requests or requires a client cert
	ClientAuth string `yaml:"client_auth"` // "none", "request", or "require"
	MinVersion string `yaml:"min_version"` // "1.2" or "1.3"
}

// BrokerConfig holds broker-wide message limits.
type BrokerConfig struct {
	MaxMessageSize int           `yaml:"max_message_size"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// SessionConfig holds per-connection session limits.
type SessionConfig struct {
	MaxSessions         int `yaml:"max_sessions"`
	MaxOfflineQueueSize int `yaml:"max_offline_queue_size"`
}

// OwnershipConfig selects and configures the topic ownership registry.
type OwnershipConfig struct {
	Backend string     `yaml:"backend"` // "memory" or "etcd"
	Etcd    EtcdConfig `yaml:"etcd"`
}

// EtcdConfig mirrors ownership.EtcdConfig for YAML loading.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	SessionTTL  int           `yaml:"session_ttl"`
}

// StorageConfig selects and configures the persistence gateway backend.
type StorageConfig struct {
	Backend   string `yaml:"backend"` // "memory" or "badger"
	BadgerDir string `yaml:"badger_dir"`
}

// SubscriberConfig mirrors subscription.Config for YAML loading.
type SubscriberConfig struct {
	ConsumeFlushInterval uint64        `yaml:"consume_flush_interval"`
	DerivedStateInterval time.Duration `yaml:"derived_state_interval"`
	Delivery             DeliveryConfig `yaml:"delivery"`
}

// DeliveryConfig mirrors delivery.Config for YAML loading.
type DeliveryConfig struct {
	BatchCount           int           `yaml:"batch_count"`
	UnwritableTimeout    time.Duration `yaml:"unwritable_timeout"`
	FallbackPollInterval time.Duration `yaml:"fallback_poll_interval"`
}

// FederationConfig configures the optional hub-subscriber republish flow.
type FederationConfig struct {
	Enabled      bool     `yaml:"enabled"`
	RegionID     string   `yaml:"region_id"`
	HubSeedHosts []string `yaml:"hub_seed_hosts"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults: memory-backed
// ownership and persistence, plaintext TCP only, federation disabled.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			SelfAddress: "127.0.0.1:7900",
		},
		Server: ServerConfig{
			TCP: TCPListenersConfig{
				Plain: PlainListenerConfig{
					Addr:            ":7900",
					MaxConnections:  10000,
					ReadTimeout:     60 * time.Second,
					WriteTimeout:    60 * time.Second,
					IdleTimeout:     300 * time.Second,
					ShutdownTimeout: 30 * time.Second,
				},
				TLS: TLSListenerConfig{
					PlainListenerConfig: PlainListenerConfig{
						Addr:            "",
						MaxConnections:  10000,
						ReadTimeout:     60 * time.Second,
						WriteTimeout:    60 * time.Second,
						IdleTimeout:     300 * time.Second,
						ShutdownTimeout: 30 * time.Second,
					},
					TLS: TLSMaterialConfig{
						ClientAuth: "none",
						MinVersion: "1.2",
					},
				},
			},
		},
		Broker: BrokerConfig{
			MaxMessageSize: 1024 * 1024, // 1MB
			RetryInterval:  20 * time.Second,
		},
		Session: SessionConfig{
			MaxSessions:         10000,
			MaxOfflineQueueSize: 1000,
		},
		Ownership: OwnershipConfig{
			Backend: "memory",
			Etcd: EtcdConfig{
				Endpoints:   []string{"127.0.0.1:2379"},
				DialTimeout: 5 * time.Second,
				SessionTTL:  10,
			},
		},
		Storage: StorageConfig{
			Backend:   "memory",
			BadgerDir: "/tmp/relaymq/data",
		},
		Subscribers: SubscriberConfig{
			ConsumeFlushInterval: 1000,
			DerivedStateInterval: 5 * time.Second,
			Delivery: DeliveryConfig{
				BatchCount:           64,
				UnwritableTimeout:    30 * time.Second,
				FallbackPollInterval: 500 * time.Millisecond,
			},
		},
		RateLimit: ratelimit.DefaultConfig(),
		Federation: FederationConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist, it
// returns default configuration.
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

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.SelfAddress == "" {
		return fmt.Errorf("node.self_address cannot be empty")
	}

	if c.Server.TCP.Plain.Addr == "" && c.Server.TCP.TLS.Addr == "" {
		return fmt.Errorf("at least one of server.tcp.plain.addr or server.tcp.tls.addr must be set")
	}
	if c.Server.TCP.Plain.Addr != "" && c.Server.TCP.Plain.MaxConnections < 0 {
		return fmt.Errorf("server.tcp.plain.max_connections cannot be negative")
	}
	if c.Server.TCP.TLS.Addr != "" {
		if c.Server.TCP.TLS.MaxConnections < 0 {
			return fmt.Errorf("server.tcp.tls.max_connections cannot be negative")
		}
		if c.Server.TCP.TLS.TLS.CertFile == "" {
			return fmt.Errorf("server.tcp.tls.tls.cert_file required when tls.addr is set")
		}
		if c.Server.TCP.TLS.TLS.KeyFile == "" {
			return fmt.Errorf("server.tcp.tls.tls.key_file required when tls.addr is set")
		}
		validClientAuth := map[string]bool{"none": true, "request": true, "require": true}
		if !validClientAuth[c.Server.TCP.TLS.TLS.ClientAuth] {
			return fmt.Errorf("server.tcp.tls.tls.client_auth must be one of: none, request, require")
		}
		if (c.Server.TCP.TLS.TLS.ClientAuth == "request" || c.Server.TCP.TLS.TLS.ClientAuth == "require") && c.Server.TCP.TLS.TLS.CAFile == "" {
			return fmt.Errorf("server.tcp.tls.tls.ca_file required when tls.client_auth is '%s'", c.Server.TCP.TLS.TLS.ClientAuth)
		}
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TCP.TLS.TLS.MinVersion] {
			return fmt.Errorf("server.tcp.tls.tls.min_version must be one of: 1.2, 1.3")
		}
	}

	if c.Broker.MaxMessageSize < 1024 {
		return fmt.Errorf("broker.max_message_size must be at least 1KB")
	}
	if c.Broker.RetryInterval < time.Second {
		return fmt.Errorf("broker.retry_interval must be at least 1 second")
	}

	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("session.max_sessions must be at least 1")
	}
	if c.Session.MaxOfflineQueueSize < 10 {
		return fmt.Errorf("session.max_offline_queue_size must be at least 10")
	}

	validOwnership := map[string]bool{"memory": true, "etcd": true}
	if !validOwnership[c.Ownership.Backend] {
		return fmt.Errorf("ownership.backend must be one of: memory, etcd")
	}
	if c.Ownership.Backend == "etcd" {
		if len(c.Ownership.Etcd.Endpoints) == 0 {
			return fmt.Errorf("ownership.etcd.endpoints required when backend is etcd")
		}
		if c.Ownership.Etcd.SessionTTL < 1 {
			return fmt.Errorf("ownership.etcd.session_ttl must be at least 1 second")
		}
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Backend] {
		return fmt.Errorf("storage.backend must be one of: memory, badger")
	}
	if c.Storage.Backend == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when backend is badger")
	}

	if c.Subscribers.Delivery.BatchCount < 1 {
		return fmt.Errorf("subscribers.delivery.batch_count must be at least 1")
	}
	if c.Subscribers.Delivery.UnwritableTimeout < time.Second {
		return fmt.Errorf("subscribers.delivery.unwritable_timeout must be at least 1 second")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Federation.Enabled {
		if c.Federation.RegionID == "" {
			return fmt.Errorf("federation.region_id required when federation is enabled")
		}
		if len(c.Federation.HubSeedHosts) == 0 {
			return fmt.Errorf("federation.hub_seed_hosts required when federation is enabled")
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
